package errs

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{name: "nil", err: nil},
		{name: "unavailable", err: errors.Wrap(ErrUnavailable, "fetch war"), transient: true},
		{name: "rate limited", err: errors.Wrap(ErrRateLimited, "send"), transient: true},
		{name: "deadline", err: errors.Wrap(context.DeadlineExceeded, "send"), transient: true},
		{name: "forbidden", err: errors.Wrap(ErrForbidden, "send"), permanent: true},
		{name: "entity not found", err: errors.Wrapf(ErrEntityNotFound, "clan %s", "#2PP"), permanent: true},
		{name: "template", err: errors.Wrap(ErrTemplate, "render"), permanent: true},
		{name: "render", err: errors.Wrap(ErrRender, "render")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestConfigurationError(t *testing.T) {
	err := errors.Wrap(Configuration("targets", "at least %d clan required", 1), "create reminder")
	assert.True(t, errors.Is(err, ErrConfiguration))

	var cfgErr *ConfigurationError
	if assert.True(t, errors.As(err, &cfgErr)) {
		assert.Equal(t, "targets", cfgErr.Field)
		assert.Equal(t, "at least 1 clan required", cfgErr.Reason)
	}
}
