// Package errs holds the sentinel errors shared by the reminder engine and its
// collaborators. Adapters wrap these with github.com/pkg/errors so callers can
// classify failures with errors.Is regardless of how much context was added.
package errs

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Game-data client errors.
var (
	ErrUnavailable    = errors.New("game data unavailable")
	ErrEntityNotFound = errors.New("entity not found")
)

// Notification channel errors.
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrForbidden       = errors.New("forbidden")
	ErrMessageNotFound = errors.New("message not found")
)

// Engine errors.
var (
	ErrRender        = errors.New("render failed")
	ErrTemplate      = errors.New("invalid message template")
	ErrConfiguration = errors.New("invalid configuration")
)

// ConfigurationError describes why a reminder was rejected. It is returned to
// the configuration source and never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration.Error(), e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Configuration builds a ConfigurationError.
func Configuration(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsTransient reports failures that should be retried on the next poll
// without touching persisted state.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports failures that will not heal by themselves and count
// towards disabling the reminder that caused them.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrTemplate)
}
