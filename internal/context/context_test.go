package context

import (
	"bytes"
	stdcontext "context"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/assert"
)

func TestLevelFilter(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
		wantError bool
	}{
		{level: "debug", wantDebug: true, wantInfo: true, wantError: true},
		{level: "info", wantInfo: true, wantError: true},
		{level: "ERROR", wantError: true},
		{level: "none"},
		{level: "", wantDebug: true, wantInfo: true, wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			ctx := NewWithWriter(stdcontext.Background(), &buf, tt.level)

			buf.Reset()
			_ = level.Debug(ctx.Log()).Log("msg", "d")
			assert.Equal(t, tt.wantDebug, buf.Len() > 0, "debug")

			buf.Reset()
			_ = level.Info(ctx.Log()).Log("msg", "i")
			assert.Equal(t, tt.wantInfo, buf.Len() > 0, "info")

			buf.Reset()
			_ = level.Error(ctx.Log()).Log("msg", "e")
			assert.Equal(t, tt.wantError, buf.Len() > 0, "error")
		})
	}
}

func TestLogfmtOutput(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewWithWriter(stdcontext.Background(), &buf, "info")
	_ = level.Info(ctx.Log()).Log("msg", "hello", "clan", "#2PP")

	out := buf.String()
	assert.Contains(t, out, "level=info")
	assert.Contains(t, out, "msg=hello")
	assert.Contains(t, out, "clan=#2PP")
	assert.Contains(t, out, "ts=")
	assert.Contains(t, out, "caller=")
}
