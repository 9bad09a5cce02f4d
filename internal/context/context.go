package context

import (
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/net/context"
)

type Context interface {
	context.Context
	Log() log.Logger
}

type Ctx struct {
	context.Context
	log log.Logger
}

func (c Ctx) Log() log.Logger {
	return c.log
}

// New wraps ctx with a logfmt logger on stderr filtered at logLevel.
func New(ctx context.Context, logLevel string) Ctx {
	return NewWithWriter(ctx, os.Stderr, logLevel)
}

func NewWithWriter(ctx context.Context, w io.Writer, logLevel string) Ctx {
	var logger log.Logger
	logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, levelOption(logLevel))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	return Ctx{
		Context: ctx,
		log:     logger,
	}
}

func levelOption(l string) level.Option {
	switch strings.ToLower(l) {
	case "debug":
		return level.AllowDebug()
	case "warn", "warning":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	case "none":
		return level.AllowNone()
	case "info":
		return level.AllowInfo()
	}
	return level.AllowAll()
}
