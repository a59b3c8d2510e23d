package logging

import (
	"io"
	"log/slog"
	"os"
)

// Options select the handler and the attributes stamped on every record.
type Options struct {
	Level   string
	Service string
	Env     string
	// Text switches to the human-readable handler, used in development.
	Text bool
	// Output defaults to stdout.
	Output io.Writer
}

// New creates a slog logger from opts. An invalid level defaults to info.
func New(opts Options) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if opts.Text {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With(slog.String("service", opts.Service))
	}
	if opts.Env != "" {
		logger = logger.With(slog.String("env", opts.Env))
	}
	return logger
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}
