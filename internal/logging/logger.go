package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates a slog logger writing to stdout at the provided level. Format
// "text" selects the human-readable handler; anything else emits JSON. An
// invalid level defaults to info.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Component returns a child logger tagged with the owning component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = Discard()
	}
	return logger.With(slog.String("component", name))
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
