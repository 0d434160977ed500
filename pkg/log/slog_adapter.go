package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes trace events to an slog.Logger.
// Useful for development when you want to watch parameter traffic
// on the console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level
// (Warn for OpError events).
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session", event.SessionID),
		slog.String("op", event.Op.String()),
	}

	if event.Instrument != "" {
		attrs = append(attrs, slog.String("instrument", event.Instrument))
	}
	if event.Parameter != "" {
		attrs = append(attrs, slog.String("parameter", event.Parameter))
	}
	if event.Value != "" {
		attrs = append(attrs, slog.String("value", event.Value))
	}
	if event.Unit != "" {
		attrs = append(attrs, slog.String("unit", event.Unit))
	}
	if event.Elapsed > 0 {
		attrs = append(attrs, slog.Duration("elapsed", event.Elapsed))
	}

	level := slog.LevelDebug
	if event.Error != "" {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", event.Error))
	}

	a.logger.LogAttrs(context.Background(), level, "instrument traffic", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
