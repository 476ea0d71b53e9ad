package logging

import (
	"io"
	"log/slog"
	"os"
)

// New creates the service-wide JSON slog logger at the provided level, with
// the service name stamped on every record so wallet and payout log lines can
// be attributed when aggregated with adjacent services. An invalid level
// string defaults to info.
func New(service, level string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler).With(slog.String("service", service))
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
