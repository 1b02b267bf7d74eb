package fatfs

import (
	"io"
	"log/slog"
)

// noopLogger discards everything. Logging is opt-in via WithLogger, the
// engine stays silent by default.
func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))
}
