package gpures

import (
	"log/slog"

	"github.com/gogpu/gpures/internal/logging"
)

// SetLogger configures the logger for gpures and all its sub-packages.
// By default, gpures produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by gpures:
//   - [slog.LevelDebug]: block splits and merges, staging chunk creation
//   - [slog.LevelInfo]: lifecycle events (context, allocator, belt created)
//   - [slog.LevelWarn]: pool exhaustion, oversized staging writes
//
// Example:
//
//	// Enable debug-level logging for full diagnostics:
//	gpures.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger used by gpures.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.Logger()
}
