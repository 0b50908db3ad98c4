// ABOUTME: Shared helpers for bus tests
// ABOUTME: Provides a logger that discards output

package bus

import (
	"io"
	"log/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
