package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog logger writing to stdout. Stage loops attach their
// stage name via With.
func New() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}
