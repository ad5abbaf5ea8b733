package logger

import (
	"os"

	"github.com/remiges-tech/logharbour/logharbour"
)

// LoadLogger creates a LogHarbour-backed logger writing to stdout.
func LoadLogger(appName string) Logger {
	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	return &LogHarbour{logharbour.NewLogger(lctx, appName, os.Stdout)}
}
