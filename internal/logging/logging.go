// Package logging bootstraps the process-wide logf.Logger both cmd/client
// and cmd/gateway share.
package logging

import (
	"strings"

	"github.com/zerodha/logf"
)

// New builds a logf.Logger at the given level string ("debug", "info",
// "warn"/"warning", "error"; anything else is "info") with caller
// reporting enabled.
func New(level string) logf.Logger {
	return logf.New(logf.Opts{
		Level:        parseLevel(level),
		EnableCaller: true,
	})
}

func parseLevel(level string) logf.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logf.DebugLevel
	case "warn", "warning":
		return logf.WarnLevel
	case "error":
		return logf.ErrorLevel
	default:
		return logf.InfoLevel
	}
}
