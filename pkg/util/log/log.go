// Package log sets up the process-wide structured logger.
package log

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the default, process-wide logger. InitLogger replaces it once
// the configured level is known; code that runs before that (flag parsing)
// sees a sane default.
var Logger = newLogger(level.InfoValue())

// InitLogger builds the leveled go-kit logger used throughout the process
// and installs it as the package-level Logger.
func InitLogger(lvl level.Value) log.Logger {
	Logger = newLogger(lvl)
	return Logger
}

func newLogger(lvl level.Value) log.Logger {
	l := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	l = level.NewFilter(l, level.Allow(lvl))
	l = log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
	return l
}

// With returns a logger with the given key/value pairs attached to every line.
func With(keyvals ...interface{}) log.Logger {
	return log.With(Logger, keyvals...)
}

// ParseLevel maps a -log.level flag value to a go-kit level.Value.
func ParseLevel(s string) (level.Value, error) {
	switch s {
	case "debug":
		return level.DebugValue(), nil
	case "info":
		return level.InfoValue(), nil
	case "warn":
		return level.WarnValue(), nil
	case "error":
		return level.ErrorValue(), nil
	default:
		return nil, fmt.Errorf("unrecognized log level %q", s)
	}
}
