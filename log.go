package httppool

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// log is the package-level logger used for all pool and connection events.
// The level is controlled by the HTTPPOOL_LOG_LEVEL environment variable
// (trace, debug, info, warn, error); HTTPPOOL_DEBUG=1 is a shorthand for
// debug level. The default level is warn so the library stays quiet unless
// asked otherwise.
var log = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(logrus.WarnLevel)

	if level := os.Getenv("HTTPPOOL_LOG_LEVEL"); level != "" {
		if parsed, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
			l.SetLevel(parsed)
		}
	}
	if os.Getenv("HTTPPOOL_DEBUG") != "" {
		l.SetLevel(logrus.DebugLevel)
	}

	return l
}

// SetLogLevel adjusts the verbosity of the package logger at runtime.
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

// Logger returns the package logger so callers can redirect its output
// or attach hooks.
func Logger() *logrus.Logger {
	return log
}
