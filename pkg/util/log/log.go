package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the shared go-kit logger. It is a nop until InitLogger runs so
// packages can log safely during early startup.
var Logger = kitlog.NewNopLogger()

// InitLogger initialises the global go-kit logger and returns it.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(logFormat, writer)

	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// The level filter goes last so lower levels are dropped before any
	// formatting work happens.
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger
}
