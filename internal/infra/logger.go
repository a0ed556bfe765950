package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger constructs the process logger. Development builds log at debug
// level to a console writer; everything else emits JSON at info. A non-empty
// level overrides the environment default.
func NewLogger(appEnv, service, level string) zerolog.Logger {
	return newLogger(os.Stdout, appEnv, service, level)
}

func newLogger(out io.Writer, appEnv, service, level string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if appEnv == "development" {
		lvl = zerolog.DebugLevel
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}

	if appEnv == "development" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(lvl).With().Timestamp()
	if service != "" {
		ctx = ctx.Str("service", service)
	}
	return ctx.Logger()
}

// Logger aliases zerolog.Logger for packages that only pass it around.
type Logger = zerolog.Logger
