package observability

import (
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the process logger and installs it as the global logger.
// Output always goes to stderr: stdout carries the control channel in the
// reference deployment and must stay clean.
func InitLogger(app string) zerolog.Logger {
	var logger zerolog.Logger
	if isatty.IsTerminal(os.Stderr.Fd()) {
		output := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Str("app", app).Logger()
	}
	log.Logger = logger
	return logger
}
