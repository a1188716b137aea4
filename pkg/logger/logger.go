package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	log      zerolog.Logger
	initOnce sync.Once
)

// Init configures the process-wide logger. Level comes from LOG_LEVEL
// (debug, info, warn, error); output is JSON lines on stdout.
func Init() {
	initOnce.Do(func() {
		level := zerolog.InfoLevel
		switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
		case "debug":
			level = zerolog.DebugLevel
		case "warn":
			level = zerolog.WarnLevel
		case "error":
			level = zerolog.ErrorLevel
		}
		log = zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	})
}

func Debug(event string, fields map[string]interface{}) {
	log.Debug().Fields(fields).Msg(event)
}

func Info(event string, fields map[string]interface{}) {
	log.Info().Fields(fields).Msg(event)
}

func Warn(event string, fields map[string]interface{}) {
	log.Warn().Fields(fields).Msg(event)
}

func Error(event string, err error, fields map[string]interface{}) {
	log.Error().Err(err).Fields(fields).Msg(event)
}
