package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EnvLevel overrides the configured level when set.
const EnvLevel = "VIGIL_LOG_LEVEL"

// ParseLevel maps debug, info, warn, error (case-insensitive) to a zerolog level.
// An empty string means info.
func ParseLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// Init initializes the global logger. VIGIL_LOG_LEVEL wins over level.
func Init(level string) error {
	if env := os.Getenv(EnvLevel); env != "" {
		level = env
	}
	lvl, err := ParseLevel(level)
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	return err
}
