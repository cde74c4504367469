package commands

import (
	"io"

	"github.com/drblury/framebridge/internal/runtime/config"
	"github.com/drblury/framebridge/internal/runtime/logging"
)

// Set by persistent root flags.
var (
	ConfigPath string
	LogLevel   string
)

// Version information, set via ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// loadConfig reads ConfigPath when set and falls back to defaults otherwise.
// Callers apply their flag overrides and then call Validate.
func loadConfig() (*config.Config, error) {
	if ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(ConfigPath)
}

func newLogger(w io.Writer, conf *config.Config) logging.ServiceLogger {
	level := conf.LogLevel
	if LogLevel != "" {
		level = LogLevel
	}
	return logging.NewWriterServiceLogger(w, level, conf.LogFormat)
}
