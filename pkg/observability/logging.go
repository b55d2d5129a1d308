package observability

import (
	"os"

	"github.com/sirupsen/logrus"
)

// LoggingConfig configures the root logrus.Logger shared by every
// scheduler Instance, Worker, and the control plane.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // panic, fatal, error, warn, info, debug, trace
	Format string `yaml:"format"` // "json" or "text"
}

// DefaultLoggingConfig returns an info-level, text-formatted
// configuration suitable for a terminal.
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{Level: "info", Format: "text"}
}

// NewLogger builds a logrus.Logger from cfg, falling back to
// DefaultLoggingConfig on a nil or malformed level. Logs go to stderr
// so stdout stays free for command output redirected by the command
// file's own stdio.
func NewLogger(cfg *LoggingConfig) *logrus.Logger {
	if cfg == nil {
		cfg = DefaultLoggingConfig()
	}

	logger := logrus.New()
	logger.Out = os.Stderr

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}

// WithComponent returns an Entry tagging every log line from a
// particular scheduler component (e.g. "registry", "instance",
// "worker"), the convention pkg/scheduler and pkg/registry build their
// *logrus.Entry fields from.
func WithComponent(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}
