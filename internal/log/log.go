// Package log provides the structured logger used across the datapath,
// backed by logrus with optional rotating file output.
package log

import "sync"

// Logger is the logging surface handed to the rest of the code. It
// narrows logrus to what the datapath actually uses.
type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsDebugEnabled() bool
}

// Config selects level, format and outputs. Stdout is always written;
// the file output rotates via lumberjack when enabled.
type Config struct {
	Level  string
	Format string // json | text
	File   FileConfig
}

// FileConfig configures the rotating file output.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

var (
	mu     sync.RWMutex
	logger Logger = newLogrusLogger(Config{Level: "info", Format: "text"})
)

// GetLogger returns the process logger. Before Init it logs text at
// info level to stdout.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Init replaces the process logger according to cfg.
func Init(cfg Config) error {
	l, err := buildLogrusLogger(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}
