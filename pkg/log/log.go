package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Components derive child loggers from it
// with the With* helpers after Init has run.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a textual log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var levels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// ParseLevel converts a textual level into a Level, defaulting to info
func ParseLevel(s string) Level {
	if _, ok := levels[Level(s)]; ok {
		return Level(s)
	}
	return InfoLevel
}

// Init configures the global logger
func Init(cfg Config) {
	level, ok := levels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Str("service", "mpathd").Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithHostID creates a child logger scoped to one adapter
func WithHostID(hostID int) zerolog.Logger {
	return Logger.With().Int("host_id", hostID).Logger()
}

// WithLun creates a child logger scoped to one LUN of a device
func WithLun(deviceID, lun int) zerolog.Logger {
	return Logger.With().Int("device_id", deviceID).Int("lun", lun).Logger()
}
