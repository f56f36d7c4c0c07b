// Package logging wraps zerolog for the structured logging used across the SDK.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog for structured logging
type Logger struct {
	logger zerolog.Logger
}

// LogLevel represents the logging level
type LogLevel int

const (
	TraceLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
	PanicLevel
)

// ParseLevel maps a config string (DEBUG, info, warning...) to a LogLevel.
// Unknown values fall back to InfoLevel.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TraceLevel
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	case "panic":
		return PanicLevel
	default:
		return InfoLevel
	}
}

// FileConfig enables a rotated log file in addition to Output.
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LogConfig represents the configuration for logging
type LogConfig struct {
	Level     LogLevel
	Pretty    bool
	Output    io.Writer
	AddSource bool
	Fields    map[string]interface{}
	File      *FileConfig
}

// DefaultLogConfig returns a default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  InfoLevel,
		Pretty: true,
		Output: os.Stderr,
		Fields: make(map[string]interface{}),
	}
}

// NewLogger creates a new structured logger
func NewLogger(config *LogConfig) *Logger {
	if config == nil {
		config = DefaultLogConfig()
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	if config.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.StampMilli}
	}
	if config.File != nil && config.File.Path != "" {
		// File output is always JSON so it stays machine readable.
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    orDefault(config.File.MaxSizeMB, 50),
			MaxBackups: orDefault(config.File.MaxBackups, 3),
			MaxAge:     orDefault(config.File.MaxAgeDays, 28),
			Compress:   config.File.Compress,
		})
	}

	logger := zerolog.New(out).Level(toZerolog(config.Level)).With().Timestamp().Logger()

	if config.AddSource {
		logger = logger.With().Caller().Logger()
	}
	if len(config.Fields) > 0 {
		logger = logger.With().Fields(config.Fields).Logger()
	}

	return &Logger{logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case TraceLevel:
		return zerolog.TraceLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case FatalLevel:
		return zerolog.FatalLevel
	case PanicLevel:
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// Zerolog exposes the underlying zerolog logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.logger
}

// WithComponent adds a component field to the logger
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger()}
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{logger: l.logger.With().Fields(fields).Logger()}
}

// WithError adds an error field to the logger
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

func (l *Logger) Trace(msg string) { l.logger.Trace().Msg(msg) }

func (l *Logger) Tracef(format string, args ...interface{}) { l.logger.Trace().Msgf(format, args...) }

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.logger.Debug().Msgf(format, args...) }

func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

func (l *Logger) Infof(format string, args ...interface{}) { l.logger.Info().Msgf(format, args...) }

func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

func (l *Logger) Warnf(format string, args ...interface{}) { l.logger.Warn().Msgf(format, args...) }

func (l *Logger) Error(msg string) { l.logger.Error().Msg(msg) }

func (l *Logger) Errorf(format string, args ...interface{}) { l.logger.Error().Msgf(format, args...) }

// Fatal logs a fatal level message and exits
func (l *Logger) Fatal(msg string) { l.logger.Fatal().Msg(msg) }

// Fatalf logs a fatal level formatted message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) { l.logger.Fatal().Msgf(format, args...) }

// LogConnectionEvent logs connection status transitions
func (l *Logger) LogConnectionEvent(event, status, reason string, fields map[string]interface{}) {
	l.logger.Info().
		Str("event_type", "connection").
		Str("event", event).
		Str("status", status).
		Str("reason", reason).
		Fields(fields).
		Msg("Connection event")
}

// LogStreamEvent logs HTTP/2 stream lifecycle events at debug level
func (l *Logger) LogStreamEvent(event, streamID string, fields map[string]interface{}) {
	l.logger.Debug().
		Str("event_type", "stream").
		Str("event", event).
		Str("stream_id", streamID).
		Fields(fields).
		Msg("Stream event")
}

var globalLogger = NewLogger(DefaultLogConfig())

// Global returns the process-wide logger.
func Global() *Logger {
	return globalLogger
}

// SetGlobal replaces the process-wide logger.
func SetGlobal(logger *Logger) {
	if logger != nil {
		globalLogger = logger
	}
}

// Or returns l, or the global logger when l is nil.
func Or(l *Logger) *Logger {
	if l == nil {
		return globalLogger
	}
	return l
}
