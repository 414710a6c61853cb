// Package logging provides component-scoped structured loggers for the agent.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // "stdout", "stderr", or file path
	JSONFormat bool   `json:"json_format"` // raw JSON vs console writer
}

// Logger is a component-scoped structured logger.
type Logger struct {
	zl zerolog.Logger
}

var (
	root     zerolog.Logger
	initOnce sync.Once
)

// ParseLevel converts a string to a zerolog level, defaulting to INFO.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init configures the process-wide root logger. Only the first call takes
// effect. New calls Init with stdout at INFO, so once any logger has been
// created a later Init changes nothing.
func Init(cfg Config) {
	initOnce.Do(func() {
		var output io.Writer = os.Stdout
		if cfg.Output == "stderr" {
			output = os.Stderr
		} else if cfg.Output != "" && cfg.Output != "stdout" {
			file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err == nil {
				output = file
			}
		}

		if !cfg.JSONFormat {
			output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
		}

		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		root = zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	})
}

// New returns a logger tagged with the given component name.
func New(component string) *Logger {
	Init(Config{Level: "INFO", Output: "stdout"})
	return &Logger{zl: root.With().Str("component", component).Logger()}
}

// With returns a child logger carrying an extra string field.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{zl: l.zl.With().Str(key, value).Logger()}
}

// Debug starts a DEBUG level event.
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }

// Info starts an INFO level event.
func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }

// Warn starts a WARN level event.
func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }

// Error starts an ERROR level event.
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// Fatal starts a FATAL level event; the event's Msg call exits the process.
func (l *Logger) Fatal() *zerolog.Event { return l.zl.Fatal() }
