// Package logger provides structured logging for the ingestion engine.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with pipeline-specific helpers.
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console writer for development
	Output io.Writer
}

// New creates a structured logger for the engine.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "lexengine").
		Logger()

	return &Logger{zlog: zlog}
}

// Zerolog returns the underlying zerolog logger.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

// Component returns a child logger tagged with a component name
// (pipeline, watcher, store, notify, ...).
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// Document returns a child logger bound to one document's ID, so every
// stage log line for that document carries it.
func (l *Logger) Document(id string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("doc", id).Logger()}
}

func (l *Logger) Debug() *zerolog.Event { return l.zlog.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.zlog.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.zlog.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.zlog.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.zlog.Fatal() }

// LogStage logs a completed stage execution with its duration and outcome.
func (l *Logger) LogStage(docID, stage string, attempt int, duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Str("doc", docID).
		Str("stage", stage).
		Int("attempt", attempt).
		Dur("duration_ms", duration).
		Msg("stage completed")
}

// LogTransition logs a document state transition.
func (l *Logger) LogTransition(docID, from, to string) {
	l.zlog.Info().
		Str("doc", docID).
		Str("from", from).
		Str("to", to).
		Msg("state transition")
}

// Global logger instance, for packages without an injected logger.
var globalLogger *Logger

// InitGlobal initializes the process-wide logger.
func InitGlobal(cfg Config) {
	globalLogger = New(cfg)
	log.Logger = *globalLogger.Zerolog()
}

// Global returns the process-wide logger, initializing a default one
// if InitGlobal was never called.
func Global() *Logger {
	if globalLogger == nil {
		InitGlobal(Config{Level: "info", Pretty: true})
	}
	return globalLogger
}
