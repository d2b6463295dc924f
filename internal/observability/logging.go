package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls the shared log sink. The zero value logs JSON to stdout.
type LogOptions struct {
	Level      string
	File       string // when set, logs are also written to a rotating file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// LogOptionsFromEnv reads PERP_LOG_LEVEL and PERP_LOG_FILE.
func LogOptionsFromEnv() LogOptions {
	return LogOptions{
		Level: os.Getenv("PERP_LOG_LEVEL"),
		File:  os.Getenv("PERP_LOG_FILE"),
	}
}

var logSink io.Writer = os.Stdout

// ConfigureLogging sets the writer every logger created afterwards uses.
// Call once from main before any component logger is built.
func ConfigureLogging(opts LogOptions) io.Closer {
	zerolog.SetGlobalLevel(parseLogLevel(opts.Level))
	if opts.File == "" {
		logSink = os.Stdout
		return io.NopCloser(nil)
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    orDefault(opts.MaxSizeMB, 100),
		MaxBackups: orDefault(opts.MaxBackups, 5),
		MaxAge:     orDefault(opts.MaxAgeDays, 14),
		Compress:   true,
	}
	logSink = io.MultiWriter(os.Stdout, rotator)
	return rotator
}

// NewLogger creates a structured JSON logger tagged with component.
// Production default: info. Set via PERP_LOG_LEVEL env var.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, parseLogLevel(os.Getenv("PERP_LOG_LEVEL")))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(logSink).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
