// Package logging provides structured, leveled logging for the broker,
// wrapping zerolog behind the same small key-value API the rest of this
// module's ancestor used (Debug/Info/Warn/Error plus scoped With*
// constructors), so call sites read the same way regardless of backend.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a LogLevel, defaulting to LevelInfo
// for anything unrecognized rather than rejecting the config outright.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Format string // "json" (default) or "text" for a human-readable console writer
	Output io.Writer
	NoColor bool
}

// DefaultConfig returns a sensible default configuration: JSON to stderr at
// info level, matching how the broker runs under a process supervisor.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo, Format: "json", Output: os.Stderr}
}

// Logger wraps a zerolog.Logger. Its value type is safe to copy; With*
// returns a derived Logger carrying additional structured context without
// mutating the receiver.
type Logger struct {
	z zerolog.Logger
}

// NewLogger creates a logger from config, defaulting to DefaultConfig when
// config is nil.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = out
	if config.Format == "text" {
		w = zerolog.ConsoleWriter{Out: out, NoColor: config.NoColor, TimeFormat: "15:04:05"}
	}
	z := zerolog.New(w).Level(config.Level.zerolog()).With().Timestamp().Logger()
	return &Logger{z: z}
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// Default returns the process-wide default logger, creating one on first
// use.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

func fields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	return e
}

func (l *Logger) Debug(msg string, args ...any) { fields(l.z.Debug(), args).Msg(msg) }
func (l *Logger) Info(msg string, args ...any)  { fields(l.z.Info(), args).Msg(msg) }
func (l *Logger) Warn(msg string, args ...any)  { fields(l.z.Warn(), args).Msg(msg) }
func (l *Logger) Error(msg string, args ...any) { fields(l.z.Error(), args).Msg(msg) }

// With returns a derived Logger with the given key-value pairs attached to
// every subsequent entry.
func (l *Logger) With(args ...any) *Logger {
	ctx := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, args[i+1])
	}
	return &Logger{z: ctx.Logger()}
}

// WithProcess scopes subsequent entries to a process id.
func (l *Logger) WithProcess(id uint64) *Logger { return l.With("process_id", id) }

// WithNode scopes subsequent entries to a node id.
func (l *Logger) WithNode(id uint64) *Logger { return l.With("node_id", id) }

// WithTxn scopes subsequent entries to a transaction id.
func (l *Logger) WithTxn(id string) *Logger { return l.With("txn_id", id) }

// Global convenience functions delegating to Default().
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
