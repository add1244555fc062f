// Package logger provides the structured logging facade used across the module.
// Components depend on the Logger interface; the zap backend lives in zap.go.
package logger

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Logger is the structured logger handed to every component constructor.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Named(name string) Logger
}

// Field is a typed key/value pair attached to a log entry.
type Field = zap.Field

// LogLevel names a minimum severity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ParseLevel maps a config string to a LogLevel. Unknown values fall back to info.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LogLevelDebug:
		return LogLevelDebug
	case LogLevelWarn, "warning":
		return LogLevelWarn
	case LogLevelError:
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func String(key, value string) Field { return zap.String(key, value) }
func Int(key string, value int) Field { return zap.Int(key, value) }
func Int64(key string, value int64) Field { return zap.Int64(key, value) }
func Uint64(key string, value uint64) Field { return zap.Uint64(key, value) }
func Bool(key string, value bool) Field { return zap.Bool(key, value) }
func Duration(key string, d time.Duration) Field { return zap.Duration(key, d) }
func Time(key string, t time.Time) Field { return zap.Time(key, t) }
func Strings(key string, values []string) Field { return zap.Strings(key, values) }
func Any(key string, value any) Field { return zap.Any(key, value) }

// Error attaches err under the "error" key.
func Error(err error) Field { return zap.Error(err) }

var (
	global   Logger = NewNopLogger()
	globalMu sync.RWMutex
)

// SetGlobal replaces the process-wide logger used by code without an injected one.
func SetGlobal(l Logger) {
	if l == nil {
		return
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	global = l
}

// Global returns the process-wide logger.
func Global() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}
