package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
//
// Components depend on this interface rather than on a concrete logger so
// tests can pass Nop() and binaries can fan out with Multi().
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// writerLogger is the concrete leveled logger. All children created through
// WithComponent share the writer and its mutex, so interleaved lines from
// different components stay whole.
type writerLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	level     Level
	component string
}

// Option configures a logger built by New.
type Option func(*writerLogger)

// WithLevel sets the minimum level emitted.
func WithLevel(level Level) Option {
	return func(l *writerLogger) { l.level = level }
}

// WithOutput redirects log lines to w.
func WithOutput(w io.Writer) Option {
	return func(l *writerLogger) { l.out = w }
}

// New creates a leveled logger writing to stderr unless overridden.
func New(component string, opts ...Option) Logger {
	l := &writerLogger{
		mu:        &sync.Mutex{},
		out:       os.Stderr,
		level:     LevelInfo,
		component: component,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewComponentLogger creates a logger for the named component with default
// settings. Most call sites use this.
func NewComponentLogger(component string) Logger {
	return New(component)
}

// WithComponent returns a child logger tagged with component, sharing the
// parent's writer and level. Non-writer loggers get wrapped instead.
func WithComponent(logger Logger, component string) Logger {
	if wl, ok := logger.(*writerLogger); ok {
		child := *wl
		child.component = component
		return &child
	}
	return &componentLogger{inner: OrNop(logger), component: component}
}

type componentLogger struct {
	inner     Logger
	component string
}

func (c *componentLogger) Debug(format string, args ...any) {
	c.inner.Debug("["+c.component+"] "+format, args...)
}

func (c *componentLogger) Info(format string, args ...any) {
	c.inner.Info("["+c.component+"] "+format, args...)
}

func (c *componentLogger) Warn(format string, args ...any) {
	c.inner.Warn("["+c.component+"] "+format, args...)
}

func (c *componentLogger) Error(format string, args ...any) {
	c.inner.Error("["+c.component+"] "+format, args...)
}

func (l *writerLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "myagent"
	}

	// 2025-01-02 15:04:05 [INFO] [ws-server] server.go:42 - message
	msg := fmt.Sprintf(format, args...)
	linetext := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, component, file, line, msg)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, linetext)
}

func (l *writerLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *writerLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *writerLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *writerLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}
