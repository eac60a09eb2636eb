package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Logger defines a minimal, printf-style logging contract. Every component in
// the engine depends on this interface rather than a concrete logger, so hosts
// can route output wherever they like.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
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

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

var (
	fileOnce   sync.Once
	sharedFile *fileLogger
)

// fileLogger writes timestamped lines to cafezin-debug.log in the user's home
// directory. All component loggers share one file handle.
type fileLogger struct {
	mu     sync.Mutex
	out    *log.Logger
	file   *os.File
	level  Level
	closed bool
}

func sharedFileLogger() *fileLogger {
	fileOnce.Do(func() {
		sharedFile = &fileLogger{level: DEBUG}
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		path := filepath.Join(home, "cafezin-debug.log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return
		}
		sharedFile.file = f
		sharedFile.out = log.New(f, "", 0)
	})
	return sharedFile
}

// SetLevel sets the minimum level for the shared file logger.
func SetLevel(level Level) {
	fl := sharedFileLogger()
	fl.mu.Lock()
	fl.level = level
	fl.mu.Unlock()
}

// ParseLevel maps a config string to a Level; unknown values mean DEBUG.
func ParseLevel(s string) Level {
	switch s {
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return DEBUG
	}
}

// componentLogger scopes the shared file logger to a named component.
type componentLogger struct {
	component string
	backend   *fileLogger
}

// NewComponentLogger returns the default file-backed logger scoped to a
// component, e.g. "agent-loop" or "llm-stream".
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, backend: sharedFileLogger()}
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(DEBUG, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(INFO, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(WARN, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(ERROR, format, args...) }

func (l *componentLogger) log(level Level, format string, args ...any) {
	fl := l.backend
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.out == nil || level < fl.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	// 2026-01-02 15:04:05 [INFO] [agent-loop] loop.go:42 - message
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s",
		time.Now().Format("2006-01-02 15:04:05"),
		levelString(level), l.component, file, line, message)
	fl.out.Print(Redact(logLine))
}

func levelString(level Level) string {
	switch level {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	}
	return "?"
}

// Underscore included so GitHub-style credentials (ghu_..., gho_...) match.
var bearerPattern = regexp.MustCompile(`(?i)(bearer|token)\s+[\w.~+/=-]{8,}`)

// Redact masks bearer tokens and similar credentials in a log line so session
// tokens never land in the debug log.
func Redact(line string) string {
	return bearerPattern.ReplaceAllString(line, "$1 (hidden)")
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if logger == nil {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	switch len(flattened) {
	case 0:
		return Nop()
	case 1:
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
