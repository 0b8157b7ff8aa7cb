// Package log provides the leveled, structured logger used throughout
// ledgerdb. It follows the same entry/formatter split the rest of the
// codebase's ambient stack expects, but backs file output with
// lumberjack so long-running store processes don't need external log
// rotation tooling.
package log

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents the severity of a log entry.
type Level int

const (
	// Debug is the most verbose level, used for development diagnostics.
	Debug Level = iota
	// Info is for general operational messages.
	Info
	// Warn indicates a potentially harmful situation.
	Warn
	// Error indicates a failure that does not stop the store.
	Error
)

// String returns the uppercase name of the level.
func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Entry holds all data for a single log event.
type Entry struct {
	Timestamp time.Time
	Level     Level
	Component string
	Message   string
	Fields    map[string]interface{}
}

// Format renders an entry as a single line: "TS LEVEL component: message k=v k=v".
func (e Entry) Format() string {
	var b strings.Builder
	b.WriteString(e.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(e.Level.String())
	b.WriteByte(' ')
	b.WriteString(e.Component)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
		}
	}
	return b.String()
}

// Fields is a shorthand for structured log attributes.
type Fields map[string]interface{}

// Logger is a leveled, component-scoped logger.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	component string
	min       Level
}

// Config controls where a root Logger writes.
type Config struct {
	// FilePath, if non-empty, routes output through a rotating file
	// sink instead of stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      Level
}

// New creates a root logger for the given component name.
func New(component string, cfg Config) *Logger {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize == 0 {
			maxSize = 100
		}
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}
	return &Logger{out: w, component: component, min: cfg.Level}
}

// With returns a child logger scoped to a sub-component, e.g.
// root.With("pruner") logs under "ledgerdb.pruner".
func (l *Logger) With(sub string) *Logger {
	return &Logger{out: l.out, component: l.component + "." + sub, min: l.min}
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	if level < l.min {
		return
	}
	e := Entry{Timestamp: time.Now(), Level: level, Component: l.component, Message: msg, Fields: fields}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, e.Format())
}

// Debugf logs at Debug level.
func (l *Logger) Debugf(msg string, fields Fields) { l.log(Debug, msg, fields) }

// Infof logs at Info level.
func (l *Logger) Infof(msg string, fields Fields) { l.log(Info, msg, fields) }

// Warnf logs at Warn level.
func (l *Logger) Warnf(msg string, fields Fields) { l.log(Warn, msg, fields) }

// Errorf logs at Error level.
func (l *Logger) Errorf(msg string, fields Fields) { l.log(Error, msg, fields) }

// Nop returns a logger that discards everything, useful for tests.
func Nop() *Logger {
	return &Logger{out: io.Discard, component: "nop", min: Error + 1}
}
