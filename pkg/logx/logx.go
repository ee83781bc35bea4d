// Package logx provides the small leveled logger used across hase.
// Components take a *Logger so tests can capture or silence output.
package logx

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// Level controls which messages a Logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the Level.
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
		return "?"
	}
}

var levelColors = map[Level]string{
	LevelDebug: "\x1b[90m",
	LevelInfo:  "\x1b[36m",
	LevelWarn:  "\x1b[33m",
	LevelError: "\x1b[31m",
}

// Logger writes leveled messages to a single destination. The zero
// value is not usable; use New or Default.
type Logger struct {
	mu    sync.Mutex
	w     io.Writer
	min   Level
	color bool
}

// New creates a logger writing to w at the given minimum level. Color
// is enabled only when w is a terminal.
func New(w io.Writer, min Level) *Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Logger{w: w, min: min, color: color}
}

// Default returns a stderr logger at Info level.
func Default() *Logger {
	return New(os.Stderr, LevelInfo)
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{w: io.Discard, min: LevelError + 1}
}

// SetLevel changes the minimum level.
func (l *Logger) SetLevel(min Level) {
	l.mu.Lock()
	l.min = min
	l.mu.Unlock()
}

func (l *Logger) log(lv Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lv < l.min {
		return
	}
	tag := lv.String()
	if l.color {
		tag = levelColors[lv] + tag + "\x1b[0m"
	}
	fmt.Fprintf(l.w, "[%s] %s\n", tag, fmt.Sprintf(format, args...))
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }
