package obs

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// stdout carries relayed bytes, so logs always go to stderr.
var (
	mu           sync.Mutex
	base         = newLogger(os.Stderr)
	debugEnabled bool
)

func newLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Logger()
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	debugEnabled = v
	mu.Unlock()
}

// SetOutput redirects log output. Tests use it to capture events.
func SetOutput(w io.Writer) {
	mu.Lock()
	base = newLogger(w)
	mu.Unlock()
}

type Fields map[string]any

func logWith(level zerolog.Level, msg string, f Fields) {
	mu.Lock()
	l := base
	dbg := debugEnabled
	mu.Unlock()
	if level == zerolog.DebugLevel && !dbg {
		return
	}
	ev := l.WithLevel(level)
	if len(f) > 0 {
		ev = ev.Fields(map[string]any(f))
	}
	ev.Msg(msg)
}

func Info(msg string, f Fields)  { logWith(zerolog.InfoLevel, msg, f) }
func Error(msg string, f Fields) { logWith(zerolog.ErrorLevel, msg, f) }
func Debug(msg string, f Fields) { logWith(zerolog.DebugLevel, msg, f) }
