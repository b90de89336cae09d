package edge

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns the process logger writing JSON to w, or human-readable
// lines when console is set.
func NewLogger(w io.Writer, level zerolog.Level, console bool) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("svc", "scarletedge").Logger()
}

// rateLimitedLogger emits at most one warning per interval and drops the rest.
type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
	log      zerolog.Logger
}

func newRateLimitedLogger(log zerolog.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval, log: log}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	ev := l.log.Warn()
	if l.dropped > 0 {
		ev = ev.Int("suppressed", l.dropped)
		l.dropped = 0
	}
	ev.Msgf(format, args...)
}
