package admission

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether one more message for key fits in the current
// window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// WindowLimiter is an in-process fixed one-second window counter. Each key
// gets at most limit admissions per wall-clock second. A limit of zero
// disables the limiter.
type WindowLimiter struct {
	limit int
	now   func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	lastSweep int64
}

type window struct {
	second int64
	count  int
}

const sweepEverySeconds = 10

// NewWindowLimiter creates a limiter admitting limit messages per key per second.
func NewWindowLimiter(limit int) *WindowLimiter {
	return &WindowLimiter{
		limit:   limit,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow never returns an error; the signature matches Limiter.
func (l *WindowLimiter) Allow(_ context.Context, key string) (bool, error) {
	return l.allow(key), nil
}

func (l *WindowLimiter) allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	sec := l.now().Unix()

	l.mu.Lock()
	defer l.mu.Unlock()

	if sec-l.lastSweep >= sweepEverySeconds {
		for k, w := range l.windows {
			if w.second < sec {
				delete(l.windows, k)
			}
		}
		l.lastSweep = sec
	}

	w, ok := l.windows[key]
	if !ok {
		w = &window{second: sec}
		l.windows[key] = w
	} else if w.second != sec {
		w.second = sec
		w.count = 0
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Keys returns the number of tracked keys.
func (l *WindowLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *WindowLimiter) Close() error { return nil }

// NoOpLimiter always allows.
type NoOpLimiter struct{}

func (NoOpLimiter) Allow(context.Context, string) (bool, error) { return true, nil }
func (NoOpLimiter) Close() error                                { return nil }
