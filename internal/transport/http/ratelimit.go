package http

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// sendLimiter caps SEND frames per connection in fixed one-minute windows.
// A zero limit disables it.
type sendLimiter struct {
	mu          sync.Mutex
	limit       int
	windowStart time.Time
	used        int
	now         func() time.Time
}

func newSendLimiter(limit int) *sendLimiter {
	return &sendLimiter{limit: limit, now: time.Now}
}

// allow records one SEND and reports whether it fits the current window.
func (l *sendLimiter) allow() bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.windowStart) >= rateWindow {
		l.windowStart = now
		l.used = 0
	}
	if l.used >= l.limit {
		return false
	}
	l.used++
	return true
}
