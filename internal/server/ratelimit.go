package server

import (
	"fmt"
	"sync"
	"time"
)

// UploadLimiter caps uploads per client: a count per minute, a count per
// day and the number of bytes per day. A zero limit is not enforced.
type UploadLimiter struct {
	mu sync.Mutex

	perMinute   int
	perDay      int
	bytesPerDay int64

	now     func() time.Time
	clients map[string]*clientUsage
}

type clientUsage struct {
	minuteStart time.Time
	minuteCount int
	day         time.Time // midnight of the counted day
	dayCount    int
	dayBytes    int64
}

// NewUploadLimiter creates a limiter with the given limits.
func NewUploadLimiter(perMinute, perDay int, bytesPerDay int64) *UploadLimiter {
	return &UploadLimiter{
		perMinute:   perMinute,
		perDay:      perDay,
		bytesPerDay: bytesPerDay,
		now:         time.Now,
		clients:     make(map[string]*clientUsage),
	}
}

// Allow records an upload of size bytes by client, or returns a
// *RateLimitError without recording it.
func (l *UploadLimiter) Allow(client string, size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	u, ok := l.clients[client]
	if !ok {
		u = &clientUsage{}
		l.clients[client] = u
	}
	if now.Sub(u.minuteStart) >= time.Minute {
		u.minuteStart, u.minuteCount = now, 0
	}
	if day := midnight(now); !day.Equal(u.day) {
		u.day, u.dayCount, u.dayBytes = day, 0, 0
	}
	tomorrow := u.day.AddDate(0, 0, 1)

	switch {
	case l.perMinute > 0 && u.minuteCount >= l.perMinute:
		return &RateLimitError{Type: "minute", Limit: int64(l.perMinute), RetryAfter: u.minuteStart.Add(time.Minute).Sub(now)}
	case l.perDay > 0 && u.dayCount >= l.perDay:
		return &RateLimitError{Type: "day", Limit: int64(l.perDay), RetryAfter: tomorrow.Sub(now)}
	case l.bytesPerDay > 0 && u.dayBytes+size > l.bytesPerDay:
		return &RateLimitError{Type: "data", Limit: l.bytesPerDay, RetryAfter: tomorrow.Sub(now)}
	}

	u.minuteCount++
	u.dayCount++
	u.dayBytes += size
	return nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// RateLimitError represents a rate limit or quota violation.
type RateLimitError struct {
	Type       string        // "minute", "day" or "data"
	Limit      int64         // the limit that was exceeded
	RetryAfter time.Duration // how long to wait before retrying
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upload limit exceeded for %s (limit: %d, retry after: %v)", e.Type, e.Limit, e.RetryAfter.Round(time.Second))
}
