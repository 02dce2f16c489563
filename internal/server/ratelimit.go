package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// windowLimiter counts requests per key in fixed windows.
type windowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	sweep   time.Time
}

type window struct {
	start time.Time
	count int
}

func newWindowLimiter(limit int, span time.Duration) *windowLimiter {
	return &windowLimiter{
		limit:   limit,
		window:  span,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// allow records a hit for key. When the limit is exhausted it returns false
// and the time left until the window resets.
func (l *windowLimiter) allow(key string) (bool, time.Duration) {
	if l.limit <= 0 || l.window <= 0 {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.sweep) > l.window {
		for k, w := range l.windows {
			if now.Sub(w.start) >= l.window {
				delete(l.windows, k)
			}
		}
		l.sweep = now
	}

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &window{start: now}
		l.windows[key] = w
	}
	if w.count >= l.limit {
		return false, w.start.Add(l.window).Sub(now)
	}
	w.count++
	return true, 0
}

// RateLimit rejects a client address with 429 once it exceeds limit
// requests per window on this route.
func RateLimit(name string, limit int, span time.Duration, trustProxy bool) gin.HandlerFunc {
	l := newWindowLimiter(limit, span)
	return func(c *gin.Context) {
		ip := sourceIP(c.Request, trustProxy)
		ok, wait := l.allow(ip)
		if !ok {
			secs := int(wait.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			logFrom(c).Warn("rate limit hit", "route", name, "ip", ip)
			abort(c, http.StatusTooManyRequests, "Too many requests. Please try again later.")
			return
		}
		c.Next()
	}
}
