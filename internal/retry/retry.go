// Package retry runs an operation a bounded number of times with jittered
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"strings"
	"time"
)

// Policy bounds a retry loop. A zero Base retries immediately.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// Retryable decides whether a failed attempt should be repeated.
type Retryable func(error) bool

// Default is used by the agent for transient transport failures.
var Default = Policy{Attempts: 3, Base: 500 * time.Millisecond, Max: 5 * time.Second}

// Do calls fn until it succeeds, the policy is exhausted, retryable rejects
// the error, or ctx ends. The last error is returned.
func Do(ctx context.Context, p Policy, retryable Retryable, fn func() error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if retryable == nil {
		retryable = Transient
	}

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt == p.Attempts || !retryable(err) {
			return err
		}
		if !wait(ctx, p.delay(attempt)) {
			return err
		}
	}
	return err
}

// Transient reports network timeouts and SQLite lock contention.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	d := p.Base << (attempt - 1)
	if d <= 0 || (p.Max > 0 && d > p.Max) {
		d = p.Max
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
