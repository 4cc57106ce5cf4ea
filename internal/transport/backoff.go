package transport

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMaxRetries bounds publish and HTTP retry attempts. The
	// resubscribe loop does not stop after it; there it only caps the
	// backoff growth between reconnect attempts.
	DefaultMaxRetries = 4

	backoffBase   = 250 * time.Millisecond
	jitterWindow  = 100 * time.Millisecond
	maxBackoffExp = 6
)

// BackoffDuration computes the wait before the given retry attempt (1-based):
// exponential from 250 ms, doubling per attempt, plus uniform [0, 100 ms)
// jitter.
func BackoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffExp {
		attempt = maxBackoffExp
	}
	d := time.Duration(1<<uint(attempt-1)) * backoffBase
	return d + time.Duration(rand.Int63n(int64(jitterWindow)))
}

// RetryAfter parses a Retry-After header value as delta-seconds or HTTP-date.
// A server-advertised hint overrides the computed backoff.
func RetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// SleepWithContext waits d or returns early with the context's error.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
