// Package quota enforces per-key ingest limits at two scales. Keys are
// opaque to the limiter; callers pass an API-key hash, or a client IP
// for unauthenticated traffic.
package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults applied when a limit is zero.
const (
	DefaultPerMinute = 100
	DefaultPerHour   = 1000
)

// Limits configure both scales. Zero values fall back to the defaults.
type Limits struct {
	PerMinute int
	PerHour   int
}

func (l Limits) withDefaults() Limits {
	if l.PerMinute <= 0 {
		l.PerMinute = DefaultPerMinute
	}
	if l.PerHour <= 0 {
		l.PerHour = DefaultPerHour
	}
	return l
}

// Decision is the outcome of an Allow call. RetryAfter is set only on
// denial and hints when the next request could succeed.
type Decision struct {
	OK         bool
	RetryAfter time.Duration
}

// Limiter admits or rejects a request for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// keyLimiter tracks both buckets and the last-seen time for one key.
type keyLimiter struct {
	minute   *rate.Limiter
	hour     *rate.Limiter
	lastSeen time.Time
}

// Inline is a process-local Limiter: token buckets per key at minute
// and hour scale. With multiple server processes the buckets are
// per-process; use the Redis limiter to keep limits global.
type Inline struct {
	mu      sync.Mutex
	entries map[string]*keyLimiter
	limits  Limits

	// Clock for testing
	now func() time.Time
}

func NewInline(limits Limits) *Inline {
	return &Inline{
		entries: make(map[string]*keyLimiter),
		limits:  limits.withDefaults(),
		now:     time.Now,
	}
}

// Allow consumes one request from both buckets for key. The minute
// bucket is consulted first; a request denied by the hour bucket still
// cost a minute token, which only matters when both are near empty.
func (q *Inline) Allow(_ context.Context, key string) (Decision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	e, ok := q.entries[key]
	if !ok {
		e = &keyLimiter{
			minute: rate.NewLimiter(perSecond(q.limits.PerMinute, time.Minute), q.limits.PerMinute),
			hour:   rate.NewLimiter(perSecond(q.limits.PerHour, time.Hour), q.limits.PerHour),
		}
		q.entries[key] = e
	}
	e.lastSeen = now

	if !e.minute.AllowN(now, 1) {
		return Decision{RetryAfter: retryAfter(e.minute, now)}, nil
	}
	if !e.hour.AllowN(now, 1) {
		return Decision{RetryAfter: retryAfter(e.hour, now)}, nil
	}
	return Decision{OK: true}, nil
}

// Cleanup removes keys that have not been seen for staleAfter. Run it
// periodically; every live key costs two buckets of memory.
func (q *Inline) Cleanup(staleAfter time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-staleAfter)
	for key, e := range q.entries {
		if e.lastSeen.Before(cutoff) {
			delete(q.entries, key)
		}
	}
}

func perSecond(n int, per time.Duration) rate.Limit {
	return rate.Limit(float64(n) / per.Seconds())
}

// retryAfter asks the bucket when the next token lands. The probe
// reservation is cancelled so it costs nothing.
func retryAfter(l *rate.Limiter, now time.Time) time.Duration {
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}
