package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiter(t *testing.T, limits Limits) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedis(rdb, limits), mr
}

func TestRedisMinuteLimit(t *testing.T) {
	q, _ := newRedisLimiter(t, Limits{PerMinute: 2, PerHour: 100})
	now := testStart
	q.now = fixedClock(&now)
	ctx := context.Background()

	for i := range 2 {
		d, err := q.Allow(ctx, "key-a")
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !d.OK {
			t.Fatalf("request %d should be admitted", i)
		}
	}

	d, err := q.Allow(ctx, "key-a")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if d.OK {
		t.Fatal("3rd request in the window should be denied")
	}
	if d.RetryAfter != time.Minute {
		t.Errorf("retry hint should reach the next window, got %v", d.RetryAfter)
	}

	// A new minute window opens a fresh counter.
	now = now.Add(time.Minute)
	if d, _ := q.Allow(ctx, "key-a"); !d.OK {
		t.Error("new window should admit again")
	}
}

func TestRedisHourLimit(t *testing.T) {
	q, _ := newRedisLimiter(t, Limits{PerMinute: 100, PerHour: 2})
	now := testStart
	q.now = fixedClock(&now)
	ctx := context.Background()

	for range 2 {
		if d, _ := q.Allow(ctx, "key-a"); !d.OK {
			t.Fatal("within hour budget, should be admitted")
		}
	}

	// Even in a fresh minute window the hour counter still binds.
	now = now.Add(time.Minute)
	d, _ := q.Allow(ctx, "key-a")
	if d.OK {
		t.Fatal("hour budget exhausted, should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Hour {
		t.Errorf("retry hint should reach the next hour window, got %v", d.RetryAfter)
	}
}

func TestRedisKeysIndependent(t *testing.T) {
	q, _ := newRedisLimiter(t, Limits{PerMinute: 1, PerHour: 10})
	now := testStart
	q.now = fixedClock(&now)
	ctx := context.Background()

	if d, _ := q.Allow(ctx, "key-a"); !d.OK {
		t.Fatal("first key-a request should pass")
	}
	if d, _ := q.Allow(ctx, "key-a"); d.OK {
		t.Fatal("second key-a request should be denied")
	}
	if d, _ := q.Allow(ctx, "key-b"); !d.OK {
		t.Error("key-b has its own budget")
	}
}

func TestRedisUnavailable(t *testing.T) {
	q, mr := newRedisLimiter(t, Limits{})
	mr.Close()

	if _, err := q.Allow(context.Background(), "key-a"); err == nil {
		t.Error("expected an error when the backend is down")
	}
}
