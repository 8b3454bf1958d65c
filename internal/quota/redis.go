package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Limiter backed by shared fixed-window counters, for
// deployments where several server processes must agree on limits.
// Counters roll over at minute and hour boundaries.
type Redis struct {
	rdb    *redis.Client
	limits Limits

	// Clock for testing
	now func() time.Time
}

func NewRedis(rdb *redis.Client, limits Limits) *Redis {
	return &Redis{
		rdb:    rdb,
		limits: limits.withDefaults(),
		now:    time.Now,
	}
}

// Allow increments both window counters and checks them against the
// limits. Counter keys expire on their own, so an idle key costs
// nothing after two window lengths.
func (q *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := q.now()
	minuteKey := fmt.Sprintf("quota:m:%s:%d", key, now.Unix()/60)
	hourKey := fmt.Sprintf("quota:h:%s:%d", key, now.Unix()/3600)

	pipe := q.rdb.TxPipeline()
	minuteCount := pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, 2*time.Minute)
	hourCount := pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("quota incr %q: %w", key, err)
	}

	if minuteCount.Val() > int64(q.limits.PerMinute) {
		return Decision{RetryAfter: untilNextWindow(now, time.Minute)}, nil
	}
	if hourCount.Val() > int64(q.limits.PerHour) {
		return Decision{RetryAfter: untilNextWindow(now, time.Hour)}, nil
	}
	return Decision{OK: true}, nil
}

func untilNextWindow(now time.Time, window time.Duration) time.Duration {
	secs := int64(window.Seconds())
	left := secs - now.Unix()%secs
	return time.Duration(left) * time.Second
}
