// Package alertmetrics builds the metric snapshots rule evaluation
// consumes. One Snapshot is created per ingested event; its results are
// memoized so that several rules sharing a window size cost one store
// query, not one per rule.
package alertmetrics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"faultline/internal/alert"
	"faultline/internal/store"
)

// Defaults applied when a rule omits its window sizes. Rule validation
// requires them for threshold and spike rules; these cover hand-built
// rules on the test endpoint.
const (
	DefaultWindowMinutes = 5
	baselineFactor       = 6
)

// Counter is the single store query the builder needs.
type Counter interface {
	CountOccurrences(ctx context.Context, projectID uuid.UUID, fingerprint, environment string, from, to time.Time) (int64, error)
}

type span struct {
	env  string
	from int64
	to   int64
}

// Snapshot memoizes occurrence counts for one event evaluation cycle.
// Not safe for concurrent use; each pipeline worker builds its own.
type Snapshot struct {
	counter Counter
	ev      alert.Event
	now     time.Time
	cache   map[span]int64
}

// NewSnapshot creates a snapshot for ev as of now.
func NewSnapshot(counter Counter, ev alert.Event, now time.Time) *Snapshot {
	return &Snapshot{
		counter: counter,
		ev:      ev,
		now:     now,
		cache:   make(map[span]int64, 4),
	}
}

// For produces the metrics rule needs. Rule types without count inputs
// (new_error, critical) return zero metrics without touching the store.
func (s *Snapshot) For(ctx context.Context, rule *store.AlertRule) (alert.Metrics, error) {
	switch rule.Type {
	case store.RuleThreshold:
		window := minutesOr(rule.Conditions.WindowMinutes, DefaultWindowMinutes)
		count, err := s.count(ctx, scopeEnv(rule, s.ev), s.now.Add(-window), s.now)
		if err != nil {
			return alert.Metrics{}, err
		}
		return alert.Metrics{
			WindowCount:   count,
			WindowMinutes: int(window / time.Minute),
		}, nil

	case store.RuleSpike:
		window := minutesOr(rule.Conditions.WindowMinutes, DefaultWindowMinutes)
		baseline := minutesOr(rule.Conditions.BaselineMinutes, baselineFactor*int(window/time.Minute))
		env := scopeEnv(rule, s.ev)

		windowCount, err := s.count(ctx, env, s.now.Add(-window), s.now)
		if err != nil {
			return alert.Metrics{}, err
		}
		// The baseline span ends where the window begins, so the current
		// burst never inflates its own baseline.
		windowStart := s.now.Add(-window)
		baselineCount, err := s.count(ctx, env, windowStart.Add(-baseline), windowStart)
		if err != nil {
			return alert.Metrics{}, err
		}
		return alert.Metrics{
			WindowCount:     windowCount,
			WindowMinutes:   int(window / time.Minute),
			BaselineCount:   baselineCount,
			BaselineMinutes: int(baseline / time.Minute),
		}, nil

	default:
		return alert.Metrics{}, nil
	}
}

func (s *Snapshot) count(ctx context.Context, env string, from, to time.Time) (int64, error) {
	key := span{env: env, from: from.UnixNano(), to: to.UnixNano()}
	if c, ok := s.cache[key]; ok {
		return c, nil
	}
	c, err := s.counter.CountOccurrences(ctx, s.ev.ProjectID, s.ev.Fingerprint, env, from, to)
	if err != nil {
		return 0, err
	}
	s.cache[key] = c
	return c, nil
}

// scopeEnv narrows counting to the event's environment when the rule
// carries an environment scope. The environment also feeds the
// fingerprint, so this only matters for rules matching fingerprint
// patterns across environments.
func scopeEnv(rule *store.AlertRule, ev alert.Event) string {
	if len(rule.Conditions.Environments) > 0 {
		return ev.Environment
	}
	return ""
}

func minutesOr(m, fallback int) time.Duration {
	if m <= 0 {
		m = fallback
	}
	return time.Duration(m) * time.Minute
}
