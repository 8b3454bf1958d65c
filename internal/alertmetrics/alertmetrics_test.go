package alertmetrics

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"faultline/internal/alert"
	"faultline/internal/store"
)

// fakeCounter records every query and serves counts from a canned table.
type fakeCounter struct {
	calls  int
	counts map[span]int64
}

func (f *fakeCounter) CountOccurrences(_ context.Context, _ uuid.UUID, _, env string, from, to time.Time) (int64, error) {
	f.calls++
	return f.counts[span{env: env, from: from.UnixNano(), to: to.UnixNano()}], nil
}

var now = time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)

func TestThresholdMetrics(t *testing.T) {
	counter := &fakeCounter{counts: map[span]int64{
		{env: "", from: now.Add(-5 * time.Minute).UnixNano(), to: now.UnixNano()}: 7,
	}}
	s := NewSnapshot(counter, alert.Event{Fingerprint: "fp"}, now)

	rule := &store.AlertRule{
		Type:       store.RuleThreshold,
		Conditions: store.RuleConditions{Threshold: 3, WindowMinutes: 5},
	}
	m, err := s.For(context.Background(), rule)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if m.WindowCount != 7 || m.WindowMinutes != 5 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestSpikeBaselineExcludesWindow(t *testing.T) {
	windowStart := now.Add(-5 * time.Minute)
	counter := &fakeCounter{counts: map[span]int64{
		{env: "", from: windowStart.UnixNano(), to: now.UnixNano()}:                            20,
		{env: "", from: windowStart.Add(-30 * time.Minute).UnixNano(), to: windowStart.UnixNano()}: 6,
	}}
	s := NewSnapshot(counter, alert.Event{Fingerprint: "fp"}, now)

	rule := &store.AlertRule{
		Type:       store.RuleSpike,
		Conditions: store.RuleConditions{WindowMinutes: 5, BaselineMinutes: 30, IncreasePercent: 100},
	}
	m, err := s.For(context.Background(), rule)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if m.WindowCount != 20 || m.BaselineCount != 6 {
		t.Errorf("metrics = %+v", m)
	}
	if m.WindowMinutes != 5 || m.BaselineMinutes != 30 {
		t.Errorf("spans = %d/%d", m.WindowMinutes, m.BaselineMinutes)
	}
}

func TestMemoizationAcrossRules(t *testing.T) {
	counter := &fakeCounter{counts: map[span]int64{}}
	s := NewSnapshot(counter, alert.Event{Fingerprint: "fp"}, now)
	ctx := context.Background()

	// Three threshold rules sharing a 5-minute window: one query.
	for _, th := range []int{1, 5, 10} {
		rule := &store.AlertRule{
			Type:       store.RuleThreshold,
			Conditions: store.RuleConditions{Threshold: th, WindowMinutes: 5},
		}
		if _, err := s.For(ctx, rule); err != nil {
			t.Fatalf("For: %v", err)
		}
	}
	if counter.calls != 1 {
		t.Errorf("3 rules with one shared window made %d queries, want 1", counter.calls)
	}

	// A spike rule with the same window reuses it and adds the baseline.
	rule := &store.AlertRule{
		Type:       store.RuleSpike,
		Conditions: store.RuleConditions{WindowMinutes: 5, BaselineMinutes: 30},
	}
	if _, err := s.For(ctx, rule); err != nil {
		t.Fatalf("For: %v", err)
	}
	if counter.calls != 2 {
		t.Errorf("spike rule over a cached window made %d total queries, want 2", counter.calls)
	}
}

func TestNoQueriesForCountlessRules(t *testing.T) {
	counter := &fakeCounter{counts: map[span]int64{}}
	s := NewSnapshot(counter, alert.Event{Fingerprint: "fp"}, now)
	ctx := context.Background()

	for _, typ := range []store.RuleType{store.RuleNewError, store.RuleCritical} {
		m, err := s.For(ctx, &store.AlertRule{Type: typ})
		if err != nil {
			t.Fatalf("For(%s): %v", typ, err)
		}
		if m != (alert.Metrics{}) {
			t.Errorf("%s metrics = %+v, want zero", typ, m)
		}
	}
	if counter.calls != 0 {
		t.Errorf("countless rule types hit the store %d times", counter.calls)
	}
}

func TestDefaultsApplied(t *testing.T) {
	counter := &fakeCounter{counts: map[span]int64{}}
	s := NewSnapshot(counter, alert.Event{Fingerprint: "fp"}, now)

	rule := &store.AlertRule{Type: store.RuleSpike}
	m, err := s.For(context.Background(), rule)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if m.WindowMinutes != DefaultWindowMinutes {
		t.Errorf("default window = %d", m.WindowMinutes)
	}
	if m.BaselineMinutes != DefaultWindowMinutes*baselineFactor {
		t.Errorf("default baseline = %d", m.BaselineMinutes)
	}
}

func TestEnvScopeNarrowsCounting(t *testing.T) {
	counter := &fakeCounter{counts: map[span]int64{
		{env: "production", from: now.Add(-5 * time.Minute).UnixNano(), to: now.UnixNano()}: 4,
	}}
	ev := alert.Event{Fingerprint: "fp", Environment: "production"}
	s := NewSnapshot(counter, ev, now)

	rule := &store.AlertRule{
		Type: store.RuleThreshold,
		Conditions: store.RuleConditions{
			Threshold:     1,
			WindowMinutes: 5,
			Environments:  []string{"production"},
		},
	}
	m, err := s.For(context.Background(), rule)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if m.WindowCount != 4 {
		t.Errorf("scoped count = %d, want 4", m.WindowCount)
	}
}
