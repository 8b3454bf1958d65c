package alert

import (
	"testing"

	"faultline/internal/store"
)

func prodEvent() Event {
	return Event{
		Fingerprint: "9f86d081884c7d659a2feaa0c55ad015",
		Message:     "TypeError: x of undefined",
		Severity:    store.SeverityError,
		Environment: "production",
		UserSegment: "enterprise",
		Files:       []string{"src/api/users.js", "src/db/pool.js"},
	}
}

func TestDisabledRuleNeverTriggers(t *testing.T) {
	rule := &store.AlertRule{
		Type:       store.RuleThreshold,
		Enabled:    false,
		Conditions: store.RuleConditions{Threshold: 1, WindowMinutes: 5},
	}
	res := Evaluate(rule, prodEvent(), Metrics{WindowCount: 100, WindowMinutes: 5})
	if res.Triggered {
		t.Fatal("disabled rule triggered")
	}
}

func TestThreshold(t *testing.T) {
	rule := &store.AlertRule{
		Type:            store.RuleThreshold,
		Enabled:         true,
		CooldownMinutes: 30,
		Conditions:      store.RuleConditions{Threshold: 3, WindowMinutes: 5},
	}

	if res := Evaluate(rule, prodEvent(), Metrics{WindowCount: 2, WindowMinutes: 5}); res.Triggered {
		t.Error("below threshold triggered")
	}

	// Equality triggers.
	res := Evaluate(rule, prodEvent(), Metrics{WindowCount: 3, WindowMinutes: 5})
	if !res.Triggered {
		t.Fatal("windowCount == threshold should trigger")
	}
	if res.Reason != store.ReasonThresholdExceeded {
		t.Errorf("reason = %q", res.Reason)
	}
	if res.CooldownMinutes != 30 {
		t.Errorf("cooldown = %d, want 30", res.CooldownMinutes)
	}
	if res.Context["windowCount"].(int64) != 3 {
		t.Errorf("context windowCount = %v", res.Context["windowCount"])
	}
}

func TestSpikeZeroBaselineNeverTriggers(t *testing.T) {
	rule := &store.AlertRule{
		Type:       store.RuleSpike,
		Enabled:    true,
		Conditions: store.RuleConditions{WindowMinutes: 5, BaselineMinutes: 30, IncreasePercent: 200},
	}
	m := Metrics{WindowCount: 20, WindowMinutes: 5, BaselineCount: 0, BaselineMinutes: 25}
	if res := Evaluate(rule, prodEvent(), m); res.Triggered {
		t.Fatal("zero baseline should never trigger a spike rule")
	}
}

func TestSpike(t *testing.T) {
	rule := &store.AlertRule{
		Type:            store.RuleSpike,
		Enabled:         true,
		CooldownMinutes: 15,
		Conditions:      store.RuleConditions{WindowMinutes: 5, BaselineMinutes: 30, IncreasePercent: 200},
	}

	// Baseline 30/30min = 1/min; window 15/5min = 3/min: +200% exactly.
	res := Evaluate(rule, prodEvent(), Metrics{WindowCount: 15, WindowMinutes: 5, BaselineCount: 30, BaselineMinutes: 30})
	if !res.Triggered {
		t.Fatal("200% increase with increasePercent=200 should trigger")
	}
	if res.Reason != store.ReasonSpikeDetected {
		t.Errorf("reason = %q", res.Reason)
	}
	if pct := res.Context["increasePercent"].(float64); pct != 200 {
		t.Errorf("increasePercent = %v", pct)
	}

	// Just below the bar.
	res = Evaluate(rule, prodEvent(), Metrics{WindowCount: 14, WindowMinutes: 5, BaselineCount: 30, BaselineMinutes: 30})
	if res.Triggered {
		t.Error("+180% should not trigger at increasePercent=200")
	}
}

func TestSpikeContextRounding(t *testing.T) {
	rule := &store.AlertRule{
		Type:       store.RuleSpike,
		Enabled:    true,
		Conditions: store.RuleConditions{WindowMinutes: 3, BaselineMinutes: 18, IncreasePercent: 10},
	}
	// window 7/3, baseline 12/18 → increase ≈ 250.0%
	res := Evaluate(rule, prodEvent(), Metrics{WindowCount: 7, WindowMinutes: 3, BaselineCount: 12, BaselineMinutes: 18})
	if !res.Triggered {
		t.Fatal("should trigger")
	}
	pct := res.Context["increasePercent"].(float64)
	if pct != 250.0 {
		t.Errorf("rounded percent = %v, want 250.0", pct)
	}
}

func TestNewError(t *testing.T) {
	rule := &store.AlertRule{Type: store.RuleNewError, Enabled: true, CooldownMinutes: 5}

	ev := prodEvent()
	if res := Evaluate(rule, ev, Metrics{}); res.Triggered {
		t.Error("existing fingerprint should not trigger new_error")
	}

	ev.IsNew = true
	res := Evaluate(rule, ev, Metrics{})
	if !res.Triggered || res.Reason != store.ReasonNewError {
		t.Errorf("triggered=%v reason=%q", res.Triggered, res.Reason)
	}
}

func TestCriticalSeverity(t *testing.T) {
	rule := &store.AlertRule{Type: store.RuleCritical, Enabled: true}

	ev := prodEvent()
	if res := Evaluate(rule, ev, Metrics{}); res.Triggered {
		t.Error("error severity should not match default critical")
	}

	ev.Severity = store.SeverityCritical
	res := Evaluate(rule, ev, Metrics{})
	if !res.Triggered || res.Reason != store.ReasonCriticalSeverity {
		t.Errorf("triggered=%v reason=%q", res.Triggered, res.Reason)
	}

	// Explicit severity condition.
	rule.Conditions.Severity = store.SeverityWarning
	ev.Severity = store.SeverityWarning
	res = Evaluate(rule, ev, Metrics{})
	if !res.Triggered {
		t.Error("configured severity should match")
	}
}

func TestCriticalFingerprint(t *testing.T) {
	ev := prodEvent()

	rule := &store.AlertRule{
		Type:       store.RuleCritical,
		Enabled:    true,
		Conditions: store.RuleConditions{Fingerprint: ev.Fingerprint},
	}
	res := Evaluate(rule, ev, Metrics{})
	if !res.Triggered || res.Reason != store.ReasonCriticalFingerprint {
		t.Errorf("exact fingerprint: triggered=%v reason=%q", res.Triggered, res.Reason)
	}

	rule.Conditions.Fingerprint = "9f86d081*"
	if res := Evaluate(rule, ev, Metrics{}); !res.Triggered {
		t.Error("glob pattern should match the fingerprint prefix")
	}

	rule.Conditions.Fingerprint = "deadbeef*"
	if res := Evaluate(rule, ev, Metrics{}); res.Triggered {
		t.Error("non-matching pattern triggered")
	}
}

func TestEnvironmentScope(t *testing.T) {
	rule := &store.AlertRule{
		Type:    store.RuleThreshold,
		Enabled: true,
		Conditions: store.RuleConditions{
			Threshold:     1,
			WindowMinutes: 5,
			Environments:  []string{"production"},
		},
	}

	if res := Evaluate(rule, prodEvent(), Metrics{WindowCount: 5}); !res.Triggered {
		t.Error("production event should pass the environment scope")
	}

	ev := prodEvent()
	ev.Environment = "staging"
	if res := Evaluate(rule, ev, Metrics{WindowCount: 5}); res.Triggered {
		t.Error("staging event passed a production-only scope")
	}
}

func TestFilterTree(t *testing.T) {
	// (severity == error AND (file startsWith src/api OR userSegment in [enterprise, pro]))
	filter := &store.FilterNode{
		Op: "and",
		Conditions: []store.FilterNode{
			{Field: "severity", Operator: "equals", Value: "error"},
			{
				Op: "or",
				Conditions: []store.FilterNode{
					{Field: "file", Operator: "startsWith", Value: "src/api"},
					{Field: "userSegment", Operator: "in", Value: []any{"enterprise", "pro"}},
				},
			},
		},
	}
	rule := &store.AlertRule{
		Type:       store.RuleThreshold,
		Enabled:    true,
		Conditions: store.RuleConditions{Threshold: 1, WindowMinutes: 5, Filter: filter},
	}

	if res := Evaluate(rule, prodEvent(), Metrics{WindowCount: 1}); !res.Triggered {
		t.Error("event satisfying both branches should pass")
	}

	ev := prodEvent()
	ev.Severity = store.SeverityWarning
	if res := Evaluate(rule, ev, Metrics{WindowCount: 1}); res.Triggered {
		t.Error("and-branch violated, rule still triggered")
	}

	ev = prodEvent()
	ev.Files = []string{"lib/vendor.js"}
	ev.UserSegment = "free"
	if res := Evaluate(rule, ev, Metrics{WindowCount: 1}); res.Triggered {
		t.Error("neither or-branch matched, rule still triggered")
	}
}

func TestFilterNot(t *testing.T) {
	rule := &store.AlertRule{
		Type:    store.RuleThreshold,
		Enabled: true,
		Conditions: store.RuleConditions{
			Threshold:     1,
			WindowMinutes: 5,
			Filter:        &store.FilterNode{Field: "environment", Operator: "not", Value: "development"},
		},
	}

	if res := Evaluate(rule, prodEvent(), Metrics{WindowCount: 1}); !res.Triggered {
		t.Error("production is not development, should pass")
	}

	ev := prodEvent()
	ev.Environment = "development"
	if res := Evaluate(rule, ev, Metrics{WindowCount: 1}); res.Triggered {
		t.Error("not-filter matched its excluded value")
	}
}

func TestFilterContains(t *testing.T) {
	ev := prodEvent()
	n := &store.FilterNode{Field: "message", Operator: "contains", Value: "undefined"}
	// Unknown field fails closed.
	if matchNode(n, ev) {
		t.Error("unknown filter field should fail closed")
	}

	n = &store.FilterNode{Field: "file", Operator: "contains", Value: "db/pool"}
	if !matchNode(n, ev) {
		t.Error("file contains should match any frame file")
	}
}

func TestFilterMalformedFailsClosed(t *testing.T) {
	ev := prodEvent()
	if matchNode(&store.FilterNode{Op: "xor", Conditions: []store.FilterNode{}}, ev) {
		t.Error("unknown op should fail closed")
	}
	if matchNode(&store.FilterNode{Field: "severity", Operator: "matches", Value: "x"}, ev) {
		t.Error("unknown operator should fail closed")
	}
}
