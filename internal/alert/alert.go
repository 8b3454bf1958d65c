// Package alert evaluates alert rules against ingested events.
//
// Evaluate is a pure function over a rule and a metrics snapshot; it owns
// no state and performs no I/O. The pipeline invokes it once per event for
// every enabled rule of the project and hands triggered results to the
// dispatcher.
package alert

import (
	"math"
	"time"

	"github.com/google/uuid"

	"faultline/internal/store"
)

// Event is the evaluation subject: one ingested occurrence together with
// the group state observed by the completing upsert.
type Event struct {
	ProjectID    uuid.UUID
	GroupID      uuid.UUID
	OccurrenceID uuid.UUID
	Fingerprint  string
	Message      string
	Severity     string
	Environment  string
	UserSegment  string
	Files        []string
	Timestamp    time.Time

	// Group snapshot as of the upsert that admitted this event.
	IsNew     bool
	Count     int64
	FirstSeen time.Time
	LastSeen  time.Time
}

// Metrics is the snapshot a rule evaluation consumes. Only the fields the
// rule type needs are meaningful; the builder fills the rest with zeros.
type Metrics struct {
	WindowCount     int64
	WindowMinutes   int
	BaselineCount   int64
	BaselineMinutes int
}

// Evaluation is the outcome of evaluating one rule against one event.
type Evaluation struct {
	Triggered       bool           `json:"triggered"`
	Reason          string         `json:"reason,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	CooldownMinutes int            `json:"cooldownMinutes"`
}

var notTriggered = Evaluation{}

// Evaluate classifies whether rule triggers for ev given m. Disabled rules
// and scope mismatches short-circuit to not-triggered regardless of counts.
func Evaluate(rule *store.AlertRule, ev Event, m Metrics) Evaluation {
	if !rule.Enabled {
		return notTriggered
	}
	if !MatchScope(rule, ev) {
		return notTriggered
	}

	switch rule.Type {
	case store.RuleThreshold:
		return evalThreshold(rule, m)
	case store.RuleSpike:
		return evalSpike(rule, m)
	case store.RuleNewError:
		return evalNewError(rule, ev)
	case store.RuleCritical:
		return evalCritical(rule, ev)
	default:
		return notTriggered
	}
}

// evalThreshold triggers when the window count reaches the threshold.
// Equality counts: threshold=3 fires on the third occurrence.
func evalThreshold(rule *store.AlertRule, m Metrics) Evaluation {
	c := rule.Conditions
	if c.Threshold <= 0 || m.WindowCount < int64(c.Threshold) {
		return notTriggered
	}
	return Evaluation{
		Triggered:       true,
		Reason:          store.ReasonThresholdExceeded,
		CooldownMinutes: rule.CooldownMinutes,
		Context: map[string]any{
			"windowCount":   m.WindowCount,
			"windowMinutes": c.WindowMinutes,
			"threshold":     c.Threshold,
		},
	}
}

// evalSpike compares the window rate against the baseline rate. A zero
// baseline never triggers: the rate increase is undefined, and cold starts
// are the threshold rule's job.
func evalSpike(rule *store.AlertRule, m Metrics) Evaluation {
	c := rule.Conditions
	if m.WindowMinutes <= 0 || m.BaselineMinutes <= 0 {
		return notTriggered
	}
	baselineRate := float64(m.BaselineCount) / float64(m.BaselineMinutes)
	if baselineRate <= 0 {
		return notTriggered
	}
	windowRate := float64(m.WindowCount) / float64(m.WindowMinutes)
	increase := (windowRate/baselineRate - 1) * 100
	if increase < c.IncreasePercent {
		return notTriggered
	}
	return Evaluation{
		Triggered:       true,
		Reason:          store.ReasonSpikeDetected,
		CooldownMinutes: rule.CooldownMinutes,
		Context: map[string]any{
			"windowCount":     m.WindowCount,
			"windowMinutes":   m.WindowMinutes,
			"baselineCount":   m.BaselineCount,
			"baselineMinutes": m.BaselineMinutes,
			// Rounded for display; the trigger compared full precision.
			"increasePercent": math.Round(increase*10) / 10,
		},
	}
}

func evalNewError(rule *store.AlertRule, ev Event) Evaluation {
	if !ev.IsNew {
		return notTriggered
	}
	return Evaluation{
		Triggered:       true,
		Reason:          store.ReasonNewError,
		CooldownMinutes: rule.CooldownMinutes,
		Context: map[string]any{
			"fingerprint": ev.Fingerprint,
			"firstSeen":   ev.FirstSeen,
		},
	}
}

// evalCritical matches the event severity (default critical), or the
// fingerprint against the rule's pattern when one is configured.
func evalCritical(rule *store.AlertRule, ev Event) Evaluation {
	c := rule.Conditions
	if c.Fingerprint != "" && matchPattern(c.Fingerprint, ev.Fingerprint) {
		return Evaluation{
			Triggered:       true,
			Reason:          store.ReasonCriticalFingerprint,
			CooldownMinutes: rule.CooldownMinutes,
			Context: map[string]any{
				"fingerprint": ev.Fingerprint,
				"pattern":     c.Fingerprint,
			},
		}
	}
	want := c.Severity
	if want == "" {
		want = store.SeverityCritical
	}
	if ev.Severity != want {
		return notTriggered
	}
	return Evaluation{
		Triggered:       true,
		Reason:          store.ReasonCriticalSeverity,
		CooldownMinutes: rule.CooldownMinutes,
		Context: map[string]any{
			"severity": ev.Severity,
		},
	}
}
