package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"faultline/internal/alert"
	"faultline/internal/store"
)

// BuildAlert assembles the dispatch-time snapshot: the triggering event
// and evaluation context plus deployment markers near the last detection,
// recent occurrences of the same group, and derived guidance text.
// Enrichment lookups are best-effort; a failed lookup logs and leaves the
// field empty rather than blocking delivery.
func (d *Dispatcher) BuildAlert(ctx context.Context, rule *store.AlertRule, ev alert.Event, eval alert.Evaluation) store.Alert {
	a := store.Alert{
		ID:              uuid.Must(uuid.NewV7()),
		ProjectID:       ev.ProjectID,
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		RuleType:        rule.Type,
		Reason:          eval.Reason,
		GroupID:         ev.GroupID,
		Fingerprint:     ev.Fingerprint,
		Message:         ev.Message,
		Severity:        ev.Severity,
		Environment:     ev.Environment,
		Count:           ev.Count,
		FirstSeen:       ev.FirstSeen,
		LastSeen:        ev.LastSeen,
		TriggeredAt:     d.now(),
		CooldownMinutes: eval.CooldownMinutes,
		Context:         eval.Context,
	}

	deps, err := d.store.ListDeployments(ctx, ev.ProjectID,
		ev.LastSeen.Add(-deploymentWindow), ev.LastSeen.Add(deploymentWindow), maxDeployments)
	if err != nil {
		d.logger.Warn("deployment enrichment failed", "group", ev.GroupID, "error", err)
	} else {
		a.Deployments = deps
	}

	// One extra row requested so the triggering occurrence can be dropped.
	occs, _, err := d.store.ListOccurrences(ctx, ev.ProjectID, ev.GroupID, maxSimilar+1)
	if err != nil {
		d.logger.Warn("similar-incident enrichment failed", "group", ev.GroupID, "error", err)
	} else {
		similar := make([]store.Occurrence, 0, maxSimilar)
		for _, occ := range occs {
			if occ.ID == ev.OccurrenceID {
				continue
			}
			similar = append(similar, occ)
			if len(similar) == maxSimilar {
				break
			}
		}
		a.Similar = similar
	}

	a.WhyItMatters = whyItMatters(a, ev.UserSegment)
	a.NextSteps = nextSteps(a, ev.Files)
	return a
}

func whyItMatters(a store.Alert, segment string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d occurrence(s) of a %s-severity error", a.Count, a.Severity)
	if a.Environment != "" {
		fmt.Fprintf(&sb, " in %s", a.Environment)
	}
	if segment != "" {
		fmt.Fprintf(&sb, ", affecting the %q user segment", segment)
	}
	sb.WriteString(".")

	switch a.Reason {
	case store.ReasonSpikeDetected:
		sb.WriteString(" The current rate is well above the trailing baseline.")
	case store.ReasonNewError:
		sb.WriteString(" This fingerprint has not been seen before.")
	case store.ReasonCriticalSeverity, store.ReasonCriticalFingerprint:
		sb.WriteString(" Critical failures alert regardless of volume.")
	}
	return sb.String()
}

func nextSteps(a store.Alert, files []string) []string {
	var steps []string
	if len(a.Deployments) > 0 {
		latest := a.Deployments[0]
		steps = append(steps, fmt.Sprintf("Correlate with deployment %q at %s",
			latest.Label, latest.Timestamp.UTC().Format(time.RFC3339)))
	} else {
		steps = append(steps, "Check recent deployments for a correlated release")
	}
	if len(files) > 0 {
		steps = append(steps, "Inspect "+files[0])
	}
	switch a.RuleType {
	case store.RuleSpike:
		steps = append(steps, "Compare the current window against the baseline for load changes")
	case store.RuleNewError:
		steps = append(steps, "Triage and assign the new error group")
	case store.RuleCritical:
		steps = append(steps, "Notify the on-call owner for this area")
	default:
		steps = append(steps, "Review the most recent occurrences for a common trigger")
	}
	if a.Environment == "production" {
		steps = append(steps, "Consider a rollback if user impact is confirmed")
	}
	return steps
}
