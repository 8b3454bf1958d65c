// Package dispatch turns triggered rule evaluations into channel
// deliveries. It owns cooldown suppression, member routing for email
// channels, alert enrichment, and the retry policy for transient
// delivery failures. Channel rendering lives in the channel package.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"faultline/internal/alert"
	"faultline/internal/channel"
	"faultline/internal/logging"
	"faultline/internal/store"
)

// Enrichment bounds.
const (
	deploymentWindow = 2 * time.Hour
	maxDeployments   = 5
	maxSimilar       = 5
)

// Dispatcher fans a triggered rule out to its channels.
type Dispatcher struct {
	store    store.Store
	adapters channel.Set
	logger   *slog.Logger

	// Waits between delivery attempts for transient failures; attempts
	// are bounded by len(retryDelays)+1.
	retryDelays []time.Duration

	// Clock for testing
	now func() time.Time
}

func New(st store.Store, adapters channel.Set, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       st,
		adapters:    adapters,
		logger:      logging.Default(logger).With("component", "dispatch"),
		retryDelays: []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second},
		now:         time.Now,
	}
}

// Result summarizes one dispatch cycle for a triggered rule.
type Result struct {
	Suppressed      bool     `json:"suppressed"`
	Immediate       []string `json:"immediate,omitempty"`       // channel types delivered now
	QueuedForDigest []string `json:"queuedForDigest,omitempty"` // member emails deferred
	Failed          []string `json:"failed,omitempty"`          // channel types that failed
}

// CooldownKey identifies one suppression window. Environment is part of
// the key so production and staging fires do not share a clock.
func CooldownKey(ruleID uuid.UUID, fingerprint, environment string) string {
	return ruleID.String() + "|" + fingerprint + "|" + environment
}

// Dispatch delivers a triggered evaluation. It suppresses inside the
// cooldown window, and records a new fire time only when at least one
// channel delivered or queued something, so a fully failed dispatch is
// retried on the next triggering event.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *store.AlertRule, ev alert.Event, eval alert.Evaluation) (Result, error) {
	now := d.now()
	key := CooldownKey(rule.ID, ev.Fingerprint, ev.Environment)

	if eval.CooldownMinutes > 0 {
		st, err := d.store.GetNotificationState(ctx, ev.ProjectID, store.NotifyCooldown, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Result{}, fmt.Errorf("cooldown lookup: %w", err)
		}
		if st != nil && st.FiredAt.Add(time.Duration(eval.CooldownMinutes)*time.Minute).After(now) {
			return Result{Suppressed: true}, nil
		}
	}

	a := d.BuildAlert(ctx, rule, ev, eval)

	// One goroutine per channel; a slow or failing channel never blocks
	// its siblings. Outcomes land in per-channel slots, no shared state.
	outcomes := make([]outcome, len(rule.Channels))
	var g errgroup.Group
	for i, ch := range rule.Channels {
		g.Go(func() error {
			outcomes[i] = d.deliverChannel(ctx, ch, a, now)
			return nil
		})
	}
	_ = g.Wait()

	var (
		result   Result
		handled  bool
		failures []string
	)
	for _, out := range outcomes {
		if out.delivered {
			result.Immediate = append(result.Immediate, out.channelType)
			handled = true
		}
		if len(out.queued) > 0 {
			result.QueuedForDigest = append(result.QueuedForDigest, out.queued...)
			handled = true
		}
		if out.err != nil {
			result.Failed = append(result.Failed, out.channelType)
			failures = append(failures, fmt.Sprintf("%s: %v", out.channelType, out.err))
			d.logger.Warn("channel delivery failed",
				"rule", rule.ID, "channel", out.channelType, "permanent", channel.IsPermanent(out.err), "error", out.err)
		}
	}

	if len(failures) > 0 {
		if err := d.store.SetRuleLastError(ctx, rule.ProjectID, rule.ID, strings.Join(failures, "; ")); err != nil {
			d.logger.Warn("record rule error", "rule", rule.ID, "error", err)
		}
	}
	if handled {
		state := &store.NotificationState{
			ProjectID: ev.ProjectID,
			Kind:      store.NotifyCooldown,
			Key:       key,
			FiredAt:   now,
			UpdatedAt: now,
		}
		if err := d.store.PutNotificationState(ctx, state); err != nil {
			return result, fmt.Errorf("record cooldown: %w", err)
		}
		if err := d.store.MarkRuleTriggered(ctx, rule.ProjectID, rule.ID, now); err != nil {
			d.logger.Warn("mark rule triggered", "rule", rule.ID, "error", err)
		}
	}
	return result, nil
}

type outcome struct {
	channelType string
	delivered   bool
	queued      []string
	err         error
}

func (d *Dispatcher) deliverChannel(ctx context.Context, ch store.ChannelConfig, a store.Alert, now time.Time) outcome {
	out := outcome{channelType: ch.Type}

	adapter, err := d.adapters.For(ch.Type)
	if err != nil {
		out.err = err
		return out
	}

	if ch.Type == channel.TypeEmail {
		return d.deliverEmail(ctx, adapter, ch, a, now)
	}

	if err := d.sendWithRetry(ctx, adapter, ch.Target, ch.Options, a); err != nil {
		out.err = err
		return out
	}
	out.delivered = true
	return out
}

// deliverEmail expands the channel target into team members and routes
// each one: quiet hours and digest mode defer to a DigestEntry, everyone
// else shares a single immediate send.
func (d *Dispatcher) deliverEmail(ctx context.Context, adapter channel.Adapter, ch store.ChannelConfig, a store.Alert, now time.Time) outcome {
	out := outcome{channelType: ch.Type}

	members, err := d.store.ListMembers(ctx, a.ProjectID)
	if err != nil {
		out.err = fmt.Errorf("list members: %w", err)
		return out
	}

	matched, extra := resolveEmailTargets(ch.Target, members)

	var immediate []string
	for _, m := range matched {
		pref := m.Prefs.Email
		if pref.QuietHours.InEffect(now) || pref.Mode == "digest" {
			entry := &store.DigestEntry{
				ID:        uuid.Must(uuid.NewV7()),
				ProjectID: a.ProjectID,
				MemberID:  m.ID,
				RuleID:    a.RuleID,
				Alert:     a,
				CreatedAt: now,
			}
			if err := d.store.AddDigestEntry(ctx, entry); err != nil {
				out.err = fmt.Errorf("queue digest for %s: %w", m.Email, err)
				continue
			}
			out.queued = append(out.queued, m.Email)
			continue
		}
		immediate = append(immediate, m.Email)
	}
	immediate = append(immediate, extra...)

	if len(immediate) == 0 {
		return out
	}
	if err := d.sendWithRetry(ctx, adapter, strings.Join(immediate, ","), ch.Options, a); err != nil {
		out.err = err
		return out
	}
	out.delivered = true
	return out
}

// resolveEmailTargets matches a channel target against the member roster.
// An empty target or "team" selects every active member; otherwise the
// target is a comma-separated address list, and addresses without a
// member row are returned separately for direct immediate delivery.
func resolveEmailTargets(target string, members []store.TeamMember) ([]store.TeamMember, []string) {
	byEmail := make(map[string]store.TeamMember, len(members))
	for _, m := range members {
		if m.Active {
			byEmail[strings.ToLower(m.Email)] = m
		}
	}

	if t := strings.TrimSpace(target); t == "" || strings.EqualFold(t, "team") {
		matched := make([]store.TeamMember, 0, len(byEmail))
		for _, m := range members {
			if m.Active {
				matched = append(matched, m)
			}
		}
		return matched, nil
	}

	var (
		matched []store.TeamMember
		extra   []string
	)
	for _, part := range strings.Split(target, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		if m, ok := byEmail[strings.ToLower(addr)]; ok {
			matched = append(matched, m)
			continue
		}
		extra = append(extra, addr)
	}
	return matched, extra
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, adapter channel.Adapter, target string, opts map[string]string, a store.Alert) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = adapter.Send(ctx, target, opts, a)
		if err == nil || channel.IsPermanent(err) || attempt >= len(d.retryDelays) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.retryDelays[attempt]):
		}
	}
}
