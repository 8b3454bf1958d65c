// Package digest flushes deferred alert notifications. Dispatch queues
// DigestEntry rows for members in quiet hours or digest mode; the flusher
// periodically turns each member's pending rows into one email.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"faultline/internal/logging"
	"faultline/internal/store"
)

// Sender delivers a composed digest to one recipient.
type Sender interface {
	SendDigest(ctx context.Context, to string, alerts []store.Alert) error
}

// Flusher drains pending digest entries on a cadence. Safe to run
// concurrently with dispatch: entries queued mid-flush are picked up on
// the next cycle.
type Flusher struct {
	store  store.Store
	sender Sender
	logger *slog.Logger

	// Clock for testing
	now func() time.Time
}

func New(st store.Store, sender Sender, logger *slog.Logger) *Flusher {
	return &Flusher{
		store:  st,
		sender: sender,
		logger: logging.Default(logger).With("component", "digest"),
		now:    time.Now,
	}
}

// Flush walks every project member once and returns how many received
// a digest. A member is flushed when they have pending entries, their
// cadence window has elapsed, and they are outside quiet hours. Send
// failures leave the entries pending for the next cycle; only project
// listing errors abort the sweep.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	projects, err := f.store.ListProjects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list projects: %w", err)
	}

	now := f.now()
	var flushed, deferred int
	for _, p := range projects {
		members, err := f.store.ListMembers(ctx, p.ID)
		if err != nil {
			f.logger.Warn("list members failed", "project", p.ID, "error", err)
			continue
		}
		for _, m := range members {
			if ctx.Err() != nil {
				return flushed, ctx.Err()
			}
			sent, err := f.flushMember(ctx, p.ID, m, now)
			if err != nil {
				f.logger.Warn("digest flush failed", "project", p.ID, "member", m.ID, "error", err)
				deferred++
				continue
			}
			if sent > 0 {
				flushed++
			}
		}
	}
	if flushed > 0 || deferred > 0 {
		f.logger.Info("digest flush complete", "members", flushed, "deferred", deferred)
	}
	return flushed, nil
}

// flushMember returns the number of entries delivered for the member.
func (f *Flusher) flushMember(ctx context.Context, projectID uuid.UUID, m store.TeamMember, now time.Time) (int, error) {
	if !m.Active {
		return 0, nil
	}

	entries, err := f.store.PendingDigestEntries(ctx, projectID, m.ID)
	if err != nil {
		return 0, fmt.Errorf("pending entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	pref := m.Prefs.Email
	if !cadenceElapsed(pref.Digest, now) {
		return 0, nil
	}
	// Quiet hours delay the flush, they never drop it.
	if pref.QuietHours.InEffect(now) {
		return 0, nil
	}

	// Entries arrive oldest first; grouping by rule happens at render time
	// so the alert enrichment captured at dispatch is preserved verbatim.
	alerts := make([]store.Alert, 0, len(entries))
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		alerts = append(alerts, e.Alert)
		ids = append(ids, e.ID)
	}

	if err := f.sender.SendDigest(ctx, m.Email, alerts); err != nil {
		return 0, fmt.Errorf("send to %s: %w", m.Email, err)
	}

	if err := f.store.MarkDigestEntriesProcessed(ctx, ids, now); err != nil {
		return 0, fmt.Errorf("mark processed: %w", err)
	}
	if err := f.store.SetMemberDigestSentAt(ctx, projectID, m.ID, now); err != nil {
		return 0, fmt.Errorf("update lastSentAt: %w", err)
	}
	return len(entries), nil
}

// cadenceElapsed reports whether enough time has passed since the last
// digest. A member who never received one is immediately due.
func cadenceElapsed(pref store.DigestPref, now time.Time) bool {
	if pref.LastSentAt == nil {
		return true
	}
	step := 24 * time.Hour
	if pref.Cadence == "weekly" {
		step = 7 * 24 * time.Hour
	}
	return !now.Before(pref.LastSentAt.Add(step))
}
