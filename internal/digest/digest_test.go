package digest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"faultline/internal/store"
	"faultline/internal/store/memory"
)

type fakeSender struct {
	sent map[string][]store.Alert
	fail bool
}

func (f *fakeSender) SendDigest(_ context.Context, to string, alerts []store.Alert) error {
	if f.fail {
		return errors.New("smtp unavailable")
	}
	if f.sent == nil {
		f.sent = map[string][]store.Alert{}
	}
	f.sent[to] = append(f.sent[to], alerts...)
	return nil
}

func seed(t *testing.T, st store.Store) (uuid.UUID, *store.TeamMember) {
	t.Helper()
	ctx := context.Background()

	p := &store.Project{ID: uuid.Must(uuid.NewV7()), Name: "app", Status: store.ProjectActive}
	if err := st.CreateProject(ctx, p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	m := &store.TeamMember{
		ID:        uuid.Must(uuid.NewV7()),
		ProjectID: p.ID,
		Name:      "dev",
		Email:     "dev@x.test",
		Active:    true,
		Prefs: store.AlertPreferences{Email: store.EmailPreference{
			Mode:   "digest",
			Digest: store.DigestPref{Cadence: "daily"},
		}},
	}
	if err := st.CreateMember(ctx, m); err != nil {
		t.Fatalf("create member: %v", err)
	}
	return p.ID, m
}

func queue(t *testing.T, st store.Store, projectID, memberID uuid.UUID, at time.Time, msg string) uuid.UUID {
	t.Helper()
	e := &store.DigestEntry{
		ID:        uuid.Must(uuid.NewV7()),
		ProjectID: projectID,
		MemberID:  memberID,
		RuleID:    uuid.Must(uuid.NewV7()),
		Alert:     store.Alert{ProjectID: projectID, Message: msg, Severity: store.SeverityError},
		CreatedAt: at,
	}
	if err := st.AddDigestEntry(context.Background(), e); err != nil {
		t.Fatalf("queue entry: %v", err)
	}
	return e.ID
}

func TestFlushDelivers(t *testing.T) {
	st := memory.NewStore()
	projectID, m := seed(t, st)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	queue(t, st, projectID, m.ID, now.Add(-2*time.Hour), "first")
	queue(t, st, projectID, m.ID, now.Add(-1*time.Hour), "second")

	sender := &fakeSender{}
	f := New(st, sender, nil)
	f.now = func() time.Time { return now }

	flushed, err := f.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if flushed != 1 {
		t.Errorf("flushed = %d, want 1", flushed)
	}

	got := sender.sent["dev@x.test"]
	if len(got) != 2 {
		t.Fatalf("delivered %d alerts, want 2", len(got))
	}
	if got[0].Message != "first" || got[1].Message != "second" {
		t.Errorf("order = %q, %q", got[0].Message, got[1].Message)
	}

	pending, err := st.PendingDigestEntries(context.Background(), projectID, m.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("still pending: %d", len(pending))
	}

	members, err := st.ListMembers(context.Background(), projectID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	last := members[0].Prefs.Email.Digest.LastSentAt
	if last == nil || !last.Equal(now) {
		t.Errorf("lastSentAt = %v", last)
	}
}

func TestFlushRespectsCadence(t *testing.T) {
	st := memory.NewStore()
	projectID, m := seed(t, st)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	// Digest went out 4 hours ago; daily cadence means nothing is due.
	if err := st.SetMemberDigestSentAt(context.Background(), projectID, m.ID, now.Add(-4*time.Hour)); err != nil {
		t.Fatalf("set lastSentAt: %v", err)
	}
	queue(t, st, projectID, m.ID, now.Add(-time.Hour), "held")

	sender := &fakeSender{}
	f := New(st, sender, nil)
	f.now = func() time.Time { return now }

	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("sent = %v, want none", sender.sent)
	}

	// A day later the same entry goes out.
	f.now = func() time.Time { return now.Add(21 * time.Hour) }
	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sender.sent["dev@x.test"]) != 1 {
		t.Errorf("sent = %v", sender.sent)
	}
}

func TestFlushWeeklyCadence(t *testing.T) {
	st := memory.NewStore()
	projectID, m := seed(t, st)
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	members, _ := st.ListMembers(context.Background(), projectID)
	upd := members[0]
	upd.Prefs.Email.Digest.Cadence = "weekly"
	if err := st.UpdateMember(context.Background(), &upd); err != nil {
		t.Fatalf("update member: %v", err)
	}
	if err := st.SetMemberDigestSentAt(context.Background(), projectID, m.ID, now.Add(-3*24*time.Hour)); err != nil {
		t.Fatalf("set lastSentAt: %v", err)
	}
	queue(t, st, projectID, m.ID, now.Add(-time.Hour), "weekly hold")

	sender := &fakeSender{}
	f := New(st, sender, nil)
	f.now = func() time.Time { return now }

	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("3 days into a weekly cadence should hold, sent %v", sender.sent)
	}
}

func TestFlushQuietHoursDelays(t *testing.T) {
	st := memory.NewStore()
	projectID, m := seed(t, st)
	now := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)

	members, _ := st.ListMembers(context.Background(), projectID)
	upd := members[0]
	upd.Prefs.Email.QuietHours = store.QuietHours{Enabled: true, Start: "22:00", End: "08:00", Timezone: "UTC"}
	if err := st.UpdateMember(context.Background(), &upd); err != nil {
		t.Fatalf("update member: %v", err)
	}
	queue(t, st, projectID, m.ID, now.Add(-time.Hour), "night owl")

	sender := &fakeSender{}
	f := New(st, sender, nil)
	f.now = func() time.Time { return now }

	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("flush inside quiet hours, sent %v", sender.sent)
	}

	// Next morning the entry is still pending and goes out.
	f.now = func() time.Time { return now.Add(9 * time.Hour) }
	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sender.sent["dev@x.test"]) != 1 {
		t.Errorf("sent = %v", sender.sent)
	}
	_ = m
}

func TestFlushFailureLeavesPending(t *testing.T) {
	st := memory.NewStore()
	projectID, m := seed(t, st)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	queue(t, st, projectID, m.ID, now.Add(-time.Hour), "kept")

	sender := &fakeSender{fail: true}
	f := New(st, sender, nil)
	f.now = func() time.Time { return now }

	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush should swallow member errors: %v", err)
	}

	pending, err := st.PendingDigestEntries(context.Background(), projectID, m.ID)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	members, _ := st.ListMembers(context.Background(), projectID)
	if members[0].Prefs.Email.Digest.LastSentAt != nil {
		t.Error("failed send must not advance lastSentAt")
	}
}

func TestFlushSkipsInactiveMember(t *testing.T) {
	st := memory.NewStore()
	projectID, m := seed(t, st)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	members, _ := st.ListMembers(context.Background(), projectID)
	upd := members[0]
	upd.Active = false
	if err := st.UpdateMember(context.Background(), &upd); err != nil {
		t.Fatalf("update member: %v", err)
	}
	queue(t, st, projectID, m.ID, now.Add(-time.Hour), "ignored")

	sender := &fakeSender{}
	f := New(st, sender, nil)
	f.now = func() time.Time { return now }

	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("inactive member received mail: %v", sender.sent)
	}
}
