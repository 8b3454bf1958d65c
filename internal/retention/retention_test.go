package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"faultline/internal/store"
	"faultline/internal/store/memory"
)

func seedProject(t *testing.T, st store.Store, retentionDays int) uuid.UUID {
	t.Helper()
	p := &store.Project{
		ID:            uuid.Must(uuid.NewV7()),
		Name:          "app",
		Status:        store.ProjectActive,
		APIKeyHash:    "hash-" + uuid.NewString(),
		RetentionDays: retentionDays,
	}
	if err := st.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p.ID
}

func appendAt(t *testing.T, st store.Store, projectID uuid.UUID, fingerprint string, ts time.Time) {
	t.Helper()
	occ := &store.Occurrence{
		ID: uuid.Must(uuid.NewV7()), ProjectID: projectID,
		Fingerprint: fingerprint, Message: "boom",
		Environment: "production", Timestamp: ts,
	}
	if _, _, err := st.AppendOccurrence(context.Background(), occ, store.SeverityError); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestSweepDeletesExpired(t *testing.T) {
	st := memory.NewStore()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	projectID := seedProject(t, st, 30)

	// Stale group: every occurrence past the horizon.
	appendAt(t, st, projectID, "fp-old", now.Add(-40*24*time.Hour))
	appendAt(t, st, projectID, "fp-old", now.Add(-35*24*time.Hour))
	// Live group: recent only.
	appendAt(t, st, projectID, "fp-live", now.Add(-time.Hour))
	// Mixed group: one expired occurrence, one fresh. The group survives.
	appendAt(t, st, projectID, "fp-mixed", now.Add(-31*24*time.Hour))
	appendAt(t, st, projectID, "fp-mixed", now.Add(-time.Hour))

	s := NewSweeper(st, nil)
	s.now = func() time.Time { return now }

	occs, groups, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if occs != 3 || groups != 1 {
		t.Errorf("sweep removed %d occurrences, %d groups, want 3, 1", occs, groups)
	}

	if _, err := st.GetGroupByFingerprint(context.Background(), projectID, "fp-old"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale group should be gone, err = %v", err)
	}

	live, err := st.GetGroupByFingerprint(context.Background(), projectID, "fp-live")
	if err != nil {
		t.Fatalf("live group: %v", err)
	}
	if _, total, err := st.ListOccurrences(context.Background(), projectID, live.ID, 10); err != nil || total != 1 {
		t.Errorf("live occurrences = %d (%v)", total, err)
	}

	mixed, err := st.GetGroupByFingerprint(context.Background(), projectID, "fp-mixed")
	if err != nil {
		t.Fatalf("mixed group should survive: %v", err)
	}
	if _, total, _ := st.ListOccurrences(context.Background(), projectID, mixed.ID, 10); total != 1 {
		t.Errorf("mixed occurrences = %d, want 1", total)
	}
}

func TestSweepBatches(t *testing.T) {
	st := memory.NewStore()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	projectID := seedProject(t, st, 7)

	for i := 0; i < 7; i++ {
		appendAt(t, st, projectID, "fp-bulk", now.Add(-8*24*time.Hour))
	}

	s := NewSweeper(st, nil)
	s.batchSize = 3 // forces three delete rounds
	s.now = func() time.Time { return now }

	occs, _, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if occs != 7 {
		t.Errorf("sweep removed %d occurrences, want 7", occs)
	}
	if _, err := st.GetGroupByFingerprint(context.Background(), projectID, "fp-bulk"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("bulk group should be gone, err = %v", err)
	}
}

func TestSweepIdempotent(t *testing.T) {
	st := memory.NewStore()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	projectID := seedProject(t, st, 7)
	appendAt(t, st, projectID, "fp-x", now.Add(-10*24*time.Hour))

	s := NewSweeper(st, nil)
	s.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		occs, groups, err := s.Sweep(context.Background())
		if err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
		if i > 0 && (occs != 0 || groups != 0) {
			t.Errorf("sweep %d removed %d occurrences, %d groups, want none", i, occs, groups)
		}
	}
}

func TestSweepPerProjectHorizon(t *testing.T) {
	st := memory.NewStore()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	shortID := seedProject(t, st, 7)
	longID := seedProject(t, st, 90)

	// Same age in both projects; only the short-retention copy expires.
	appendAt(t, st, shortID, "fp-short", now.Add(-10*24*time.Hour))
	appendAt(t, st, longID, "fp-long", now.Add(-10*24*time.Hour))

	s := NewSweeper(st, nil)
	s.now = func() time.Time { return now }

	if _, _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := st.GetGroupByFingerprint(context.Background(), shortID, "fp-short"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("short-retention group should be gone, err = %v", err)
	}
	if _, err := st.GetGroupByFingerprint(context.Background(), longID, "fp-long"); err != nil {
		t.Errorf("long-retention group should survive: %v", err)
	}
}

func TestSweepCancellation(t *testing.T) {
	st := memory.NewStore()
	projectID := seedProject(t, st, 7)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	appendAt(t, st, projectID, "fp-c", now.Add(-10*24*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSweeper(st, nil)
	s.now = func() time.Time { return now }
	if _, _, err := s.Sweep(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
