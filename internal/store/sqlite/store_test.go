package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"faultline/internal/store"
	"faultline/internal/store/storetest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteConformance(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) store.Store {
		return openStore(t)
	})
}

func TestConnectionPragmas(t *testing.T) {
	s := openStore(t)

	pragmas := []struct{ name, want string }{
		{"journal_mode", "wal"},
		{"foreign_keys", "1"},
		{"busy_timeout", "5000"},
	}
	for _, p := range pragmas {
		var got string
		if err := s.db.QueryRow("PRAGMA " + p.name).Scan(&got); err != nil {
			t.Fatalf("pragma %s: %v", p.name, err)
		}
		if got != p.want {
			t.Errorf("pragma %s = %q, want %q", p.name, got, p.want)
		}
	}
}

func TestStrictColumnTypes(t *testing.T) {
	s := openStore(t)

	// STRICT tables reject type mismatches instead of coercing them.
	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, status, api_key_hash, api_key_preview,
			scrub_policy, retention_days, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"p1", "demo", "active", "h", "prev", "{}", "ninety", 0, 0)
	if err == nil {
		t.Fatal("text in an INTEGER column should not insert")
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ctx := context.Background()

	s1, err := NewStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	p := &store.Project{
		ID: uuid.Must(uuid.NewV7()), Name: "persist", Status: store.ProjectActive,
		APIKeyHash: "h-persist", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s1.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	occ := &store.Occurrence{
		ID: uuid.Must(uuid.NewV7()), ProjectID: p.ID, Fingerprint: "fp-1",
		Message: "boom", Environment: "production", Timestamp: time.Now().UTC(),
	}
	if _, _, err := s1.AppendOccurrence(ctx, occ, store.SeverityError); err != nil {
		t.Fatalf("AppendOccurrence: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	g, err := s2.GetGroupByFingerprint(ctx, p.ID, "fp-1")
	if err != nil {
		t.Fatalf("GetGroupByFingerprint after reopen: %v", err)
	}
	if g.Count != 1 || g.Message != "boom" {
		t.Errorf("unexpected group after reopen: %+v", g)
	}
}

func TestUpsertConcurrency(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p := &store.Project{
		ID: uuid.Must(uuid.NewV7()), Name: "conc", Status: store.ProjectActive,
		APIKeyHash: "h-conc", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	const n = 20
	errs := make(chan error, n)
	for i := range n {
		go func() {
			occ := &store.Occurrence{
				ID: uuid.Must(uuid.NewV7()), ProjectID: p.ID, Fingerprint: "fp-racy",
				Message: "boom", Environment: "production",
				Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			}
			_, _, err := s.AppendOccurrence(ctx, occ, store.SeverityError)
			errs <- err
		}()
	}
	for range n {
		if err := <-errs; err != nil {
			t.Fatalf("AppendOccurrence: %v", err)
		}
	}

	g, err := s.GetGroupByFingerprint(ctx, p.ID, "fp-racy")
	if err != nil {
		t.Fatalf("GetGroupByFingerprint: %v", err)
	}
	if g.Count != n {
		t.Errorf("expected count %d, got %d", n, g.Count)
	}
	_, total, err := s.ListOccurrences(ctx, p.ID, g.ID, n)
	if err != nil {
		t.Fatalf("ListOccurrences: %v", err)
	}
	if total != n {
		t.Errorf("expected %d occurrence rows, got %d", n, total)
	}
}
