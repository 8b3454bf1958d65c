// Package storetest provides a shared conformance test suite for store.Store
// implementations. Each backend (memory, sqlite) wires this suite to verify
// it satisfies the full Store contract.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"faultline/internal/store"
)

// base is a Monday, 10:00 UTC.
var base = time.Date(2025, 11, 3, 10, 0, 0, 0, time.UTC)

func newID() uuid.UUID { return uuid.Must(uuid.NewV7()) }

func seedProject(t *testing.T, s store.Store, name string) *store.Project {
	t.Helper()
	p := &store.Project{
		ID:            newID(),
		Name:          name,
		Status:        store.ProjectActive,
		APIKeyHash:    "hash-" + name + "-" + uuid.NewString(),
		APIKeyPreview: "proj_abcd…wxyz",
		Scrub:         store.ScrubPolicy{RemoveEmails: true, RemoveIPs: true},
		RetentionDays: 30,
		CreatedAt:     base,
		UpdatedAt:     base,
	}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject %q: %v", name, err)
	}
	return p
}

// appendOcc ingests one occurrence, filling defaults for fields the test
// does not care about.
func appendOcc(t *testing.T, s store.Store, occ store.Occurrence, severity string) (*store.ErrorGroup, bool) {
	t.Helper()
	if occ.ID == uuid.Nil {
		occ.ID = newID()
	}
	if occ.Message == "" {
		occ.Message = "boom"
	}
	if occ.Environment == "" {
		occ.Environment = "production"
	}
	if occ.Timestamp.IsZero() {
		occ.Timestamp = base
	}
	if severity == "" {
		severity = store.SeverityError
	}
	g, created, err := s.AppendOccurrence(context.Background(), &occ, severity)
	if err != nil {
		t.Fatalf("AppendOccurrence: %v", err)
	}
	return g, created
}

// TestStore runs the full conformance suite against a Store implementation.
// newStore must return a fresh, empty store for each sub-test.
func TestStore(t *testing.T, newStore func(t *testing.T) store.Store) {
	// Projects
	t.Run("ProjectRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "checkout")
		got, err := s.GetProject(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetProject: %v", err)
		}
		if got.Name != "checkout" {
			t.Errorf("Name: expected %q, got %q", "checkout", got.Name)
		}
		if got.APIKeyHash != p.APIKeyHash {
			t.Errorf("APIKeyHash: expected %q, got %q", p.APIKeyHash, got.APIKeyHash)
		}
		if !got.Scrub.RemoveEmails || !got.Scrub.RemoveIPs || got.Scrub.RemovePhones {
			t.Errorf("Scrub: expected emails+ips, got %+v", got.Scrub)
		}
		if got.RetentionDays != 30 {
			t.Errorf("RetentionDays: expected 30, got %d", got.RetentionDays)
		}

		if _, err := s.GetProject(ctx, newID()); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown project, got %v", err)
		}
	})

	t.Run("ProjectKeyHashConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "first")
		dup := &store.Project{
			ID: newID(), Name: "second", Status: store.ProjectActive,
			APIKeyHash: p.APIKeyHash, CreatedAt: base, UpdatedAt: base,
		}
		if err := s.CreateProject(ctx, dup); !errors.Is(err, store.ErrConflict) {
			t.Errorf("expected ErrConflict for duplicate active hash, got %v", err)
		}

		// A disabled project may carry the hash; lookup prefers the active one.
		disabled := &store.Project{
			ID: newID(), Name: "retired", Status: store.ProjectDisabled,
			APIKeyHash: p.APIKeyHash, CreatedAt: base.Add(time.Minute), UpdatedAt: base,
		}
		if err := s.CreateProject(ctx, disabled); err != nil {
			t.Fatalf("CreateProject disabled: %v", err)
		}
		got, err := s.GetProjectByKeyHash(ctx, p.APIKeyHash)
		if err != nil {
			t.Fatalf("GetProjectByKeyHash: %v", err)
		}
		if got.ID != p.ID {
			t.Errorf("expected active project %s, got %s (%s)", p.ID, got.ID, got.Status)
		}
	})

	t.Run("RotateProjectKey", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "rotator")
		oldHash := p.APIKeyHash
		if err := s.RotateProjectKey(ctx, p.ID, "hash-new", "proj_wxyz…1234"); err != nil {
			t.Fatalf("RotateProjectKey: %v", err)
		}

		if _, err := s.GetProjectByKeyHash(ctx, oldHash); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("old hash should no longer resolve, got %v", err)
		}
		got, err := s.GetProjectByKeyHash(ctx, "hash-new")
		if err != nil {
			t.Fatalf("GetProjectByKeyHash new: %v", err)
		}
		if got.ID != p.ID || got.APIKeyPreview != "proj_wxyz…1234" {
			t.Errorf("rotation not applied: %+v", got)
		}

		// UpdateProject never touches key material.
		got.Name = "renamed"
		got.APIKeyHash = "hash-forged"
		got.APIKeyPreview = "forged"
		if err := s.UpdateProject(ctx, got); err != nil {
			t.Fatalf("UpdateProject: %v", err)
		}
		after, err := s.GetProject(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetProject: %v", err)
		}
		if after.Name != "renamed" {
			t.Errorf("Name: expected %q, got %q", "renamed", after.Name)
		}
		if after.APIKeyHash != "hash-new" {
			t.Errorf("APIKeyHash changed through UpdateProject: %q", after.APIKeyHash)
		}
	})

	t.Run("DeleteProjectCascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "doomed")
		g, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-1"}, "")
		rule := &store.AlertRule{
			ID: newID(), ProjectID: p.ID, Name: "r", Type: store.RuleNewError,
			Enabled: true, CooldownMinutes: 30, CreatedAt: base, UpdatedAt: base,
		}
		if err := s.CreateRule(ctx, rule); err != nil {
			t.Fatalf("CreateRule: %v", err)
		}
		m := &store.TeamMember{
			ID: newID(), ProjectID: p.ID, Name: "Ada", Email: "ada@example.com",
			Active: true, CreatedAt: base, UpdatedAt: base,
		}
		if err := s.CreateMember(ctx, m); err != nil {
			t.Fatalf("CreateMember: %v", err)
		}

		if err := s.DeleteProject(ctx, p.ID); err != nil {
			t.Fatalf("DeleteProject: %v", err)
		}
		if _, err := s.GetProject(ctx, p.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("project should be gone, got %v", err)
		}
		if _, err := s.GetGroup(ctx, p.ID, g.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("group should be gone, got %v", err)
		}
		if _, err := s.GetRule(ctx, p.ID, rule.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("rule should be gone, got %v", err)
		}
		members, err := s.ListMembers(ctx, p.ID)
		if err != nil {
			t.Fatalf("ListMembers: %v", err)
		}
		if len(members) != 0 {
			t.Errorf("expected 0 members after delete, got %d", len(members))
		}
	})

	t.Run("ListProjects", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a := &store.Project{ID: newID(), Name: "a", Status: store.ProjectActive, APIKeyHash: "h-a", CreatedAt: base, UpdatedAt: base}
		b := &store.Project{ID: newID(), Name: "b", Status: store.ProjectActive, APIKeyHash: "h-b", CreatedAt: base.Add(time.Minute), UpdatedAt: base}
		for _, p := range []*store.Project{b, a} {
			if err := s.CreateProject(ctx, p); err != nil {
				t.Fatalf("CreateProject %q: %v", p.Name, err)
			}
		}
		all, err := s.ListProjects(ctx)
		if err != nil {
			t.Fatalf("ListProjects: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 projects, got %d", len(all))
		}
		if all[0].Name != "a" || all[1].Name != "b" {
			t.Errorf("expected creation order a,b; got %q,%q", all[0].Name, all[1].Name)
		}
	})

	// Users
	t.Run("UserRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		u := &store.User{
			ID: newID(), Email: "dev@example.com", PasswordHash: "argon2id$...",
			Memberships: []store.Membership{{ProjectID: p.ID, Role: store.RoleDeveloper}},
			CreatedAt:   base,
		}
		if err := s.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}

		got, err := s.GetUser(ctx, u.ID)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if got.RoleFor(p.ID) != store.RoleDeveloper {
			t.Errorf("RoleFor: expected developer, got %q", got.RoleFor(p.ID))
		}
		if got.RoleFor(newID()) != "" {
			t.Errorf("RoleFor unknown project: expected empty, got %q", got.RoleFor(newID()))
		}

		byEmail, err := s.GetUserByEmail(ctx, "dev@example.com")
		if err != nil {
			t.Fatalf("GetUserByEmail: %v", err)
		}
		if byEmail.ID != u.ID {
			t.Errorf("expected user %s, got %s", u.ID, byEmail.ID)
		}

		dup := &store.User{ID: newID(), Email: "dev@example.com", PasswordHash: "x", CreatedAt: base}
		if err := s.CreateUser(ctx, dup); !errors.Is(err, store.ErrConflict) {
			t.Errorf("expected ErrConflict for duplicate email, got %v", err)
		}

		// Membership grants land through UpdateUser.
		p2 := seedProject(t, s, "second")
		u.Memberships = append(u.Memberships, store.Membership{ProjectID: p2.ID, Role: store.RoleAdmin})
		if err := s.UpdateUser(ctx, u); err != nil {
			t.Fatalf("UpdateUser: %v", err)
		}
		got, err = s.GetUser(ctx, u.ID)
		if err != nil {
			t.Fatalf("GetUser after update: %v", err)
		}
		if got.RoleFor(p2.ID) != store.RoleAdmin {
			t.Errorf("granted role not visible: %q", got.RoleFor(p2.ID))
		}
		if got.RoleFor(p.ID) != store.RoleDeveloper {
			t.Errorf("existing role lost: %q", got.RoleFor(p.ID))
		}

		missing := &store.User{ID: newID(), Email: "ghost@example.com"}
		if err := s.UpdateUser(ctx, missing); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound updating a missing user, got %v", err)
		}
	})

	// Groups and occurrences
	t.Run("AppendCreatesGroup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		occ := store.Occurrence{
			ProjectID: p.ID, Fingerprint: "fp-a", Message: "nil pointer",
			StackTrace: []store.Frame{{Function: "handle", File: "api/cart.go", Line: 42, InApp: true}},
			Timestamp:  base,
		}
		g, created := appendOcc(t, s, occ, store.SeverityCritical)
		if !created {
			t.Error("expected created=true for first occurrence")
		}
		if g.Count != 1 {
			t.Errorf("Count: expected 1, got %d", g.Count)
		}
		if g.Status != store.StatusNew {
			t.Errorf("Status: expected new, got %q", g.Status)
		}
		if g.Severity != store.SeverityCritical {
			t.Errorf("Severity: expected critical, got %q", g.Severity)
		}
		if !g.FirstSeen.Equal(base) || !g.LastSeen.Equal(base) {
			t.Errorf("FirstSeen/LastSeen: expected %v, got %v/%v", base, g.FirstSeen, g.LastSeen)
		}

		byFP, err := s.GetGroupByFingerprint(ctx, p.ID, "fp-a")
		if err != nil {
			t.Fatalf("GetGroupByFingerprint: %v", err)
		}
		if byFP.ID != g.ID {
			t.Errorf("expected group %s, got %s", g.ID, byFP.ID)
		}
	})

	t.Run("AppendIncrements", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		g1, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a", Timestamp: base}, "")
		g2, created := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a", Timestamp: base.Add(time.Minute)}, "")
		if created {
			t.Error("expected created=false for second occurrence")
		}
		if g2.ID != g1.ID {
			t.Errorf("expected same group, got %s and %s", g1.ID, g2.ID)
		}
		if g2.Count != 2 {
			t.Errorf("Count: expected 2, got %d", g2.Count)
		}
		if !g2.FirstSeen.Equal(base) {
			t.Errorf("FirstSeen moved: %v", g2.FirstSeen)
		}
		if !g2.LastSeen.Equal(base.Add(time.Minute)) {
			t.Errorf("LastSeen: expected %v, got %v", base.Add(time.Minute), g2.LastSeen)
		}

		// Count always equals the number of stored occurrences.
		_, total, err := s.ListOccurrences(ctx, p.ID, g2.ID, 10)
		if err != nil {
			t.Fatalf("ListOccurrences: %v", err)
		}
		if total != g2.Count {
			t.Errorf("count %d != occurrence rows %d", g2.Count, total)
		}
	})

	t.Run("AppendOutOfOrder", func(t *testing.T) {
		s := newStore(t)

		p := seedProject(t, s, "app")
		appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a", Timestamp: base}, "")
		// A late-arriving older occurrence must not move LastSeen backwards.
		g, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a", Timestamp: base.Add(-time.Hour)}, "")
		if !g.LastSeen.Equal(base) {
			t.Errorf("LastSeen regressed to %v", g.LastSeen)
		}
		if g.Count != 2 {
			t.Errorf("Count: expected 2, got %d", g.Count)
		}
	})

	t.Run("AppendBackfillsStack", func(t *testing.T) {
		s := newStore(t)

		p := seedProject(t, s, "app")
		appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a"}, "")
		frames := []store.Frame{{Function: "f", File: "main.go", Line: 1, InApp: true}}
		g, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a", StackTrace: frames, Timestamp: base.Add(time.Minute)}, "")
		if len(g.StackTrace) != 1 || g.StackTrace[0].File != "main.go" {
			t.Fatalf("expected backfilled stack, got %+v", g.StackTrace)
		}

		// Once set, the representative stack is stable.
		other := []store.Frame{{Function: "g", File: "other.go", Line: 2, InApp: true}}
		g, _ = appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a", StackTrace: other, Timestamp: base.Add(2 * time.Minute)}, "")
		if g.StackTrace[0].File != "main.go" {
			t.Errorf("representative stack replaced: %+v", g.StackTrace)
		}
	})

	t.Run("GroupTenancy", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		pa := seedProject(t, s, "team-a")
		pb := seedProject(t, s, "team-b")
		g, _ := appendOcc(t, s, store.Occurrence{ProjectID: pa.ID, Fingerprint: "fp-a"}, "")
		appendOcc(t, s, store.Occurrence{ProjectID: pb.ID, Fingerprint: "fp-b"}, "")

		// Another tenant's id behaves exactly like a missing one.
		if _, err := s.GetGroup(ctx, pb.ID, g.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("cross-tenant GetGroup: expected ErrNotFound, got %v", err)
		}
		if _, err := s.UpdateGroupStatus(ctx, pb.ID, g.ID, store.StatusOpen, base); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("cross-tenant UpdateGroupStatus: expected ErrNotFound, got %v", err)
		}
		if _, _, err := s.ListOccurrences(ctx, pb.ID, g.ID, 10); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("cross-tenant ListOccurrences: expected ErrNotFound, got %v", err)
		}

		groups, total, err := s.ListGroups(ctx, pa.ID, store.GroupQuery{})
		if err != nil {
			t.Fatalf("ListGroups: %v", err)
		}
		if total != 1 || len(groups) != 1 || groups[0].Fingerprint != "fp-a" {
			t.Errorf("expected only team-a group, got total=%d %+v", total, groups)
		}
	})

	t.Run("ListGroupsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		appendOcc(t, s, store.Occurrence{
			ProjectID: p.ID, Fingerprint: "fp-db", Message: "connection refused",
			Environment: "production",
			StackTrace:  []store.Frame{{File: "db/pool.go", InApp: true}},
			Timestamp:   base,
		}, "")
		appendOcc(t, s, store.Occurrence{
			ProjectID: p.ID, Fingerprint: "fp-cart", Message: "nil pointer in cart",
			Environment: "staging",
			StackTrace:  []store.Frame{{File: "api/cart.go", InApp: true}},
			Timestamp:   base.Add(time.Hour),
		}, "")

		byEnv, total, err := s.ListGroups(ctx, p.ID, store.GroupQuery{Environment: "staging"})
		if err != nil {
			t.Fatalf("ListGroups env: %v", err)
		}
		if total != 1 || byEnv[0].Fingerprint != "fp-cart" {
			t.Errorf("env filter: expected fp-cart, got %+v", byEnv)
		}

		// Search is case-insensitive substring match on the message.
		bySearch, total, err := s.ListGroups(ctx, p.ID, store.GroupQuery{Search: "CONNECTION"})
		if err != nil {
			t.Fatalf("ListGroups search: %v", err)
		}
		if total != 1 || bySearch[0].Fingerprint != "fp-db" {
			t.Errorf("search filter: expected fp-db, got %+v", bySearch)
		}

		byFile, total, err := s.ListGroups(ctx, p.ID, store.GroupQuery{SourceFile: "cart.go"})
		if err != nil {
			t.Fatalf("ListGroups sourceFile: %v", err)
		}
		if total != 1 || byFile[0].Fingerprint != "fp-cart" {
			t.Errorf("sourceFile filter: expected fp-cart, got %+v", byFile)
		}

		start := base.Add(30 * time.Minute)
		byDate, total, err := s.ListGroups(ctx, p.ID, store.GroupQuery{StartDate: &start})
		if err != nil {
			t.Fatalf("ListGroups date: %v", err)
		}
		if total != 1 || byDate[0].Fingerprint != "fp-cart" {
			t.Errorf("date filter: expected fp-cart, got %+v", byDate)
		}

		open := store.StatusNew
		byStatus, total, err := s.ListGroups(ctx, p.ID, store.GroupQuery{Status: open})
		if err != nil {
			t.Fatalf("ListGroups status: %v", err)
		}
		if total != 2 {
			t.Errorf("status filter: expected 2 new groups, got %d %+v", total, byStatus)
		}
	})

	t.Run("ListGroupsPagination", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		for i := range 5 {
			appendOcc(t, s, store.Occurrence{
				ProjectID: p.ID, Fingerprint: "fp-" + string(rune('a'+i)),
				Timestamp: base.Add(time.Duration(i) * time.Minute),
			}, "")
		}

		// Default sort is lastSeen descending.
		page1, total, err := s.ListGroups(ctx, p.ID, store.GroupQuery{Page: 1, Limit: 2})
		if err != nil {
			t.Fatalf("page 1: %v", err)
		}
		if total != 5 || len(page1) != 2 {
			t.Fatalf("page 1: expected total=5 len=2, got total=%d len=%d", total, len(page1))
		}
		if page1[0].Fingerprint != "fp-e" || page1[1].Fingerprint != "fp-d" {
			t.Errorf("page 1 order: got %q, %q", page1[0].Fingerprint, page1[1].Fingerprint)
		}

		page3, _, err := s.ListGroups(ctx, p.ID, store.GroupQuery{Page: 3, Limit: 2})
		if err != nil {
			t.Fatalf("page 3: %v", err)
		}
		if len(page3) != 1 || page3[0].Fingerprint != "fp-a" {
			t.Errorf("page 3: expected [fp-a], got %+v", page3)
		}

		asc, _, err := s.ListGroups(ctx, p.ID, store.GroupQuery{Limit: 1, SortBy: "firstSeen", SortOrder: "asc"})
		if err != nil {
			t.Fatalf("asc: %v", err)
		}
		if asc[0].Fingerprint != "fp-a" {
			t.Errorf("firstSeen asc: expected fp-a, got %q", asc[0].Fingerprint)
		}
	})

	t.Run("StatusTransitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		g, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a"}, "")

		for _, next := range []store.GroupStatus{store.StatusOpen, store.StatusInvestigating} {
			if _, err := s.UpdateGroupStatus(ctx, p.ID, g.ID, next, base); err != nil {
				t.Fatalf("transition to %s: %v", next, err)
			}
		}

		resolvedAt := base.Add(time.Hour)
		got, err := s.UpdateGroupStatus(ctx, p.ID, g.ID, store.StatusResolved, resolvedAt)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolvedAt) {
			t.Errorf("ResolvedAt: expected %v, got %v", resolvedAt, got.ResolvedAt)
		}

		// Terminal states only reopen.
		if _, err := s.UpdateGroupStatus(ctx, p.ID, g.ID, store.StatusInvestigating, base); !errors.Is(err, store.ErrInvalidTransition) {
			t.Errorf("resolved->investigating: expected ErrInvalidTransition, got %v", err)
		}
		got, err = s.UpdateGroupStatus(ctx, p.ID, g.ID, store.StatusOpen, base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		if got.Status != store.StatusOpen {
			t.Errorf("Status: expected open, got %q", got.Status)
		}
		if got.ResolvedAt != nil {
			t.Errorf("ResolvedAt should clear on reopen, got %v", got.ResolvedAt)
		}

		if _, err := s.UpdateGroupStatus(ctx, p.ID, g.ID, store.StatusNew, base); !errors.Is(err, store.ErrInvalidTransition) {
			t.Errorf("open->new: expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("Assignment", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		g, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a"}, "")

		alice, bob := newID(), newID()
		got, err := s.SetGroupAssignment(ctx, p.ID, g.ID, &alice, base)
		if err != nil {
			t.Fatalf("assign alice: %v", err)
		}
		if got.AssignedTo == nil || *got.AssignedTo != alice {
			t.Fatalf("AssignedTo: expected %s, got %v", alice, got.AssignedTo)
		}
		if len(got.AssignmentHistory) != 1 || got.AssignmentHistory[0].UnassignedAt != nil {
			t.Fatalf("history: expected one open entry, got %+v", got.AssignmentHistory)
		}

		got, err = s.SetGroupAssignment(ctx, p.ID, g.ID, &bob, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("reassign bob: %v", err)
		}
		if len(got.AssignmentHistory) != 2 {
			t.Fatalf("history: expected 2 entries, got %d", len(got.AssignmentHistory))
		}
		if got.AssignmentHistory[0].UnassignedAt == nil {
			t.Error("previous assignment entry should be closed")
		}
		if got.AssignmentHistory[1].MemberID != bob {
			t.Errorf("latest entry: expected %s, got %s", bob, got.AssignmentHistory[1].MemberID)
		}

		got, err = s.SetGroupAssignment(ctx, p.ID, g.ID, nil, base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("unassign: %v", err)
		}
		if got.AssignedTo != nil {
			t.Errorf("AssignedTo: expected nil, got %v", got.AssignedTo)
		}
		if got.AssignmentHistory[1].UnassignedAt == nil {
			t.Error("bob's entry should be closed after unassign")
		}
	})

	t.Run("ListOccurrencesOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		var g *store.ErrorGroup
		for i := range 3 {
			g, _ = appendOcc(t, s, store.Occurrence{
				ProjectID: p.ID, Fingerprint: "fp-a",
				Message:   "boom",
				Timestamp: base.Add(time.Duration(i) * time.Minute),
			}, "")
		}

		occs, total, err := s.ListOccurrences(ctx, p.ID, g.ID, 2)
		if err != nil {
			t.Fatalf("ListOccurrences: %v", err)
		}
		if total != 3 {
			t.Errorf("total: expected 3, got %d", total)
		}
		if len(occs) != 2 {
			t.Fatalf("expected 2 occurrences, got %d", len(occs))
		}
		if !occs[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
			t.Errorf("expected newest first, got %v", occs[0].Timestamp)
		}
		if occs[0].ErrorID != g.ID {
			t.Errorf("ErrorID: expected %s, got %s", g.ID, occs[0].ErrorID)
		}
	})

	t.Run("OccurrencePayloadRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		g, _ := appendOcc(t, s, store.Occurrence{
			ProjectID: p.ID, Fingerprint: "fp-a",
			UserContext: &store.UserContext{ID: "u-1", Segment: "premium"},
			Metadata:    map[string]any{"browser": "firefox", "attempt": float64(2)},
			SessionID:   "sess-9",
		}, "")

		occs, _, err := s.ListOccurrences(ctx, p.ID, g.ID, 1)
		if err != nil {
			t.Fatalf("ListOccurrences: %v", err)
		}
		o := occs[0]
		if o.UserContext == nil || o.UserContext.ID != "u-1" || o.UserContext.Segment != "premium" {
			t.Errorf("UserContext: got %+v", o.UserContext)
		}
		if o.Metadata["browser"] != "firefox" || o.Metadata["attempt"] != float64(2) {
			t.Errorf("Metadata: got %+v", o.Metadata)
		}
		if o.SessionID != "sess-9" {
			t.Errorf("SessionID: expected sess-9, got %q", o.SessionID)
		}
	})

	t.Run("CountOccurrencesWindow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		for i, env := range []string{"production", "production", "staging"} {
			appendOcc(t, s, store.Occurrence{
				ProjectID: p.ID, Fingerprint: "fp-a", Environment: env,
				Timestamp: base.Add(time.Duration(i) * time.Minute),
			}, "")
		}

		// [from, to): the occurrence at to is excluded, the one at from counts.
		n, err := s.CountOccurrences(ctx, p.ID, "fp-a", "", base, base.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("CountOccurrences: %v", err)
		}
		if n != 2 {
			t.Errorf("window count: expected 2, got %d", n)
		}

		n, err = s.CountOccurrences(ctx, p.ID, "fp-a", "staging", base, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("CountOccurrences env: %v", err)
		}
		if n != 1 {
			t.Errorf("staging count: expected 1, got %d", n)
		}
	})

	t.Run("DeleteGroup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		g, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a"}, "")
		if err := s.DeleteGroup(ctx, p.ID, g.ID); err != nil {
			t.Fatalf("DeleteGroup: %v", err)
		}
		if _, err := s.GetGroup(ctx, p.ID, g.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("group should be gone, got %v", err)
		}
		n, err := s.CountOccurrences(ctx, p.ID, "fp-a", "", base.Add(-time.Hour), base.Add(time.Hour))
		if err != nil {
			t.Fatalf("CountOccurrences: %v", err)
		}
		if n != 0 {
			t.Errorf("occurrences should cascade, got %d", n)
		}

		// The fingerprint is free again; the next occurrence starts a new group.
		g2, created := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a"}, "")
		if !created || g2.ID == g.ID || g2.Count != 1 {
			t.Errorf("expected fresh group after delete, got created=%v %+v", created, g2)
		}
	})

	// Alert rules
	t.Run("RuleRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		r := &store.AlertRule{
			ID: newID(), ProjectID: p.ID, Name: "prod threshold",
			Type: store.RuleThreshold, Enabled: true, CooldownMinutes: 30,
			Conditions: store.RuleConditions{
				Threshold: 10, WindowMinutes: 5,
				Environments: []string{"production"},
				Filter: &store.FilterNode{
					Op: "and",
					Conditions: []store.FilterNode{
						{Field: "severity", Operator: "in", Value: []any{"error", "critical"}},
					},
				},
			},
			Channels:  []store.ChannelConfig{{Type: "slack", Target: "#incidents"}},
			CreatedAt: base, UpdatedAt: base,
		}
		if err := s.CreateRule(ctx, r); err != nil {
			t.Fatalf("CreateRule: %v", err)
		}

		got, err := s.GetRule(ctx, p.ID, r.ID)
		if err != nil {
			t.Fatalf("GetRule: %v", err)
		}
		if got.Conditions.Threshold != 10 || got.Conditions.WindowMinutes != 5 {
			t.Errorf("Conditions: got %+v", got.Conditions)
		}
		if got.Conditions.Filter == nil || got.Conditions.Filter.Op != "and" {
			t.Fatalf("Filter: got %+v", got.Conditions.Filter)
		}
		if len(got.Channels) != 1 || got.Channels[0].Target != "#incidents" {
			t.Errorf("Channels: got %+v", got.Channels)
		}

		if err := s.MarkRuleTriggered(ctx, p.ID, r.ID, base.Add(time.Hour)); err != nil {
			t.Fatalf("MarkRuleTriggered: %v", err)
		}
		if err := s.SetRuleLastError(ctx, p.ID, r.ID, "smtp timeout"); err != nil {
			t.Fatalf("SetRuleLastError: %v", err)
		}

		// UpdateRule edits the definition; trigger bookkeeping stays put.
		got.Name = "renamed"
		got.Enabled = false
		got.LastTriggeredAt = nil
		got.LastErrorMessage = ""
		if err := s.UpdateRule(ctx, got); err != nil {
			t.Fatalf("UpdateRule: %v", err)
		}
		after, err := s.GetRule(ctx, p.ID, r.ID)
		if err != nil {
			t.Fatalf("GetRule after update: %v", err)
		}
		if after.Name != "renamed" || after.Enabled {
			t.Errorf("update not applied: %+v", after)
		}
		if after.LastTriggeredAt == nil || !after.LastTriggeredAt.Equal(base.Add(time.Hour)) {
			t.Errorf("LastTriggeredAt lost: %v", after.LastTriggeredAt)
		}
		if after.LastErrorMessage != "smtp timeout" {
			t.Errorf("LastErrorMessage lost: %q", after.LastErrorMessage)
		}

		enabled, err := s.ListEnabledRules(ctx, p.ID)
		if err != nil {
			t.Fatalf("ListEnabledRules: %v", err)
		}
		if len(enabled) != 0 {
			t.Errorf("expected no enabled rules, got %d", len(enabled))
		}
		all, err := s.ListRules(ctx, p.ID)
		if err != nil {
			t.Fatalf("ListRules: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("expected 1 rule, got %d", len(all))
		}

		if err := s.DeleteRule(ctx, p.ID, r.ID); err != nil {
			t.Fatalf("DeleteRule: %v", err)
		}
		if _, err := s.GetRule(ctx, p.ID, r.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("rule should be gone, got %v", err)
		}
	})

	// Notification state
	t.Run("NotificationState", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		key := "rule-1/fp-a/production"

		if _, err := s.GetNotificationState(ctx, p.ID, store.NotifyCooldown, key); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound before first fire, got %v", err)
		}

		st := &store.NotificationState{
			ProjectID: p.ID, Kind: store.NotifyCooldown, Key: key,
			FiredAt: base, UpdatedAt: base,
		}
		if err := s.PutNotificationState(ctx, st); err != nil {
			t.Fatalf("PutNotificationState: %v", err)
		}
		got, err := s.GetNotificationState(ctx, p.ID, store.NotifyCooldown, key)
		if err != nil {
			t.Fatalf("GetNotificationState: %v", err)
		}
		if !got.FiredAt.Equal(base) {
			t.Errorf("FiredAt: expected %v, got %v", base, got.FiredAt)
		}

		// Put is an upsert.
		st.FiredAt = base.Add(time.Hour)
		st.UpdatedAt = base.Add(time.Hour)
		if err := s.PutNotificationState(ctx, st); err != nil {
			t.Fatalf("PutNotificationState upsert: %v", err)
		}
		got, err = s.GetNotificationState(ctx, p.ID, store.NotifyCooldown, key)
		if err != nil {
			t.Fatalf("GetNotificationState: %v", err)
		}
		if !got.FiredAt.Equal(base.Add(time.Hour)) {
			t.Errorf("FiredAt after upsert: got %v", got.FiredAt)
		}

		// Kinds are independent namespaces.
		if _, err := s.GetNotificationState(ctx, p.ID, store.NotifyEscalation, key); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("escalation state should be separate, got %v", err)
		}
	})

	// Digest entries
	t.Run("DigestEntries", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		memberA, memberB := newID(), newID()
		ruleID := newID()

		for i, member := range []uuid.UUID{memberA, memberA, memberB} {
			e := &store.DigestEntry{
				ID: newID(), ProjectID: p.ID, MemberID: member, RuleID: ruleID,
				Alert:     store.Alert{RuleID: ruleID, Reason: store.ReasonThresholdExceeded, Message: "boom", Count: int64(i + 1), TriggeredAt: base},
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}
			if err := s.AddDigestEntry(ctx, e); err != nil {
				t.Fatalf("AddDigestEntry: %v", err)
			}
		}

		pending, err := s.PendingDigestEntries(ctx, p.ID, memberA)
		if err != nil {
			t.Fatalf("PendingDigestEntries: %v", err)
		}
		if len(pending) != 2 {
			t.Fatalf("expected 2 pending for member A, got %d", len(pending))
		}
		if !pending[0].CreatedAt.Before(pending[1].CreatedAt) {
			t.Error("pending entries should be oldest first")
		}
		if pending[0].Alert.Reason != store.ReasonThresholdExceeded {
			t.Errorf("Alert snapshot lost: %+v", pending[0].Alert)
		}

		ids := []uuid.UUID{pending[0].ID, pending[1].ID}
		if err := s.MarkDigestEntriesProcessed(ctx, ids, base.Add(time.Hour)); err != nil {
			t.Fatalf("MarkDigestEntriesProcessed: %v", err)
		}
		pending, err = s.PendingDigestEntries(ctx, p.ID, memberA)
		if err != nil {
			t.Fatalf("PendingDigestEntries after mark: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("expected no pending after mark, got %d", len(pending))
		}

		pendingB, err := s.PendingDigestEntries(ctx, p.ID, memberB)
		if err != nil {
			t.Fatalf("PendingDigestEntries B: %v", err)
		}
		if len(pendingB) != 1 {
			t.Errorf("member B should be untouched, got %d", len(pendingB))
		}
	})

	// Team members
	t.Run("MemberRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		m := &store.TeamMember{
			ID: newID(), ProjectID: p.ID, Name: "Ada", Email: "ada@example.com",
			Role: "developer", Active: true, AvatarColor: "#7c3aed",
			Prefs: store.AlertPreferences{
				Email: store.EmailPreference{
					Mode:       "digest",
					QuietHours: store.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "Europe/Oslo"},
					Digest:     store.DigestPref{Cadence: "daily"},
				},
			},
			CreatedAt: base, UpdatedAt: base,
		}
		if err := s.CreateMember(ctx, m); err != nil {
			t.Fatalf("CreateMember: %v", err)
		}

		got, err := s.GetMemberByEmail(ctx, p.ID, "ada@example.com")
		if err != nil {
			t.Fatalf("GetMemberByEmail: %v", err)
		}
		if got.Prefs.Email.Mode != "digest" || !got.Prefs.Email.QuietHours.Enabled {
			t.Errorf("Prefs: got %+v", got.Prefs)
		}

		dup := &store.TeamMember{ID: newID(), ProjectID: p.ID, Name: "Imposter", Email: "ada@example.com", CreatedAt: base, UpdatedAt: base}
		if err := s.CreateMember(ctx, dup); !errors.Is(err, store.ErrConflict) {
			t.Errorf("expected ErrConflict for duplicate member email, got %v", err)
		}

		// The same address is fine in another project.
		other := seedProject(t, s, "other")
		elsewhere := &store.TeamMember{ID: newID(), ProjectID: other.ID, Name: "Ada", Email: "ada@example.com", CreatedAt: base, UpdatedAt: base}
		if err := s.CreateMember(ctx, elsewhere); err != nil {
			t.Errorf("same email in another project should work: %v", err)
		}

		sentAt := base.Add(24 * time.Hour)
		if err := s.SetMemberDigestSentAt(ctx, p.ID, m.ID, sentAt); err != nil {
			t.Fatalf("SetMemberDigestSentAt: %v", err)
		}
		got, err = s.GetMember(ctx, p.ID, m.ID)
		if err != nil {
			t.Fatalf("GetMember: %v", err)
		}
		if got.Prefs.Email.Digest.LastSentAt == nil || !got.Prefs.Email.Digest.LastSentAt.Equal(sentAt) {
			t.Errorf("LastSentAt: expected %v, got %v", sentAt, got.Prefs.Email.Digest.LastSentAt)
		}

		got.Active = false
		if err := s.UpdateMember(ctx, got); err != nil {
			t.Fatalf("UpdateMember: %v", err)
		}
		if err := s.DeleteMember(ctx, p.ID, m.ID); err != nil {
			t.Fatalf("DeleteMember: %v", err)
		}
		if _, err := s.GetMember(ctx, p.ID, m.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("member should be gone, got %v", err)
		}
	})

	// Deployments
	t.Run("Deployments", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		for i := range 3 {
			d := &store.Deployment{
				ID: newID(), ProjectID: p.ID,
				Label:     "v1." + string(rune('0'+i)),
				Timestamp: base.Add(time.Duration(i) * time.Hour),
				Metadata:  map[string]string{"sha": "abc"},
			}
			if err := s.AddDeployment(ctx, d); err != nil {
				t.Fatalf("AddDeployment: %v", err)
			}
		}

		got, err := s.ListDeployments(ctx, p.ID, base, base.Add(90*time.Minute), 10)
		if err != nil {
			t.Fatalf("ListDeployments: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 in window, got %d", len(got))
		}
		if !got[0].Timestamp.After(got[1].Timestamp) {
			t.Error("deployments should be newest first")
		}
		if got[0].Metadata["sha"] != "abc" {
			t.Errorf("Metadata: got %+v", got[0].Metadata)
		}
	})

	// Report schedules
	t.Run("ScheduleRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		next := base.Add(24 * time.Hour)
		sc := &store.ReportSchedule{
			ID: newID(), ProjectID: p.ID, Name: "weekly health",
			Cadence: "weekly", Weekday: time.Monday, AtUTC: "08:00",
			Format: "csv", WindowDays: 7,
			Recipients: []string{"lead@example.com"},
			Status:     store.ScheduleActive,
			NextRunAt:  &next,
			CreatedAt:  base, UpdatedAt: base,
		}
		if err := s.CreateSchedule(ctx, sc); err != nil {
			t.Fatalf("CreateSchedule: %v", err)
		}

		got, err := s.GetSchedule(ctx, p.ID, sc.ID)
		if err != nil {
			t.Fatalf("GetSchedule: %v", err)
		}
		if got.Cadence != "weekly" || got.Weekday != time.Monday || got.AtUTC != "08:00" {
			t.Errorf("schedule fields: %+v", got)
		}
		if len(got.Recipients) != 1 || got.Recipients[0] != "lead@example.com" {
			t.Errorf("Recipients: %+v", got.Recipients)
		}
		if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
			t.Errorf("NextRunAt: expected %v, got %v", next, got.NextRunAt)
		}

		got.Status = store.SchedulePaused
		if err := s.UpdateSchedule(ctx, got); err != nil {
			t.Fatalf("UpdateSchedule: %v", err)
		}
		all, err := s.ListSchedules(ctx, p.ID)
		if err != nil {
			t.Fatalf("ListSchedules: %v", err)
		}
		if len(all) != 1 || all[0].Status != store.SchedulePaused {
			t.Errorf("expected 1 paused schedule, got %+v", all)
		}

		if err := s.DeleteSchedule(ctx, p.ID, sc.ID); err != nil {
			t.Fatalf("DeleteSchedule: %v", err)
		}
		if _, err := s.GetSchedule(ctx, p.ID, sc.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("schedule should be gone, got %v", err)
		}
	})

	t.Run("ClaimDueSchedules", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		mkSchedule := func(name string, status store.ScheduleStatus, next time.Time) *store.ReportSchedule {
			sc := &store.ReportSchedule{
				ID: newID(), ProjectID: p.ID, Name: name,
				Cadence: "daily", AtUTC: "08:00", Format: "json", WindowDays: 1,
				Status: status, NextRunAt: &next,
				CreatedAt: base, UpdatedAt: base,
			}
			if err := s.CreateSchedule(ctx, sc); err != nil {
				t.Fatalf("CreateSchedule %q: %v", name, err)
			}
			return sc
		}

		now := base
		stale := 10 * time.Minute
		due := mkSchedule("due", store.ScheduleActive, now.Add(-time.Minute))
		mkSchedule("future", store.ScheduleActive, now.Add(time.Hour))
		mkSchedule("paused", store.SchedulePaused, now.Add(-time.Minute))

		claimed, err := s.ClaimDueSchedules(ctx, now, stale, 10)
		if err != nil {
			t.Fatalf("ClaimDueSchedules: %v", err)
		}
		if len(claimed) != 1 || claimed[0].ID != due.ID {
			t.Fatalf("expected only %q claimed, got %+v", "due", claimed)
		}

		// A live claim blocks a second worker.
		again, err := s.ClaimDueSchedules(ctx, now.Add(time.Minute), stale, 10)
		if err != nil {
			t.Fatalf("second claim: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("expected no claims while claim is live, got %d", len(again))
		}

		// A stale claim is up for retry.
		retried, err := s.ClaimDueSchedules(ctx, now.Add(stale+time.Minute), stale, 10)
		if err != nil {
			t.Fatalf("stale reclaim: %v", err)
		}
		if len(retried) != 1 || retried[0].ID != due.ID {
			t.Errorf("expected stale claim retried, got %+v", retried)
		}

		// Finishing releases the claim and advances the schedule.
		ranAt := now.Add(stale + 2*time.Minute)
		nextRun := ranAt.Add(24 * time.Hour)
		if err := s.FinishSchedule(ctx, due.ID, ranAt, nextRun); err != nil {
			t.Fatalf("FinishSchedule: %v", err)
		}
		got, err := s.GetSchedule(ctx, p.ID, due.ID)
		if err != nil {
			t.Fatalf("GetSchedule: %v", err)
		}
		if got.LastRunAt == nil || !got.LastRunAt.Equal(ranAt) {
			t.Errorf("LastRunAt: expected %v, got %v", ranAt, got.LastRunAt)
		}
		if got.NextRunAt == nil || !got.NextRunAt.Equal(nextRun) {
			t.Errorf("NextRunAt: expected %v, got %v", nextRun, got.NextRunAt)
		}
		if got.LastClaimAt != nil {
			t.Errorf("LastClaimAt should clear on finish, got %v", got.LastClaimAt)
		}

		none, err := s.ClaimDueSchedules(ctx, ranAt.Add(time.Minute), stale, 10)
		if err != nil {
			t.Fatalf("claim after finish: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("schedule should not be due until %v, got %+v", nextRun, none)
		}
	})

	// Report runs
	t.Run("RunRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		scheduleID := newID()
		r := &store.ReportRun{
			ID: newID(), ProjectID: p.ID, ScheduleID: &scheduleID,
			Status: store.RunPending, Format: "json", StartedAt: base,
		}
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}

		got, err := s.GetRun(ctx, p.ID, r.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.ScheduleID == nil || *got.ScheduleID != scheduleID {
			t.Errorf("ScheduleID: expected %s, got %v", scheduleID, got.ScheduleID)
		}

		done := base.Add(time.Minute)
		got.Status = store.RunSuccess
		got.FilePath = "/var/lib/faultline/reports/r.json"
		got.FileSize = 2048
		got.Summary = map[string]any{"totalGroups": float64(7)}
		got.CompletedAt = &done
		if err := s.UpdateRun(ctx, got); err != nil {
			t.Fatalf("UpdateRun: %v", err)
		}

		after, err := s.GetRun(ctx, p.ID, r.ID)
		if err != nil {
			t.Fatalf("GetRun after update: %v", err)
		}
		if after.Status != store.RunSuccess || after.FileSize != 2048 {
			t.Errorf("update not applied: %+v", after)
		}
		if after.Summary["totalGroups"] != float64(7) {
			t.Errorf("Summary: got %+v", after.Summary)
		}
		if after.CompletedAt == nil || !after.CompletedAt.Equal(done) {
			t.Errorf("CompletedAt: expected %v, got %v", done, after.CompletedAt)
		}

		runs, err := s.ListRuns(ctx, p.ID, 10)
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(runs) != 1 {
			t.Errorf("expected 1 run, got %d", len(runs))
		}
	})

	t.Run("ShareTokens", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		r := &store.ReportRun{ID: newID(), ProjectID: p.ID, Status: store.RunSuccess, Format: "csv", StartedAt: base}
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}

		// No token yet: an empty hash never matches anything.
		if _, err := s.GetRunByShareToken(ctx, "", base); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("empty hash must not resolve, got %v", err)
		}

		expiry := base.Add(72 * time.Hour)
		if err := s.SetRunShareToken(ctx, p.ID, r.ID, "tok-hash", expiry); err != nil {
			t.Fatalf("SetRunShareToken: %v", err)
		}

		got, err := s.GetRunByShareToken(ctx, "tok-hash", base.Add(time.Hour))
		if err != nil {
			t.Fatalf("GetRunByShareToken: %v", err)
		}
		if got.ID != r.ID {
			t.Errorf("expected run %s, got %s", r.ID, got.ID)
		}

		if _, err := s.GetRunByShareToken(ctx, "wrong", base.Add(time.Hour)); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("wrong hash: expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetRunByShareToken(ctx, "tok-hash", expiry); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expired token: expected ErrNotFound, got %v", err)
		}
	})

	// Retention
	t.Run("RetentionDeletesInBatches", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		var g *store.ErrorGroup
		for i := range 5 {
			g, _ = appendOcc(t, s, store.Occurrence{
				ProjectID: p.ID, Fingerprint: "fp-a",
				Timestamp: base.Add(time.Duration(i) * time.Hour),
			}, "")
		}
		cutoff := base.Add(3 * time.Hour) // 3 occurrences strictly before

		n, err := s.DeleteOccurrencesBefore(ctx, p.ID, cutoff, 2)
		if err != nil {
			t.Fatalf("DeleteOccurrencesBefore: %v", err)
		}
		if n != 2 {
			t.Errorf("batch 1: expected 2 deleted, got %d", n)
		}
		n, err = s.DeleteOccurrencesBefore(ctx, p.ID, cutoff, 2)
		if err != nil {
			t.Fatalf("DeleteOccurrencesBefore 2: %v", err)
		}
		if n != 1 {
			t.Errorf("batch 2: expected 1 deleted, got %d", n)
		}

		_, total, err := s.ListOccurrences(ctx, p.ID, g.ID, 10)
		if err != nil {
			t.Fatalf("ListOccurrences: %v", err)
		}
		if total != 2 {
			t.Errorf("expected 2 occurrences left, got %d", total)
		}

		// Retention trims raw events; the group's lifetime count stands.
		after, err := s.GetGroup(ctx, p.ID, g.ID)
		if err != nil {
			t.Fatalf("GetGroup: %v", err)
		}
		if after.Count != 5 {
			t.Errorf("Count: expected 5 after retention, got %d", after.Count)
		}
	})

	t.Run("RetentionDeletesEmptyGroups", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		old, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-old", Timestamp: base.Add(-48 * time.Hour)}, "")
		fresh, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-new", Timestamp: base}, "")

		cutoff := base.Add(-time.Hour)
		if _, err := s.DeleteOccurrencesBefore(ctx, p.ID, cutoff, 100); err != nil {
			t.Fatalf("DeleteOccurrencesBefore: %v", err)
		}

		n, err := s.DeleteEmptyGroupsBefore(ctx, p.ID, cutoff)
		if err != nil {
			t.Fatalf("DeleteEmptyGroupsBefore: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 group deleted, got %d", n)
		}
		if _, err := s.GetGroup(ctx, p.ID, old.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("old empty group should be gone, got %v", err)
		}
		if _, err := s.GetGroup(ctx, p.ID, fresh.ID); err != nil {
			t.Errorf("fresh group should survive: %v", err)
		}
	})

	// Analytics
	t.Run("AnalyticsOverview", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a", Environment: "production", Timestamp: base}, store.SeverityError)
		appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a", Environment: "production", Timestamp: base.Add(time.Minute)}, store.SeverityError)
		g, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-b", Environment: "staging", Timestamp: base.Add(-48 * time.Hour)}, store.SeverityCritical)
		if _, err := s.UpdateGroupStatus(ctx, p.ID, g.ID, store.StatusResolved, base); err != nil {
			t.Fatalf("resolve: %v", err)
		}

		ov, err := s.Overview(ctx, p.ID, base.Add(-time.Hour), base.Add(time.Hour))
		if err != nil {
			t.Fatalf("Overview: %v", err)
		}
		if ov.TotalGroups != 2 {
			t.Errorf("TotalGroups: expected 2, got %d", ov.TotalGroups)
		}
		if ov.TotalOccurrences != 3 {
			t.Errorf("TotalOccurrences: expected 3, got %d", ov.TotalOccurrences)
		}
		if ov.WindowOccurrences != 2 {
			t.Errorf("WindowOccurrences: expected 2, got %d", ov.WindowOccurrences)
		}
		if ov.ByStatus["new"] != 1 || ov.ByStatus["resolved"] != 1 {
			t.Errorf("ByStatus: %+v", ov.ByStatus)
		}
		if ov.BySeverity[store.SeverityCritical] != 1 {
			t.Errorf("BySeverity: %+v", ov.BySeverity)
		}
		if ov.ByEnvironment["production"] != 1 || ov.ByEnvironment["staging"] != 1 {
			t.Errorf("ByEnvironment: %+v", ov.ByEnvironment)
		}
	})

	t.Run("AnalyticsTrend", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		for _, offset := range []time.Duration{0, 10 * time.Minute, 70 * time.Minute} {
			appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a", Timestamp: base.Add(offset)}, "")
		}

		points, err := s.Trend(ctx, p.ID, base, base.Add(3*time.Hour), time.Hour)
		if err != nil {
			t.Fatalf("Trend: %v", err)
		}
		if len(points) != 3 {
			t.Fatalf("expected 3 buckets, got %d", len(points))
		}
		if !points[0].Start.Equal(base) || !points[2].Start.Equal(base.Add(2*time.Hour)) {
			t.Errorf("bucket starts: %v ... %v", points[0].Start, points[2].Start)
		}
		if points[0].Count != 2 || points[1].Count != 1 || points[2].Count != 0 {
			t.Errorf("bucket counts: %d, %d, %d", points[0].Count, points[1].Count, points[2].Count)
		}
	})

	t.Run("AnalyticsTopGroups", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		for range 3 {
			appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-hot", Timestamp: base}, "")
		}
		appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-cold", Timestamp: base}, "")
		// Outside the window: irrelevant however hot.
		for range 5 {
			appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-past", Timestamp: base.Add(-24 * time.Hour)}, "")
		}

		top, err := s.TopGroups(ctx, p.ID, base.Add(-time.Hour), base.Add(time.Hour), 2)
		if err != nil {
			t.Fatalf("TopGroups: %v", err)
		}
		if len(top) != 2 {
			t.Fatalf("expected 2, got %d", len(top))
		}
		if top[0].Group.Fingerprint != "fp-hot" || top[0].WindowCount != 3 {
			t.Errorf("top[0]: %+v", top[0])
		}
		if top[1].Group.Fingerprint != "fp-cold" || top[1].WindowCount != 1 {
			t.Errorf("top[1]: %+v", top[1])
		}
	})

	t.Run("AnalyticsUserImpact", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		for _, user := range []string{"u-1", "u-1", "u-2"} {
			appendOcc(t, s, store.Occurrence{
				ProjectID: p.ID, Fingerprint: "fp-a", Timestamp: base,
				UserContext: &store.UserContext{ID: user},
			}, "")
		}
		// Anonymous occurrences never count as impacted users.
		appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-a", Timestamp: base}, "")

		impact, err := s.UserImpact(ctx, p.ID, base.Add(-time.Hour), base.Add(time.Hour), 5)
		if err != nil {
			t.Fatalf("UserImpact: %v", err)
		}
		if len(impact) != 1 {
			t.Fatalf("expected 1 row, got %d", len(impact))
		}
		if impact[0].ImpactedUsers != 2 {
			t.Errorf("ImpactedUsers: expected 2 distinct, got %d", impact[0].ImpactedUsers)
		}
	})

	t.Run("AnalyticsResolution", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		p := seedProject(t, s, "app")
		member := newID()

		fast, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-fast", Timestamp: base}, "")
		if _, err := s.SetGroupAssignment(ctx, p.ID, fast.ID, &member, base); err != nil {
			t.Fatalf("assign: %v", err)
		}
		if _, err := s.UpdateGroupStatus(ctx, p.ID, fast.ID, store.StatusResolved, base.Add(time.Hour)); err != nil {
			t.Fatalf("resolve fast: %v", err)
		}

		slow, _ := appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-slow", Timestamp: base}, "")
		if _, err := s.UpdateGroupStatus(ctx, p.ID, slow.ID, store.StatusResolved, base.Add(3*time.Hour)); err != nil {
			t.Fatalf("resolve slow: %v", err)
		}

		appendOcc(t, s, store.Occurrence{ProjectID: p.ID, Fingerprint: "fp-open", Timestamp: base}, "")

		rs, err := s.ResolutionStats(ctx, p.ID, base, base.Add(24*time.Hour))
		if err != nil {
			t.Fatalf("ResolutionStats: %v", err)
		}
		if rs.ResolvedCount != 2 {
			t.Errorf("ResolvedCount: expected 2, got %d", rs.ResolvedCount)
		}
		if rs.OpenCount != 1 {
			t.Errorf("OpenCount: expected 1, got %d", rs.OpenCount)
		}
		// (1h + 3h) / 2 = 2h.
		if want := (2 * time.Hour).Seconds(); rs.AvgResolutionSeconds != want {
			t.Errorf("AvgResolutionSeconds: expected %v, got %v", want, rs.AvgResolutionSeconds)
		}
		if rs.ByAssignee[member] != 1 {
			t.Errorf("ByAssignee: %+v", rs.ByAssignee)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(context.Background()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}
