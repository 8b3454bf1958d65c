package store

import "testing"

func TestGroupStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to GroupStatus }{
		{StatusNew, StatusOpen},
		{StatusNew, StatusInvestigating},
		{StatusNew, StatusResolved},
		{StatusNew, StatusIgnored},
		{StatusOpen, StatusInvestigating},
		{StatusOpen, StatusResolved},
		{StatusOpen, StatusIgnored},
		{StatusInvestigating, StatusResolved},
		{StatusInvestigating, StatusIgnored},
		{StatusResolved, StatusOpen},
		{StatusIgnored, StatusOpen},
	}
	for _, tr := range allowed {
		if !tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to GroupStatus }{
		{StatusOpen, StatusNew},
		{StatusInvestigating, StatusOpen},
		{StatusResolved, StatusInvestigating},
		{StatusResolved, StatusResolved},
		{StatusIgnored, StatusIgnored},
		{StatusIgnored, StatusResolved},
		{StatusResolved, StatusIgnored},
		{StatusNew, StatusNew},
	}
	for _, tr := range denied {
		if tr.from.CanTransitionTo(tr.to) {
			t.Errorf("%s -> %s should be denied", tr.from, tr.to)
		}
	}
}

func TestRoleAtLeast(t *testing.T) {
	if !RoleAdmin.AtLeast(RoleViewer) || !RoleAdmin.AtLeast(RoleDeveloper) || !RoleAdmin.AtLeast(RoleAdmin) {
		t.Error("admin should satisfy every role")
	}
	if !RoleDeveloper.AtLeast(RoleViewer) {
		t.Error("developer should satisfy viewer")
	}
	if RoleDeveloper.AtLeast(RoleAdmin) {
		t.Error("developer should not satisfy admin")
	}
	if RoleViewer.AtLeast(RoleDeveloper) {
		t.Error("viewer should not satisfy developer")
	}
	if Role("").AtLeast(RoleViewer) {
		t.Error("non-member should satisfy nothing")
	}
	if Role("").Valid() || Role("root").Valid() {
		t.Error("unknown roles should be invalid")
	}
}

func TestNormalizeSeverity(t *testing.T) {
	cases := map[string]string{
		"debug":     "debug",
		"trace":     "debug",
		"info":      "info",
		"log":       "info",
		"warn":      "warning",
		"warning":   "warning",
		"error":     "error",
		"exception": "error",
		"fatal":     "critical",
		"panic":     "critical",
		"critical":  "critical",
		"":          "error",
		"banana":    "error",
	}
	for in, want := range cases {
		if got := NormalizeSeverity(in); got != want {
			t.Errorf("NormalizeSeverity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGroupQueryNormalize(t *testing.T) {
	q := GroupQuery{}.Normalize()
	if q.Page != 1 || q.Limit != 20 || q.SortBy != "lastSeen" || q.SortOrder != "desc" {
		t.Errorf("defaults not applied: %+v", q)
	}

	q = GroupQuery{Page: 3, Limit: 500, SortBy: "count", SortOrder: "asc"}.Normalize()
	if q.Limit != 100 {
		t.Errorf("limit not clamped: %d", q.Limit)
	}
	if q.Offset() != 200 {
		t.Errorf("offset = %d, want 200", q.Offset())
	}
	if q.SortBy != "count" || q.SortOrder != "asc" {
		t.Errorf("valid sort overwritten: %+v", q)
	}
}
