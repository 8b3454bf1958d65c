package server

import (
	"net/http"
	"testing"

	"faultline/internal/store"
)

func createMember(t *testing.T, e *testEnv, name, email string) store.TeamMember {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/team/members", e.admin, map[string]any{
		"name":  name,
		"email": email,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create member: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var m store.TeamMember
	decodeBody(t, w, &m)
	return m
}

func TestMemberCRUD(t *testing.T) {
	e := newTestEnv(t)

	m := createMember(t, e, "Ada Chen", "ada@example.com")
	if !m.Active {
		t.Fatal("expected new members to default to active")
	}
	if m.Prefs.Email.Mode != "immediate" {
		t.Fatalf("expected immediate default mode, got %q", m.Prefs.Email.Mode)
	}

	w := e.do(t, http.MethodGet, "/api/team/members", e.viewer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Members []store.TeamMember `json:"members"`
	}
	decodeBody(t, w, &list)
	if len(list.Members) != 1 || list.Members[0].ID != m.ID {
		t.Fatalf("expected the created member, got %+v", list.Members)
	}

	path := "/api/team/members/" + m.ID.String()
	w = e.do(t, http.MethodPatch, path, e.admin, map[string]any{"role": "on-call", "active": false})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated store.TeamMember
	decodeBody(t, w, &updated)
	if updated.Role != "on-call" || updated.Active {
		t.Fatalf("patch not applied: %+v", updated)
	}
	if updated.Email != "ada@example.com" {
		t.Fatal("patch should not touch unlisted fields")
	}

	w = e.do(t, http.MethodDelete, path, e.admin, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w = e.do(t, http.MethodGet, path, e.viewer, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestMemberValidation(t *testing.T) {
	e := newTestEnv(t)

	quiet := func(start, end, tz string) map[string]any {
		return map[string]any{
			"email": map[string]any{
				"mode":       "immediate",
				"quietHours": map[string]any{"enabled": true, "start": start, "end": end, "timezone": tz},
			},
		}
	}

	tests := []struct {
		name  string
		body  map[string]any
		field string
	}{
		{
			name:  "missing email",
			body:  map[string]any{"name": "Ada Chen"},
			field: "email",
		},
		{
			name:  "malformed email",
			body:  map[string]any{"name": "Ada Chen", "email": "not-an-email"},
			field: "email",
		},
		{
			name:  "avatar color without hash",
			body:  map[string]any{"name": "Ada Chen", "email": "ada@example.com", "avatarColor": "ffffff"},
			field: "avatarColor",
		},
		{
			name: "unknown mode",
			body: map[string]any{
				"name": "Ada Chen", "email": "ada@example.com",
				"alertPreferences": map[string]any{"email": map[string]any{"mode": "carrier-pigeon"}},
			},
			field: "alertPreferences.email.mode",
		},
		{
			name: "quiet hours bad start",
			body: map[string]any{
				"name": "Ada Chen", "email": "ada@example.com",
				"alertPreferences": quiet("25:99", "08:00", "UTC"),
			},
			field: "alertPreferences.email.quietHours.start",
		},
		{
			name: "quiet hours unknown timezone",
			body: map[string]any{
				"name": "Ada Chen", "email": "ada@example.com",
				"alertPreferences": quiet("22:00", "08:00", "Mars/Olympus"),
			},
			field: "alertPreferences.email.quietHours.timezone",
		},
		{
			name: "digest bad cadence",
			body: map[string]any{
				"name": "Ada Chen", "email": "ada@example.com",
				"alertPreferences": map[string]any{
					"email": map[string]any{"mode": "digest", "digest": map[string]any{"cadence": "hourly"}},
				},
			},
			field: "alertPreferences.email.digest.cadence",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/team/members", e.admin, tc.body)
			if w.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
			}
			var body struct {
				Error struct {
					Details map[string]string `json:"details"`
				} `json:"error"`
			}
			decodeBody(t, w, &body)
			if _, ok := body.Error.Details[tc.field]; !ok {
				t.Fatalf("expected %q in details, got %v", tc.field, body.Error.Details)
			}
		})
	}
}

func TestUpdateMemberRevalidates(t *testing.T) {
	e := newTestEnv(t)
	m := createMember(t, e, "Ada Chen", "ada@example.com")
	path := "/api/team/members/" + m.ID.String()

	w := e.do(t, http.MethodPatch, path, e.admin, map[string]any{
		"alertPreferences": map[string]any{"email": map[string]any{"mode": "sms"}},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}

	// Digest mode with a daily cadence is a legal switch.
	w = e.do(t, http.MethodPatch, path, e.admin, map[string]any{
		"alertPreferences": map[string]any{
			"email": map[string]any{"mode": "digest", "digest": map[string]any{"cadence": "daily"}},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated store.TeamMember
	decodeBody(t, w, &updated)
	if updated.Prefs.Email.Mode != "digest" || updated.Prefs.Email.Digest.Cadence != "daily" {
		t.Fatalf("prefs not applied: %+v", updated.Prefs)
	}
}

func TestTeamPerformance(t *testing.T) {
	e := newTestEnv(t)

	ada := createMember(t, e, "Ada Chen", "ada@example.com")
	createMember(t, e, "Ben Ortiz", "ben@example.com")

	gid := seedGroup(t, e, "checkout timeout", "production")
	seedGroup(t, e, "cart is empty", "production")

	path := "/api/errors/" + gid.String()
	if w := e.do(t, http.MethodPatch, path+"/assignment", e.developer, map[string]any{"memberId": ada.ID}); w.Code != http.StatusOK {
		t.Fatalf("assign: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := e.do(t, http.MethodPatch, path, e.developer, map[string]any{"status": "resolved"}); w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w := e.do(t, http.MethodGet, "/api/team/performance", e.viewer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res struct {
		TotalResolved int64            `json:"totalResolved"`
		OpenCount     int64            `json:"openCount"`
		Members       []performanceRow `json:"members"`
	}
	decodeBody(t, w, &res)
	if res.TotalResolved != 1 {
		t.Fatalf("expected 1 resolved, got %d", res.TotalResolved)
	}
	if res.OpenCount != 1 {
		t.Fatalf("expected 1 still open, got %d", res.OpenCount)
	}
	if len(res.Members) != 2 {
		t.Fatalf("expected both members, got %+v", res.Members)
	}
	// Sorted by resolved count, so Ada leads.
	if res.Members[0].Member.ID != ada.ID || res.Members[0].Resolved != 1 {
		t.Fatalf("expected ada with 1 resolution first, got %+v", res.Members[0])
	}
	if res.Members[1].Resolved != 0 {
		t.Fatalf("expected ben with 0 resolutions, got %+v", res.Members[1])
	}

	if w := e.do(t, http.MethodGet, "/api/team/performance?range=6m", e.viewer, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad range, got %d", w.Code)
	}
}
