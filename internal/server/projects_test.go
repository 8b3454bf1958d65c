package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"faultline/internal/auth"
	"faultline/internal/scrub"
	"faultline/internal/store"
)

func TestCreateProject(t *testing.T) {
	e := newTestEnv(t)

	// Any authenticated user can create a project; they come out admin
	// of the new one regardless of their role elsewhere.
	w := e.do(t, http.MethodPost, "/api/projects", e.viewer, map[string]any{"name": "billing"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Project store.Project `json:"project"`
		Role    store.Role    `json:"role"`
		APIKey  string        `json:"apiKey"`
	}
	decodeBody(t, w, &created)
	if created.Role != store.RoleAdmin {
		t.Fatalf("expected admin grant, got %s", created.Role)
	}
	if !auth.ValidKeyShape(created.APIKey) {
		t.Fatalf("malformed api key %q", created.APIKey)
	}
	if created.Project.APIKeyPreview == "" {
		t.Fatal("expected a key preview on the project")
	}

	w = e.do(t, http.MethodGet, "/api/projects", e.viewer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Projects []projectRow `json:"projects"`
	}
	decodeBody(t, w, &list)
	if len(list.Projects) != 2 {
		t.Fatalf("expected 2 memberships, got %+v", list.Projects)
	}
	roles := map[string]store.Role{}
	for _, row := range list.Projects {
		roles[row.Name] = row.Role
	}
	if roles["checkout"] != store.RoleViewer || roles["billing"] != store.RoleAdmin {
		t.Fatalf("unexpected roles %v", roles)
	}

	w = e.do(t, http.MethodPost, "/api/projects", e.viewer, map[string]any{})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a nameless project, got %d", w.Code)
	}
}

func TestCurrentProject(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/projects/current", e.developer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var row projectRow
	decodeBody(t, w, &row)
	if row.ID != e.project.ID || row.Role != store.RoleDeveloper {
		t.Fatalf("unexpected current project %+v", row)
	}
}

func TestUpdateProjectSettings(t *testing.T) {
	e := newTestEnv(t)
	path := "/api/projects/" + e.project.ID.String()

	w := e.do(t, http.MethodPatch, path, e.admin, map[string]any{"name": "checkout-v2", "retentionDays": 30})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var p store.Project
	decodeBody(t, w, &p)
	if p.Name != "checkout-v2" || p.RetentionDays != 30 {
		t.Fatalf("patch not applied: %+v", p)
	}

	w = e.do(t, http.MethodPatch, path, e.admin, map[string]any{"retentionDays": 0})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}

	w = e.do(t, http.MethodPatch, path, e.developer, map[string]any{"name": "nope"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a developer, got %d", w.Code)
	}
}

func TestProjectDisableStopsIngest(t *testing.T) {
	e := newTestEnv(t)
	path := "/api/projects/" + e.project.ID.String()

	if w := e.do(t, http.MethodPatch, path, e.admin, map[string]any{"status": "disabled"}); w.Code != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d", w.Code)
	}
	if w := e.ingest(t, event("checkout timeout", "production")); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 while disabled, got %d", w.Code)
	}

	if w := e.do(t, http.MethodPatch, path, e.admin, map[string]any{"status": "active"}); w.Code != http.StatusOK {
		t.Fatalf("enable: expected 200, got %d", w.Code)
	}
	if w := e.ingest(t, event("checkout timeout", "production")); w.Code != http.StatusCreated {
		t.Fatalf("expected 201 after re-enable, got %d", w.Code)
	}
}

func TestScrubPolicyApplies(t *testing.T) {
	e := newTestEnv(t)
	path := "/api/projects/" + e.project.ID.String()

	w := e.do(t, http.MethodPatch, path, e.admin, map[string]any{
		"scrubbing": map[string]any{"removeEmails": true},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	gid := seedGroup(t, e, "login failed for ada@example.com", "production")
	w = e.do(t, http.MethodGet, "/api/errors/"+gid.String(), e.viewer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var g store.ErrorGroup
	decodeBody(t, w, &g)
	if strings.Contains(g.Message, "ada@example.com") {
		t.Fatalf("email survived scrubbing: %q", g.Message)
	}
	if !strings.Contains(g.Message, scrub.RedactedEmail) {
		t.Fatalf("expected a redaction marker, got %q", g.Message)
	}
}

func TestRotateKey(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/projects/"+e.project.ID.String()+"/rotate-key", e.admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var rotated struct {
		Project store.Project `json:"project"`
		APIKey  string        `json:"apiKey"`
	}
	decodeBody(t, w, &rotated)
	if rotated.APIKey == e.apiKey {
		t.Fatal("rotation returned the old key")
	}

	// The old key dies with the cache entry.
	if w := e.ingest(t, event("checkout timeout", "production")); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with the old key, got %d", w.Code)
	}
	e.apiKey = rotated.APIKey
	if w := e.ingest(t, event("checkout timeout", "production")); w.Code != http.StatusCreated {
		t.Fatalf("expected 201 with the new key, got %d", w.Code)
	}
}

func TestDeleteProject(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodDelete, "/api/projects/"+e.project.ID.String(), e.admin, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}

	if w := e.do(t, http.MethodGet, "/api/errors", e.admin, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on a deleted project scope, got %d", w.Code)
	}
	if w := e.ingest(t, event("checkout timeout", "production")); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for the deleted project's key, got %d", w.Code)
	}
}

func TestDeployments(t *testing.T) {
	e := newTestEnv(t)

	shipped := time.Date(2026, 2, 10, 14, 30, 0, 0, time.UTC)
	w := e.do(t, http.MethodPost, "/api/deployments", e.developer, map[string]any{
		"label":     "v1.2.3",
		"timestamp": shipped,
		"metadata":  map[string]string{"sha": "abc123"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var d store.Deployment
	decodeBody(t, w, &d)
	if d.Label != "v1.2.3" || !d.Timestamp.Equal(shipped) {
		t.Fatalf("deployment not recorded: %+v", d)
	}

	if w := e.do(t, http.MethodPost, "/api/deployments", e.viewer, map[string]any{"label": "v2"}); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a viewer, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/deployments", e.developer, map[string]any{}); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without a label, got %d", w.Code)
	}

	w = e.do(t, http.MethodGet, "/api/deployments?from=2026-02-01&to=2026-03-01", e.viewer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Deployments []store.Deployment `json:"deployments"`
	}
	decodeBody(t, w, &list)
	if len(list.Deployments) != 1 || list.Deployments[0].ID != d.ID {
		t.Fatalf("expected the deployment, got %+v", list.Deployments)
	}

	if w := e.do(t, http.MethodGet, "/api/deployments?from=yesterday", e.viewer, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad date, got %d", w.Code)
	}
}
