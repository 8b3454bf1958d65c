package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"faultline/internal/apierr"
	"faultline/internal/store"
)

// projectRow pairs a project with the caller's role in it.
type projectRow struct {
	store.Project
	Role store.Role `json:"role"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())

	rows := []projectRow{}
	for _, m := range u.Memberships {
		p, err := s.store.GetProject(r.Context(), m.ProjectID)
		if errors.Is(err, store.ErrNotFound) {
			// Stale membership after a project delete.
			continue
		}
		if err != nil {
			apierr.Write(w, storeErr(err))
			return
		}
		rows = append(rows, projectRow{Project: *p, Role: m.Role})
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": rows})
}

type projectRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

// handleCreateProject mints a project and grants the creator admin. The
// API key is in the response and nowhere else; only its hash survives.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	u := userFrom(r.Context())

	var req projectRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	if fields := validationFields(apiValidate.Struct(&req)); len(fields) > 0 {
		apierr.Write(w, apierr.Unprocessable("invalid project", fields))
		return
	}

	p, key, err := s.registry.CreateProject(r.Context(), req.Name)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	u.Memberships = append(u.Memberships, store.Membership{ProjectID: p.ID, Role: store.RoleAdmin})
	if err := s.store.UpdateUser(r.Context(), u); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"project": p,
		"role":    store.RoleAdmin,
		"apiKey":  key,
	})
}

func (s *Server) handleCurrentProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSON(w, http.StatusOK, projectRow{Project: *projectFrom(ctx), Role: roleFrom(ctx)})
}

type projectPatch struct {
	Name          *string            `json:"name"`
	Status        *string            `json:"status"`
	Scrub         *store.ScrubPolicy `json:"scrubbing"`
	RetentionDays *int               `json:"retentionDays"`
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	p, role, err := s.projectRole(r.Context(), id)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if !role.AtLeast(store.RoleAdmin) {
		apierr.Write(w, apierr.Forbidden("requires admin role"))
		return
	}

	var patch projectPatch
	if err := decodeJSON(r, &patch); err != nil {
		apierr.Write(w, err)
		return
	}

	fields := map[string]string{}
	if patch.Name != nil {
		if *patch.Name == "" || len(*patch.Name) > 200 {
			fields["name"] = "must be 1-200 characters"
		} else {
			p.Name = *patch.Name
		}
	}
	if patch.Status != nil {
		switch store.ProjectStatus(*patch.Status) {
		case store.ProjectActive, store.ProjectDisabled:
			p.Status = store.ProjectStatus(*patch.Status)
		default:
			fields["status"] = "must be active or disabled"
		}
	}
	if patch.Scrub != nil {
		p.Scrub = *patch.Scrub
	}
	if patch.RetentionDays != nil {
		if *patch.RetentionDays < 1 || *patch.RetentionDays > 365 {
			fields["retentionDays"] = "must be between 1 and 365"
		} else {
			p.RetentionDays = *patch.RetentionDays
		}
	}
	if len(fields) > 0 {
		apierr.Write(w, apierr.Unprocessable("invalid project", fields))
		return
	}

	if err := s.registry.UpdateProject(r.Context(), p); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleRotateKey replaces the ingest credential. The old key stops
// authenticating as soon as the registry cache drops it.
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	_, role, err := s.projectRole(r.Context(), id)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if !role.AtLeast(store.RoleAdmin) {
		apierr.Write(w, apierr.Forbidden("requires admin role"))
		return
	}

	p, key, err := s.registry.RotateKey(r.Context(), id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p, "apiKey": key})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	_, role, err := s.projectRole(r.Context(), id)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if !role.AtLeast(store.RoleAdmin) {
		apierr.Write(w, apierr.Forbidden("requires admin role"))
		return
	}

	if err := s.registry.DeleteProject(r.Context(), id); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	now := time.Now().UTC()
	v := r.URL.Query()

	fromP, err := timeParam(v, "from")
	if err != nil {
		apierr.Write(w, err)
		return
	}
	toP, err := timeParam(v, "to")
	if err != nil {
		apierr.Write(w, err)
		return
	}
	limit, err := intParam(v, "limit")
	if err != nil {
		apierr.Write(w, err)
		return
	}

	from, to := now.Add(-30*24*time.Hour), now
	if fromP != nil {
		from = *fromP
	}
	if toP != nil {
		to = *toP
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	deps, err := s.store.ListDeployments(r.Context(), p.ID, from, to, limit)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	if deps == nil {
		deps = []store.Deployment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deps})
}

type deploymentRequest struct {
	Label     string            `json:"label" validate:"required,max=200"`
	Timestamp *time.Time        `json:"timestamp"`
	Metadata  map[string]string `json:"metadata" validate:"max=20"`
}

func (s *Server) handleAddDeployment(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	var req deploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	if fields := validationFields(apiValidate.Struct(&req)); len(fields) > 0 {
		apierr.Write(w, apierr.Unprocessable("invalid deployment", fields))
		return
	}

	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	d := &store.Deployment{
		ID:        uuid.Must(uuid.NewV7()),
		ProjectID: p.ID,
		Label:     req.Label,
		Timestamp: ts,
		Metadata:  req.Metadata,
	}
	if err := s.store.AddDeployment(r.Context(), d); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusCreated, d)
}
