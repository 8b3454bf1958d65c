package server

import (
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"faultline/internal/apierr"
	"faultline/internal/store"
)

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	members, err := s.store.ListMembers(r.Context(), p.ID)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	if members == nil {
		members = []store.TeamMember{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	m, err := s.store.GetMember(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// memberRequest is the create payload. Role here is a display label
// (on-call, lead), not the dashboard RBAC role.
type memberRequest struct {
	Name        string                  `json:"name" validate:"required,max=200"`
	Email       string                  `json:"email" validate:"required,email,max=320"`
	Role        string                  `json:"role" validate:"max=40"`
	AvatarColor string                  `json:"avatarColor" validate:"omitempty,hexcolor"`
	Active      *bool                   `json:"active"`
	Prefs       *store.AlertPreferences `json:"alertPreferences"`
}

func checkPrefs(prefs *store.AlertPreferences, fields map[string]string) {
	if prefs == nil {
		return
	}
	email := prefs.Email
	switch email.Mode {
	case "", "immediate", "digest":
	default:
		fields["alertPreferences.email.mode"] = "must be immediate or digest"
	}
	if qh := email.QuietHours; qh.Enabled {
		if _, err := time.Parse("15:04", qh.Start); err != nil {
			fields["alertPreferences.email.quietHours.start"] = "must be HH:MM"
		}
		if _, err := time.Parse("15:04", qh.End); err != nil {
			fields["alertPreferences.email.quietHours.end"] = "must be HH:MM"
		}
		if qh.Timezone != "" {
			if _, err := time.LoadLocation(qh.Timezone); err != nil {
				fields["alertPreferences.email.quietHours.timezone"] = "unknown timezone"
			}
		}
	}
	switch email.Digest.Cadence {
	case "", "daily", "weekly":
	default:
		fields["alertPreferences.email.digest.cadence"] = "must be daily or weekly"
	}
}

func (s *Server) handleCreateMember(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	fields := validationFields(apiValidate.Struct(&req))
	checkPrefs(req.Prefs, fields)
	if len(fields) > 0 {
		apierr.Write(w, apierr.Unprocessable("invalid member", fields))
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	prefs := store.AlertPreferences{Email: store.EmailPreference{Mode: "immediate"}}
	if req.Prefs != nil {
		prefs = *req.Prefs
		if prefs.Email.Mode == "" {
			prefs.Email.Mode = "immediate"
		}
	}

	now := time.Now().UTC()
	m := &store.TeamMember{
		ID:          uuid.Must(uuid.NewV7()),
		ProjectID:   p.ID,
		Name:        req.Name,
		Email:       req.Email,
		Role:        req.Role,
		Active:      active,
		AvatarColor: req.AvatarColor,
		Prefs:       prefs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateMember(r.Context(), m); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// memberPatch carries partial updates; nil fields keep their value.
type memberPatch struct {
	Name        *string                 `json:"name"`
	Email       *string                 `json:"email"`
	Role        *string                 `json:"role"`
	AvatarColor *string                 `json:"avatarColor"`
	Active      *bool                   `json:"active"`
	Prefs       *store.AlertPreferences `json:"alertPreferences"`
}

func (s *Server) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	var patch memberPatch
	if err := decodeJSON(r, &patch); err != nil {
		apierr.Write(w, err)
		return
	}

	m, err := s.store.GetMember(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	if patch.Name != nil {
		m.Name = *patch.Name
	}
	if patch.Email != nil {
		m.Email = *patch.Email
	}
	if patch.Role != nil {
		m.Role = *patch.Role
	}
	if patch.AvatarColor != nil {
		m.AvatarColor = *patch.AvatarColor
	}
	if patch.Active != nil {
		m.Active = *patch.Active
	}
	if patch.Prefs != nil {
		m.Prefs = *patch.Prefs
	}

	merged := memberRequest{
		Name:        m.Name,
		Email:       m.Email,
		Role:        m.Role,
		AvatarColor: m.AvatarColor,
		Prefs:       &m.Prefs,
	}
	fields := validationFields(apiValidate.Struct(&merged))
	checkPrefs(merged.Prefs, fields)
	if len(fields) > 0 {
		apierr.Write(w, apierr.Unprocessable("invalid member", fields))
		return
	}

	m.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateMember(r.Context(), m); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMember(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	if err := s.store.DeleteMember(r.Context(), p.ID, id); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// performanceRow is one member's triage throughput in the window.
type performanceRow struct {
	Member   store.TeamMember `json:"member"`
	Resolved int64            `json:"resolved"`
}

// handleTeamPerformance joins resolution stats with the member roster.
func (s *Server) handleTeamPerformance(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	from, to, err := rangeWindow(r, time.Now().UTC())
	if err != nil {
		apierr.Write(w, err)
		return
	}

	stats, err := s.store.ResolutionStats(r.Context(), p.ID, from, to)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	members, err := s.store.ListMembers(r.Context(), p.ID)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	rows := make([]performanceRow, len(members))
	for i, m := range members {
		rows[i] = performanceRow{Member: m, Resolved: stats.ByAssignee[m.ID]}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Resolved > rows[j].Resolved })

	writeJSON(w, http.StatusOK, map[string]any{
		"from":                 from,
		"to":                   to,
		"totalResolved":        stats.ResolvedCount,
		"openCount":            stats.OpenCount,
		"avgResolutionSeconds": stats.AvgResolutionSeconds,
		"members":              rows,
	})
}
