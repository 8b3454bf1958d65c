package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"faultline/internal/apierr"
	"faultline/internal/store"
)

// maxRecentOccurrences bounds the detail view; the total count rides along
// so the dashboard can show "50 of 1204".
const maxRecentOccurrences = 50

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	q, err := groupQuery(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	groups, total, err := s.store.ListGroups(r.Context(), p.ID, q)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	if groups == nil {
		groups = []store.ErrorGroup{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"errors": groups,
		"total":  total,
		"page":   q.Page,
		"limit":  q.Limit,
	})
}

func groupQuery(r *http.Request) (store.GroupQuery, error) {
	v := r.URL.Query()
	q := store.GroupQuery{
		Environment: v.Get("environment"),
		SourceFile:  v.Get("sourceFile"),
		Search:      v.Get("search"),
		SortBy:      v.Get("sortBy"),
		SortOrder:   v.Get("sortOrder"),
	}

	var err error
	if q.Page, err = intParam(v, "page"); err != nil {
		return q, err
	}
	if q.Limit, err = intParam(v, "limit"); err != nil {
		return q, err
	}
	if raw := v.Get("status"); raw != "" {
		status := store.GroupStatus(raw)
		if !status.Valid() {
			return q, apierr.BadRequest(fmt.Sprintf("unknown status %q", raw))
		}
		q.Status = status
	}
	if q.StartDate, err = timeParam(v, "startDate"); err != nil {
		return q, err
	}
	if q.EndDate, err = timeParam(v, "endDate"); err != nil {
		return q, err
	}
	return q.Normalize(), nil
}

// groupDetail flattens the group with its recent occurrences.
type groupDetail struct {
	store.ErrorGroup
	Occurrences      []store.Occurrence `json:"occurrences"`
	OccurrencesTotal int64              `json:"occurrencesTotal"`
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	group, err := s.store.GetGroup(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	occs, total, err := s.store.ListOccurrences(r.Context(), p.ID, id, maxRecentOccurrences)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	if occs == nil {
		occs = []store.Occurrence{}
	}

	writeJSON(w, http.StatusOK, groupDetail{
		ErrorGroup:       *group,
		Occurrences:      occs,
		OccurrencesTotal: total,
	})
}

func (s *Server) handleGroupStatus(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		apierr.Write(w, err)
		return
	}
	status := store.GroupStatus(body.Status)
	if !status.Valid() {
		apierr.Write(w, apierr.Unprocessable("invalid payload", map[string]string{
			"status": "must be one of new, open, investigating, resolved, ignored",
		}))
		return
	}

	group, err := s.store.UpdateGroupStatus(r.Context(), p.ID, id, status, time.Now().UTC())
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleGroupAssignment(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	// memberId: null unassigns.
	var body struct {
		MemberID *uuid.UUID `json:"memberId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		apierr.Write(w, err)
		return
	}

	if body.MemberID != nil {
		if _, err := s.store.GetMember(r.Context(), p.ID, *body.MemberID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				apierr.Write(w, apierr.Unprocessable("invalid payload", map[string]string{
					"memberId": "unknown team member",
				}))
				return
			}
			apierr.Write(w, storeErr(err))
			return
		}
	}

	group, err := s.store.SetGroupAssignment(r.Context(), p.ID, id, body.MemberID, time.Now().UTC())
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	if err := s.store.DeleteGroup(r.Context(), p.ID, id); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
