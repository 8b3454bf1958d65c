package server

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"faultline/internal/apierr"
	"faultline/internal/report"
	"faultline/internal/store"
)

// maxShareTTLHours caps share links at 30 days.
const maxShareTTLHours = 720

type generateRequest struct {
	Format     string `json:"format" validate:"omitempty,oneof=json csv pdf xlsx"`
	WindowDays int    `json:"windowDays" validate:"min=0,max=365"`
}

// handleGenerateReport runs an on-demand report. A run that fails still
// answers 201 with its row; the status and error fields tell the story.
func (s *Server) handleGenerateReport(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	var req generateRequest
	if err := decodeJSONOptional(r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	if fields := validationFields(apiValidate.Struct(&req)); len(fields) > 0 {
		apierr.Write(w, apierr.Unprocessable("invalid report request", fields))
		return
	}

	run, err := s.reports.Generate(r.Context(), p.ID, nil, req.Format, req.WindowDays)
	if run == nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	runs, err := s.store.ListRuns(r.Context(), p.ID, 50)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	if runs == nil {
		runs = []store.ReportRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	run, err := s.store.GetRun(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func artifactContentType(format string) string {
	switch format {
	case "csv":
		return "text/csv; charset=utf-8"
	default:
		// pdf and xlsx runs carry a JSON artifact for external rendering.
		return "application/json; charset=utf-8"
	}
}

func (s *Server) handleDownloadRun(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	run, err := s.store.GetRun(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	if run.Status != store.RunSuccess || run.FilePath == "" {
		apierr.Write(w, apierr.NotFound("artifact not available"))
		return
	}
	f, err := os.Open(run.FilePath)
	if err != nil {
		apierr.Write(w, apierr.NotFound("artifact not available"))
		return
	}
	defer f.Close()

	ext := "json"
	if run.Format == "csv" {
		ext = "csv"
	}
	w.Header().Set("Content-Type", artifactContentType(run.Format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("faultline-report-%s.%s", run.ID, ext)))
	http.ServeContent(w, r, "", run.StartedAt, f)
}

type shareRequest struct {
	TTLHours int `json:"ttlHours"`
}

func (s *Server) handleShareRun(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	var req shareRequest
	if err := decodeJSONOptional(r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	if req.TTLHours < 0 || req.TTLHours > maxShareTTLHours {
		apierr.Write(w, apierr.Unprocessable("invalid share request", map[string]string{
			"ttlHours": fmt.Sprintf("must be between 0 and %d", maxShareTTLHours),
		}))
		return
	}
	ttl := report.DefaultShareTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}

	token, expires, err := s.reports.NewShareToken(r.Context(), p.ID, id, ttl)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	resp := map[string]any{"token": token, "expiresAt": expires}
	if s.baseURL != "" {
		resp["url"] = s.baseURL + "/api/reports/share/" + token
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleSharedReport is the only unauthenticated dashboard read. The
// token is the whole credential, so every failure collapses into the
// same 404.
func (s *Server) handleSharedReport(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	run, err := s.reports.RunByShareToken(r.Context(), token)
	if err != nil {
		apierr.Write(w, apierr.NotFound("not found"))
		return
	}

	if run.FilePath != "" {
		if f, err := os.Open(run.FilePath); err == nil {
			defer f.Close()
			w.Header().Set("Content-Type", artifactContentType(run.Format))
			http.ServeContent(w, r, "", run.StartedAt, f)
			return
		}
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	scheds, err := s.store.ListSchedules(r.Context(), p.ID)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	if scheds == nil {
		scheds = []store.ReportSchedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": scheds})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	sched, err := s.store.GetSchedule(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

type scheduleRequest struct {
	Name       string   `json:"name" validate:"required,max=200"`
	Cadence    string   `json:"cadence" validate:"required,oneof=daily weekly monthly"`
	Weekday    *int     `json:"weekday" validate:"omitempty,min=0,max=6"`
	DayOfMonth int      `json:"dayOfMonth" validate:"min=0,max=31"`
	AtUTC      string   `json:"atUTC"`
	Format     string   `json:"format" validate:"omitempty,oneof=json csv pdf xlsx"`
	WindowDays int      `json:"windowDays" validate:"min=0,max=365"`
	Recipients []string `json:"recipients" validate:"max=20,dive,email"`
	Status     string   `json:"status" validate:"omitempty,oneof=active paused"`
}

// defaultWindow picks the reporting window matching the cadence.
func defaultWindow(cadence string) int {
	switch cadence {
	case "daily":
		return 1
	case "monthly":
		return 30
	default:
		return 7
	}
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err)
		return
	}
	if fields := validationFields(apiValidate.Struct(&req)); len(fields) > 0 {
		apierr.Write(w, apierr.Unprocessable("invalid schedule", fields))
		return
	}

	now := time.Now().UTC()
	sched := &store.ReportSchedule{
		ID:         uuid.Must(uuid.NewV7()),
		ProjectID:  p.ID,
		Name:       req.Name,
		Cadence:    req.Cadence,
		Weekday:    time.Monday,
		DayOfMonth: 1,
		AtUTC:      "08:00",
		Format:     "json",
		WindowDays: req.WindowDays,
		Recipients: req.Recipients,
		Status:     store.ScheduleActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Weekday != nil {
		sched.Weekday = time.Weekday(*req.Weekday)
	}
	if req.DayOfMonth > 0 {
		sched.DayOfMonth = req.DayOfMonth
	}
	if req.AtUTC != "" {
		sched.AtUTC = req.AtUTC
	}
	if req.Format != "" {
		sched.Format = req.Format
	}
	if sched.WindowDays <= 0 {
		sched.WindowDays = defaultWindow(sched.Cadence)
	}
	if req.Status != "" {
		sched.Status = store.ScheduleStatus(req.Status)
	}

	next, err := report.NextRun(sched, now)
	if err != nil {
		apierr.Write(w, apierr.Unprocessable("invalid schedule", map[string]string{"atUTC": "must be HH:MM"}))
		return
	}
	sched.NextRunAt = &next

	if err := s.store.CreateSchedule(r.Context(), sched); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

type schedulePatch struct {
	Name       *string   `json:"name"`
	Cadence    *string   `json:"cadence"`
	Weekday    *int      `json:"weekday"`
	DayOfMonth *int      `json:"dayOfMonth"`
	AtUTC      *string   `json:"atUTC"`
	Format     *string   `json:"format"`
	WindowDays *int      `json:"windowDays"`
	Recipients *[]string `json:"recipients"`
	Status     *string   `json:"status"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	var patch schedulePatch
	if err := decodeJSON(r, &patch); err != nil {
		apierr.Write(w, err)
		return
	}

	sched, err := s.store.GetSchedule(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	if patch.Name != nil {
		sched.Name = *patch.Name
	}
	if patch.Cadence != nil {
		sched.Cadence = *patch.Cadence
	}
	if patch.Weekday != nil {
		sched.Weekday = time.Weekday(*patch.Weekday)
	}
	if patch.DayOfMonth != nil {
		sched.DayOfMonth = *patch.DayOfMonth
	}
	if patch.AtUTC != nil {
		sched.AtUTC = *patch.AtUTC
	}
	if patch.Format != nil {
		sched.Format = *patch.Format
	}
	if patch.WindowDays != nil {
		sched.WindowDays = *patch.WindowDays
	}
	if patch.Recipients != nil {
		sched.Recipients = *patch.Recipients
	}
	if patch.Status != nil {
		sched.Status = store.ScheduleStatus(*patch.Status)
	}

	// Re-validate the merged state, not just the patch.
	wd := int(sched.Weekday)
	merged := scheduleRequest{
		Name:       sched.Name,
		Cadence:    sched.Cadence,
		Weekday:    &wd,
		DayOfMonth: sched.DayOfMonth,
		AtUTC:      sched.AtUTC,
		Format:     sched.Format,
		WindowDays: sched.WindowDays,
		Recipients: sched.Recipients,
		Status:     string(sched.Status),
	}
	if fields := validationFields(apiValidate.Struct(&merged)); len(fields) > 0 {
		apierr.Write(w, apierr.Unprocessable("invalid schedule", fields))
		return
	}

	now := time.Now().UTC()
	next, err := report.NextRun(sched, now)
	if err != nil {
		apierr.Write(w, apierr.Unprocessable("invalid schedule", map[string]string{"atUTC": "must be HH:MM"}))
		return
	}
	sched.NextRunAt = &next
	sched.UpdatedAt = now

	if err := s.store.UpdateSchedule(r.Context(), sched); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	if err := s.store.DeleteSchedule(r.Context(), p.ID, id); err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunSchedule triggers one schedule out of band. The cadence state
// is untouched; the next timed run still happens.
func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	id, err := pathID(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	sched, err := s.store.GetSchedule(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	run, err := s.reports.Generate(r.Context(), p.ID, &sched.ID, sched.Format, sched.WindowDays)
	if run == nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusCreated, run)
}
