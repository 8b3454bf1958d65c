package server

import (
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"faultline/internal/apierr"
	"faultline/internal/store"
)

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	from, to, err := rangeWindow(r, time.Now().UTC())
	if err != nil {
		apierr.Write(w, err)
		return
	}

	ov, err := s.store.Overview(r.Context(), p.ID, from, to)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	from, to, err := rangeWindow(r, time.Now().UTC())
	if err != nil {
		apierr.Write(w, err)
		return
	}

	// Hour buckets up to two days, day buckets beyond; ?bucket= overrides.
	bucket := 24 * time.Hour
	if to.Sub(from) <= 48*time.Hour {
		bucket = time.Hour
	}
	switch v := r.URL.Query().Get("bucket"); v {
	case "":
	case "hour":
		bucket = time.Hour
	case "day":
		bucket = 24 * time.Hour
	default:
		apierr.Write(w, apierr.BadRequest("bucket must be hour or day"))
		return
	}

	points, err := s.store.Trend(r.Context(), p.ID, from, to, bucket)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	if points == nil {
		points = []store.TrendPoint{}
	}

	name := "day"
	if bucket == time.Hour {
		name = "hour"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bucket": name,
		"points": points,
	})
}

func (s *Server) handleTopErrors(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	from, to, err := rangeWindow(r, time.Now().UTC())
	if err != nil {
		apierr.Write(w, err)
		return
	}
	limit, err := intParam(r.URL.Query(), "limit")
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}

	top, err := s.store.TopGroups(r.Context(), p.ID, from, to, limit)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	if top == nil {
		top = []store.GroupCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": top})
}

// fileCount pairs a source file with its weighted occurrence volume.
type fileCount struct {
	File  string `json:"file"`
	Count int64  `json:"count"`
}

// handlePatterns derives recurrence patterns from the trend and the top
// groups: volume by hour of day and weekday, the source files that keep
// appearing, and the environment split. All times are UTC.
func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	from, to, err := rangeWindow(r, time.Now().UTC())
	if err != nil {
		apierr.Write(w, err)
		return
	}

	points, err := s.store.Trend(r.Context(), p.ID, from, to, time.Hour)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	var byHour [24]int64
	var byWeekday [7]int64
	for _, pt := range points {
		start := pt.Start.UTC()
		byHour[start.Hour()] += pt.Count
		byWeekday[int(start.Weekday())] += pt.Count
	}

	top, err := s.store.TopGroups(r.Context(), p.ID, from, to, 100)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	files := make(map[string]int64)
	envs := make(map[string]int64)
	for _, gc := range top {
		envs[gc.Group.Environment] += gc.WindowCount
		for _, f := range gc.Group.StackTrace {
			if f.File != "" {
				files[f.File] += gc.WindowCount
			}
		}
	}

	topFiles := make([]fileCount, 0, len(files))
	for f, n := range files {
		topFiles = append(topFiles, fileCount{File: f, Count: n})
	}
	sort.Slice(topFiles, func(i, j int) bool {
		if topFiles[i].Count != topFiles[j].Count {
			return topFiles[i].Count > topFiles[j].Count
		}
		return topFiles[i].File < topFiles[j].File
	})
	if len(topFiles) > 10 {
		topFiles = topFiles[:10]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"byHour":        byHour[:],
		"byWeekday":     byWeekday[:],
		"topFiles":      topFiles,
		"byEnvironment": envs,
	})
}

// relatedGroup is one related-error row: the group plus what ties it to
// the queried one.
type relatedGroup struct {
	Error       store.ErrorGroup `json:"error"`
	SharedFiles []string         `json:"sharedFiles,omitempty"`
	SameEnv     bool             `json:"sameEnvironment"`
}

// handleRelatedErrors finds groups likely connected to one group: shared
// stack files first, then same-environment groups seen close in time.
func (s *Server) handleRelatedErrors(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	raw := r.URL.Query().Get("errorId")
	if raw == "" {
		apierr.Write(w, apierr.BadRequest("errorId query parameter is required"))
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		apierr.Write(w, apierr.BadRequest("malformed errorId"))
		return
	}

	target, err := s.store.GetGroup(r.Context(), p.ID, id)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	targetFiles := make(map[string]bool)
	for _, f := range target.StackTrace {
		if f.File != "" {
			targetFiles[f.File] = true
		}
	}

	candidates, _, err := s.store.ListGroups(r.Context(), p.ID, store.GroupQuery{Limit: 100}.Normalize())
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}

	type scored struct {
		row   relatedGroup
		score int
	}
	var rows []scored
	for _, g := range candidates {
		if g.ID == target.ID {
			continue
		}
		var shared []string
		for _, f := range g.StackTrace {
			if f.File != "" && targetFiles[f.File] {
				shared = append(shared, f.File)
			}
		}
		sameEnv := g.Environment == target.Environment
		closeInTime := absDuration(g.LastSeen.Sub(target.LastSeen)) <= time.Hour

		score := 2 * len(shared)
		if sameEnv && closeInTime {
			score++
		}
		if score == 0 {
			continue
		}
		rows = append(rows, scored{
			row:   relatedGroup{Error: g, SharedFiles: shared, SameEnv: sameEnv},
			score: score,
		})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].score > rows[j].score })
	if len(rows) > 5 {
		rows = rows[:5]
	}

	related := make([]relatedGroup, len(rows))
	for i, sc := range rows {
		related[i] = sc.row
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"errorId": target.ID,
		"related": related,
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (s *Server) handleUserImpact(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())
	from, to, err := rangeWindow(r, time.Now().UTC())
	if err != nil {
		apierr.Write(w, err)
		return
	}
	limit, err := intParam(r.URL.Query(), "limit")
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}

	rows, err := s.store.UserImpact(r.Context(), p.ID, from, to, limit)
	if err != nil {
		apierr.Write(w, storeErr(err))
		return
	}
	if rows == nil {
		rows = []store.ImpactRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"impact": rows})
}

func (s *Server) handleResolution(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, stats)
}
