package server

import (
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       Version,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleHealthDB(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("db health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleHealthCache reports which cache backend is live. Inline mode has
// nothing to probe and is always healthy.
func (s *Server) handleHealthCache(w http.ResponseWriter, r *http.Request) {
	if s.rdb == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mode": "inline"})
		return
	}
	if err := s.rdb.Ping(r.Context()).Err(); err != nil {
		s.logger.Warn("cache health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "mode": "redis"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mode": "redis"})
}
