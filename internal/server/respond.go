package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"faultline/internal/apierr"
	"faultline/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads the request body into dst. The 1MB cap is a backstop;
// the ingest path enforces its own tighter bound before decoding.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(dst); err != nil {
		return apierr.BadRequest("invalid JSON body")
	}
	return nil
}

// decodeJSONOptional is decodeJSON for endpoints whose body may be empty.
func decodeJSONOptional(r *http.Request, dst any) error {
	err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apierr.BadRequest("invalid JSON body")
}

// storeErr maps persistence failures onto the API error model. Sentinel
// errors keep their meaning; anything else is treated as a transient
// backend fault the client may retry.
func storeErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apierr.NotFound("not found")
	case errors.Is(err, store.ErrInvalidTransition):
		return apierr.Conflict(err.Error())
	case errors.Is(err, store.ErrConflict):
		return apierr.Conflict("already exists")
	default:
		return apierr.Unavailable("storage unavailable")
	}
}

// pathID parses the {id} route parameter.
func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apierr.BadRequest("malformed id")
	}
	return id, nil
}

func intParam(v url.Values, name string) (int, error) {
	raw := v.Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apierr.BadRequest(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}

// timeParam accepts RFC 3339 timestamps and bare dates.
func timeParam(v url.Values, name string) (*time.Time, error) {
	raw := v.Get(name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return &t, nil
	}
	return nil, apierr.BadRequest(fmt.Sprintf("%s must be an RFC 3339 timestamp or YYYY-MM-DD date", name))
}

// rangeWindow parses the shared ?range= parameter into a trailing window.
func rangeWindow(r *http.Request, now time.Time) (from, to time.Time, err error) {
	to = now
	switch v := r.URL.Query().Get("range"); v {
	case "", "7d":
		from = to.AddDate(0, 0, -7)
	case "24h":
		from = to.Add(-24 * time.Hour)
	case "30d":
		from = to.AddDate(0, 0, -30)
	case "90d":
		from = to.AddDate(0, 0, -90)
	default:
		err = apierr.BadRequest(fmt.Sprintf("unknown range %q, want 24h, 7d, 30d or 90d", v))
	}
	return from, to, err
}
