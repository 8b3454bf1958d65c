package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"faultline/internal/quota"
)

type ingestResponse struct {
	ErrorID     uuid.UUID `json:"errorId"`
	Fingerprint string    `json:"fingerprint"`
	Count       int64     `json:"count"`
	IsNew       bool      `json:"isNew"`
}

func TestIngestGroupsRepeats(t *testing.T) {
	e := newTestEnv(t)

	w := e.ingest(t, event("boom", "production"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var first ingestResponse
	decodeBody(t, w, &first)
	if !first.IsNew || first.Count != 1 || first.Fingerprint == "" {
		t.Fatalf("unexpected first response: %+v", first)
	}

	w = e.ingest(t, event("boom", "production"))
	var second ingestResponse
	decodeBody(t, w, &second)
	if second.IsNew {
		t.Error("repeat occurrence reported as new")
	}
	if second.ErrorID != first.ErrorID || second.Count != 2 {
		t.Errorf("expected same group with count 2, got %+v", second)
	}

	if got := e.enqueued.count(); got != 2 {
		t.Errorf("expected 2 enqueued events, got %d", got)
	}
}

func TestIngestValidation(t *testing.T) {
	e := newTestEnv(t)

	w := e.ingest(t, map[string]any{"environment": "production"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	var body struct {
		Error struct {
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	decodeBody(t, w, &body)
	if body.Error.Details["message"] == "" {
		t.Errorf("expected a message field reason, got %q", w.Body.String())
	}
}

func TestIngestMalformedJSON(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/errors", strings.NewReader("{not json"))
	req.Header.Set("X-Api-Key", e.apiKey)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestIngestCompressedBodies(t *testing.T) {
	e := newTestEnv(t)
	raw, err := json.Marshal(event("compressed boom", "production"))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("gzip", func(t *testing.T) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			t.Fatal(err)
		}
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}

		req := httptest.NewRequest(http.MethodPost, "/api/errors", &buf)
		req.Header.Set("X-Api-Key", e.apiKey)
		req.Header.Set("Content-Encoding", "gzip")
		w := httptest.NewRecorder()
		e.server.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
		}
	})

	t.Run("zstd", func(t *testing.T) {
		var buf bytes.Buffer
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := zw.Write(raw); err != nil {
			t.Fatal(err)
		}
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}

		req := httptest.NewRequest(http.MethodPost, "/api/errors", &buf)
		req.Header.Set("X-Api-Key", e.apiKey)
		req.Header.Set("Content-Encoding", "zstd")
		w := httptest.NewRecorder()
		e.server.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d (%s)", w.Code, w.Body.String())
		}
	})

	t.Run("unsupported encoding", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/errors", bytes.NewReader(raw))
		req.Header.Set("X-Api-Key", e.apiKey)
		req.Header.Set("Content-Encoding", "deflate")
		w := httptest.NewRecorder()
		e.server.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})
}

func TestIngestOversizeBody(t *testing.T) {
	e := newTestEnv(t)

	// Metadata pushes the decompressed body over the cap. The cap check
	// runs before payload validation, so the response names the payload,
	// not a field.
	w := e.ingest(t, map[string]any{
		"message":     "boom",
		"environment": "production",
		"metadata":    map[string]string{"blob": strings.Repeat("x", maxIngestBytes)},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	var body struct {
		Error struct {
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	decodeBody(t, w, &body)
	if body.Error.Details["payload"] == "" {
		t.Errorf("expected a payload reason, got %q", w.Body.String())
	}
}

func TestIngestQuota(t *testing.T) {
	e := newTestEnv(t, withQuota(quota.NewInline(quota.Limits{PerMinute: 2, PerHour: 2})))

	for i := 0; i < 2; i++ {
		if w := e.ingest(t, event("boom", "production")); w.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i+1, w.Code)
		}
	}

	w := e.ingest(t, event("boom", "production"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
}
