package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// doEncoded is do with an Accept-Encoding header and no body.
func doEncoded(t *testing.T, e *testEnv, method, path, token, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if accept != "" {
		req.Header.Set("Accept-Encoding", accept)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Project-Id", e.project.ID.String())
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func TestCompressGzip(t *testing.T) {
	e := newTestEnv(t)

	w := doEncoded(t, e, http.MethodGet, "/health", "", "gzip")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ce := w.Header().Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("expected gzip encoding, got %q", ce)
	}
	if vary := w.Header().Get("Vary"); !strings.Contains(vary, "Accept-Encoding") {
		t.Fatalf("expected Vary on Accept-Encoding, got %q", vary)
	}

	zr, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !strings.Contains(string(body), `"status"`) {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestCompressPrefersBrotli(t *testing.T) {
	e := newTestEnv(t)

	w := doEncoded(t, e, http.MethodGet, "/health", "", "gzip, br;q=0.8")
	if ce := w.Header().Get("Content-Encoding"); ce != "br" {
		t.Fatalf("expected brotli to win, got %q", ce)
	}
	body, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !strings.Contains(string(body), `"status"`) {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestCompressSkipsNoContent(t *testing.T) {
	e := newTestEnv(t)
	m := createMember(t, e, "Ada Chen", "ada@example.com")

	w := doEncoded(t, e, http.MethodDelete, "/api/team/members/"+m.ID.String(), e.admin, "gzip")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if ce := w.Header().Get("Content-Encoding"); ce != "" {
		t.Fatalf("a 204 must not be encoded, got %q", ce)
	}
}

func TestCompressIdentity(t *testing.T) {
	e := newTestEnv(t)

	w := doEncoded(t, e, http.MethodGet, "/health", "", "")
	if ce := w.Header().Get("Content-Encoding"); ce != "" {
		t.Fatalf("expected identity, got %q", ce)
	}
	if !strings.Contains(w.Body.String(), `"status"`) {
		t.Fatalf("unexpected body %q", w.Body.String())
	}
}
