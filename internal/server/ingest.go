package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"faultline/internal/apierr"
	"faultline/internal/ingest"
)

// maxIngestBytes caps the decompressed event payload.
const maxIngestBytes = 100 << 10

// handleIngest is POST /api/errors: decode, ingest, enqueue for evaluation.
// Store outages answer 202 (accepted and dropped), never a 5xx.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r.Context())

	body, err := ingestBody(r)
	if err != nil {
		s.metrics.EventIngested("invalid")
		apierr.Write(w, err)
		return
	}

	var payload ingest.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.metrics.EventIngested("invalid")
		apierr.Write(w, apierr.BadRequest("invalid JSON body"))
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), p, &payload)
	if err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			s.metrics.EventIngested("invalid")
			apierr.Write(w, apierr.Unprocessable("invalid payload", verr.Fields))
			return
		}
		apierr.Write(w, err)
		return
	}

	if res.Degraded {
		s.metrics.EventIngested("degraded")
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
		return
	}

	s.metrics.EventIngested("accepted")
	if s.pipeline != nil {
		s.pipeline.Enqueue(r.Context(), res.Event)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"errorId":     res.GroupID,
		"fingerprint": res.Fingerprint,
		"count":       res.Count,
		"isNew":       res.Created,
	})
}

// ingestBody reads the event payload, transparently decoding gzip and zstd
// bodies. The size cap applies to the decompressed bytes, so a compressed
// bomb cannot sneak past it.
func ingestBody(r *http.Request) ([]byte, error) {
	var src io.Reader = r.Body

	switch enc := r.Header.Get("Content-Encoding"); enc {
	case "", "identity":
	case "gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, apierr.BadRequest("malformed gzip body")
		}
		defer zr.Close()
		src = zr
	case "zstd":
		zr, err := zstd.NewReader(r.Body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, apierr.BadRequest("malformed zstd body")
		}
		defer zr.Close()
		src = zr
	default:
		return nil, apierr.BadRequest(fmt.Sprintf("unsupported Content-Encoding %q", enc))
	}

	body, err := io.ReadAll(io.LimitReader(src, maxIngestBytes+1))
	if err != nil {
		return nil, apierr.BadRequest("unreadable request body")
	}
	if len(body) > maxIngestBytes {
		return nil, apierr.Unprocessable("invalid payload", map[string]string{
			"payload": fmt.Sprintf("exceeds %dKB decompressed", maxIngestBytes>>10),
		})
	}
	return body, nil
}
