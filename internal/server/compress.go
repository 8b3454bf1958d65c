package server

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// brotliQuality trades ratio for speed on dynamic JSON responses.
const brotliQuality = 4

var (
	gzipPool = sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	}}
	brotliPool = sync.Pool{New: func() any {
		return brotli.NewWriterLevel(io.Discard, brotliQuality)
	}}
)

// compressResponses negotiates brotli or gzip from Accept-Encoding. The
// decision to actually compress is deferred to the first write, so 204s,
// 304s and bodies that arrive pre-encoded pass through untouched.
func compressResponses(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := negotiateEncoding(r.Header.Get("Accept-Encoding"))
		if enc == "" || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}

		// This middleware owns response compression; hide the header so
		// nothing downstream compresses independently.
		r = r.Clone(r.Context())
		r.Header.Del("Accept-Encoding")

		ew := &encodedWriter{ResponseWriter: w, encoding: enc}
		defer ew.close()
		next.ServeHTTP(ew, r)
	})
}

// negotiateEncoding returns the preferred supported encoding, brotli over
// gzip. Quality values are not interpreted.
func negotiateEncoding(accept string) string {
	var br, gz bool
	for _, part := range strings.Split(accept, ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch strings.TrimSpace(name) {
		case "br":
			br = true
		case "gzip":
			gz = true
		}
	}
	switch {
	case br:
		return "br"
	case gz:
		return "gzip"
	default:
		return ""
	}
}

// encodedWriter wraps the response and starts compressing on the first
// write, unless the status or existing headers rule it out.
type encodedWriter struct {
	http.ResponseWriter
	encoding string // "br" or "gzip"

	started bool
	enc     io.WriteCloser // nil when passing through
}

func (ew *encodedWriter) WriteHeader(code int) {
	if ew.started {
		return
	}
	ew.started = true

	h := ew.Header()
	switch {
	case h.Get("Content-Encoding") != "":
		// Already encoded upstream (artifact downloads).
	case code == http.StatusNoContent, code == http.StatusNotModified:
	default:
		h.Set("Content-Encoding", ew.encoding)
		h.Del("Content-Length")
		h.Add("Vary", "Accept-Encoding")
		if ew.encoding == "br" {
			bw := brotliPool.Get().(*brotli.Writer)
			bw.Reset(ew.ResponseWriter)
			ew.enc = bw
		} else {
			gw := gzipPool.Get().(*gzip.Writer)
			gw.Reset(ew.ResponseWriter)
			ew.enc = gw
		}
	}

	ew.ResponseWriter.WriteHeader(code)
}

func (ew *encodedWriter) Write(b []byte) (int, error) {
	if !ew.started {
		ew.WriteHeader(http.StatusOK)
	}
	if ew.enc != nil {
		return ew.enc.Write(b)
	}
	return ew.ResponseWriter.Write(b)
}

func (ew *encodedWriter) Flush() {
	if f, ok := ew.enc.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := ew.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (ew *encodedWriter) close() {
	if ew.enc == nil {
		return
	}
	_ = ew.enc.Close()
	if ew.encoding == "br" {
		brotliPool.Put(ew.enc)
	} else {
		gzipPool.Put(ew.enc)
	}
	ew.enc = nil
}
