package server

import (
	"net"
	"net/http"
	"time"

	"faultline/internal/apierr"
	"faultline/internal/auth"
)

// quotaLimit enforces the ingest quota. Requests are keyed by the hash of
// the presented API key; requests without a key-shaped credential share a
// per-IP bucket so unauthenticated probing is bounded too.
func (s *Server) quotaLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.quota == nil {
			next.ServeHTTP(w, r)
			return
		}

		d, err := s.quota.Allow(r.Context(), quotaKey(r))
		if err != nil {
			// Fail open. The limiter protects the backend; it must not
			// become the outage itself.
			s.logger.Warn("quota check failed", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !d.OK {
			s.metrics.QuotaRejected()
			apierr.Write(w, apierr.TooManyRequests("rate limit exceeded", retrySeconds(d.RetryAfter)))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// quotaKey picks the bucket for a request. Hashing first keeps raw
// credentials out of the limiter and its logs.
func quotaKey(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); auth.ValidKeyShape(key) {
		return auth.HashAPIKey(key)
	}
	return "ip:" + clientIP(r)
}

// clientIP strips the port from RemoteAddr. The RealIP middleware has
// already folded forwarding headers in.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
