// Package scrub removes PII and secrets from ingested payloads before they
// are fingerprinted or persisted.
//
// Scrubbing is idempotent: applying a Scrubber to its own output is a no-op.
// Redaction tokens therefore never match any of the patterns, and field
// truncation caps output at the same limit it triggers on.
package scrub

import (
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"

	"faultline/internal/store"
)

const (
	// Redacted replaces secrets and over-deep metadata.
	Redacted      = "[REDACTED]"
	RedactedEmail = "[REDACTED:EMAIL]"
	RedactedPhone = "[REDACTED:PHONE]"
	RedactedIP    = "[REDACTED:IP]"
	RedactedCard  = "[REDACTED:CARD]"

	// maxFieldBytes bounds regex input per field. Longer fields are cut to
	// exactly this length, truncation marker included.
	maxFieldBytes = 10 << 10

	// maxDepth bounds the metadata tree walk.
	maxDepth = 8

	truncationMark = "…[truncated]"
)

var (
	// Always-on passes.
	htmlTagRe = regexp.MustCompile(`</?[A-Za-z][A-Za-z0-9-]*(?:\s[^<>]*)?/?>`)
	schemeRe  = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]+`)
	keyValRe  = regexp.MustCompile(`((?i)\b(?:password|passwd|pwd|secret|token|api[_-]?key|apikey|access[_-]?key|private[_-]?key|credential|authorization)\b["']?\s*[:=]\s*["']?)([^\s"'&,;]+)`)
	cardRe    = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)

	// Policy-gated passes.
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	ipv4Re  = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	ipv6Re  = regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){3,7}[0-9A-Fa-f]{1,4}\b`)
	phoneRe = regexp.MustCompile(`\+?\d(?:[ .()-]?\d){8,14}`)
)

// Scrubber applies a project's scrubbing policy. The secret, card and HTML
// passes run regardless of policy.
type Scrubber struct {
	policy store.ScrubPolicy
}

func New(policy store.ScrubPolicy) *Scrubber {
	return &Scrubber{policy: policy}
}

// String scrubs a single field.
func (s *Scrubber) String(in string) string {
	out := truncate(in)
	out = htmlTagRe.ReplaceAllString(out, "")
	out = schemeRe.ReplaceAllString(out, "$1 "+Redacted)
	out = keyValRe.ReplaceAllStringFunc(out, redactValue)
	out = cardRe.ReplaceAllString(out, RedactedCard)
	if s.policy.RemoveEmails {
		out = emailRe.ReplaceAllString(out, RedactedEmail)
	}
	if s.policy.RemoveIPs {
		out = ipv4Re.ReplaceAllString(out, RedactedIP)
		out = ipv6Re.ReplaceAllString(out, RedactedIP)
	}
	if s.policy.RemovePhones {
		out = phoneRe.ReplaceAllString(out, RedactedPhone)
	}
	return out
}

// redactValue replaces the value half of a key=value match. Scheme keywords
// stay so the scheme pass's output survives a second application.
func redactValue(m string) string {
	parts := keyValRe.FindStringSubmatch(m)
	prefix, value := parts[1], parts[2]
	switch strings.ToLower(value) {
	case "bearer", "basic":
		return m
	}
	if value == Redacted {
		return m
	}
	return prefix + Redacted
}

func truncate(s string) string {
	if len(s) <= maxFieldBytes {
		return s
	}
	cut := maxFieldBytes - len(truncationMark)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMark
}

// Frames scrubs the string fields of a stack trace. The input is not
// modified.
func (s *Scrubber) Frames(frames []store.Frame) []store.Frame {
	if frames == nil {
		return nil
	}
	out := make([]store.Frame, len(frames))
	for i, f := range frames {
		f.Function = s.String(f.Function)
		f.File = s.String(f.File)
		out[i] = f
	}
	return out
}

// UserContext scrubs every string field. The input is not modified.
func (s *Scrubber) UserContext(u *store.UserContext) *store.UserContext {
	if u == nil {
		return nil
	}
	return &store.UserContext{
		ID:      s.String(u.ID),
		Email:   s.String(u.Email),
		IP:      s.String(u.IP),
		Segment: s.String(u.Segment),
	}
}

// Metadata scrubs every string leaf (keys included) of an arbitrary
// string/number/bool tree. Subtrees deeper than maxDepth, and any shared or
// cyclic containers, collapse to the generic redaction token.
func (s *Scrubber) Metadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	seen := make(map[uintptr]bool)
	out, _ := s.walk(m, 0, seen).(map[string]any)
	return out
}

func (s *Scrubber) walk(v any, depth int, seen map[uintptr]bool) any {
	switch t := v.(type) {
	case string:
		return s.String(t)
	case map[string]any:
		if depth >= maxDepth {
			return Redacted
		}
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return Redacted
		}
		seen[ptr] = true
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[s.String(k)] = s.walk(val, depth+1, seen)
		}
		return out
	case []any:
		if depth >= maxDepth {
			return Redacted
		}
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return Redacted
		}
		seen[ptr] = true
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = s.walk(val, depth+1, seen)
		}
		return out
	default:
		// Numbers, bools and nulls carry no PII.
		return v
	}
}

// Occurrence scrubs an occurrence in place: message, stack trace, user
// context and metadata.
func (s *Scrubber) Occurrence(o *store.Occurrence) {
	o.Message = s.String(o.Message)
	o.StackTrace = s.Frames(o.StackTrace)
	o.UserContext = s.UserContext(o.UserContext)
	o.Metadata = s.Metadata(o.Metadata)
}
