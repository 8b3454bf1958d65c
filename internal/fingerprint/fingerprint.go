// Package fingerprint derives stable identities for error events.
//
// The same fault must map to the same group across processes, restarts
// and client instances, so the inputs are reduced to their stable parts
// before hashing: volatile message tokens (numbers, UUIDs, hex runs,
// quoted strings) become placeholders, and only the first few in-app
// stack frames participate.
//
// The hash input is newline-separated:
//
//	normalized message
//	one line per selected frame: function, file, line (tab-separated)
//	environment
//	severity (only when the caller supplies one)
//
// Normalization removes newlines and tabs from every component, so the
// layout is unambiguous. The constants here are frozen within a major
// release; changing any of them regroups every error.
package fingerprint

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"

	"faultline/internal/store"
)

// FrameLimit is how many in-app frames feed the hash.
const FrameLimit = 5

const placeholder = '#'

// Compute returns the 128-bit fingerprint for an event as a 32-char hex
// string. Pass severity == "" to leave severity out of the identity.
// Inputs are expected to be scrubbed already.
func Compute(message string, frames []store.Frame, environment, severity string) string {
	var b strings.Builder
	b.Grow(len(message) + 64)
	b.WriteString(Normalize(message))
	for _, f := range selectFrames(frames) {
		b.WriteByte('\n')
		b.WriteString(sanitize(f.Function))
		b.WriteByte('\t')
		b.WriteString(sanitize(strings.ReplaceAll(f.File, `\`, "/")))
		b.WriteByte('\t')
		b.WriteString(strconv.Itoa(f.Line))
	}
	b.WriteByte('\n')
	b.WriteString(sanitize(environment))
	if severity != "" {
		b.WriteByte('\n')
		b.WriteString(sanitize(severity))
	}
	sum := xxh3.HashString128(b.String()).Bytes()
	return hex.EncodeToString(sum[:])
}

// selectFrames picks the frames that participate in the identity: the
// first FrameLimit in-app frames, or, when the client marked none as
// in-app, the first FrameLimit frames as sent.
func selectFrames(frames []store.Frame) []store.Frame {
	var picked []store.Frame
	for _, f := range frames {
		if f.InApp {
			picked = append(picked, f)
			if len(picked) == FrameLimit {
				return picked
			}
		}
	}
	if picked != nil {
		return picked
	}
	if len(frames) > FrameLimit {
		return frames[:FrameLimit]
	}
	return frames
}

// Normalize reduces a message to its stable shape: whitespace and
// control bytes collapse to single spaces, quoted spans and volatile
// tokens (decimal numbers, 0x-prefixed values, UUIDs, long hex runs
// containing a digit) become '#'. Everything else passes through
// byte for byte.
func Normalize(message string) string {
	var b strings.Builder
	b.Grow(len(message))

	var tok []byte
	pendingSpace := false

	emit := func(c byte) {
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteByte(c)
	}
	flush := func() {
		if len(tok) == 0 {
			return
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		if volatile(tok) {
			b.WriteByte(placeholder)
		} else {
			b.Write(tok)
		}
		tok = tok[:0]
	}

	for i := 0; i < len(message); i++ {
		c := message[i]
		switch {
		case isTokenByte(c):
			tok = append(tok, c)
		case c == '"' || c == '\'' || c == '`':
			// An apostrophe glued to a word ("can't") is not a quote.
			if c == '\'' && len(tok) > 0 {
				flush()
				emit(c)
				continue
			}
			flush()
			if j := strings.IndexByte(message[i+1:], c); j >= 0 {
				emit(placeholder)
				i += j + 1
				continue
			}
			emit(c)
		case c <= ' ' || c == 0x7f:
			flush()
			pendingSpace = true
		default:
			flush()
			emit(c)
		}
	}
	flush()
	return b.String()
}

// sanitize keeps frame fields, environment and severity free of the
// bytes the hash layout uses as separators.
func sanitize(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return r < ' ' || r == 0x7f }) {
		return s
	}
	out := []byte(s)
	for i, c := range out {
		if c < ' ' || c == 0x7f {
			out[i] = ' '
		}
	}
	return string(out)
}

// Token characters match the word shape the classifier understands:
// ASCII letters, digits, underscore, hyphen.
func isTokenByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	default:
		return false
	}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexByte(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// volatile reports whether tok carries instance identity rather than
// meaning: decimal numbers (optionally signed), 0x-prefixed values,
// canonical UUIDs, and hex runs of 8+ chars that include a digit. The
// digit requirement keeps ordinary hexable words ("deadbeef", "decade")
// out of the net.
func volatile(tok []byte) bool {
	return isDecimal(tok) || isHexPrefixed(tok) || isUUID(tok) || isHexRun(tok)
}

func isDecimal(tok []byte) bool {
	if len(tok) > 0 && tok[0] == '-' {
		tok = tok[1:]
	}
	if len(tok) == 0 {
		return false
	}
	for _, c := range tok {
		if !isDigit(c) {
			return false
		}
	}
	return true
}

func isHexPrefixed(tok []byte) bool {
	if len(tok) < 3 || tok[0] != '0' || (tok[1] != 'x' && tok[1] != 'X') {
		return false
	}
	for _, c := range tok[2:] {
		if !isHexByte(c) {
			return false
		}
	}
	return true
}

// isUUID checks the canonical 8-4-4-4-12 layout.
func isUUID(tok []byte) bool {
	if len(tok) != 36 {
		return false
	}
	if tok[8] != '-' || tok[13] != '-' || tok[18] != '-' || tok[23] != '-' {
		return false
	}
	for i, c := range tok {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			continue
		}
		if !isHexByte(c) {
			return false
		}
	}
	return true
}

// isHexRun catches addresses, hash prefixes and id fragments: 8+ bytes
// of hex digits (hyphens allowed) with at least one decimal digit.
func isHexRun(tok []byte) bool {
	if len(tok) < 8 {
		return false
	}
	hasDigit := false
	for _, c := range tok {
		switch {
		case isDigit(c):
			hasDigit = true
		case isHexByte(c) || c == '-':
		default:
			return false
		}
	}
	return hasDigit
}
