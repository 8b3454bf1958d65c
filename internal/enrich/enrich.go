// Package enrich annotates occurrences with derived context: user-agent
// breakdown and client geography. It runs after scrubbing and writes
// only into metadata, so it never feeds the fingerprint and never
// clobbers fields the client sent explicitly.
package enrich

import (
	"github.com/mileusna/useragent"

	"faultline/internal/store"
)

// Metadata keys written by the enricher. Client-supplied values under
// the same keys win.
const (
	KeyUserAgent = "userAgent"
	KeyBrowser   = "browser"
	KeyOS        = "os"
	KeyDevice    = "device"
	KeyCountry   = "country"
	KeyCity      = "city"
)

// Enricher derives annotations for scrubbed occurrences. A nil GeoIP
// disables geography.
type Enricher struct {
	geo *GeoIP
}

func New(geo *GeoIP) *Enricher {
	return &Enricher{geo: geo}
}

// Apply annotates o in place.
func (e *Enricher) Apply(o *store.Occurrence) {
	if ua, ok := o.Metadata[KeyUserAgent].(string); ok && ua != "" {
		applyUserAgent(o, ua)
	}
	if e.geo != nil && o.UserContext != nil && o.UserContext.IP != "" {
		if loc, ok := e.geo.Lookup(o.UserContext.IP); ok {
			setIfAbsent(o, KeyCountry, loc.Country)
			setIfAbsent(o, KeyCity, loc.City)
		}
	}
}

func applyUserAgent(o *store.Occurrence, raw string) {
	ua := useragent.Parse(raw)
	setIfAbsent(o, KeyBrowser, ua.Name)
	setIfAbsent(o, KeyOS, ua.OS)
	setIfAbsent(o, KeyDevice, deviceClass(ua))
}

func deviceClass(ua useragent.UserAgent) string {
	switch {
	case ua.Bot:
		return "bot"
	case ua.Tablet:
		return "tablet"
	case ua.Mobile:
		return "mobile"
	case ua.Desktop:
		return "desktop"
	default:
		return ""
	}
}

func setIfAbsent(o *store.Occurrence, key, value string) {
	if value == "" {
		return
	}
	if _, exists := o.Metadata[key]; exists {
		return
	}
	if o.Metadata == nil {
		o.Metadata = make(map[string]any, 4)
	}
	o.Metadata[key] = value
}
