package enrich

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oschwald/maxminddb-golang"
)

// reloadSettle is how long the watcher waits after the last write event
// before reloading. A database refresh usually lands as a burst of
// writes; settling makes the reload see the finished file once.
const reloadSettle = 250 * time.Millisecond

// GeoIPInfo reports what Load found in the database header.
type GeoIPInfo struct {
	DatabaseType string
	BuildTime    time.Time
}

// Location is the geographic annotation attached to an occurrence.
type Location struct {
	Country string
	City    string
}

// mmdbRecord decodes just the country and city fields; everything else
// in the database is skipped.
type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

// GeoIP maps client IPs to country and city using a MaxMind MMDB file.
// Concurrent lookups race only against an atomic reader swap, so Load
// may run at any time.
type GeoIP struct {
	reader atomic.Pointer[maxminddb.Reader]

	mu      sync.Mutex
	unwatch func()
}

// NewGeoIP creates an empty GeoIP table. Lookup misses until a database
// is loaded via Load.
func NewGeoIP() *GeoIP {
	return &GeoIP{}
}

// Lookup resolves an IP address. Returns false on miss, parse error, or
// if no database is loaded. Scrubbed addresses no longer parse, so a
// project that removes IPs is never located.
func (g *GeoIP) Lookup(value string) (Location, bool) {
	r := g.reader.Load()
	if r == nil {
		return Location{}, false
	}
	ip := net.ParseIP(value)
	if ip == nil {
		return Location{}, false
	}

	var rec mmdbRecord
	if err := r.Lookup(ip, &rec); err != nil {
		return Location{}, false
	}
	loc := Location{Country: rec.Country.ISOCode, City: rec.City.Names["en"]}
	return loc, loc != (Location{})
}

// Load opens an MMDB file and publishes it; the previous reader, if
// any, is closed after the swap.
func (g *GeoIP) Load(path string) (GeoIPInfo, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return GeoIPInfo{}, fmt.Errorf("open mmdb %q: %w", path, err)
	}
	if old := g.reader.Swap(r); old != nil {
		_ = old.Close()
	}
	return GeoIPInfo{
		DatabaseType: r.Metadata.DatabaseType,
		BuildTime:    time.Unix(int64(r.Metadata.BuildEpoch), 0),
	}, nil
}

// WatchFile reloads the database whenever the file at path is written
// or recreated, so a refresh lands without a restart. Calling WatchFile
// again replaces the previous watch.
func (g *GeoIP) WatchFile(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %q: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		g.reloadOnChange(w, path)
	}()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.unwatchLocked()
	g.unwatch = func() {
		_ = w.Close()
		<-done
	}
	return nil
}

func (g *GeoIP) reloadOnChange(w *fsnotify.Watcher, path string) {
	var settle <-chan time.Time
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				settle = time.After(reloadSettle)
			}
		case <-settle:
			settle = nil
			_, _ = g.Load(path)
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (g *GeoIP) unwatchLocked() {
	if g.unwatch != nil {
		g.unwatch()
		g.unwatch = nil
	}
}

// Close stops any file watch and closes the current reader.
func (g *GeoIP) Close() {
	g.mu.Lock()
	g.unwatchLocked()
	g.mu.Unlock()

	if r := g.reader.Swap(nil); r != nil {
		_ = r.Close()
	}
}
