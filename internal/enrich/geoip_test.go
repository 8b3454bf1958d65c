package enrich

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
)

// writeTestDB builds a tiny MMDB at path mapping CIDRs to records.
func writeTestDB(t *testing.T, path string, records map[string]mmdbtype.Map) {
	t.Helper()

	tree, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType:            "faultline-test",
		RecordSize:              24,
		IncludeReservedNetworks: true,
	})
	if err != nil {
		t.Fatalf("mmdbwriter.New: %v", err)
	}
	for cidr, rec := range records {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			t.Fatalf("parse %s: %v", cidr, err)
		}
		if err := tree.Insert(network, rec); err != nil {
			t.Fatalf("insert %s: %v", cidr, err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if _, err := tree.WriteTo(f); err != nil {
		t.Fatalf("write mmdb: %v", err)
	}
}

func newTestDB(t *testing.T, records map[string]mmdbtype.Map) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geo.mmdb")
	writeTestDB(t, path, records)
	return path
}

func countryRec(iso string) mmdbtype.Map {
	return mmdbtype.Map{
		"country": mmdbtype.Map{"iso_code": mmdbtype.String(iso)},
	}
}

func cityRec(iso, city string) mmdbtype.Map {
	rec := countryRec(iso)
	rec["city"] = mmdbtype.Map{
		"names": mmdbtype.Map{"en": mmdbtype.String(city)},
	}
	return rec
}

// defaultTestDB is the fixture shared with the enricher tests: one full
// record and one country-only record.
func defaultTestDB(t *testing.T) string {
	return newTestDB(t, map[string]mmdbtype.Map{
		"8.8.8.8/32": cityRec("US", "Mountain View"),
		"1.1.1.1/32": countryRec("AU"),
	})
}

func TestLookupBeforeLoad(t *testing.T) {
	g := NewGeoIP()
	defer g.Close()

	if _, ok := g.Lookup("1.2.3.4"); ok {
		t.Error("Lookup with no database loaded should miss")
	}
}

func TestLookupUnparsableValue(t *testing.T) {
	g := NewGeoIP()
	defer g.Close()
	if _, err := g.Load(defaultTestDB(t)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, value := range []string{"", "not-an-ip", "[REDACTED:IP]"} {
		if _, ok := g.Lookup(value); ok {
			t.Errorf("Lookup(%q) should miss", value)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	garbage := filepath.Join(t.TempDir(), "bad.mmdb")
	if err := os.WriteFile(garbage, []byte("not a valid mmdb"), 0o644); err != nil {
		t.Fatal(err)
	}

	g := NewGeoIP()
	defer g.Close()

	for _, path := range []string{"/nonexistent/path.mmdb", garbage} {
		if _, err := g.Load(path); err == nil {
			t.Errorf("Load(%q): expected error", path)
		}
	}
}

func TestLoadReportsMetadata(t *testing.T) {
	g := NewGeoIP()
	defer g.Close()

	info, err := g.Load(defaultTestDB(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if info.DatabaseType != "faultline-test" {
		t.Errorf("DatabaseType = %q, want %q", info.DatabaseType, "faultline-test")
	}
	if info.BuildTime.IsZero() {
		t.Error("BuildTime is zero")
	}
}

func TestLookupFullAndPartialRecords(t *testing.T) {
	g := NewGeoIP()
	defer g.Close()
	if _, err := g.Load(defaultTestDB(t)); err != nil {
		t.Fatalf("Load: %v", err)
	}

	loc, ok := g.Lookup("8.8.8.8")
	if !ok {
		t.Fatal("Lookup(8.8.8.8) missed")
	}
	if loc.Country != "US" || loc.City != "Mountain View" {
		t.Errorf("got %+v, want US / Mountain View", loc)
	}

	loc, ok = g.Lookup("1.1.1.1")
	if !ok {
		t.Fatal("Lookup(1.1.1.1) missed")
	}
	if loc.Country != "AU" || loc.City != "" {
		t.Errorf("got %+v, want country AU and no city", loc)
	}

	if _, ok := g.Lookup("10.0.0.1"); ok {
		t.Error("address outside every stored network should miss")
	}
}

func TestLoadSwapsReader(t *testing.T) {
	g := NewGeoIP()
	defer g.Close()

	first := newTestDB(t, map[string]mmdbtype.Map{"8.8.8.8/32": countryRec("US")})
	if _, err := g.Load(first); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	second := newTestDB(t, map[string]mmdbtype.Map{"8.8.8.8/32": countryRec("CA")})
	if _, err := g.Load(second); err != nil {
		t.Fatalf("second Load: %v", err)
	}

	loc, ok := g.Lookup("8.8.8.8")
	if !ok || loc.Country != "CA" {
		t.Fatalf("lookup after swap = %+v, %v; want CA", loc, ok)
	}
}

func TestWatchFileReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.mmdb")
	writeTestDB(t, path, map[string]mmdbtype.Map{"8.8.8.8/32": countryRec("US")})

	g := NewGeoIP()
	defer g.Close()
	if _, err := g.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := g.WatchFile(path); err != nil {
		t.Fatalf("WatchFile: %v", err)
	}

	writeTestDB(t, path, map[string]mmdbtype.Map{"8.8.8.8/32": countryRec("CA")})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if loc, ok := g.Lookup("8.8.8.8"); ok && loc.Country == "CA" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("database was not reloaded after rewrite")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
