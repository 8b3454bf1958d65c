package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLayout(t *testing.T) {
	d := New("/data")
	if got := d.Root(); got != "/data" {
		t.Errorf("Root: got %s", got)
	}
	if got := d.DBPath(); got != "/data/faultline.db" {
		t.Errorf("DBPath: got %s", got)
	}
	if got := d.ReportsDir(); got != "/data/reports" {
		t.Errorf("ReportsDir: got %s", got)
	}
}

func TestDefaultUnderConfigDir(t *testing.T) {
	d, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	base, err := os.UserConfigDir()
	if err != nil {
		t.Fatalf("UserConfigDir: %v", err)
	}
	if want := filepath.Join(base, "faultline"); d.Root() != want {
		t.Errorf("expected %s, got %s", want, d.Root())
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "a", "b")
	d := New(root)

	// Second round proves idempotence.
	for i := range 2 {
		if err := d.EnsureExists(); err != nil {
			t.Fatalf("EnsureExists round %d: %v", i+1, err)
		}
	}

	for _, dir := range []string{root, d.ReportsDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("Stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s: expected a directory", dir)
		}
	}
}

func TestEnsureExistsFileCollision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := New(path).EnsureExists(); err == nil {
		t.Error("expected error when the root path is a regular file")
	}
}
