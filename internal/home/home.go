// Package home manages the faultline data directory layout.
//
// The data directory owns all persistent state: the sqlite database and
// generated report artifacts.
//
// Layout:
//
//	<root>/
//	  faultline.db    (sqlite store, unless DATABASE_URL points elsewhere)
//	  reports/        (report run artifacts, <run-id>.<ext>)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a faultline data directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/faultline
//   - macOS:   ~/Library/Application Support/faultline
//   - Windows: %APPDATA%/faultline
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "faultline")}, nil
}

// Root returns the data directory path.
func (d Dir) Root() string {
	return d.root
}

// DBPath returns the default sqlite database path.
func (d Dir) DBPath() string {
	return filepath.Join(d.root, "faultline.db")
}

// ReportsDir returns the directory for report run artifacts.
func (d Dir) ReportsDir() string {
	return filepath.Join(d.root, "reports")
}

// EnsureExists creates the data directory layout, parents included, if
// any of it is missing.
func (d Dir) EnsureExists() error {
	for _, dir := range []string{d.root, d.ReportsDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	return nil
}
