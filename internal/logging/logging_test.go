package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDiscard(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should report every level disabled")
	}
	logger.Info("goes nowhere")
}

func TestDefaultNil(t *testing.T) {
	logger := Default(nil)
	if logger == nil {
		t.Fatal("Default(nil) returned nil")
	}
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Default(nil) should hand back a discard logger")
	}
}

func TestDefaultPassthrough(t *testing.T) {
	var buf bytes.Buffer
	own := slog.New(slog.NewTextHandler(&buf, nil))
	if got := Default(own); got != own {
		t.Error("Default must return the caller's logger untouched")
	}
}

// filterFixture wires a ComponentFilterHandler over a text handler so
// tests assert on rendered output, the way an operator would see it.
type filterFixture struct {
	buf    bytes.Buffer
	filter *ComponentFilterHandler
	logger *slog.Logger
}

func newFilterFixture(def slog.Level) *filterFixture {
	fx := &filterFixture{}
	base := slog.NewTextHandler(&fx.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	fx.filter = NewComponentFilterHandler(base, def)
	fx.logger = slog.New(fx.filter)
	return fx
}

func (fx *filterFixture) lines() []string {
	out := strings.TrimSpace(fx.buf.String())
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func TestFilterDefaultLevel(t *testing.T) {
	fx := newFilterFixture(slog.LevelInfo)

	fx.logger.Debug("dropped", "component", "ingest")
	fx.logger.Info("kept", "component", "ingest")
	fx.logger.Warn("also kept") // no component attr, default applies

	if got := fx.lines(); len(got) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(got), got)
	}
}

func TestFilterPerComponentOverride(t *testing.T) {
	fx := newFilterFixture(slog.LevelInfo)
	fx.filter.SetLevel("dispatch", slog.LevelDebug)

	fx.logger.Debug("cooldown check", "component", "dispatch")
	fx.logger.Debug("batch scan", "component", "retention")

	out := fx.buf.String()
	if !strings.Contains(out, "cooldown check") {
		t.Errorf("expected dispatch debug line, got: %s", out)
	}
	if strings.Contains(out, "batch scan") {
		t.Errorf("retention debug line should stay filtered, got: %s", out)
	}
}

func TestFilterClearLevelReverts(t *testing.T) {
	fx := newFilterFixture(slog.LevelInfo)

	fx.filter.SetLevel("dispatch", slog.LevelDebug)
	fx.logger.Debug("before clear", "component", "dispatch")

	fx.filter.ClearLevel("dispatch")
	fx.logger.Debug("after clear", "component", "dispatch")

	out := fx.buf.String()
	if !strings.Contains(out, "before clear") {
		t.Errorf("expected pre-clear debug line, got: %s", out)
	}
	if strings.Contains(out, "after clear") {
		t.Errorf("post-clear debug line should be filtered, got: %s", out)
	}
}

func TestFilterLevelLookup(t *testing.T) {
	f := NewComponentFilterHandler(nil, slog.LevelWarn)

	if got := f.Level("anything"); got != slog.LevelWarn {
		t.Errorf("unknown component: expected WARN, got %v", got)
	}
	f.SetLevel("pipeline", slog.LevelDebug)
	if got := f.Level("pipeline"); got != slog.LevelDebug {
		t.Errorf("expected DEBUG override, got %v", got)
	}
	if got := f.DefaultLevel(); got != slog.LevelWarn {
		t.Errorf("expected WARN default, got %v", got)
	}

	// Clearing a component that was never set is a no-op.
	f.ClearLevel("never-set")
	if got := f.Level("never-set"); got != slog.LevelWarn {
		t.Errorf("expected WARN after no-op clear, got %v", got)
	}
}

// Components attach their name once, at construction, via logger.With.
// The filter must honor that pre-attached attribute, and level changes
// made later must reach loggers cloned earlier.
func TestFilterSeesComponentFromWith(t *testing.T) {
	fx := newFilterFixture(slog.LevelInfo)

	pipe := fx.logger.With("component", "pipeline")
	disp := fx.logger.With("component", "dispatch")

	fx.filter.SetLevel("pipeline", slog.LevelDebug)

	pipe.Debug("queue depth")
	disp.Debug("channel fanout")

	out := fx.buf.String()
	if !strings.Contains(out, "queue depth") {
		t.Errorf("expected pipeline debug line, got: %s", out)
	}
	if strings.Contains(out, "channel fanout") {
		t.Errorf("dispatch debug line should stay filtered, got: %s", out)
	}
}

func TestFilterWithGroupStillFilters(t *testing.T) {
	fx := newFilterFixture(slog.LevelInfo)
	grouped := slog.New(fx.filter.WithGroup("req"))

	grouped.Debug("dropped", "component", "server")
	grouped.Info("kept", "component", "server")

	if got := fx.lines(); len(got) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(got), got)
	}
}

func TestFilterConcurrentUse(t *testing.T) {
	fx := newFilterFixture(slog.LevelInfo)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for range writers {
		wg.Go(func() {
			for range perWriter {
				fx.logger.Info("tick", "component", "ingest")
			}
		})
		wg.Go(func() {
			for range perWriter {
				fx.filter.SetLevel("ingest", slog.LevelDebug)
				fx.filter.ClearLevel("ingest")
			}
		})
	}
	wg.Wait()

	// INFO clears both possible levels, so every line must land.
	if got := len(fx.lines()); got != writers*perWriter {
		t.Fatalf("expected %d lines, got %d", writers*perWriter, got)
	}
}
