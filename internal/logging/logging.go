// Package logging provides utilities for structured logging across the system.
//
// Logging is dependency-injected, never global. Each component owns its own
// scoped logger, attached once at construction with slog.With. Global
// configuration (output format, level, destination) belongs only in main();
// components must never call slog.SetDefault.
//
// Logging is intentionally sparse: lifecycle boundaries and faults are the
// intended log points, never per-event hot paths.
package logging

import (
	"context"
	"log/slog"
	"sync"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
// Use this as a default when no logger is provided.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise a discard logger.
// This is the standard pattern for optional logger parameters:
//
//	func NewComponent(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger)
//	    return &Component{logger: logger.With("component", "name")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// filterState holds the mutable level table shared by all clones of a
// ComponentFilterHandler, so levels set through any clone apply everywhere.
type filterState struct {
	def slog.Level

	mu     sync.RWMutex
	levels map[string]slog.Level
}

func (s *filterState) levelFor(component string) slog.Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if component != "" {
		if lvl, ok := s.levels[component]; ok {
			return lvl
		}
	}
	return s.def
}

func (s *filterState) min() slog.Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.def
	for _, lvl := range s.levels {
		if lvl < m {
			m = lvl
		}
	}
	return m
}

// ComponentFilterHandler filters records by per-component log level. The
// component is read from the "component" attribute, which components attach
// at construction time via logger.With. Levels can be changed at runtime.
type ComponentFilterHandler struct {
	inner    slog.Handler
	state    *filterState
	preAttrs []slog.Attr
}

// NewComponentFilterHandler wraps inner with per-component level filtering.
// Components without an explicit level use defaultLevel.
func NewComponentFilterHandler(inner slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		inner: inner,
		state: &filterState{
			def:    defaultLevel,
			levels: make(map[string]slog.Level),
		},
	}
}

// SetLevel sets the minimum level for a component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	h.state.levels[component] = level
}

// ClearLevel removes a component override, reverting it to the default level.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	delete(h.state.levels, component)
}

// Level returns the effective level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.state.levelFor(component)
}

// DefaultLevel returns the configured default level.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.state.def
}

// Enabled reports whether any component could accept the level. Precise
// filtering happens in Handle once the component attribute is known.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.state.min()
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := ""
	for _, a := range h.preAttrs {
		if a.Key == "component" {
			component = a.Value.String()
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	if r.Level < h.state.levelFor(component) {
		return nil
	}
	if h.inner == nil {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	pre := make([]slog.Attr, len(h.preAttrs)+len(attrs))
	copy(pre, h.preAttrs)
	copy(pre[len(h.preAttrs):], attrs)
	inner := h.inner
	if inner != nil {
		inner = inner.WithAttrs(attrs)
	}
	return &ComponentFilterHandler{inner: inner, state: h.state, preAttrs: pre}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	inner := h.inner
	if inner != nil {
		inner = inner.WithGroup(name)
	}
	return &ComponentFilterHandler{inner: inner, state: h.state, preAttrs: h.preAttrs}
}
