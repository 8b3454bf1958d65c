package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"faultline/internal/alert"
	"faultline/internal/channel"
	"faultline/internal/dispatch"
	"faultline/internal/metric"
	"faultline/internal/store"
	"faultline/internal/store/memory"
)

// fakeAdapter records webhook sends.
type fakeAdapter struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeAdapter) Type() string { return channel.TypeWebhook }

func (f *fakeAdapter) Preview(store.Alert) channel.Preview {
	return channel.Preview{Text: "preview"}
}

func (f *fakeAdapter) Send(_ context.Context, target string, _ map[string]string, _ store.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, target)
	return nil
}

func (f *fakeAdapter) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// fakeForwarder records every event it sees.
type fakeForwarder struct {
	mu     sync.Mutex
	events []alert.Event
}

func (f *fakeForwarder) Forward(_ context.Context, ev alert.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

// gatedStore wedges rule listing until release is closed, so tests can
// hold a worker mid-evaluation.
type gatedStore struct {
	store.Store
	started chan struct{}
	release chan struct{}
}

func (s *gatedStore) ListEnabledRules(ctx context.Context, projectID uuid.UUID) ([]store.AlertRule, error) {
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.release
	return s.Store.ListEnabledRules(ctx, projectID)
}

func seedProject(t *testing.T, st store.Store) *store.Project {
	t.Helper()
	p := &store.Project{
		ID:     uuid.Must(uuid.NewV7()),
		Name:   "checkout",
		Status: store.ProjectActive,
	}
	if err := st.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

// seedNewErrorRule fires on every first-seen event with no cooldown, so
// each distinct fingerprint produces exactly one delivery.
func seedNewErrorRule(t *testing.T, st store.Store, projectID uuid.UUID) *store.AlertRule {
	t.Helper()
	r := &store.AlertRule{
		ID:        uuid.Must(uuid.NewV7()),
		ProjectID: projectID,
		Name:      "new error",
		Type:      store.RuleNewError,
		Enabled:   true,
		Channels:  []store.ChannelConfig{{Type: channel.TypeWebhook, Target: "https://hooks.test/x"}},
	}
	if err := st.CreateRule(context.Background(), r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return r
}

func newEvent(projectID uuid.UUID, fingerprint string) alert.Event {
	return alert.Event{
		ProjectID:    projectID,
		GroupID:      uuid.Must(uuid.NewV7()),
		OccurrenceID: uuid.Must(uuid.NewV7()),
		Fingerprint:  fingerprint,
		Message:      "boom",
		Severity:     store.SeverityError,
		Environment:  "production",
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		IsNew:        true,
		Count:        1,
	}
}

func newTestPipeline(st store.Store, adapter *fakeAdapter, cfg Config) *Pipeline {
	cfg.Store = st
	cfg.Dispatcher = dispatch.New(st, channel.Set{channel.TypeWebhook: adapter}, nil)
	return New(cfg)
}

func TestPipelineEndToEnd(t *testing.T) {
	st := memory.NewStore()
	p := seedProject(t, st)
	seedNewErrorRule(t, st, p.ID)

	adapter := &fakeAdapter{}
	m := metric.New()
	pl := newTestPipeline(st, adapter, Config{Metrics: m})

	if err := pl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !pl.Enqueue(context.Background(), newEvent(p.ID, "fp-1")) {
		t.Fatal("enqueue refused")
	}
	if err := pl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := adapter.sent(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`faultline_rule_evaluations_total{outcome="triggered"} 1`,
		`faultline_dispatches_total{channel="webhook",outcome="delivered"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestPipelineStopDrains(t *testing.T) {
	st := memory.NewStore()
	p := seedProject(t, st)
	seedNewErrorRule(t, st, p.ID)

	adapter := &fakeAdapter{}
	pl := newTestPipeline(st, adapter, Config{Workers: 2})

	if err := pl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 20; i++ {
		if !pl.Enqueue(context.Background(), newEvent(p.ID, fmt.Sprintf("fp-%d", i))) {
			t.Fatalf("enqueue %d refused", i)
		}
	}
	if err := pl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Stop drains: every queued event must have been delivered.
	if got := adapter.sent(); got != 20 {
		t.Errorf("deliveries = %d, want 20", got)
	}
}

func TestEnqueueShedsWhenFull(t *testing.T) {
	st := memory.NewStore()
	p := seedProject(t, st)
	seedNewErrorRule(t, st, p.ID)

	gated := &gatedStore{
		Store:   st,
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	adapter := &fakeAdapter{}
	forwarder := &fakeForwarder{}
	pl := newTestPipeline(gated, adapter, Config{QueueSize: 1, Workers: 1, Forwarder: forwarder})

	if err := pl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// First event wedges the single worker inside rule listing.
	if !pl.Enqueue(context.Background(), newEvent(p.ID, "fp-a")) {
		t.Fatal("enqueue a refused")
	}
	<-gated.started

	// Second fills the queue, third must shed without blocking.
	if !pl.Enqueue(context.Background(), newEvent(p.ID, "fp-b")) {
		t.Fatal("enqueue b refused")
	}
	if pl.Enqueue(context.Background(), newEvent(p.ID, "fp-c")) {
		t.Error("enqueue c should have shed")
	}

	// The forwarder sees shed events too.
	if got := forwarder.count(); got != 3 {
		t.Errorf("forwarded = %d, want 3", got)
	}

	close(gated.release)
	if err := pl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := adapter.sent(); got != 2 {
		t.Errorf("deliveries = %d, want 2", got)
	}
}

func TestEnqueueRefusedWhenStopped(t *testing.T) {
	st := memory.NewStore()
	p := seedProject(t, st)
	adapter := &fakeAdapter{}
	pl := newTestPipeline(st, adapter, Config{})

	if pl.Enqueue(context.Background(), newEvent(p.ID, "fp-1")) {
		t.Error("enqueue should refuse before start")
	}

	if err := pl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := pl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if pl.Enqueue(context.Background(), newEvent(p.ID, "fp-2")) {
		t.Error("enqueue should refuse after stop")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	st := memory.NewStore()
	adapter := &fakeAdapter{}
	pl := newTestPipeline(st, adapter, Config{})

	if err := pl.Stop(); err != ErrNotRunning {
		t.Errorf("stop before start = %v, want ErrNotRunning", err)
	}
	if err := pl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := pl.Start(context.Background()); err != ErrAlreadyRunning {
		t.Errorf("second start = %v, want ErrAlreadyRunning", err)
	}
	if !pl.Running() {
		t.Error("pipeline should report running")
	}
	if pl.Capacity() != DefaultQueueSize {
		t.Errorf("capacity = %d, want %d", pl.Capacity(), DefaultQueueSize)
	}
	if err := pl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if pl.Running() {
		t.Error("pipeline should report stopped")
	}

	// Restartable after a full stop.
	if err := pl.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := pl.Stop(); err != nil {
		t.Fatalf("stop after restart: %v", err)
	}
}

func TestEvaluateSkipsNonMatchingRules(t *testing.T) {
	st := memory.NewStore()
	p := seedProject(t, st)

	// Production-scoped rule: staging events pass through untriggered.
	r := &store.AlertRule{
		ID:         uuid.Must(uuid.NewV7()),
		ProjectID:  p.ID,
		Name:       "prod only",
		Type:       store.RuleNewError,
		Enabled:    true,
		Conditions: store.RuleConditions{Environments: []string{"production"}},
		Channels:   []store.ChannelConfig{{Type: channel.TypeWebhook, Target: "https://hooks.test/x"}},
	}
	if err := st.CreateRule(context.Background(), r); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	adapter := &fakeAdapter{}
	pl := newTestPipeline(st, adapter, Config{})

	if err := pl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ev := newEvent(p.ID, "fp-stg")
	ev.Environment = "staging"
	pl.Enqueue(context.Background(), ev)
	if err := pl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := adapter.sent(); got != 0 {
		t.Errorf("deliveries = %d, want 0", got)
	}
}
