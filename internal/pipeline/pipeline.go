// Package pipeline runs the asynchronous tail of ingestion. Accepted
// events are queued for rule evaluation; triggered evaluations flow on
// to dispatch workers. Enqueue never blocks the request path: when the
// queue is full the event is shed, which loses its alerting pass only
// since the occurrence itself is already stored.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"faultline/internal/alert"
	"faultline/internal/alertmetrics"
	"faultline/internal/channel"
	"faultline/internal/dispatch"
	"faultline/internal/logging"
	"faultline/internal/metric"
	"faultline/internal/store"
)

const (
	// DefaultQueueSize bounds each stage's channel.
	DefaultQueueSize = 1000
	// DefaultWorkers is the per-stage goroutine count.
	DefaultWorkers = 4
	// dispatchBudget caps one alert's total delivery time, retries
	// included.
	dispatchBudget = 60 * time.Second
)

var (
	ErrAlreadyRunning = errors.New("pipeline already running")
	ErrNotRunning     = errors.New("pipeline not running")
)

// Forwarder mirrors accepted events to an external stream.
// Implementations must not block.
type Forwarder interface {
	Forward(ctx context.Context, ev alert.Event)
}

// Config carries pipeline construction parameters. Store and Dispatcher
// are required; the rest default or disable when zero.
type Config struct {
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Forwarder  Forwarder       // optional event mirror
	Metrics    *metric.Metrics // optional instrumentation
	Logger     *slog.Logger
	QueueSize  int
	Workers    int
}

// dispatchJob is the intermediate type passed from eval workers to
// dispatch workers.
type dispatchJob struct {
	rule store.AlertRule
	ev   alert.Event
	eval alert.Evaluation
}

// Pipeline owns the evaluation and dispatch worker pools.
type Pipeline struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	forwarder  Forwarder
	metrics    *metric.Metrics
	logger     *slog.Logger
	queueSize  int
	workers    int

	mu         sync.RWMutex
	running    bool
	cancel     context.CancelFunc
	evalCh     chan alert.Event
	dispatchCh chan dispatchJob

	evalWg     sync.WaitGroup
	dispatchWg sync.WaitGroup

	// Clock for testing
	now func() time.Time
}

func New(cfg Config) *Pipeline {
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pipeline{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		forwarder:  cfg.Forwarder,
		metrics:    cfg.Metrics,
		logger:     logging.Default(cfg.Logger).With("component", "pipeline"),
		queueSize:  queue,
		workers:    workers,
		now:        time.Now,
	}
}

// Start launches the worker pools. It returns immediately; use Stop to
// shut down. The context bounds store and delivery calls made by the
// workers; cancelling it abandons in-flight work instead of draining.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.evalCh = make(chan alert.Event, p.queueSize)
	p.dispatchCh = make(chan dispatchJob, p.queueSize)
	p.running = true

	p.logger.Info("starting pipeline", "workers", p.workers, "queue", p.queueSize)

	for i := 0; i < p.workers; i++ {
		p.evalWg.Go(func() { p.evalLoop(ctx) })
		p.dispatchWg.Go(func() { p.dispatchLoop(ctx) })
	}
	return nil
}

// Stop drains both stages and waits for the workers to exit.
//
// Ordered shutdown:
//  1. Flip running so Enqueue refuses new events, then close evalCh.
//  2. evalWg.Wait() (drains queued events) and close dispatchCh.
//  3. dispatchWg.Wait() (drains triggered evaluations).
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	evalCh := p.evalCh
	dispatchCh := p.dispatchCh
	cancel := p.cancel
	p.mu.Unlock()

	close(evalCh)
	p.evalWg.Wait()

	close(dispatchCh)
	p.dispatchWg.Wait()

	cancel()

	p.mu.Lock()
	p.cancel = nil
	p.evalCh = nil
	p.dispatchCh = nil
	p.mu.Unlock()

	return nil
}

// Enqueue hands an accepted event to the pipeline and reports whether
// it was queued for evaluation. The forwarder sees every event, even
// ones shed at a full queue.
func (p *Pipeline) Enqueue(ctx context.Context, ev alert.Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return false
	}
	if p.forwarder != nil {
		p.forwarder.Forward(ctx, ev)
	}

	select {
	case p.evalCh <- ev:
		return true
	default:
		p.metrics.EventShed()
		p.logger.Warn("evaluation queue full, event shed",
			"project", ev.ProjectID, "group", ev.GroupID)
		return false
	}
}

// Depth reports events waiting for evaluation.
func (p *Pipeline) Depth() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.evalCh == nil {
		return 0
	}
	return len(p.evalCh)
}

// Capacity reports the evaluation queue size.
func (p *Pipeline) Capacity() int { return p.queueSize }

func (p *Pipeline) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// evalLoop consumes events until the queue closes. A store failure
// drops that event's alerting pass only.
func (p *Pipeline) evalLoop(ctx context.Context) {
	for ev := range p.evalCh {
		p.evaluate(ctx, ev)
	}
}

func (p *Pipeline) evaluate(ctx context.Context, ev alert.Event) {
	rules, err := p.store.ListEnabledRules(ctx, ev.ProjectID)
	if err != nil {
		p.logger.Warn("rule listing failed", "project", ev.ProjectID, "error", err)
		return
	}
	if len(rules) == 0 {
		return
	}

	// One snapshot per event: rules sharing a window share its count.
	snap := alertmetrics.NewSnapshot(p.store, ev, p.now())
	for _, rule := range rules {
		m, err := snap.For(ctx, &rule)
		if err != nil {
			p.logger.Warn("metrics snapshot failed", "rule", rule.ID, "error", err)
			continue
		}
		eval := alert.Evaluate(&rule, ev, m)
		p.metrics.RuleEvaluated(eval.Triggered)
		if !eval.Triggered {
			continue
		}
		p.dispatchCh <- dispatchJob{rule: rule, ev: ev, eval: eval}
	}
}

// dispatchLoop delivers triggered evaluations until the channel closes.
// Each dispatch gets a bounded budget covering all channel retries, so
// one stalled webhook cannot wedge the worker.
func (p *Pipeline) dispatchLoop(ctx context.Context) {
	for job := range p.dispatchCh {
		dctx, cancel := context.WithTimeout(ctx, dispatchBudget)
		res, err := p.dispatcher.Dispatch(dctx, &job.rule, job.ev, job.eval)
		cancel()
		if err != nil {
			p.logger.Warn("dispatch failed", "rule", job.rule.ID, "error", err)
			continue
		}
		p.observe(res)
	}
}

// observe translates one dispatch result into counter increments.
func (p *Pipeline) observe(res dispatch.Result) {
	if res.Suppressed {
		p.metrics.AlertSuppressed()
		return
	}
	for _, ch := range res.Immediate {
		p.metrics.Dispatched(ch, "delivered")
	}
	for range res.QueuedForDigest {
		p.metrics.Dispatched(channel.TypeEmail, "queued")
	}
	for _, ch := range res.Failed {
		p.metrics.Dispatched(ch, "failed")
	}
}
