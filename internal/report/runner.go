package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"faultline/internal/logging"
	"faultline/internal/store"
)

// Claim parameters. A claim older than the stale window is assumed to
// belong to a crashed runner and is retried.
const (
	defaultStaleAfter = 10 * time.Minute
	defaultClaimLimit = 20
)

// Mailer delivers a finished report to the schedule's recipients.
type Mailer interface {
	SendReport(ctx context.Context, to []string, subject, body string, attachment string) error
}

// Runner executes due report schedules. Claiming goes through the store's
// compare-and-set so concurrent runners (or a restarted process) never
// double-run a schedule inside the stale window.
type Runner struct {
	store  store.Store
	gen    *Generator
	mailer Mailer // nil disables recipient delivery
	logger *slog.Logger

	staleAfter time.Duration
	claimLimit int

	// Clock for testing
	now func() time.Time
}

func NewRunner(st store.Store, gen *Generator, mailer Mailer, logger *slog.Logger) *Runner {
	return &Runner{
		store:      st,
		gen:        gen,
		mailer:     mailer,
		logger:     logging.Default(logger).With("component", "report-runner"),
		staleAfter: defaultStaleAfter,
		claimLimit: defaultClaimLimit,
		now:        time.Now,
	}
}

// Tick claims and executes every due schedule once. The schedule always
// advances, even when the run fails: the failure is recorded on the run
// row, and skipping the advance would make a broken project retry every
// minute forever.
func (r *Runner) Tick(ctx context.Context) error {
	due, err := r.store.ClaimDueSchedules(ctx, r.now(), r.staleAfter, r.claimLimit)
	if err != nil {
		return fmt.Errorf("claim schedules: %w", err)
	}

	for _, sched := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.runSchedule(ctx, sched)
	}
	return nil
}

func (r *Runner) runSchedule(ctx context.Context, sched store.ReportSchedule) {
	run, err := r.gen.Generate(ctx, sched.ProjectID, &sched.ID, sched.Format, sched.WindowDays)
	if err != nil {
		r.logger.Warn("scheduled report failed", "schedule", sched.ID, "error", err)
	} else if r.mailer != nil && len(sched.Recipients) > 0 {
		subject := fmt.Sprintf("[Faultline] %s report: %s", sched.Cadence, sched.Name)
		if err := r.mailer.SendReport(ctx, sched.Recipients, subject, summaryBody(sched, run), run.FilePath); err != nil {
			r.logger.Warn("report delivery failed", "schedule", sched.ID, "run", run.ID, "error", err)
		}
	}

	ranAt := r.now()
	next, err := NextRun(&sched, ranAt)
	if err != nil {
		// Unschedulable cadence; park the next run a day out so the row
		// stays visible instead of being reclaimed every tick.
		r.logger.Error("cadence advance failed", "schedule", sched.ID, "error", err)
		next = ranAt.Add(24 * time.Hour)
	}
	if err := r.store.FinishSchedule(ctx, sched.ID, ranAt, next); err != nil {
		r.logger.Warn("finish schedule", "schedule", sched.ID, "error", err)
	}
}

func summaryBody(sched store.ReportSchedule, run *store.ReportRun) string {
	body := fmt.Sprintf("Your %s report %q is attached (%s, %d bytes).",
		sched.Cadence, sched.Name, run.Format, run.FileSize)
	if window, ok := run.Summary["window"].(map[string]any); ok {
		body += fmt.Sprintf("\nWindow: %v to %v.", window["from"], window["to"])
	}
	return body
}
