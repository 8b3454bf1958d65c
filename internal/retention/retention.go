// Package retention deletes telemetry past each project's retention
// horizon. Occurrences go first, in bounded batches so the store is never
// locked for a full project's worth of deletes; groups whose last
// activity predates the cutoff and whose occurrences are all gone follow.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"faultline/internal/logging"
	"faultline/internal/store"
)

// DefaultBatchSize bounds one occurrence delete. The sweep loops until
// a short batch, so the size only controls lock granularity.
const DefaultBatchSize = 500

// Sweeper runs the retention pass across all projects.
type Sweeper struct {
	store     store.Store
	logger    *slog.Logger
	batchSize int

	// Clock for testing
	now func() time.Time
}

func NewSweeper(st store.Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:     st,
		logger:    logging.Default(logger).With("component", "retention"),
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
}

// Sweep processes every project once and returns the occurrence and
// group totals it removed. Each batch is its own store call, so
// cancellation between batches loses nothing: the next sweep resumes
// at the same cutoff. Per-project failures are logged and skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int64, int64, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list projects: %w", err)
	}

	now := s.now()
	var totalOccs, totalGroups int64
	for _, p := range projects {
		occs, groups, err := s.sweepProject(ctx, p, now)
		totalOccs += occs
		totalGroups += groups
		if err != nil {
			if ctx.Err() != nil {
				return totalOccs, totalGroups, ctx.Err()
			}
			s.logger.Warn("retention sweep failed", "project", p.ID, "error", err)
			continue
		}
	}
	if totalOccs > 0 || totalGroups > 0 {
		s.logger.Info("retention sweep complete", "occurrences", totalOccs, "groups", totalGroups)
	}
	return totalOccs, totalGroups, nil
}

func (s *Sweeper) sweepProject(ctx context.Context, p store.Project, now time.Time) (int64, int64, error) {
	days := p.RetentionDays
	if days <= 0 {
		days = store.DefaultRetentionDays
	}
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)

	occs, err := s.deleteOccurrences(ctx, p.ID, cutoff)
	if err != nil {
		return occs, 0, err
	}

	groups, err := s.store.DeleteEmptyGroupsBefore(ctx, p.ID, cutoff)
	if err != nil {
		return occs, 0, fmt.Errorf("delete groups: %w", err)
	}
	return occs, groups, nil
}

func (s *Sweeper) deleteOccurrences(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := s.store.DeleteOccurrencesBefore(ctx, projectID, cutoff, s.batchSize)
		total += n
		if err != nil {
			return total, fmt.Errorf("delete occurrences: %w", err)
		}
		if n < int64(s.batchSize) {
			return total, nil
		}
	}
}
