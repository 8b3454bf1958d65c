// Package report produces project summary reports: on-demand runs, the
// recurring schedule runner, artifact files and public share tokens.
//
// A run aggregates the analytics queries over a trailing window and
// writes the result to disk. JSON and CSV render in-process; pdf and
// xlsx schedules produce the JSON artifact and mark the summary for an
// external renderer.
package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"faultline/internal/logging"
	"faultline/internal/store"
)

const (
	defaultWindowDays = 7
	topGroupLimit     = 10
	impactLimit       = 10
)

// Generator builds report runs and their artifacts.
type Generator struct {
	store  store.Store
	dir    string
	logger *slog.Logger

	// Clock for testing
	now func() time.Time
}

// NewGenerator writes artifacts under dir, creating it on first use.
func NewGenerator(st store.Store, dir string, logger *slog.Logger) *Generator {
	return &Generator{
		store:  st,
		dir:    dir,
		logger: logging.Default(logger).With("component", "report"),
		now:    time.Now,
	}
}

// Generate produces one run over the trailing window. The run row is
// created pending before any aggregation so a crash leaves a visible
// stuck run instead of nothing; failures are recorded on the row.
func (g *Generator) Generate(ctx context.Context, projectID uuid.UUID, scheduleID *uuid.UUID, format string, windowDays int) (*store.ReportRun, error) {
	format = normalizeFormat(format)
	if windowDays <= 0 {
		windowDays = defaultWindowDays
	}

	now := g.now()
	run := &store.ReportRun{
		ID:         uuid.Must(uuid.NewV7()),
		ProjectID:  projectID,
		ScheduleID: scheduleID,
		Status:     store.RunPending,
		Format:     format,
		StartedAt:  now,
	}
	if err := g.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	summary, err := g.buildSummary(ctx, projectID, now.Add(-time.Duration(windowDays)*24*time.Hour), now, windowDays, format)
	if err != nil {
		return g.fail(ctx, run, err)
	}

	path, size, err := g.writeArtifact(run.ID, format, summary)
	if err != nil {
		return g.fail(ctx, run, err)
	}

	done := g.now()
	run.Status = store.RunSuccess
	run.FilePath = path
	run.FileSize = size
	run.Summary = summary
	run.CompletedAt = &done
	if err := g.store.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("finalize run: %w", err)
	}
	g.logger.Info("report generated", "run", run.ID, "project", projectID, "format", format, "bytes", size)
	return run, nil
}

func (g *Generator) fail(ctx context.Context, run *store.ReportRun, cause error) (*store.ReportRun, error) {
	done := g.now()
	run.Status = store.RunFailed
	run.Error = cause.Error()
	run.CompletedAt = &done
	if err := g.store.UpdateRun(ctx, run); err != nil {
		g.logger.Warn("record failed run", "run", run.ID, "error", err)
	}
	return run, cause
}

func (g *Generator) buildSummary(ctx context.Context, projectID uuid.UUID, from, to time.Time, windowDays int, format string) (map[string]any, error) {
	overview, err := g.store.Overview(ctx, projectID, from, to)
	if err != nil {
		return nil, fmt.Errorf("overview: %w", err)
	}

	bucket := time.Hour
	if windowDays >= 2 {
		bucket = 24 * time.Hour
	}
	trend, err := g.store.Trend(ctx, projectID, from, to, bucket)
	if err != nil {
		return nil, fmt.Errorf("trend: %w", err)
	}

	top, err := g.store.TopGroups(ctx, projectID, from, to, topGroupLimit)
	if err != nil {
		return nil, fmt.Errorf("top groups: %w", err)
	}

	impact, err := g.store.UserImpact(ctx, projectID, from, to, impactLimit)
	if err != nil {
		return nil, fmt.Errorf("user impact: %w", err)
	}

	resolution, err := g.store.ResolutionStats(ctx, projectID, from, to)
	if err != nil {
		return nil, fmt.Errorf("resolution stats: %w", err)
	}

	summary := map[string]any{
		"projectId": projectID.String(),
		"window": map[string]any{
			"from": from.UTC().Format(time.RFC3339),
			"to":   to.UTC().Format(time.RFC3339),
			"days": windowDays,
		},
		"overview":   overview,
		"trend":      trend,
		"topErrors":  top,
		"userImpact": impact,
		"resolution": resolution,
	}
	if format == "pdf" || format == "xlsx" {
		// Rendering to these formats is an external concern; the artifact
		// on disk is the JSON source the renderer consumes.
		summary["renderer"] = "external"
	}
	return summary, nil
}

// writeArtifact renders the summary to <dir>/<run-id>.<ext> and returns
// the path and size.
func (g *Generator) writeArtifact(runID uuid.UUID, format string, summary map[string]any) (string, int64, error) {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("reports dir: %w", err)
	}

	ext := "json"
	if format == "csv" {
		ext = "csv"
	}
	path := filepath.Join(g.dir, runID.String()+"."+ext)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create artifact: %w", err)
	}
	defer f.Close()

	switch ext {
	case "csv":
		err = writeCSV(f, summary)
	default:
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		err = enc.Encode(summary)
	}
	if err != nil {
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat artifact: %w", err)
	}
	return path, info.Size(), nil
}

// writeCSV renders the top-error table, the part of the summary that
// makes sense as rows.
func writeCSV(f *os.File, summary map[string]any) error {
	top, _ := summary["topErrors"].([]store.GroupCount)

	w := csv.NewWriter(f)
	header := []string{"message", "severity", "environment", "status", "windowCount", "totalCount", "firstSeen", "lastSeen"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, gc := range top {
		rec := []string{
			gc.Group.Message,
			gc.Group.Severity,
			gc.Group.Environment,
			string(gc.Group.Status),
			strconv.FormatInt(gc.WindowCount, 10),
			strconv.FormatInt(gc.Group.Count, 10),
			gc.Group.FirstSeen.UTC().Format(time.RFC3339),
			gc.Group.LastSeen.UTC().Format(time.RFC3339),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func normalizeFormat(format string) string {
	switch format {
	case "csv", "pdf", "xlsx":
		return format
	default:
		return "json"
	}
}
