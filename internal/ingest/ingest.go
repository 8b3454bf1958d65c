// Package ingest implements the gateway write path: validate, normalize,
// scrub, fingerprint, enrich, and append to the aggregation store as one
// atomic group upsert.
//
// Store faults degrade instead of failing the client: a circuit breaker
// watches AppendOccurrence, and while the store is down events are dropped
// after a structured log line. Callers translate a degraded Result into
// 202 Accepted.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"faultline/internal/alert"
	"faultline/internal/config"
	"faultline/internal/enrich"
	"faultline/internal/fingerprint"
	"faultline/internal/logging"
	"faultline/internal/scrub"
	"faultline/internal/store"
)

// Result is the outcome of one accepted event. When Degraded is set only
// Fingerprint is meaningful: nothing was persisted and no evaluation runs.
type Result struct {
	GroupID     uuid.UUID
	Fingerprint string
	Count       int64
	Created     bool
	Degraded    bool

	// Event feeds the evaluation pipeline.
	Event alert.Event
}

// Service is the ingestion gateway.
type Service struct {
	store    store.Store
	enricher *enrich.Enricher
	validate *validator.Validate
	breaker  *gobreaker.CircuitBreaker
	oversize config.OversizeMode
	logger   *slog.Logger

	// Clock for testing
	now func() time.Time
}

func New(st store.Store, enricher *enrich.Enricher, oversize config.OversizeMode, logger *slog.Logger) *Service {
	logger = logging.Default(logger).With("component", "ingest")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-append",
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("store breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	return &Service{
		store:    st,
		enricher: enricher,
		validate: newValidator(),
		breaker:  breaker,
		oversize: oversize,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest runs the write path for one event of project p. It returns a
// *ValidationError for payload violations; store faults come back as a
// degraded Result, never as an error.
func (s *Service) Ingest(ctx context.Context, p *store.Project, payload *Payload) (*Result, error) {
	if err := s.check(payload); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	ts := now
	// Client timestamps are honored but the server clock wins on claims
	// from the future, keeping lastSeen meaningful.
	if payload.Timestamp != nil && !payload.Timestamp.IsZero() && payload.Timestamp.Before(now) {
		ts = payload.Timestamp.UTC()
	}

	severity := store.NormalizeSeverity(strings.ToLower(strings.TrimSpace(payload.Severity)))

	occ := &store.Occurrence{
		ID:          uuid.Must(uuid.NewV7()),
		ProjectID:   p.ID,
		Timestamp:   ts,
		Message:     payload.Message,
		StackTrace:  payload.StackTrace,
		UserContext: payload.UserContext,
		Metadata:    payload.Metadata,
		Environment: payload.Environment,
		SessionID:   payload.SessionID,
	}

	// Scrub before fingerprinting so identity can never encode PII. The
	// scrubber also enforces the 10KB field bound, which is what truncate
	// mode relies on for oversize messages.
	scrub.New(p.Scrub).Occurrence(occ)

	// Severity stays out of the identity: one fault is one group even when
	// clients disagree about how bad it is.
	occ.Fingerprint = fingerprint.Compute(occ.Message, occ.StackTrace, occ.Environment, "")

	if s.enricher != nil {
		s.enricher.Apply(occ)
	}

	group, created, err := s.append(ctx, occ, severity)
	if err != nil {
		s.logger.Warn("event dropped, store unavailable",
			"project_id", p.ID,
			"fingerprint", occ.Fingerprint,
			"environment", occ.Environment,
			"error", err,
		)
		return &Result{Fingerprint: occ.Fingerprint, Degraded: true}, nil
	}

	ev := alert.Event{
		ProjectID:    p.ID,
		GroupID:      group.ID,
		OccurrenceID: occ.ID,
		Fingerprint:  occ.Fingerprint,
		Message:      occ.Message,
		Severity:     severity,
		Environment:  occ.Environment,
		Timestamp:    ts,
		IsNew:        created,
		Count:        group.Count,
		FirstSeen:    group.FirstSeen,
		LastSeen:     group.LastSeen,
	}
	if occ.UserContext != nil {
		ev.UserSegment = occ.UserContext.Segment
	}
	for _, f := range occ.StackTrace {
		if f.File != "" {
			ev.Files = append(ev.Files, f.File)
		}
	}

	return &Result{
		GroupID:     group.ID,
		Fingerprint: occ.Fingerprint,
		Count:       group.Count,
		Created:     created,
		Event:       ev,
	}, nil
}

// append funnels the store write through the breaker, so a down store trips
// after a few consecutive failures and ingest stops paying the timeout.
func (s *Service) append(ctx context.Context, occ *store.Occurrence, severity string) (*store.ErrorGroup, bool, error) {
	type appended struct {
		group   *store.ErrorGroup
		created bool
	}
	v, err := s.breaker.Execute(func() (any, error) {
		g, created, err := s.store.AppendOccurrence(ctx, occ, severity)
		if err != nil {
			return nil, err
		}
		return appended{group: g, created: created}, nil
	})
	if err != nil {
		return nil, false, err
	}
	a := v.(appended)
	return a.group, a.created, nil
}

// check validates the payload shape and applies the oversize policy.
func (s *Service) check(payload *Payload) error {
	fields := validationFields(s.validate.Struct(payload))

	if len(payload.Message) > MaxMessageBytes && s.oversize == config.OversizeReject {
		fields["message"] = fmt.Sprintf("must be at most %d bytes", MaxMessageBytes)
	}
	if size := metadataSize(payload.Metadata); size > MaxMetadataBytes {
		fields["metadata"] = fmt.Sprintf("must be at most %d bytes total", MaxMetadataBytes)
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
