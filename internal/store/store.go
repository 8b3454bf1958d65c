// Package store defines the domain model and the persistence contract.
//
// Store is the single persistence seam: the in-memory backend serves tests
// and ephemeral runs, the sqlite backend is authoritative in production.
// Both are exercised by the conformance suite in storetest.
//
// Tenancy: every project-scoped read and write takes the projectID and
// treats rows of other projects as absent (ErrNotFound, never a permission
// error), so cross-tenant probing is indistinguishable from a miss.
//
// Semantics the backends must uphold rather than the callers:
//   - AppendOccurrence is atomic: group upsert and occurrence insert commit
//     together, so Count always equals the number of successful appends.
//   - UpdateGroupStatus enforces the status transition graph atomically
//     with the current state.
//   - ClaimDueSchedules claims via compare-and-set so concurrent tickers
//     never double-run a schedule inside the stale window.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound marks a missing row, including rows hidden by tenant scope.
var ErrNotFound = errors.New("not found")

// ErrConflict marks a uniqueness violation (duplicate key hash, duplicate
// user email, duplicate fingerprint insert race).
var ErrConflict = errors.New("conflict")

// ErrInvalidTransition marks a status change outside the allowed graph.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store persists all monitoring state.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
	GetProjectByKeyHash(ctx context.Context, keyHash string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	UpdateProject(ctx context.Context, p *Project) error
	RotateProjectKey(ctx context.Context, id uuid.UUID, keyHash, keyPreview string) error
	DeleteProject(ctx context.Context, id uuid.UUID) error

	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error

	// Groups and occurrences.
	//
	// AppendOccurrence upserts the group keyed by (occ.ProjectID,
	// occ.Fingerprint) and appends occ in one atomic operation: on first
	// sight the group is created with Count=1, FirstSeen=LastSeen=occ.
	// Timestamp, Status=new and the given severity; otherwise Count is
	// incremented, LastSeen advances to max(LastSeen, occ.Timestamp) and
	// the representative stack is filled only if still empty. Returns the
	// resulting group and whether it was created by this call.
	AppendOccurrence(ctx context.Context, occ *Occurrence, severity string) (*ErrorGroup, bool, error)
	GetGroup(ctx context.Context, projectID, id uuid.UUID) (*ErrorGroup, error)
	GetGroupByFingerprint(ctx context.Context, projectID uuid.UUID, fingerprint string) (*ErrorGroup, error)
	ListGroups(ctx context.Context, projectID uuid.UUID, q GroupQuery) ([]ErrorGroup, int64, error)
	UpdateGroupStatus(ctx context.Context, projectID, id uuid.UUID, status GroupStatus, at time.Time) (*ErrorGroup, error)
	SetGroupAssignment(ctx context.Context, projectID, id uuid.UUID, memberID *uuid.UUID, at time.Time) (*ErrorGroup, error)
	DeleteGroup(ctx context.Context, projectID, id uuid.UUID) error
	ListOccurrences(ctx context.Context, projectID, errorID uuid.UUID, limit int) ([]Occurrence, int64, error)
	CountOccurrences(ctx context.Context, projectID uuid.UUID, fingerprint, environment string, from, to time.Time) (int64, error)

	// Alert rules
	CreateRule(ctx context.Context, r *AlertRule) error
	GetRule(ctx context.Context, projectID, id uuid.UUID) (*AlertRule, error)
	ListRules(ctx context.Context, projectID uuid.UUID) ([]AlertRule, error)
	ListEnabledRules(ctx context.Context, projectID uuid.UUID) ([]AlertRule, error)
	UpdateRule(ctx context.Context, r *AlertRule) error
	MarkRuleTriggered(ctx context.Context, projectID, id uuid.UUID, at time.Time) error
	SetRuleLastError(ctx context.Context, projectID, id uuid.UUID, message string) error
	DeleteRule(ctx context.Context, projectID, id uuid.UUID) error

	// Notification state
	GetNotificationState(ctx context.Context, projectID uuid.UUID, kind NotificationKind, key string) (*NotificationState, error)
	PutNotificationState(ctx context.Context, st *NotificationState) error

	// Digest entries
	AddDigestEntry(ctx context.Context, e *DigestEntry) error
	PendingDigestEntries(ctx context.Context, projectID, memberID uuid.UUID) ([]DigestEntry, error)
	MarkDigestEntriesProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error

	// Team members
	CreateMember(ctx context.Context, m *TeamMember) error
	GetMember(ctx context.Context, projectID, id uuid.UUID) (*TeamMember, error)
	GetMemberByEmail(ctx context.Context, projectID uuid.UUID, email string) (*TeamMember, error)
	ListMembers(ctx context.Context, projectID uuid.UUID) ([]TeamMember, error)
	UpdateMember(ctx context.Context, m *TeamMember) error
	SetMemberDigestSentAt(ctx context.Context, projectID, id uuid.UUID, at time.Time) error
	DeleteMember(ctx context.Context, projectID, id uuid.UUID) error

	// Deployments
	AddDeployment(ctx context.Context, d *Deployment) error
	ListDeployments(ctx context.Context, projectID uuid.UUID, from, to time.Time, limit int) ([]Deployment, error)

	// Report schedules.
	//
	// ClaimDueSchedules atomically claims every active schedule with
	// NextRunAt <= now whose last claim is absent or older than staleAfter,
	// stamping LastClaimAt=now. FinishSchedule releases the claim and
	// advances the cadence.
	CreateSchedule(ctx context.Context, s *ReportSchedule) error
	GetSchedule(ctx context.Context, projectID, id uuid.UUID) (*ReportSchedule, error)
	ListSchedules(ctx context.Context, projectID uuid.UUID) ([]ReportSchedule, error)
	UpdateSchedule(ctx context.Context, s *ReportSchedule) error
	DeleteSchedule(ctx context.Context, projectID, id uuid.UUID) error
	ClaimDueSchedules(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]ReportSchedule, error)
	FinishSchedule(ctx context.Context, id uuid.UUID, ranAt, nextRunAt time.Time) error

	// Report runs
	CreateRun(ctx context.Context, r *ReportRun) error
	GetRun(ctx context.Context, projectID, id uuid.UUID) (*ReportRun, error)
	ListRuns(ctx context.Context, projectID uuid.UUID, limit int) ([]ReportRun, error)
	UpdateRun(ctx context.Context, r *ReportRun) error
	SetRunShareToken(ctx context.Context, projectID, id uuid.UUID, tokenHash string, expiresAt time.Time) error
	GetRunByShareToken(ctx context.Context, tokenHash string, now time.Time) (*ReportRun, error)

	// Retention. Both calls are idempotent and never touch Count.
	DeleteOccurrencesBefore(ctx context.Context, projectID uuid.UUID, cutoff time.Time, limit int) (int64, error)
	DeleteEmptyGroupsBefore(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error)

	// Analytics
	Overview(ctx context.Context, projectID uuid.UUID, from, to time.Time) (*Overview, error)
	Trend(ctx context.Context, projectID uuid.UUID, from, to time.Time, bucket time.Duration) ([]TrendPoint, error)
	TopGroups(ctx context.Context, projectID uuid.UUID, from, to time.Time, limit int) ([]GroupCount, error)
	UserImpact(ctx context.Context, projectID uuid.UUID, from, to time.Time, limit int) ([]ImpactRow, error)
	ResolutionStats(ctx context.Context, projectID uuid.UUID, from, to time.Time) (*ResolutionStats, error)

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error
}
