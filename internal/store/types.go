package store

import (
	"time"

	"github.com/google/uuid"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectDisabled ProjectStatus = "disabled"
)

// ScrubPolicy toggles the named PII passes. The always-on passes (cards,
// tokens, HTML) are not configurable.
type ScrubPolicy struct {
	RemoveEmails bool `json:"removeEmails"`
	RemovePhones bool `json:"removePhones"`
	RemoveIPs    bool `json:"removeIPs"`
}

// DefaultRetentionDays applies when a project's retention window is unset.
const DefaultRetentionDays = 90

// Project is a tenant. The ingest API key is never stored; only its SHA-256
// hash and a short preview for display.
type Project struct {
	ID            uuid.UUID     `json:"id"`
	Name          string        `json:"name"`
	Status        ProjectStatus `json:"status"`
	APIKeyHash    string        `json:"-"`
	APIKeyPreview string        `json:"apiKeyPreview"`
	Scrub         ScrubPolicy   `json:"scrubbing"`
	RetentionDays int           `json:"retentionDays"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Role is a membership role. Grants are strictly ordered:
// viewer < developer < admin.
type Role string

const (
	RoleViewer    Role = "viewer"
	RoleDeveloper Role = "developer"
	RoleAdmin     Role = "admin"
)

var roleRank = map[Role]int{RoleViewer: 1, RoleDeveloper: 2, RoleAdmin: 3}

// AtLeast reports whether r grants everything min does.
func (r Role) AtLeast(min Role) bool { return roleRank[r] >= roleRank[min] }

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return roleRank[r] != 0 }

// Membership binds a user to a project with a role.
type Membership struct {
	ProjectID uuid.UUID `json:"projectId"`
	Role      Role      `json:"role"`
}

// User is a dashboard identity. Credentials are held as argon2id hashes.
type User struct {
	ID           uuid.UUID    `json:"id"`
	Email        string       `json:"email"`
	PasswordHash string       `json:"-"`
	Memberships  []Membership `json:"memberships"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// RoleFor returns the user's role in the project, or "" if not a member.
func (u *User) RoleFor(projectID uuid.UUID) Role {
	for _, m := range u.Memberships {
		if m.ProjectID == projectID {
			return m.Role
		}
	}
	return ""
}

// GroupStatus is the triage state of an error group.
type GroupStatus string

const (
	StatusNew           GroupStatus = "new"
	StatusOpen          GroupStatus = "open"
	StatusInvestigating GroupStatus = "investigating"
	StatusResolved      GroupStatus = "resolved"
	StatusIgnored       GroupStatus = "ignored"
)

// Valid reports whether s is a known status.
func (s GroupStatus) Valid() bool {
	switch s {
	case StatusNew, StatusOpen, StatusInvestigating, StatusResolved, StatusIgnored:
		return true
	}
	return false
}

// CanTransitionTo reports whether s → next is an allowed transition.
// Forward moves follow new → open → investigating → resolved; ignored is
// reachable from any non-terminal state; resolved and ignored reopen to open.
func (s GroupStatus) CanTransitionTo(next GroupStatus) bool {
	switch s {
	case StatusNew:
		return next == StatusOpen || next == StatusInvestigating || next == StatusResolved || next == StatusIgnored
	case StatusOpen:
		return next == StatusInvestigating || next == StatusResolved || next == StatusIgnored
	case StatusInvestigating:
		return next == StatusResolved || next == StatusIgnored
	case StatusResolved, StatusIgnored:
		return next == StatusOpen
	}
	return false
}

// Frame is one stack frame of an ingested error.
type Frame struct {
	Function string `json:"function,omitempty"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	InApp    bool   `json:"inApp,omitempty"`
}

// Assignment is one entry of a group's assignment history. A nil
// UnassignedAt marks the current assignee.
type Assignment struct {
	MemberID     uuid.UUID  `json:"memberId"`
	AssignedAt   time.Time  `json:"assignedAt"`
	UnassignedAt *time.Time `json:"unassignedAt,omitempty"`
}

// ErrorGroup aggregates occurrences sharing a fingerprint within a project.
// (ProjectID, Fingerprint) is unique. Count only grows outside retention.
type ErrorGroup struct {
	ID                uuid.UUID    `json:"id"`
	ProjectID         uuid.UUID    `json:"projectId"`
	Fingerprint       string       `json:"fingerprint"`
	Message           string       `json:"message"`
	StackTrace        []Frame      `json:"stackTrace,omitempty"`
	Environment       string       `json:"environment"`
	Severity          string       `json:"severity"`
	FirstSeen         time.Time    `json:"firstSeen"`
	LastSeen          time.Time    `json:"lastSeen"`
	Count             int64        `json:"count"`
	Status            GroupStatus  `json:"status"`
	AssignedTo        *uuid.UUID   `json:"assignedTo,omitempty"`
	AssignmentHistory []Assignment `json:"assignmentHistory,omitempty"`
	ResolvedAt        *time.Time   `json:"resolvedAt,omitempty"`
}

// UserContext is the (scrubbed) end-user context attached to an occurrence.
type UserContext struct {
	ID      string `json:"id,omitempty"`
	Email   string `json:"email,omitempty"`
	IP      string `json:"ip,omitempty"`
	Segment string `json:"segment,omitempty"`
}

// Occurrence is one ingested event. Immutable; deleted only by retention or
// group deletion. All string content is stored post-scrub.
type Occurrence struct {
	ID          uuid.UUID      `json:"id"`
	ErrorID     uuid.UUID      `json:"errorId"`
	ProjectID   uuid.UUID      `json:"projectId"`
	Fingerprint string         `json:"fingerprint"`
	Timestamp   time.Time      `json:"timestamp"`
	Message     string         `json:"message"`
	StackTrace  []Frame        `json:"stackTrace,omitempty"`
	UserContext *UserContext   `json:"userContext,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Environment string         `json:"environment"`
	SessionID   string         `json:"sessionId,omitempty"`
}

// Severity levels, ordered by weight.
const (
	SeverityDebug    = "debug"
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// NormalizeSeverity folds common aliases onto the canonical levels.
// Unknown or empty input becomes "error".
func NormalizeSeverity(s string) string {
	switch s {
	case SeverityDebug, "trace":
		return SeverityDebug
	case SeverityInfo, "notice", "log":
		return SeverityInfo
	case SeverityWarning, "warn":
		return SeverityWarning
	case SeverityCritical, "fatal", "panic", "emergency", "alert":
		return SeverityCritical
	default:
		return SeverityError
	}
}

// RuleType discriminates the alert rule variants.
type RuleType string

const (
	RuleThreshold RuleType = "threshold"
	RuleSpike     RuleType = "spike"
	RuleNewError  RuleType = "new_error"
	RuleCritical  RuleType = "critical"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleThreshold, RuleSpike, RuleNewError, RuleCritical:
		return true
	}
	return false
}

// FilterNode is one node of a rule's scope filter tree. Internal nodes set
// Op ("and"/"or") and Conditions; leaves set Field, Operator and Value.
// Leaf fields: environment, severity, userSegment, file, fingerprint.
// Leaf operators: equals, contains, startsWith, in, not.
type FilterNode struct {
	Op         string       `json:"op,omitempty"`
	Conditions []FilterNode `json:"conditions,omitempty"`
	Field      string       `json:"field,omitempty"`
	Operator   string       `json:"operator,omitempty"`
	Value      any          `json:"value,omitempty"`
}

// Leaf reports whether the node is a leaf condition.
func (n *FilterNode) Leaf() bool { return n.Op == "" }

// RuleConditions is the per-type condition payload. Which fields apply
// depends on the rule type; Environments and Filter scope every type.
type RuleConditions struct {
	// threshold
	Threshold     int `json:"threshold,omitempty"`
	WindowMinutes int `json:"windowMinutes,omitempty"`

	// spike
	BaselineMinutes int     `json:"baselineMinutes,omitempty"`
	IncreasePercent float64 `json:"increasePercent,omitempty"`

	// critical: severity match (default critical) or fingerprint pattern
	Severity    string `json:"severity,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`

	// scope, any type
	Environments []string    `json:"environments,omitempty"`
	Filter       *FilterNode `json:"filter,omitempty"`
}

// ChannelConfig is one delivery target of a rule.
type ChannelConfig struct {
	Type    string            `json:"type"`
	Target  string            `json:"target"`
	Options map[string]string `json:"options,omitempty"`
}

// AlertRule is a per-project alert definition. A disabled rule never
// triggers.
type AlertRule struct {
	ID               uuid.UUID       `json:"id"`
	ProjectID        uuid.UUID       `json:"projectId"`
	Name             string          `json:"name"`
	Type             RuleType        `json:"type"`
	Enabled          bool            `json:"enabled"`
	CooldownMinutes  int             `json:"cooldownMinutes"`
	Conditions       RuleConditions  `json:"conditions"`
	Channels         []ChannelConfig `json:"channels"`
	LastTriggeredAt  *time.Time      `json:"lastTriggeredAt,omitempty"`
	LastErrorMessage string          `json:"lastErrorMessage,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Alert evaluation reasons.
const (
	ReasonThresholdExceeded   = "threshold_exceeded"
	ReasonSpikeDetected       = "spike_detected"
	ReasonNewError            = "new_error"
	ReasonCriticalSeverity    = "critical_severity"
	ReasonCriticalFingerprint = "critical_fingerprint"
)

// Alert is the dispatch-time snapshot of a triggered rule. It is carried by
// value everywhere (digest entries stay renderable after the rule or group
// is deleted).
type Alert struct {
	ID              uuid.UUID      `json:"id"`
	ProjectID       uuid.UUID      `json:"projectId"`
	RuleID          uuid.UUID      `json:"ruleId"`
	RuleName        string         `json:"ruleName"`
	RuleType        RuleType       `json:"ruleType"`
	Reason          string         `json:"reason"`
	GroupID         uuid.UUID      `json:"errorId"`
	Fingerprint     string         `json:"fingerprint"`
	Message         string         `json:"message"`
	Severity        string         `json:"severity"`
	Environment     string         `json:"environment"`
	Count           int64          `json:"count"`
	FirstSeen       time.Time      `json:"firstSeen"`
	LastSeen        time.Time      `json:"lastSeen"`
	TriggeredAt     time.Time      `json:"triggeredAt"`
	CooldownMinutes int            `json:"cooldownMinutes"`
	Context         map[string]any `json:"context,omitempty"`
	WhyItMatters    string         `json:"whyItMatters,omitempty"`
	NextSteps       []string       `json:"nextSteps,omitempty"`
	Deployments     []Deployment   `json:"deployments,omitempty"`
	Similar         []Occurrence   `json:"similarIncidents,omitempty"`
}

// NotificationKind discriminates notification state rows.
type NotificationKind string

const (
	NotifyCooldown   NotificationKind = "cooldown"
	NotifyEscalation NotificationKind = "escalation"
)

// NotificationState records the last fire per (rule, fingerprint, env)
// cooldown key, and escalation progress. Authoritative in the store so
// multiple processes share one cooldown clock.
type NotificationState struct {
	ProjectID uuid.UUID        `json:"projectId"`
	Kind      NotificationKind `json:"kind"`
	Key       string           `json:"key"`
	FiredAt   time.Time        `json:"firedAt"`
	Level     int              `json:"level,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// DigestEntry is a deferred alert waiting for a member's digest flush.
type DigestEntry struct {
	ID          uuid.UUID  `json:"id"`
	ProjectID   uuid.UUID  `json:"projectId"`
	MemberID    uuid.UUID  `json:"memberId"`
	RuleID      uuid.UUID  `json:"ruleId"`
	Alert       Alert      `json:"alert"`
	CreatedAt   time.Time  `json:"createdAt"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// QuietHours is a member's do-not-disturb window in their own timezone.
// Start and End are "HH:MM"; the window may wrap midnight.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// InEffect reports whether t falls inside the window, evaluated in the
// member's timezone (UTC when the timezone is missing or unknown).
// Malformed or zero-length windows are never in effect.
func (q QuietHours) InEffect(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, ok1 := clockMinutes(q.Start)
	end, ok2 := clockMinutes(q.End)
	if !ok1 || !ok2 || start == end {
		return false
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)
	cur := local.Hour()*60 + local.Minute()
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func clockMinutes(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// DigestPref is a member's digest cadence state.
type DigestPref struct {
	Cadence    string     `json:"cadence,omitempty"` // daily or weekly
	LastSentAt *time.Time `json:"lastSentAt,omitempty"`
}

// EmailPreference controls how email alerts reach a member.
type EmailPreference struct {
	Mode       string     `json:"mode"` // immediate or digest
	QuietHours QuietHours `json:"quietHours"`
	Digest     DigestPref `json:"digest"`
}

// AlertPreferences groups a member's per-transport preferences.
type AlertPreferences struct {
	Email EmailPreference `json:"email"`
}

// TeamMember is a notification recipient within a project. Distinct from
// User: members need no login.
type TeamMember struct {
	ID          uuid.UUID        `json:"id"`
	ProjectID   uuid.UUID        `json:"projectId"`
	Name        string           `json:"name"`
	Email       string           `json:"email"`
	Role        string           `json:"role,omitempty"`
	Active      bool             `json:"active"`
	AvatarColor string           `json:"avatarColor,omitempty"`
	Prefs       AlertPreferences `json:"alertPreferences"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Deployment is a release marker used by alert enrichment and analytics.
// Never mutated by the pipeline.
type Deployment struct {
	ID        uuid.UUID         `json:"id"`
	ProjectID uuid.UUID         `json:"projectId"`
	Label     string            `json:"label"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ScheduleStatus is the report schedule state.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
)

// ReportSchedule declares a recurring report. NextRunAt is maintained while
// active; LastClaimAt implements the crash-safe claim (a claim older than
// the stale window is up for retry).
type ReportSchedule struct {
	ID          uuid.UUID      `json:"id"`
	ProjectID   uuid.UUID      `json:"projectId"`
	Name        string         `json:"name"`
	Cadence     string         `json:"cadence"`    // daily, weekly or monthly
	Weekday     time.Weekday   `json:"weekday"`    // weekly cadence
	DayOfMonth  int            `json:"dayOfMonth"` // monthly cadence, clamped to month end
	AtUTC       string         `json:"atUTC"`      // "HH:MM"
	Format      string         `json:"format"`     // json, csv, pdf or xlsx
	WindowDays  int            `json:"windowDays"`
	Recipients  []string       `json:"recipients"`
	Status      ScheduleStatus `json:"status"`
	LastRunAt   *time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt   *time.Time     `json:"nextRunAt,omitempty"`
	LastClaimAt *time.Time     `json:"-"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// RunStatus is the report run state.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// ReportRun is one produced report artifact.
type ReportRun struct {
	ID             uuid.UUID      `json:"id"`
	ProjectID      uuid.UUID      `json:"projectId"`
	ScheduleID     *uuid.UUID     `json:"scheduleId,omitempty"`
	Status         RunStatus      `json:"status"`
	Format         string         `json:"format"`
	FilePath       string         `json:"-"`
	FileSize       int64          `json:"fileSize"`
	Summary        map[string]any `json:"summary,omitempty"`
	Error          string         `json:"error,omitempty"`
	ShareTokenHash string         `json:"-"`
	ShareExpiresAt *time.Time     `json:"shareExpiresAt,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}
