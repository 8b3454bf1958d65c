package store

import (
	"time"

	"github.com/google/uuid"
)

// GroupQuery selects and orders error groups for listing. Zero values mean
// "no filter". Date bounds apply to LastSeen.
type GroupQuery struct {
	Page        int
	Limit       int
	Environment string
	Status      GroupStatus
	StartDate   *time.Time
	EndDate     *time.Time
	SourceFile  string // substring match on representative stack files
	Search      string // substring match on message
	SortBy      string // lastSeen, firstSeen or count (default lastSeen)
	SortOrder   string // asc or desc (default desc)
}

// Normalize clamps paging and fills sort defaults.
func (q GroupQuery) Normalize() GroupQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	switch q.SortBy {
	case "firstSeen", "count", "lastSeen":
	default:
		q.SortBy = "lastSeen"
	}
	if q.SortOrder != "asc" {
		q.SortOrder = "desc"
	}
	return q
}

// Offset is the row offset implied by Page and Limit.
func (q GroupQuery) Offset() int { return (q.Page - 1) * q.Limit }

// Overview is the top-line aggregation for a time range.
type Overview struct {
	TotalGroups       int64            `json:"totalGroups"`
	TotalOccurrences  int64            `json:"totalOccurrences"`
	WindowOccurrences int64            `json:"windowOccurrences"`
	ByStatus          map[string]int64 `json:"byStatus"`
	BySeverity        map[string]int64 `json:"bySeverity"`
	ByEnvironment     map[string]int64 `json:"byEnvironment"`
}

// TrendPoint is one time bucket of occurrence volume.
type TrendPoint struct {
	Start time.Time `json:"start"`
	Count int64     `json:"count"`
}

// GroupCount pairs a group with its occurrence count inside the queried
// window (as opposed to the group's lifetime Count).
type GroupCount struct {
	Group       ErrorGroup `json:"group"`
	WindowCount int64      `json:"windowCount"`
}

// ImpactRow reports how many distinct end users hit a group in the window.
// Users are distinguished by their (scrubbed) userContext id.
type ImpactRow struct {
	GroupID       uuid.UUID `json:"errorId"`
	Message       string    `json:"message"`
	Severity      string    `json:"severity"`
	ImpactedUsers int64     `json:"impactedUsers"`
}

// ResolutionStats summarizes triage throughput for a time range.
type ResolutionStats struct {
	ResolvedCount        int64               `json:"resolvedCount"`
	OpenCount            int64               `json:"openCount"`
	AvgResolutionSeconds float64             `json:"avgResolutionSeconds"`
	ByAssignee           map[uuid.UUID]int64 `json:"byAssignee,omitempty"`
}
