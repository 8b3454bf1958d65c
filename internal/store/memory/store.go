// Package memory provides an in-memory Store implementation. It backs tests
// and ephemeral runs; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"faultline/internal/store"
)

// Store is an in-memory store.Store. All methods are safe for concurrent
// use; a single mutex guards every table, which also makes
// AppendOccurrence trivially atomic.
type Store struct {
	mu sync.Mutex

	projects map[uuid.UUID]*store.Project
	users    map[uuid.UUID]*store.User

	groups        map[uuid.UUID]*store.ErrorGroup
	byFingerprint map[string]uuid.UUID // projectID/fingerprint -> group id
	occurrences   []*store.Occurrence

	rules       map[uuid.UUID]*store.AlertRule
	notifStates map[string]*store.NotificationState
	digests     map[uuid.UUID]*store.DigestEntry
	members     map[uuid.UUID]*store.TeamMember
	deployments []*store.Deployment
	schedules   map[uuid.UUID]*store.ReportSchedule
	runs        map[uuid.UUID]*store.ReportRun
}

var _ store.Store = (*Store)(nil)

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		projects:      make(map[uuid.UUID]*store.Project),
		users:         make(map[uuid.UUID]*store.User),
		groups:        make(map[uuid.UUID]*store.ErrorGroup),
		byFingerprint: make(map[string]uuid.UUID),
		rules:         make(map[uuid.UUID]*store.AlertRule),
		notifStates:   make(map[string]*store.NotificationState),
		digests:       make(map[uuid.UUID]*store.DigestEntry),
		members:       make(map[uuid.UUID]*store.TeamMember),
		schedules:     make(map[uuid.UUID]*store.ReportSchedule),
		runs:          make(map[uuid.UUID]*store.ReportRun),
	}
}

func fpKey(projectID uuid.UUID, fingerprint string) string {
	return projectID.String() + "/" + fingerprint
}

func stateKey(projectID uuid.UUID, kind store.NotificationKind, key string) string {
	return projectID.String() + "/" + string(kind) + "/" + key
}

// Clone helpers. Everything handed out is a copy so callers can never
// mutate store state through a returned pointer.

func cloneProject(p *store.Project) *store.Project {
	cp := *p
	return &cp
}

func cloneUser(u *store.User) *store.User {
	cp := *u
	cp.Memberships = slices.Clone(u.Memberships)
	return &cp
}

func cloneGroup(g *store.ErrorGroup) *store.ErrorGroup {
	cp := *g
	cp.StackTrace = slices.Clone(g.StackTrace)
	cp.AssignmentHistory = slices.Clone(g.AssignmentHistory)
	if g.AssignedTo != nil {
		id := *g.AssignedTo
		cp.AssignedTo = &id
	}
	if g.ResolvedAt != nil {
		t := *g.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

func cloneOccurrence(o *store.Occurrence) *store.Occurrence {
	cp := *o
	cp.StackTrace = slices.Clone(o.StackTrace)
	if o.UserContext != nil {
		uc := *o.UserContext
		cp.UserContext = &uc
	}
	if o.Metadata != nil {
		cp.Metadata = maps.Clone(o.Metadata)
	}
	return &cp
}

func cloneRule(r *store.AlertRule) *store.AlertRule {
	cp := *r
	cp.Channels = slices.Clone(r.Channels)
	cp.Conditions.Environments = slices.Clone(r.Conditions.Environments)
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		cp.LastTriggeredAt = &t
	}
	return &cp
}

func cloneMember(m *store.TeamMember) *store.TeamMember {
	cp := *m
	if m.Prefs.Email.Digest.LastSentAt != nil {
		t := *m.Prefs.Email.Digest.LastSentAt
		cp.Prefs.Email.Digest.LastSentAt = &t
	}
	return &cp
}

func cloneDeployment(d *store.Deployment) *store.Deployment {
	cp := *d
	if d.Metadata != nil {
		cp.Metadata = maps.Clone(d.Metadata)
	}
	return &cp
}

func cloneSchedule(s *store.ReportSchedule) *store.ReportSchedule {
	cp := *s
	cp.Recipients = slices.Clone(s.Recipients)
	for _, src := range []struct {
		from *time.Time
		to   **time.Time
	}{
		{s.LastRunAt, &cp.LastRunAt},
		{s.NextRunAt, &cp.NextRunAt},
		{s.LastClaimAt, &cp.LastClaimAt},
	} {
		if src.from != nil {
			t := *src.from
			*src.to = &t
		}
	}
	return &cp
}

func cloneRun(r *store.ReportRun) *store.ReportRun {
	cp := *r
	if r.ScheduleID != nil {
		id := *r.ScheduleID
		cp.ScheduleID = &id
	}
	if r.Summary != nil {
		cp.Summary = maps.Clone(r.Summary)
	}
	if r.ShareExpiresAt != nil {
		t := *r.ShareExpiresAt
		cp.ShareExpiresAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneDigest(e *store.DigestEntry) *store.DigestEntry {
	cp := *e
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}

// Projects

func (s *Store) CreateProject(_ context.Context, p *store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == store.ProjectActive {
		for _, existing := range s.projects {
			if existing.Status == store.ProjectActive && existing.APIKeyHash == p.APIKeyHash {
				return fmt.Errorf("api key hash in use: %w", store.ErrConflict)
			}
		}
	}
	s.projects[p.ID] = cloneProject(p)
	return nil
}

func (s *Store) GetProject(_ context.Context, id uuid.UUID) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	return cloneProject(p), nil
}

func (s *Store) GetProjectByKeyHash(_ context.Context, keyHash string) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// An active and a disabled project may carry the same hash; the active
	// one wins.
	var fallback *store.Project
	for _, p := range s.projects {
		if p.APIKeyHash != keyHash {
			continue
		}
		if p.Status == store.ProjectActive {
			return cloneProject(p), nil
		}
		fallback = p
	}
	if fallback != nil {
		return cloneProject(fallback), nil
	}
	return nil, fmt.Errorf("project by key hash: %w", store.ErrNotFound)
}

func (s *Store) ListProjects(_ context.Context) ([]store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, *cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateProject(_ context.Context, p *store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.projects[p.ID]
	if !ok {
		return fmt.Errorf("project %s: %w", p.ID, store.ErrNotFound)
	}
	cp := cloneProject(p)
	// Key material only changes through RotateProjectKey.
	cp.APIKeyHash = existing.APIKeyHash
	cp.APIKeyPreview = existing.APIKeyPreview
	s.projects[p.ID] = cp
	return nil
}

func (s *Store) RotateProjectKey(_ context.Context, id uuid.UUID, keyHash, keyPreview string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	if p.Status == store.ProjectActive {
		for _, other := range s.projects {
			if other.ID != id && other.Status == store.ProjectActive && other.APIKeyHash == keyHash {
				return fmt.Errorf("api key hash in use: %w", store.ErrConflict)
			}
		}
	}
	p.APIKeyHash = keyHash
	p.APIKeyPreview = keyPreview
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) DeleteProject(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	delete(s.projects, id)
	for gid, g := range s.groups {
		if g.ProjectID == id {
			delete(s.groups, gid)
			delete(s.byFingerprint, fpKey(id, g.Fingerprint))
		}
	}
	s.occurrences = slices.DeleteFunc(s.occurrences, func(o *store.Occurrence) bool {
		return o.ProjectID == id
	})
	for rid, r := range s.rules {
		if r.ProjectID == id {
			delete(s.rules, rid)
		}
	}
	for k, st := range s.notifStates {
		if st.ProjectID == id {
			delete(s.notifStates, k)
		}
	}
	for did, d := range s.digests {
		if d.ProjectID == id {
			delete(s.digests, did)
		}
	}
	for mid, m := range s.members {
		if m.ProjectID == id {
			delete(s.members, mid)
		}
	}
	s.deployments = slices.DeleteFunc(s.deployments, func(d *store.Deployment) bool {
		return d.ProjectID == id
	})
	for sid, sc := range s.schedules {
		if sc.ProjectID == id {
			delete(s.schedules, sid)
		}
	}
	for rid, r := range s.runs {
		if r.ProjectID == id {
			delete(s.runs, rid)
		}
	}
	return nil
}

// Users

func (s *Store) CreateUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return fmt.Errorf("email %q in use: %w", u.Email, store.ErrConflict)
		}
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *Store) GetUser(_ context.Context, id uuid.UUID) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", email, store.ErrNotFound)
}

func (s *Store) UpdateUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[u.ID]
	if !ok {
		return fmt.Errorf("user %s: %w", u.ID, store.ErrNotFound)
	}
	for id, other := range s.users {
		if id != u.ID && other.Email == u.Email {
			return fmt.Errorf("email %q in use: %w", u.Email, store.ErrConflict)
		}
	}
	cp := cloneUser(u)
	cp.CreatedAt = existing.CreatedAt
	s.users[u.ID] = cp
	return nil
}

// Groups and occurrences

func (s *Store) AppendOccurrence(_ context.Context, occ *store.Occurrence, severity string) (*store.ErrorGroup, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fpKey(occ.ProjectID, occ.Fingerprint)
	gid, ok := s.byFingerprint[key]
	created := false
	var g *store.ErrorGroup
	if !ok {
		g = &store.ErrorGroup{
			ID:          uuid.Must(uuid.NewV7()),
			ProjectID:   occ.ProjectID,
			Fingerprint: occ.Fingerprint,
			Message:     occ.Message,
			StackTrace:  slices.Clone(occ.StackTrace),
			Environment: occ.Environment,
			Severity:    severity,
			FirstSeen:   occ.Timestamp,
			LastSeen:    occ.Timestamp,
			Count:       1,
			Status:      store.StatusNew,
		}
		s.groups[g.ID] = g
		s.byFingerprint[key] = g.ID
		created = true
	} else {
		g = s.groups[gid]
		g.Count++
		if occ.Timestamp.After(g.LastSeen) {
			g.LastSeen = occ.Timestamp
		}
		if len(g.StackTrace) == 0 && len(occ.StackTrace) > 0 {
			g.StackTrace = slices.Clone(occ.StackTrace)
		}
	}

	occ.ErrorID = g.ID
	s.occurrences = append(s.occurrences, cloneOccurrence(occ))
	return cloneGroup(g), created, nil
}

func (s *Store) GetGroup(_ context.Context, projectID, id uuid.UUID) (*store.ErrorGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || g.ProjectID != projectID {
		return nil, fmt.Errorf("group %s: %w", id, store.ErrNotFound)
	}
	return cloneGroup(g), nil
}

func (s *Store) GetGroupByFingerprint(_ context.Context, projectID uuid.UUID, fingerprint string) (*store.ErrorGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gid, ok := s.byFingerprint[fpKey(projectID, fingerprint)]
	if !ok {
		return nil, fmt.Errorf("group by fingerprint: %w", store.ErrNotFound)
	}
	return cloneGroup(s.groups[gid]), nil
}

func matchesQuery(g *store.ErrorGroup, q store.GroupQuery) bool {
	if q.Environment != "" && g.Environment != q.Environment {
		return false
	}
	if q.Status != "" && g.Status != q.Status {
		return false
	}
	if q.StartDate != nil && g.LastSeen.Before(*q.StartDate) {
		return false
	}
	if q.EndDate != nil && g.LastSeen.After(*q.EndDate) {
		return false
	}
	if q.Search != "" && !strings.Contains(strings.ToLower(g.Message), strings.ToLower(q.Search)) {
		return false
	}
	if q.SourceFile != "" {
		found := false
		for _, f := range g.StackTrace {
			if strings.Contains(strings.ToLower(f.File), strings.ToLower(q.SourceFile)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Store) ListGroups(_ context.Context, projectID uuid.UUID, q store.GroupQuery) ([]store.ErrorGroup, int64, error) {
	q = q.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*store.ErrorGroup
	for _, g := range s.groups {
		if g.ProjectID == projectID && matchesQuery(g, q) {
			matched = append(matched, g)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if q.SortOrder == "desc" {
			a, b = b, a
		}
		switch q.SortBy {
		case "firstSeen":
			return a.FirstSeen.Before(b.FirstSeen)
		case "count":
			return a.Count < b.Count
		default:
			return a.LastSeen.Before(b.LastSeen)
		}
	})

	total := int64(len(matched))
	start := q.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + q.Limit
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]store.ErrorGroup, 0, end-start)
	for _, g := range matched[start:end] {
		out = append(out, *cloneGroup(g))
	}
	return out, total, nil
}

func (s *Store) UpdateGroupStatus(_ context.Context, projectID, id uuid.UUID, status store.GroupStatus, at time.Time) (*store.ErrorGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || g.ProjectID != projectID {
		return nil, fmt.Errorf("group %s: %w", id, store.ErrNotFound)
	}
	if !g.Status.CanTransitionTo(status) {
		return nil, fmt.Errorf("%s -> %s: %w", g.Status, status, store.ErrInvalidTransition)
	}
	wasResolved := g.Status == store.StatusResolved
	g.Status = status
	if status == store.StatusResolved {
		t := at
		g.ResolvedAt = &t
	} else if wasResolved {
		g.ResolvedAt = nil
	}
	return cloneGroup(g), nil
}

func (s *Store) SetGroupAssignment(_ context.Context, projectID, id uuid.UUID, memberID *uuid.UUID, at time.Time) (*store.ErrorGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || g.ProjectID != projectID {
		return nil, fmt.Errorf("group %s: %w", id, store.ErrNotFound)
	}
	// Close the open history entry, if any.
	for i := len(g.AssignmentHistory) - 1; i >= 0; i-- {
		if g.AssignmentHistory[i].UnassignedAt == nil {
			t := at
			g.AssignmentHistory[i].UnassignedAt = &t
			break
		}
	}
	if memberID != nil {
		mid := *memberID
		g.AssignedTo = &mid
		g.AssignmentHistory = append(g.AssignmentHistory, store.Assignment{MemberID: mid, AssignedAt: at})
	} else {
		g.AssignedTo = nil
	}
	return cloneGroup(g), nil
}

func (s *Store) DeleteGroup(_ context.Context, projectID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok || g.ProjectID != projectID {
		return fmt.Errorf("group %s: %w", id, store.ErrNotFound)
	}
	delete(s.groups, id)
	delete(s.byFingerprint, fpKey(projectID, g.Fingerprint))
	s.occurrences = slices.DeleteFunc(s.occurrences, func(o *store.Occurrence) bool {
		return o.ErrorID == id
	})
	return nil
}

func (s *Store) ListOccurrences(_ context.Context, projectID, errorID uuid.UUID, limit int) ([]store.Occurrence, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[errorID]
	if !ok || g.ProjectID != projectID {
		return nil, 0, fmt.Errorf("group %s: %w", errorID, store.ErrNotFound)
	}

	var matched []*store.Occurrence
	for _, o := range s.occurrences {
		if o.ErrorID == errorID {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	total := int64(len(matched))
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]store.Occurrence, 0, len(matched))
	for _, o := range matched {
		out = append(out, *cloneOccurrence(o))
	}
	return out, total, nil
}

func (s *Store) CountOccurrences(_ context.Context, projectID uuid.UUID, fingerprint, environment string, from, to time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.occurrences {
		if o.ProjectID != projectID || o.Fingerprint != fingerprint {
			continue
		}
		if environment != "" && o.Environment != environment {
			continue
		}
		if o.Timestamp.Before(from) || !o.Timestamp.Before(to) {
			continue
		}
		n++
	}
	return n, nil
}

// Alert rules

func (s *Store) CreateRule(_ context.Context, r *store.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = cloneRule(r)
	return nil
}

func (s *Store) GetRule(_ context.Context, projectID, id uuid.UUID) (*store.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.ProjectID != projectID {
		return nil, fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	return cloneRule(r), nil
}

func (s *Store) listRulesLocked(projectID uuid.UUID, enabledOnly bool) []store.AlertRule {
	var out []store.AlertRule
	for _, r := range s.rules {
		if r.ProjectID != projectID {
			continue
		}
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, *cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) ListRules(_ context.Context, projectID uuid.UUID) ([]store.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRulesLocked(projectID, false), nil
}

func (s *Store) ListEnabledRules(_ context.Context, projectID uuid.UUID) ([]store.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listRulesLocked(projectID, true), nil
}

func (s *Store) UpdateRule(_ context.Context, r *store.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rules[r.ID]
	if !ok || existing.ProjectID != r.ProjectID {
		return fmt.Errorf("rule %s: %w", r.ID, store.ErrNotFound)
	}
	cp := cloneRule(r)
	// Trigger bookkeeping only changes through MarkRuleTriggered and
	// SetRuleLastError.
	cp.LastTriggeredAt = existing.LastTriggeredAt
	cp.LastErrorMessage = existing.LastErrorMessage
	s.rules[r.ID] = cp
	return nil
}

func (s *Store) MarkRuleTriggered(_ context.Context, projectID, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.ProjectID != projectID {
		return fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	t := at
	r.LastTriggeredAt = &t
	return nil
}

func (s *Store) SetRuleLastError(_ context.Context, projectID, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.ProjectID != projectID {
		return fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	r.LastErrorMessage = message
	return nil
}

func (s *Store) DeleteRule(_ context.Context, projectID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.ProjectID != projectID {
		return fmt.Errorf("rule %s: %w", id, store.ErrNotFound)
	}
	delete(s.rules, id)
	return nil
}

// Notification state

func (s *Store) GetNotificationState(_ context.Context, projectID uuid.UUID, kind store.NotificationKind, key string) (*store.NotificationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.notifStates[stateKey(projectID, kind, key)]
	if !ok {
		return nil, fmt.Errorf("notification state %s/%s: %w", kind, key, store.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) PutNotificationState(_ context.Context, st *store.NotificationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.notifStates[stateKey(st.ProjectID, st.Kind, st.Key)] = &cp
	return nil
}

// Digest entries

func (s *Store) AddDigestEntry(_ context.Context, e *store.DigestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests[e.ID] = cloneDigest(e)
	return nil
}

func (s *Store) PendingDigestEntries(_ context.Context, projectID, memberID uuid.UUID) ([]store.DigestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.DigestEntry
	for _, e := range s.digests {
		if e.ProjectID == projectID && e.MemberID == memberID && !e.Processed {
			out = append(out, *cloneDigest(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkDigestEntriesProcessed(_ context.Context, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.digests[id]; ok && !e.Processed {
			e.Processed = true
			t := at
			e.ProcessedAt = &t
		}
	}
	return nil
}

// Team members

func (s *Store) CreateMember(_ context.Context, m *store.TeamMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.members {
		if existing.ProjectID == m.ProjectID && existing.Email == m.Email {
			return fmt.Errorf("member email %q in use: %w", m.Email, store.ErrConflict)
		}
	}
	s.members[m.ID] = cloneMember(m)
	return nil
}

func (s *Store) GetMember(_ context.Context, projectID, id uuid.UUID) (*store.TeamMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok || m.ProjectID != projectID {
		return nil, fmt.Errorf("member %s: %w", id, store.ErrNotFound)
	}
	return cloneMember(m), nil
}

func (s *Store) GetMemberByEmail(_ context.Context, projectID uuid.UUID, email string) (*store.TeamMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.ProjectID == projectID && m.Email == email {
			return cloneMember(m), nil
		}
	}
	return nil, fmt.Errorf("member %q: %w", email, store.ErrNotFound)
}

func (s *Store) ListMembers(_ context.Context, projectID uuid.UUID) ([]store.TeamMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TeamMember
	for _, m := range s.members {
		if m.ProjectID == projectID {
			out = append(out, *cloneMember(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateMember(_ context.Context, m *store.TeamMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.members[m.ID]
	if !ok || existing.ProjectID != m.ProjectID {
		return fmt.Errorf("member %s: %w", m.ID, store.ErrNotFound)
	}
	s.members[m.ID] = cloneMember(m)
	return nil
}

func (s *Store) SetMemberDigestSentAt(_ context.Context, projectID, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok || m.ProjectID != projectID {
		return fmt.Errorf("member %s: %w", id, store.ErrNotFound)
	}
	t := at
	m.Prefs.Email.Digest.LastSentAt = &t
	return nil
}

func (s *Store) DeleteMember(_ context.Context, projectID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok || m.ProjectID != projectID {
		return fmt.Errorf("member %s: %w", id, store.ErrNotFound)
	}
	delete(s.members, id)
	return nil
}

// Deployments

func (s *Store) AddDeployment(_ context.Context, d *store.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments = append(s.deployments, cloneDeployment(d))
	return nil
}

func (s *Store) ListDeployments(_ context.Context, projectID uuid.UUID, from, to time.Time, limit int) ([]store.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Deployment
	for _, d := range s.deployments {
		if d.ProjectID != projectID {
			continue
		}
		if d.Timestamp.Before(from) || d.Timestamp.After(to) {
			continue
		}
		out = append(out, *cloneDeployment(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Report schedules

func (s *Store) CreateSchedule(_ context.Context, sc *store.ReportSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sc.ID] = cloneSchedule(sc)
	return nil
}

func (s *Store) GetSchedule(_ context.Context, projectID, id uuid.UUID) (*store.ReportSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok || sc.ProjectID != projectID {
		return nil, fmt.Errorf("schedule %s: %w", id, store.ErrNotFound)
	}
	return cloneSchedule(sc), nil
}

func (s *Store) ListSchedules(_ context.Context, projectID uuid.UUID) ([]store.ReportSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ReportSchedule
	for _, sc := range s.schedules {
		if sc.ProjectID == projectID {
			out = append(out, *cloneSchedule(sc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) UpdateSchedule(_ context.Context, sc *store.ReportSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.schedules[sc.ID]
	if !ok || existing.ProjectID != sc.ProjectID {
		return fmt.Errorf("schedule %s: %w", sc.ID, store.ErrNotFound)
	}
	cp := cloneSchedule(sc)
	// Run bookkeeping only changes through ClaimDueSchedules and
	// FinishSchedule.
	cp.LastRunAt = existing.LastRunAt
	cp.LastClaimAt = existing.LastClaimAt
	s.schedules[sc.ID] = cp
	return nil
}

func (s *Store) DeleteSchedule(_ context.Context, projectID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok || sc.ProjectID != projectID {
		return fmt.Errorf("schedule %s: %w", id, store.ErrNotFound)
	}
	delete(s.schedules, id)
	return nil
}

func (s *Store) ClaimDueSchedules(_ context.Context, now time.Time, staleAfter time.Duration, limit int) ([]store.ReportSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ReportSchedule
	for _, sc := range s.schedules {
		if limit > 0 && len(out) >= limit {
			break
		}
		if sc.Status != store.ScheduleActive || sc.NextRunAt == nil || sc.NextRunAt.After(now) {
			continue
		}
		if sc.LastClaimAt != nil && now.Sub(*sc.LastClaimAt) < staleAfter {
			continue
		}
		t := now
		sc.LastClaimAt = &t
		out = append(out, *cloneSchedule(sc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(*out[j].NextRunAt) })
	return out, nil
}

func (s *Store) FinishSchedule(_ context.Context, id uuid.UUID, ranAt, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, store.ErrNotFound)
	}
	last := ranAt
	next := nextRunAt
	sc.LastRunAt = &last
	sc.NextRunAt = &next
	sc.LastClaimAt = nil
	sc.UpdatedAt = ranAt
	return nil
}

// Report runs

func (s *Store) CreateRun(_ context.Context, r *store.ReportRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = cloneRun(r)
	return nil
}

func (s *Store) GetRun(_ context.Context, projectID, id uuid.UUID) (*store.ReportRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.ProjectID != projectID {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return cloneRun(r), nil
}

func (s *Store) ListRuns(_ context.Context, projectID uuid.UUID, limit int) ([]store.ReportRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ReportRun
	for _, r := range s.runs {
		if r.ProjectID == projectID {
			out = append(out, *cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateRun(_ context.Context, r *store.ReportRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[r.ID]
	if !ok || existing.ProjectID != r.ProjectID {
		return fmt.Errorf("run %s: %w", r.ID, store.ErrNotFound)
	}
	cp := cloneRun(r)
	// Share links only change through SetRunShareToken.
	cp.ShareTokenHash = existing.ShareTokenHash
	cp.ShareExpiresAt = existing.ShareExpiresAt
	s.runs[r.ID] = cp
	return nil
}

func (s *Store) SetRunShareToken(_ context.Context, projectID, id uuid.UUID, tokenHash string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok || r.ProjectID != projectID {
		return fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	r.ShareTokenHash = tokenHash
	t := expiresAt
	r.ShareExpiresAt = &t
	return nil
}

func (s *Store) GetRunByShareToken(_ context.Context, tokenHash string, now time.Time) (*store.ReportRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ShareTokenHash != "" && r.ShareTokenHash == tokenHash {
			if r.ShareExpiresAt == nil || !now.Before(*r.ShareExpiresAt) {
				break
			}
			return cloneRun(r), nil
		}
	}
	return nil, fmt.Errorf("shared run: %w", store.ErrNotFound)
}

// Retention

func (s *Store) DeleteOccurrencesBefore(_ context.Context, projectID uuid.UUID, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	kept := s.occurrences[:0]
	for _, o := range s.occurrences {
		if o.ProjectID == projectID && o.Timestamp.Before(cutoff) && (limit <= 0 || deleted < int64(limit)) {
			deleted++
			continue
		}
		kept = append(kept, o)
	}
	s.occurrences = kept
	return deleted, nil
}

func (s *Store) DeleteEmptyGroupsBefore(_ context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[uuid.UUID]bool)
	for _, o := range s.occurrences {
		referenced[o.ErrorID] = true
	}

	var deleted int64
	for id, g := range s.groups {
		if g.ProjectID != projectID || !g.LastSeen.Before(cutoff) || referenced[id] {
			continue
		}
		delete(s.groups, id)
		delete(s.byFingerprint, fpKey(projectID, g.Fingerprint))
		deleted++
	}
	return deleted, nil
}

// Analytics

func (s *Store) Overview(_ context.Context, projectID uuid.UUID, from, to time.Time) (*store.Overview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ov := &store.Overview{
		ByStatus:      make(map[string]int64),
		BySeverity:    make(map[string]int64),
		ByEnvironment: make(map[string]int64),
	}
	for _, g := range s.groups {
		if g.ProjectID != projectID {
			continue
		}
		ov.TotalGroups++
		ov.ByStatus[string(g.Status)]++
		ov.BySeverity[g.Severity]++
		ov.ByEnvironment[g.Environment]++
	}
	for _, o := range s.occurrences {
		if o.ProjectID != projectID {
			continue
		}
		ov.TotalOccurrences++
		if !o.Timestamp.Before(from) && o.Timestamp.Before(to) {
			ov.WindowOccurrences++
		}
	}
	return ov, nil
}

func (s *Store) Trend(_ context.Context, projectID uuid.UUID, from, to time.Time, bucket time.Duration) ([]store.TrendPoint, error) {
	if bucket <= 0 {
		bucket = time.Hour
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int(to.Sub(from) / bucket)
	if n <= 0 {
		return nil, nil
	}
	points := make([]store.TrendPoint, n)
	for i := range points {
		points[i].Start = from.Add(time.Duration(i) * bucket)
	}
	for _, o := range s.occurrences {
		if o.ProjectID != projectID || o.Timestamp.Before(from) || !o.Timestamp.Before(to) {
			continue
		}
		i := int(o.Timestamp.Sub(from) / bucket)
		if i >= 0 && i < n {
			points[i].Count++
		}
	}
	return points, nil
}

func (s *Store) TopGroups(_ context.Context, projectID uuid.UUID, from, to time.Time, limit int) ([]store.GroupCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[uuid.UUID]int64)
	for _, o := range s.occurrences {
		if o.ProjectID != projectID || o.Timestamp.Before(from) || !o.Timestamp.Before(to) {
			continue
		}
		counts[o.ErrorID]++
	}

	var out []store.GroupCount
	for id, n := range counts {
		g, ok := s.groups[id]
		if !ok {
			continue
		}
		out = append(out, store.GroupCount{Group: *cloneGroup(g), WindowCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowCount > out[j].WindowCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UserImpact(_ context.Context, projectID uuid.UUID, from, to time.Time, limit int) ([]store.ImpactRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make(map[uuid.UUID]map[string]bool)
	for _, o := range s.occurrences {
		if o.ProjectID != projectID || o.Timestamp.Before(from) || !o.Timestamp.Before(to) {
			continue
		}
		if o.UserContext == nil || o.UserContext.ID == "" {
			continue
		}
		if users[o.ErrorID] == nil {
			users[o.ErrorID] = make(map[string]bool)
		}
		users[o.ErrorID][o.UserContext.ID] = true
	}

	var out []store.ImpactRow
	for id, set := range users {
		g, ok := s.groups[id]
		if !ok {
			continue
		}
		out = append(out, store.ImpactRow{
			GroupID:       id,
			Message:       g.Message,
			Severity:      g.Severity,
			ImpactedUsers: int64(len(set)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImpactedUsers > out[j].ImpactedUsers })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ResolutionStats(_ context.Context, projectID uuid.UUID, from, to time.Time) (*store.ResolutionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := &store.ResolutionStats{ByAssignee: make(map[uuid.UUID]int64)}
	var totalSeconds float64
	for _, g := range s.groups {
		if g.ProjectID != projectID {
			continue
		}
		switch g.Status {
		case store.StatusNew, store.StatusOpen, store.StatusInvestigating:
			rs.OpenCount++
		case store.StatusResolved:
			if g.ResolvedAt == nil || g.ResolvedAt.Before(from) || !g.ResolvedAt.Before(to) {
				continue
			}
			rs.ResolvedCount++
			totalSeconds += g.ResolvedAt.Sub(g.FirstSeen).Seconds()
			if g.AssignedTo != nil {
				rs.ByAssignee[*g.AssignedTo]++
			}
		}
	}
	if rs.ResolvedCount > 0 {
		rs.AvgResolutionSeconds = totalSeconds / float64(rs.ResolvedCount)
	}
	return rs, nil
}

// Ping always succeeds; memory is never unreachable.
func (s *Store) Ping(context.Context) error { return nil }
