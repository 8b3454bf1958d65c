// Package sqlite provides the authoritative SQLite-backed Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"faultline/internal/store"
)

// Store is a SQLite-backed store.Store implementation.
type Store struct {
	db   *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// NewStore opens a SQLite database at path and runs migrations. The special
// path ":memory:" opens an in-process throwaway database.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection keeps every multi-statement operation serialized,
	// which is also how the atomic upsert guarantees hold.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database answers queries.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// ns converts a time to UTC unix nanoseconds for storage.
func ns(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNS(n int64) time.Time { return time.Unix(0, n).UTC() }

// nsPtr maps a *time.Time to a nullable column value.
func nsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ns(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNS(n.Int64)
	return &t
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

// marshalOrNull returns nil for nil maps so the column stays NULL.
func marshalOrNull(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	return marshal(v)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// scanNullUUID converts a sql.NullString to a *uuid.UUID.
func scanNullUUID(ns sql.NullString, dst **uuid.UUID) error {
	if !ns.Valid {
		return nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return fmt.Errorf("parse uuid %q: %w", ns.String, err)
	}
	*dst = &id
	return nil
}

// Projects

const projectCols = "id, name, status, api_key_hash, api_key_preview, scrub_policy, retention_days, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*store.Project, error) {
	var p store.Project
	var scrub string
	var created, updated int64
	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.APIKeyHash, &p.APIKeyPreview, &scrub, &p.RetentionDays, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scrub), &p.Scrub); err != nil {
		return nil, fmt.Errorf("decode scrub policy: %w", err)
	}
	p.CreatedAt = fromNS(created)
	p.UpdatedAt = fromNS(updated)
	return &p, nil
}

func (s *Store) CreateProject(ctx context.Context, p *store.Project) error {
	scrub, err := marshal(p.Scrub)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Status, p.APIKeyHash, p.APIKeyPreview, scrub, p.RetentionDays, ns(p.CreatedAt), ns(p.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("create project %q: %w", p.ID, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create project %q: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		"SELECT "+projectCols+" FROM projects WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %q: %w", id, err)
	}
	return p, nil
}

func (s *Store) GetProjectByKeyHash(ctx context.Context, keyHash string) (*store.Project, error) {
	// An active and a disabled project may carry the same hash; the active
	// one wins.
	p, err := scanProject(s.db.QueryRowContext(ctx, `
		SELECT `+projectCols+` FROM projects WHERE api_key_hash = ?
		ORDER BY CASE WHEN status = 'active' THEN 0 ELSE 1 END LIMIT 1
	`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project by key hash: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project by key hash: %w", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]store.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+projectCols+" FROM projects ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []store.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, p *store.Project) error {
	scrub, err := marshal(p.Scrub)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name = ?, status = ?, scrub_policy = ?, retention_days = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, p.Status, scrub, p.RetentionDays, ns(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update project %q: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %q: %w", p.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) RotateProjectKey(ctx context.Context, id uuid.UUID, keyHash, keyPreview string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET api_key_hash = ?, api_key_preview = ?, updated_at = ?
		WHERE id = ?
	`, keyHash, keyPreview, ns(time.Now()), id)
	if isUniqueViolation(err) {
		return fmt.Errorf("rotate key for project %q: %w", id, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("rotate key for project %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// Users

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	memberships, err := marshal(u.Memberships)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, memberships, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, memberships, ns(u.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("create user %q: %w", u.Email, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create user %q: %w", u.Email, err)
	}
	return nil
}

func scanUser(row rowScanner) (*store.User, error) {
	var u store.User
	var memberships string
	var created int64
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &memberships, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(memberships), &u.Memberships); err != nil {
		return nil, fmt.Errorf("decode memberships: %w", err)
	}
	u.CreatedAt = fromNS(created)
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*store.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, memberships, created_at FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", id, err)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		"SELECT id, email, password_hash, memberships, created_at FROM users WHERE email = ?", email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", email, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", email, err)
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u *store.User) error {
	memberships, err := marshal(u.Memberships)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET email = ?, password_hash = ?, memberships = ?
		WHERE id = ?
	`, u.Email, u.PasswordHash, memberships, u.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("update user %q: %w", u.Email, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("update user %q: %w", u.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %q: %w", u.ID, store.ErrNotFound)
	}
	return nil
}

// Groups and occurrences

const groupCols = "id, project_id, fingerprint, message, stack_trace, environment, severity, first_seen, last_seen, count, status, assigned_to, assignment_history, resolved_at"

func scanGroup(row rowScanner) (*store.ErrorGroup, error) {
	var g store.ErrorGroup
	var stack, history string
	var firstSeen, lastSeen int64
	var assignedTo sql.NullString
	var resolvedAt sql.NullInt64
	err := row.Scan(&g.ID, &g.ProjectID, &g.Fingerprint, &g.Message, &stack, &g.Environment,
		&g.Severity, &firstSeen, &lastSeen, &g.Count, &g.Status, &assignedTo, &history, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stack), &g.StackTrace); err != nil {
		return nil, fmt.Errorf("decode stack trace: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &g.AssignmentHistory); err != nil {
		return nil, fmt.Errorf("decode assignment history: %w", err)
	}
	if err := scanNullUUID(assignedTo, &g.AssignedTo); err != nil {
		return nil, err
	}
	g.FirstSeen = fromNS(firstSeen)
	g.LastSeen = fromNS(lastSeen)
	g.ResolvedAt = timePtr(resolvedAt)
	return &g, nil
}

func (s *Store) AppendOccurrence(ctx context.Context, occ *store.Occurrence, severity string) (*store.ErrorGroup, bool, error) {
	frames := occ.StackTrace
	if frames == nil {
		frames = []store.Frame{}
	}
	stack, err := marshal(frames)
	if err != nil {
		return nil, false, err
	}
	userCtx, err := marshalOrNull(occ.UserContext, occ.UserContext == nil)
	if err != nil {
		return nil, false, err
	}
	meta, err := marshalOrNull(occ.Metadata, occ.Metadata == nil)
	if err != nil {
		return nil, false, err
	}
	userID := ""
	if occ.UserContext != nil {
		userID = occ.UserContext.ID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	ts := ns(occ.Timestamp)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO error_groups (id, project_id, fingerprint, message, stack_trace, environment,
			severity, first_seen, last_seen, count, status, assignment_history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, '[]')
		ON CONFLICT(project_id, fingerprint) DO UPDATE SET
			count = count + 1,
			last_seen = max(last_seen, excluded.last_seen),
			stack_trace = CASE WHEN error_groups.stack_trace = '[]'
				THEN excluded.stack_trace ELSE error_groups.stack_trace END
	`, uuid.Must(uuid.NewV7()), occ.ProjectID, occ.Fingerprint, occ.Message, stack,
		occ.Environment, severity, ts, ts, store.StatusNew)
	if err != nil {
		return nil, false, fmt.Errorf("upsert group: %w", err)
	}

	g, err := scanGroup(tx.QueryRowContext(ctx,
		"SELECT "+groupCols+" FROM error_groups WHERE project_id = ? AND fingerprint = ?",
		occ.ProjectID, occ.Fingerprint))
	if err != nil {
		return nil, false, fmt.Errorf("read upserted group: %w", err)
	}
	created := g.Count == 1
	occ.ErrorID = g.ID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO occurrences (id, error_id, project_id, fingerprint, timestamp, message,
			stack_trace, user_context, user_id, metadata, environment, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, occ.ID, occ.ErrorID, occ.ProjectID, occ.Fingerprint, ts, occ.Message,
		stack, userCtx, userID, meta, occ.Environment, occ.SessionID)
	if err != nil {
		return nil, false, fmt.Errorf("insert occurrence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit ingest: %w", err)
	}
	return g, created, nil
}

func (s *Store) GetGroup(ctx context.Context, projectID, id uuid.UUID) (*store.ErrorGroup, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx,
		"SELECT "+groupCols+" FROM error_groups WHERE id = ? AND project_id = ?", id, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get group %q: %w", id, err)
	}
	return g, nil
}

func (s *Store) GetGroupByFingerprint(ctx context.Context, projectID uuid.UUID, fingerprint string) (*store.ErrorGroup, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx,
		"SELECT "+groupCols+" FROM error_groups WHERE project_id = ? AND fingerprint = ?",
		projectID, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group by fingerprint: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get group by fingerprint: %w", err)
	}
	return g, nil
}

func (s *Store) ListGroups(ctx context.Context, projectID uuid.UUID, q store.GroupQuery) ([]store.ErrorGroup, int64, error) {
	q = q.Normalize()

	where := []string{"project_id = ?"}
	args := []any{projectID}
	if q.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, q.Environment)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.StartDate != nil {
		where = append(where, "last_seen >= ?")
		args = append(args, ns(*q.StartDate))
	}
	if q.EndDate != nil {
		where = append(where, "last_seen <= ?")
		args = append(args, ns(*q.EndDate))
	}
	if q.Search != "" {
		where = append(where, "instr(lower(message), lower(?)) > 0")
		args = append(args, q.Search)
	}
	if q.SourceFile != "" {
		where = append(where, `EXISTS (
			SELECT 1 FROM json_each(error_groups.stack_trace)
			WHERE instr(lower(json_extract(value, '$.file')), lower(?)) > 0)`)
		args = append(args, q.SourceFile)
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM error_groups WHERE "+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count groups: %w", err)
	}

	sortCol := map[string]string{"lastSeen": "last_seen", "firstSeen": "first_seen", "count": "count"}[q.SortBy]
	dir := "DESC"
	if q.SortOrder == "asc" {
		dir = "ASC"
	}
	args = append(args, q.Limit, q.Offset())
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+groupCols+" FROM error_groups WHERE "+cond+
			" ORDER BY "+sortCol+" "+dir+" LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []store.ErrorGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, *g)
	}
	return out, total, rows.Err()
}

func (s *Store) UpdateGroupStatus(ctx context.Context, projectID, id uuid.UUID, status store.GroupStatus, at time.Time) (*store.ErrorGroup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin status update: %w", err)
	}
	defer tx.Rollback()

	var current store.GroupStatus
	var resolvedAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		"SELECT status, resolved_at FROM error_groups WHERE id = ? AND project_id = ?",
		id, projectID).Scan(&current, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read group status: %w", err)
	}
	if !current.CanTransitionTo(status) {
		return nil, fmt.Errorf("%s -> %s: %w", current, status, store.ErrInvalidTransition)
	}

	newResolved := any(nil)
	switch {
	case status == store.StatusResolved:
		newResolved = ns(at)
	case current != store.StatusResolved && resolvedAt.Valid:
		newResolved = resolvedAt.Int64
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE error_groups SET status = ?, resolved_at = ? WHERE id = ?",
		status, newResolved, id); err != nil {
		return nil, fmt.Errorf("update group status: %w", err)
	}

	g, err := scanGroup(tx.QueryRowContext(ctx,
		"SELECT "+groupCols+" FROM error_groups WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("read updated group: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}
	return g, nil
}

func (s *Store) SetGroupAssignment(ctx context.Context, projectID, id uuid.UUID, memberID *uuid.UUID, at time.Time) (*store.ErrorGroup, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin assignment: %w", err)
	}
	defer tx.Rollback()

	var historyJSON string
	err = tx.QueryRowContext(ctx,
		"SELECT assignment_history FROM error_groups WHERE id = ? AND project_id = ?",
		id, projectID).Scan(&historyJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read assignment history: %w", err)
	}

	var history []store.Assignment
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		return nil, fmt.Errorf("decode assignment history: %w", err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].UnassignedAt == nil {
			t := at
			history[i].UnassignedAt = &t
			break
		}
	}
	var assigned any
	if memberID != nil {
		history = append(history, store.Assignment{MemberID: *memberID, AssignedAt: at})
		assigned = memberID.String()
	}
	encoded, err := marshal(history)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE error_groups SET assigned_to = ?, assignment_history = ? WHERE id = ?",
		assigned, encoded, id); err != nil {
		return nil, fmt.Errorf("update assignment: %w", err)
	}

	g, err := scanGroup(tx.QueryRowContext(ctx,
		"SELECT "+groupCols+" FROM error_groups WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("read updated group: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit assignment: %w", err)
	}
	return g, nil
}

func (s *Store) DeleteGroup(ctx context.Context, projectID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM error_groups WHERE id = ? AND project_id = ?", id, projectID)
	if err != nil {
		return fmt.Errorf("delete group %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %q: %w", id, store.ErrNotFound)
	}
	return nil
}

const occurrenceCols = "id, error_id, project_id, fingerprint, timestamp, message, stack_trace, user_context, metadata, environment, session_id"

func scanOccurrence(row rowScanner) (*store.Occurrence, error) {
	var o store.Occurrence
	var ts int64
	var stack string
	var userCtx, meta sql.NullString
	err := row.Scan(&o.ID, &o.ErrorID, &o.ProjectID, &o.Fingerprint, &ts, &o.Message,
		&stack, &userCtx, &meta, &o.Environment, &o.SessionID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stack), &o.StackTrace); err != nil {
		return nil, fmt.Errorf("decode stack trace: %w", err)
	}
	if userCtx.Valid {
		o.UserContext = &store.UserContext{}
		if err := json.Unmarshal([]byte(userCtx.String), o.UserContext); err != nil {
			return nil, fmt.Errorf("decode user context: %w", err)
		}
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &o.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	o.Timestamp = fromNS(ts)
	return &o, nil
}

func (s *Store) ListOccurrences(ctx context.Context, projectID, errorID uuid.UUID, limit int) ([]store.Occurrence, int64, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM error_groups WHERE id = ? AND project_id = ?", errorID, projectID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("group %q: %w", errorID, store.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("check group: %w", err)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM occurrences WHERE error_id = ?", errorID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count occurrences: %w", err)
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+occurrenceCols+" FROM occurrences WHERE error_id = ? ORDER BY timestamp DESC LIMIT ?",
		errorID, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list occurrences: %w", err)
	}
	defer rows.Close()

	var out []store.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan occurrence: %w", err)
		}
		out = append(out, *o)
	}
	return out, total, rows.Err()
}

func (s *Store) CountOccurrences(ctx context.Context, projectID uuid.UUID, fingerprint, environment string, from, to time.Time) (int64, error) {
	query := "SELECT count(*) FROM occurrences WHERE project_id = ? AND fingerprint = ? AND timestamp >= ? AND timestamp < ?"
	args := []any{projectID, fingerprint, ns(from), ns(to)}
	if environment != "" {
		query += " AND environment = ?"
		args = append(args, environment)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count occurrences: %w", err)
	}
	return n, nil
}

// Alert rules

const ruleCols = "id, project_id, name, type, enabled, cooldown_minutes, conditions, channels, last_triggered_at, last_error_message, created_at, updated_at"

func scanRule(row rowScanner) (*store.AlertRule, error) {
	var r store.AlertRule
	var conditions, channels string
	var lastTriggered sql.NullInt64
	var created, updated int64
	err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &r.Type, &r.Enabled, &r.CooldownMinutes,
		&conditions, &channels, &lastTriggered, &r.LastErrorMessage, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	r.LastTriggeredAt = timePtr(lastTriggered)
	r.CreatedAt = fromNS(created)
	r.UpdatedAt = fromNS(updated)
	return &r, nil
}

func (s *Store) CreateRule(ctx context.Context, r *store.AlertRule) error {
	conditions, err := marshal(r.Conditions)
	if err != nil {
		return err
	}
	channels := r.Channels
	if channels == nil {
		channels = []store.ChannelConfig{}
	}
	encoded, err := marshal(channels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, project_id, name, type, enabled, cooldown_minutes,
			conditions, channels, last_triggered_at, last_error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ProjectID, r.Name, r.Type, r.Enabled, r.CooldownMinutes,
		conditions, encoded, nsPtr(r.LastTriggeredAt), r.LastErrorMessage, ns(r.CreatedAt), ns(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create rule %q: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRule(ctx context.Context, projectID, id uuid.UUID) (*store.AlertRule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx,
		"SELECT "+ruleCols+" FROM alert_rules WHERE id = ? AND project_id = ?", id, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %q: %w", id, err)
	}
	return r, nil
}

func (s *Store) listRules(ctx context.Context, projectID uuid.UUID, enabledOnly bool) ([]store.AlertRule, error) {
	query := "SELECT " + ruleCols + " FROM alert_rules WHERE project_id = ?"
	if enabledOnly {
		query += " AND enabled = 1"
	}
	query += " ORDER BY created_at"
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []store.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) ListRules(ctx context.Context, projectID uuid.UUID) ([]store.AlertRule, error) {
	return s.listRules(ctx, projectID, false)
}

func (s *Store) ListEnabledRules(ctx context.Context, projectID uuid.UUID) ([]store.AlertRule, error) {
	return s.listRules(ctx, projectID, true)
}

func (s *Store) UpdateRule(ctx context.Context, r *store.AlertRule) error {
	conditions, err := marshal(r.Conditions)
	if err != nil {
		return err
	}
	channels := r.Channels
	if channels == nil {
		channels = []store.ChannelConfig{}
	}
	encoded, err := marshal(channels)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules SET name = ?, type = ?, enabled = ?, cooldown_minutes = ?,
			conditions = ?, channels = ?, updated_at = ?
		WHERE id = ? AND project_id = ?
	`, r.Name, r.Type, r.Enabled, r.CooldownMinutes, conditions, encoded, ns(r.UpdatedAt), r.ID, r.ProjectID)
	if err != nil {
		return fmt.Errorf("update rule %q: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %q: %w", r.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkRuleTriggered(ctx context.Context, projectID, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE alert_rules SET last_triggered_at = ? WHERE id = ? AND project_id = ?",
		ns(at), id, projectID)
	if err != nil {
		return fmt.Errorf("mark rule triggered %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SetRuleLastError(ctx context.Context, projectID, id uuid.UUID, message string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE alert_rules SET last_error_message = ? WHERE id = ? AND project_id = ?",
		message, id, projectID)
	if err != nil {
		return fmt.Errorf("set rule error %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, projectID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM alert_rules WHERE id = ? AND project_id = ?", id, projectID)
	if err != nil {
		return fmt.Errorf("delete rule %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// Notification state

func (s *Store) GetNotificationState(ctx context.Context, projectID uuid.UUID, kind store.NotificationKind, key string) (*store.NotificationState, error) {
	var st store.NotificationState
	var fired, updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, kind, key, fired_at, level, updated_at
		FROM notification_state WHERE project_id = ? AND kind = ? AND key = ?
	`, projectID, kind, key).Scan(&st.ProjectID, &st.Kind, &st.Key, &fired, &st.Level, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification state %s/%s: %w", kind, key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification state: %w", err)
	}
	st.FiredAt = fromNS(fired)
	st.UpdatedAt = fromNS(updated)
	return &st, nil
}

func (s *Store) PutNotificationState(ctx context.Context, st *store.NotificationState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_state (project_id, kind, key, fired_at, level, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, kind, key) DO UPDATE SET
			fired_at = excluded.fired_at,
			level = excluded.level,
			updated_at = excluded.updated_at
	`, st.ProjectID, st.Kind, st.Key, ns(st.FiredAt), st.Level, ns(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put notification state: %w", err)
	}
	return nil
}

// Digest entries

func (s *Store) AddDigestEntry(ctx context.Context, e *store.DigestEntry) error {
	alert, err := marshal(e.Alert)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO digest_entries (id, project_id, member_id, rule_id, alert, created_at, processed, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.MemberID, e.RuleID, alert, ns(e.CreatedAt), e.Processed, nsPtr(e.ProcessedAt))
	if err != nil {
		return fmt.Errorf("add digest entry %q: %w", e.ID, err)
	}
	return nil
}

func (s *Store) PendingDigestEntries(ctx context.Context, projectID, memberID uuid.UUID) ([]store.DigestEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, member_id, rule_id, alert, created_at, processed, processed_at
		FROM digest_entries
		WHERE project_id = ? AND member_id = ? AND processed = 0
		ORDER BY created_at
	`, projectID, memberID)
	if err != nil {
		return nil, fmt.Errorf("list pending digest entries: %w", err)
	}
	defer rows.Close()

	var out []store.DigestEntry
	for rows.Next() {
		var e store.DigestEntry
		var alert string
		var created int64
		var processedAt sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.MemberID, &e.RuleID, &alert, &created, &e.Processed, &processedAt); err != nil {
			return nil, fmt.Errorf("scan digest entry: %w", err)
		}
		if err := json.Unmarshal([]byte(alert), &e.Alert); err != nil {
			return nil, fmt.Errorf("decode digest alert: %w", err)
		}
		e.CreatedAt = fromNS(created)
		e.ProcessedAt = timePtr(processedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkDigestEntriesProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin digest mark: %w", err)
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"UPDATE digest_entries SET processed = 1, processed_at = ? WHERE id = ? AND processed = 0",
			ns(at), id); err != nil {
			return fmt.Errorf("mark digest entry %q: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit digest mark: %w", err)
	}
	return nil
}

// Team members

const memberCols = "id, project_id, name, email, role, active, avatar_color, preferences, created_at, updated_at"

func scanMember(row rowScanner) (*store.TeamMember, error) {
	var m store.TeamMember
	var prefs string
	var created, updated int64
	err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &m.Email, &m.Role, &m.Active,
		&m.AvatarColor, &prefs, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(prefs), &m.Prefs); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	m.CreatedAt = fromNS(created)
	m.UpdatedAt = fromNS(updated)
	return &m, nil
}

func (s *Store) CreateMember(ctx context.Context, m *store.TeamMember) error {
	prefs, err := marshal(m.Prefs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO team_members (`+memberCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ProjectID, m.Name, m.Email, m.Role, m.Active, m.AvatarColor, prefs,
		ns(m.CreatedAt), ns(m.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("create member %q: %w", m.Email, store.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create member %q: %w", m.ID, err)
	}
	return nil
}

func (s *Store) GetMember(ctx context.Context, projectID, id uuid.UUID) (*store.TeamMember, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx,
		"SELECT "+memberCols+" FROM team_members WHERE id = ? AND project_id = ?", id, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get member %q: %w", id, err)
	}
	return m, nil
}

func (s *Store) GetMemberByEmail(ctx context.Context, projectID uuid.UUID, email string) (*store.TeamMember, error) {
	m, err := scanMember(s.db.QueryRowContext(ctx,
		"SELECT "+memberCols+" FROM team_members WHERE project_id = ? AND email = ?", projectID, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("member %q: %w", email, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get member %q: %w", email, err)
	}
	return m, nil
}

func (s *Store) ListMembers(ctx context.Context, projectID uuid.UUID) ([]store.TeamMember, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+memberCols+" FROM team_members WHERE project_id = ? ORDER BY created_at", projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []store.TeamMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateMember(ctx context.Context, m *store.TeamMember) error {
	prefs, err := marshal(m.Prefs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE team_members SET name = ?, email = ?, role = ?, active = ?, avatar_color = ?,
			preferences = ?, updated_at = ?
		WHERE id = ? AND project_id = ?
	`, m.Name, m.Email, m.Role, m.Active, m.AvatarColor, prefs, ns(m.UpdatedAt), m.ID, m.ProjectID)
	if err != nil {
		return fmt.Errorf("update member %q: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %q: %w", m.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SetMemberDigestSentAt(ctx context.Context, projectID, id uuid.UUID, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin digest stamp: %w", err)
	}
	defer tx.Rollback()

	var prefsJSON string
	err = tx.QueryRowContext(ctx,
		"SELECT preferences FROM team_members WHERE id = ? AND project_id = ?", id, projectID).Scan(&prefsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("member %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read preferences: %w", err)
	}

	var prefs store.AlertPreferences
	if err := json.Unmarshal([]byte(prefsJSON), &prefs); err != nil {
		return fmt.Errorf("decode preferences: %w", err)
	}
	t := at
	prefs.Email.Digest.LastSentAt = &t
	encoded, err := marshal(prefs)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE team_members SET preferences = ? WHERE id = ?", encoded, id); err != nil {
		return fmt.Errorf("update preferences: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit digest stamp: %w", err)
	}
	return nil
}

func (s *Store) DeleteMember(ctx context.Context, projectID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM team_members WHERE id = ? AND project_id = ?", id, projectID)
	if err != nil {
		return fmt.Errorf("delete member %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("member %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// Deployments

func (s *Store) AddDeployment(ctx context.Context, d *store.Deployment) error {
	meta, err := marshalOrNull(d.Metadata, d.Metadata == nil)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deployments (id, project_id, label, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, d.ID, d.ProjectID, d.Label, ns(d.Timestamp), meta)
	if err != nil {
		return fmt.Errorf("add deployment %q: %w", d.ID, err)
	}
	return nil
}

func (s *Store) ListDeployments(ctx context.Context, projectID uuid.UUID, from, to time.Time, limit int) ([]store.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, label, timestamp, metadata FROM deployments
		WHERE project_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp DESC LIMIT ?
	`, projectID, ns(from), ns(to), limit)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []store.Deployment
	for rows.Next() {
		var d store.Deployment
		var ts int64
		var meta sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Label, &ts, &meta); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &d.Metadata); err != nil {
				return nil, fmt.Errorf("decode deployment metadata: %w", err)
			}
		}
		d.Timestamp = fromNS(ts)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Report schedules

const scheduleCols = "id, project_id, name, cadence, weekday, day_of_month, at_utc, format, window_days, recipients, status, last_run_at, next_run_at, last_claim_at, created_at, updated_at"

func scanSchedule(row rowScanner) (*store.ReportSchedule, error) {
	var sc store.ReportSchedule
	var recipients string
	var lastRun, nextRun, lastClaim sql.NullInt64
	var created, updated int64
	err := row.Scan(&sc.ID, &sc.ProjectID, &sc.Name, &sc.Cadence, &sc.Weekday, &sc.DayOfMonth,
		&sc.AtUTC, &sc.Format, &sc.WindowDays, &recipients, &sc.Status,
		&lastRun, &nextRun, &lastClaim, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipients), &sc.Recipients); err != nil {
		return nil, fmt.Errorf("decode recipients: %w", err)
	}
	sc.LastRunAt = timePtr(lastRun)
	sc.NextRunAt = timePtr(nextRun)
	sc.LastClaimAt = timePtr(lastClaim)
	sc.CreatedAt = fromNS(created)
	sc.UpdatedAt = fromNS(updated)
	return &sc, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sc *store.ReportSchedule) error {
	recipients := sc.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	encoded, err := marshal(recipients)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_schedules (`+scheduleCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sc.ID, sc.ProjectID, sc.Name, sc.Cadence, sc.Weekday, sc.DayOfMonth, sc.AtUTC,
		sc.Format, sc.WindowDays, encoded, sc.Status,
		nsPtr(sc.LastRunAt), nsPtr(sc.NextRunAt), nsPtr(sc.LastClaimAt),
		ns(sc.CreatedAt), ns(sc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create schedule %q: %w", sc.ID, err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, projectID, id uuid.UUID) (*store.ReportSchedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx,
		"SELECT "+scheduleCols+" FROM report_schedules WHERE id = ? AND project_id = ?", id, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %q: %w", id, err)
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context, projectID uuid.UUID) ([]store.ReportSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleCols+" FROM report_schedules WHERE project_id = ? ORDER BY created_at", projectID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []store.ReportSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSchedule(ctx context.Context, sc *store.ReportSchedule) error {
	recipients := sc.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	encoded, err := marshal(recipients)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE report_schedules SET name = ?, cadence = ?, weekday = ?, day_of_month = ?,
			at_utc = ?, format = ?, window_days = ?, recipients = ?, status = ?,
			next_run_at = ?, updated_at = ?
		WHERE id = ? AND project_id = ?
	`, sc.Name, sc.Cadence, sc.Weekday, sc.DayOfMonth, sc.AtUTC, sc.Format, sc.WindowDays,
		encoded, sc.Status, nsPtr(sc.NextRunAt), ns(sc.UpdatedAt), sc.ID, sc.ProjectID)
	if err != nil {
		return fmt.Errorf("update schedule %q: %w", sc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %q: %w", sc.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, projectID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM report_schedules WHERE id = ? AND project_id = ?", id, projectID)
	if err != nil {
		return fmt.Errorf("delete schedule %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ClaimDueSchedules(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]store.ReportSchedule, error) {
	if limit <= 0 {
		limit = 20
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+scheduleCols+` FROM report_schedules
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
			AND (last_claim_at IS NULL OR last_claim_at <= ?)
		ORDER BY next_run_at LIMIT ?
	`, store.ScheduleActive, ns(now), ns(now.Add(-staleAfter)), limit)
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}

	var claimed []store.ReportSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		claimed = append(claimed, *sc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range claimed {
		if _, err := tx.ExecContext(ctx,
			"UPDATE report_schedules SET last_claim_at = ? WHERE id = ?",
			ns(now), claimed[i].ID); err != nil {
			return nil, fmt.Errorf("claim schedule %q: %w", claimed[i].ID, err)
		}
		t := now
		claimed[i].LastClaimAt = &t
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

func (s *Store) FinishSchedule(ctx context.Context, id uuid.UUID, ranAt, nextRunAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE report_schedules SET last_run_at = ?, next_run_at = ?, last_claim_at = NULL, updated_at = ?
		WHERE id = ?
	`, ns(ranAt), ns(nextRunAt), ns(ranAt), id)
	if err != nil {
		return fmt.Errorf("finish schedule %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// Report runs

const runCols = "id, project_id, schedule_id, status, format, file_path, file_size, summary, error, share_token_hash, share_expires_at, started_at, completed_at"

func scanRun(row rowScanner) (*store.ReportRun, error) {
	var r store.ReportRun
	var scheduleID sql.NullString
	var summary sql.NullString
	var shareExpires, completedAt sql.NullInt64
	var started int64
	err := row.Scan(&r.ID, &r.ProjectID, &scheduleID, &r.Status, &r.Format, &r.FilePath,
		&r.FileSize, &summary, &r.Error, &r.ShareTokenHash, &shareExpires, &started, &completedAt)
	if err != nil {
		return nil, err
	}
	if err := scanNullUUID(scheduleID, &r.ScheduleID); err != nil {
		return nil, err
	}
	if summary.Valid {
		if err := json.Unmarshal([]byte(summary.String), &r.Summary); err != nil {
			return nil, fmt.Errorf("decode run summary: %w", err)
		}
	}
	r.ShareExpiresAt = timePtr(shareExpires)
	r.StartedAt = fromNS(started)
	r.CompletedAt = timePtr(completedAt)
	return &r, nil
}

func (s *Store) CreateRun(ctx context.Context, r *store.ReportRun) error {
	summary, err := marshalOrNull(r.Summary, r.Summary == nil)
	if err != nil {
		return err
	}
	var scheduleID any
	if r.ScheduleID != nil {
		scheduleID = r.ScheduleID.String()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO report_runs (`+runCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ProjectID, scheduleID, r.Status, r.Format, r.FilePath, r.FileSize,
		summary, r.Error, r.ShareTokenHash, nsPtr(r.ShareExpiresAt), ns(r.StartedAt), nsPtr(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("create run %q: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, projectID, id uuid.UUID) (*store.ReportRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		"SELECT "+runCols+" FROM report_runs WHERE id = ? AND project_id = ?", id, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %q: %w", id, err)
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, projectID uuid.UUID, limit int) ([]store.ReportRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runCols+" FROM report_runs WHERE project_id = ? ORDER BY started_at DESC LIMIT ?",
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []store.ReportRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRun(ctx context.Context, r *store.ReportRun) error {
	summary, err := marshalOrNull(r.Summary, r.Summary == nil)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE report_runs SET status = ?, file_path = ?, file_size = ?, summary = ?,
			error = ?, completed_at = ?
		WHERE id = ? AND project_id = ?
	`, r.Status, r.FilePath, r.FileSize, summary, r.Error, nsPtr(r.CompletedAt), r.ID, r.ProjectID)
	if err != nil {
		return fmt.Errorf("update run %q: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %q: %w", r.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SetRunShareToken(ctx context.Context, projectID, id uuid.UUID, tokenHash string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE report_runs SET share_token_hash = ?, share_expires_at = ? WHERE id = ? AND project_id = ?",
		tokenHash, ns(expiresAt), id, projectID)
	if err != nil {
		return fmt.Errorf("set share token %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %q: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) GetRunByShareToken(ctx context.Context, tokenHash string, now time.Time) (*store.ReportRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runCols+` FROM report_runs
		WHERE share_token_hash = ? AND share_token_hash != ''
			AND share_expires_at IS NOT NULL AND share_expires_at > ?
	`, tokenHash, ns(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("shared run: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get shared run: %w", err)
	}
	return r, nil
}

// Retention

func (s *Store) DeleteOccurrencesBefore(ctx context.Context, projectID uuid.UUID, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM occurrences WHERE id IN (
			SELECT id FROM occurrences WHERE project_id = ? AND timestamp < ? LIMIT ?
		)
	`, projectID, ns(cutoff), limit)
	if err != nil {
		return 0, fmt.Errorf("delete occurrences: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) DeleteEmptyGroupsBefore(ctx context.Context, projectID uuid.UUID, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM error_groups
		WHERE project_id = ? AND last_seen < ?
			AND NOT EXISTS (SELECT 1 FROM occurrences WHERE occurrences.error_id = error_groups.id)
	`, projectID, ns(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete empty groups: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Analytics

func (s *Store) Overview(ctx context.Context, projectID uuid.UUID, from, to time.Time) (*store.Overview, error) {
	ov := &store.Overview{
		ByStatus:      make(map[string]int64),
		BySeverity:    make(map[string]int64),
		ByEnvironment: make(map[string]int64),
	}

	for col, dst := range map[string]map[string]int64{
		"status":      ov.ByStatus,
		"severity":    ov.BySeverity,
		"environment": ov.ByEnvironment,
	} {
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+col+", count(*) FROM error_groups WHERE project_id = ? GROUP BY "+col, projectID)
		if err != nil {
			return nil, fmt.Errorf("group by %s: %w", col, err)
		}
		for rows.Next() {
			var key string
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s bucket: %w", col, err)
			}
			dst[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	for _, n := range ov.ByStatus {
		ov.TotalGroups += n
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT count(*),
			COALESCE(sum(CASE WHEN timestamp >= ? AND timestamp < ? THEN 1 ELSE 0 END), 0)
		FROM occurrences WHERE project_id = ?
	`, ns(from), ns(to), projectID).Scan(&ov.TotalOccurrences, &ov.WindowOccurrences)
	if err != nil {
		return nil, fmt.Errorf("count occurrences: %w", err)
	}
	return ov, nil
}

func (s *Store) Trend(ctx context.Context, projectID uuid.UUID, from, to time.Time, bucket time.Duration) ([]store.TrendPoint, error) {
	if bucket <= 0 {
		bucket = time.Hour
	}
	n := int(to.Sub(from) / bucket)
	if n <= 0 {
		return nil, nil
	}

	points := make([]store.TrendPoint, n)
	for i := range points {
		points[i].Start = from.Add(time.Duration(i) * bucket)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT (timestamp - ?) / ?, count(*)
		FROM occurrences WHERE project_id = ? AND timestamp >= ? AND timestamp < ?
		GROUP BY 1
	`, ns(from), int64(bucket), projectID, ns(from), ns(to))
	if err != nil {
		return nil, fmt.Errorf("trend query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx, count int64
		if err := rows.Scan(&idx, &count); err != nil {
			return nil, fmt.Errorf("scan trend bucket: %w", err)
		}
		if idx >= 0 && idx < int64(n) {
			points[idx].Count = count
		}
	}
	return points, rows.Err()
}

func (s *Store) TopGroups(ctx context.Context, projectID uuid.UUID, from, to time.Time, limit int) ([]store.GroupCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixCols("g", groupCols)+`, cnt.n
		FROM (
			SELECT error_id, count(*) AS n FROM occurrences
			WHERE project_id = ? AND timestamp >= ? AND timestamp < ?
			GROUP BY error_id
		) cnt
		JOIN error_groups g ON g.id = cnt.error_id
		ORDER BY cnt.n DESC LIMIT ?
	`, projectID, ns(from), ns(to), limit)
	if err != nil {
		return nil, fmt.Errorf("top groups: %w", err)
	}
	defer rows.Close()

	var out []store.GroupCount
	for rows.Next() {
		var gc store.GroupCount
		var stack, history string
		var firstSeen, lastSeen int64
		var assignedTo sql.NullString
		var resolvedAt sql.NullInt64
		g := &gc.Group
		err := rows.Scan(&g.ID, &g.ProjectID, &g.Fingerprint, &g.Message, &stack, &g.Environment,
			&g.Severity, &firstSeen, &lastSeen, &g.Count, &g.Status, &assignedTo, &history,
			&resolvedAt, &gc.WindowCount)
		if err != nil {
			return nil, fmt.Errorf("scan top group: %w", err)
		}
		if err := json.Unmarshal([]byte(stack), &g.StackTrace); err != nil {
			return nil, fmt.Errorf("decode stack trace: %w", err)
		}
		if err := json.Unmarshal([]byte(history), &g.AssignmentHistory); err != nil {
			return nil, fmt.Errorf("decode assignment history: %w", err)
		}
		if err := scanNullUUID(assignedTo, &g.AssignedTo); err != nil {
			return nil, err
		}
		g.FirstSeen = fromNS(firstSeen)
		g.LastSeen = fromNS(lastSeen)
		g.ResolvedAt = timePtr(resolvedAt)
		out = append(out, gc)
	}
	return out, rows.Err()
}

// prefixCols qualifies a comma-separated column list with a table alias.
func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func (s *Store) UserImpact(ctx context.Context, projectID uuid.UUID, from, to time.Time, limit int) ([]store.ImpactRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.error_id, g.message, g.severity, count(DISTINCT o.user_id) AS n
		FROM occurrences o
		JOIN error_groups g ON g.id = o.error_id
		WHERE o.project_id = ? AND o.timestamp >= ? AND o.timestamp < ? AND o.user_id != ''
		GROUP BY o.error_id
		ORDER BY n DESC LIMIT ?
	`, projectID, ns(from), ns(to), limit)
	if err != nil {
		return nil, fmt.Errorf("user impact: %w", err)
	}
	defer rows.Close()

	var out []store.ImpactRow
	for rows.Next() {
		var row store.ImpactRow
		if err := rows.Scan(&row.GroupID, &row.Message, &row.Severity, &row.ImpactedUsers); err != nil {
			return nil, fmt.Errorf("scan impact row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ResolutionStats(ctx context.Context, projectID uuid.UUID, from, to time.Time) (*store.ResolutionStats, error) {
	rs := &store.ResolutionStats{ByAssignee: make(map[uuid.UUID]int64)}

	err := s.db.QueryRowContext(ctx, `
		SELECT count(*), COALESCE(avg((resolved_at - first_seen) / 1e9), 0)
		FROM error_groups
		WHERE project_id = ? AND status = ? AND resolved_at >= ? AND resolved_at < ?
	`, projectID, store.StatusResolved, ns(from), ns(to)).Scan(&rs.ResolvedCount, &rs.AvgResolutionSeconds)
	if err != nil {
		return nil, fmt.Errorf("resolution stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM error_groups
		WHERE project_id = ? AND status IN (?, ?, ?)
	`, projectID, store.StatusNew, store.StatusOpen, store.StatusInvestigating).Scan(&rs.OpenCount)
	if err != nil {
		return nil, fmt.Errorf("open count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT assigned_to, count(*) FROM error_groups
		WHERE project_id = ? AND status = ? AND resolved_at >= ? AND resolved_at < ?
			AND assigned_to IS NOT NULL
		GROUP BY assigned_to
	`, projectID, store.StatusResolved, ns(from), ns(to))
	if err != nil {
		return nil, fmt.Errorf("resolution by assignee: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan assignee row: %w", err)
		}
		rs.ByAssignee[id] = n
	}
	return rs, rows.Err()
}
