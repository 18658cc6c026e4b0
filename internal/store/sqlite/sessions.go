package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

const sessionColumns = `id, agent_id, agent_type, project, branch, status,
	started_at, ended_at, last_event_at, metadata`

type SessionRepo struct {
	store *Store
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*domain.Session, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.Get: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err = rows.Err(); err != nil {
			return nil, fmt.Errorf("sessionRepo.Get: rows: %w", err)
		}
		return nil, domain.ErrNotFound
	}
	sess, err := scanSession(rows)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.Get: scan: %w", err)
	}
	return sess, nil
}

func (r *SessionRepo) List(ctx context.Context, f domain.SessionFilters) ([]*domain.Session, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.ExcludeStatus != "" {
		clauses = append(clauses, "status != ?")
		args = append(args, f.ExcludeStatus)
	}
	if f.AgentType != "" {
		clauses = append(clauses, "agent_type = ?")
		args = append(args, f.AgentType)
	}
	if f.Since != "" {
		clauses = append(clauses, "last_event_at >= datetime(?)")
		args = append(args, f.Since)
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions`+where+
			` ORDER BY last_event_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.List: %w", err)
	}
	defer rows.Close()

	sessions := make([]*domain.Session, 0)
	for rows.Next() {
		sess, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("sessionRepo.List: scan: %w", scanErr)
		}
		sessions = append(sessions, sess)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionRepo.List: rows: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepo) RecentEvents(ctx context.Context, id string, limit int64) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		id, limit)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.RecentEvents: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows, "sessionRepo.RecentEvents")
}

func (r *SessionRepo) TranscriptEvents(ctx context.Context, id string) ([]*domain.Event, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.TranscriptEvents: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows, "sessionRepo.TranscriptEvents")
}

// Sweep demotes stale sessions: active past idleMinutes become idle,
// idle past twice idleMinutes become ended with ended_at stamped.
func (r *SessionRepo) Sweep(ctx context.Context, idleMinutes int64) (domain.SweepResult, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var result domain.SweepResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("sessionRepo.Sweep: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'idle'
		 WHERE status = 'active' AND last_event_at < datetime('now', ?)`,
		fmt.Sprintf("-%d minutes", idleMinutes))
	if err != nil {
		return result, fmt.Errorf("sessionRepo.Sweep: idle pass: %w", err)
	}
	if result.Idled, err = res.RowsAffected(); err != nil {
		return result, fmt.Errorf("sessionRepo.Sweep: idle pass: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'ended', ended_at = datetime('now')
		 WHERE status = 'idle' AND last_event_at < datetime('now', ?)`,
		fmt.Sprintf("-%d minutes", idleMinutes*2))
	if err != nil {
		return result, fmt.Errorf("sessionRepo.Sweep: end pass: %w", err)
	}
	if result.Ended, err = res.RowsAffected(); err != nil {
		return result, fmt.Errorf("sessionRepo.Sweep: end pass: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return result, fmt.Errorf("sessionRepo.Sweep: commit: %w", err)
	}
	return result, nil
}

func collectEvents(rows *sql.Rows, op string) ([]*domain.Event, error) {
	events := make([]*domain.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return events, nil
}

func scanSession(rows *sql.Rows) (*domain.Session, error) {
	var (
		sess     domain.Session
		project  sql.NullString
		branch   sql.NullString
		endedAt  sql.NullString
		metadata sql.NullString
	)
	err := rows.Scan(&sess.ID, &sess.AgentID, &sess.AgentType, &project, &branch,
		&sess.Status, &sess.StartedAt, &endedAt, &sess.LastEventAt, &metadata)
	if err != nil {
		return nil, err
	}
	sess.Project = nullString(project)
	sess.Branch = nullString(branch)
	sess.EndedAt = nullString(endedAt)
	sess.Metadata = "{}"
	if metadata.Valid && metadata.String != "" {
		sess.Metadata = metadata.String
	}
	return &sess, nil
}
