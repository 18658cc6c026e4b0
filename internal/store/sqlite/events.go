package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

// historicalImportAge is how old an imported event's client timestamp must
// be before its session is finalized instead of shown live.
const historicalImportAge = time.Hour

type EventRepo struct {
	store *Store
}

// Insert persists one event and its agent/session side-effects in a
// single transaction, reporting whether the session's status changed
// (a freshly created session counts). A known event_id returns
// domain.ErrDuplicate before any side-effect runs, so duplicates never
// advance last_event_at or re-trigger lifecycle transitions.
func (r *EventRepo) Insert(ctx context.Context, ev *domain.IncomingEvent) (*domain.Event, bool, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("eventRepo.Insert: begin: %w", err)
	}
	defer tx.Rollback()

	if ev.EventID != nil {
		var one int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM events WHERE event_id = ?`, *ev.EventID).Scan(&one)
		if err == nil {
			return nil, false, domain.ErrDuplicate
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("eventRepo.Insert: dedup check: %w", err)
		}
	}

	var priorStatus sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, ev.SessionID).Scan(&priorStatus)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("eventRepo.Insert: read session status: %w", err)
	}

	agentID := ev.AgentType + "-default"
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (id, agent_type) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_seen_at = datetime('now')`,
		agentID, ev.AgentType,
	)
	if err != nil {
		return nil, false, fmt.Errorf("eventRepo.Insert: upsert agent: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, agent_type, project, branch) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   last_event_at = datetime('now'),
		   status = 'active',
		   project = COALESCE(excluded.project, sessions.project),
		   branch = COALESCE(excluded.branch, sessions.branch)`,
		ev.SessionID, agentID, ev.AgentType, ev.Project, ev.Branch,
	)
	if err != nil {
		return nil, false, fmt.Errorf("eventRepo.Insert: upsert session: %w", err)
	}

	// Lifecycle: a live session_end parks the session as idle so the
	// card stays visible; ended_at is left for the sweeper.
	if ev.EventType == domain.EventSessionEnd {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = 'idle' WHERE id = ? AND status != 'ended'`,
			ev.SessionID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("eventRepo.Insert: idle session: %w", err)
		}
	}

	// Historical backfill must not populate the live agent list.
	if historicalImport(ev) {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = 'ended', ended_at = COALESCE(ended_at, datetime('now'))
			 WHERE id = ?`,
			ev.SessionID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("eventRepo.Insert: finalize imported session: %w", err)
		}
	}

	var currentStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, ev.SessionID).Scan(&currentStatus)
	if err != nil {
		return nil, false, fmt.Errorf("eventRepo.Insert: reread session status: %w", err)
	}
	statusChanged := !priorStatus.Valid || priorStatus.String != currentStatus

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (
		    event_id, session_id, agent_type, event_type, tool_name, status,
		    tokens_in, tokens_out, branch, project, duration_ms,
		    client_timestamp, metadata, payload_truncated,
		    model, cost_usd, cache_read_tokens, cache_write_tokens, source
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.SessionID, ev.AgentType, ev.EventType, ev.ToolName, ev.Status,
		ev.TokensIn, ev.TokensOut, ev.Branch, ev.Project, ev.DurationMS,
		ev.ClientTimestamp, ev.Metadata, boolToInt(ev.PayloadTruncated),
		ev.Model, ev.CostUSD, ev.CacheReadTokens, ev.CacheWriteTokens, ev.Source,
	)
	if err != nil {
		// Backstop for a concurrent insert racing past the dedup check.
		if strings.Contains(err.Error(), "UNIQUE constraint failed: events.event_id") {
			return nil, false, domain.ErrDuplicate
		}
		return nil, false, fmt.Errorf("eventRepo.Insert: %w", err)
	}

	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("eventRepo.Insert: last insert id: %w", err)
	}

	inserted, err := getEventByRowID(ctx, tx, rowID)
	if err != nil {
		return nil, false, fmt.Errorf("eventRepo.Insert: read back: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("eventRepo.Insert: commit: %w", err)
	}
	return inserted, statusChanged, nil
}

func (r *EventRepo) List(ctx context.Context, f domain.EventFilters) ([]*domain.Event, error) {
	where, args := eventWhere(f)

	limit := f.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	args = append(args, limit, f.Offset)

	query := `SELECT ` + eventColumns + ` FROM events` + where +
		` ORDER BY id DESC LIMIT ? OFFSET ?`

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventRepo.List: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.Event, 0)
	for rows.Next() {
		ev, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("eventRepo.List: scan: %w", scanErr)
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("eventRepo.List: rows: %w", err)
	}
	return events, nil
}

// RecalculateCosts recomputes cost_usd for every event that carries a
// model. Rows whose model is unknown to calc keep their stored cost.
func (r *EventRepo) RecalculateCosts(ctx context.Context, calc domain.CostFn) (int64, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("eventRepo.RecalculateCosts: begin: %w", err)
	}
	defer tx.Rollback()

	type costRow struct {
		id     int64
		model  string
		tokens domain.TokenCounts
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, model,
		        COALESCE(tokens_in, 0), COALESCE(tokens_out, 0),
		        COALESCE(cache_read_tokens, 0), COALESCE(cache_write_tokens, 0)
		 FROM events WHERE model IS NOT NULL AND model != ''`,
	)
	if err != nil {
		return 0, fmt.Errorf("eventRepo.RecalculateCosts: %w", err)
	}

	var pending []costRow
	for rows.Next() {
		var cr costRow
		err = rows.Scan(&cr.id, &cr.model,
			&cr.tokens.Input, &cr.tokens.Output,
			&cr.tokens.CacheRead, &cr.tokens.CacheWrite)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("eventRepo.RecalculateCosts: scan: %w", err)
		}
		pending = append(pending, cr)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("eventRepo.RecalculateCosts: rows: %w", err)
	}
	rows.Close()

	var updated int64
	for _, cr := range pending {
		cost := calc(cr.model, cr.tokens)
		if cost == nil {
			continue
		}
		if _, err = tx.ExecContext(ctx, `UPDATE events SET cost_usd = ? WHERE id = ?`, *cost, cr.id); err != nil {
			return 0, fmt.Errorf("eventRepo.RecalculateCosts: update: %w", err)
		}
		updated++
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("eventRepo.RecalculateCosts: commit: %w", err)
	}
	return updated, nil
}

func eventWhere(f domain.EventFilters) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	eq := func(column, value string) {
		if value != "" {
			clauses = append(clauses, column+" = ?")
			args = append(args, value)
		}
	}
	eq("agent_type", f.AgentType)
	eq("event_type", f.EventType)
	eq("tool_name", f.ToolName)
	eq("session_id", f.SessionID)
	eq("branch", f.Branch)
	eq("model", f.Model)
	eq("source", f.Source)
	if f.Since != "" {
		clauses = append(clauses, "created_at >= datetime(?)")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at <= datetime(?)")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func historicalImport(ev *domain.IncomingEvent) bool {
	if ev.Source != "import" || ev.ClientTimestamp == nil {
		return false
	}
	ts, err := time.Parse(time.RFC3339, *ev.ClientTimestamp)
	if err != nil {
		return false
	}
	return time.Since(ts) > historicalImportAge
}

func getEventByRowID(ctx context.Context, q querier, id int64) (*domain.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err = rows.Err(); err != nil {
			return nil, err
		}
		return nil, domain.ErrNotFound
	}
	return scanEvent(rows)
}

func scanEvent(rows *sql.Rows) (*domain.Event, error) {
	var (
		ev         domain.Event
		eventID    sql.NullString
		toolName   sql.NullString
		tokensIn   sql.NullInt64
		tokensOut  sql.NullInt64
		branch     sql.NullString
		project    sql.NullString
		durationMS sql.NullInt64
		clientTS   sql.NullString
		metadata   sql.NullString
		model      sql.NullString
		costUSD    sql.NullFloat64
		cacheRead  sql.NullInt64
		cacheWrite sql.NullInt64
		source     sql.NullString
	)

	err := rows.Scan(
		&ev.ID, &eventID, &ev.SessionID, &ev.AgentType, &ev.EventType, &toolName, &ev.Status,
		&tokensIn, &tokensOut, &branch, &project, &durationMS, &ev.CreatedAt, &clientTS,
		&metadata, &ev.PayloadTruncated, &model, &costUSD, &cacheRead, &cacheWrite, &source,
	)
	if err != nil {
		return nil, err
	}

	ev.EventID = nullString(eventID)
	ev.ToolName = nullString(toolName)
	ev.TokensIn = tokensIn.Int64
	ev.TokensOut = tokensOut.Int64
	ev.Branch = nullString(branch)
	ev.Project = nullString(project)
	ev.DurationMS = nullInt64(durationMS)
	ev.ClientTimestamp = nullString(clientTS)
	ev.Metadata = "{}"
	if metadata.Valid && metadata.String != "" {
		ev.Metadata = metadata.String
	}
	ev.Model = nullString(model)
	ev.CostUSD = nullFloat64(costUSD)
	ev.CacheReadTokens = cacheRead.Int64
	ev.CacheWriteTokens = cacheWrite.Int64
	ev.Source = "api"
	if source.Valid && source.String != "" {
		ev.Source = source.String
	}
	return &ev, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullFloat64(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
