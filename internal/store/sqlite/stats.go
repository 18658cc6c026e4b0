package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

// defaultCostTopN bounds the by_project and by_model cost lists.
const defaultCostTopN = 10

// hourBucketRange is the widest query range still bucketed by hour.
const hourBucketRange = 48 * time.Hour

type StatsRepo struct {
	store *Store
}

func (r *StatsRepo) Stats(ctx context.Context, f domain.StatsFilters) (*domain.Stats, error) {
	stats := &domain.Stats{Branches: make([]string, 0)}

	where, args := statsWhere(f, nil)
	err := r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(tokens_in), 0),
		        COALESCE(SUM(tokens_out), 0),
		        COALESCE(SUM(cost_usd), 0)
		 FROM events`+where, args...,
	).Scan(&stats.TotalEvents, &stats.TotalTokensIn, &stats.TotalTokensOut, &stats.TotalCostUSD)
	if err != nil {
		return nil, fmt.Errorf("statsRepo.Stats: totals: %w", err)
	}

	if err = r.sessionCounts(ctx, f, stats); err != nil {
		return nil, err
	}

	if stats.ToolBreakdown, err = r.countBy(ctx, "tool_name", f); err != nil {
		return nil, fmt.Errorf("statsRepo.Stats: tool breakdown: %w", err)
	}
	if stats.AgentBreakdown, err = r.countBy(ctx, "agent_type", f); err != nil {
		return nil, fmt.Errorf("statsRepo.Stats: agent breakdown: %w", err)
	}
	if stats.ModelBreakdown, err = r.countBy(ctx, "model", f); err != nil {
		return nil, fmt.Errorf("statsRepo.Stats: model breakdown: %w", err)
	}

	where, args = statsWhere(f, []string{"branch IS NOT NULL", "branch != ''"})
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT branch FROM events`+where+
			` GROUP BY branch ORDER BY MAX(created_at) DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("statsRepo.Stats: branches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var branch string
		if err = rows.Scan(&branch); err != nil {
			return nil, fmt.Errorf("statsRepo.Stats: branches: scan: %w", err)
		}
		stats.Branches = append(stats.Branches, branch)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("statsRepo.Stats: branches: rows: %w", err)
	}

	return stats, nil
}

func (r *StatsRepo) sessionCounts(ctx context.Context, f domain.StatsFilters, stats *domain.Stats) error {
	var (
		clauses []string
		args    []any
	)
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

	err := r.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0)
		 FROM sessions`+where, args...,
	).Scan(&stats.TotalSessions, &stats.ActiveSessions)
	if err != nil {
		return fmt.Errorf("statsRepo.Stats: session counts: %w", err)
	}
	return nil
}

func (r *StatsRepo) countBy(ctx context.Context, column string, f domain.StatsFilters) (map[string]int64, error) {
	where, args := statsWhere(f, []string{column + " IS NOT NULL", column + " != ''"})
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM events`+where+
			` GROUP BY `+column, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			key   string
			count int64
		)
		if err = rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, rows.Err()
}

func (r *StatsRepo) ToolStats(ctx context.Context, f domain.StatsFilters) ([]*domain.ToolStat, error) {
	where, args := statsWhere(f, []string{"tool_name IS NOT NULL", "tool_name != ''"})

	rows, err := r.store.db.QueryContext(ctx,
		`SELECT tool_name,
		        COUNT(*),
		        SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
		        AVG(duration_ms)
		 FROM events`+where+
			` GROUP BY tool_name ORDER BY COUNT(*) DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("statsRepo.ToolStats: %w", err)
	}
	defer rows.Close()

	tools := make([]*domain.ToolStat, 0)
	index := make(map[string]*domain.ToolStat)
	for rows.Next() {
		var (
			ts  domain.ToolStat
			avg sql.NullFloat64
		)
		if err = rows.Scan(&ts.ToolName, &ts.TotalCalls, &ts.ErrorCount, &avg); err != nil {
			return nil, fmt.Errorf("statsRepo.ToolStats: scan: %w", err)
		}
		if ts.TotalCalls > 0 {
			ts.ErrorRate = float64(ts.ErrorCount) / float64(ts.TotalCalls)
		}
		ts.AvgDurationMS = nullFloat64(avg)
		ts.ByAgent = make(map[string]int64)
		tools = append(tools, &ts)
		index[ts.ToolName] = &ts
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("statsRepo.ToolStats: rows: %w", err)
	}

	byAgent, err := r.store.db.QueryContext(ctx,
		`SELECT tool_name, agent_type, COUNT(*) FROM events`+where+
			` GROUP BY tool_name, agent_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("statsRepo.ToolStats: by agent: %w", err)
	}
	defer byAgent.Close()
	for byAgent.Next() {
		var (
			tool, agent string
			count       int64
		)
		if err = byAgent.Scan(&tool, &agent, &count); err != nil {
			return nil, fmt.Errorf("statsRepo.ToolStats: by agent: scan: %w", err)
		}
		if ts, ok := index[tool]; ok {
			ts.ByAgent[agent] = count
		}
	}
	if err = byAgent.Err(); err != nil {
		return nil, fmt.Errorf("statsRepo.ToolStats: by agent: rows: %w", err)
	}

	return tools, nil
}

func (r *StatsRepo) CostBreakdown(ctx context.Context, f domain.CostFilters) (*domain.CostBreakdown, error) {
	breakdown := &domain.CostBreakdown{
		Timeline:  make([]domain.CostBucket, 0),
		ByProject: make([]domain.ProjectCost, 0),
		ByModel:   make([]domain.ModelCost, 0),
	}

	sf := domain.StatsFilters{AgentType: f.AgentType, Since: f.Since}
	where, args := statsWhere(sf, nil)

	bucket := "strftime('%Y-%m-%d', created_at)"
	if since, err := time.Parse(time.RFC3339, f.Since); err == nil && time.Since(since) <= hourBucketRange {
		bucket = "strftime('%Y-%m-%d %H:00', created_at)"
	}

	rows, err := r.store.db.QueryContext(ctx,
		`SELECT `+bucket+` AS bucket,
		        COALESCE(SUM(cost_usd), 0),
		        COALESCE(SUM(tokens_in), 0),
		        COALESCE(SUM(tokens_out), 0)
		 FROM events`+where+
			` GROUP BY bucket ORDER BY bucket ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("statsRepo.CostBreakdown: timeline: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b domain.CostBucket
		if err = rows.Scan(&b.Bucket, &b.CostUSD, &b.TokensIn, &b.TokensOut); err != nil {
			return nil, fmt.Errorf("statsRepo.CostBreakdown: timeline: scan: %w", err)
		}
		breakdown.Timeline = append(breakdown.Timeline, b)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("statsRepo.CostBreakdown: timeline: rows: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultCostTopN
	}

	projWhere, projArgs := statsWhere(sf, []string{"project IS NOT NULL", "project != ''"})
	projRows, err := r.store.db.QueryContext(ctx,
		`SELECT project, COALESCE(SUM(cost_usd), 0) AS cost FROM events`+projWhere+
			` GROUP BY project ORDER BY cost DESC LIMIT ?`,
		append(projArgs, limit)...)
	if err != nil {
		return nil, fmt.Errorf("statsRepo.CostBreakdown: by project: %w", err)
	}
	defer projRows.Close()
	for projRows.Next() {
		var pc domain.ProjectCost
		if err = projRows.Scan(&pc.Project, &pc.CostUSD); err != nil {
			return nil, fmt.Errorf("statsRepo.CostBreakdown: by project: scan: %w", err)
		}
		breakdown.ByProject = append(breakdown.ByProject, pc)
	}
	if err = projRows.Err(); err != nil {
		return nil, fmt.Errorf("statsRepo.CostBreakdown: by project: rows: %w", err)
	}

	modelWhere, modelArgs := statsWhere(sf, []string{"model IS NOT NULL", "model != ''"})
	modelRows, err := r.store.db.QueryContext(ctx,
		`SELECT model, COALESCE(SUM(cost_usd), 0) AS cost FROM events`+modelWhere+
			` GROUP BY model ORDER BY cost DESC LIMIT ?`,
		append(modelArgs, limit)...)
	if err != nil {
		return nil, fmt.Errorf("statsRepo.CostBreakdown: by model: %w", err)
	}
	defer modelRows.Close()
	for modelRows.Next() {
		var mc domain.ModelCost
		if err = modelRows.Scan(&mc.Model, &mc.CostUSD); err != nil {
			return nil, fmt.Errorf("statsRepo.CostBreakdown: by model: scan: %w", err)
		}
		breakdown.ByModel = append(breakdown.ByModel, mc)
	}
	if err = modelRows.Err(); err != nil {
		return nil, fmt.Errorf("statsRepo.CostBreakdown: by model: rows: %w", err)
	}

	return breakdown, nil
}

func (r *StatsRepo) FilterOptions(ctx context.Context) (*domain.FilterOptions, error) {
	options := &domain.FilterOptions{
		AgentTypes: make([]string, 0),
		EventTypes: make([]string, 0),
		ToolNames:  make([]string, 0),
		Models:     make([]string, 0),
		Projects:   make([]string, 0),
		Branches:   make([]domain.BranchOption, 0),
		Sources:    make([]string, 0),
	}

	distinct := func(column string, dest *[]string) error {
		rows, err := r.store.db.QueryContext(ctx,
			`SELECT DISTINCT `+column+` FROM events
			 WHERE `+column+` IS NOT NULL AND `+column+` != ''
			 ORDER BY `+column+` ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v string
			if err = rows.Scan(&v); err != nil {
				return err
			}
			*dest = append(*dest, v)
		}
		return rows.Err()
	}

	for _, c := range []struct {
		column string
		dest   *[]string
	}{
		{"agent_type", &options.AgentTypes},
		{"event_type", &options.EventTypes},
		{"tool_name", &options.ToolNames},
		{"model", &options.Models},
		{"project", &options.Projects},
		{"source", &options.Sources},
	} {
		if err := distinct(c.column, c.dest); err != nil {
			return nil, fmt.Errorf("statsRepo.FilterOptions: %s: %w", c.column, err)
		}
	}

	rows, err := r.store.db.QueryContext(ctx,
		`SELECT branch, MAX(created_at) FROM events
		 WHERE branch IS NOT NULL AND branch != ''
		 GROUP BY branch ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("statsRepo.FilterOptions: branches: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var opt domain.BranchOption
		if err = rows.Scan(&opt.Value, &opt.LastSeen); err != nil {
			return nil, fmt.Errorf("statsRepo.FilterOptions: branches: scan: %w", err)
		}
		options.Branches = append(options.Branches, opt)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("statsRepo.FilterOptions: branches: rows: %w", err)
	}

	return options, nil
}

// UsageMonitor computes the session and extended rolling windows for each
// configured agent kind. Token limits sum tokens_in+tokens_out; cost
// limits sum cost_usd.
func (r *StatsRepo) UsageMonitor(ctx context.Context, limits []domain.UsageLimit) ([]*domain.UsageMonitorRow, error) {
	rows := make([]*domain.UsageMonitorRow, 0, len(limits))
	for _, limit := range limits {
		sessionUsed, err := r.usedInWindow(ctx, limit.AgentType, limit.LimitType, limit.SessionWindowHours)
		if err != nil {
			return nil, fmt.Errorf("statsRepo.UsageMonitor: %s session window: %w", limit.AgentType, err)
		}
		extendedUsed, err := r.usedInWindow(ctx, limit.AgentType, limit.LimitType, limit.ExtendedWindowHours)
		if err != nil {
			return nil, fmt.Errorf("statsRepo.UsageMonitor: %s extended window: %w", limit.AgentType, err)
		}

		rows = append(rows, &domain.UsageMonitorRow{
			AgentType: limit.AgentType,
			LimitType: limit.LimitType,
			Session: domain.UsageWindow{
				Used:        sessionUsed,
				Limit:       limit.SessionLimit,
				WindowHours: limit.SessionWindowHours,
				LimitType:   limit.LimitType,
			},
			Extended: domain.UsageWindow{
				Used:        extendedUsed,
				Limit:       limit.ExtendedLimit,
				WindowHours: limit.ExtendedWindowHours,
				LimitType:   limit.LimitType,
			},
		})
	}
	return rows, nil
}

func (r *StatsRepo) usedInWindow(ctx context.Context, agentType, limitType string, hours int64) (float64, error) {
	expr := "COALESCE(SUM(tokens_in + tokens_out), 0)"
	if limitType == "cost" {
		expr = "COALESCE(SUM(cost_usd), 0)"
	}

	var used float64
	err := r.store.db.QueryRowContext(ctx,
		`SELECT `+expr+` FROM events
		 WHERE agent_type = ? AND created_at >= datetime('now', ?)`,
		agentType, fmt.Sprintf("-%d hours", hours),
	).Scan(&used)
	if err != nil {
		return 0, err
	}
	return used, nil
}

// statsWhere builds the WHERE clause shared by the aggregate queries.
// extra clauses take no bind arguments.
func statsWhere(f domain.StatsFilters, extra []string) (string, []any) {
	clauses := append([]string{}, extra...)
	var args []any
	if f.AgentType != "" {
		clauses = append(clauses, "agent_type = ?")
		args = append(args, f.AgentType)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= datetime(?)")
		args = append(args, f.Since)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
