package domain

import "context"

// StatsFilters narrows aggregate projections. Empty values mean no filter.
type StatsFilters struct {
	AgentType string
	Since     string
}

// CostFilters narrows cost breakdowns. Limit bounds the top-N lists;
// 0 means the default.
type CostFilters struct {
	AgentType string
	Since     string
	Limit     int64
}

// Stats is the aggregate counters snapshot served on /api/stats and
// pushed on the live stream.
type Stats struct {
	TotalEvents    int64            `json:"total_events"`
	ActiveSessions int64            `json:"active_sessions"`
	TotalSessions  int64            `json:"total_sessions"`
	TotalTokensIn  int64            `json:"total_tokens_in"`
	TotalTokensOut int64            `json:"total_tokens_out"`
	TotalCostUSD   float64          `json:"total_cost_usd"`
	ToolBreakdown  map[string]int64 `json:"tool_breakdown"`
	AgentBreakdown map[string]int64 `json:"agent_breakdown"`
	ModelBreakdown map[string]int64 `json:"model_breakdown"`
	Branches       []string         `json:"branches"`
}

// ToolStat is one row of the per-tool analytics projection.
// AvgDurationMS is nil when no call recorded a duration.
type ToolStat struct {
	ToolName      string           `json:"tool_name"`
	TotalCalls    int64            `json:"total_calls"`
	ErrorCount    int64            `json:"error_count"`
	ErrorRate     float64          `json:"error_rate"`
	AvgDurationMS *float64         `json:"avg_duration_ms"`
	ByAgent       map[string]int64 `json:"by_agent"`
}

// CostBucket is one point of the cost timeline. Bucket is an hour or day
// label depending on the queried range.
type CostBucket struct {
	Bucket    string  `json:"bucket"`
	CostUSD   float64 `json:"cost_usd"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
}

type ProjectCost struct {
	Project string  `json:"project"`
	CostUSD float64 `json:"cost_usd"`
}

type ModelCost struct {
	Model   string  `json:"model"`
	CostUSD float64 `json:"cost_usd"`
}

type CostBreakdown struct {
	Timeline  []CostBucket  `json:"timeline"`
	ByProject []ProjectCost `json:"by_project"`
	ByModel   []ModelCost   `json:"by_model"`
}

// BranchOption pairs a branch name with the time it was last seen.
type BranchOption struct {
	Value    string `json:"value"`
	LastSeen string `json:"last_seen"`
}

// FilterOptions lists the distinct values the dashboard offers as filters.
type FilterOptions struct {
	AgentTypes []string       `json:"agent_types"`
	EventTypes []string       `json:"event_types"`
	ToolNames  []string       `json:"tool_names"`
	Models     []string       `json:"models"`
	Projects   []string       `json:"projects"`
	Branches   []BranchOption `json:"branches"`
	Sources    []string       `json:"sources"`
}

// UsageLimit configures the rolling windows for one agent kind.
// LimitType is "tokens" or "cost".
type UsageLimit struct {
	AgentType           string
	LimitType           string
	SessionWindowHours  int64
	SessionLimit        float64
	ExtendedWindowHours int64
	ExtendedLimit       float64
}

// UsageWindow is one rolling-window rollup. The JSON keys are camelCase
// to match the dashboard wire format.
type UsageWindow struct {
	Used        float64 `json:"used"`
	Limit       float64 `json:"limit"`
	WindowHours int64   `json:"windowHours"`
	LimitType   string  `json:"limitType"`
}

// UsageMonitorRow reports the session and extended windows for one agent kind.
type UsageMonitorRow struct {
	AgentType string      `json:"agent_type"`
	LimitType string      `json:"limitType"`
	Session   UsageWindow `json:"session"`
	Extended  UsageWindow `json:"extended"`
}

type StatsRepository interface {
	Stats(ctx context.Context, f StatsFilters) (*Stats, error)
	ToolStats(ctx context.Context, f StatsFilters) ([]*ToolStat, error)
	CostBreakdown(ctx context.Context, f CostFilters) (*CostBreakdown, error)
	FilterOptions(ctx context.Context) (*FilterOptions, error)
	UsageMonitor(ctx context.Context, limits []UsageLimit) ([]*UsageMonitorRow, error)
}
