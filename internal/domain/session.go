package domain

import "context"

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionEnded  SessionStatus = "ended"
)

// Session is one bounded activity stream from an agent.
type Session struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agent_id"`
	AgentType   string        `json:"agent_type"`
	Project     *string       `json:"project"`
	Branch      *string       `json:"branch"`
	Status      SessionStatus `json:"status"`
	StartedAt   string        `json:"started_at"`
	EndedAt     *string       `json:"ended_at"`
	LastEventAt string        `json:"last_event_at"`
	Metadata    string        `json:"metadata"`
}

// SessionFilters narrows session listings. Limit 0 means unbounded.
type SessionFilters struct {
	Status        string
	ExcludeStatus string
	AgentType     string
	Since         string
	Limit         int64
}

// SweepResult reports one idle-sweep pass.
type SweepResult struct {
	Idled int64
	Ended int64
}

// TranscriptEntry is one projected line of a session transcript.
type TranscriptEntry struct {
	Role       string   `json:"role"`
	Type       string   `json:"type"`
	ToolName   *string  `json:"tool_name,omitempty"`
	Detail     *string  `json:"detail,omitempty"`
	Status     *string  `json:"status,omitempty"`
	Model      *string  `json:"model,omitempty"`
	TokensIn   *int64   `json:"tokens_in,omitempty"`
	TokensOut  *int64   `json:"tokens_out,omitempty"`
	CostUSD    *float64 `json:"cost_usd,omitempty"`
	DurationMS *int64   `json:"duration_ms,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

type SessionRepository interface {
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context, f SessionFilters) ([]*Session, error)
	// RecentEvents returns the newest events of a session, newest first.
	RecentEvents(ctx context.Context, id string, limit int64) ([]*Event, error)
	// TranscriptEvents returns every event of a session in chronological order.
	TranscriptEvents(ctx context.Context, id string) ([]*Event, error)
	// Sweep demotes active sessions idle past idleMinutes and ends idle
	// sessions past twice that threshold.
	Sweep(ctx context.Context, idleMinutes int64) (SweepResult, error)
}
