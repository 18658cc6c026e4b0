package domain

import "context"

// EventType values form a closed set; extending it is a contract version bump.
const (
	EventToolUse      = "tool_use"
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventError        = "error"
	EventLLMRequest   = "llm_request"
	EventLLMResponse  = "llm_response"
	EventResponse     = "response"
	EventFileChange   = "file_change"
	EventGitCommit    = "git_commit"
	EventPlanStep     = "plan_step"
	EventUserPrompt   = "user_prompt"
)

// EventTypes lists every accepted event_type.
var EventTypes = []string{
	EventToolUse,
	EventSessionStart,
	EventSessionEnd,
	EventError,
	EventLLMRequest,
	EventLLMResponse,
	EventResponse,
	EventFileChange,
	EventGitCommit,
	EventPlanStep,
	EventUserPrompt,
}

// EventStatuses lists every accepted status.
var EventStatuses = []string{"success", "error", "timeout"}

// EventSources lists every accepted source tag.
var EventSources = []string{"api", "hook", "otel", "import"}

// Event is one persisted observation. Rows are append-only; only cost_usd
// may be rewritten, by the recalculation operation.
type Event struct {
	ID               int64    `json:"id"`
	EventID          *string  `json:"event_id"`
	SessionID        string   `json:"session_id"`
	AgentType        string   `json:"agent_type"`
	EventType        string   `json:"event_type"`
	ToolName         *string  `json:"tool_name"`
	Status           string   `json:"status"`
	TokensIn         int64    `json:"tokens_in"`
	TokensOut        int64    `json:"tokens_out"`
	Branch           *string  `json:"branch"`
	Project          *string  `json:"project"`
	DurationMS       *int64   `json:"duration_ms"`
	CreatedAt        string   `json:"created_at"`
	ClientTimestamp  *string  `json:"client_timestamp"`
	Metadata         string   `json:"metadata"`
	PayloadTruncated int64    `json:"payload_truncated"`
	Model            *string  `json:"model"`
	CostUSD          *float64 `json:"cost_usd"`
	CacheReadTokens  int64    `json:"cache_read_tokens"`
	CacheWriteTokens int64    `json:"cache_write_tokens"`
	Source           string   `json:"source"`
}

// IncomingEvent is a validated, truncated event ready for insertion.
// Metadata is the serialized JSON that will be stored verbatim.
type IncomingEvent struct {
	EventID          *string
	SessionID        string
	AgentType        string
	EventType        string
	ToolName         *string
	Status           string
	TokensIn         int64
	TokensOut        int64
	Branch           *string
	Project          *string
	DurationMS       *int64
	ClientTimestamp  *string
	Metadata         string
	PayloadTruncated bool
	Model            *string
	CostUSD          *float64
	CacheReadTokens  int64
	CacheWriteTokens int64
	Source           string
}

// EventFilters narrows event listings. Zero values mean "no filter";
// Limit 0 means unbounded.
type EventFilters struct {
	AgentType string
	EventType string
	ToolName  string
	SessionID string
	Branch    string
	Model     string
	Source    string
	Since     string
	Until     string
	Limit     int64
	Offset    int64
}

// TokenCounts carries the four token measurements used for pricing.
type TokenCounts struct {
	Input      int64
	Output     int64
	CacheRead  int64
	CacheWrite int64
}

// CostFn recomputes a cost from a model id and token counts.
// A nil result means the model is unknown and the stored cost is kept.
type CostFn func(model string, tokens TokenCounts) *float64

type EventRepository interface {
	// Insert persists one event together with its agent and session
	// side-effects in a single transaction. The bool reports whether the
	// owning session's status changed; a freshly created session counts
	// as a change. A known event_id yields ErrDuplicate and applies no
	// side-effects.
	Insert(ctx context.Context, ev *IncomingEvent) (*Event, bool, error)
	List(ctx context.Context, f EventFilters) ([]*Event, error)
	// RecalculateCosts rewrites cost_usd across rows that carry a model,
	// returning the number of updated rows.
	RecalculateCosts(ctx context.Context, calc CostFn) (int64, error)
}
