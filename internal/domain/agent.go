package domain

// Agent is a stable identity for a producer of events. Created on first
// sight, refreshed on every ingest, never deleted.
type Agent struct {
	ID           string  `json:"id"`
	AgentType    string  `json:"agent_type"`
	Name         *string `json:"name"`
	RegisteredAt string  `json:"registered_at"`
	LastSeenAt   string  `json:"last_seen_at"`
}
