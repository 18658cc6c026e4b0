// Package ingest turns raw event payloads into persisted rows and live
// broadcast frames. It is the single write path shared by the HTTP API,
// the OTLP endpoints, and the historical importer.
package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/agentmonitor/agentmonitor/internal/contract"
	"github.com/agentmonitor/agentmonitor/internal/domain"
	"github.com/agentmonitor/agentmonitor/internal/sse"
)

// Broadcaster is the slice of the SSE hub the ingest path needs.
type Broadcaster interface {
	Publish(msgType string, payload map[string]any)
}

// BranchResolver supplies the checked out branch for a project, or nil.
type BranchResolver interface {
	Branch(ctx context.Context, project string) *string
}

type Service struct {
	events       domain.EventRepository
	sessions     domain.SessionRepository
	hub          Broadcaster
	cost         domain.CostFn
	branches     BranchResolver
	maxPayloadKB int
}

func NewService(events domain.EventRepository, sessions domain.SessionRepository, hub Broadcaster, cost domain.CostFn, maxPayloadKB int) *Service {
	return &Service{
		events:       events,
		sessions:     sessions,
		hub:          hub,
		cost:         cost,
		maxPayloadKB: maxPayloadKB,
	}
}

// WithBranchResolver enables the ingest-time branch fallback for payloads
// that name a project but carry no branch.
func (s *Service) WithBranchResolver(r BranchResolver) *Service {
	s.branches = r
	return s
}

// Result is the wire shape for single-event ingest.
type Result struct {
	Received   int     `json:"received"`
	IDs        []int64 `json:"ids"`
	Duplicates int     `json:"duplicates"`
}

// BatchRejection reports one invalid item of a batch by its index.
type BatchRejection struct {
	Index  int                        `json:"index"`
	Errors []contract.ValidationError `json:"errors"`
}

// BatchResult is the wire shape for batch ingest.
type BatchResult struct {
	Received   int              `json:"received"`
	IDs        []int64          `json:"ids"`
	Duplicates int              `json:"duplicates"`
	Rejected   []BatchRejection `json:"rejected"`
}

// IngestPayload normalizes and persists one decoded payload. A non-empty
// validation error list means the payload was rejected before any write.
// A duplicate event_id returns domain.ErrDuplicate.
func (s *Service) IngestPayload(ctx context.Context, body any) (*domain.Event, []contract.ValidationError, error) {
	n, verrs := contract.Normalize(body)
	if len(verrs) > 0 {
		return nil, verrs, nil
	}
	ev, err := s.Insert(ctx, s.Prepare(ctx, n))
	return ev, nil, err
}

// IngestBody normalizes and persists a raw request body, recovering
// quote-wrapped payloads the way NormalizeBytes does.
func (s *Service) IngestBody(ctx context.Context, data []byte) (*domain.Event, []contract.ValidationError, error) {
	n, verrs := contract.NormalizeBytes(data)
	if len(verrs) > 0 {
		return nil, verrs, nil
	}
	ev, err := s.Insert(ctx, s.Prepare(ctx, n))
	return ev, nil, err
}

// IngestBatch processes a batch item by item. Invalid items are recorded
// in Rejected and never abort the rest.
func (s *Service) IngestBatch(ctx context.Context, items []any) *BatchResult {
	result := &BatchResult{
		IDs:      make([]int64, 0, len(items)),
		Rejected: make([]BatchRejection, 0),
	}

	for i, item := range items {
		n, verrs := contract.Normalize(item)
		if len(verrs) > 0 {
			result.Rejected = append(result.Rejected, BatchRejection{Index: i, Errors: verrs})
			continue
		}

		ev, err := s.Insert(ctx, s.Prepare(ctx, n))
		switch {
		case errors.Is(err, domain.ErrDuplicate):
			result.Duplicates++
		case err != nil:
			log.Warn().Err(err).Int("index", i).Msg("batch insert failed")
			result.Rejected = append(result.Rejected, BatchRejection{
				Index:  i,
				Errors: []contract.ValidationError{{Field: "event", Message: "internal server error"}},
			})
		default:
			result.IDs = append(result.IDs, ev.ID)
		}
	}

	result.Received = len(result.IDs)
	return result
}

// Prepare converts a normalized payload into an insertable event:
// metadata truncation, source defaulting, the branch fallback, and the
// pricing fallback for events that carry a model and tokens but no cost.
func (s *Service) Prepare(ctx context.Context, n *contract.Normalized) *domain.IncomingEvent {
	truncated := contract.TruncateMetadata(n.Metadata, s.maxPayloadKB)

	source := "api"
	if n.Source != nil && *n.Source != "" {
		source = *n.Source
	}

	branch := n.Branch
	if branch == nil && n.Project != nil && s.branches != nil {
		branch = s.branches.Branch(ctx, *n.Project)
	}

	// Cache-only traffic carries no billable work, so the fallback needs
	// at least one of tokens_in / tokens_out.
	cost := n.CostUSD
	if cost == nil && n.Model != nil && s.cost != nil && (n.TokensIn != 0 || n.TokensOut != 0) {
		cost = s.cost(*n.Model, domain.TokenCounts{
			Input:      n.TokensIn,
			Output:     n.TokensOut,
			CacheRead:  n.CacheReadTokens,
			CacheWrite: n.CacheWriteTokens,
		})
	}

	return &domain.IncomingEvent{
		EventID:          n.EventID,
		SessionID:        n.SessionID,
		AgentType:        n.AgentType,
		EventType:        n.EventType,
		ToolName:         n.ToolName,
		Status:           n.Status,
		TokensIn:         n.TokensIn,
		TokensOut:        n.TokensOut,
		Branch:           branch,
		Project:          n.Project,
		DurationMS:       n.DurationMS,
		ClientTimestamp:  n.ClientTimestamp,
		Metadata:         truncated.Value,
		PayloadTruncated: truncated.Truncated,
		Model:            n.Model,
		CostUSD:          cost,
		CacheReadTokens:  n.CacheReadTokens,
		CacheWriteTokens: n.CacheWriteTokens,
		Source:           source,
	}
}

// Insert persists a prepared event and publishes the live frames. The
// importer and OTLP paths call this directly, bypassing normalization
// they have already done. A session_update frame goes out whenever the
// session's status changed, so a reactivated idle session shows live
// without waiting for the next sweep.
func (s *Service) Insert(ctx context.Context, ev *domain.IncomingEvent) (*domain.Event, error) {
	inserted, statusChanged, err := s.events.Insert(ctx, ev)
	if err != nil {
		return nil, err
	}

	if s.hub != nil {
		s.hub.Publish(sse.TypeEvent, eventPayload(inserted))
		if statusChanged || lifecycleEvent(inserted.EventType) {
			s.publishSessionUpdate(ctx, inserted.SessionID)
		}
	}
	return inserted, nil
}

func lifecycleEvent(eventType string) bool {
	return eventType == domain.EventSessionStart || eventType == domain.EventSessionEnd
}

func (s *Service) publishSessionUpdate(ctx context.Context, sessionID string) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("session update lookup failed")
		return
	}
	s.hub.Publish(sse.TypeSessionUpdate, map[string]any{
		"session_id": sess.ID,
		"agent_type": sess.AgentType,
		"status":     string(sess.Status),
	})
}

// eventPayload flattens an event into the broadcast payload map so
// subscriber filters can match on its fields.
func eventPayload(ev *domain.Event) map[string]any {
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Int64("id", ev.ID).Msg("encode event payload")
		return map[string]any{"id": ev.ID}
	}
	var payload map[string]any
	if err = json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{"id": ev.ID}
	}
	return payload
}
