package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

const defaultSessionEventLimit = 10

// ListSessions handles GET /api/sessions.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := domain.SessionFilters{
		Status:        q.Get("status"),
		ExcludeStatus: q.Get("exclude_status"),
		AgentType:     q.Get("agent_type"),
		Since:         q.Get("since"),
		Limit:         queryInt64(r, "limit", 0),
	}

	sessions, err := a.store.Sessions().List(r.Context(), filters)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": len(sessions)})
}

// SessionDetail handles GET /api/sessions/{id}. event_limit wins over the
// legacy limit parameter.
func (a *API) SessionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := queryInt64(r, "event_limit", 0)
	if limit == 0 {
		limit = queryInt64(r, "limit", defaultSessionEventLimit)
	}

	sess, err := a.store.Sessions().Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Session not found"})
		return
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}

	events, err := a.store.Sessions().RecentEvents(r.Context(), id, limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "events": events})
}

// SessionTranscript handles GET /api/sessions/{id}/transcript. A session
// with no events answers 404, matching unknown ids.
func (a *API) SessionTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	events, err := a.store.Sessions().TranscriptEvents(r.Context(), id)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "No transcript data for this session"})
		return
	}

	entries := make([]domain.TranscriptEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, transcriptEntry(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "entries": entries})
}

func transcriptEntry(ev *domain.Event) domain.TranscriptEntry {
	entry := domain.TranscriptEntry{
		Role:       transcriptRole(ev.EventType),
		Type:       ev.EventType,
		ToolName:   ev.ToolName,
		Detail:     transcriptDetail(ev),
		Model:      ev.Model,
		DurationMS: ev.DurationMS,
		Timestamp:  ev.CreatedAt,
	}
	if ev.ClientTimestamp != nil {
		entry.Timestamp = *ev.ClientTimestamp
	}
	if ev.Status != "success" {
		status := ev.Status
		entry.Status = &status
	}
	if ev.TokensIn > 0 {
		tokens := ev.TokensIn
		entry.TokensIn = &tokens
	}
	if ev.TokensOut > 0 {
		tokens := ev.TokensOut
		entry.TokensOut = &tokens
	}
	if ev.CostUSD != nil && *ev.CostUSD > 0 {
		entry.CostUSD = ev.CostUSD
	}
	return entry
}

func transcriptRole(eventType string) string {
	switch eventType {
	case domain.EventSessionStart, domain.EventSessionEnd:
		return "system"
	case domain.EventUserPrompt:
		return "user"
	case domain.EventToolUse:
		return "tool"
	case domain.EventError:
		return "error"
	default:
		return "assistant"
	}
}

// transcriptDetail pulls the most descriptive metadata value for one line,
// in a fixed priority order.
func transcriptDetail(ev *domain.Event) *string {
	var meta map[string]any
	if err := json.Unmarshal([]byte(ev.Metadata), &meta); err != nil {
		return nil
	}

	if ev.EventType == domain.EventUserPrompt {
		if v := scalarString(meta["message"]); v != nil {
			return v
		}
	}
	for _, key := range []string{"content_preview", "command", "file_path", "pattern", "query"} {
		if v := scalarString(meta[key]); v != nil {
			return v
		}
	}
	if errVal, present := meta["error"]; present {
		if v := scalarString(errVal); v != nil {
			return v
		}
		if obj, ok := errVal.(map[string]any); ok {
			if v := scalarString(obj["message"]); v != nil {
				return v
			}
		}
	}
	return scalarString(meta["diff_preview"])
}

func scalarString(v any) *string {
	switch val := v.(type) {
	case string:
		return &val
	case float64:
		s := strconv.FormatFloat(val, 'f', -1, 64)
		return &s
	case bool:
		s := strconv.FormatBool(val)
		return &s
	default:
		return nil
	}
}
