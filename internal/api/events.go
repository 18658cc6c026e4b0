package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/agentmonitor/agentmonitor/internal/contract"
	"github.com/agentmonitor/agentmonitor/internal/domain"
	"github.com/agentmonitor/agentmonitor/internal/ingest"
)

const defaultEventLimit = 50

type ingestErrorResponse struct {
	Error   string                     `json:"error"`
	Details []contract.ValidationError `json:"details"`
}

// IngestSingle handles POST /api/events. A duplicate event_id answers 200
// with duplicates=1; it is not an error.
func (a *API) IngestSingle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ingestErrorResponse{
			Error:   "Invalid event payload",
			Details: []contract.ValidationError{{Field: "body", Message: "unreadable request body"}},
		})
		return
	}

	ev, verrs, err := a.ingest.IngestBody(r.Context(), body)
	switch {
	case len(verrs) > 0:
		writeJSON(w, http.StatusBadRequest, ingestErrorResponse{Error: "Invalid event payload", Details: verrs})
	case errors.Is(err, domain.ErrDuplicate):
		writeJSON(w, http.StatusOK, ingest.Result{Received: 0, IDs: []int64{}, Duplicates: 1})
	case err != nil:
		writeInternalError(w, err)
	default:
		writeJSON(w, http.StatusCreated, ingest.Result{Received: 1, IDs: []int64{ev.ID}, Duplicates: 0})
	}
}

// IngestBatch handles POST /api/events/batch. Only a malformed envelope is
// a 400; item-level failures are reported per index.
func (a *API) IngestBatch(w http.ResponseWriter, r *http.Request) {
	var envelope map[string]any
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Expected { events: [...] }"})
		return
	}
	items, ok := envelope["events"].([]any)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Expected { events: [...] }"})
		return
	}

	writeJSON(w, http.StatusCreated, a.ingest.IngestBatch(r.Context(), items))
}

// ListEvents handles GET /api/events. The limit defaults to 50, capped at
// the configured feed size; limit=0 lifts the bound.
func (a *API) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := queryInt64(r, "limit", defaultEventLimit)
	if limit > int64(a.cfg.MaxFeed) {
		limit = int64(a.cfg.MaxFeed)
	}
	if limit <= 0 {
		limit = -1
	}

	filters := domain.EventFilters{
		AgentType: q.Get("agent_type"),
		EventType: q.Get("event_type"),
		ToolName:  q.Get("tool_name"),
		SessionID: q.Get("session_id"),
		Branch:    q.Get("branch"),
		Model:     q.Get("model"),
		Source:    q.Get("source"),
		Since:     q.Get("since"),
		Until:     q.Get("until"),
		Limit:     limit,
		Offset:    queryInt64(r, "offset", 0),
	}

	events, err := a.store.Events().List(r.Context(), filters)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}
