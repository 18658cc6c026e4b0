// Package api exposes the HTTP surface: event ingest, aggregate queries,
// session views, the live SSE stream, and the OTLP JSON endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentmonitor/agentmonitor/internal/config"
	"github.com/agentmonitor/agentmonitor/internal/ingest"
	"github.com/agentmonitor/agentmonitor/internal/otel"
	"github.com/agentmonitor/agentmonitor/internal/sse"
	"github.com/agentmonitor/agentmonitor/internal/store/sqlite"
)

type API struct {
	cfg     *config.Config
	store   *sqlite.Store
	ingest  *ingest.Service
	hub     *sse.Hub
	tracker *otel.DeltaTracker
	started time.Time
	ready   atomic.Bool
}

func New(cfg *config.Config, store *sqlite.Store, svc *ingest.Service, hub *sse.Hub) *API {
	return &API{
		cfg:     cfg,
		store:   store,
		ingest:  svc,
		hub:     hub,
		tracker: otel.NewDeltaTracker(),
		started: time.Now(),
	}
}

// SetReady flips the health endpoint from starting to ok. The runtime
// calls it once startup has finished.
func (a *API) SetReady(ready bool) {
	a.ready.Store(ready)
}

// Routes mounts every handler under the given router, which the server
// nests at /api.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.Health)

	r.Post("/events", a.IngestSingle)
	r.Post("/events/batch", a.IngestBatch)
	r.Get("/events", a.ListEvents)

	r.Get("/stats", a.Stats)
	r.Get("/stats/tools", a.ToolStats)
	r.Get("/stats/cost", a.CostBreakdown)
	r.Get("/stats/usage-monitor", a.UsageMonitor)

	r.Get("/sessions", a.ListSessions)
	r.Get("/sessions/{id}", a.SessionDetail)
	r.Get("/sessions/{id}/transcript", a.SessionTranscript)

	r.Get("/filter-options", a.FilterOptions)
	r.Get("/stream", a.Stream)

	r.Post("/otel/v1/logs", a.OTelLogs)
	r.Post("/otel/v1/metrics", a.OTelMetrics)
	r.Post("/otel/v1/traces", a.OTelTraces)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("encode response")
	}
}

func writeInternalError(w http.ResponseWriter, err error) {
	log.Error().Err(err).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func queryInt64(r *http.Request, key string, fallback int64) int64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
