package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentmonitor/agentmonitor/internal/contract"
	"github.com/agentmonitor/agentmonitor/internal/otel"
)

// OTelLogs handles POST /api/otel/v1/logs.
func (a *API) OTelLogs(w http.ResponseWriter, r *http.Request) {
	payload, ok := a.otelPayload(w, r)
	if !ok {
		return
	}

	for _, ev := range otel.ParseLogs(payload) {
		incoming := ev.Incoming()
		if len(ev.Metadata) > 0 {
			truncated := contract.TruncateMetadata(ev.Metadata, a.cfg.MaxPayloadKB)
			incoming.Metadata = truncated.Value
			incoming.PayloadTruncated = truncated.Truncated
		}
		if _, err := a.ingest.Insert(r.Context(), incoming); err != nil {
			log.Warn().Err(err).Str("session_id", ev.SessionID).Msg("otel log insert failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// OTelMetrics handles POST /api/otel/v1/metrics. Cumulative counters are
// reduced to deltas by the tracker shared across requests.
func (a *API) OTelMetrics(w http.ResponseWriter, r *http.Request) {
	payload, ok := a.otelPayload(w, r)
	if !ok {
		return
	}

	for _, delta := range otel.ParseMetrics(payload, a.tracker) {
		incoming := delta.Incoming()
		if incoming == nil {
			continue
		}
		if _, err := a.ingest.Insert(r.Context(), incoming); err != nil {
			log.Warn().Err(err).Str("session_id", delta.SessionID).Msg("otel metric insert failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// OTelTraces handles POST /api/otel/v1/traces. Traces carry nothing the
// event model wants yet, so the body is validated and discarded.
func (a *API) OTelTraces(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.otelPayload(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// otelPayload applies the shared OTLP request rules: protobuf answers 415,
// an empty body counts as an empty envelope, invalid JSON answers 400.
func (a *API) otelPayload(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/x-protobuf") || strings.Contains(contentType, "application/protobuf") {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{
			"error": "Protobuf not supported yet. Use JSON format.",
			"hint":  "Set OTEL_EXPORTER_OTLP_PROTOCOL=http/json",
		})
		return nil, false
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return nil, false
	}
	if len(body) == 0 {
		return map[string]any{}, true
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return nil, false
	}
	return payload, true
}
