package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentmonitor/agentmonitor/internal/sse"
)

// Stream handles GET /api/stream. Each client gets the hub's frames plus
// a heartbeat comment on the configured interval; a full registry answers
// 503 before any stream headers are written.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	filter := sse.Filter{
		AgentType: r.URL.Query().Get("agent_type"),
		EventType: r.URL.Query().Get("event_type"),
	}

	sub, err := a.hub.Subscribe(filter)
	if errors.Is(err, sse.ErrHubFull) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":       "SSE client limit reached",
			"max_clients": a.hub.MaxClients(),
		})
		return
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeInternalError(w, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(time.Duration(a.cfg.SSEHeartbeatMS) * time.Millisecond)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-sub.Frames:
			if !open {
				return
			}
			if _, err := w.Write([]byte(frame)); err != nil {
				log.Debug().Err(err).Msg("sse write failed")
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := w.Write([]byte(sse.HeartbeatFrame)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
