package api

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      int64  `json:"uptime"`
	DBSizeBytes int64  `json:"db_size_bytes"`
	SSEClients  int    `json:"sse_clients"`
}

// Health handles GET /api/health. Until the runtime marks the process
// ready the endpoint answers 503 so supervisors hold traffic.
func (a *API) Health(w http.ResponseWriter, _ *http.Request) {
	if !a.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Uptime:      int64(time.Since(a.started).Seconds()),
		DBSizeBytes: a.store.SizeBytes(),
		SSEClients:  a.hub.ClientCount(),
	})
}
