package api

import (
	"net/http"

	"github.com/agentmonitor/agentmonitor/internal/config"
	"github.com/agentmonitor/agentmonitor/internal/domain"
)

// Stats handles GET /api/stats.
func (a *API) Stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stats, err := a.store.Stats().Stats(r.Context(), domain.StatsFilters{
		AgentType: q.Get("agent_type"),
		Since:     q.Get("since"),
	})
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ToolStats handles GET /api/stats/tools.
func (a *API) ToolStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tools, err := a.store.Stats().ToolStats(r.Context(), domain.StatsFilters{
		AgentType: q.Get("agent_type"),
		Since:     q.Get("since"),
	})
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// CostBreakdown handles GET /api/stats/cost.
func (a *API) CostBreakdown(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	breakdown, err := a.store.Stats().CostBreakdown(r.Context(), domain.CostFilters{
		AgentType: q.Get("agent_type"),
		Since:     q.Get("since"),
		Limit:     queryInt64(r, "limit", 0),
	})
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// UsageMonitor handles GET /api/stats/usage-monitor.
func (a *API) UsageMonitor(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.Stats().UsageMonitor(r.Context(), UsageLimits(a.cfg))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// FilterOptions handles GET /api/filter-options.
func (a *API) FilterOptions(w http.ResponseWriter, r *http.Request) {
	options, err := a.store.Stats().FilterOptions(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

// UsageLimits maps the configured per-agent windows into the store's
// query shape. The runtime shares it with the stats broadcast task.
func UsageLimits(cfg *config.Config) []domain.UsageLimit {
	agents := []struct {
		name string
		cfg  *config.AgentUsageConfig
	}{
		{"claude_code", &cfg.UsageMonitor.ClaudeCode},
		{"codex", &cfg.UsageMonitor.Codex},
	}

	limits := make([]domain.UsageLimit, 0, len(agents))
	for _, agent := range agents {
		limits = append(limits, domain.UsageLimit{
			AgentType:           agent.name,
			LimitType:           string(agent.cfg.LimitType),
			SessionWindowHours:  agent.cfg.SessionWindowHours,
			SessionLimit:        agent.cfg.SessionLimit,
			ExtendedWindowHours: agent.cfg.ExtendedWindowHours,
			ExtendedLimit:       agent.cfg.ExtendedLimit,
		})
	}
	return limits
}
