package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmonitor/agentmonitor/internal/config"
	"github.com/agentmonitor/agentmonitor/internal/domain"
	"github.com/agentmonitor/agentmonitor/internal/ingest"
	"github.com/agentmonitor/agentmonitor/internal/sse"
	"github.com/agentmonitor/agentmonitor/internal/store/sqlite"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxPayloadKB:   10,
		MaxFeed:        200,
		MaxSSEClients:  5,
		SSEHeartbeatMS: 30000,
		UsageMonitor: config.UsageMonitorConfig{
			ClaudeCode: config.AgentUsageConfig{
				LimitType:           config.LimitTokens,
				SessionWindowHours:  5,
				SessionLimit:        44000,
				ExtendedWindowHours: 24,
			},
			Codex: config.AgentUsageConfig{
				LimitType:           config.LimitCost,
				SessionWindowHours:  5,
				SessionLimit:        500,
				ExtendedWindowHours: 168,
				ExtendedLimit:       1500,
			},
		},
	}
}

func apiCost(model string, tokens domain.TokenCounts) *float64 {
	if model != "o3" {
		return nil
	}
	cost := float64(tokens.Input+tokens.Output) * 2.0 / 1e6
	return &cost
}

func newTestAPI(t *testing.T) (*API, http.Handler, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := testConfig()
	hub := sse.NewHub(cfg.MaxSSEClients)
	t.Cleanup(hub.Shutdown)

	svc := ingest.NewService(store.Events(), store.Sessions(), hub, apiCost, cfg.MaxPayloadKB)
	a := New(cfg, store, svc, hub)
	a.SetReady(true)

	router := chi.NewRouter()
	router.Route("/api", a.Routes)
	return a, router, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func eventPayload(sessionID string) map[string]any {
	return map[string]any{
		"session_id": sessionID,
		"agent_type": "claude_code",
		"event_type": "tool_use",
		"tool_name":  "Bash",
		"metadata":   map[string]any{"command": "go vet ./..."},
	}
}

func TestIngestSingleCreatedThenDuplicate(t *testing.T) {
	_, h, _ := newTestAPI(t)

	payload := eventPayload("sess-1")
	payload["event_id"] = "evt-1"

	rec := doJSON(t, h, http.MethodPost, "/api/events", payload)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["received"])
	assert.Len(t, body["ids"], 1)
	assert.Equal(t, float64(0), body["duplicates"])

	rec = doJSON(t, h, http.MethodPost, "/api/events", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(0), body["received"])
	assert.Empty(t, body["ids"])
	assert.Equal(t, float64(1), body["duplicates"])
}

func TestIngestSingleInvalidPayload(t *testing.T) {
	_, h, _ := newTestAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/api/events", map[string]any{"agent_type": "claude_code"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Invalid event payload", body["error"])
	assert.NotEmpty(t, body["details"])
}

func TestIngestBatch(t *testing.T) {
	_, h, _ := newTestAPI(t)

	rec := doJSON(t, h, http.MethodPost, "/api/events/batch", map[string]any{"not_events": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Expected { events: [...] }", decodeBody(t, rec)["error"])

	rec = doJSON(t, h, http.MethodPost, "/api/events/batch", map[string]any{
		"events": []any{eventPayload("sess-b"), map[string]any{"session_id": "broken"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["received"])
	rejected, ok := body["rejected"].([]any)
	require.True(t, ok)
	require.Len(t, rejected, 1)

	// Each rejection names its index and carries field-level error objects.
	item, ok := rejected[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), item["index"])
	errs, ok := item["errors"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, errs)
	first, ok := errs[0].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, first["field"])
	assert.NotEmpty(t, first["message"])
}

func TestListEvents(t *testing.T) {
	_, h, _ := newTestAPI(t)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, h, http.MethodPost, "/api/events", eventPayload(fmt.Sprintf("sess-%d", i)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	codex := eventPayload("sess-cdx")
	codex["agent_type"] = "codex"
	doJSON(t, h, http.MethodPost, "/api/events", codex)

	rec := doJSON(t, h, http.MethodGet, "/api/events?agent_type=claude_code", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(3), body["total"])

	rec = doJSON(t, h, http.MethodGet, "/api/events?limit=2", nil)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(2), body["total"])
}

func TestSessionDetail(t *testing.T) {
	_, h, _ := newTestAPI(t)

	rec := doJSON(t, h, http.MethodGet, "/api/sessions/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Session not found", decodeBody(t, rec)["error"])

	doJSON(t, h, http.MethodPost, "/api/events", eventPayload("sess-d"))
	doJSON(t, h, http.MethodPost, "/api/events", eventPayload("sess-d"))

	rec = doJSON(t, h, http.MethodGet, "/api/sessions/sess-d?event_limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	session, ok := body["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sess-d", session["id"])
	events, ok := body["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 1)
}

func TestListSessions(t *testing.T) {
	_, h, _ := newTestAPI(t)

	doJSON(t, h, http.MethodPost, "/api/events", eventPayload("sess-a"))
	end := eventPayload("sess-b")
	end["event_type"] = "session_end"
	doJSON(t, h, http.MethodPost, "/api/events", end)

	rec := doJSON(t, h, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["total"])

	rec = doJSON(t, h, http.MethodGet, "/api/sessions?exclude_status=idle", nil)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["total"])
}

func TestSessionTranscript(t *testing.T) {
	_, h, _ := newTestAPI(t)

	rec := doJSON(t, h, http.MethodGet, "/api/sessions/ghost/transcript", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "No transcript data for this session", decodeBody(t, rec)["error"])

	prompt := map[string]any{
		"session_id": "sess-t",
		"agent_type": "claude_code",
		"event_type": "user_prompt",
		"metadata":   map[string]any{"message": "fix the tests"},
	}
	doJSON(t, h, http.MethodPost, "/api/events", prompt)
	doJSON(t, h, http.MethodPost, "/api/events", eventPayload("sess-t"))
	errEvent := map[string]any{
		"session_id": "sess-t",
		"agent_type": "claude_code",
		"event_type": "error",
		"metadata":   map[string]any{"error": map[string]any{"message": "boom"}},
	}
	doJSON(t, h, http.MethodPost, "/api/events", errEvent)

	rec = doJSON(t, h, http.MethodGet, "/api/sessions/sess-t/transcript", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "sess-t", body["session_id"])

	entries, ok := body["entries"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 3)

	first := entries[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "fix the tests", first["detail"])
	assert.NotContains(t, first, "tokens_in")

	tool := entries[1].(map[string]any)
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "go vet ./...", tool["detail"])
	assert.NotContains(t, tool, "status")

	errEntry := entries[2].(map[string]any)
	assert.Equal(t, "error", errEntry["role"])
	assert.Equal(t, "boom", errEntry["detail"])
	assert.Equal(t, "error", errEntry["status"])
}

func TestStatsEndpoints(t *testing.T) {
	_, h, _ := newTestAPI(t)

	llm := eventPayload("sess-s")
	llm["event_type"] = "llm_response"
	llm["tool_name"] = nil
	llm["model"] = "o3"
	llm["tokens_in"] = float64(1000)
	llm["tokens_out"] = float64(200)
	doJSON(t, h, http.MethodPost, "/api/events", llm)
	doJSON(t, h, http.MethodPost, "/api/events", eventPayload("sess-s"))

	rec := doJSON(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["total_events"])
	assert.Equal(t, float64(1000), body["total_tokens_in"])

	rec = doJSON(t, h, http.MethodGet, "/api/stats/tools", nil)
	body = decodeBody(t, rec)
	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	assert.Equal(t, "Bash", tools[0].(map[string]any)["tool_name"])

	rec = doJSON(t, h, http.MethodGet, "/api/stats/cost", nil)
	body = decodeBody(t, rec)
	assert.Contains(t, body, "timeline")
	assert.Contains(t, body, "by_project")
	assert.Contains(t, body, "by_model")

	rec = doJSON(t, h, http.MethodGet, "/api/stats/usage-monitor", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "claude_code", rows[0]["agent_type"])

	rec = doJSON(t, h, http.MethodGet, "/api/filter-options", nil)
	body = decodeBody(t, rec)
	assert.Contains(t, body, "agent_types")
	assert.Contains(t, body, "branches")
}

func TestHealthGatedOnReadiness(t *testing.T) {
	a, h, _ := newTestAPI(t)
	a.SetReady(false)

	rec := doJSON(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "starting", decodeBody(t, rec)["status"])

	a.SetReady(true)
	rec = doJSON(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body, "db_size_bytes")
	assert.Equal(t, float64(0), body["sse_clients"])
}

func TestStreamRejectsWhenFull(t *testing.T) {
	a, h, _ := newTestAPI(t)

	// Saturate the registry.
	for i := 0; i < a.cfg.MaxSSEClients; i++ {
		_, err := a.hub.Subscribe(sse.Filter{})
		require.NoError(t, err)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/stream", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "SSE client limit reached", body["error"])
	assert.Equal(t, float64(5), body["max_clients"])
}

func TestStreamSendsConnectedFrame(t *testing.T) {
	_, h, _ := newTestAPI(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var frame map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &frame))
	assert.Equal(t, "connected", frame["type"])
}

func TestOTelProtobufRejected(t *testing.T) {
	_, h, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/otel/v1/logs", bytes.NewReader([]byte{0x0a}))
	req.Header.Set("Content-Type", "application/x-protobuf")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Protobuf not supported yet. Use JSON format.", body["error"])
	assert.Equal(t, "Set OTEL_EXPORTER_OTLP_PROTOCOL=http/json", body["hint"])
}

func TestOTelInvalidJSON(t *testing.T) {
	_, h, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/otel/v1/metrics", strings.NewReader("{broken"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON payload", decodeBody(t, rec)["error"])
}

func TestOTelEmptyBodyIsFine(t *testing.T) {
	_, h, _ := newTestAPI(t)

	for _, path := range []string{"/api/otel/v1/logs", "/api/otel/v1/metrics", "/api/otel/v1/traces"} {
		rec := doJSON(t, h, http.MethodPost, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, map[string]any{}, decodeBody(t, rec))
	}
}

func TestOTelLogsInsertEvents(t *testing.T) {
	_, h, store := newTestAPI(t)

	payload := map[string]any{
		"resourceLogs": []any{map[string]any{
			"resource": map[string]any{"attributes": []any{
				map[string]any{"key": "service.name", "value": map[string]any{"stringValue": "claude_code"}},
				map[string]any{"key": "gen_ai.session.id", "value": map[string]any{"stringValue": "sess-otel"}},
			}},
			"scopeLogs": []any{map[string]any{"logRecords": []any{map[string]any{
				"body": map[string]any{"stringValue": "{}"},
				"attributes": []any{
					map[string]any{"key": "event.name", "value": map[string]any{"stringValue": "claude_code.tool_result"}},
					map[string]any{"key": "gen_ai.tool.name", "value": map[string]any{"stringValue": "Read"}},
				},
			}}}},
		}},
	}

	rec := doJSON(t, h, http.MethodPost, "/api/otel/v1/logs", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	events, err := store.Events().List(context.Background(), domain.EventFilters{SessionID: "sess-otel"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "otel", events[0].Source)
	require.NotNil(t, events[0].ToolName)
	assert.Equal(t, "Read", *events[0].ToolName)
}
