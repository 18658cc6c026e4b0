package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmonitor/agentmonitor/internal/config"
	"github.com/agentmonitor/agentmonitor/internal/domain"
	"github.com/agentmonitor/agentmonitor/internal/sse"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Host:                  "127.0.0.1",
		Port:                  0,
		DBPath:                filepath.Join(t.TempDir(), "agentmonitor.db"),
		MaxPayloadKB:          10,
		SessionTimeoutMinutes: 5,
		MaxFeed:               200,
		StatsIntervalMS:       5000,
		MaxSSEClients:         5,
		SSEHeartbeatMS:        30000,
	}
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	return rt
}

func decodeFrame(t *testing.T, frame string) map[string]any {
	t.Helper()
	var msg map[string]any
	raw := strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return msg
}

func TestRunStopsOnCancel(t *testing.T) {
	rt := newTestRuntime(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestBroadcastStatsIncludesUsageMonitor(t *testing.T) {
	rt := newTestRuntime(t)
	t.Cleanup(func() { rt.store.Close() })
	ctx := context.Background()

	_, _, err := rt.store.Events().Insert(ctx, &domain.IncomingEvent{
		SessionID: "sess-rt",
		AgentType: "claude_code",
		EventType: "tool_use",
		Status:    "success",
		Metadata:  "{}",
		Source:    "api",
	})
	require.NoError(t, err)

	sub, err := rt.hub.Subscribe(sse.Filter{})
	require.NoError(t, err)
	defer sub.Close()
	<-sub.Frames // connected

	rt.broadcastStats(ctx)

	msg := decodeFrame(t, <-sub.Frames)
	assert.Equal(t, "stats", msg["type"])
	payload, ok := msg["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), payload["total_events"])
	assert.Contains(t, payload, "usage_monitor")
}

func TestBroadcastStatsSkipsWithoutClients(t *testing.T) {
	rt := newTestRuntime(t)
	t.Cleanup(func() { rt.store.Close() })

	// Nothing to assert beyond not panicking and not blocking.
	rt.broadcastStats(context.Background())
	assert.Equal(t, 0, rt.hub.ClientCount())
}
