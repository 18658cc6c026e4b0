package sse

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeFrame(t *testing.T, frame string) map[string]any {
	t.Helper()
	require.True(t, strings.HasPrefix(frame, "data: "))
	require.True(t, strings.HasSuffix(frame, "\n\n"))

	var msg map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(frame, "data: "), "\n\n")), &msg))
	return msg
}

func TestSubscribeSendsConnectedFrame(t *testing.T) {
	hub := NewHub(10)

	sub, err := hub.Subscribe(Filter{})
	require.NoError(t, err)
	defer sub.Close()

	msg := decodeFrame(t, <-sub.Frames)
	assert.Equal(t, "connected", msg["type"])
	assert.Equal(t, 1, hub.ClientCount())
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub(10)

	a, err := hub.Subscribe(Filter{})
	require.NoError(t, err)
	defer a.Close()
	b, err := hub.Subscribe(Filter{})
	require.NoError(t, err)
	defer b.Close()

	<-a.Frames // connected
	<-b.Frames

	hub.Publish(TypeEvent, map[string]any{"agent_type": "claude_code", "tool": "Bash"})

	for _, sub := range []*Subscription{a, b} {
		msg := decodeFrame(t, <-sub.Frames)
		assert.Equal(t, "event", msg["type"])
		payload, ok := msg["payload"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "claude_code", payload["agent_type"])
	}
}

func TestFilterMatching(t *testing.T) {
	hub := NewHub(10)

	claudeOnly, err := hub.Subscribe(Filter{AgentType: "claude_code"})
	require.NoError(t, err)
	defer claudeOnly.Close()
	<-claudeOnly.Frames

	hub.Publish(TypeEvent, map[string]any{"agent_type": "codex"})
	hub.Publish(TypeEvent, map[string]any{"agent_type": "claude_code"})

	msg := decodeFrame(t, <-claudeOnly.Frames)
	payload := msg["payload"].(map[string]any)
	assert.Equal(t, "claude_code", payload["agent_type"])
	assert.Empty(t, claudeOnly.Frames)
}

func TestFilterMissingFieldNeverMatches(t *testing.T) {
	hub := NewHub(10)

	sub, err := hub.Subscribe(Filter{EventType: "tool_use"})
	require.NoError(t, err)
	defer sub.Close()
	<-sub.Frames

	// Stats payloads carry no event_type, so a filtered client skips them.
	hub.Publish(TypeStats, map[string]any{"total_events": float64(3)})
	assert.Empty(t, sub.Frames)

	hub.Publish(TypeEvent, map[string]any{"event_type": "tool_use"})
	msg := decodeFrame(t, <-sub.Frames)
	assert.Equal(t, "event", msg["type"])
}

func TestSubscribeRejectsWhenFull(t *testing.T) {
	hub := NewHub(1)

	first, err := hub.Subscribe(Filter{})
	require.NoError(t, err)

	_, err = hub.Subscribe(Filter{})
	assert.ErrorIs(t, err, ErrHubFull)

	// Capacity frees up after close.
	first.Close()
	second, err := hub.Subscribe(Filter{})
	require.NoError(t, err)
	second.Close()
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := NewHub(10)

	slow, err := hub.Subscribe(Filter{})
	require.NoError(t, err)

	// Fill the buffer past capacity without draining. The connected frame
	// already occupies one slot.
	for i := 0; i < subscriberBuffer+1; i++ {
		hub.Publish(TypeEvent, map[string]any{"n": float64(i)})
	}

	assert.Equal(t, 0, hub.ClientCount())

	// Channel is closed; draining terminates.
	count := 0
	for range slow.Frames {
		count++
	}
	assert.Equal(t, subscriberBuffer, count)
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := NewHub(10)

	sub, err := hub.Subscribe(Filter{})
	require.NoError(t, err)
	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.ClientCount())
}

func TestShutdownClosesEverySubscriber(t *testing.T) {
	hub := NewHub(10)

	sub, err := hub.Subscribe(Filter{})
	require.NoError(t, err)

	hub.Shutdown()
	assert.Equal(t, 0, hub.ClientCount())

	// Drain to the close.
	for range sub.Frames {
	}

	_, err = hub.Subscribe(Filter{})
	assert.ErrorIs(t, err, ErrHubFull)
}

func TestFrameOrderPerSubscriber(t *testing.T) {
	hub := NewHub(10)

	sub, err := hub.Subscribe(Filter{})
	require.NoError(t, err)
	defer sub.Close()
	<-sub.Frames

	for i := 0; i < 5; i++ {
		hub.Publish(TypeEvent, map[string]any{"seq": float64(i)})
	}
	for i := 0; i < 5; i++ {
		msg := decodeFrame(t, <-sub.Frames)
		payload := msg["payload"].(map[string]any)
		assert.Equal(t, float64(i), payload["seq"])
	}
}
