package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Sessions().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListSessionsFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustInsert(t, s, testEvent("sess-active"))

	end := testEvent("sess-idle")
	end.EventType = domain.EventSessionEnd
	mustInsert(t, s, end)

	codex := testEvent("sess-codex")
	codex.AgentType = "codex"
	mustInsert(t, s, codex)

	all, err := s.Sessions().List(ctx, domain.SessionFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	active, err := s.Sessions().List(ctx, domain.SessionFilters{Status: "active"})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	notIdle, err := s.Sessions().List(ctx, domain.SessionFilters{ExcludeStatus: "idle"})
	require.NoError(t, err)
	assert.Len(t, notIdle, 2)

	byAgent, err := s.Sessions().List(ctx, domain.SessionFilters{AgentType: "codex"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "sess-codex", byAgent[0].ID)

	limited, err := s.Sessions().List(ctx, domain.SessionFilters{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecentAndTranscriptEventOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, tool := range []string{"Read", "Edit", "Bash"} {
		ev := testEvent("sess-1")
		ev.ToolName = strp(tool)
		ev.DurationMS = i64p(25)
		mustInsert(t, s, ev)
	}

	recent, err := s.Sessions().RecentEvents(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "Bash", *recent[0].ToolName)
	assert.Equal(t, "Edit", *recent[1].ToolName)

	transcript, err := s.Sessions().TranscriptEvents(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, transcript, 3)
	assert.Equal(t, "Read", *transcript[0].ToolName)
	assert.Equal(t, "Bash", *transcript[2].ToolName)
}

func TestSweepIdlesThenEnds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustInsert(t, s, testEvent("sess-stale"))
	mustInsert(t, s, testEvent("sess-fresh"))

	backdate(t, s, "sess-stale", "-6 minutes")

	result, err := s.Sessions().Sweep(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Idled)
	assert.Equal(t, int64(0), result.Ended)

	stale, err := s.Sessions().Get(ctx, "sess-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionIdle, stale.Status)
	assert.Nil(t, stale.EndedAt)

	fresh, err := s.Sessions().Get(ctx, "sess-fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, fresh.Status)

	// Past twice the threshold the idle session is ended.
	backdate(t, s, "sess-stale", "-11 minutes")
	result, err = s.Sessions().Sweep(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Idled)
	assert.Equal(t, int64(1), result.Ended)

	stale, err = s.Sessions().Get(ctx, "sess-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, stale.Status)
	assert.NotNil(t, stale.EndedAt)
}

func TestSweepNoChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mustInsert(t, s, testEvent("sess-1"))

	result, err := s.Sessions().Sweep(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.Idled)
	assert.Equal(t, int64(0), result.Ended)
}
