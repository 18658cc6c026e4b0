package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

func seedStatsFixture(t *testing.T, s *Store) {
	t.Helper()

	tool := testEvent("sess-1")
	tool.ToolName = strp("Bash")
	tool.TokensIn = 100
	tool.TokensOut = 50
	tool.Branch = strp("main")
	tool.Project = strp("demo")
	tool.DurationMS = i64p(40)
	mustInsert(t, s, tool)

	failed := testEvent("sess-1")
	failed.ToolName = strp("Bash")
	failed.Status = "error"
	failed.DurationMS = i64p(60)
	mustInsert(t, s, failed)

	llm := testEvent("sess-2")
	llm.AgentType = "codex"
	llm.EventType = domain.EventLLMResponse
	llm.Model = strp("o3")
	llm.TokensIn = 1000
	llm.TokensOut = 200
	llm.CostUSD = f64p(0.5)
	llm.Branch = strp("feature/x")
	llm.Project = strp("other")
	mustInsert(t, s, llm)
}

func TestStatsTotalsAndBreakdowns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedStatsFixture(t, s)

	stats, err := s.Stats().Stats(ctx, domain.StatsFilters{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TotalEvents)
	assert.Equal(t, int64(2), stats.TotalSessions)
	assert.Equal(t, int64(2), stats.ActiveSessions)
	assert.Equal(t, int64(1100), stats.TotalTokensIn)
	assert.Equal(t, int64(250), stats.TotalTokensOut)
	assert.InDelta(t, 0.5, stats.TotalCostUSD, 1e-12)

	assert.Equal(t, int64(2), stats.ToolBreakdown["Bash"])
	assert.Equal(t, int64(2), stats.AgentBreakdown["claude_code"])
	assert.Equal(t, int64(1), stats.AgentBreakdown["codex"])
	assert.Equal(t, int64(1), stats.ModelBreakdown["o3"])
	// Recent-first: the codex event on feature/x came last.
	require.Len(t, stats.Branches, 2)
	assert.Contains(t, stats.Branches, "main")
	assert.Contains(t, stats.Branches, "feature/x")
}

func TestStatsFilteredByAgent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedStatsFixture(t, s)

	stats, err := s.Stats().Stats(ctx, domain.StatsFilters{AgentType: "codex"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.TotalSessions)
	assert.Equal(t, int64(1000), stats.TotalTokensIn)
	assert.Empty(t, stats.ToolBreakdown)
}

func TestStatsEmptyDatabase(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stats, err := s.Stats().Stats(ctx, domain.StatsFilters{})
	require.NoError(t, err)

	assert.Equal(t, int64(0), stats.TotalEvents)
	assert.Equal(t, float64(0), stats.TotalCostUSD)
	assert.NotNil(t, stats.ToolBreakdown)
	assert.NotNil(t, stats.Branches)
	assert.Empty(t, stats.Branches)
}

func TestToolStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedStatsFixture(t, s)

	noDuration := testEvent("sess-1")
	noDuration.ToolName = strp("Read")
	mustInsert(t, s, noDuration)

	tools, err := s.Stats().ToolStats(ctx, domain.StatsFilters{})
	require.NoError(t, err)
	require.Len(t, tools, 2)

	// Ordered by call count.
	bash := tools[0]
	assert.Equal(t, "Bash", bash.ToolName)
	assert.Equal(t, int64(2), bash.TotalCalls)
	assert.Equal(t, int64(1), bash.ErrorCount)
	assert.InDelta(t, 0.5, bash.ErrorRate, 1e-12)
	require.NotNil(t, bash.AvgDurationMS)
	assert.InDelta(t, 50.0, *bash.AvgDurationMS, 1e-9)
	assert.Equal(t, int64(2), bash.ByAgent["claude_code"])

	read := tools[1]
	assert.Equal(t, "Read", read.ToolName)
	assert.Nil(t, read.AvgDurationMS)
	assert.Equal(t, float64(0), read.ErrorRate)
}

func TestCostBreakdown(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedStatsFixture(t, s)

	breakdown, err := s.Stats().CostBreakdown(ctx, domain.CostFilters{})
	require.NoError(t, err)

	// Everything was inserted just now, so one day bucket holds it all.
	require.Len(t, breakdown.Timeline, 1)
	assert.InDelta(t, 0.5, breakdown.Timeline[0].CostUSD, 1e-12)
	assert.Equal(t, int64(1100), breakdown.Timeline[0].TokensIn)

	require.Len(t, breakdown.ByProject, 2)
	assert.Equal(t, "other", breakdown.ByProject[0].Project)
	assert.InDelta(t, 0.5, breakdown.ByProject[0].CostUSD, 1e-12)

	require.Len(t, breakdown.ByModel, 1)
	assert.Equal(t, "o3", breakdown.ByModel[0].Model)
}

func TestCostBreakdownEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	breakdown, err := s.Stats().CostBreakdown(ctx, domain.CostFilters{})
	require.NoError(t, err)
	assert.Empty(t, breakdown.Timeline)
	assert.NotNil(t, breakdown.ByProject)
	assert.NotNil(t, breakdown.ByModel)
}

func TestFilterOptions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedStatsFixture(t, s)

	options, err := s.Stats().FilterOptions(ctx)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"claude_code", "codex"}, options.AgentTypes)
	assert.ElementsMatch(t, []string{"tool_use", "llm_response"}, options.EventTypes)
	assert.Equal(t, []string{"Bash"}, options.ToolNames)
	assert.Equal(t, []string{"o3"}, options.Models)
	assert.ElementsMatch(t, []string{"demo", "other"}, options.Projects)
	assert.Equal(t, []string{"api"}, options.Sources)

	require.Len(t, options.Branches, 2)
	for _, b := range options.Branches {
		assert.NotEmpty(t, b.Value)
		assert.NotEmpty(t, b.LastSeen)
	}
}

func TestUsageMonitor(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedStatsFixture(t, s)

	limits := []domain.UsageLimit{
		{
			AgentType:           "claude_code",
			LimitType:           "tokens",
			SessionWindowHours:  5,
			SessionLimit:        44000,
			ExtendedWindowHours: 24,
		},
		{
			AgentType:           "codex",
			LimitType:           "cost",
			SessionWindowHours:  5,
			SessionLimit:        500,
			ExtendedWindowHours: 168,
			ExtendedLimit:       1500,
		},
	}

	rows, err := s.Stats().UsageMonitor(ctx, limits)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	claude := rows[0]
	assert.Equal(t, "claude_code", claude.AgentType)
	assert.Equal(t, "tokens", claude.LimitType)
	assert.InDelta(t, 150.0, claude.Session.Used, 1e-9)
	assert.Equal(t, float64(44000), claude.Session.Limit)
	assert.Equal(t, int64(5), claude.Session.WindowHours)
	assert.InDelta(t, 150.0, claude.Extended.Used, 1e-9)

	codex := rows[1]
	assert.Equal(t, "cost", codex.LimitType)
	assert.InDelta(t, 0.5, codex.Session.Used, 1e-12)
	assert.Equal(t, int64(168), codex.Extended.WindowHours)
}
