package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

func TestImportStateGetMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ImportState().Get(context.Background(), "/tmp/none.jsonl")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestImportStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.ImportState().Put(ctx, &domain.ImportState{
		FilePath:    "/home/x/.claude/projects/a/session.jsonl",
		Source:      "claude_code",
		ContentHash: "abc123",
		FileSize:    2048,
		RecordCount: 17,
	})
	require.NoError(t, err)

	st, err := s.ImportState().Get(ctx, "/home/x/.claude/projects/a/session.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "claude_code", st.Source)
	assert.Equal(t, "abc123", st.ContentHash)
	assert.Equal(t, int64(2048), st.FileSize)
	assert.Equal(t, int64(17), st.RecordCount)
	assert.NotEmpty(t, st.ImportedAt)
}

func TestImportStateUpdateOnRewrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	path := "/home/x/.codex/sessions/rollout-1.jsonl"
	require.NoError(t, s.ImportState().Put(ctx, &domain.ImportState{
		FilePath: path, Source: "codex", ContentHash: "v1", FileSize: 10, RecordCount: 1,
	}))
	require.NoError(t, s.ImportState().Put(ctx, &domain.ImportState{
		FilePath: path, Source: "codex", ContentHash: "v2", FileSize: 20, RecordCount: 2,
	}))

	st, err := s.ImportState().Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "v2", st.ContentHash)
	assert.Equal(t, int64(2), st.RecordCount)
}
