package gitinfo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBranchNilForNonRepository(t *testing.T) {
	r := NewResolver(t.TempDir())
	assert.Nil(t, r.Branch(context.Background(), "missing-project"))
}

func TestBranchRejectsUnsafeNames(t *testing.T) {
	r := NewResolver(t.TempDir())
	assert.Nil(t, r.Branch(context.Background(), "../outside"))
	assert.Nil(t, r.Branch(context.Background(), "a/b"))
	assert.Nil(t, r.Branch(context.Background(), ""))
}

func TestBranchCacheHit(t *testing.T) {
	r := NewResolver(t.TempDir())
	branch := "feature/x"
	now := time.Now()
	r.now = func() time.Time { return now }
	r.cache["acme"] = cacheEntry{branch: &branch, fetchedAt: now}

	got := r.Branch(context.Background(), "acme")
	assert.Equal(t, &branch, got)
}

func TestBranchCacheExpiry(t *testing.T) {
	r := NewResolver(t.TempDir())
	branch := "main"
	now := time.Now()
	r.now = func() time.Time { return now }
	r.cache["acme"] = cacheEntry{branch: &branch, fetchedAt: now.Add(-cacheTTL - time.Second)}

	// The stale entry is discarded and the miss is cached as nil.
	assert.Nil(t, r.Branch(context.Background(), "acme"))
	entry := r.cache["acme"]
	assert.Nil(t, entry.branch)
	assert.Equal(t, now, entry.fetchedAt)
}

func TestNegativeResultIsCached(t *testing.T) {
	r := NewResolver(t.TempDir())
	assert.Nil(t, r.Branch(context.Background(), "ghost"))

	entry, ok := r.cache["ghost"]
	assert.True(t, ok)
	assert.Nil(t, entry.branch)
}
