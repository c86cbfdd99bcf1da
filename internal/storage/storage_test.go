package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/pkg/models"
)

func TestMemorySearchIndex_ScoresByTermOverlap(t *testing.T) {
	idx := storage.NewMemorySearchIndex()
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, models.MemoryRecord{ID: "1", ChannelID: "c1", Content: models.MemoryContent{Text: "deploy the service to production"}}))
	require.NoError(t, idx.Index(ctx, models.MemoryRecord{ID: "2", ChannelID: "c1", Content: models.MemoryContent{Text: "unrelated note about lunch"}}))

	hits, err := idx.Search(ctx, "c1", "deploy production", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "1", hits[0].ID)
}

func TestMemorySearchIndex_ScopesByChannel(t *testing.T) {
	idx := storage.NewMemorySearchIndex()
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, models.MemoryRecord{ID: "1", ChannelID: "c1", Content: models.MemoryContent{Text: "deploy"}}))

	hits, err := idx.Search(ctx, "c2", "deploy", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryValidationCache_RoundTrips(t *testing.T) {
	c := storage.NewMemoryValidationCache()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k1", models.Verdict{Valid: true, Confidence: 0.9}))
	v, ok, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.9, v.Confidence)
}

func TestMemoryDocumentStore_ByChannel(t *testing.T) {
	s := storage.NewMemoryDocumentStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, models.MemoryRecord{ID: "1", ChannelID: "c1"}))
	require.NoError(t, s.Put(ctx, models.MemoryRecord{ID: "2", ChannelID: "c2"}))

	recs, err := s.ByChannel(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "1", recs[0].ID)
}
