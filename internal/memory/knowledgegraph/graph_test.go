package knowledgegraph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelexchange/mxf/pkg/models"
)

func TestGraph_RelationshipRequiresKnownEntities(t *testing.T) {
	g := New()
	ctx := context.Background()

	err := g.AddRelationship(ctx, models.Relationship{ID: "r1", FromEntity: "a", ToEntity: "b"})
	require.Error(t, err)

	require.NoError(t, g.UpsertEntity(ctx, models.Entity{ID: "a", ChannelID: "c1"}))
	require.NoError(t, g.UpsertEntity(ctx, models.Entity{ID: "b", ChannelID: "c1"}))
	require.NoError(t, g.AddRelationship(ctx, models.Relationship{ID: "r1", FromEntity: "a", ToEntity: "b", Type: "relates_to"}))

	neighbors := g.Neighbors(ctx, "a")
	require.Len(t, neighbors, 1)
	assert.Equal(t, "b", neighbors[0].ToEntity)
}

func TestGraph_UpdateQValue_ZeroRewardIsNoOp(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.UpsertEntity(ctx, models.Entity{ID: "a", QValue: 0.3}))

	q, ok := g.UpdateQValue(ctx, "a", 0, 0.8, 0.1, -1, 1)
	require.True(t, ok)
	assert.Equal(t, 0.3, q)
}

func TestGraph_UpdateQValue_ClampsToBounds(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.UpsertEntity(ctx, models.Entity{ID: "a", QValue: 0.95}))

	for i := 0; i < 50; i++ {
		g.UpdateQValue(ctx, "a", 1, 1, 0.5, -1, 1)
	}

	e, ok := g.GetEntity(ctx, "a")
	require.True(t, ok)
	assert.LessOrEqual(t, e.QValue, 1.0)
	assert.GreaterOrEqual(t, e.QValue, -1.0)
}

func TestGraph_UpdateQValue_UnknownEntity(t *testing.T) {
	g := New()
	_, ok := g.UpdateQValue(context.Background(), "missing", 1, 1, 0.1, -1, 1)
	assert.False(t, ok)
}
