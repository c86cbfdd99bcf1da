package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/pkg/models"
)

func testConfig() config.MemoryConfig {
	return config.MemoryConfig{
		HybridRatio:        0.7,
		PhaseUtilityWeight: map[string]float64{"observe": 0.2, "reason": 0.4, "plan": 0.6, "act": 0.7, "reflect": 0.5},
		RewardPhaseWeight:  map[string]float64{"observe": 0.3, "reason": 0.8, "plan": 0.9, "act": 1.0, "reflect": 0.5},
		QValueMin:          -10,
		QValueMax:          10,
		LearningRate:       0.1,
		RetrievalTopK:      5,
	}
}

func newTestLayer() *Layer {
	docs := storage.NewMemoryDocumentStore()
	search := storage.NewMemorySearchIndex()
	embedder := NewHashingEmbedder(32)
	return New(docs, search, embedder, nil, testConfig(), nil, nil, nil)
}

func TestLayer_StoreAndRetrieve(t *testing.T) {
	l := newTestLayer()
	ctx := context.Background()

	_, err := l.Store(ctx, models.MemoryContent{Text: "the deployment failed due to a timeout"}, "c1", "agent-1", models.MemoryObservation, nil)
	require.NoError(t, err)
	_, err = l.Store(ctx, models.MemoryContent{Text: "the weather today is sunny"}, "c1", "agent-1", models.MemoryObservation, nil)
	require.NoError(t, err)

	results, err := l.Retrieve(ctx, RetrieveOptions{ChannelID: "c1", Phase: models.PhaseReason, Query: "deployment timeout"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Record.Content.Text, "deployment")
}

func TestLayer_Retrieve_NoQueryRanksByUtilityOnly(t *testing.T) {
	l := newTestLayer()
	ctx := context.Background()

	low, err := l.Store(ctx, models.MemoryContent{Text: "low utility"}, "c1", "", models.MemoryAction, nil)
	require.NoError(t, err)
	high, err := l.Store(ctx, models.MemoryContent{Text: "high utility"}, "c1", "", models.MemoryAction, nil)
	require.NoError(t, err)

	low.QValue = -5
	require.NoError(t, l.docs.Put(ctx, low))
	high.QValue = 5
	require.NoError(t, l.docs.Put(ctx, high))

	results, err := l.Retrieve(ctx, RetrieveOptions{ChannelID: "c1", Phase: models.PhaseAct})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, high.ID, results[0].Record.ID)
}

func TestLayer_Attribute_MatchesWorkedExample(t *testing.T) {
	// Spec §8 scenario 5: retrieval for phase "reason" returns M1
	// (sim=0.8, Q=0); task completes with reward +1; with w(reason)=0.8,
	// Q(M1) = 0 + 0.1*(1*0.8 - 0) = 0.08.
	l := newTestLayer()
	ctx := context.Background()

	rec, err := l.Store(ctx, models.MemoryContent{Text: "candidate memory"}, "c1", "", models.MemoryConversation, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.QValue)

	l.mu.Lock()
	l.usage["task-1"] = []usageEntry{{memoryID: rec.ID, phase: models.PhaseReason}}
	l.mu.Unlock()

	require.NoError(t, l.Attribute(ctx, "task-1", 1))

	updated, ok, err := l.docs.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 0.08, updated.QValue, 1e-9)
}

func TestLayer_Attribute_ZeroRewardIsNoOp(t *testing.T) {
	l := newTestLayer()
	ctx := context.Background()

	rec, err := l.Store(ctx, models.MemoryContent{Text: "candidate memory"}, "c1", "", models.MemoryConversation, nil)
	require.NoError(t, err)
	rec.QValue = 0.42
	require.NoError(t, l.docs.Put(ctx, rec))

	l.mu.Lock()
	l.usage["task-2"] = []usageEntry{{memoryID: rec.ID, phase: models.PhaseReason}}
	l.mu.Unlock()

	require.NoError(t, l.Attribute(ctx, "task-2", 0))

	unchanged, ok, err := l.docs.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.42, unchanged.QValue)
}

func TestLayer_Attribute_MissingTaskIsSilentNoOp(t *testing.T) {
	l := newTestLayer()
	require.NoError(t, l.Attribute(context.Background(), "never-retrieved", 1))
}

func TestLayer_Attribute_ClampsToBounds(t *testing.T) {
	l := newTestLayer()
	ctx := context.Background()

	rec, err := l.Store(ctx, models.MemoryContent{Text: "candidate"}, "c1", "", models.MemoryConversation, nil)
	require.NoError(t, err)
	rec.QValue = 9.99
	require.NoError(t, l.docs.Put(ctx, rec))

	for i := 0; i < 20; i++ {
		l.mu.Lock()
		l.usage["task-3"] = []usageEntry{{memoryID: rec.ID, phase: models.PhaseAct}}
		l.mu.Unlock()
		require.NoError(t, l.Attribute(ctx, "task-3", 1))
	}

	updated, _, err := l.docs.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, updated.QValue, 10.0)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, 0.5, normalize(0, -10, 10))
	assert.Equal(t, 1.0, normalize(100, -10, 10))
	assert.Equal(t, 0.0, normalize(-100, -10, 10))
}
