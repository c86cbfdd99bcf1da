package orpar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/memory"
	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/pkg/models"
)

func collectEvents() (func(models.Event), *[]models.Event) {
	var events []models.Event
	return func(e models.Event) { events = append(events, e) }, &events
}

func TestCoordinator_HappyPathCycle(t *testing.T) {
	onEmit, events := collectEvents()
	c := New(nil, nil, config.MemoryConfig{SurpriseThreshold: 0.7}, nil, nil, onEmit)
	ctx := context.Background()

	phases := []models.Phase{models.PhaseObserve, models.PhaseReason, models.PhasePlan, models.PhaseAct, models.PhaseReflect}
	var st AgentState
	var err error
	for _, p := range phases {
		st, err = c.Advance(ctx, AdvanceInput{AgentID: "a1", ChannelID: "c1", Phase: p})
		require.NoError(t, err)
	}

	assert.Equal(t, models.PhaseReflect, st.CurrentPhase)
	assert.Equal(t, 1, st.Cycle)
	assert.NotEmpty(t, st.LoopID)
	assert.Equal(t, phases, st.History)

	var kinds []models.EventKind
	for _, e := range *events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, models.EventORPARObserve)
	assert.Contains(t, kinds, models.EventORPARReflect)
}

func TestCoordinator_OutOfOrderRejected(t *testing.T) {
	onEmit, events := collectEvents()
	c := New(nil, nil, config.MemoryConfig{}, nil, nil, onEmit)
	ctx := context.Background()

	_, err := c.Advance(ctx, AdvanceInput{AgentID: "a1", Phase: models.PhasePlan})
	require.Error(t, err)

	st, ok := c.Status("a1")
	assert.True(t, ok)
	assert.Equal(t, models.Phase(""), st.CurrentPhase)

	found := false
	for _, e := range *events {
		if e.Kind == models.EventORPARError {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCoordinator_ObserveOnlyValidFromNoLoopOrReflect(t *testing.T) {
	onEmit, _ := collectEvents()
	c := New(nil, nil, config.MemoryConfig{}, nil, nil, onEmit)
	ctx := context.Background()

	_, err := c.Advance(ctx, AdvanceInput{AgentID: "a1", Phase: models.PhaseObserve})
	require.NoError(t, err)
	_, err = c.Advance(ctx, AdvanceInput{AgentID: "a1", Phase: models.PhaseObserve})
	require.Error(t, err, "observe is not valid from observe")
}

func TestCoordinator_P10_CycleNumberMonotonicOnRepeatedObserveReflect(t *testing.T) {
	onEmit, _ := collectEvents()
	c := New(nil, nil, config.MemoryConfig{}, nil, nil, onEmit)
	ctx := context.Background()

	phases := []models.Phase{models.PhaseObserve, models.PhaseReason, models.PhasePlan, models.PhaseAct, models.PhaseReflect}
	for cycle := 1; cycle <= 3; cycle++ {
		var st AgentState
		var err error
		for _, p := range phases {
			st, err = c.Advance(ctx, AdvanceInput{AgentID: "a1", Phase: p})
			require.NoError(t, err)
		}
		assert.Equal(t, cycle, st.Cycle)
	}
}

func TestCoordinator_ClearStateResetsLoop(t *testing.T) {
	onEmit, events := collectEvents()
	c := New(nil, nil, config.MemoryConfig{}, nil, nil, onEmit)
	ctx := context.Background()

	_, err := c.Advance(ctx, AdvanceInput{AgentID: "a1", Phase: models.PhaseObserve})
	require.NoError(t, err)

	c.ClearState("a1", "c1")
	_, ok := c.Status("a1")
	assert.False(t, ok)

	_, err = c.Advance(ctx, AdvanceInput{AgentID: "a1", Phase: models.PhaseObserve})
	require.NoError(t, err)

	hasClear := false
	for _, e := range *events {
		if e.Kind == models.EventORPARClearState {
			hasClear = true
		}
	}
	assert.True(t, hasClear)
}

func newTestMemory() (*memory.Layer, *storage.MemoryDocumentStore) {
	cfg := config.MemoryConfig{
		HybridRatio:        0.7,
		PhaseUtilityWeight: map[string]float64{"observe": 0.2, "reflect": 0.5},
		RewardPhaseWeight:  map[string]float64{"reflect": 0.5},
		QValueMin:          -10,
		QValueMax:          10,
		LearningRate:       0.1,
		RetrievalTopK:      5,
	}
	docs := storage.NewMemoryDocumentStore()
	return memory.New(docs, storage.NewMemorySearchIndex(), memory.NewHashingEmbedder(32), nil, cfg, nil, nil, nil), docs
}

func TestCoordinator_ObserveTriggersSurprise(t *testing.T) {
	mem, _ := newTestMemory()
	ctx := context.Background()
	_, err := mem.Store(ctx, models.MemoryContent{Text: "totally unrelated content about gardening"}, "c1", "a1", models.MemoryObservation, nil)
	require.NoError(t, err)

	onEmit, events := collectEvents()
	c := New(mem, mem, config.MemoryConfig{SurpriseThreshold: 0.01}, nil, nil, onEmit)

	_, err = c.Advance(ctx, AdvanceInput{AgentID: "a1", ChannelID: "c1", Phase: models.PhaseObserve, Query: "database outage incident response"})
	require.NoError(t, err)

	found := false
	for _, e := range *events {
		if e.Kind == models.EventSurpriseObservationQueued {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCoordinator_ReflectAttributesReward(t *testing.T) {
	mem, docs := newTestMemory()
	ctx := context.Background()
	rec, err := mem.Store(ctx, models.MemoryContent{Text: "deploy rollback procedure"}, "c1", "a1", models.MemoryAction, nil)
	require.NoError(t, err)

	c := New(mem, mem, config.MemoryConfig{SurpriseThreshold: 2}, nil, nil, nil)
	_, err = mem.Retrieve(ctx, memory.RetrieveOptions{ChannelID: "c1", AgentID: "a1", Phase: models.PhaseReflect, Query: "deploy rollback", TaskID: "task-9"})
	require.NoError(t, err)

	_, err = c.Advance(ctx, AdvanceInput{AgentID: "a1", ChannelID: "c1", Phase: models.PhaseObserve})
	require.NoError(t, err)
	_, err = c.Advance(ctx, AdvanceInput{AgentID: "a1", ChannelID: "c1", Phase: models.PhaseReason})
	require.NoError(t, err)
	_, err = c.Advance(ctx, AdvanceInput{AgentID: "a1", ChannelID: "c1", Phase: models.PhasePlan})
	require.NoError(t, err)
	_, err = c.Advance(ctx, AdvanceInput{AgentID: "a1", ChannelID: "c1", Phase: models.PhaseAct})
	require.NoError(t, err)
	_, err = c.Advance(ctx, AdvanceInput{AgentID: "a1", ChannelID: "c1", Phase: models.PhaseReflect, TaskID: "task-9", Reward: 1})
	require.NoError(t, err)

	updated, ok, err := docs.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, updated.QValue, 0.0)
}
