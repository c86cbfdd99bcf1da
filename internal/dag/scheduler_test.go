package dag_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelexchange/mxf/internal/dag"
	"github.com/modelexchange/mxf/pkg/models"
)

func addTask(t *testing.T, s *dag.Scheduler, channelID, id string, deps ...string) {
	t.Helper()
	require.NoError(t, s.AddTask(&models.Task{ID: id, ChannelID: channelID, Dependencies: deps}))
}

func TestScheduler_AddEdgeRejectsCycle(t *testing.T) {
	s := dag.New(dag.Config{}, nil, nil)
	addTask(t, s, "c1", "a")
	addTask(t, s, "c1", "b", "a")
	addTask(t, s, "c1", "c", "b")

	err := s.AddEdge("c1", "a", "c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestScheduler_AddTaskRejectsUnknownDependency(t *testing.T) {
	s := dag.New(dag.Config{}, nil, nil)
	err := s.AddTask(&models.Task{ID: "a", ChannelID: "c1", Dependencies: []string{"ghost"}})
	require.Error(t, err)
}

func TestScheduler_ExecutionLevelsKahnLeveling(t *testing.T) {
	s := dag.New(dag.Config{}, nil, nil)
	// a, b have no deps; c depends on both a and b; d depends on c.
	addTask(t, s, "c1", "a")
	addTask(t, s, "c1", "b")
	addTask(t, s, "c1", "c", "a", "b")
	addTask(t, s, "c1", "d", "c")

	levels := s.ExecutionLevels("c1")
	require.Len(t, levels, 3)
	assert.ElementsMatch(t, []string{"a", "b"}, levels[0])
	assert.Equal(t, []string{"c"}, levels[1])
	assert.Equal(t, []string{"d"}, levels[2])
}

func TestScheduler_CriticalPathFollowsLongestChain(t *testing.T) {
	s := dag.New(dag.Config{}, nil, nil)
	addTask(t, s, "c1", "a")
	addTask(t, s, "c1", "b")
	addTask(t, s, "c1", "c", "a")
	addTask(t, s, "c1", "d", "c")
	// b is a dead-end with no dependents; the critical path runs a->c->d.

	path := s.CriticalPath("c1")
	assert.Equal(t, []string{"a", "c", "d"}, path)
}

func TestScheduler_ReadyReturnsZeroDependencyAndSatisfiedTasks(t *testing.T) {
	s := dag.New(dag.Config{}, nil, nil)
	addTask(t, s, "c1", "a")
	addTask(t, s, "c1", "b", "a")

	assert.Equal(t, []string{"a"}, s.Ready("c1"))

	require.NoError(t, s.Status("c1", "a", models.TaskInProgress))
	require.NoError(t, s.Status("c1", "a", models.TaskCompleted))

	assert.Equal(t, []string{"b"}, s.Ready("c1"))
}

func TestScheduler_StatusBlocksOnUnresolvedDependency(t *testing.T) {
	s := dag.New(dag.Config{}, nil, nil)
	addTask(t, s, "c1", "a")
	addTask(t, s, "c1", "b", "a")

	err := s.Status("c1", "b", models.TaskInProgress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestScheduler_StatusRejectsTransitionsAfterTerminal(t *testing.T) {
	s := dag.New(dag.Config{}, nil, nil)
	addTask(t, s, "c1", "a")
	require.NoError(t, s.Status("c1", "a", models.TaskInProgress))
	require.NoError(t, s.Status("c1", "a", models.TaskCompleted))

	err := s.Status("c1", "a", models.TaskFailed)
	require.Error(t, err)
}

func TestScheduler_AutoAssignUnblocksDependentOnCompletion(t *testing.T) {
	var emitted []models.Event
	var mu sync.Mutex
	s := dag.New(dag.Config{AutoAssign: true}, nil, func(e models.Event) {
		mu.Lock()
		emitted = append(emitted, e)
		mu.Unlock()
	})
	addTask(t, s, "c1", "a")
	addTask(t, s, "c1", "b", "a")

	require.NoError(t, s.Status("c1", "a", models.TaskInProgress))
	require.NoError(t, s.Status("c1", "a", models.TaskCompleted))

	task, ok := s.Get("c1", "b")
	require.True(t, ok)
	assert.Equal(t, models.TaskAssigned, task.Status)

	mu.Lock()
	defer mu.Unlock()
	var sawUnblocked bool
	for _, e := range emitted {
		if e.Kind == models.EventDAGTaskUnblocked {
			sawUnblocked = true
		}
	}
	assert.True(t, sawUnblocked)
}

func TestScheduler_CriticalPathDoesNotEmitExecutionOrderEvent(t *testing.T) {
	var emitted []models.Event
	s := dag.New(dag.Config{}, nil, func(e models.Event) { emitted = append(emitted, e) })
	addTask(t, s, "c1", "a")
	addTask(t, s, "c1", "b", "a")

	emitted = nil
	_ = s.CriticalPath("c1")

	for _, e := range emitted {
		assert.NotEqual(t, models.EventDAGExecutionOrder, e.Kind)
	}
}

// TestScheduler_ConcurrentMultiChannelIsolation exercises two channels
// under concurrent load: one continuously calling CriticalPath (which
// used to suppress the whole scheduler's onEmit while computing), the
// other adding tasks and expecting every task:created event to arrive.
// A shared, unlocked onEmit toggle would drop events from the second
// channel while the first's CriticalPath call was in flight.
func TestScheduler_ConcurrentMultiChannelIsolation(t *testing.T) {
	var mu sync.Mutex
	var channelBEvents int
	s := dag.New(dag.Config{}, nil, func(e models.Event) {
		if e.Kind == models.EventTaskCreated && e.ChannelID == "channel-b" {
			mu.Lock()
			channelBEvents++
			mu.Unlock()
		}
	})

	addTask(t, s, "channel-a", "seed")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.CriticalPath("channel-a")
			}
		}
	}()

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, s.AddTask(&models.Task{ID: idFor(i), ChannelID: "channel-b"}))
	}
	close(stop)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, n, channelBEvents)
}

func idFor(i int) string {
	return "b-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
