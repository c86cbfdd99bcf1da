// Package dag implements the per-channel Task DAG Scheduler: dependency-
// respecting task graphs with cycle rejection, Kahn's-algorithm parallel
// leveling, and readiness propagation. The config-struct/mutex/metrics
// shape follows internal/tasks.Scheduler, but the scheduling algorithm
// itself is new — that scheduler is cron/time based, not dependency-graph
// based, so the cycle detection, leveling, and blocking rules here are
// implemented from scratch in the same idiom.
package dag

import (
	"fmt"
	"sort"
	"sync"

	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/pkg/models"
)

// EmitFunc publishes an event onto the server bus.
type EmitFunc func(models.Event)

// Config configures scheduler-wide policy.
type Config struct {
	AutoAssign         bool
	MaxTasksPerChannel int
}

// Scheduler owns one dependency graph per channel, each guarded by its own
// mutex so that one channel's graph operations never block another's
// (cross-channel operations, none of which this package performs today,
// would acquire channel mutexes in channel-id sorted order).
type Scheduler struct {
	mu     sync.Mutex
	graphs map[string]*graph

	config  Config
	metrics *observability.Metrics
	onEmit  EmitFunc
}

// New builds an empty Scheduler.
func New(config Config, metrics *observability.Metrics, onEmit EmitFunc) *Scheduler {
	return &Scheduler{
		graphs:  make(map[string]*graph),
		config:  config,
		metrics: metrics,
		onEmit:  onEmit,
	}
}

type graph struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
	// deps[dependent] is the set of task-ids dependent directly depends on.
	deps map[string]map[string]bool
	// dependents[dependency] is the set of task-ids that directly depend on dependency.
	dependents map[string]map[string]bool
}

func newGraph() *graph {
	return &graph{
		tasks:      make(map[string]*models.Task),
		deps:       make(map[string]map[string]bool),
		dependents: make(map[string]map[string]bool),
	}
}

func (s *Scheduler) graphFor(channelID string) *graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[channelID]
	if !ok {
		g = newGraph()
		s.graphs[channelID] = g
	}
	return g
}

// AddTask registers a task in its channel's graph and wires edges for any
// dependencies already listed on the task, rejecting the whole add if any
// dependency is unknown or would introduce a cycle. A task with zero
// dependencies (or whose every dependency is already completed) is
// immediately ready.
func (s *Scheduler) AddTask(task *models.Task) error {
	if s.config.MaxTasksPerChannel > 0 {
		g := s.graphFor(task.ChannelID)
		g.mu.Lock()
		count := len(g.tasks)
		g.mu.Unlock()
		if count >= s.config.MaxTasksPerChannel {
			return fmt.Errorf("dag: channel %q has reached its task limit (%d)", task.ChannelID, s.config.MaxTasksPerChannel)
		}
	}

	g := s.graphFor(task.ChannelID)
	g.mu.Lock()
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	g.tasks[task.ID] = task
	if g.deps[task.ID] == nil {
		g.deps[task.ID] = make(map[string]bool)
	}
	deps := append([]string(nil), task.Dependencies...)
	g.mu.Unlock()

	for _, dep := range deps {
		if err := s.AddEdge(task.ChannelID, task.ID, dep); err != nil {
			g.mu.Lock()
			for d := range g.deps[task.ID] {
				delete(g.dependents[d], task.ID)
			}
			delete(g.deps, task.ID)
			delete(g.tasks, task.ID)
			g.mu.Unlock()
			return err
		}
	}

	s.emit(models.Event{Kind: models.EventTaskCreated, ChannelID: task.ChannelID, Data: map[string]any{"task_id": task.ID}})
	return nil
}

// AddEdge records that dependent depends on dependency, rejecting the edge
// if it would create a cycle. Both task-ids must already exist in
// channelID's graph.
func (s *Scheduler) AddEdge(channelID, dependent, dependency string) error {
	g := s.graphFor(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.tasks[dependent]; !ok {
		return fmt.Errorf("dag: unknown task %q", dependent)
	}
	if _, ok := g.tasks[dependency]; !ok {
		return fmt.Errorf("dag: unknown task %q", dependency)
	}
	if dependent == dependency {
		return fmt.Errorf("dag: task %q cannot depend on itself", dependent)
	}
	if g.deps[dependent][dependency] {
		return nil // already present, idempotent
	}

	if path, found := g.findPath(dependency, dependent); found {
		cyclePath := append([]string{dependent}, path...)
		if s.metrics != nil {
			s.metrics.DAGCyclesRejected.Inc()
		}
		s.emit(models.Event{Kind: models.EventDAGCycleDetected, ChannelID: channelID, Data: map[string]any{"cycle_path": cyclePath}})
		return fmt.Errorf("dag: edge %s->%s would create a cycle: %v", dependent, dependency, cyclePath)
	}

	if g.deps[dependent] == nil {
		g.deps[dependent] = make(map[string]bool)
	}
	g.deps[dependent][dependency] = true
	if g.dependents[dependency] == nil {
		g.dependents[dependency] = make(map[string]bool)
	}
	g.dependents[dependency][dependent] = true

	if dep := g.tasks[dependent]; dep != nil && !containsStr(dep.Dependencies, dependency) {
		dep.Dependencies = append(dep.Dependencies, dependency)
	}

	s.emit(models.Event{Kind: models.EventDAGDependenciesResolved, ChannelID: channelID, Data: map[string]any{"dependent": dependent, "dependency": dependency}})
	return nil
}

// findPath does a BFS from start, following "depends on" edges (start's
// dependencies, then their dependencies, ...), looking for target. It
// returns the path from start to target inclusive when found.
func (g *graph) findPath(start, target string) ([]string, bool) {
	if start == target {
		return []string{start}, true
	}
	visited := map[string]bool{start: true}
	type frame struct {
		id   string
		path []string
	}
	queue := []frame{{id: start, path: []string{start}}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range g.deps[cur.id] {
			if visited[next] {
				continue
			}
			path := append(append([]string(nil), cur.path...), next)
			if next == target {
				return path, true
			}
			visited[next] = true
			queue = append(queue, frame{id: next, path: path})
		}
	}
	return nil, false
}

// RemoveEdge deletes a dependent->dependency edge, if present.
func (s *Scheduler) RemoveEdge(channelID, dependent, dependency string) {
	g := s.graphFor(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.deps[dependent], dependency)
	delete(g.dependents[dependency], dependent)
	if dep := g.tasks[dependent]; dep != nil {
		filtered := dep.Dependencies[:0:0]
		for _, id := range dep.Dependencies {
			if id != dependency {
				filtered = append(filtered, id)
			}
		}
		dep.Dependencies = filtered
	}
}

// Status attempts to transition taskID to newStatus. Transitioning to
// assigned or in-progress while any dependency is unresolved is rejected
// with dag:task_blocked. Terminal statuses are sticky: once
// completed/failed/cancelled, no further transition is accepted.
func (s *Scheduler) Status(channelID, taskID string, newStatus models.TaskStatus) error {
	g := s.graphFor(channelID)

	g.mu.Lock()
	task, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("dag: unknown task %q", taskID)
	}
	if task.Status.Terminal() {
		g.mu.Unlock()
		return fmt.Errorf("dag: task %q is in terminal status %q", taskID, task.Status)
	}

	if newStatus == models.TaskAssigned || newStatus == models.TaskInProgress {
		var blocking []string
		for dep := range g.deps[taskID] {
			if depTask, ok := g.tasks[dep]; !ok || depTask.Status != models.TaskCompleted {
				blocking = append(blocking, dep)
			}
		}
		if len(blocking) > 0 {
			g.mu.Unlock()
			sort.Strings(blocking)
			if s.metrics != nil {
				s.metrics.DAGTasksBlocked.Inc()
			}
			s.emit(models.Event{Kind: models.EventDAGTaskBlocked, ChannelID: channelID, Data: map[string]any{"task_id": taskID, "blocking": blocking}})
			return fmt.Errorf("dag: task %q blocked on %v", taskID, blocking)
		}
	}

	task.Status = newStatus
	var toNotify []string
	if newStatus == models.TaskCompleted {
		toNotify = mapKeys(g.dependents[taskID])
	}
	g.mu.Unlock()

	s.emitStatusEvent(channelID, taskID, newStatus)

	for _, dependent := range toNotify {
		s.evaluateUnblock(channelID, dependent)
	}
	return nil
}

func (s *Scheduler) emitStatusEvent(channelID, taskID string, status models.TaskStatus) {
	kind, ok := map[models.TaskStatus]models.EventKind{
		models.TaskAssigned:   models.EventTaskAssigned,
		models.TaskInProgress: models.EventTaskStarted,
		models.TaskCompleted:  models.EventTaskCompleted,
		models.TaskFailed:     models.EventTaskFailed,
		models.TaskCancelled:  models.EventTaskCancelled,
	}[status]
	if !ok {
		return
	}
	s.emit(models.Event{Kind: kind, ChannelID: channelID, Data: map[string]any{"task_id": taskID}})
}

// evaluateUnblock checks whether dependent's dependencies are now all
// completed and, if so, emits task:unblocked and auto-assigns when the
// Config.AutoAssign policy is set.
func (s *Scheduler) evaluateUnblock(channelID, dependent string) {
	g := s.graphFor(channelID)

	g.mu.Lock()
	var remaining []string
	for dep := range g.deps[dependent] {
		if depTask, ok := g.tasks[dep]; !ok || depTask.Status != models.TaskCompleted {
			remaining = append(remaining, dep)
		}
	}
	ready := len(remaining) == 0
	g.mu.Unlock()

	if !ready {
		return
	}

	sort.Strings(remaining)
	if s.metrics != nil {
		s.metrics.DAGTasksUnblocked.Inc()
	}
	s.emit(models.Event{Kind: models.EventDAGTaskUnblocked, ChannelID: channelID, Data: map[string]any{"task_id": dependent, "remaining_blockers": remaining}})

	if s.config.AutoAssign {
		_ = s.Status(channelID, dependent, models.TaskAssigned)
	}
}

// Ready returns every task in channelID whose status is pending and whose
// dependencies are all completed (zero dependencies counts as satisfied).
func (s *Scheduler) Ready(channelID string) []string {
	g := s.graphFor(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []string
	for id, task := range g.tasks {
		if task.Status != models.TaskPending {
			continue
		}
		satisfied := true
		for dep := range g.deps[id] {
			if depTask, ok := g.tasks[dep]; !ok || depTask.Status != models.TaskCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ExecutionLevels buckets every task in channelID via Kahn's algorithm:
// level 0 is every task with no dependencies; level k+1 is every task
// whose dependencies all lie in levels 0..k. Each inner slice is a set of
// tasks consumers may execute concurrently.
func (s *Scheduler) ExecutionLevels(channelID string) [][]string {
	return s.executionLevels(channelID, false)
}

// executionLevels computes the Kahn leveling for channelID. When quiet is
// true the dag:execution_order_computed event is suppressed, which
// CriticalPath relies on to avoid emitting a duplicate event on every
// call; quiet is a plain parameter rather than a mutated scheduler field
// so a concurrent caller computing levels for a different channel is
// never affected.
func (s *Scheduler) executionLevels(channelID string, quiet bool) [][]string {
	g := s.graphFor(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()

	remaining := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		remaining[id] = len(g.deps[id])
	}

	var levels [][]string
	for len(remaining) > 0 {
		var level []string
		for id, degree := range remaining {
			if degree == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			// Residual tasks form a cycle that somehow bypassed AddEdge's
			// check (should not happen); stop rather than loop forever.
			break
		}
		sort.Strings(level)
		levels = append(levels, level)
		for _, id := range level {
			delete(remaining, id)
		}
		for _, id := range level {
			for dependent := range g.dependents[id] {
				if _, ok := remaining[dependent]; ok {
					remaining[dependent]--
				}
			}
		}
	}

	if !quiet {
		s.emit(models.Event{Kind: models.EventDAGExecutionOrder, ChannelID: channelID, Data: map[string]any{"levels": levels}})
	}
	return levels
}

// CriticalPath returns the longest dependency chain in channelID, ordered
// from the earliest (no-dependency) task to the latest. Ties are broken by
// task id for determinism.
func (s *Scheduler) CriticalPath(channelID string) []string {
	levels := s.executionLevels(channelID, true)
	g := s.graphFor(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()

	longest := map[string][]string{}
	var best []string
	for _, level := range levels {
		for _, id := range level {
			var bestPred []string
			preds := mapKeys(g.deps[id])
			sort.Strings(preds)
			for _, dep := range preds {
				if p := longest[dep]; len(p) > len(bestPred) {
					bestPred = p
				}
			}
			path := append(append([]string(nil), bestPred...), id)
			longest[id] = path
			if len(path) > len(best) {
				best = path
			}
		}
	}
	return best
}

// Get returns a copy of a task's current state.
func (s *Scheduler) Get(channelID, taskID string) (*models.Task, bool) {
	g := s.graphFor(channelID)
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (s *Scheduler) emit(event models.Event) {
	if s.onEmit != nil {
		s.onEmit(event)
	}
}

func mapKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
