// Package memory implements the Memory Layer (MULS — Memory Utility
// Learning System): dual-write storage across a document store and a
// search index, two-phase hybrid+utility retrieval, and TD-style reward
// attribution that reinforces memories used during a task. Query
// embeddings are computed on every retrieval and are not cached. The
// backend+embedder pair and dual-write shape follow
// internal/memory.Manager, combined with
// internal/memory/hooks.go's automatic-capture pattern, generalized from
// a single vector backend to a three-stratum, Q-value-reinforced model.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelexchange/mxf/internal/config"
	"github.com/modelexchange/mxf/internal/observability"
	"github.com/modelexchange/mxf/internal/retry"
	"github.com/modelexchange/mxf/internal/storage"
	"github.com/modelexchange/mxf/pkg/models"
)

// DocumentStore is the subset of internal/storage.DocumentStore the layer
// needs (kept narrow so test fakes don't need the full storage package).
type DocumentStore interface {
	Put(ctx context.Context, record models.MemoryRecord) error
	Get(ctx context.Context, id string) (models.MemoryRecord, bool, error)
	Delete(ctx context.Context, id string) error
	ByChannel(ctx context.Context, channelID string) ([]models.MemoryRecord, error)
}

// SearchIndex is the subset of internal/storage.SearchIndex the layer
// needs for the keyword half of candidate generation.
type SearchIndex interface {
	Index(ctx context.Context, record models.MemoryRecord) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, channelID, query string, limit int) ([]storage.SearchHit, error)
}

// EntityGraph is the knowledge-graph collaborator whose entity/relationship
// Q-values are updated in parallel with the memories that reference them,
// implemented by internal/memory/knowledgegraph.Graph.
type EntityGraph interface {
	UpdateQValue(ctx context.Context, entityID string, reward, phaseWeight, learningRate, qMin, qMax float64) (float64, bool)
}

// EmitFunc publishes an event onto the server bus.
type EmitFunc func(models.Event)

// RetrieveOptions parameterizes a two-phase retrieval.
type RetrieveOptions struct {
	ChannelID string
	AgentID   string // optional: narrows to agent-scoped + channel-scoped records
	Phase     models.Phase
	Query     string
	TopK      int
	// TaskID, when set, makes the layer track which returned memories
	// were used by that task+phase, for later Attribute calls (spec
	// §4.9's "looks up every memory referenced during that task, tracked
	// by phase").
	TaskID string
}

type usageEntry struct {
	memoryID string
	phase    models.Phase
}

// Layer is the Memory Layer / MULS implementation.
type Layer struct {
	docs     DocumentStore
	search   SearchIndex
	embedder Embedder
	graph    EntityGraph
	cfg      config.MemoryConfig
	metrics  *observability.Metrics
	logger   *observability.Logger
	onEmit   EmitFunc

	mu    sync.Mutex
	usage map[string][]usageEntry // task-id -> memories used

	reindexMu    sync.Mutex
	reindexQueue []models.MemoryRecord
}

// New builds a Layer. graph may be nil if the knowledge-graph integration
// is not wired.
func New(docs DocumentStore, search SearchIndex, embedder Embedder, graph EntityGraph, cfg config.MemoryConfig, metrics *observability.Metrics, logger *observability.Logger, onEmit EmitFunc) *Layer {
	return &Layer{
		docs:     docs,
		search:   search,
		embedder: embedder,
		graph:    graph,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		onEmit:   onEmit,
		usage:    make(map[string][]usageEntry),
	}
}

// Store writes a new memory record as a dual-write to the document store
// and the search index. The document write is authoritative: a
// search-index failure is enqueued for deferred re-indexing rather than
// failing the call.
func (l *Layer) Store(ctx context.Context, content models.MemoryContent, channelID, agentID string, kind models.MemoryKind, entityRefs []string) (models.MemoryRecord, error) {
	record := models.MemoryRecord{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		AgentID:    agentID,
		Kind:       kind,
		Content:    content,
		Timestamp:  time.Now(),
		Stratum:    models.StratumEpisodic,
		QValue:     0,
		EntityRefs: entityRefs,
	}

	if l.embedder != nil {
		vec, err := l.embedder.Embed(ctx, content.Text)
		if err == nil {
			record.Embedding = vec
		} else if l.logger != nil {
			l.logger.Warn(ctx, "memory: embed failed, storing without vector", "error", err)
		}
	}

	if err := l.docs.Put(ctx, record); err != nil {
		return models.MemoryRecord{}, fmt.Errorf("memory: document write failed: %w", err)
	}

	if l.search != nil {
		if err := l.search.Index(ctx, record); err != nil {
			l.enqueueReindex(record)
			if l.logger != nil {
				l.logger.Warn(ctx, "memory: search index write failed, enqueued for retry", "id", record.ID, "error", err)
			}
		}
	}

	return record, nil
}

func (l *Layer) enqueueReindex(record models.MemoryRecord) {
	l.reindexMu.Lock()
	defer l.reindexMu.Unlock()
	l.reindexQueue = append(l.reindexQueue, record)
}

// FlushReindexQueue retries every pending search-index write with the
// default execution-error backoff policy (base 1s, x2, cap 30s, max 3
// attempts). The composition root calls it once, during shutdown.
func (l *Layer) FlushReindexQueue(ctx context.Context) {
	l.reindexMu.Lock()
	pending := l.reindexQueue
	l.reindexQueue = nil
	l.reindexMu.Unlock()

	var failed []models.MemoryRecord
	for _, record := range pending {
		record := record
		result := retry.Do(ctx, retry.DefaultPolicy(), nil, func(ctx context.Context) error {
			return l.search.Index(ctx, record)
		})
		if result.Err != nil {
			failed = append(failed, record)
		}
	}
	if len(failed) > 0 {
		l.reindexMu.Lock()
		l.reindexQueue = append(l.reindexQueue, failed...)
		l.reindexMu.Unlock()
	}
}

// Retrieve runs the two-phase retrieval: hybrid candidate generation
// (semantic cosine similarity blended with keyword match at ratio rho)
// followed by utility re-ranking against each candidate's learned
// Q-value, weighted by the phase's lambda.
func (l *Layer) Retrieve(ctx context.Context, opts RetrieveOptions) ([]models.ScoredMemory, error) {
	start := time.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.MemoryRetrievalDuration.Observe(time.Since(start).Seconds())
		}
	}()

	topK := opts.TopK
	if topK <= 0 {
		topK = l.cfg.RetrievalTopK
	}
	if topK <= 0 {
		topK = 10
	}

	candidates, degraded, err := l.generateCandidates(ctx, opts, topK*3)
	if err != nil {
		return nil, err
	}
	if degraded {
		if l.metrics != nil {
			l.metrics.MemoryDegradedEvents.Inc()
		}
		l.emit(models.Event{Kind: models.EventMemoryDegraded, ChannelID: opts.ChannelID, Data: map[string]any{"reason": "search_index_unavailable"}})
	}

	lambda := l.lambdaFor(opts.Phase)
	scored := make([]models.ScoredMemory, 0, len(candidates))
	for _, c := range candidates {
		util := normalize(c.record.QValue, l.cfg.QValueMin, l.cfg.QValueMax)
		score := (1-lambda)*c.similarity + lambda*util
		rec := c.record
		scored = append(scored, models.ScoredMemory{
			Record:     &rec,
			Similarity: c.similarity,
			Utility:    util,
			Score:      score,
		})
	}

	// Deterministic ordering given identical candidates and lambda: ties
	// broken by older timestamp.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Record.Timestamp.Before(scored[j].Record.Timestamp)
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}

	now := time.Now()
	for _, s := range scored {
		s.Record.UsageCount++
		s.Record.LastAccess = now
		_ = l.docs.Put(ctx, *s.Record)
	}

	if opts.TaskID != "" {
		l.mu.Lock()
		for _, s := range scored {
			l.usage[opts.TaskID] = append(l.usage[opts.TaskID], usageEntry{memoryID: s.Record.ID, phase: opts.Phase})
		}
		l.mu.Unlock()
	}

	l.emit(models.Event{
		Kind:      models.EventMemoryUtilityRetrievalDone,
		ChannelID: opts.ChannelID,
		AgentID:   opts.AgentID,
		Data:      map[string]any{"phase": opts.Phase, "count": len(scored), "task_id": opts.TaskID},
	})

	return scored, nil
}

type candidate struct {
	record     models.MemoryRecord
	similarity float64
}

// generateCandidates implements candidate generation: semantic similarity
// (embedding cosine, computed against the document store's full records,
// since the search-index contract only guarantees keyword relevance)
// blended with keyword search hits at ratio rho. A search-index outage
// degrades to document-only keyword matching by falling back to a naive
// substring scan over the document store.
func (l *Layer) generateCandidates(ctx context.Context, opts RetrieveOptions, limit int) ([]candidate, bool, error) {
	records, err := l.docs.ByChannel(ctx, opts.ChannelID)
	if err != nil {
		return nil, false, fmt.Errorf("memory: candidate generation: document read failed: %w", err)
	}

	var queryVec []float32
	if l.embedder != nil && opts.Query != "" {
		queryVec, _ = l.embedder.Embed(ctx, opts.Query)
	}

	keywordScores := map[string]float64{}
	degraded := false
	if opts.Query != "" {
		if l.search != nil {
			hits, err := l.search.Search(ctx, opts.ChannelID, opts.Query, limit)
			if err != nil {
				degraded = true
			} else {
				for _, h := range hits {
					keywordScores[h.ID] = h.Score
				}
			}
		} else {
			degraded = true
		}
	}

	rho := l.cfg.HybridRatio

	out := make([]candidate, 0, len(records))
	for _, r := range records {
		if opts.AgentID != "" && r.AgentID != "" && r.AgentID != opts.AgentID {
			continue
		}

		var semantic float64
		if len(queryVec) > 0 && len(r.Embedding) > 0 {
			semantic = CosineSimilarity(queryVec, r.Embedding)
		}

		keyword := keywordScores[r.ID]
		var sim float64
		switch {
		case opts.Query == "":
			sim = 1 // no query: rank purely by utility downstream
		case degraded:
			sim = keywordContains(r, opts.Query)
		default:
			sim = rho*semantic + (1-rho)*keyword
		}

		out = append(out, candidate{record: r, similarity: sim})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].similarity > out[j].similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, degraded, nil
}

func keywordContains(r models.MemoryRecord, query string) float64 {
	if strings.Contains(strings.ToLower(r.Content.Text), strings.ToLower(query)) {
		return 1
	}
	return 0
}

// Attribute applies the TD-style reward update to every memory used by
// taskID, weighted by the phase it was used in:
//
//	Q <- Q + alpha*(reward*w(phase) - Q), clamped to [qmin,qmax]
//
// attribute(task,0) must be a no-op on Q-values, which the general TD
// update is not when Q != 0, so a reward of exactly zero skips the update
// entirely rather than decaying Q toward zero. Missing memories (already
// archived, or the task was already attributed and its usage cleared) are
// skipped silently with a counter increment.
func (l *Layer) Attribute(ctx context.Context, taskID string, reward float64) error {
	l.mu.Lock()
	entries := l.usage[taskID]
	delete(l.usage, taskID)
	l.mu.Unlock()

	if len(entries) == 0 {
		if l.metrics != nil {
			l.metrics.MemoryAttributionsMissed.Inc()
		}
		return nil
	}

	if reward == 0 {
		return nil
	}

	updated := make(map[string]float64, len(entries))
	for _, e := range entries {
		record, ok, err := l.docs.Get(ctx, e.memoryID)
		if err != nil || !ok {
			if l.metrics != nil {
				l.metrics.MemoryAttributionsMissed.Inc()
			}
			continue
		}

		w := l.rewardWeightFor(e.phase)
		newQ := record.QValue + l.cfg.LearningRate*(reward*w-record.QValue)
		newQ = clamp(newQ, l.cfg.QValueMin, l.cfg.QValueMax)
		record.QValue = newQ
		if err := l.docs.Put(ctx, record); err != nil {
			continue
		}
		updated[e.memoryID] = newQ

		if l.metrics != nil {
			l.metrics.MemoryQValueUpdates.Inc()
		}
		l.emit(models.Event{
			Kind:      models.EventMemoryQValueUpdated,
			ChannelID: record.ChannelID,
			Data:      map[string]any{"memory_id": e.memoryID, "q_value": newQ, "phase": e.phase, "task_id": taskID},
		})

		if l.graph != nil {
			for _, entityID := range record.EntityRefs {
				_, _ = l.graph.UpdateQValue(ctx, entityID, reward, w, l.cfg.LearningRate, l.cfg.QValueMin, l.cfg.QValueMax)
			}
		}
	}

	if len(updated) > 0 {
		l.emit(models.Event{Kind: models.EventMemoryQValueBatchUpdated, Data: map[string]any{"task_id": taskID, "updates": updated}})
	}
	l.emit(models.Event{Kind: models.EventMemoryRewardAttributed, Data: map[string]any{"task_id": taskID, "reward": reward, "memories": len(entries)}})
	return nil
}

func (l *Layer) lambdaFor(phase models.Phase) float64 {
	if v, ok := l.cfg.PhaseUtilityWeight[string(phase)]; ok {
		return v
	}
	return 0.5
}

func (l *Layer) rewardWeightFor(phase models.Phase) float64 {
	if v, ok := l.cfg.RewardPhaseWeight[string(phase)]; ok {
		return v
	}
	return 0.5
}

func (l *Layer) emit(event models.Event) {
	if l.onEmit != nil {
		l.onEmit(event)
	}
}

// normalize maps a Q-value in [min,max] to [0,1].
func normalize(q, min, max float64) float64 {
	if max <= min {
		return 0
	}
	n := (q - min) / (max - min)
	return clamp(n, 0, 1)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

