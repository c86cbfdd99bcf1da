// Package storage defines the persistence collaborators backing the
// memory layer and validation cache: a document store, a search index,
// and a two-level validation cache. In-memory reference implementations
// are provided for tests and single-process deployments; a real
// redis/go-redis/v9-backed L2 cache is provided for production, and the
// document/search pair generalizes a doc-per-record store with a reverse
// full-text index into a dual-write model.
package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/modelexchange/mxf/pkg/models"
)

// DocumentStore is the system-of-record for memory records, keyed by id.
type DocumentStore interface {
	Put(ctx context.Context, record models.MemoryRecord) error
	Get(ctx context.Context, id string) (models.MemoryRecord, bool, error)
	Delete(ctx context.Context, id string) error
	ByChannel(ctx context.Context, channelID string) ([]models.MemoryRecord, error)
}

// SearchIndex supports the candidate-generation half of the memory
// layer's two-phase retrieval: keyword search over indexed text, returning
// ids and a relevance score in [0,1].
type SearchIndex interface {
	Index(ctx context.Context, record models.MemoryRecord) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, channelID, query string, limit int) ([]SearchHit, error)
}

// SearchHit is one keyword-search result.
type SearchHit struct {
	ID    string
	Score float64
}

// ValidationCacheL2 is the cross-process cache probed by the validation
// pipeline after a local (L1) miss.
type ValidationCacheL2 interface {
	Get(ctx context.Context, key string) (models.Verdict, bool, error)
	Set(ctx context.Context, key string, verdict models.Verdict) error
}

// MemoryDocumentStore is an in-memory DocumentStore, suitable for tests
// and single-node deployments without an external database.
type MemoryDocumentStore struct {
	mu      sync.RWMutex
	records map[string]models.MemoryRecord
}

// NewMemoryDocumentStore builds an empty MemoryDocumentStore.
func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{records: make(map[string]models.MemoryRecord)}
}

func (s *MemoryDocumentStore) Put(_ context.Context, record models.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return nil
}

func (s *MemoryDocumentStore) Get(_ context.Context, id string) (models.MemoryRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	return r, ok, nil
}

func (s *MemoryDocumentStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryDocumentStore) ByChannel(_ context.Context, channelID string) ([]models.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MemoryRecord
	for _, r := range s.records {
		if r.ChannelID == channelID {
			out = append(out, r)
		}
	}
	return out, nil
}

// ChannelIDs returns every distinct channel with at least one stored
// record, used by the composition root to sweep consolidation across all
// known channels rather than requiring a separate channel registry.
func (s *MemoryDocumentStore) ChannelIDs(_ context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.records {
		if r.ChannelID != "" && !seen[r.ChannelID] {
			seen[r.ChannelID] = true
			out = append(out, r.ChannelID)
		}
	}
	return out
}

// MemorySearchIndex is a simple in-memory SearchIndex that scans every
// indexed record on each query, scoring hits by fraction of query terms
// present in the indexed text.
type MemorySearchIndex struct {
	mu      sync.RWMutex
	byID    map[string]models.MemoryRecord
}

// NewMemorySearchIndex builds an empty MemorySearchIndex.
func NewMemorySearchIndex() *MemorySearchIndex {
	return &MemorySearchIndex{byID: make(map[string]models.MemoryRecord)}
}

func (s *MemorySearchIndex) Index(_ context.Context, record models.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[record.ID] = record
	return nil
}

func (s *MemorySearchIndex) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func (s *MemorySearchIndex) Search(_ context.Context, channelID, query string, limit int) ([]SearchHit, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []SearchHit
	for id, r := range s.byID {
		if channelID != "" && r.ChannelID != channelID {
			continue
		}
		text := strings.ToLower(r.Content.Text)
		matched := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, SearchHit{ID: id, Score: float64(matched) / float64(len(terms))})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// MemoryValidationCache is an in-memory ValidationCacheL2 used in tests
// and as the fallback when no Redis is configured.
type MemoryValidationCache struct {
	mu      sync.RWMutex
	entries map[string]models.Verdict
}

// NewMemoryValidationCache builds an empty MemoryValidationCache.
func NewMemoryValidationCache() *MemoryValidationCache {
	return &MemoryValidationCache{entries: make(map[string]models.Verdict)}
}

func (c *MemoryValidationCache) Get(_ context.Context, key string) (models.Verdict, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *MemoryValidationCache) Set(_ context.Context, key string, verdict models.Verdict) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = verdict
	return nil
}
