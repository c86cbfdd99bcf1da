// Package knowledgegraph holds the optional entity/relationship
// integration: entities and relationships extracted from memory records
// get their own Q-values, updated in parallel when the memories that
// reference them receive a reward. The in-memory registry shape
// (internal/agent/tool_registry.go's mutex-guarded map-of-structs
// pattern) is applied here to the knowledge-graph's own record kinds.
package knowledgegraph

import (
	"context"
	"fmt"
	"sync"

	"github.com/modelexchange/mxf/pkg/models"
)

// Graph is an in-memory, per-process knowledge graph. A real deployment
// would back this with the document-store collaborator's entities/
// relationships collections; this implementation is sufficient for
// single-process operation and tests.
type Graph struct {
	mu            sync.RWMutex
	entities      map[string]*models.Entity
	relationships map[string]*models.Relationship
	// byFrom/byTo index relationship ids for traversal.
	byFrom map[string][]string
	byTo   map[string][]string
}

// New builds an empty Graph.
func New() *Graph {
	return &Graph{
		entities:      make(map[string]*models.Entity),
		relationships: make(map[string]*models.Relationship),
		byFrom:        make(map[string][]string),
		byTo:          make(map[string][]string),
	}
}

// UpsertEntity inserts or replaces an entity.
func (g *Graph) UpsertEntity(_ context.Context, entity models.Entity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := entity
	g.entities[entity.ID] = &e
	return nil
}

// GetEntity returns a copy of an entity's current state.
func (g *Graph) GetEntity(_ context.Context, id string) (models.Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities[id]
	if !ok {
		return models.Entity{}, false
	}
	return *e, true
}

// AddRelationship inserts a directed edge between two known entities.
func (g *Graph) AddRelationship(_ context.Context, rel models.Relationship) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.entities[rel.FromEntity]; !ok {
		return fmt.Errorf("knowledgegraph: unknown entity %q", rel.FromEntity)
	}
	if _, ok := g.entities[rel.ToEntity]; !ok {
		return fmt.Errorf("knowledgegraph: unknown entity %q", rel.ToEntity)
	}

	r := rel
	g.relationships[rel.ID] = &r
	g.byFrom[rel.FromEntity] = append(g.byFrom[rel.FromEntity], rel.ID)
	g.byTo[rel.ToEntity] = append(g.byTo[rel.ToEntity], rel.ID)
	return nil
}

// Neighbors returns every relationship leading out of entityID (its
// outbound edges), not the related entities themselves.
func (g *Graph) Neighbors(_ context.Context, entityID string) []models.Relationship {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []models.Relationship
	for _, relID := range g.byFrom[entityID] {
		if r, ok := g.relationships[relID]; ok {
			out = append(out, *r)
		}
	}
	return out
}

// UpdateQValue applies the same TD-style update the Memory Layer applies
// to records to an entity's Q-value:
//
//	Q <- Q + alpha*(reward*phaseWeight - Q), clamped to [qMin,qMax]
//
// It reports the new Q-value and whether the entity was found. A reward
// of exactly zero is a no-op, mirroring the Memory Layer's update.
func (g *Graph) UpdateQValue(_ context.Context, entityID string, reward, phaseWeight, learningRate, qMin, qMax float64) (float64, bool) {
	if reward == 0 {
		g.mu.RLock()
		e, ok := g.entities[entityID]
		q := 0.0
		if ok {
			q = e.QValue
		}
		g.mu.RUnlock()
		return q, ok
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entities[entityID]
	if !ok {
		return 0, false
	}

	newQ := e.QValue + learningRate*(reward*phaseWeight-e.QValue)
	if newQ < qMin {
		newQ = qMin
	}
	if newQ > qMax {
		newQ = qMax
	}
	e.QValue = newQ
	return newQ, true
}
