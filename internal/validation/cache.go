package validation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/modelexchange/mxf/pkg/models"
)

// fingerprint identifies a cacheable verdict: it must change whenever the
// tool, its input, the calling agent, or the risk level it was evaluated
// at changes.
func fingerprint(toolName string, input map[string]any, agentID string, level models.RiskLevel) string {
	canonical, _ := json.Marshal(input) // map keys are sorted by encoding/json
	h := sha256.New()
	h.Write([]byte(toolName))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(level))
	return hex.EncodeToString(h.Sum(nil))
}

// l1Cache is a bounded, in-process FIFO-eviction verdict cache fronting
// the L2 collaborator, generalized from an embeddingCache-style design.
type l1Cache struct {
	mu       sync.RWMutex
	items    map[string]models.Verdict
	order    []string
	capacity int
}

func newL1Cache(capacity int) *l1Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	return &l1Cache{items: make(map[string]models.Verdict), capacity: capacity}
}

func (c *l1Cache) get(key string) (models.Verdict, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *l1Cache) set(key string, v models.Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
		if len(c.order) > c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
	}
	c.items[key] = v
}

// cacheProbe implements pipeline stage 1: L1 then L2 lookup. A hit in L2
// is promoted into L1.
func (p *Pipeline) cacheProbe(ctx context.Context, key string) (models.Verdict, bool) {
	if v, ok := p.l1.get(key); ok {
		v.Cached = true
		return v, true
	}
	if p.l2 == nil {
		return models.Verdict{}, false
	}
	v, ok, err := p.l2.Get(ctx, key)
	if err != nil || !ok {
		return models.Verdict{}, false
	}
	p.l1.set(key, v)
	v.Cached = true
	return v, true
}

func (p *Pipeline) cacheStore(ctx context.Context, key string, v models.Verdict) {
	stored := v
	stored.Cached = false
	p.l1.set(key, stored)
	if p.l2 != nil {
		_ = p.l2.Set(ctx, key, stored)
	}
}
