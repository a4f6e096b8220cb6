package index

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cirlog/modulo/pkg/types"
)

// FlushFunc persists an entity about to be evicted from a bounded primary
// index. It runs before the entity leaves the map.
type FlushFunc func(*types.Entity) error

// Primary is the id → entity mapping. In unbounded mode it is a plain map;
// with a max size it becomes an LRU whose evictions are flushed to disk
// first. Cache hits refresh recency.
type Primary struct {
	mu       sync.RWMutex
	entities map[string]*types.Entity
	cache    *lru.Cache[string, *types.Entity]
	maxSize  int
	flush    FlushFunc
}

// NewPrimary creates an unbounded primary index
func NewPrimary() *Primary {
	return &Primary{entities: make(map[string]*types.Entity)}
}

// NewBoundedPrimary creates a primary index that holds at most maxSize
// entities. flush is invoked for the oldest entry before each eviction; a
// flush failure aborts the insert.
func NewBoundedPrimary(maxSize int, flush FlushFunc) (*Primary, error) {
	cache, err := lru.New[string, *types.Entity](maxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Primary{cache: cache, maxSize: maxSize, flush: flush}, nil
}

// Get returns the entity for id, refreshing recency in bounded mode
func (p *Primary) Get(id string) (*types.Entity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.cache != nil {
		return p.cache.Get(id)
	}
	e, ok := p.entities[id]
	return e, ok
}

// Has reports presence without refreshing recency
func (p *Primary) Has(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.cache != nil {
		return p.cache.Contains(id)
	}
	_, ok := p.entities[id]
	return ok
}

// Put inserts or replaces an entity. In bounded mode a full index evicts its
// oldest entry after flushing it.
func (p *Primary) Put(e *types.Entity) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache == nil {
		p.entities[e.ID] = e
		return nil
	}

	for p.cache.Len() >= p.maxSize && !p.cache.Contains(e.ID) {
		oldID, old, ok := p.cache.GetOldest()
		if !ok {
			break
		}
		if p.flush != nil {
			if err := p.flush(old); err != nil {
				return fmt.Errorf("failed to flush evicted entity %s: %w", oldID, err)
			}
		}
		p.cache.Remove(oldID)
	}
	p.cache.Add(e.ID, e)
	return nil
}

// Delete removes the entity for id
func (p *Primary) Delete(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cache != nil {
		p.cache.Remove(id)
		return
	}
	delete(p.entities, id)
}

// Len returns the number of resident entities
func (p *Primary) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.cache != nil {
		return p.cache.Len()
	}
	return len(p.entities)
}

// IDs returns the resident entity ids
func (p *Primary) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.cache != nil {
		return p.cache.Keys()
	}
	ids := make([]string, 0, len(p.entities))
	for id := range p.entities {
		ids = append(ids, id)
	}
	return ids
}

// ForEach visits every resident entity. The callback must not mutate the
// index.
func (p *Primary) ForEach(fn func(*types.Entity)) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.cache != nil {
		for _, id := range p.cache.Keys() {
			if e, ok := p.cache.Peek(id); ok {
				fn(e)
			}
		}
		return
	}
	for _, e := range p.entities {
		fn(e)
	}
}
