package index

import (
	"sort"
	"sync"

	"github.com/cirlog/modulo/pkg/schema"
)

// relationEntry holds forward and inverse maps for one registered relation.
// Which maps are populated depends on the kind:
//
//	one_to_one:   one[src]=tgt, invOne[tgt]=src
//	many_to_one:  one[src]=tgt, invSet[tgt]∋src
//	one_to_many:  set[src]∋tgt, invOne[tgt]=src
//	many_to_many: set holds both directions symmetrically, no inverse
type relationEntry struct {
	kind   schema.RelationKind
	one    map[string]string
	set    map[string]map[string]struct{}
	invOne map[string]string
	invSet map[string]map[string]struct{}
}

// Relational maintains forward and inverse relation maps keyed by relation
// name (<owning_model>_<kind>_<target_model>). Forward and inverse are
// always updated together inside a single critical section.
type Relational struct {
	mu        sync.RWMutex
	relations map[string]*relationEntry
}

// NewRelational creates an empty relational index
func NewRelational() *Relational {
	return &Relational{relations: make(map[string]*relationEntry)}
}

// Register declares a relation name with its kind. Idempotent.
func (r *Relational) Register(name string, kind schema.RelationKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.relations[name]; ok {
		return
	}
	r.relations[name] = &relationEntry{
		kind:   kind,
		one:    make(map[string]string),
		set:    make(map[string]map[string]struct{}),
		invOne: make(map[string]string),
		invSet: make(map[string]map[string]struct{}),
	}
}

// Link records src → tgt under the relation. For to-one kinds an existing
// forward link from src is replaced.
func (r *Relational) Link(name, src, tgt string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.relations[name]
	if !ok {
		return
	}

	switch entry.kind {
	case schema.OneToOne:
		r.unlinkLocked(entry, src, entry.one[src])
		entry.one[src] = tgt
		entry.invOne[tgt] = src
	case schema.ManyToOne:
		r.unlinkLocked(entry, src, entry.one[src])
		entry.one[src] = tgt
		addToSet(entry.invSet, tgt, src)
	case schema.OneToMany:
		addToSet(entry.set, src, tgt)
		entry.invOne[tgt] = src
	case schema.ManyToMany:
		addToSet(entry.set, src, tgt)
		addToSet(entry.set, tgt, src)
	}
}

// Unlink removes the src → tgt link under the relation
func (r *Relational) Unlink(name, src, tgt string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.relations[name]; ok {
		r.unlinkLocked(entry, src, tgt)
	}
}

func (r *Relational) unlinkLocked(entry *relationEntry, src, tgt string) {
	if tgt == "" {
		return
	}
	switch entry.kind {
	case schema.OneToOne:
		if entry.one[src] == tgt {
			delete(entry.one, src)
			delete(entry.invOne, tgt)
		}
	case schema.ManyToOne:
		if entry.one[src] == tgt {
			delete(entry.one, src)
			removeFromSet(entry.invSet, tgt, src)
		}
	case schema.OneToMany:
		removeFromSet(entry.set, src, tgt)
		if entry.invOne[tgt] == src {
			delete(entry.invOne, tgt)
		}
	case schema.ManyToMany:
		removeFromSet(entry.set, src, tgt)
		removeFromSet(entry.set, tgt, src)
	}
}

// Forward returns the target ids linked from src, sorted
func (r *Relational) Forward(name, src string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.relations[name]
	if !ok {
		return nil
	}
	switch entry.kind {
	case schema.OneToOne, schema.ManyToOne:
		if tgt, ok := entry.one[src]; ok {
			return []string{tgt}
		}
		return nil
	default:
		return sortedSet(entry.set[src])
	}
}

// Inverse returns the source ids linked to tgt, sorted. For many-to-many
// the forward map answers both directions.
func (r *Relational) Inverse(name, tgt string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.relations[name]
	if !ok {
		return nil
	}
	switch entry.kind {
	case schema.OneToOne, schema.OneToMany:
		if src, ok := entry.invOne[tgt]; ok {
			return []string{src}
		}
		return nil
	case schema.ManyToOne:
		return sortedSet(entry.invSet[tgt])
	default:
		return sortedSet(entry.set[tgt])
	}
}

// RemoveEntity removes the id from every relation it participates in, on
// either side.
func (r *Relational) RemoveEntity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.relations {
		// As source of a to-one link.
		if tgt, ok := entry.one[id]; ok {
			r.unlinkLocked(entry, id, tgt)
		}
		// As source of to-many links.
		for tgt := range entry.set[id] {
			r.unlinkLocked(entry, id, tgt)
		}
		// As target of to-one inverse links.
		if src, ok := entry.invOne[id]; ok {
			r.unlinkLocked(entry, src, id)
		}
		// As target of many-to-one inverse links.
		for src := range entry.invSet[id] {
			r.unlinkLocked(entry, src, id)
		}
		delete(entry.set, id)
	}
}

func addToSet(sets map[string]map[string]struct{}, key, member string) {
	set, ok := sets[key]
	if !ok {
		set = make(map[string]struct{})
		sets[key] = set
	}
	set[member] = struct{}{}
}

func removeFromSet(sets map[string]map[string]struct{}, key, member string) {
	if set, ok := sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(sets, key)
		}
	}
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for member := range set {
		out = append(out, member)
	}
	sort.Strings(out)
	return out
}
