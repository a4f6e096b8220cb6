package index

import (
	"sort"
	"sync"
)

// Model is the model_name → set<id> mapping. Every declared model is
// pre-registered at startup so Count is O(1) and defined even when empty.
type Model struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

// NewModel creates an empty model index
func NewModel() *Model {
	return &Model{sets: make(map[string]map[string]struct{})}
}

// RegisterModel ensures an entry exists for the model
func (m *Model) RegisterModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sets[model]; !ok {
		m.sets[model] = make(map[string]struct{})
	}
}

// Add records an id under the model
func (m *Model) Add(model, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[model]
	if !ok {
		set = make(map[string]struct{})
		m.sets[model] = set
	}
	set[id] = struct{}{}
}

// Remove drops an id from the model's set
func (m *Model) Remove(model, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.sets[model]; ok {
		delete(set, id)
	}
}

// Has reports whether the id is recorded under the model
func (m *Model) Has(model, id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.sets[model]
	if !ok {
		return false
	}
	_, ok = set[id]
	return ok
}

// IDs returns the ids of the model, sorted for deterministic iteration
func (m *Model) IDs(model string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.sets[model]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of ids recorded under the model
func (m *Model) Count(model string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sets[model])
}

// Models returns the registered model names
func (m *Model) Models() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.sets))
	for name := range m.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
