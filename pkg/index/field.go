package index

import (
	"sort"
	"sync"
)

// Field is the (model_name, field_name) → (value → set<id>) mapping for
// fields declared indexed. Empty sets and per-field entries are created
// lazily on add and pruned on remove. Values must be comparable; the schema
// layer rejects anything else at validation time.
type Field struct {
	mu     sync.RWMutex
	values map[string]map[any]map[string]struct{}
}

// NewField creates an empty field index
func NewField() *Field {
	return &Field{values: make(map[string]map[any]map[string]struct{})}
}

func fieldKey(model, field string) string {
	return model + "." + field
}

// Add records id under (model, field, value)
func (f *Field) Add(model, field string, value any, id string) {
	if value == nil {
		// Null values are never indexed.
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := fieldKey(model, field)
	byValue, ok := f.values[key]
	if !ok {
		byValue = make(map[any]map[string]struct{})
		f.values[key] = byValue
	}
	set, ok := byValue[value]
	if !ok {
		set = make(map[string]struct{})
		byValue[value] = set
	}
	set[id] = struct{}{}
}

// Remove drops id from (model, field, value), pruning empty sets and entries
func (f *Field) Remove(model, field string, value any, id string) {
	if value == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := fieldKey(model, field)
	byValue, ok := f.values[key]
	if !ok {
		return
	}
	set, ok := byValue[value]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(byValue, value)
	}
	if len(byValue) == 0 {
		delete(f.values, key)
	}
}

// Update moves id from the old value to the new one in one critical section
func (f *Field) Update(model, field string, oldValue, newValue any, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fieldKey(model, field)
	if oldValue != nil {
		if byValue, ok := f.values[key]; ok {
			if set, ok := byValue[oldValue]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(byValue, oldValue)
				}
			}
			if len(byValue) == 0 {
				delete(f.values, key)
			}
		}
	}
	if newValue != nil {
		byValue, ok := f.values[key]
		if !ok {
			byValue = make(map[any]map[string]struct{})
			f.values[key] = byValue
		}
		set, ok := byValue[newValue]
		if !ok {
			set = make(map[string]struct{})
			byValue[newValue] = set
		}
		set[id] = struct{}{}
	}
}

// Lookup returns the ids recorded under (model, field, value), sorted
func (f *Field) Lookup(model, field string, value any) []string {
	if value == nil {
		return nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	byValue, ok := f.values[fieldKey(model, field)]
	if !ok {
		return nil
	}
	set, ok := byValue[value]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CountValue returns the number of ids under (model, field, value)
func (f *Field) CountValue(model, field string, value any) int {
	if value == nil {
		return 0
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	byValue, ok := f.values[fieldKey(model, field)]
	if !ok {
		return 0
	}
	return len(byValue[value])
}
