package schema

import (
	"sort"
	"sync"
)

// Table is the frozen field table for one model: canonical name, plural
// form, and the field descriptors in canonical (registration) order.
type Table struct {
	Model  string
	Plural string

	fields map[string]Field
	order  []string
}

// Field looks up a descriptor by name
func (t *Table) Field(name string) (Field, bool) {
	f, ok := t.fields[name]
	return f, ok
}

// FieldNames returns the field names in canonical order
func (t *Table) FieldNames() []string {
	names := make([]string, len(t.order))
	copy(names, t.order)
	return names
}

// Fields returns the descriptors in canonical order
func (t *Table) Fields() []Field {
	fields := make([]Field, 0, len(t.order))
	for _, name := range t.order {
		fields = append(fields, t.fields[name])
	}
	return fields
}

// IndexedFields returns the attribute fields that participate in the field index
func (t *Table) IndexedFields() []Field {
	var fields []Field
	for _, name := range t.order {
		if f := t.fields[name]; f.Indexed() {
			fields = append(fields, f)
		}
	}
	return fields
}

// UniqueFields returns the attribute fields with a uniqueness constraint
func (t *Table) UniqueFields() []Field {
	var fields []Field
	for _, name := range t.order {
		if f := t.fields[name]; f.Attribute != nil && f.Attribute.Unique {
			fields = append(fields, f)
		}
	}
	return fields
}

// Relations returns the relation fields in canonical order
func (t *Table) Relations() []Field {
	var fields []Field
	for _, name := range t.order {
		if f := t.fields[name]; f.IsRelation() {
			fields = append(fields, f)
		}
	}
	return fields
}

// RelationName returns the relational index key for a relation field:
// <owning_model>_<kind>_<target_model>.
func (t *Table) RelationName(f Field) string {
	return t.Model + "_" + string(f.Relation.Kind) + "_" + f.Relation.TargetModel
}

// Registry holds the field tables for every declared model. It is populated
// once at startup and injected into the components that need it; there is no
// package-level instance.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*Table)}
}

// Register freezes a field table for the model. Registration is idempotent:
// registering the same shape again returns the existing table, while a
// different shape fails with SchemaConflict.
func (r *Registry) Register(modelName string, fields []Field) (*Table, error) {
	canonical := Canonicalize(modelName)
	if canonical == "" {
		return nil, &SchemaConflict{Model: modelName, Reason: "model name must not be empty"}
	}
	for _, f := range fields {
		if reason := f.validate(); reason != "" {
			return nil, &SchemaError{Model: canonical, Field: f.Name, Reason: reason}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tables[canonical]; ok {
		if !sameShape(existing, fields) {
			return nil, &SchemaConflict{Model: canonical, Reason: "re-registration with a different shape"}
		}
		return existing, nil
	}

	table := &Table{
		Model:  canonical,
		Plural: Pluralize(canonical),
		fields: make(map[string]Field, len(fields)),
		order:  make([]string, 0, len(fields)),
	}
	for _, f := range fields {
		if _, dup := table.fields[f.Name]; dup {
			return nil, &SchemaError{Model: canonical, Field: f.Name, Reason: "duplicate field name"}
		}
		table.fields[f.Name] = f
		table.order = append(table.order, f.Name)
	}
	r.tables[canonical] = table
	return table, nil
}

// Describe returns the frozen table for a model
func (r *Registry) Describe(modelName string) (*Table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table, ok := r.tables[Canonicalize(modelName)]
	if !ok {
		return nil, &SchemaError{Model: modelName, Reason: "model not registered"}
	}
	return table, nil
}

// Models returns the canonical names of all registered models, sorted
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sameShape(table *Table, fields []Field) bool {
	if len(table.order) != len(fields) {
		return false
	}
	for i, f := range fields {
		if table.order[i] != f.Name || !table.fields[f.Name].equal(f) {
			return false
		}
	}
	return true
}
