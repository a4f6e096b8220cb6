package hsdb

import (
	"sort"
	"strings"
	"time"

	"github.com/cirlog/modulo/pkg/schema"
	"github.com/cirlog/modulo/pkg/types"
)

type predicateOp int

const (
	opEquals predicateOp = iota
	opIn
	opGT
	opGTE
	opLT
	opLTE
	opContains
)

type predicate struct {
	field  string
	op     predicateOp
	value  any
	values []any
}

// SortDirection orders query results
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// Query is a fluent, lazy query over one model. Predicates accumulate into
// OR-groups of AND-chains; nothing executes until a terminal (First, All,
// Count) is called.
//
//	engine.Query("student").Where("age").Equals(int64(18)).First()
type Query struct {
	engine *Engine
	model  string
	err    error

	// groups is the disjunction: an entity matches when every predicate of
	// at least one group matches.
	groups  [][]predicate
	current []predicate

	orderField string
	orderDir   SortDirection
	ordered    bool
	limit      int
	hasLimit   bool
	offset     int
}

// FieldRef is a field selected by Where, awaiting a comparison
type FieldRef struct {
	q     *Query
	field string
}

// Query returns a lazy query builder for the model
func (e *Engine) Query(model string) *Query {
	q := &Query{engine: e, model: model}
	if _, err := e.registry.Describe(model); err != nil {
		q.err = err
	}
	return q
}

// Where selects a field for the next comparison
func (q *Query) Where(field string) *FieldRef {
	if q.err == nil {
		if table, err := q.engine.registry.Describe(q.model); err == nil {
			if _, ok := table.Field(field); !ok {
				q.err = &schema.SchemaError{Model: q.model, Field: field, Reason: "unknown field"}
			}
		}
	}
	return &FieldRef{q: q, field: field}
}

// And continues the current predicate chain. It exists for readability; the
// chain is conjunctive by default.
func (q *Query) And() *Query {
	return q
}

// Or closes the current predicate chain and starts a new one
func (q *Query) Or() *Query {
	if len(q.current) > 0 {
		q.groups = append(q.groups, q.current)
		q.current = nil
	}
	return q
}

// OrderBy sorts results by the field before limit/offset apply
func (q *Query) OrderBy(field string, dir SortDirection) *Query {
	q.orderField = field
	q.orderDir = dir
	q.ordered = true
	return q
}

// Limit caps the number of returned entities
func (q *Query) Limit(n int) *Query {
	q.limit = n
	q.hasLimit = true
	return q
}

// Offset skips the first n results
func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Equals matches entities whose field equals v
func (f *FieldRef) Equals(v any) *Query { return f.add(opEquals, v, nil) }

// In matches entities whose field equals any of vs
func (f *FieldRef) In(vs ...any) *Query { return f.add(opIn, nil, vs) }

// GT matches entities whose field is greater than v
func (f *FieldRef) GT(v any) *Query { return f.add(opGT, v, nil) }

// GTE matches entities whose field is greater than or equal to v
func (f *FieldRef) GTE(v any) *Query { return f.add(opGTE, v, nil) }

// LT matches entities whose field is less than v
func (f *FieldRef) LT(v any) *Query { return f.add(opLT, v, nil) }

// LTE matches entities whose field is less than or equal to v
func (f *FieldRef) LTE(v any) *Query { return f.add(opLTE, v, nil) }

// Contains matches string fields containing substr
func (f *FieldRef) Contains(substr string) *Query { return f.add(opContains, substr, nil) }

func (f *FieldRef) add(op predicateOp, v any, vs []any) *Query {
	f.q.current = append(f.q.current, predicate{field: f.field, op: op, value: v, values: vs})
	return f.q
}

// First executes the query and returns the first match, or nil when nothing
// matches.
func (q *Query) First() (*types.Entity, error) {
	results, err := q.run()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// All executes the query and returns every match
func (q *Query) All() ([]*types.Entity, error) {
	return q.run()
}

// Count executes the query and returns the number of matches, ignoring
// limit and offset.
func (q *Query) Count() (int, error) {
	groups := q.closedGroups()
	if len(groups) == 0 {
		// Unfiltered count answers from the model index.
		if q.err != nil {
			return 0, q.err
		}
		return q.engine.Count(q.model)
	}
	results, err := q.run()
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

func (q *Query) closedGroups() [][]predicate {
	groups := q.groups
	if len(q.current) > 0 {
		groups = append(groups, q.current)
	}
	return groups
}

func (q *Query) run() ([]*types.Entity, error) {
	if q.err != nil {
		return nil, q.err
	}
	table, err := q.engine.registry.Describe(q.model)
	if err != nil {
		return nil, err
	}

	groups := q.closedGroups()

	var ids []string
	if len(groups) == 0 {
		ids = q.engine.models.IDs(table.Model)
	} else {
		seen := make(map[string]struct{})
		for _, group := range groups {
			matched, err := q.engine.runGroup(table, group)
			if err != nil {
				return nil, err
			}
			for _, id := range matched {
				seen[id] = struct{}{}
			}
		}
		ids = make([]string, 0, len(seen))
		for id := range seen {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	results, err := q.engine.entitiesByIDs(table, ids)
	if err != nil {
		return nil, err
	}

	if q.ordered {
		field := q.orderField
		desc := q.orderDir == Descending
		sort.SliceStable(results, func(i, j int) bool {
			less := compareValues(results[i].Fields[field], results[j].Fields[field]) < 0
			if desc {
				return !less
			}
			return less
		})
	}

	if q.offset > 0 {
		if q.offset >= len(results) {
			return nil, nil
		}
		results = results[q.offset:]
	}
	if q.hasLimit && q.limit < len(results) {
		results = results[:q.limit]
	}
	return results, nil
}

// runGroup evaluates one AND-chain. Equality predicates on indexed fields
// intersect their id sets first; everything else runs as a residual filter
// over the candidates.
func (e *Engine) runGroup(table *schema.Table, group []predicate) ([]string, error) {
	var indexed []predicate
	var residual []predicate
	for _, p := range group {
		f, ok := table.Field(p.field)
		if p.op == opEquals && ok && f.Indexed() {
			indexed = append(indexed, p)
		} else {
			residual = append(residual, p)
		}
	}

	var candidates []string
	if len(indexed) > 0 {
		for i, p := range indexed {
			f, _ := table.Field(p.field)
			hits := e.fields.Lookup(table.Model, p.field, normalizeLookupValue(f, p.value))
			if i == 0 {
				candidates = hits
				continue
			}
			candidates = intersectSorted(candidates, hits)
			if len(candidates) == 0 {
				return nil, nil
			}
		}
	} else {
		candidates = e.models.IDs(table.Model)
	}

	if len(residual) == 0 {
		return candidates, nil
	}

	matched := make([]string, 0, len(candidates))
	for _, id := range candidates {
		entity, err := e.Get(id)
		if err != nil {
			return nil, err
		}
		ok := true
		for _, p := range residual {
			f, _ := table.Field(p.field)
			if !p.matches(f, entity.Fields[p.field]) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, id)
		}
	}
	return matched, nil
}

func (p predicate) matches(f schema.Field, value any) bool {
	switch p.op {
	case opEquals:
		return valueEqual(value, normalizeLookupValue(f, p.value))
	case opIn:
		for _, v := range p.values {
			if valueEqual(value, normalizeLookupValue(f, v)) {
				return true
			}
		}
		return false
	case opContains:
		s, ok := value.(string)
		substr, ok2 := p.value.(string)
		return ok && ok2 && strings.Contains(s, substr)
	case opGT:
		return compareValues(value, normalizeLookupValue(f, p.value)) > 0
	case opGTE:
		return compareValues(value, normalizeLookupValue(f, p.value)) >= 0
	case opLT:
		return compareValues(value, normalizeLookupValue(f, p.value)) < 0
	case opLTE:
		return compareValues(value, normalizeLookupValue(f, p.value)) <= 0
	}
	return false
}

// compareValues orders two normalized field values of the same type.
// Mismatched or non-orderable types compare equal.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
		}
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case !av && bv:
				return -1
			case av && !bv:
				return 1
			}
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			}
		}
	}
	return 0
}

func intersectSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, id := range b {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, id := range a {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
