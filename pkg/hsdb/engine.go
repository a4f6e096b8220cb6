package hsdb

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cirlog/modulo/pkg/events"
	"github.com/cirlog/modulo/pkg/index"
	"github.com/cirlog/modulo/pkg/log"
	"github.com/cirlog/modulo/pkg/schema"
	"github.com/cirlog/modulo/pkg/types"
)

// Config holds configuration for creating an Engine
type Config struct {
	// Root is the directory that will contain the hsdb tree. Required in
	// persistent mode.
	Root string
	// Mode selects the persistence strategy
	Mode Mode
	// Registry holds the declared model set. Required.
	Registry *schema.Registry
	// MaxResident bounds the primary index; 0 means unbounded. Evicted
	// entities are flushed to disk first, so a bound only makes sense in
	// persistent mode.
	MaxResident int
	// Broker receives engine diagnostic events. Optional.
	Broker *events.Broker
}

// Engine orchestrates the index family, enforces schema and uniqueness
// invariants on every mutation, and mirrors committed entities to the
// raw-file tree and the redundancy store. Mutations are linearised under a
// single write lock; reads take only the per-index locks.
type Engine struct {
	mu       sync.RWMutex
	registry *schema.Registry
	mode     Mode

	primary   *index.Primary
	models    *index.Model
	fields    *index.Field
	relations *index.Relational

	// owners is the authoritative id → model table. The primary index may
	// evict entities in bounded mode; owners never does.
	owners map[string]string

	files    *RawFileHandler
	mirror   *Mirror
	treeLock *flock.Flock

	broker      *events.Broker
	quarantined bool
	logger      zerolog.Logger
}

// NewEngine creates an engine for the registry's declared model set. In
// persistent mode it creates the directory layout, takes an advisory lock on
// the tree, opens the redundancy mirror and writes the model manifests.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine requires a schema registry")
	}

	files, err := NewRawFileHandler(cfg.Root, cfg.Mode)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare raw-file tree: %w", err)
	}

	e := &Engine{
		registry:  cfg.Registry,
		mode:      cfg.Mode,
		models:    index.NewModel(),
		fields:    index.NewField(),
		relations: index.NewRelational(),
		owners:    make(map[string]string),
		files:     files,
		broker:    cfg.Broker,
		logger:    log.WithComponent("hsdb"),
	}

	if cfg.MaxResident > 0 {
		primary, err := index.NewBoundedPrimary(cfg.MaxResident, e.flushEvicted)
		if err != nil {
			return nil, err
		}
		e.primary = primary
	} else {
		e.primary = index.NewPrimary()
	}

	// Pre-register every declared model and relation so counts are defined
	// even when empty.
	for _, model := range cfg.Registry.Models() {
		table, err := cfg.Registry.Describe(model)
		if err != nil {
			return nil, err
		}
		e.models.RegisterModel(table.Model)
		for _, rel := range table.Relations() {
			e.relations.Register(table.RelationName(rel), rel.Relation.Kind)
		}
	}

	if cfg.Mode == ModePersistent {
		e.treeLock = flock.New(files.LockPath())
		locked, err := e.treeLock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to lock hsdb tree: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("hsdb tree at %s is locked by another process", files.Root())
		}

		mirror, err := OpenMirror(files.MirrorPath())
		if err != nil {
			e.treeLock.Unlock()
			return nil, err
		}
		e.mirror = mirror

		if err := e.writeManifests(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to write model manifests")
		}
	}

	e.logger.Info().
		Str("mode", cfg.Mode.String()).
		Int("models", len(cfg.Registry.Models())).
		Msg("engine ready")
	return e, nil
}

// Close releases the tree lock and the redundancy mirror
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if e.mirror != nil {
		if err := e.mirror.Close(); err != nil {
			firstErr = err
		}
		e.mirror = nil
	}
	if e.treeLock != nil {
		if err := e.treeLock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.treeLock = nil
	}
	return firstErr
}

// Mode returns the persistence strategy the engine was built with
func (e *Engine) Mode() Mode {
	return e.mode
}

// Models returns the canonical names of the registered models
func (e *Engine) Models() []string {
	return e.registry.Models()
}

// Resident returns the number of entities currently held by the primary
// index. Differs from the entity total only in bounded mode.
func (e *Engine) Resident() int {
	return e.primary.Len()
}

// Quarantined reports whether the engine is in read-only quarantine
func (e *Engine) Quarantined() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.quarantined
}

// Create validates data against the model schema, assigns an id when the
// caller supplied none, enforces id and unique-field constraints, commits
// the entity to every index and persists it.
func (e *Engine) Create(model string, data map[string]any) (*types.Entity, error) {
	table, err := e.registry.Describe(model)
	if err != nil {
		return nil, err
	}

	// The id travels outside the schema fields.
	input := data
	id := ""
	if raw, ok := data["id"]; ok {
		id, _ = raw.(string)
		input = make(map[string]any, len(data))
		for k, v := range data {
			if k != "id" {
				input[k] = v
			}
		}
	}

	record, err := e.registry.Validate(table.Model, input)
	if err != nil {
		if doc, merr := json.Marshal(data); merr == nil {
			e.files.Reject(table.Model, uuid.NewString(), doc)
		}
		return nil, err
	}
	e.fillComputed(table, record)

	if id == "" {
		id = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.quarantined {
		return nil, ErrEngineQuarantined
	}
	if _, exists := e.owners[id]; exists {
		return nil, &ConflictError{Model: table.Model, ID: id, Reason: fmt.Sprintf("id %s already present", id)}
	}
	for _, f := range table.UniqueFields() {
		value, ok := record[f.Name]
		if !ok {
			continue
		}
		if hits := e.fields.Lookup(table.Model, f.Name, value); len(hits) > 0 {
			return nil, &ConflictError{
				Model:  table.Model,
				Field:  f.Name,
				Reason: fmt.Sprintf("value %v already taken by %s", value, hits[0]),
			}
		}
	}

	entity := &types.Entity{ID: id, Model: table.Model, Fields: record}

	if err := e.insertIndexes(table, entity); err != nil {
		return nil, err
	}

	if err := e.persist(table, entity, "create"); err != nil {
		e.removeIndexes(table, entity)
		return nil, err
	}

	e.publish(events.EventEntityCreated, table.Model, id)
	return entity.Clone(), nil
}

// Update applies a patch to an existing entity. Index maintenance is
// diff-driven: only fields whose value actually changed touch the field and
// relational indices.
func (e *Engine) Update(id string, patch map[string]any) (*types.Entity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.quarantined {
		return nil, ErrEngineQuarantined
	}

	model, ok := e.owners[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	table, err := e.registry.Describe(model)
	if err != nil {
		return nil, err
	}
	current, err := e.residentLocked(table, id)
	if err != nil {
		return nil, err
	}

	normalized, err := e.registry.ValidatePatch(model, patch)
	if err != nil {
		return nil, err
	}

	// Drop no-op assignments so an empty diff leaves the indices alone.
	diff := make(map[string]any, len(normalized))
	for name, newValue := range normalized {
		if !valueEqual(current.Fields[name], newValue) {
			diff[name] = newValue
		}
	}
	if len(diff) == 0 {
		return current.Clone(), nil
	}

	for _, f := range table.UniqueFields() {
		newValue, changed := diff[f.Name]
		if !changed {
			continue
		}
		for _, hit := range e.fields.Lookup(model, f.Name, newValue) {
			if hit != id {
				return nil, &ConflictError{
					Model:  model,
					Field:  f.Name,
					Reason: fmt.Sprintf("value %v already taken by %s", newValue, hit),
				}
			}
		}
	}

	updated := current.Clone()
	for name, value := range diff {
		updated.Fields[name] = value
	}

	e.applyDiff(table, id, current, diff)
	if err := e.primary.Put(updated); err != nil {
		e.applyDiff(table, id, updated, snapshotOf(current, diff))
		return nil, err
	}

	if err := e.persist(table, updated, "update"); err != nil {
		// Compensating rollback of the diff and the resident entity.
		e.applyDiff(table, id, updated, snapshotOf(current, diff))
		if perr := e.primary.Put(current); perr != nil {
			e.quarantine(perr)
		}
		return nil, err
	}

	e.publish(events.EventEntityUpdated, model, id)
	return updated.Clone(), nil
}

// Delete removes an entity from every index and deletes its document. The
// primary entry is removed last so readers holding an id from a secondary
// index still resolve it during the teardown.
func (e *Engine) Delete(id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.quarantined {
		return false, ErrEngineQuarantined
	}

	model, ok := e.owners[id]
	if !ok {
		return false, &NotFoundError{ID: id}
	}
	table, err := e.registry.Describe(model)
	if err != nil {
		return false, err
	}
	entity, err := e.residentLocked(table, id)
	if err != nil {
		return false, err
	}

	// Secondary indices release the id first, primary last.
	for _, f := range table.IndexedFields() {
		e.fields.Remove(model, f.Name, entity.Fields[f.Name], id)
	}
	e.relations.RemoveEntity(id)
	e.models.Remove(model, id)
	e.primary.Delete(id)
	delete(e.owners, id)

	if e.mode == ModePersistent {
		if _, err := e.files.DeleteEntry(table.Plural, id); err != nil {
			e.restoreAfterFailedDelete(table, entity, err)
			return false, err
		}
		if err := e.mirror.Delete(model, id); err != nil {
			e.restoreAfterFailedDelete(table, entity, &PersistenceError{Op: "delete", Path: e.files.MirrorPath(), Err: err})
			return false, &PersistenceError{Op: "delete", Path: e.files.MirrorPath(), Err: err}
		}
	}

	e.publish(events.EventEntityDeleted, model, id)
	return true, nil
}

// Get returns the entity for id. In bounded mode a non-resident entity is
// read through from disk.
func (e *Engine) Get(id string) (*types.Entity, error) {
	e.mu.RLock()
	model, ok := e.owners[id]
	e.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{ID: id}
	}

	if entity, resident := e.primary.Get(id); resident {
		return entity.Clone(), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// A delete may have won the race between the ownership check and the
	// read-through; the id is simply gone then, not a persistence failure.
	if _, still := e.owners[id]; !still {
		return nil, &NotFoundError{ID: id}
	}
	table, err := e.registry.Describe(model)
	if err != nil {
		return nil, err
	}
	entity, err := e.residentLocked(table, id)
	if err != nil {
		return nil, err
	}
	return entity.Clone(), nil
}

// GetAll returns every entity of the model
func (e *Engine) GetAll(model string) ([]*types.Entity, error) {
	table, err := e.registry.Describe(model)
	if err != nil {
		return nil, err
	}
	return e.entitiesByIDs(table, e.models.IDs(table.Model))
}

// FindBy returns the entities whose field equals value. Indexed fields
// answer from the field index; everything else scans the model set.
func (e *Engine) FindBy(model, field string, value any) ([]*types.Entity, error) {
	table, err := e.registry.Describe(model)
	if err != nil {
		return nil, err
	}
	f, ok := table.Field(field)
	if !ok {
		return nil, &schema.SchemaError{Model: table.Model, Field: field, Reason: "unknown field"}
	}

	if f.Indexed() {
		return e.entitiesByIDs(table, e.fields.Lookup(table.Model, field, normalizeLookupValue(f, value)))
	}

	all, err := e.entitiesByIDs(table, e.models.IDs(table.Model))
	if err != nil {
		return nil, err
	}
	matched := all[:0]
	for _, entity := range all {
		if valueEqual(entity.Fields[field], normalizeLookupValue(f, value)) {
			matched = append(matched, entity)
		}
	}
	return matched, nil
}

// Count returns the number of entities of the model, O(1)
func (e *Engine) Count(model string) (int, error) {
	table, err := e.registry.Describe(model)
	if err != nil {
		return 0, err
	}
	return e.models.Count(table.Model), nil
}

// Related returns the ids linked from id through the named relation field
func (e *Engine) Related(model, field, id string) ([]string, error) {
	table, err := e.registry.Describe(model)
	if err != nil {
		return nil, err
	}
	f, ok := table.Field(field)
	if !ok || !f.IsRelation() {
		return nil, &schema.SchemaError{Model: table.Model, Field: field, Reason: "unknown relation"}
	}
	return e.relations.Forward(table.RelationName(f), id), nil
}

// RelatedInverse returns the ids linking to id through the named relation field
func (e *Engine) RelatedInverse(model, field, id string) ([]string, error) {
	table, err := e.registry.Describe(model)
	if err != nil {
		return nil, err
	}
	f, ok := table.Field(field)
	if !ok || !f.IsRelation() {
		return nil, &schema.SchemaError{Model: table.Model, Field: field, Reason: "unknown relation"}
	}
	return e.relations.Inverse(table.RelationName(f), id), nil
}

// Serialize renders an entity using the registry, resolving expanded
// relations against the engine's own state.
func (e *Engine) Serialize(id string, includeRelations, expandRelations bool) (map[string]any, error) {
	entity, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	return e.registry.Serialize(entity.Model, entity.ID, entity.Fields, schema.SerializeOptions{
		IncludeRelations: includeRelations,
		ExpandRelations:  expandRelations,
		Resolve:          e.resolveRecord,
	})
}

// --- internals ---

func (e *Engine) resolveRecord(model, id string) (map[string]any, bool) {
	entity, err := e.Get(id)
	if err != nil || entity.Model != model {
		return nil, false
	}
	return entity.Fields, true
}

func (e *Engine) entitiesByIDs(table *schema.Table, ids []string) ([]*types.Entity, error) {
	out := make([]*types.Entity, 0, len(ids))
	for _, id := range ids {
		entity, err := e.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

// residentLocked returns the live entity for id, reading through from disk
// when the bounded primary evicted it. Caller holds e.mu.
func (e *Engine) residentLocked(table *schema.Table, id string) (*types.Entity, error) {
	if entity, ok := e.primary.Get(id); ok {
		return entity, nil
	}
	if e.mode != ModePersistent {
		return nil, &NotFoundError{ID: id}
	}
	doc, err := e.files.ReadEntry(table.Plural, id)
	if err != nil {
		return nil, err
	}
	_, record, err := e.registry.UnmarshalEntity(table.Model, doc)
	if err != nil {
		return nil, err
	}
	entity := &types.Entity{ID: id, Model: table.Model, Fields: record}
	if err := e.primary.Put(entity); err != nil {
		return nil, err
	}
	return entity, nil
}

func (e *Engine) insertIndexes(table *schema.Table, entity *types.Entity) error {
	if err := e.primary.Put(entity); err != nil {
		return err
	}
	e.owners[entity.ID] = entity.Model
	e.models.Add(entity.Model, entity.ID)
	for _, f := range table.IndexedFields() {
		e.fields.Add(entity.Model, f.Name, entity.Fields[f.Name], entity.ID)
	}
	for _, f := range table.Relations() {
		relName := table.RelationName(f)
		e.linkRelation(relName, f, entity.ID, entity.Fields[f.Name], true)
	}
	return nil
}

func (e *Engine) removeIndexes(table *schema.Table, entity *types.Entity) {
	for _, f := range table.IndexedFields() {
		e.fields.Remove(entity.Model, f.Name, entity.Fields[f.Name], entity.ID)
	}
	e.relations.RemoveEntity(entity.ID)
	e.models.Remove(entity.Model, entity.ID)
	e.primary.Delete(entity.ID)
	delete(e.owners, entity.ID)
}

func (e *Engine) linkRelation(relName string, f schema.Field, id string, value any, link bool) {
	if value == nil {
		return
	}
	apply := e.relations.Unlink
	if link {
		apply = e.relations.Link
	}
	if f.Relation.Kind.ToMany() {
		if ids, ok := value.([]string); ok {
			for _, tgt := range ids {
				apply(relName, id, tgt)
			}
		}
		return
	}
	if tgt, ok := value.(string); ok && tgt != "" {
		apply(relName, id, tgt)
	}
}

// applyDiff moves the secondary indices from base's values to the diff's
// values for entity id.
func (e *Engine) applyDiff(table *schema.Table, id string, base *types.Entity, diff map[string]any) {
	for name, newValue := range diff {
		f, ok := table.Field(name)
		if !ok {
			continue
		}
		oldValue := base.Fields[name]
		if f.IsRelation() {
			relName := table.RelationName(f)
			oldSet := relationSet(f, oldValue)
			newSet := relationSet(f, newValue)
			for tgt := range oldSet {
				if _, keep := newSet[tgt]; !keep {
					e.relations.Unlink(relName, id, tgt)
				}
			}
			for tgt := range newSet {
				if _, had := oldSet[tgt]; !had {
					e.relations.Link(relName, id, tgt)
				}
			}
			continue
		}
		if f.Indexed() {
			e.fields.Update(table.Model, name, oldValue, newValue, id)
		}
	}
}

// snapshotOf builds the reverse diff: for every key in diff, the value the
// base entity held.
func snapshotOf(base *types.Entity, diff map[string]any) map[string]any {
	reverse := make(map[string]any, len(diff))
	for name := range diff {
		reverse[name] = base.Fields[name]
	}
	return reverse
}

func relationSet(f schema.Field, value any) map[string]struct{} {
	set := make(map[string]struct{})
	if value == nil {
		return set
	}
	if f.Relation.Kind.ToMany() {
		if ids, ok := value.([]string); ok {
			for _, id := range ids {
				set[id] = struct{}{}
			}
		}
		return set
	}
	if id, ok := value.(string); ok && id != "" {
		set[id] = struct{}{}
	}
	return set
}

func (e *Engine) persist(table *schema.Table, entity *types.Entity, op string) error {
	if e.mode != ModePersistent {
		return nil
	}
	doc, err := e.registry.MarshalEntity(entity.Model, entity.ID, entity.Fields, schema.SerializeOptions{IncludeRelations: true})
	if err != nil {
		return &PersistenceError{Op: op, Path: e.files.EntryPath(table.Plural, entity.ID), Err: err}
	}

	var path string
	if op == "create" {
		path, err = e.files.CreateEntry(table.Plural, entity.ID, doc)
	} else {
		path, err = e.files.UpdateEntry(table.Plural, entity.ID, doc)
	}
	if err != nil {
		return err
	}

	if err := e.mirror.Put(entity.Model, entity.ID, doc); err != nil {
		// Roll the file write back so disk keeps matching the committed
		// state; failure to do so quarantines.
		if op == "create" {
			if _, derr := e.files.DeleteEntry(table.Plural, entity.ID); derr != nil {
				e.quarantine(derr)
			}
		} else {
			if _, rerr := e.files.RestoreEntry(table.Plural, entity.ID); rerr != nil {
				e.quarantine(rerr)
			}
		}
		return &PersistenceError{Op: op, Path: path, Err: err}
	}
	return nil
}

func (e *Engine) restoreAfterFailedDelete(table *schema.Table, entity *types.Entity, cause error) {
	if err := e.insertIndexes(table, entity); err != nil {
		e.quarantine(err)
		return
	}
	e.logger.Error().Err(cause).Str("id", entity.ID).Msg("delete persistence failed, indices restored")
}

// flushEvicted persists an entity leaving the bounded primary index
func (e *Engine) flushEvicted(entity *types.Entity) error {
	if e.mode != ModePersistent {
		return nil
	}
	table, err := e.registry.Describe(entity.Model)
	if err != nil {
		return err
	}
	doc, err := e.registry.MarshalEntity(entity.Model, entity.ID, entity.Fields, schema.SerializeOptions{IncludeRelations: true})
	if err != nil {
		return err
	}
	_, err = e.files.UpdateEntry(table.Plural, entity.ID, doc)
	return err
}

func (e *Engine) fillComputed(table *schema.Table, record map[string]any) {
	now := time.Now().Round(0)
	for _, f := range table.Fields() {
		a := f.Attribute
		if a == nil || !a.Computed {
			continue
		}
		if _, present := record[f.Name]; present {
			continue
		}
		switch a.Type {
		case schema.TypeTimestamp:
			record[f.Name] = now
		case schema.TypeInt:
			record[f.Name] = int64(0)
		case schema.TypeFloat:
			record[f.Name] = float64(0)
		case schema.TypeBool:
			record[f.Name] = false
		default:
			record[f.Name] = ""
		}
	}
}

// quarantine flips the engine into read-only mode and emits one diagnostic
// event. Caller holds e.mu.
func (e *Engine) quarantine(cause error) {
	if e.quarantined {
		return
	}
	e.quarantined = true
	e.logger.Error().Err(cause).Msg("rollback failed, engine quarantined")
	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:    events.EventEngineQuarantined,
			Message: cause.Error(),
		})
	}
}

func (e *Engine) publish(eventType events.EventType, model, id string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{Type: eventType, Model: model, EntityID: id})
}

func (e *Engine) writeManifests() error {
	manifest := make(map[string]any)
	for _, model := range e.registry.Models() {
		table, err := e.registry.Describe(model)
		if err != nil {
			return err
		}
		manifest[model] = map[string]any{
			"plural": table.Plural,
			"fields": table.FieldNames(),
		}

		snapshot := make([]map[string]any, 0)
		for _, f := range table.Fields() {
			entry := map[string]any{"name": f.Name}
			if f.Attribute != nil {
				entry["type"] = string(f.Attribute.Type)
				entry["required"] = f.Attribute.Required
				entry["indexed"] = f.Indexed()
				entry["unique"] = f.Attribute.Unique
			} else {
				entry["kind"] = string(f.Relation.Kind)
				entry["target"] = f.Relation.TargetModel
			}
			snapshot = append(snapshot, entry)
		}
		doc, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return err
		}
		if err := e.files.WriteAdapter(model+".json", doc); err != nil {
			return err
		}
	}

	doc, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return e.files.WriteMeta("models.json", doc)
}

func valueEqual(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return reflect.DeepEqual(a, b)
}

func normalizeLookupValue(f schema.Field, value any) any {
	if f.Attribute == nil {
		return value
	}
	switch f.Attribute.Type {
	case schema.TypeInt:
		switch v := value.(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case float64:
			if v == float64(int64(v)) {
				return int64(v)
			}
		}
	case schema.TypeFloat:
		switch v := value.(type) {
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
	case schema.TypeTimestamp:
		if t, ok := value.(time.Time); ok {
			return t.Round(0)
		}
	}
	return value
}
