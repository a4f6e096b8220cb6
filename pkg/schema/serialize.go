package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SerializeOptions controls how relations are rendered
type SerializeOptions struct {
	// IncludeRelations renders relation fields as id / id-set values
	IncludeRelations bool
	// ExpandRelations renders relation fields as nested maps instead of
	// ids. Expansion is single-level only: nested entities render their own
	// relations as ids.
	ExpandRelations bool
	// Resolve looks up a related entity's record by model and id. Required
	// when ExpandRelations is set; a miss renders the bare id.
	Resolve func(model, id string) (map[string]any, bool)
}

// Serialize renders a normalized record as a map. Relation rendering
// follows the options; attribute values pass through unchanged.
func (r *Registry) Serialize(modelName, id string, record map[string]any, opts SerializeOptions) (map[string]any, error) {
	table, err := r.Describe(modelName)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(record)+2)
	out["id"] = id
	out["model_name"] = table.Model

	for _, field := range table.Fields() {
		value, present := record[field.Name]
		if !present {
			continue
		}
		if !field.IsRelation() {
			out[field.Name] = value
			continue
		}
		if !opts.IncludeRelations {
			continue
		}
		out[field.Name] = r.renderRelation(field, value, opts)
	}
	return out, nil
}

// MarshalEntity renders a normalized record as UTF-8 JSON with keys in the
// schema's canonical field order, preceded by id and model_name. This is the
// on-disk representation used by the raw-file layer.
func (r *Registry) MarshalEntity(modelName, id string, record map[string]any, opts SerializeOptions) ([]byte, error) {
	table, err := r.Describe(modelName)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	writePair(&buf, "id", id)
	buf.WriteByte(',')
	writePair(&buf, "model_name", table.Model)

	for _, field := range table.Fields() {
		value, present := record[field.Name]
		if !present {
			continue
		}
		if field.IsRelation() {
			if !opts.IncludeRelations {
				continue
			}
			value = r.renderRelation(field, value, opts)
		}
		buf.WriteByte(',')
		if err := writePair(&buf, field.Name, value); err != nil {
			return nil, fmt.Errorf("failed to marshal field %s: %w", field.Name, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalEntity parses an on-disk entity document back into a normalized
// record, discarding the id and model_name envelope keys.
func (r *Registry) UnmarshalEntity(modelName string, data []byte) (id string, record map[string]any, err error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, fmt.Errorf("failed to parse entity document: %w", err)
	}
	id, _ = raw["id"].(string)
	delete(raw, "id")
	delete(raw, "model_name")

	record, err = r.Validate(modelName, stripComputed(r, modelName, raw))
	if err != nil {
		return "", nil, err
	}
	// Computed values come off disk as ordinary fields; re-attach them.
	table, _ := r.Describe(modelName)
	for _, field := range table.Fields() {
		if field.Attribute != nil && field.Attribute.Computed {
			if v, ok := raw[field.Name]; ok {
				normalized, err := normalizeValue(table.Model, field, v)
				if err != nil {
					return "", nil, err
				}
				record[field.Name] = normalized
			}
		}
	}
	return id, record, nil
}

func (r *Registry) renderRelation(field Field, value any, opts SerializeOptions) any {
	if !opts.ExpandRelations || opts.Resolve == nil {
		return value
	}
	nested := SerializeOptions{IncludeRelations: true}
	target := field.Relation.TargetModel

	if !field.Relation.Kind.ToMany() {
		id, ok := value.(string)
		if !ok {
			return value
		}
		if record, found := opts.Resolve(target, id); found {
			expanded, err := r.Serialize(target, id, record, nested)
			if err == nil {
				return expanded
			}
		}
		return value
	}

	ids, ok := value.([]string)
	if !ok {
		return value
	}
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if record, found := opts.Resolve(target, id); found {
			if expanded, err := r.Serialize(target, id, record, nested); err == nil {
				out = append(out, expanded)
				continue
			}
		}
		out = append(out, id)
	}
	return out
}

func stripComputed(r *Registry, modelName string, raw map[string]any) map[string]any {
	table, err := r.Describe(modelName)
	if err != nil {
		return raw
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if field, ok := table.Field(k); ok && field.Attribute != nil && field.Attribute.Computed {
			continue
		}
		out[k] = v
	}
	return out
}

func writePair(buf *bytes.Buffer, key string, value any) error {
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return err
	}
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return err
	}
	buf.Write(keyJSON)
	buf.WriteByte(':')
	buf.Write(valueJSON)
	return nil
}
