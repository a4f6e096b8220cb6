package schema

import (
	"fmt"
	"sort"
	"time"
)

// Validate checks create input against the model's field table and returns a
// normalized record. Validation is strict: unknown fields fail, required
// fields must be present, and type coercion is forbidden except numeric to
// float when the field type is float. Computed fields are written exclusively
// by the engine and are rejected on input.
func (r *Registry) Validate(modelName string, data map[string]any) (map[string]any, error) {
	table, err := r.Describe(modelName)
	if err != nil {
		return nil, err
	}

	record := make(map[string]any, len(data))
	for name, value := range data {
		field, ok := table.Field(name)
		if !ok {
			return nil, &SchemaError{Model: table.Model, Field: name, Reason: "unknown field"}
		}
		if a := field.Attribute; a != nil && a.Computed {
			return nil, &SchemaError{Model: table.Model, Field: name, Reason: "computed field cannot be set by caller"}
		}
		normalized, err := normalizeValue(table.Model, field, value)
		if err != nil {
			return nil, err
		}
		record[name] = normalized
	}

	// Presence of required fields. Computed fields are filled in by the
	// engine after validation.
	for _, field := range table.Fields() {
		if _, present := record[field.Name]; present {
			continue
		}
		required := false
		if field.Attribute != nil {
			required = field.Attribute.Required && !field.Attribute.Computed
		} else {
			required = field.Relation.Required
		}
		if required {
			return nil, &SchemaError{Model: table.Model, Field: field.Name, Reason: "required field missing"}
		}
	}

	return record, nil
}

// ValidatePatch checks update input. Only the fields present in the patch
// are validated; non-editable fields are rejected.
func (r *Registry) ValidatePatch(modelName string, patch map[string]any) (map[string]any, error) {
	table, err := r.Describe(modelName)
	if err != nil {
		return nil, err
	}

	record := make(map[string]any, len(patch))
	for name, value := range patch {
		field, ok := table.Field(name)
		if !ok {
			return nil, &SchemaError{Model: table.Model, Field: name, Reason: "unknown field"}
		}
		editable := false
		if field.Attribute != nil {
			editable = field.Attribute.Editable
		} else {
			editable = field.Relation.Editable
		}
		if !editable {
			return nil, &SchemaError{Model: table.Model, Field: name, Reason: "field is not editable"}
		}
		normalized, err := normalizeValue(table.Model, field, value)
		if err != nil {
			return nil, err
		}
		record[name] = normalized
	}
	return record, nil
}

func normalizeValue(model string, field Field, value any) (any, error) {
	if field.IsRelation() {
		return normalizeRelation(model, field, value)
	}
	return normalizeAttribute(model, field, value)
}

func normalizeAttribute(model string, field Field, value any) (any, error) {
	a := field.Attribute
	fail := func(reason string) (any, error) {
		return nil, &SchemaError{Model: model, Field: field.Name, Reason: reason}
	}

	switch a.Type {
	case TypeBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return fail(fmt.Sprintf("expected bool, got %T", value))

	case TypeInt:
		// JSON decoding yields float64 for every number; integral floats
		// are accepted so a round-trip through disk stays lossless.
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v == float64(int64(v)) {
				return int64(v), nil
			}
			return fail("expected int, got fractional number")
		}
		return fail(fmt.Sprintf("expected int, got %T", value))

	case TypeFloat:
		// Numeric to float is the single permitted coercion.
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return fail(fmt.Sprintf("expected float, got %T", value))

	case TypeString:
		s, ok := value.(string)
		if !ok {
			return fail(fmt.Sprintf("expected string, got %T", value))
		}
		if a.MaxSize > 0 && len(s) > a.MaxSize {
			return fail(fmt.Sprintf("string exceeds max size %d", a.MaxSize))
		}
		return s, nil

	case TypeTimestamp:
		switch v := value.(type) {
		case time.Time:
			// Strip the monotonic reading so values compare structurally.
			return v.Round(0), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return fail("timestamp must be RFC3339")
			}
			return t, nil
		}
		return fail(fmt.Sprintf("expected timestamp, got %T", value))
	}

	return fail("unknown attribute type")
}

func normalizeRelation(model string, field Field, value any) (any, error) {
	fail := func(reason string) (any, error) {
		return nil, &SchemaError{Model: model, Field: field.Name, Reason: reason}
	}

	if !field.Relation.Kind.ToMany() {
		id, ok := value.(string)
		if !ok {
			return fail(fmt.Sprintf("to-one relation expects a target id string, got %T", value))
		}
		return id, nil
	}

	// To-many values are id sets; sorting makes them canonical.
	switch v := value.(type) {
	case []string:
		ids := make([]string, len(v))
		copy(ids, v)
		sort.Strings(ids)
		return ids, nil
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			id, ok := item.(string)
			if !ok {
				return fail(fmt.Sprintf("to-many relation expects target id strings, got %T", item))
			}
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids, nil
	}
	return fail(fmt.Sprintf("to-many relation expects a list of target ids, got %T", value))
}
