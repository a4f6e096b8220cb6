package schema

import "fmt"

// SchemaError reports a validation, type, or required-field violation on
// entity input. It is recoverable and returned to the caller.
type SchemaError struct {
	Model  string
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema error on %s: %s", e.Model, e.Reason)
	}
	return fmt.Sprintf("schema error on %s.%s: %s", e.Model, e.Field, e.Reason)
}

// SchemaConflict reports a re-registration of a model with a different shape
type SchemaConflict struct {
	Model  string
	Reason string
}

func (e *SchemaConflict) Error() string {
	return fmt.Sprintf("schema conflict on %s: %s", e.Model, e.Reason)
}
