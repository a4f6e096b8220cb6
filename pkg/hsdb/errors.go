package hsdb

import (
	"errors"
	"fmt"
)

// ErrEngineQuarantined is returned for mutations after the engine entered
// read-only quarantine following a failed rollback. Reads continue.
var ErrEngineQuarantined = errors.New("engine quarantined: mutations rejected")

// ConflictError reports a primary id collision or a unique-field collision
type ConflictError struct {
	Model  string
	Field  string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("conflict on %s.%s: %s", e.Model, e.Field, e.Reason)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Model, e.Reason)
}

// NotFoundError reports a get/update/delete against an absent id
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("entity not found: %s", e.ID)
}

// PersistenceError reports a filesystem failure after index commit. The
// engine rolls the indices back before surfacing it.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
