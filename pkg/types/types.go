package types

import (
	"fmt"
	"time"
)

// Entity is a validated instance of a model, identified by a unique id.
// Field values are normalized by the schema registry before an entity is
// committed: ints are int64, floats are float64, timestamps are time.Time,
// to-one relations are string ids and to-many relations are []string.
type Entity struct {
	ID     string         `json:"id"`
	Model  string         `json:"model"`
	Fields map[string]any `json:"fields"`
}

// Clone returns a deep copy of the entity. Index readers hand out clones so
// callers can never mutate indexed state in place.
func (e *Entity) Clone() *Entity {
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		if ids, ok := v.([]string); ok {
			cp := make([]string, len(ids))
			copy(cp, ids)
			fields[k] = cp
			continue
		}
		fields[k] = v
	}
	return &Entity{ID: e.ID, Model: e.Model, Fields: fields}
}

// UnitKind identifies the role a unit plays in the process mesh
type UnitKind string

const (
	UnitBackend   UnitKind = "backend"
	UnitService   UnitKind = "service"
	UnitWorkhorse UnitKind = "workhorse"
	UnitSocket    UnitKind = "socket"
)

// ParseUnitKind validates a unit kind string
func ParseUnitKind(s string) (UnitKind, error) {
	switch UnitKind(s) {
	case UnitBackend, UnitService, UnitWorkhorse, UnitSocket:
		return UnitKind(s), nil
	}
	return "", fmt.Errorf("unknown unit kind %q", s)
}

// UnitState represents the lifecycle state of a unit
type UnitState string

const (
	UnitStateInit        UnitState = "init"
	UnitStateConnected   UnitState = "connected"
	UnitStateSubscribed  UnitState = "subscribed"
	UnitStateActive      UnitState = "active"
	UnitStateTerminating UnitState = "terminating"
	UnitStateClosed      UnitState = "closed"
)

// UnitInfo describes a unit registered on the bus
type UnitInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Kind     UnitKind  `json:"kind"`
	Host     string    `json:"host,omitempty"`
	Port     int       `json:"port,omitempty"`
	State    UnitState `json:"state"`
	LastSeen time.Time `json:"last_seen"`
}
