package schema

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func registryWithStudent(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if _, err := r.Register("student", studentFields()); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if _, err := r.Register("university", []Field{
		{Name: "name", Attribute: &Attribute{Type: TypeString, Required: true, Unique: true, Editable: true}},
	}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	return r
}

// TestValidateNormalizes tests type normalization on valid input
func TestValidateNormalizes(t *testing.T) {
	r := registryWithStudent(t)

	record, err := r.Validate("student", map[string]any{
		"name":       "Ada",
		"age":        float64(18), // JSON number
		"gender":     "female",
		"university": "uni-1",
	})
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	if record["age"] != int64(18) {
		t.Errorf("age normalized to %T(%v), want int64(18)", record["age"], record["age"])
	}
	if record["university"] != "uni-1" {
		t.Errorf("university = %v, want uni-1", record["university"])
	}
}

// TestValidateRejections tests the strict validation rules
func TestValidateRejections(t *testing.T) {
	r := registryWithStudent(t)

	tests := []struct {
		name string
		data map[string]any
	}{
		{
			name: "unknown field",
			data: map[string]any{"name": "Ada", "age": 18, "shoe_size": 40},
		},
		{
			name: "required missing",
			data: map[string]any{"age": 18},
		},
		{
			name: "wrong type",
			data: map[string]any{"name": "Ada", "age": "eighteen"},
		},
		{
			name: "fractional int",
			data: map[string]any{"name": "Ada", "age": 18.5},
		},
		{
			name: "bool coerced to string",
			data: map[string]any{"name": true, "age": 18},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Validate("student", tt.data)
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Errorf("Validate() = %v, want SchemaError", err)
			}
		})
	}
}

// TestValidateMaxSizeBoundary tests the string length bound at and past the limit
func TestValidateMaxSizeBoundary(t *testing.T) {
	r := registryWithStudent(t)

	atLimit := strings.Repeat("x", 120)
	if _, err := r.Validate("student", map[string]any{"name": atLimit, "age": 18}); err != nil {
		t.Errorf("Validate() at max_size should pass, got %v", err)
	}

	past := atLimit + "x"
	if _, err := r.Validate("student", map[string]any{"name": past, "age": 18}); err == nil {
		t.Error("Validate() past max_size should fail")
	}
}

// TestValidateComputedRejected tests that callers cannot set computed fields
func TestValidateComputedRejected(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("doc", []Field{
		{Name: "title", Attribute: &Attribute{Type: TypeString, Required: true, Editable: true}},
		{Name: "created_at", Attribute: &Attribute{Type: TypeTimestamp, Required: true, Computed: true}},
	}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	_, err := r.Validate("doc", map[string]any{"title": "t", "created_at": time.Now()})
	if err == nil {
		t.Error("Validate() should reject caller-supplied computed field")
	}

	// Omitting the computed field is fine; the engine fills it in.
	if _, err := r.Validate("doc", map[string]any{"title": "t"}); err != nil {
		t.Errorf("Validate() without computed field should pass, got %v", err)
	}
}

// TestValidateTimestamp tests timestamp normalization from both accepted forms
func TestValidateTimestamp(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("event", []Field{
		{Name: "at", Attribute: &Attribute{Type: TypeTimestamp, Required: true, Editable: true}},
	}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	now := time.Now()
	record, err := r.Validate("event", map[string]any{"at": now})
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if !record["at"].(time.Time).Equal(now) {
		t.Error("time.Time value should normalize to an equal instant")
	}

	record, err = r.Validate("event", map[string]any{"at": "2026-03-01T12:00:00Z"})
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !record["at"].(time.Time).Equal(want) {
		t.Errorf("at = %v, want %v", record["at"], want)
	}
}

// TestValidatePatchEditability tests that patches cannot touch frozen fields
func TestValidatePatchEditability(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("device", []Field{
		{Name: "serial", Attribute: &Attribute{Type: TypeString, Required: true}},
		{Name: "label", Attribute: &Attribute{Type: TypeString, Editable: true}},
	}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if _, err := r.ValidatePatch("device", map[string]any{"label": "lab-7"}); err != nil {
		t.Errorf("ValidatePatch() on editable field should pass, got %v", err)
	}
	if _, err := r.ValidatePatch("device", map[string]any{"serial": "other"}); err == nil {
		t.Error("ValidatePatch() on non-editable field should fail")
	}
}

// TestValidateToManyRelation tests id-set normalization
func TestValidateToManyRelation(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("course", []Field{
		{Name: "title", Attribute: &Attribute{Type: TypeString, Required: true, Editable: true}},
		{Name: "students", Relation: &Relation{Kind: ManyToMany, TargetModel: "student", Editable: true}},
	}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	record, err := r.Validate("course", map[string]any{
		"title":    "algebra",
		"students": []any{"s1", "s2"},
	})
	if err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	ids, ok := record["students"].([]string)
	if !ok || len(ids) != 2 {
		t.Errorf("students = %#v, want []string of 2", record["students"])
	}

	_, err = r.Validate("course", map[string]any{"title": "algebra", "students": "s1"})
	if err == nil {
		t.Error("Validate() should reject a bare id for a to-many relation")
	}
}
