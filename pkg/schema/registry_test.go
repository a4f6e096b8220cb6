package schema

import (
	"errors"
	"testing"
)

func studentFields() []Field {
	return []Field{
		{Name: "name", Attribute: &Attribute{Type: TypeString, Required: true, Editable: true, MaxSize: 120}},
		{Name: "age", Attribute: &Attribute{Type: TypeInt, Required: true, Indexed: true, Editable: true}},
		{Name: "gender", Attribute: &Attribute{Type: TypeString, Indexed: true, Editable: true}},
		{Name: "university", Relation: &Relation{Kind: ManyToOne, TargetModel: "university", Editable: true}},
	}
}

// TestRegisterIdempotent tests that re-registration with the same shape succeeds
func TestRegisterIdempotent(t *testing.T) {
	r := NewRegistry()

	first, err := r.Register("StudentModel", studentFields())
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if first.Model != "student" || first.Plural != "students" {
		t.Errorf("table names = (%q, %q), want (student, students)", first.Model, first.Plural)
	}

	second, err := r.Register("student", studentFields())
	if err != nil {
		t.Fatalf("re-Register() error: %v", err)
	}
	if second != first {
		t.Error("re-registration with same shape should return the existing table")
	}
}

// TestRegisterConflict tests that a different shape fails with SchemaConflict
func TestRegisterConflict(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("student", studentFields()); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	changed := studentFields()
	changed[1].Attribute.Type = TypeFloat

	_, err := r.Register("student", changed)
	var conflict *SchemaConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected SchemaConflict, got %v", err)
	}
}

// TestRegisterRejectsBadDescriptors tests descriptor consistency checks
func TestRegisterRejectsBadDescriptors(t *testing.T) {
	tests := []struct {
		name  string
		field Field
	}{
		{
			name:  "computed but editable",
			field: Field{Name: "ts", Attribute: &Attribute{Type: TypeTimestamp, Required: true, Computed: true, Editable: true}},
		},
		{
			name:  "computed but not required",
			field: Field{Name: "ts", Attribute: &Attribute{Type: TypeTimestamp, Computed: true}},
		},
		{
			name:  "max size on int",
			field: Field{Name: "n", Attribute: &Attribute{Type: TypeInt, MaxSize: 4}},
		},
		{
			name:  "attribute and relation both set",
			field: Field{Name: "x", Attribute: &Attribute{Type: TypeInt}, Relation: &Relation{Kind: OneToOne, TargetModel: "y"}},
		},
		{
			name:  "relation without target",
			field: Field{Name: "x", Relation: &Relation{Kind: OneToOne}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if _, err := r.Register("m", []Field{tt.field}); err == nil {
				t.Error("Register() should have failed")
			}
		})
	}
}

// TestDescribeUnknownModel tests lookup of an unregistered model
func TestDescribeUnknownModel(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Describe("ghost"); err == nil {
		t.Error("Describe() should fail for unregistered model")
	}
}

// TestUniqueImpliesIndexed tests that unique fields join the field index
func TestUniqueImpliesIndexed(t *testing.T) {
	r := NewRegistry()
	table, err := r.Register("manufacturer", []Field{
		{Name: "name", Attribute: &Attribute{Type: TypeString, Required: true, Unique: true, Editable: true}},
	})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	indexed := table.IndexedFields()
	if len(indexed) != 1 || indexed[0].Name != "name" {
		t.Errorf("IndexedFields() = %v, want [name]", indexed)
	}
}
