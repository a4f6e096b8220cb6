package index

import (
	"reflect"
	"testing"

	"github.com/cirlog/modulo/pkg/schema"
)

// TestRelationalOneToOne tests forward/inverse consistency and replacement
func TestRelationalOneToOne(t *testing.T) {
	r := NewRelational()
	r.Register("person_one_to_one_passport", schema.OneToOne)

	r.Link("person_one_to_one_passport", "p1", "pass1")

	if got := r.Forward("person_one_to_one_passport", "p1"); !reflect.DeepEqual(got, []string{"pass1"}) {
		t.Errorf("Forward = %v, want [pass1]", got)
	}
	if got := r.Inverse("person_one_to_one_passport", "pass1"); !reflect.DeepEqual(got, []string{"p1"}) {
		t.Errorf("Inverse = %v, want [p1]", got)
	}

	// Relinking replaces the old pair on both sides.
	r.Link("person_one_to_one_passport", "p1", "pass2")
	if got := r.Inverse("person_one_to_one_passport", "pass1"); got != nil {
		t.Errorf("stale inverse = %v, want nil", got)
	}
	if got := r.Forward("person_one_to_one_passport", "p1"); !reflect.DeepEqual(got, []string{"pass2"}) {
		t.Errorf("Forward = %v, want [pass2]", got)
	}
}

// TestRelationalManyToOne tests the set-valued inverse
func TestRelationalManyToOne(t *testing.T) {
	r := NewRelational()
	r.Register("student_many_to_one_university", schema.ManyToOne)

	r.Link("student_many_to_one_university", "s1", "u1")
	r.Link("student_many_to_one_university", "s2", "u1")

	if got := r.Inverse("student_many_to_one_university", "u1"); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Errorf("Inverse = %v, want [s1 s2]", got)
	}

	r.Unlink("student_many_to_one_university", "s1", "u1")
	if got := r.Inverse("student_many_to_one_university", "u1"); !reflect.DeepEqual(got, []string{"s2"}) {
		t.Errorf("Inverse after unlink = %v, want [s2]", got)
	}
}

// TestRelationalManyToMany tests symmetric forward storage
func TestRelationalManyToMany(t *testing.T) {
	r := NewRelational()
	r.Register("student_many_to_many_course", schema.ManyToMany)

	r.Link("student_many_to_many_course", "s1", "c1")
	r.Link("student_many_to_many_course", "s1", "c2")
	r.Link("student_many_to_many_course", "s2", "c1")

	if got := r.Forward("student_many_to_many_course", "s1"); !reflect.DeepEqual(got, []string{"c1", "c2"}) {
		t.Errorf("Forward(s1) = %v, want [c1 c2]", got)
	}
	// Both directions answer from the forward map.
	if got := r.Forward("student_many_to_many_course", "c1"); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Errorf("Forward(c1) = %v, want [s1 s2]", got)
	}
	if got := r.Inverse("student_many_to_many_course", "c1"); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Errorf("Inverse(c1) = %v, want [s1 s2]", got)
	}
}

// TestRelationalRemoveEntity tests removal from every participating relation
func TestRelationalRemoveEntity(t *testing.T) {
	r := NewRelational()
	r.Register("student_many_to_one_university", schema.ManyToOne)
	r.Register("student_many_to_many_course", schema.ManyToMany)

	r.Link("student_many_to_one_university", "s1", "u1")
	r.Link("student_many_to_many_course", "s1", "c1")
	r.Link("student_many_to_many_course", "s2", "c1")

	r.RemoveEntity("s1")

	if got := r.Forward("student_many_to_one_university", "s1"); got != nil {
		t.Errorf("Forward after remove = %v, want nil", got)
	}
	if got := r.Inverse("student_many_to_one_university", "u1"); got != nil {
		t.Errorf("Inverse after remove = %v, want nil", got)
	}
	if got := r.Forward("student_many_to_many_course", "c1"); !reflect.DeepEqual(got, []string{"s2"}) {
		t.Errorf("m2m after remove = %v, want [s2]", got)
	}

	// Removing an entity that is only a target works too.
	r.RemoveEntity("c1")
	if got := r.Forward("student_many_to_many_course", "s2"); got != nil {
		t.Errorf("s2 links after target removal = %v, want nil", got)
	}
}

// TestRelationalOneToMany tests owner-side sets with single-owner inverse
func TestRelationalOneToMany(t *testing.T) {
	r := NewRelational()
	r.Register("university_one_to_many_department", schema.OneToMany)

	r.Link("university_one_to_many_department", "u1", "d1")
	r.Link("university_one_to_many_department", "u1", "d2")

	if got := r.Forward("university_one_to_many_department", "u1"); !reflect.DeepEqual(got, []string{"d1", "d2"}) {
		t.Errorf("Forward = %v, want [d1 d2]", got)
	}
	if got := r.Inverse("university_one_to_many_department", "d1"); !reflect.DeepEqual(got, []string{"u1"}) {
		t.Errorf("Inverse = %v, want [u1]", got)
	}
}
