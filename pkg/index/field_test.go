package index

import (
	"testing"
)

// TestFieldIndexLookup tests lazy creation, lookup and pruning
func TestFieldIndexLookup(t *testing.T) {
	f := NewField()

	f.Add("student", "age", int64(18), "s1")
	f.Add("student", "age", int64(18), "s2")
	f.Add("student", "age", int64(21), "s3")

	if got := f.Lookup("student", "age", int64(18)); len(got) != 2 {
		t.Errorf("Lookup(18) = %v, want 2 ids", got)
	}
	if got := f.Lookup("student", "age", int64(99)); got != nil {
		t.Errorf("Lookup(99) = %v, want nil", got)
	}

	f.Remove("student", "age", int64(18), "s1")
	f.Remove("student", "age", int64(18), "s2")

	// Set for 18 pruned; 21 still resolves.
	if got := f.Lookup("student", "age", int64(18)); got != nil {
		t.Errorf("Lookup(18) after removal = %v, want nil", got)
	}
	if got := f.Lookup("student", "age", int64(21)); len(got) != 1 || got[0] != "s3" {
		t.Errorf("Lookup(21) = %v, want [s3]", got)
	}
}

// TestFieldIndexUpdate tests moving an id between values atomically
func TestFieldIndexUpdate(t *testing.T) {
	f := NewField()
	f.Add("student", "gender", "male", "s1")

	f.Update("student", "gender", "male", "female", "s1")

	if got := f.Lookup("student", "gender", "male"); got != nil {
		t.Errorf("Lookup(male) = %v, want nil", got)
	}
	if got := f.Lookup("student", "gender", "female"); len(got) != 1 || got[0] != "s1" {
		t.Errorf("Lookup(female) = %v, want [s1]", got)
	}
}

// TestFieldIndexNilValues tests that null values are never indexed
func TestFieldIndexNilValues(t *testing.T) {
	f := NewField()

	f.Add("student", "age", nil, "s1")
	if got := f.Lookup("student", "age", nil); got != nil {
		t.Errorf("Lookup(nil) = %v, want nil", got)
	}

	// Update from nil behaves like a plain add.
	f.Update("student", "age", nil, int64(20), "s1")
	if got := f.Lookup("student", "age", int64(20)); len(got) != 1 {
		t.Errorf("Lookup(20) = %v, want [s1]", got)
	}

	// Update to nil behaves like a plain remove.
	f.Update("student", "age", int64(20), nil, "s1")
	if got := f.Lookup("student", "age", int64(20)); got != nil {
		t.Errorf("Lookup(20) after nil update = %v, want nil", got)
	}
}

// TestFieldIndexModelIsolation tests that same field names on different models stay apart
func TestFieldIndexModelIsolation(t *testing.T) {
	f := NewField()
	f.Add("student", "name", "Acme", "s1")
	f.Add("manufacturer", "name", "Acme", "m1")

	if got := f.Lookup("student", "name", "Acme"); len(got) != 1 || got[0] != "s1" {
		t.Errorf("student lookup = %v, want [s1]", got)
	}
	if got := f.Lookup("manufacturer", "name", "Acme"); len(got) != 1 || got[0] != "m1" {
		t.Errorf("manufacturer lookup = %v, want [m1]", got)
	}
}
