package hsdb

import (
	"testing"
)

func queryFixture(t *testing.T) *Engine {
	t.Helper()
	e := newMemoryEngine(t)
	seed(t, e, 100)
	return e
}

func TestQueryIndexedVsScanEquivalence(t *testing.T) {
	e := queryFixture(t)

	// gender is indexed, name is not; the same predicate must produce the
	// same result through either plan.
	indexed, err := e.Query("student").Where("gender").Equals("male").All()
	if err != nil {
		t.Fatalf("indexed query failed: %v", err)
	}
	scanned, err := e.Query("student").Where("name").Contains("").And().Where("gender").Equals("male").All()
	if err != nil {
		t.Fatalf("mixed query failed: %v", err)
	}
	if len(indexed) != len(scanned) {
		t.Errorf("plan mismatch: indexed %d, scanned %d", len(indexed), len(scanned))
	}
}

func TestQueryConjunction(t *testing.T) {
	e := queryFixture(t)

	results, err := e.Query("student").
		Where("age").Equals(18).
		And().Where("gender").Equals("male").
		All()
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	for _, s := range results {
		if s.Fields["age"] != int64(18) || s.Fields["gender"] != "male" {
			t.Errorf("entity %s escaped the conjunction: %v", s.ID, s.Fields)
		}
	}

	// Two indexed predicates intersect to the same set as a manual filter.
	all, _ := e.FindBy("student", "age", 18)
	manual := 0
	for _, s := range all {
		if s.Fields["gender"] == "male" {
			manual++
		}
	}
	if len(results) != manual {
		t.Errorf("expected %d results, got %d", manual, len(results))
	}
}

func TestQueryDisjunction(t *testing.T) {
	e := queryFixture(t)

	results, err := e.Query("student").
		Where("age").Equals(13).
		Or().Where("age").Equals(23).
		All()
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	a, _ := e.FindBy("student", "age", 13)
	b, _ := e.FindBy("student", "age", 23)
	if len(results) != len(a)+len(b) {
		t.Errorf("expected %d results, got %d", len(a)+len(b), len(results))
	}
}

func TestQueryRangeOperators(t *testing.T) {
	e := queryFixture(t)

	results, err := e.Query("student").Where("age").GTE(20).And().Where("age").LT(22).All()
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	for _, s := range results {
		age := s.Fields["age"].(int64)
		if age < 20 || age >= 22 {
			t.Errorf("age %d outside [20,22)", age)
		}
	}

	in, err := e.Query("student").Where("age").In(20, 21).All()
	if err != nil {
		t.Fatalf("in query failed: %v", err)
	}
	if len(in) != len(results) {
		t.Errorf("In(20,21) returned %d, range returned %d", len(in), len(results))
	}
}

func TestQueryContains(t *testing.T) {
	e := queryFixture(t)

	results, err := e.Query("student").Where("name").Contains("student-1").All()
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	// student-1 and student-10 through student-19
	if len(results) != 11 {
		t.Errorf("expected 11 matches, got %d", len(results))
	}
}

func TestQueryOrderLimitOffset(t *testing.T) {
	e := queryFixture(t)

	page, err := e.Query("student").
		OrderBy("age", Ascending).
		Offset(10).Limit(5).
		All()
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(page) != 5 {
		t.Fatalf("expected 5 results, got %d", len(page))
	}
	for i := 1; i < len(page); i++ {
		if page[i].Fields["age"].(int64) < page[i-1].Fields["age"].(int64) {
			t.Error("results not in ascending age order")
		}
	}

	desc, err := e.Query("student").OrderBy("age", Descending).Limit(1).All()
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if desc[0].Fields["age"] != int64(23) {
		t.Errorf("expected max age 23 first, got %v", desc[0].Fields["age"])
	}

	empty, err := e.Query("student").Offset(1000).All()
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("offset past the end returned %d results", len(empty))
	}
}

func TestQueryCount(t *testing.T) {
	e := queryFixture(t)

	n, err := e.Query("student").Count()
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 100 {
		t.Errorf("unfiltered count: expected 100, got %d", n)
	}

	n, err = e.Query("student").Where("gender").Equals("female").Count()
	if err != nil {
		t.Fatalf("filtered count failed: %v", err)
	}
	found, _ := e.FindBy("student", "gender", "female")
	if n != len(found) {
		t.Errorf("filtered count: expected %d, got %d", len(found), n)
	}
}

func TestQueryFirstNoMatch(t *testing.T) {
	e := queryFixture(t)

	first, err := e.Query("student").Where("age").Equals(99).First()
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if first != nil {
		t.Errorf("expected nil for no match, got %v", first)
	}
}

func TestQueryUnknownFieldFails(t *testing.T) {
	e := queryFixture(t)

	if _, err := e.Query("student").Where("nonexistent").Equals(1).All(); err == nil {
		t.Error("expected error for unknown field")
	}
	if _, err := e.Query("nonexistent").All(); err == nil {
		t.Error("expected error for unknown model")
	}
}
