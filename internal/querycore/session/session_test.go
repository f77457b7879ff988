package session

import "testing"

func TestSessionProperty(t *testing.T) {
	s := Session{Properties: map[string]string{"join_distribution_type": "broadcast"}}

	v, ok := s.Property("join_distribution_type")
	if !ok || v != "broadcast" {
		t.Errorf("Property() = (%q, %v), want (broadcast, true)", v, ok)
	}

	if _, ok := s.Property("missing"); ok {
		t.Error("Property() for missing key should return ok=false")
	}
}

func TestIdGeneratorUnique(t *testing.T) {
	g := NewIdGenerator()
	seen := make(map[QueryId]bool)
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if seen[id] {
			t.Fatalf("duplicate QueryId generated: %s", id)
		}
		seen[id] = true
	}
}

func TestIdGeneratorDistinctInstances(t *testing.T) {
	g1 := NewIdGenerator()
	g2 := NewIdGenerator()

	if g1.Next() == g2.Next() {
		t.Error("two generators produced the same id on their first call")
	}
}
