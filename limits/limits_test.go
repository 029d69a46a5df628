package limits

import "testing"

func TestTakeGiveRoundtrip(t *testing.T) {
	a := NewAtomic(2)
	if !a.Take() {
		t.Fatalf("expected first Take to succeed")
	}
	if !a.Take() {
		t.Fatalf("expected second Take to succeed")
	}
	if a.Take() {
		t.Fatalf("expected third Take to fail and roll back")
	}
	if a.Value() != 0 {
		t.Fatalf("expected budget 0 after failed Take rolls back, got %d", a.Value())
	}
	a.Give()
	if a.Value() != 1 {
		t.Fatalf("expected budget 1 after Give, got %d", a.Value())
	}
}

func TestTakenGivenWithN(t *testing.T) {
	a := NewAtomic(10)
	if !a.Taken(7) {
		t.Fatalf("expected Taken(7) to succeed")
	}
	if a.Taken(5) {
		t.Fatalf("expected Taken(5) to fail with only 3 remaining")
	}
	if a.Value() != 3 {
		t.Fatalf("expected 3 remaining, got %d", a.Value())
	}
	a.Given(5)
	if a.Value() != 8 {
		t.Fatalf("expected 8 after Given(5), got %d", a.Value())
	}
}
