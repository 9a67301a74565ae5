package ids

import "testing"

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
	if a >= b {
		t.Fatalf("expected monotonic ids: %s >= %s", a, b)
	}
	if len(a) != 26 {
		t.Fatalf("unexpected id length %d", len(a))
	}
}

func TestSecretLength(t *testing.T) {
	s, err := Secret(32)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	// 32 bytes -> 43 base64url characters without padding.
	if len(s) != 43 {
		t.Fatalf("unexpected secret length %d", len(s))
	}
	other, _ := Secret(32)
	if s == other {
		t.Fatal("expected distinct secrets")
	}
}
