package requestid

import "testing"

func TestNew_LengthAndUniqueness(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if len(a) != 32 {
		t.Fatalf("len=%d, want 32", len(a))
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if a == b {
		t.Fatalf("expected distinct ids")
	}
}
