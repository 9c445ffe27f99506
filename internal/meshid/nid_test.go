package meshid

import "testing"

func TestParseRoundTrip(t *testing.T) {
	n := New()
	parsed, err := Parse(n.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != n {
		t.Fatalf("round trip mismatch: got %v want %v", parsed, n)
	}
}

func TestBroadcastIsDistinguished(t *testing.T) {
	if !Broadcast.IsBroadcast() {
		t.Fatal("Broadcast.IsBroadcast() = false")
	}
	n := New()
	if n.IsBroadcast() {
		t.Fatal("random NID reported as broadcast")
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error for invalid uuid text")
	}
}

func TestFromBytesPanicsOnWrongLength(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for short byte slice")
		}
	}()
	FromBytes([]byte{1, 2, 3})
}
