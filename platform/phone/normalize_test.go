package phone

import "testing"

func TestParseE164(t *testing.T) {
	got, ok := ParseE164("06 12345678")
	if !ok || got != "+31612345678" {
		t.Fatalf("expected +31612345678, got %q (%v)", got, ok)
	}
	if _, ok := ParseE164("driver@example.com"); ok {
		t.Fatalf("expected an email address to be rejected")
	}
	if NormalizeE164("  not a number ") != "not a number" {
		t.Fatalf("expected trimmed fallback")
	}
}
