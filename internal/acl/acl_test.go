package acl

import "testing"

func TestValidateName(t *testing.T) {
	t.Parallel()
	if err := ValidateName(""); err != ErrNameRequired {
		t.Errorf("ValidateName(\"\") = %v, want %v", err, ErrNameRequired)
	}
	if err := ValidateName("allow-ssh"); err != nil {
		t.Errorf("ValidateName() error = %v, want nil", err)
	}
}

func TestDedupeStrings(t *testing.T) {
	t.Parallel()
	got := dedupeStrings([]string{"b", "a", "b", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("dedupeStrings() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dedupeStrings()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDedupeStringsEmpty(t *testing.T) {
	t.Parallel()
	if got := dedupeStrings(nil); got != nil {
		t.Errorf("dedupeStrings(nil) = %v, want nil", got)
	}
}

func TestDedupeProtocols(t *testing.T) {
	t.Parallel()
	got := dedupeProtocols([]Protocol{ProtocolUDP, ProtocolTCP, ProtocolUDP, ProtocolICMP})
	want := []Protocol{ProtocolICMP, ProtocolTCP, ProtocolUDP}
	if len(got) != len(want) {
		t.Fatalf("dedupeProtocols() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dedupeProtocols()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
