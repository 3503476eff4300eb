package ids

import (
	"strings"
	"testing"
)

func TestNewCarriesPrefix(t *testing.T) {
	id := New("seg-")
	if !strings.HasPrefix(id, "seg-") {
		t.Errorf("New(seg-) = %q, want seg- prefix", id)
	}
	if len(id) != len("seg-")+32 {
		t.Errorf("New(seg-) = %q, want 16 random bytes hex-encoded", id)
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		for _, id := range []string{New("det-"), NewSession()} {
			if seen[id] {
				t.Fatalf("duplicate id %q", id)
			}
			seen[id] = true
		}
	}
}
