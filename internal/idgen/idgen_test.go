package idgen

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("wh_")
	if !strings.HasPrefix(id, "wh_") {
		t.Errorf("missing prefix: %q", id)
	}
	if len(id) != len("wh_")+24 {
		t.Errorf("length: got %d, want %d", len(id), len("wh_")+24)
	}
	if _, err := hex.DecodeString(strings.TrimPrefix(id, "wh_")); err != nil {
		t.Errorf("suffix is not hex: %q", id)
	}
}

func TestHexLengthAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := Hex(32)
		if len(s) != 64 {
			t.Fatalf("length: got %d, want 64", len(s))
		}
		if seen[s] {
			t.Fatal("duplicate secret generated")
		}
		seen[s] = true
	}
}
