package util

import (
	"strings"
	"testing"
)

func TestNewIDUniqueUnderBurst(t *testing.T) {
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := NewID("cmt")
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s after %d ids", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestNewIDPrefix(t *testing.T) {
	if id := NewID("cmt"); !strings.HasPrefix(id, "cmt_") {
		t.Fatalf("expected cmt_ prefix, got %q", id)
	}
	if id := NewID(""); strings.Contains(id, "_") {
		t.Fatalf("expected bare uuid, got %q", id)
	}
}

func TestNewIDSortsByCreation(t *testing.T) {
	first := NewID("")
	second := NewID("")
	if !(first < second) {
		t.Fatalf("expected %s < %s", first, second)
	}
}
