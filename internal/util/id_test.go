package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIDUsesPrefix(t *testing.T) {
	id := NewID("node")
	if !strings.HasPrefix(id, "node_") || len(id) != len("node_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("node") == id {
		t.Fatal("expected unique ids")
	}
	if bare := NewID(""); strings.Contains(bare, "_") || len(bare) != 32 {
		t.Fatalf("unexpected bare id %q", bare)
	}
}

func TestNewSessionIDIsUUID(t *testing.T) {
	if _, err := uuid.Parse(NewSessionID()); err != nil {
		t.Fatalf("expected uuid: %v", err)
	}
}
