package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("sess")
	if !strings.HasPrefix(id, "sess_") {
		t.Fatalf("id = %q", id)
	}
	if id == NewID("sess") {
		t.Fatal("ids collide")
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatal("unprefixed id carries separator")
	}
}

func TestOptimisticIDs(t *testing.T) {
	id := NewOptimisticID()
	if !IsOptimisticID(id) {
		t.Fatalf("id = %q", id)
	}
	if IsOptimisticID(NewID("ent")) {
		t.Fatal("store id flagged optimistic")
	}
}
