package engine

import (
	"testing"
	"time"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
)

func ent(id string, created time.Time) entity.Entity {
	return entity.Entity{ID: id, CreatedAt: created, UpdatedAt: created}
}

func ids(list []entity.Entity) []string {
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, e.ID)
	}
	return out
}

func sameIDs(a []string, b ...string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMergeKeepsInsertionOrder(t *testing.T) {
	now := time.Now()
	owned := []entity.Entity{ent("a", now), ent("b", now)}
	shared := []entity.Entity{ent("c", now)}
	optimistic := []entity.Entity{ent("d", now)}

	got := ids(merge(owned, shared, optimistic))
	if !sameIDs(got, "a", "b", "c", "d") {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestMergeCollisionLaterPartitionWins(t *testing.T) {
	now := time.Now()
	ownedCopy := ent("a", now)
	ownedCopy.Title = "stale"
	sharedCopy := ent("a", now)
	sharedCopy.Title = "fresh"

	merged := merge([]entity.Entity{ownedCopy, ent("b", now)}, []entity.Entity{sharedCopy}, nil)
	if len(merged) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(merged))
	}
	// The collision keeps the first occurrence's position but the
	// later partition's value.
	if merged[0].ID != "a" || merged[0].Title != "fresh" {
		t.Fatalf("collision not resolved in place: %+v", merged[0])
	}
}

func TestMergeIdempotent(t *testing.T) {
	now := time.Now()
	owned := []entity.Entity{ent("a", now), ent("b", now)}
	shared := []entity.Entity{ent("b", now), ent("c", now)}

	first := merge(owned, shared, nil)
	second := merge(owned, shared, nil)
	if !sameIDs(ids(first), ids(second)...) {
		t.Fatalf("merge not deterministic: %v vs %v", ids(first), ids(second))
	}

	seen := map[string]bool{}
	for _, e := range first {
		if seen[e.ID] {
			t.Fatalf("duplicate id %s in merge output", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestMergeNormalizes(t *testing.T) {
	e := entity.Entity{ID: "a", CreatedAt: time.Now(), Priority: "urgent!!"}
	merged := merge([]entity.Entity{e}, nil, nil)
	if merged[0].UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not defaulted from CreatedAt")
	}
	if merged[0].Priority != entity.PriorityNone {
		t.Fatalf("invalid priority not coerced: %q", merged[0].Priority)
	}
	if merged[0].Labels == nil {
		t.Fatal("labels not defaulted to empty slice")
	}
}

func TestDropSuppressed(t *testing.T) {
	now := time.Now()
	list := []entity.Entity{ent("a", now), ent("b", now), ent("c", now)}

	got := dropSuppressed(list, map[string]struct{}{"b": {}})
	if !sameIDs(ids(got), "a", "c") {
		t.Fatalf("unexpected survivors: %v", ids(got))
	}

	same := dropSuppressed(list, nil)
	if len(same) != 3 {
		t.Fatalf("empty suppression set should be a no-op, got %d", len(same))
	}
}
