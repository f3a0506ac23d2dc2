package engine

import "github.com/ainexllc/ainexsuite-sub009/internal/entity"

// merge combines the owned, shared and optimistic partitions into one
// logical collection keyed by id. Insertion order is owned, then
// shared, then optimistic, so later partitions win id collisions while
// keeping the first occurrence's position. The inputs are not mutated;
// output order is the insertion order of the underlying map, not
// sorted.
func merge(owned, shared, optimistic []entity.Entity) []entity.Entity {
	out := make([]entity.Entity, 0, len(owned)+len(shared)+len(optimistic))
	index := make(map[string]int, cap(out))

	insert := func(e entity.Entity) {
		e = e.Normalized()
		if at, ok := index[e.ID]; ok {
			out[at] = e
			return
		}
		index[e.ID] = len(out)
		out = append(out, e)
	}

	for _, e := range owned {
		insert(e)
	}
	for _, e := range shared {
		insert(e)
	}
	for _, e := range optimistic {
		insert(e)
	}
	return out
}

// dropSuppressed removes entities whose ids are optimistically hidden
// by a pending delete. Survivor order is preserved.
func dropSuppressed(list []entity.Entity, suppressed map[string]struct{}) []entity.Entity {
	if len(suppressed) == 0 {
		return list
	}
	out := make([]entity.Entity, 0, len(list))
	for _, e := range list {
		if _, hidden := suppressed[e.ID]; hidden {
			continue
		}
		out = append(out, e)
	}
	return out
}
