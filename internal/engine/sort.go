package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
)

// splitPinned separates pinned entities from the rest, preserving
// relative order within each group.
func splitPinned(list []entity.Entity) (pinned, others []entity.Entity) {
	pinned = make([]entity.Entity, 0)
	others = make([]entity.Entity, 0, len(list))
	for _, e := range list {
		if e.Pinned {
			pinned = append(pinned, e)
		} else {
			others = append(others, e)
		}
	}
	return pinned, others
}

// sortOthers orders non-pinned entities by the caller-selected field
// and direction. The sort is stable so merge-stage insertion order
// breaks ties.
func sortOthers(list []entity.Entity, cfg entity.SortConfig) {
	sort.SliceStable(list, func(i, j int) bool {
		return compareEntities(list[i], list[j], cfg) < 0
	})
}

// sortPinned applies the fixed pinned policy regardless of the user's
// chosen sort: priority rank ascending, then CreatedAt descending,
// then UpdatedAt descending.
func sortPinned(list []entity.Entity) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
}

// sortTrashed orders the trash view by deletion time, newest first.
func sortTrashed(list []entity.Entity) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].DeletedAt, list[j].DeletedAt
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
}

func compareEntities(a, b entity.Entity, cfg entity.SortConfig) int {
	var cmp int
	switch cfg.Field {
	case entity.SortByTitle:
		cmp = strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
	case entity.SortByCreatedAt:
		cmp = compareTimes(a.CreatedAt, b.CreatedAt)
	default:
		cmp = compareTimes(a.UpdatedAt, b.UpdatedAt)
	}
	if cfg.Direction == entity.SortDesc {
		cmp = -cmp
	}
	return cmp
}

func compareTimes(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	default:
		return 0
	}
}
