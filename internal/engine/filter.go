package engine

import (
	"strings"
	"unicode/utf8"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
)

// minQueryLength is the shortest free-text query that filters anything;
// shorter input over-matches and is treated as no filter.
const minQueryLength = 2

// filterEntities applies the predicate stages in their fixed order:
// archived, trash/soft-delete, space scope, labels, colors, date range,
// then free-text search. An entity failing any stage is excluded;
// survivors keep their input order. When trash is true the soft-delete
// stage inverts: only deleted entities pass.
func filterEntities(list []entity.Entity, fs entity.FilterState, spaceID string, trash bool) []entity.Entity {
	query := normalizeQuery(fs.Query)

	out := make([]entity.Entity, 0, len(list))
	for _, e := range list {
		if e.Archived {
			continue
		}
		if trash != e.Deleted() {
			continue
		}
		if !inSpace(e, spaceID) {
			continue
		}
		if len(fs.Labels) > 0 && !e.HasLabel(fs.Labels) {
			continue
		}
		if len(fs.Colors) > 0 && !colorMatch(e.Color, fs.Colors) {
			continue
		}
		if fs.Dates.Active() && !fs.Dates.Contains(e) {
			continue
		}
		if query != "" && !strings.Contains(e.SearchText(), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// inSpace applies the space scope: the personal space (empty id) holds
// only entities with no space, any other space requires an exact match.
func inSpace(e entity.Entity, spaceID string) bool {
	if spaceID == "" {
		return e.SpaceID == ""
	}
	return e.SpaceID == spaceID
}

func colorMatch(c entity.Color, colors []entity.Color) bool {
	for _, want := range colors {
		if c == want {
			return true
		}
	}
	return false
}

// normalizeQuery lowercases the query and blanks it below the minimum
// length so it acts as a no-op filter.
func normalizeQuery(q string) string {
	q = strings.TrimSpace(q)
	if utf8.RuneCountInString(q) < minQueryLength {
		return ""
	}
	return strings.ToLower(q)
}
