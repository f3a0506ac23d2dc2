package engine

import (
	"testing"
	"time"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
)

func TestFilterArchivedExcludedEverywhere(t *testing.T) {
	now := time.Now()
	archived := ent("a", now)
	archived.Archived = true
	deletedArchived := ent("b", now)
	deletedArchived.Archived = true
	deletedArchived.DeletedAt = &now

	list := []entity.Entity{archived, deletedArchived, ent("c", now)}
	if got := ids(filterEntities(list, entity.FilterState{}, "", false)); !sameIDs(got, "c") {
		t.Fatalf("active view: %v", got)
	}
	// Archived entities never surface, not even in the trash.
	if got := filterEntities(list, entity.FilterState{}, "", true); len(got) != 0 {
		t.Fatalf("trash view should be empty, got %v", ids(got))
	}
}

func TestFilterTrashInverts(t *testing.T) {
	now := time.Now()
	deleted := ent("gone", now)
	deleted.DeletedAt = &now
	list := []entity.Entity{ent("kept", now), deleted}

	if got := ids(filterEntities(list, entity.FilterState{}, "", false)); !sameIDs(got, "kept") {
		t.Fatalf("active view: %v", got)
	}
	if got := ids(filterEntities(list, entity.FilterState{}, "", true)); !sameIDs(got, "gone") {
		t.Fatalf("trash view: %v", got)
	}
}

func TestFilterSpaceScope(t *testing.T) {
	now := time.Now()
	personal := ent("p", now)
	inSpace := ent("s", now)
	inSpace.SpaceID = "space-1"
	other := ent("o", now)
	other.SpaceID = "space-2"
	list := []entity.Entity{personal, inSpace, other}

	// Empty space id means the implicit personal space.
	if got := ids(filterEntities(list, entity.FilterState{}, "", false)); !sameIDs(got, "p") {
		t.Fatalf("personal scope: %v", got)
	}
	if got := ids(filterEntities(list, entity.FilterState{}, "space-1", false)); !sameIDs(got, "s") {
		t.Fatalf("space scope: %v", got)
	}
}

func TestFilterLabelsMatchAny(t *testing.T) {
	now := time.Now()
	a := ent("a", now)
	a.Labels = []string{"work"}
	b := ent("b", now)
	b.Labels = []string{"home", "urgent"}
	c := ent("c", now)

	fs := entity.FilterState{Labels: []string{"work", "urgent"}}
	got := ids(filterEntities([]entity.Entity{a, b, c}, fs, "", false))
	if !sameIDs(got, "a", "b") {
		t.Fatalf("label OR filter: %v", got)
	}
}

func TestFilterColors(t *testing.T) {
	now := time.Now()
	a := ent("a", now)
	a.Color = entity.ColorRed
	b := ent("b", now)
	b.Color = entity.ColorBlue

	fs := entity.FilterState{Colors: []entity.Color{entity.ColorBlue}}
	got := ids(filterEntities([]entity.Entity{a, b}, fs, "", false))
	if !sameIDs(got, "b") {
		t.Fatalf("color filter: %v", got)
	}
}

func TestFilterDateRangeInclusive(t *testing.T) {
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a := ent("a", day)
	b := ent("b", day.AddDate(0, 0, -5))

	from := day
	fs := entity.FilterState{Dates: entity.DateRange{Field: entity.DateFieldCreated, From: &from}}
	got := ids(filterEntities([]entity.Entity{a, b}, fs, "", false))
	if !sameIDs(got, "a") {
		t.Fatalf("date range: %v", got)
	}

	// Boundary timestamps are included.
	to := day
	fs = entity.FilterState{Dates: entity.DateRange{From: &from, To: &to}}
	got = ids(filterEntities([]entity.Entity{a}, fs, "", false))
	if !sameIDs(got, "a") {
		t.Fatalf("inclusive bounds: %v", got)
	}
}

func TestFilterQueryMinimumLength(t *testing.T) {
	now := time.Now()
	a := ent("a", now)
	a.Title = "Groceries"
	b := ent("b", now)
	b.Title = "Workout plan"
	list := []entity.Entity{a, b}

	// Single-character queries are treated as no filter.
	fs := entity.FilterState{Query: "g"}
	if got := filterEntities(list, fs, "", false); len(got) != 2 {
		t.Fatalf("1-char query should match everything, got %v", ids(got))
	}

	fs = entity.FilterState{Query: "gr"}
	if got := ids(filterEntities(list, fs, "", false)); !sameIDs(got, "a") {
		t.Fatalf("2-char query: %v", got)
	}
}

func TestFilterQueryMatchesLabelsAndMood(t *testing.T) {
	now := time.Now()
	a := ent("a", now)
	a.Labels = []string{"fitness"}
	b := ent("b", now)
	b.Mood = "grateful"
	c := ent("c", now)

	list := []entity.Entity{a, b, c}
	if got := ids(filterEntities(list, entity.FilterState{Query: "FITNESS"}, "", false)); !sameIDs(got, "a") {
		t.Fatalf("label haystack: %v", got)
	}
	if got := ids(filterEntities(list, entity.FilterState{Query: "grate"}, "", false)); !sameIDs(got, "b") {
		t.Fatalf("mood haystack: %v", got)
	}
}

// The pipeline is an AND over every stage, so the outcome is the same
// set no matter how the predicates would be ordered.
func TestFilterStagesCompose(t *testing.T) {
	now := time.Now()
	match := ent("match", now)
	match.Labels = []string{"work"}
	match.Color = entity.ColorGreen
	match.Title = "Quarterly report"

	wrongColor := match
	wrongColor.ID = "wrong-color"
	wrongColor.Color = entity.ColorRed

	wrongText := match
	wrongText.ID = "wrong-text"
	wrongText.Title = "Unrelated"

	fs := entity.FilterState{
		Query:  "quarterly",
		Labels: []string{"work"},
		Colors: []entity.Color{entity.ColorGreen},
	}
	got := ids(filterEntities([]entity.Entity{match, wrongColor, wrongText}, fs, "", false))
	if !sameIDs(got, "match") {
		t.Fatalf("composed filters: %v", got)
	}
}
