// Package entity defines the document model shared by every AinexSuite
// collection (notes, journal entries, moments, workflows, habits, todos).
// Entity-specific content lives in the opaque Payload; the view engine
// only interprets the common fields declared here.
package entity

import (
	"encoding/json"
	"strings"
	"time"
)

// Priority ranks pinned entities. Lower rank sorts first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
	PriorityNone   Priority = ""
)

// Rank maps a priority to its sort position: high=1 ... none=4.
// Unknown values rank with none.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Color is the closed palette entities can be tagged with.
type Color string

const (
	ColorRed    Color = "red"
	ColorOrange Color = "orange"
	ColorYellow Color = "yellow"
	ColorGreen  Color = "green"
	ColorBlue   Color = "blue"
	ColorPurple Color = "purple"
	ColorPink   Color = "pink"
	ColorGray   Color = "gray"
)

// Entity is one document in a collection. An empty SpaceID means the
// implicit personal space.
type Entity struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"ownerId"`
	SpaceID   string          `json:"spaceId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	DeletedAt *time.Time      `json:"deletedAt,omitempty"`
	Pinned    bool            `json:"pinned"`
	Archived  bool            `json:"archived"`
	Priority  Priority        `json:"priority,omitempty"`
	Labels    []string        `json:"labels,omitempty"`
	Color     Color           `json:"color,omitempty"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Mood      string          `json:"mood,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Normalized fills documented defaults for fields a remote document may
// be missing, so that downstream sort/filter code never has to guard.
func (e Entity) Normalized() Entity {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if e.Labels == nil {
		e.Labels = []string{}
	}
	switch e.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		e.Priority = PriorityNone
	}
	return e
}

// Deleted reports whether the entity is in the trash.
func (e Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// SearchText is the lowercase haystack free-text search matches against.
func (e Entity) SearchText() string {
	parts := make([]string, 0, 3+len(e.Labels))
	parts = append(parts, e.Title, e.Body, e.Mood)
	parts = append(parts, e.Labels...)
	return strings.ToLower(strings.Join(parts, " "))
}

// HasLabel reports whether the entity carries any of the given labels.
func (e Entity) HasLabel(labels []string) bool {
	for _, want := range labels {
		for _, have := range e.Labels {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Title    *string          `json:"title,omitempty"`
	Body     *string          `json:"body,omitempty"`
	Mood     *string          `json:"mood,omitempty"`
	Labels   *[]string        `json:"labels,omitempty"`
	Color    *Color           `json:"color,omitempty"`
	Priority *Priority        `json:"priority,omitempty"`
	SpaceID  *string          `json:"spaceId,omitempty"`
	Payload  *json.RawMessage `json:"payload,omitempty"`
}

// Apply copies the patch's set fields onto the entity and stamps
// UpdatedAt.
func (p Patch) Apply(e Entity, now time.Time) Entity {
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.Body != nil {
		e.Body = *p.Body
	}
	if p.Mood != nil {
		e.Mood = *p.Mood
	}
	if p.Labels != nil {
		e.Labels = append([]string(nil), (*p.Labels)...)
	}
	if p.Color != nil {
		e.Color = *p.Color
	}
	if p.Priority != nil {
		e.Priority = *p.Priority
	}
	if p.SpaceID != nil {
		e.SpaceID = *p.SpaceID
	}
	if p.Payload != nil {
		e.Payload = *p.Payload
	}
	e.UpdatedAt = now
	return e
}

// SpaceType enumerates the kinds of spaces the suite offers.
type SpaceType string

const (
	SpacePersonal SpaceType = "personal"
	SpaceFamily   SpaceType = "family"
	SpaceWork     SpaceType = "work"
	SpaceCouple   SpaceType = "couple"
	SpaceBuddy    SpaceType = "buddy"
	SpaceSquad    SpaceType = "squad"
	SpaceProject  SpaceType = "project"
)

// Space is a tenant-like grouping. The engine treats its id purely as a
// partition key.
type Space struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       SpaceType `json:"type"`
	OwnerID    string    `json:"ownerId"`
	MemberUIDs []string  `json:"memberUids"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// HasMember reports whether uid belongs to the space.
func (s Space) HasMember(uid string) bool {
	if s.OwnerID == uid {
		return true
	}
	for _, m := range s.MemberUIDs {
		if m == uid {
			return true
		}
	}
	return false
}

// DateField selects which timestamp a date-range filter applies to.
type DateField string

const (
	DateFieldCreated DateField = "createdAt"
	DateFieldUpdated DateField = "updatedAt"
)

// DateRange filters on a selectable date field with inclusive bounds.
// A nil bound is unconstrained on that side.
type DateRange struct {
	Field DateField  `json:"field,omitempty"`
	From  *time.Time `json:"from,omitempty"`
	To    *time.Time `json:"to,omitempty"`
}

// Active reports whether the range constrains anything.
func (r DateRange) Active() bool {
	return r.From != nil || r.To != nil
}

// Contains reports whether the entity's selected date field falls within
// the range, bounds inclusive.
func (r DateRange) Contains(e Entity) bool {
	at := e.CreatedAt
	if r.Field == DateFieldUpdated {
		at = e.UpdatedAt
	}
	if r.From != nil && at.Before(*r.From) {
		return false
	}
	if r.To != nil && at.After(*r.To) {
		return false
	}
	return true
}

// SortField selects the comparator for non-pinned entities.
type SortField string

const (
	SortByUpdatedAt SortField = "updatedAt"
	SortByCreatedAt SortField = "createdAt"
	SortByTitle     SortField = "title"
)

type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

type SortConfig struct {
	Field     SortField     `json:"field"`
	Direction SortDirection `json:"direction"`
}

// DefaultSort is most-recently-edited first.
func DefaultSort() SortConfig {
	return SortConfig{Field: SortByUpdatedAt, Direction: SortDesc}
}

// FilterState is the full set of user-controlled predicates applied by
// the filter pipeline.
type FilterState struct {
	Query  string    `json:"query,omitempty"`
	Labels []string  `json:"labels,omitempty"`
	Colors []Color   `json:"colors,omitempty"`
	Dates  DateRange `json:"dates,omitempty"`
}
