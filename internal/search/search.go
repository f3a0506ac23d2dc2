package search

import "github.com/ainexllc/ainexsuite-sub009/internal/entity"

// Record is the flattened representation of an entity pushed into the
// search index.
type Record struct {
	ID         string   `json:"id"`
	Collection string   `json:"collection"`
	OwnerID    string   `json:"ownerId"`
	SpaceID    string   `json:"spaceId"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Labels     []string `json:"labels"`
	Deleted    bool     `json:"deleted"`
}

// RecordFromEntity flattens an entity for indexing.
func RecordFromEntity(collection string, e entity.Entity) Record {
	return Record{
		ID:         e.ID,
		Collection: collection,
		OwnerID:    e.OwnerID,
		SpaceID:    e.SpaceID,
		Title:      e.Title,
		Body:       e.Body,
		Labels:     e.Labels,
		Deleted:    e.Deleted(),
	}
}

// Query describes a cross-collection search request. UserID scopes
// results to the caller's own entities.
type Query struct {
	Text       string
	Collection string // empty = all collections
	UserID     string
	Limit      int
	Offset     int
}

// Result is a single search hit.
type Result struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	SpaceID    string `json:"spaceId,omitempty"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entity records into a search index.
type Indexer interface {
	IndexRecord(rec Record) error
	DeleteRecord(id string) error
}
