package search

import (
	"context"
	"log"
	"strings"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
)

// Lister is the slice of the remote store the fallback scanner needs.
type Lister interface {
	ListAll(ctx context.Context, collection string) ([]entity.Entity, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// a store scan with substring matching.
type Service struct {
	meili       *Meili
	store       Lister
	collections []string
}

// NewService creates a search service. meili may be nil if Meilisearch
// is not configured; collections names the suite collections the
// fallback scans.
func NewService(meili *Meili, store Lister, collections []string) *Service {
	return &Service{meili: meili, store: store, collections: collections}
}

// Search tries Meilisearch if healthy, otherwise scans the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to store scan: %v", err)
	}

	results, total, err := s.scan(ctx, q)
	if err != nil {
		log.Printf("search: store scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// scan is the fallback: substring match over the caller's own
// non-deleted entities, same semantics as the engine's text filter.
func (s *Service) scan(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}

	collections := s.collections
	if q.Collection != "" {
		collections = []string{q.Collection}
	}

	var results []Result
	total := 0
	for _, col := range collections {
		entities, err := s.store.ListAll(ctx, col)
		if err != nil {
			return nil, 0, err
		}
		for _, e := range entities {
			if e.OwnerID != q.UserID || e.Deleted() {
				continue
			}
			if needle != "" && !strings.Contains(e.SearchText(), needle) {
				continue
			}
			total++
			if total <= q.Offset {
				continue
			}
			if len(results) < limit {
				results = append(results, Result{
					ID:         e.ID,
					Collection: col,
					Title:      e.Title,
					Snippet:    snippet(e.Body),
					SpaceID:    e.SpaceID,
				})
			}
		}
	}
	return results, total, nil
}

const snippetLength = 160

func snippet(body string) string {
	if len(body) <= snippetLength {
		return body
	}
	return body[:snippetLength] + "…"
}

// IndexEntity pushes an entity into the index, fire-and-forget.
func (s *Service) IndexEntity(collection string, e entity.Entity) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexRecord(RecordFromEntity(collection, e)); err != nil {
			log.Printf("search: index entity %s: %v", e.ID, err)
		}
	}()
}

// DeleteEntity removes an entity from the index, fire-and-forget.
func (s *Service) DeleteEntity(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRecord(id); err != nil {
			log.Printf("search: delete entity %s: %v", id, err)
		}
	}()
}

// Reindex bulk-indexes every collection, used at bootstrap.
func (s *Service) Reindex(ctx context.Context) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	for _, col := range s.collections {
		entities, err := s.store.ListAll(ctx, col)
		if err != nil {
			return err
		}
		records := make([]Record, 0, len(entities))
		for _, e := range entities {
			records = append(records, RecordFromEntity(col, e))
		}
		if err := s.meili.IndexRecords(records); err != nil {
			return err
		}
	}
	return nil
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
