package app

import (
	"context"
	"log"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
	"github.com/ainexllc/ainexsuite-sub009/internal/remote"
	"github.com/ainexllc/ainexsuite-sub009/internal/search"
)

// indexedStore keeps the search mirror in step with the remote store.
// Writes go to the store first; indexing follows only on success and is
// fire-and-forget, so a search outage never blocks a mutation.
type indexedStore struct {
	remote.Store
	search *search.Service
}

func (s indexedStore) Create(ctx context.Context, collection string, e entity.Entity) (string, error) {
	id, err := s.Store.Create(ctx, collection, e)
	if err != nil {
		return "", err
	}
	e.ID = id
	s.search.IndexEntity(collection, e.Normalized())
	return id, nil
}

func (s indexedStore) Update(ctx context.Context, collection, id string, patch entity.Patch) error {
	if err := s.Store.Update(ctx, collection, id, patch); err != nil {
		return err
	}
	s.reindex(ctx, collection, id)
	return nil
}

func (s indexedStore) SoftDelete(ctx context.Context, collection, id string) error {
	if err := s.Store.SoftDelete(ctx, collection, id); err != nil {
		return err
	}
	s.reindex(ctx, collection, id)
	return nil
}

func (s indexedStore) Restore(ctx context.Context, collection, id string) error {
	if err := s.Store.Restore(ctx, collection, id); err != nil {
		return err
	}
	s.reindex(ctx, collection, id)
	return nil
}

func (s indexedStore) HardDelete(ctx context.Context, collection, id string) error {
	if err := s.Store.HardDelete(ctx, collection, id); err != nil {
		return err
	}
	s.search.DeleteEntity(id)
	return nil
}

func (s indexedStore) SetPinned(ctx context.Context, collection, id string, pinned bool) error {
	if err := s.Store.SetPinned(ctx, collection, id, pinned); err != nil {
		return err
	}
	s.reindex(ctx, collection, id)
	return nil
}

func (s indexedStore) SetArchived(ctx context.Context, collection, id string, archived bool) error {
	if err := s.Store.SetArchived(ctx, collection, id, archived); err != nil {
		return err
	}
	s.reindex(ctx, collection, id)
	return nil
}

// reindex reads the post-write state so the mirror carries the same
// fields a later snapshot would.
func (s indexedStore) reindex(ctx context.Context, collection, id string) {
	e, err := s.Store.Get(ctx, collection, id)
	if err != nil {
		log.Printf("index: read back %s/%s: %v", collection, id, err)
		return
	}
	s.search.IndexEntity(collection, e)
}

var _ remote.Store = indexedStore{}
