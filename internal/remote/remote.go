// Package remote abstracts the hosted document store the view engine
// reads from and writes to. Backends deliver full-collection snapshots
// per partition over a live subscription; they never deliver deltas.
package remote

import (
	"context"
	"errors"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
)

// Partition selects one of the two independently-subscribed subsets of
// a collection.
type Partition int

const (
	// PartitionOwned holds entities created by the user.
	PartitionOwned Partition = iota
	// PartitionShared holds entities owned by someone else but visible
	// through a space the user is a member of.
	PartitionShared
)

func (p Partition) String() string {
	if p == PartitionShared {
		return "shared"
	}
	return "owned"
}

// ErrNotFound is returned by mutations against an unknown entity or
// space id.
var ErrNotFound = errors.New("remote: not found")

// SnapshotFunc receives the complete current set of matching entities.
// It is invoked once shortly after subscribing and again on every
// change until the subscription is cancelled.
type SnapshotFunc func([]entity.Entity)

// ErrorFunc is invoked at most once if the subscription fails; after it
// fires no further snapshots are delivered.
type ErrorFunc func(error)

// Store is the remote collection store. Subscribe returns a cancel
// function that must be called on teardown; after cancel returns, no
// further callbacks fire.
type Store interface {
	Subscribe(ctx context.Context, collection, userID string, p Partition, onSnapshot SnapshotFunc, onError ErrorFunc) (func(), error)

	Create(ctx context.Context, collection string, e entity.Entity) (string, error)
	Get(ctx context.Context, collection, id string) (entity.Entity, error)
	Update(ctx context.Context, collection, id string, patch entity.Patch) error
	SoftDelete(ctx context.Context, collection, id string) error
	Restore(ctx context.Context, collection, id string) error
	HardDelete(ctx context.Context, collection, id string) error
	SetPinned(ctx context.Context, collection, id string, pinned bool) error
	SetArchived(ctx context.Context, collection, id string, archived bool) error

	// ListAll returns every entity in the collection, including soft-
	// deleted ones. Used by the search fallback and bootstrap indexing.
	ListAll(ctx context.Context, collection string) ([]entity.Entity, error)

	CreateSpace(ctx context.Context, s entity.Space) (string, error)
	ListSpaces(ctx context.Context, userID string) ([]entity.Space, error)
	UpdateSpace(ctx context.Context, s entity.Space) error
	DeleteSpace(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}
