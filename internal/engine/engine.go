// Package engine implements the collection view engine: it subscribes
// to the owned and shared partitions of a remote collection, folds in
// an optimistic write buffer, and derives a filtered, sorted, windowed
// view plus dashboard stats for the presentation layer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
	"github.com/ainexllc/ainexsuite-sub009/internal/remote"
	"github.com/ainexllc/ainexsuite-sub009/internal/util"
)

// ErrPendingWrite is returned when a mutation targets an entity whose
// creation has not been confirmed by the remote store yet.
var ErrPendingWrite = errors.New("engine: write still pending")

// loadMoreDelay is the minimum latency of a LoadMore call so the UI can
// show a loading affordance.
const loadMoreDelay = 150 * time.Millisecond

// Notifier receives user-visible notices for failed mutations. Each
// failure produces exactly one notice.
type Notifier interface {
	Notify(kind, message string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(kind, message string)

func (f NotifierFunc) Notify(kind, message string) { f(kind, message) }

// Config describes one engine instance. An engine serves a single
// user and collection; SpaceID scopes the view and can be switched at
// runtime.
type Config struct {
	Collection         string
	UserID             string
	SpaceID            string
	PageSize           int
	InitialLoadTimeout time.Duration
	MutationTimeout    time.Duration
	Now                func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.InitialLoadTimeout <= 0 {
		c.InitialLoadTimeout = 10 * time.Second
	}
	if c.MutationTimeout <= 0 {
		c.MutationTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// CreateInput is the caller-supplied portion of a new entity.
type CreateInput struct {
	SpaceID  string          `json:"spaceId,omitempty"`
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Mood     string          `json:"mood,omitempty"`
	Labels   []string        `json:"labels,omitempty"`
	Color    entity.Color    `json:"color,omitempty"`
	Priority entity.Priority `json:"priority,omitempty"`
	Pinned   bool            `json:"pinned,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Engine owns the merged collection, filter state, sort state and
// pagination cursor for one user/collection pair. All state is guarded
// by mu; subscribers receive a fresh View after every change.
type Engine struct {
	cfg      Config
	store    remote.Store
	notifier Notifier

	mu           sync.Mutex
	generation   uint64
	snapshotSeq  uint64
	owned        []entity.Entity
	shared       []entity.Entity
	ownedLoaded  bool
	sharedLoaded bool
	buffer       *writeBuffer
	filters      entity.FilterState
	sortCfg      entity.SortConfig
	spaceID      string
	displayLimit int
	windowEpoch  uint64
	loadingMore  bool
	cancels      []func()
	loadTimer    *time.Timer
	subs         map[uint64]chan View
	nextSub      uint64
	closed       bool
}

// New constructs an engine. Call Start to begin subscribing and Close
// to tear it down. notifier may be nil, in which case failures are
// only logged.
func New(store remote.Store, notifier Notifier, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:          cfg,
		store:        store,
		notifier:     notifier,
		buffer:       newWriteBuffer(),
		sortCfg:      entity.DefaultSort(),
		spaceID:      cfg.SpaceID,
		displayLimit: cfg.PageSize,
		subs:         make(map[uint64]chan View),
	}
}

// Start establishes the two partition subscriptions. A generation
// counter captured per subscription discards callbacks from a
// superseded or closed engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine: already closed")
	}
	gen := e.generation
	e.mu.Unlock()

	for _, p := range []remote.Partition{remote.PartitionOwned, remote.PartitionShared} {
		p := p
		cancel, err := e.store.Subscribe(ctx, e.cfg.Collection, e.cfg.UserID, p,
			func(snap []entity.Entity) { e.applySnapshot(gen, p, snap) },
			func(subErr error) { e.partitionFailed(gen, p, subErr) },
		)
		if err != nil {
			e.cancelSubscriptions()
			return fmt.Errorf("subscribe %s/%s: %w", e.cfg.Collection, p, err)
		}
		e.mu.Lock()
		e.cancels = append(e.cancels, cancel)
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.loadTimer = time.AfterFunc(e.cfg.InitialLoadTimeout, func() { e.forceLoaded(gen) })
	e.mu.Unlock()
	return nil
}

// Close tears the engine down: subscriptions are cancelled, view
// channels closed, and any late callback is discarded.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.generation++
	cancels := e.cancels
	e.cancels = nil
	if e.loadTimer != nil {
		e.loadTimer.Stop()
	}
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (e *Engine) cancelSubscriptions() {
	e.mu.Lock()
	cancels := e.cancels
	e.cancels = nil
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Subscribe registers a view listener. The channel is buffered and
// latest-wins: a slow reader only ever misses intermediate views,
// never the newest one. The returned cancel must be called on teardown.
func (e *Engine) Subscribe() (<-chan View, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan View, 1)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	e.nextSub++
	id := e.nextSub
	e.subs[id] = ch
	ch <- e.viewLocked()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// View returns the current derived view-model.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) applySnapshot(gen uint64, p remote.Partition, snap []entity.Entity) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || gen != e.generation {
		return
	}

	e.snapshotSeq++
	ids := make(map[string]struct{}, len(snap))
	for _, ent := range snap {
		ids[ent.ID] = struct{}{}
	}
	e.buffer.reconcile(ids, e.snapshotSeq)

	if p == remote.PartitionOwned {
		e.owned = snap
		e.ownedLoaded = true
	} else {
		e.shared = snap
		e.sharedLoaded = true
	}
	e.reconcileSuppressedLocked()

	// A passive snapshot never resets the pagination window.
	e.broadcastLocked()
}

// reconcileSuppressedLocked clears suppression for ids the store has
// caught up with: the entity is now marked deleted, or gone entirely.
func (e *Engine) reconcileSuppressedLocked() {
	if len(e.buffer.suppressed) == 0 {
		return
	}
	current := make(map[string]entity.Entity, len(e.owned)+len(e.shared))
	for _, ent := range e.owned {
		current[ent.ID] = ent
	}
	for _, ent := range e.shared {
		current[ent.ID] = ent
	}
	for id := range e.buffer.suppressed {
		ent, present := current[id]
		if !present || ent.Deleted() {
			e.buffer.unsuppress(id)
		}
	}
}

func (e *Engine) partitionFailed(gen uint64, p remote.Partition, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || gen != e.generation {
		return
	}
	log.Printf("engine: %s/%s subscription failed: %v", e.cfg.Collection, p, err)
	if p == remote.PartitionOwned {
		e.owned = nil
		e.ownedLoaded = true
	} else {
		e.shared = nil
		e.sharedLoaded = true
	}
	e.broadcastLocked()
}

func (e *Engine) forceLoaded(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || gen != e.generation {
		return
	}
	if e.ownedLoaded && e.sharedLoaded {
		return
	}
	log.Printf("engine: %s initial load timed out, showing partial data", e.cfg.Collection)
	e.ownedLoaded = true
	e.sharedLoaded = true
	e.broadcastLocked()
}

// SetSearchQuery updates the free-text query. Any change resets the
// pagination window.
func (e *Engine) SetSearchQuery(q string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.filters.Query == q {
		return
	}
	e.filters.Query = q
	e.resetWindowLocked()
	e.broadcastLocked()
}

// SetLabelFilters replaces the active label filters (OR semantics).
func (e *Engine) SetLabelFilters(labels []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if equalStrings(e.filters.Labels, labels) {
		return
	}
	e.filters.Labels = append([]string(nil), labels...)
	e.resetWindowLocked()
	e.broadcastLocked()
}

// SetColorFilters replaces the active color filters.
func (e *Engine) SetColorFilters(colors []entity.Color) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if equalColors(e.filters.Colors, colors) {
		return
	}
	e.filters.Colors = append([]entity.Color(nil), colors...)
	e.resetWindowLocked()
	e.broadcastLocked()
}

// SetDateRange replaces the date-range filter.
func (e *Engine) SetDateRange(r entity.DateRange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filters.Dates = r
	e.resetWindowLocked()
	e.broadcastLocked()
}

// SetFilterState replaces the whole filter state at once.
func (e *Engine) SetFilterState(fs entity.FilterState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fs.Labels = append([]string(nil), fs.Labels...)
	fs.Colors = append([]entity.Color(nil), fs.Colors...)
	e.filters = fs
	e.resetWindowLocked()
	e.broadcastLocked()
}

// SetSort changes the comparator for non-pinned entities. Changing the
// sort keeps the current pagination window.
func (e *Engine) SetSort(cfg entity.SortConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sortCfg == cfg {
		return
	}
	e.sortCfg = cfg
	e.broadcastLocked()
}

// SetSpace switches the space scope and resets the window.
func (e *Engine) SetSpace(spaceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.spaceID == spaceID {
		return
	}
	e.spaceID = spaceID
	e.resetWindowLocked()
	e.broadcastLocked()
}

func (e *Engine) resetWindowLocked() {
	e.displayLimit = e.cfg.PageSize
	e.windowEpoch++
	e.loadingMore = false
}

// LoadMore grows the pagination window by one page after a short
// minimum latency. No-op while a load is in flight or when no more
// pages remain.
func (e *Engine) LoadMore() {
	e.mu.Lock()
	if e.closed || e.loadingMore || !e.hasMoreLocked() {
		e.mu.Unlock()
		return
	}
	e.loadingMore = true
	epoch := e.windowEpoch
	e.broadcastLocked()
	e.mu.Unlock()

	time.AfterFunc(loadMoreDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed || epoch != e.windowEpoch {
			return
		}
		e.displayLimit += e.cfg.PageSize
		e.loadingMore = false
		e.broadcastLocked()
	})
}

// Create stages an optimistic entity immediately and persists it in the
// background. The returned id is the transient optimistic id; the
// store assigns the real id, which arrives with the next snapshot.
func (e *Engine) Create(input CreateInput) (string, error) {
	now := e.cfg.Now()
	spaceID := input.SpaceID
	ent := entity.Entity{
		ID:        util.NewOptimisticID(),
		OwnerID:   e.cfg.UserID,
		SpaceID:   spaceID,
		CreatedAt: now,
		UpdatedAt: now,
		Pinned:    input.Pinned,
		Priority:  input.Priority,
		Labels:    append([]string(nil), input.Labels...),
		Color:     input.Color,
		Title:     input.Title,
		Body:      input.Body,
		Mood:      input.Mood,
		Payload:   input.Payload,
	}.Normalized()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("engine: closed")
	}
	handle := e.buffer.stage(ent, e.snapshotSeq)
	e.broadcastLocked()
	e.mu.Unlock()

	go e.commit(handle, "create", func(ctx context.Context) error {
		_, err := e.store.Create(ctx, e.cfg.Collection, ent)
		return err
	})
	return ent.ID, nil
}

// Update stages an optimistic patch of an existing entity and persists
// it in the background.
func (e *Engine) Update(id string, patch entity.Patch) error {
	if util.IsOptimisticID(id) {
		return fmt.Errorf("entity %s: %w", id, ErrPendingWrite)
	}
	now := e.cfg.Now()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine: closed")
	}
	current, ok := e.findLocked(id)
	if !ok {
		e.mu.Unlock()
		return remote.ErrNotFound
	}
	handle := e.buffer.stage(patch.Apply(current, now), e.snapshotSeq)
	e.broadcastLocked()
	e.mu.Unlock()

	go e.commit(handle, "update", func(ctx context.Context) error {
		return e.store.Update(ctx, e.cfg.Collection, id, patch)
	})
	return nil
}

// SoftDelete hides the entity immediately via the suppression set and
// moves it to the trash in the background. A failed delete restores
// the entity to view.
func (e *Engine) SoftDelete(id string) error {
	return e.suppressAndRun(id, "delete", func(ctx context.Context) error {
		return e.store.SoftDelete(ctx, e.cfg.Collection, id)
	})
}

// HardDelete removes the entity permanently.
func (e *Engine) HardDelete(id string) error {
	return e.suppressAndRun(id, "delete permanently", func(ctx context.Context) error {
		return e.store.HardDelete(ctx, e.cfg.Collection, id)
	})
}

func (e *Engine) suppressAndRun(id, op string, fn func(context.Context) error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine: closed")
	}
	if _, ok := e.findLocked(id); !ok {
		e.mu.Unlock()
		return remote.ErrNotFound
	}
	e.buffer.suppress(id)
	e.broadcastLocked()
	e.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.MutationTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.mu.Lock()
			e.buffer.unsuppress(id)
			e.broadcastLocked()
			e.mu.Unlock()
			e.notify("error", fmt.Sprintf("%s failed: %v", op, err))
		}
	}()
	return nil
}

// Restore brings a trashed entity back, optimistically clearing its
// deletion timestamp.
func (e *Engine) Restore(id string) error {
	return e.patchAndRun(id, "restore", func(ent entity.Entity) entity.Entity {
		ent.DeletedAt = nil
		ent.UpdatedAt = e.cfg.Now()
		return ent
	}, func(ctx context.Context) error {
		return e.store.Restore(ctx, e.cfg.Collection, id)
	})
}

// SetPinned toggles the pinned flag.
func (e *Engine) SetPinned(id string, pinned bool) error {
	return e.patchAndRun(id, "pin", func(ent entity.Entity) entity.Entity {
		ent.Pinned = pinned
		ent.UpdatedAt = e.cfg.Now()
		return ent
	}, func(ctx context.Context) error {
		return e.store.SetPinned(ctx, e.cfg.Collection, id, pinned)
	})
}

// SetArchived toggles the archived flag.
func (e *Engine) SetArchived(id string, archived bool) error {
	return e.patchAndRun(id, "archive", func(ent entity.Entity) entity.Entity {
		ent.Archived = archived
		ent.UpdatedAt = e.cfg.Now()
		return ent
	}, func(ctx context.Context) error {
		return e.store.SetArchived(ctx, e.cfg.Collection, id, archived)
	})
}

func (e *Engine) patchAndRun(id, op string, mutate func(entity.Entity) entity.Entity, fn func(context.Context) error) error {
	if util.IsOptimisticID(id) {
		return fmt.Errorf("entity %s: %w", id, ErrPendingWrite)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine: closed")
	}
	current, ok := e.findLocked(id)
	if !ok {
		e.mu.Unlock()
		return remote.ErrNotFound
	}
	handle := e.buffer.stage(mutate(current), e.snapshotSeq)
	e.broadcastLocked()
	e.mu.Unlock()

	go e.commit(handle, op, fn)
	return nil
}

// commit awaits the persist call and drops the staged entry regardless
// of outcome: success is superseded by the next snapshot, failure
// reverts to the pre-mutation view. Each failure produces exactly one
// notice.
func (e *Engine) commit(handle stageHandle, op string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.MutationTimeout)
	defer cancel()
	err := fn(ctx)

	e.mu.Lock()
	e.buffer.drop(handle)
	if !e.closed {
		e.broadcastLocked()
	}
	e.mu.Unlock()

	if err != nil {
		e.notify("error", fmt.Sprintf("%s failed: %v", op, err))
	}
}

func (e *Engine) notify(kind, message string) {
	if e.notifier == nil {
		log.Printf("engine: %s: %s", kind, message)
		return
	}
	e.notifier.Notify(kind, message)
}

func (e *Engine) mergedLocked() []entity.Entity {
	return dropSuppressed(merge(e.owned, e.shared, e.buffer.entities()), e.buffer.suppressed)
}

func (e *Engine) findLocked(id string) (entity.Entity, bool) {
	for _, ent := range e.mergedLocked() {
		if ent.ID == id {
			return ent, true
		}
	}
	return entity.Entity{}, false
}

func (e *Engine) hasMoreLocked() bool {
	merged := e.mergedLocked()
	_, others := splitPinned(filterEntities(merged, e.filters, e.spaceID, false))
	return len(others) > e.displayLimit
}

func (e *Engine) viewLocked() View {
	merged := e.mergedLocked()

	pinned, others := splitPinned(filterEntities(merged, e.filters, e.spaceID, false))
	sortPinned(pinned)
	sortOthers(others, e.sortCfg)

	total := len(others)
	window := e.displayLimit
	if window > total {
		window = total
	}

	trashed := filterEntities(merged, e.filters, e.spaceID, true)
	sortTrashed(trashed)

	return View{
		Pinned:        pinned,
		Others:        others[:window:window],
		HasMore:       total > e.displayLimit,
		IsLoadingMore: e.loadingMore,
		TotalCount:    total,
		Trashed:       trashed,
		Stats:         computeStats(merged, e.cfg.Now()),
		Loading:       !(e.ownedLoaded && e.sharedLoaded),
	}
}

func (e *Engine) broadcastLocked() {
	v := e.viewLocked()
	for _, ch := range e.subs {
		select {
		case ch <- v:
		default:
			// Latest wins: replace the unread view.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

func equalStrings(a, b []string) bool {
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

func equalColors(a, b []entity.Color) bool {
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
