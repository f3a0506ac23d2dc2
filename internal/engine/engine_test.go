package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ainexllc/ainexsuite-sub009/internal/entity"
	"github.com/ainexllc/ainexsuite-sub009/internal/remote"
	"github.com/ainexllc/ainexsuite-sub009/internal/util"
)

type fakeRemote struct {
	mu        sync.Mutex
	snapshots map[remote.Partition]remote.SnapshotFunc
	failures  map[remote.Partition]remote.ErrorFunc
	cancelled int

	createFn      func(context.Context, string, entity.Entity) (string, error)
	updateFn      func(context.Context, string, string, entity.Patch) error
	softDeleteFn  func(context.Context, string, string) error
	hardDeleteFn  func(context.Context, string, string) error
	restoreFn     func(context.Context, string, string) error
	setPinnedFn   func(context.Context, string, string, bool) error
	setArchivedFn func(context.Context, string, string, bool) error
}

func (f *fakeRemote) Subscribe(_ context.Context, _, _ string, p remote.Partition, onSnapshot remote.SnapshotFunc, onError remote.ErrorFunc) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots == nil {
		f.snapshots = make(map[remote.Partition]remote.SnapshotFunc)
		f.failures = make(map[remote.Partition]remote.ErrorFunc)
	}
	f.snapshots[p] = onSnapshot
	f.failures[p] = onError
	return func() {
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
	}, nil
}

func (f *fakeRemote) push(p remote.Partition, snap []entity.Entity) {
	f.mu.Lock()
	fn := f.snapshots[p]
	f.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (f *fakeRemote) fail(p remote.Partition, err error) {
	f.mu.Lock()
	fn := f.failures[p]
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeRemote) Create(ctx context.Context, collection string, e entity.Entity) (string, error) {
	if f.createFn != nil {
		return f.createFn(ctx, collection, e)
	}
	return util.NewID("ent"), nil
}

func (f *fakeRemote) Get(context.Context, string, string) (entity.Entity, error) {
	return entity.Entity{}, remote.ErrNotFound
}

func (f *fakeRemote) Update(ctx context.Context, collection, id string, patch entity.Patch) error {
	if f.updateFn != nil {
		return f.updateFn(ctx, collection, id, patch)
	}
	return nil
}

func (f *fakeRemote) SoftDelete(ctx context.Context, collection, id string) error {
	if f.softDeleteFn != nil {
		return f.softDeleteFn(ctx, collection, id)
	}
	return nil
}

func (f *fakeRemote) Restore(ctx context.Context, collection, id string) error {
	if f.restoreFn != nil {
		return f.restoreFn(ctx, collection, id)
	}
	return nil
}

func (f *fakeRemote) HardDelete(ctx context.Context, collection, id string) error {
	if f.hardDeleteFn != nil {
		return f.hardDeleteFn(ctx, collection, id)
	}
	return nil
}

func (f *fakeRemote) SetPinned(ctx context.Context, collection, id string, pinned bool) error {
	if f.setPinnedFn != nil {
		return f.setPinnedFn(ctx, collection, id, pinned)
	}
	return nil
}

func (f *fakeRemote) SetArchived(ctx context.Context, collection, id string, archived bool) error {
	if f.setArchivedFn != nil {
		return f.setArchivedFn(ctx, collection, id, archived)
	}
	return nil
}

func (f *fakeRemote) ListAll(context.Context, string) ([]entity.Entity, error) { return nil, nil }
func (f *fakeRemote) CreateSpace(context.Context, entity.Space) (string, error) {
	return util.NewID("sp"), nil
}
func (f *fakeRemote) ListSpaces(context.Context, string) ([]entity.Space, error) { return nil, nil }
func (f *fakeRemote) UpdateSpace(context.Context, entity.Space) error            { return nil }
func (f *fakeRemote) DeleteSpace(context.Context, string) error                  { return nil }
func (f *fakeRemote) Ping(context.Context) error                                 { return nil }
func (f *fakeRemote) Close() error                                               { return nil }

type recordingNotifier struct {
	mu      sync.Mutex
	notices []string
}

func (n *recordingNotifier) Notify(kind, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, kind+": "+message)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

func newTestEngine(t *testing.T, store *fakeRemote, notifier Notifier) *Engine {
	t.Helper()
	e := New(store, notifier, Config{
		Collection: "notes",
		UserID:     "user-1",
		PageSize:   10,
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ownedEntities(n int, prefix string) []entity.Entity {
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	list := make([]entity.Entity, 0, n)
	for i := 0; i < n; i++ {
		e := ent(fmt.Sprintf("%s-%d", prefix, i), base.Add(time.Duration(i)*time.Minute))
		e.OwnerID = "user-1"
		e.Title = fmt.Sprintf("Note %d", i)
		list = append(list, e)
	}
	return list
}

func TestLoadingUntilBothPartitions(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)

	if v := e.View(); !v.Loading {
		t.Fatal("expected loading before any snapshot")
	}

	store.push(remote.PartitionOwned, ownedEntities(2, "own"))
	if v := e.View(); !v.Loading {
		t.Fatal("expected loading with only one partition")
	}

	store.push(remote.PartitionShared, nil)
	if v := e.View(); v.Loading {
		t.Fatal("expected loaded after both partitions")
	}
}

func TestViewSplitsPinnedAndWindowsOthers(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)

	list := ownedEntities(25, "n")
	for i := 0; i < 3; i++ {
		p := ent(fmt.Sprintf("pin-%d", i), time.Now())
		p.Pinned = true
		list = append(list, p)
	}
	store.push(remote.PartitionOwned, list)
	store.push(remote.PartitionShared, nil)

	v := e.View()
	if len(v.Pinned) != 3 {
		t.Fatalf("pinned = %d, want 3", len(v.Pinned))
	}
	if len(v.Others) != 10 {
		t.Fatalf("others = %d, want one page of 10", len(v.Others))
	}
	if v.TotalCount != 25 {
		t.Fatalf("totalCount = %d, want 25 (pinned excluded)", v.TotalCount)
	}
	if !v.HasMore {
		t.Fatal("expected hasMore")
	}
}

func TestLoadMoreGrowsWindow(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)
	store.push(remote.PartitionOwned, ownedEntities(25, "n"))
	store.push(remote.PartitionShared, nil)

	e.LoadMore()
	if !e.View().IsLoadingMore {
		t.Fatal("expected isLoadingMore immediately after LoadMore")
	}
	waitFor(t, "window growth", func() bool {
		v := e.View()
		return len(v.Others) == 20 && !v.IsLoadingMore
	})

	// Second page exhausts on the third call.
	e.LoadMore()
	waitFor(t, "final page", func() bool {
		v := e.View()
		return len(v.Others) == 25 && !v.HasMore
	})

	// No more pages: LoadMore is a no-op now.
	e.LoadMore()
	if e.View().IsLoadingMore {
		t.Fatal("LoadMore should be a no-op when nothing remains")
	}
}

func TestFilterChangeResetsWindow(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)
	store.push(remote.PartitionOwned, ownedEntities(25, "n"))
	store.push(remote.PartitionShared, nil)

	e.LoadMore()
	waitFor(t, "window growth", func() bool { return len(e.View().Others) == 20 })

	// Every title contains "note"; the result set is unchanged but the
	// window snaps back to one page.
	e.SetSearchQuery("note")
	v := e.View()
	if len(v.Others) != 10 {
		t.Fatalf("others = %d after filter change, want 10", len(v.Others))
	}
	if v.TotalCount != 25 {
		t.Fatalf("totalCount = %d, want 25", v.TotalCount)
	}
}

func TestFilterChangeCancelsInFlightLoadMore(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)
	store.push(remote.PartitionOwned, ownedEntities(25, "n"))
	store.push(remote.PartitionShared, nil)

	e.LoadMore()
	e.SetLabelFilters([]string{})
	e.SetSearchQuery("note")

	time.Sleep(2 * loadMoreDelay)
	v := e.View()
	if len(v.Others) != 10 || v.IsLoadingMore {
		t.Fatalf("stale LoadMore applied: others=%d loadingMore=%v", len(v.Others), v.IsLoadingMore)
	}
}

func TestSortChangeKeepsWindow(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)
	store.push(remote.PartitionOwned, ownedEntities(25, "n"))
	store.push(remote.PartitionShared, nil)

	e.LoadMore()
	waitFor(t, "window growth", func() bool { return len(e.View().Others) == 20 })

	e.SetSort(entity.SortConfig{Field: entity.SortByTitle, Direction: entity.SortAsc})
	if got := len(e.View().Others); got != 20 {
		t.Fatalf("others = %d after sort change, want 20", got)
	}
}

func TestSnapshotDoesNotResetWindow(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)
	store.push(remote.PartitionOwned, ownedEntities(25, "n"))
	store.push(remote.PartitionShared, nil)

	e.LoadMore()
	waitFor(t, "window growth", func() bool { return len(e.View().Others) == 20 })

	store.push(remote.PartitionOwned, ownedEntities(30, "n"))
	if got := len(e.View().Others); got != 20 {
		t.Fatalf("others = %d after passive snapshot, want 20", got)
	}
}

func TestCreateStagesOptimistically(t *testing.T) {
	release := make(chan struct{})
	store := &fakeRemote{
		createFn: func(context.Context, string, entity.Entity) (string, error) {
			<-release
			return "srv-1", nil
		},
	}
	e := newTestEngine(t, store, nil)
	store.push(remote.PartitionOwned, nil)
	store.push(remote.PartitionShared, nil)

	id, err := e.Create(CreateInput{Title: "Fresh note", Body: "hello"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !util.IsOptimisticID(id) {
		t.Fatalf("expected optimistic id, got %q", id)
	}

	v := e.View()
	if len(v.Others) != 1 || v.Others[0].ID != id {
		t.Fatalf("optimistic entity not in view: %+v", v.Others)
	}

	// The confirming snapshot lands before the create call returns.
	confirmed := ent("srv-1", time.Now())
	confirmed.Title = "Fresh note"
	store.push(remote.PartitionOwned, []entity.Entity{confirmed})
	close(release)

	waitFor(t, "optimistic entry replaced", func() bool {
		v := e.View()
		return len(v.Others) == 1 && v.Others[0].ID == "srv-1"
	})
}

func TestCreateFailureRollsBackWithOneNotice(t *testing.T) {
	store := &fakeRemote{
		createFn: func(context.Context, string, entity.Entity) (string, error) {
			return "", errors.New("quota exceeded")
		},
	}
	notifier := &recordingNotifier{}
	e := newTestEngine(t, store, notifier)
	store.push(remote.PartitionOwned, nil)
	store.push(remote.PartitionShared, nil)

	if _, err := e.Create(CreateInput{Title: "Doomed"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, "rollback", func() bool {
		return len(e.View().Others) == 0 && notifier.count() == 1
	})

	// No second notice shows up later.
	time.Sleep(50 * time.Millisecond)
	if notifier.count() != 1 {
		t.Fatalf("notices = %d, want exactly 1", notifier.count())
	}
}

func TestUpdateRejectsUnconfirmedEntity(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)
	store.push(remote.PartitionOwned, nil)
	store.push(remote.PartitionShared, nil)

	err := e.Update(util.OptimisticPrefix+"abc", entity.Patch{})
	if !errors.Is(err, ErrPendingWrite) {
		t.Fatalf("err = %v, want ErrPendingWrite", err)
	}
}

func TestUpdateFailureRevertsOverlay(t *testing.T) {
	store := &fakeRemote{
		updateFn: func(context.Context, string, string, entity.Patch) error {
			return errors.New("store down")
		},
	}
	notifier := &recordingNotifier{}
	e := newTestEngine(t, store, notifier)

	original := ent("a", time.Now())
	original.Title = "Original"
	store.push(remote.PartitionOwned, []entity.Entity{original})
	store.push(remote.PartitionShared, nil)

	next := "Edited"
	if err := e.Update("a", entity.Patch{Title: &next}); err != nil {
		t.Fatalf("update: %v", err)
	}

	waitFor(t, "revert", func() bool {
		v := e.View()
		return len(v.Others) == 1 && v.Others[0].Title == "Original" && notifier.count() == 1
	})
}

func TestSoftDeleteHidesImmediatelyAndRevertsOnFailure(t *testing.T) {
	store := &fakeRemote{
		softDeleteFn: func(context.Context, string, string) error {
			return errors.New("store down")
		},
	}
	notifier := &recordingNotifier{}
	e := newTestEngine(t, store, notifier)
	store.push(remote.PartitionOwned, []entity.Entity{ent("a", time.Now())})
	store.push(remote.PartitionShared, nil)

	if err := e.SoftDelete("a"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	waitFor(t, "revert", func() bool {
		return len(e.View().Others) == 1 && notifier.count() == 1
	})
}

func TestSoftDeleteRoundTrip(t *testing.T) {
	release := make(chan struct{})
	store := &fakeRemote{
		restoreFn: func(context.Context, string, string) error {
			<-release
			return nil
		},
	}
	e := newTestEngine(t, store, nil)
	live := ent("a", time.Now())
	store.push(remote.PartitionOwned, []entity.Entity{live})
	store.push(remote.PartitionShared, nil)

	if err := e.SoftDelete("a"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if got := len(e.View().Others); got != 0 {
		t.Fatalf("entity still visible after delete: %d", got)
	}

	// The confirming snapshot moves it to the trash.
	deletedAt := time.Now()
	trashed := live
	trashed.DeletedAt = &deletedAt
	store.push(remote.PartitionOwned, []entity.Entity{trashed})

	v := e.View()
	if len(v.Trashed) != 1 || v.Trashed[0].ID != "a" {
		t.Fatalf("trash = %v", ids(v.Trashed))
	}

	if err := e.Restore("a"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	// The restore overlays optimistically before the store confirms.
	v = e.View()
	if len(v.Others) != 1 || len(v.Trashed) != 0 {
		t.Fatalf("optimistic restore: others=%v trashed=%v", ids(v.Others), ids(v.Trashed))
	}

	close(release)
	store.push(remote.PartitionOwned, []entity.Entity{live})
	waitFor(t, "confirmed restore", func() bool {
		v := e.View()
		return len(v.Others) == 1 && v.Others[0].ID == "a" && !v.Others[0].Deleted()
	})
}

func TestDeleteMissingEntity(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)
	store.push(remote.PartitionOwned, nil)
	store.push(remote.PartitionShared, nil)

	if err := e.SoftDelete("ghost"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPartitionFailureDegradesToPartialView(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)
	store.push(remote.PartitionOwned, ownedEntities(3, "own"))
	store.fail(remote.PartitionShared, errors.New("connection refused"))

	v := e.View()
	if v.Loading {
		t.Fatal("expected loaded after partition failure")
	}
	if len(v.Others) != 3 {
		t.Fatalf("owned entities missing: %d", len(v.Others))
	}
}

func TestInitialLoadTimeout(t *testing.T) {
	store := &fakeRemote{}
	e := New(store, nil, Config{
		Collection:         "notes",
		UserID:             "user-1",
		PageSize:           10,
		InitialLoadTimeout: 30 * time.Millisecond,
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Close()

	waitFor(t, "forced load", func() bool { return !e.View().Loading })
}

func TestSubscribeReceivesLatestView(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)
	store.push(remote.PartitionOwned, nil)
	store.push(remote.PartitionShared, nil)

	ch, cancel := e.Subscribe()
	defer cancel()

	// The initial view is preloaded.
	select {
	case v := <-ch:
		if v.Loading {
			t.Fatal("expected loaded initial view")
		}
	default:
		t.Fatal("no initial view buffered")
	}

	// Rapid changes collapse to the newest view.
	store.push(remote.PartitionOwned, ownedEntities(1, "a"))
	store.push(remote.PartitionOwned, ownedEntities(2, "b"))

	waitFor(t, "latest view", func() bool {
		select {
		case v := <-ch:
			return v.TotalCount == 2
		default:
			return false
		}
	})
}

func TestCloseClosesSubscribersAndCancels(t *testing.T) {
	store := &fakeRemote{}
	e := newTestEngine(t, store, nil)
	ch, _ := e.Subscribe()
	<-ch

	e.Close()

	if _, open := <-ch; open {
		t.Fatal("subscriber channel not closed")
	}
	store.mu.Lock()
	cancelled := store.cancelled
	store.mu.Unlock()
	if cancelled != 2 {
		t.Fatalf("cancelled = %d subscriptions, want 2", cancelled)
	}

	// Late callbacks from the old generation are discarded.
	store.push(remote.PartitionOwned, ownedEntities(5, "late"))
	if got := e.View().TotalCount; got != 0 {
		t.Fatalf("late snapshot applied after close: %d", got)
	}
}

func TestCollectionScenario(t *testing.T) {
	store := &fakeRemote{}
	notifier := &recordingNotifier{}
	e := newTestEngine(t, store, notifier)

	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	groceries := ent("groceries", base)
	groceries.Title = "Groceries"
	groceries.Labels = []string{"errands"}
	workout := ent("workout", base.Add(time.Hour))
	workout.Title = "Workout plan"
	workout.Pinned = true
	workout.Priority = entity.PriorityHigh
	sharedDoc := ent("family-list", base.Add(2*time.Hour))
	sharedDoc.Title = "Family shopping"
	sharedDoc.SpaceID = "fam"

	store.push(remote.PartitionOwned, []entity.Entity{groceries, workout})
	store.push(remote.PartitionShared, []entity.Entity{sharedDoc})

	v := e.View()
	if len(v.Pinned) != 1 || v.Pinned[0].ID != "workout" {
		t.Fatalf("pinned: %v", ids(v.Pinned))
	}
	if !sameIDs(ids(v.Others), "groceries") {
		t.Fatalf("personal space others: %v", ids(v.Others))
	}

	e.SetSpace("fam")
	if got := ids(e.View().Others); !sameIDs(got, "family-list") {
		t.Fatalf("space view: %v", got)
	}

	e.SetSpace("")
	e.SetSearchQuery("groc")
	if got := ids(e.View().Others); !sameIDs(got, "groceries") {
		t.Fatalf("search view: %v", got)
	}

	e.SetSearchQuery("")
	if err := e.SoftDelete("groceries"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, "delete settles", func() bool { return len(e.View().Others) == 0 })
	if notifier.count() != 0 {
		t.Fatalf("unexpected notices: %d", notifier.count())
	}

	stats := e.View().Stats
	if len(stats.Labels) == 0 || !strings.Contains(strings.Join(stats.Labels, ","), "errands") {
		t.Fatalf("stats labels: %v", stats.Labels)
	}
}

func TestFilterSetterOrderDoesNotChangeResult(t *testing.T) {
	base := time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC)
	tagged := ent("tagged", base)
	tagged.Labels = []string{"errands"}
	tagged.Color = entity.ColorGreen
	labelOnly := ent("label-only", base.Add(time.Minute))
	labelOnly.Labels = []string{"errands"}
	colorOnly := ent("color-only", base.Add(2*time.Minute))
	colorOnly.Color = entity.ColorGreen
	snapshot := []entity.Entity{tagged, labelOnly, colorOnly}

	run := func(apply func(e *Engine)) []string {
		store := &fakeRemote{}
		e := newTestEngine(t, store, nil)
		store.push(remote.PartitionOwned, snapshot)
		store.push(remote.PartitionShared, nil)
		apply(e)
		return ids(e.View().Others)
	}

	labelsFirst := run(func(e *Engine) {
		e.SetLabelFilters([]string{"errands"})
		e.SetColorFilters([]entity.Color{entity.ColorGreen})
	})
	colorsFirst := run(func(e *Engine) {
		e.SetColorFilters([]entity.Color{entity.ColorGreen})
		e.SetLabelFilters([]string{"errands"})
	})

	if !sameIDs(labelsFirst, "tagged") {
		t.Fatalf("combined filters: %v", labelsFirst)
	}
	if len(labelsFirst) != len(colorsFirst) || labelsFirst[0] != colorsFirst[0] {
		t.Fatalf("setter order changed the result: %v vs %v", labelsFirst, colorsFirst)
	}
}
