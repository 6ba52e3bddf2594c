package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/errdefs"
	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/metastore"
	"github.com/AvengeMedia/pimsearch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu          sync.Mutex
	collections map[int64]store.Collection
	items       map[int64]store.Item
	extraCount  int
	failItems   error
	gate        chan struct{}

	itemIDCalls      atomic.Int32
	itemCalls        atomic.Int32
	collectionsCalls atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		collections: make(map[int64]store.Collection),
		items:       make(map[int64]store.Item),
	}
}

func (f *fakeFetcher) addCollection(c store.Collection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[c.ID] = c
}

func (f *fakeFetcher) addItem(id, collection int64, subject string) store.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := store.Item{ID: id, Collection: collection, Payload: []byte(subject)}
	f.items[id] = item
	return item
}

func (f *fakeFetcher) Collection(ctx context.Context, id int64) (*store.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.collections[id]
	if !ok {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeNotFound, fmt.Sprintf("collection %d", id), nil)
	}
	return &c, nil
}

func (f *fakeFetcher) Collections(ctx context.Context) ([]store.Collection, error) {
	f.collectionsCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Collection
	for _, c := range f.collections {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b store.Collection) int { return int(a.ID - b.ID) })
	return out, nil
}

func (f *fakeFetcher) liveIDs(collection int64) []int64 {
	var ids []int64
	for id, item := range f.items {
		if item.Collection == collection {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (f *fakeFetcher) ItemCount(ctx context.Context, collection int64, mimeTypes []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.liveIDs(collection)) + f.extraCount, nil
}

func (f *fakeFetcher) ItemIDs(ctx context.Context, collection int64, mimeTypes []string) ([]int64, error) {
	f.itemIDCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveIDs(collection), nil
}

func (f *fakeFetcher) Items(ctx context.Context, ids []int64) ([]store.Item, error) {
	f.itemCalls.Add(1)
	f.mu.Lock()
	gate, failErr := f.gate, f.failItems
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Item
	for _, id := range ids {
		if item, ok := f.items[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

type subjectExtractor struct {
	calls atomic.Int32
	first atomic.Int64

	// items of collection hold block until release is closed; entered
	// receives once per blocked item.
	hold    int64
	entered chan struct{}
	release chan struct{}

	mu   sync.Mutex
	seen map[int64]int
}

func (e *subjectExtractor) Extract(item store.Item, doc *index.Document) error {
	if e.calls.Add(1) == 1 {
		e.first.Store(time.Now().UnixNano())
	}
	e.mu.Lock()
	if e.seen == nil {
		e.seen = make(map[int64]int)
	}
	e.seen[item.Collection]++
	e.mu.Unlock()
	if e.release != nil && item.Collection == e.hold {
		e.entered <- struct{}{}
		<-e.release
	}
	doc.IndexText(string(item.Payload), "SU")
	return nil
}

func (e *subjectExtractor) extracted(collection int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seen[collection]
}

// holdCollection makes extraction block on the first item of collection
// until the returned func is called.
func (e *subjectExtractor) holdCollection(collection int64) func() {
	e.hold = collection
	e.entered = make(chan struct{}, 16)
	e.release = make(chan struct{})
	return func() { close(e.release) }
}

func newEngine(t *testing.T) *index.Engine {
	t.Helper()
	e := index.Open("email", "")
	require.NoError(t, e.Err())
	t.Cleanup(func() { e.Close() })
	return e
}

func newState(t *testing.T) *metastore.Store {
	t.Helper()
	s, err := metastore.New(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func indexDoc(t *testing.T, e *index.Engine, id, collection int64, subject string) {
	t.Helper()
	doc := index.NewDocument(id, collection)
	doc.IndexText(subject, "SU")
	require.NoError(t, e.Index(doc))
}

func reconcilerConfig(f *fakeFetcher, e *index.Engine, x Extractor) ReconcilerConfig {
	return ReconcilerConfig{Domain: "email", Fetcher: f, Writer: e, Extractor: x, BatchSize: 2}
}

func TestReconciler_FullSyncConverges(t *testing.T) {
	engine := newEngine(t)
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})

	for id := int64(1); id <= 3; id++ {
		indexDoc(t, engine, id, 1, "stale")
	}
	indexDoc(t, engine, 6, 1, "live")
	require.NoError(t, engine.Commit())
	fetcher.addItem(4, 1, "missing one")
	fetcher.addItem(5, 1, "missing two")
	fetcher.addItem(6, 1, "live")

	r := NewReconciler(Job{Collection: 1, Mode: FullSync}, reconcilerConfig(fetcher, engine, &subjectExtractor{}))
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, Done, r.State())
	assert.Equal(t, 2, r.Indexed())

	require.NoError(t, engine.Commit())
	ids, err := engine.CollectionIDs(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{4, 5, 6}, ids)
	assert.Equal(t, int32(1), fetcher.itemIDCalls.Load())
}

func TestReconciler_AcceptsSecondMismatch(t *testing.T) {
	engine := newEngine(t)
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.addItem(1, 1, "one")
	fetcher.extraCount = 3

	r := NewReconciler(Job{Collection: 1, Mode: FullSync}, reconcilerConfig(fetcher, engine, &subjectExtractor{}))
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, Done, r.State())
	assert.Equal(t, int32(1), fetcher.itemIDCalls.Load(), "diff must run once")
	count, err := engine.Count(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestReconciler_Incremental(t *testing.T) {
	engine := newEngine(t)
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.addItem(1, 1, "one")
	fetcher.addItem(2, 1, "two")

	var progress []int
	cfg := reconcilerConfig(fetcher, engine, &subjectExtractor{})
	cfg.BatchSize = 1
	cfg.Progress = func(p int) { progress = append(progress, p) }

	r := NewReconciler(Job{Collection: 1, Pending: []int64{2}, Mode: Incremental}, cfg)
	require.NoError(t, r.Run(context.Background()))
	require.NoError(t, engine.Commit())

	ids, err := engine.CollectionIDs(1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
	assert.Equal(t, []int{100}, progress)
	assert.Zero(t, fetcher.itemIDCalls.Load())
}

func TestReconciler_SkipsItemMovedAway(t *testing.T) {
	engine := newEngine(t)
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.addCollection(store.Collection{ID: 2})

	indexDoc(t, engine, 5, 1, "moved")
	require.NoError(t, engine.RetagCollection(5, 1, 2))
	require.NoError(t, engine.Commit())
	fetcher.addItem(5, 2, "moved")

	x := &subjectExtractor{}
	r := NewReconciler(Job{Collection: 1, Pending: []int64{5}, Mode: Incremental}, reconcilerConfig(fetcher, engine, x))
	require.NoError(t, r.Run(context.Background()))
	require.NoError(t, engine.Commit())

	c1, err := engine.Count(1)
	require.NoError(t, err)
	c2, err := engine.Count(2)
	require.NoError(t, err)
	assert.Zero(t, c1)
	assert.Equal(t, uint64(1), c2)
	assert.Zero(t, x.calls.Load())
	assert.Zero(t, r.Indexed())
}

func TestReconciler_CancelledMidBatchWritesNothing(t *testing.T) {
	engine := newEngine(t)
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.addItem(1, 1, "one")
	fetcher.addItem(2, 1, "two")

	x := &subjectExtractor{}
	release := x.holdCollection(1)
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReconciler(Job{Collection: 1, Pending: []int64{1, 2}, Mode: Incremental}, reconcilerConfig(fetcher, engine, x))

	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	<-x.entered
	cancel()
	release()

	err := <-errc
	assert.True(t, errdefs.IsType(err, errdefs.ErrTypeCancelled))
	require.NoError(t, engine.Commit())
	has, err := engine.Has(1)
	require.NoError(t, err)
	assert.False(t, has)
	assert.Equal(t, 1, x.extracted(1))
}

func TestReconciler_SkipsUnindexableCollections(t *testing.T) {
	engine := newEngine(t)
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1, Virtual: true})
	fetcher.addCollection(store.Collection{ID: 2, IndexingDisabled: true})
	fetcher.addItem(1, 1, "one")
	fetcher.addItem(2, 2, "two")

	for _, coll := range []int64{1, 2} {
		r := NewReconciler(Job{Collection: coll, Pending: []int64{coll}, Mode: FullSync}, reconcilerConfig(fetcher, engine, &subjectExtractor{}))
		require.NoError(t, r.Run(context.Background()))
	}
	assert.Zero(t, fetcher.itemCalls.Load())
}

func TestReconciler_MissingCollectionIsDone(t *testing.T) {
	r := NewReconciler(Job{Collection: 9, Mode: FullSync}, reconcilerConfig(newFakeFetcher(), newEngine(t), &subjectExtractor{}))
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, Done, r.State())
}

func TestReconciler_FetchFailureKeepsPartialProgress(t *testing.T) {
	engine := newEngine(t)
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.addItem(1, 1, "one")
	fetcher.addItem(2, 1, "two")

	calls := 0
	failing := &failAfterFetcher{fakeFetcher: fetcher, ok: 1, calls: &calls}
	cfg := reconcilerConfig(fetcher, engine, &subjectExtractor{})
	cfg.Fetcher = failing
	cfg.BatchSize = 1

	r := NewReconciler(Job{Collection: 1, Pending: []int64{1, 2}, Mode: Incremental}, cfg)
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsType(err, errdefs.ErrTypeFetchFailed))
	assert.Equal(t, Failed, r.State())

	require.NoError(t, engine.Commit())
	ids, err := engine.CollectionIDs(1)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

type failAfterFetcher struct {
	*fakeFetcher
	ok    int
	calls *int
}

func (f *failAfterFetcher) Items(ctx context.Context, ids []int64) ([]store.Item, error) {
	*f.calls++
	if *f.calls > f.ok {
		return nil, errors.New("connection reset")
	}
	return f.fakeFetcher.Items(ctx, ids)
}

func TestReconciler_Cancelled(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewReconciler(Job{Collection: 1, Mode: FullSync}, reconcilerConfig(fetcher, newEngine(t), &subjectExtractor{}))
	err := r.Run(ctx)
	assert.True(t, errdefs.IsType(err, errdefs.ErrTypeCancelled))
}

type harness struct {
	sched    *Scheduler
	fetcher  *fakeFetcher
	engine   *index.Engine
	state    *metastore.Store
	extract  *subjectExtractor
	cancel   context.CancelFunc
	done     chan struct{}
	statusMu sync.Mutex
	statuses []Status
}

func newHarness(t *testing.T, busy time.Duration, fetcher *fakeFetcher, state *metastore.Store) *harness {
	t.Helper()
	h := &harness{
		fetcher: fetcher,
		engine:  newEngine(t),
		state:   state,
		extract: &subjectExtractor{},
		done:    make(chan struct{}),
	}
	opts := Options{Domain: "email", BusyWindow: busy, ProcessInterval: 10 * time.Millisecond, BatchSize: 10}
	h.sched = New(opts, fetcher, h.engine, h.extract, NewCommitter("email", 10*time.Millisecond, h.engine.Commit), state)
	h.sched.OnStatus(func(s Status) {
		h.statusMu.Lock()
		defer h.statusMu.Unlock()
		h.statuses = append(h.statuses, s)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.sched.Run(ctx)
	}()
	t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel != nil {
		h.cancel()
		<-h.done
		h.cancel = nil
	}
}

// jobs lists the distinct (collection, mode) jobs seen in status updates.
func (h *harness) jobs() []string {
	h.statusMu.Lock()
	defer h.statusMu.Unlock()
	var out []string
	last := ""
	for _, s := range h.statuses {
		if s.State != StatusWorking {
			last = ""
			continue
		}
		key := fmt.Sprintf("%d:%s", s.Collection, s.Mode)
		if key != last {
			out = append(out, key)
			last = key
		}
	}
	return out
}

func dirtyOf(t *testing.T, state *metastore.Store) []int64 {
	ids, err := state.LoadDirty("email")
	require.NoError(t, err)
	return ids
}

func markInitialSyncDone(t *testing.T, state *metastore.Store) {
	require.NoError(t, state.SetInitialSyncDone("email"))
}

func TestScheduler_DebouncesBusyCollection(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	state := newState(t)
	markInitialSyncDone(t, state)

	const window = 200 * time.Millisecond
	h := newHarness(t, window, fetcher, state)
	h.start(t)

	var lastAdd time.Time
	for id := int64(1); id <= 3; id++ {
		h.sched.AddItem(fetcher.addItem(id, 1, fmt.Sprintf("subject%d", id)))
		lastAdd = time.Now()
		time.Sleep(window / 4)
	}

	assert.Eventually(t, func() bool { return h.extract.calls.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	first := time.Unix(0, h.extract.first.Load())
	assert.GreaterOrEqual(t, first.Sub(lastAdd), window-20*time.Millisecond)
	assert.Equal(t, []string{"1:incremental"}, h.jobs())
}

func TestScheduler_SuccessfulFullSyncClearsDirty(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.addItem(1, 1, "subject1")
	state := newState(t)
	markInitialSyncDone(t, state)

	h := newHarness(t, 0, fetcher, state)
	h.start(t)
	h.sched.ScheduleCollection(1, true)

	assert.Eventually(t, func() bool {
		count, _ := h.engine.Count(1)
		return count == 1 && len(dirtyOf(t, state)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.sched.Status().State == StatusIdle }, time.Second, 10*time.Millisecond)
}

func TestScheduler_FailedJobMarksDirty(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.failItems = errors.New("store offline")
	state := newState(t)
	markInitialSyncDone(t, state)

	h := newHarness(t, 0, fetcher, state)
	h.start(t)
	h.sched.AddItem(fetcher.addItem(1, 1, "subject1"))

	assert.Eventually(t, func() bool { return slices.Equal(dirtyOf(t, state), []int64{1}) }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_FullSyncRequestSurvivesRunningJob(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.gate = make(chan struct{})
	state := newState(t)
	markInitialSyncDone(t, state)

	h := newHarness(t, 0, fetcher, state)
	h.start(t)
	h.sched.AddItem(fetcher.addItem(1, 1, "subject1"))

	assert.Eventually(t, func() bool { return fetcher.itemCalls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	h.sched.ScheduleCollection(1, true)
	assert.Eventually(t, func() bool { return slices.Equal(dirtyOf(t, state), []int64{1}) }, time.Second, 10*time.Millisecond)

	close(fetcher.gate)

	assert.Eventually(t, func() bool {
		return slices.Equal(h.jobs(), []string{"1:incremental", "1:full"}) && len(dirtyOf(t, state)) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_AbortPersistsDirtyForNextRun(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.gate = make(chan struct{})
	state := newState(t)
	markInitialSyncDone(t, state)

	h := newHarness(t, 0, fetcher, state)
	h.start(t)
	h.sched.AddItem(fetcher.addItem(1, 1, "subject1"))
	assert.Eventually(t, func() bool { return fetcher.itemCalls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.sched.Abort()
	assert.Eventually(t, func() bool { return slices.Equal(dirtyOf(t, state), []int64{1}) }, time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.sched.Status().State == StatusIdle }, time.Second, 10*time.Millisecond)
	h.stop()

	fetcher.mu.Lock()
	fetcher.gate = nil
	fetcher.mu.Unlock()

	next := newHarness(t, 0, fetcher, state)
	next.start(t)
	assert.Eventually(t, func() bool {
		count, _ := next.engine.Count(1)
		return count == 1 && len(dirtyOf(t, state)) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"1:full"}, next.jobs())
}

func TestScheduler_FirstRunSchedulesEveryCollectionOnce(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.addCollection(store.Collection{ID: 2})
	fetcher.addItem(1, 1, "subject1")
	fetcher.addItem(2, 2, "subject2")
	state := newState(t)

	h := newHarness(t, 0, fetcher, state)
	h.start(t)

	assert.Eventually(t, func() bool {
		c1, _ := h.engine.Count(1)
		c2, _ := h.engine.Count(2)
		return c1 == 1 && c2 == 1 && len(dirtyOf(t, state)) == 0
	}, 2*time.Second, 10*time.Millisecond)

	done, err := state.InitialSyncDone("email")
	require.NoError(t, err)
	assert.True(t, done)
	h.stop()

	again := newHarness(t, 0, fetcher, state)
	again.start(t)
	assert.Never(t, func() bool { return fetcher.collectionsCalls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, again.jobs())
}

func TestScheduler_RemoveCollectionDropsQueuedWork(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	state := newState(t)
	markInitialSyncDone(t, state)

	h := newHarness(t, time.Hour, fetcher, state)
	h.start(t)
	h.sched.AddItem(fetcher.addItem(1, 1, "subject1"))
	h.sched.ScheduleCollection(1, true)
	assert.Eventually(t, func() bool { return h.sched.Status().Queued == 1 }, time.Second, 10*time.Millisecond)

	h.sched.RemoveCollection(1)
	assert.Eventually(t, func() bool {
		st := h.sched.Status()
		return st.Queued == 0 && st.Dirty == 0 && len(dirtyOf(t, state)) == 0
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, fetcher.itemCalls.Load())
}

func TestScheduler_RemoveCollectionWaitsForRunningJob(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.addCollection(store.Collection{ID: 2})
	state := newState(t)
	markInitialSyncDone(t, state)

	h := newHarness(t, 0, fetcher, state)
	release := h.extract.holdCollection(1)
	h.start(t)
	h.sched.AddItem(fetcher.addItem(1, 1, "subject1"))
	h.sched.AddItem(fetcher.addItem(2, 1, "subject2"))
	<-h.extract.entered

	h.sched.RemoveCollection(1)
	h.sched.AddItem(fetcher.addItem(3, 2, "subject3"))
	assert.Never(t, func() bool {
		return h.extract.extracted(2) > 0 || slices.Contains(h.jobs(), "2:incremental")
	}, 150*time.Millisecond, 10*time.Millisecond, "second job started while the first was still running")
	assert.Equal(t, StatusWorking, h.sched.Status().State)

	release()
	assert.Eventually(t, func() bool {
		c2, _ := h.engine.Count(2)
		return c2 == 1
	}, 2*time.Second, 10*time.Millisecond)

	for _, id := range []int64{1, 2} {
		has, err := h.engine.Has(id)
		require.NoError(t, err)
		assert.False(t, has, "item %d written after its collection was removed", id)
	}
	c1, err := h.engine.Count(1)
	require.NoError(t, err)
	assert.Zero(t, c1)
	assert.Equal(t, 1, h.extract.extracted(1))
	assert.Equal(t, []string{"1:incremental", "2:incremental"}, h.jobs())
	assert.Empty(t, dirtyOf(t, state))
}

func TestScheduler_AbortHoldsSlotUntilJobReturns(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.addCollection(store.Collection{ID: 1})
	fetcher.addCollection(store.Collection{ID: 2})
	state := newState(t)
	markInitialSyncDone(t, state)

	h := newHarness(t, 0, fetcher, state)
	release := h.extract.holdCollection(1)
	h.start(t)
	h.sched.AddItem(fetcher.addItem(1, 1, "subject1"))
	<-h.extract.entered

	h.sched.Abort()
	h.sched.AddItem(fetcher.addItem(2, 2, "subject2"))
	assert.Never(t, func() bool { return h.extract.extracted(2) > 0 }, 150*time.Millisecond, 10*time.Millisecond)

	release()
	assert.Eventually(t, func() bool {
		c2, _ := h.engine.Count(2)
		return c2 == 1
	}, 2*time.Second, 10*time.Millisecond)
	has, err := h.engine.Has(1)
	require.NoError(t, err)
	assert.False(t, has)
	assert.Equal(t, []int64{1}, dirtyOf(t, state))
}

func TestCommitter(t *testing.T) {
	var commits atomic.Int32
	c := NewCommitter("test", 100*time.Millisecond, func() error {
		commits.Add(1)
		return nil
	})

	for range 5 {
		c.Touch()
		time.Sleep(10 * time.Millisecond)
	}
	assert.Never(t, func() bool { return commits.Load() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return commits.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Flush())
	assert.Equal(t, int32(2), commits.Load())

	c.Touch()
	require.NoError(t, c.Stop())
	assert.Never(t, func() bool { return commits.Load() > 3 }, 100*time.Millisecond, 10*time.Millisecond)
	c.Touch()
	assert.Never(t, func() bool { return commits.Load() > 3 }, 100*time.Millisecond, 10*time.Millisecond)
}
