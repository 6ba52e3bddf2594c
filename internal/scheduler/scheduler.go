// Package scheduler keeps one index domain consistent with the store. It
// queues touched collections, debounces bursts of changes and runs one
// reconciliation at a time.
package scheduler

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/errdefs"
	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/AvengeMedia/pimsearch/internal/metrics"
	"github.com/AvengeMedia/pimsearch/internal/store"
)

// StateStore persists the dirty set and first-run marker of a domain.
type StateStore interface {
	LoadDirty(domain string) ([]int64, error)
	SaveDirty(domain string, ids []int64) error
	InitialSyncDone(domain string) (bool, error)
	SetInitialSyncDone(domain string) error
}

type Options struct {
	Domain          string
	BusyWindow      time.Duration
	ProcessInterval time.Duration
	BatchSize       int
	MimeTypes       []string
}

type Status struct {
	Domain     string `json:"domain"`
	State      string `json:"state"`
	Collection int64  `json:"collection,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Percent    int    `json:"percent"`
	Queued     int    `json:"queued"`
	Dirty      int    `json:"dirty"`
}

const (
	StatusIdle    = "idle"
	StatusWorking = "working"
)

// job is the one in-flight reconciliation. It holds the slot until its
// goroutine has returned, even after cancellation.
type job struct {
	Job
	cancel    context.CancelFunc
	started   time.Time
	done      chan struct{}
	redirtied bool
	cancelled bool
	removed   bool
}

// Scheduler state is owned by the Run goroutine; every public method posts
// a command to it.
type Scheduler struct {
	opts      Options
	fetcher   store.Fetcher
	writer    Writer
	extractor Extractor
	committer *Committer
	state     StateStore
	onStatus  func(Status)
	now       func() time.Time

	cmds    chan func()
	stopped chan struct{}
	ctx     context.Context

	queue      []int64
	itemQueues map[int64][]int64
	touched    map[int64]time.Time
	dirty      map[int64]bool
	current    *job
	timer      *time.Timer

	statusMu sync.RWMutex
	status   Status
}

func New(opts Options, fetcher store.Fetcher, writer Writer, extractor Extractor, committer *Committer, state StateStore) *Scheduler {
	if opts.ProcessInterval <= 0 {
		opts.ProcessInterval = 250 * time.Millisecond
	}
	if committer == nil {
		committer = NewCommitter(opts.Domain, time.Second, writer.Commit)
	}
	return &Scheduler{
		opts:       opts,
		fetcher:    fetcher,
		writer:     writer,
		extractor:  extractor,
		committer:  committer,
		state:      state,
		onStatus:   func(Status) {},
		now:        time.Now,
		cmds:       make(chan func(), 1024),
		stopped:    make(chan struct{}),
		itemQueues: make(map[int64][]int64),
		touched:    make(map[int64]time.Time),
		dirty:      make(map[int64]bool),
		status:     Status{Domain: opts.Domain, State: StatusIdle},
	}
}

func (s *Scheduler) Domain() string { return s.opts.Domain }

// OnStatus sets the status callback. Call before Run.
func (s *Scheduler) OnStatus(fn func(Status)) {
	if fn != nil {
		s.onStatus = fn
	}
}

func (s *Scheduler) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Scheduler) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.stopped:
	}
}

// AddItem queues an item for incremental indexing.
func (s *Scheduler) AddItem(item store.Item) {
	s.post(func() { s.addItem(item.Collection, item.ID) })
}

// ScheduleCollection queues a collection, marking it for a full sync when
// full is set.
func (s *Scheduler) ScheduleCollection(id int64, full bool) {
	s.post(func() { s.scheduleCollection(id, full) })
}

// RemoveCollection forgets everything queued for a collection, cancels its
// running job and deletes its documents once no job can write them.
func (s *Scheduler) RemoveCollection(id int64) {
	s.post(func() { s.removeCollection(id) })
}

// Abort cancels the running job and clears the queue. Affected
// collections are kept dirty.
func (s *Scheduler) Abort() {
	s.post(s.abort)
}

// Run restores persisted state and processes the queue until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stopped)
	s.ctx = ctx

	s.startup(ctx)

	ticker := time.NewTicker(s.opts.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.abort()
			if s.timer != nil {
				s.timer.Stop()
			}
			if j := s.current; j != nil {
				<-j.done
				s.finish(j, nil)
			}
			return nil
		case fn := <-s.cmds:
			fn()
		case <-ticker.C:
			s.processNext()
		}
	}
}

func (s *Scheduler) startup(ctx context.Context) {
	dirty, err := s.state.LoadDirty(s.opts.Domain)
	if err != nil {
		log.Errorf("%s: failed to load dirty collections: %v", s.opts.Domain, err)
	}
	for _, id := range dirty {
		s.scheduleCollection(id, true)
	}
	if len(dirty) > 0 {
		log.Infof("%s: resuming full sync of %d collections", s.opts.Domain, len(dirty))
	}

	done, err := s.state.InitialSyncDone(s.opts.Domain)
	if err != nil {
		log.Errorf("%s: failed to read initial sync state: %v", s.opts.Domain, err)
		return
	}
	if done {
		return
	}
	cols, err := s.fetcher.Collections(ctx)
	if err != nil {
		log.Errorf("%s: initial sync: %v", s.opts.Domain, err)
		return
	}
	for _, c := range cols {
		s.scheduleCollection(c.ID, true)
	}
	if err := s.state.SetInitialSyncDone(s.opts.Domain); err != nil {
		log.Errorf("%s: failed to record initial sync: %v", s.opts.Domain, err)
	}
	log.Infof("%s: initial sync of %d collections scheduled", s.opts.Domain, len(cols))
}

func (s *Scheduler) addItem(collection, id int64) {
	s.itemQueues[collection] = append(s.itemQueues[collection], id)
	s.touched[collection] = s.now()
	s.queue = slices.DeleteFunc(s.queue, func(c int64) bool { return c == collection })
	s.queue = append(s.queue, collection)
	s.publishQueue()
	s.arm(s.opts.BusyWindow)
}

func (s *Scheduler) scheduleCollection(id int64, full bool) {
	if !slices.Contains(s.queue, id) {
		s.queue = append(s.queue, id)
	}
	if full {
		if s.current != nil && s.current.Collection == id {
			s.current.redirtied = true
		}
		if !s.dirty[id] {
			s.dirty[id] = true
			s.persistDirty()
		}
	}
	s.publishQueue()
	s.processNext()
}

func (s *Scheduler) removeCollection(id int64) {
	s.queue = slices.DeleteFunc(s.queue, func(c int64) bool { return c == id })
	delete(s.itemQueues, id)
	delete(s.touched, id)
	if s.dirty[id] {
		delete(s.dirty, id)
		s.persistDirty()
	}
	s.publishQueue()
	if s.current != nil && s.current.Collection == id {
		s.current.cancel()
		s.current.cancelled = true
		s.current.removed = true
		return
	}
	s.purge(id)
	s.processNext()
}

func (s *Scheduler) purge(id int64) {
	n, err := s.writer.DeleteByCollection(id)
	if err != nil {
		log.Errorf("%s: clearing collection %d failed: %v", s.opts.Domain, id, err)
		return
	}
	if n > 0 {
		log.Infof("%s: removed %d documents of collection %d", s.opts.Domain, n, id)
	}
}

// arm schedules processNext after d.
func (s *Scheduler) arm(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() { s.post(s.processNext) })
}

func (s *Scheduler) processNext() {
	if s.current != nil {
		return
	}
	if len(s.queue) == 0 {
		s.setStatus(Status{State: StatusIdle})
		return
	}
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	head := s.queue[0]
	if since := s.now().Sub(s.touched[head]); since < s.opts.BusyWindow {
		s.arm(s.opts.BusyWindow - since)
		return
	}

	s.queue = s.queue[1:]
	pending := s.itemQueues[head]
	delete(s.itemQueues, head)
	delete(s.touched, head)

	mode := Incremental
	if s.dirty[head] {
		mode = FullSync
	}
	s.start(Job{Collection: head, Pending: pending, Mode: mode})
}

func (s *Scheduler) start(j Job) {
	ctx, cancel := context.WithCancel(s.ctx)
	current := &job{Job: j, cancel: cancel, started: s.now(), done: make(chan struct{})}
	s.current = current
	s.publishQueue()
	s.setStatus(Status{State: StatusWorking, Collection: j.Collection, Mode: j.Mode.String()})
	log.Debugf("%s: reconciling collection %d (%s, %d pending)", s.opts.Domain, j.Collection, j.Mode, len(j.Pending))

	r := NewReconciler(j, ReconcilerConfig{
		Domain:    s.opts.Domain,
		Fetcher:   s.fetcher,
		Writer:    s.writer,
		Extractor: s.extractor,
		Committer: s.committer,
		MimeTypes: s.opts.MimeTypes,
		BatchSize: s.opts.BatchSize,
		Progress: func(percent int) {
			s.post(func() {
				if s.current == current {
					s.setStatus(Status{State: StatusWorking, Collection: j.Collection, Mode: j.Mode.String(), Percent: percent})
				}
			})
		},
	})

	go func() {
		err := r.Run(ctx)
		cancel()
		close(current.done)
		s.post(func() { s.finish(current, err) })
	}()
}

func (s *Scheduler) finish(j *job, err error) {
	if s.current != j {
		return
	}
	s.current = nil

	status := "ok"
	switch {
	case j.removed:
		status = "cancelled"
		s.purge(j.Collection)
	case j.cancelled:
		status = "cancelled"
		s.dirty[j.Collection] = true
		s.persistDirty()
	case err == nil:
		if !j.redirtied && s.dirty[j.Collection] {
			delete(s.dirty, j.Collection)
			s.persistDirty()
		}
	case errdefs.IsType(err, errdefs.ErrTypeCancelled):
		status = "cancelled"
		s.dirty[j.Collection] = true
		s.persistDirty()
	default:
		status = "failed"
		log.Errorf("%s: reconciling collection %d failed: %v", s.opts.Domain, j.Collection, err)
		s.dirty[j.Collection] = true
		s.persistDirty()
	}
	metrics.JobsTotal.WithLabelValues(s.opts.Domain, j.Mode.String(), status).Inc()
	metrics.JobDuration.WithLabelValues(s.opts.Domain, j.Mode.String()).Observe(s.now().Sub(j.started).Seconds())

	s.processNext()
}

func (s *Scheduler) abort() {
	if s.current != nil && !s.current.cancelled {
		s.current.cancel()
		s.current.cancelled = true
		if !s.current.removed {
			s.dirty[s.current.Collection] = true
		}
	}
	// queued item changes would be lost with the queue
	for _, id := range s.queue {
		if len(s.itemQueues[id]) > 0 {
			s.dirty[id] = true
		}
	}
	s.queue = nil
	clear(s.itemQueues)
	clear(s.touched)
	s.persistDirty()
	if err := s.committer.Flush(); err != nil {
		log.Errorf("%s: commit on abort failed: %v", s.opts.Domain, err)
	}
	s.publishQueue()
	s.setStatus(Status{State: StatusIdle})
}

func (s *Scheduler) dirtyIDs() []int64 {
	ids := make([]int64, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Scheduler) persistDirty() {
	ids := s.dirtyIDs()
	metrics.DirtyCollections.WithLabelValues(s.opts.Domain).Set(float64(len(ids)))
	if err := s.state.SaveDirty(s.opts.Domain, ids); err != nil {
		log.Errorf("%s: failed to persist dirty collections: %v", s.opts.Domain, err)
	}
}

func (s *Scheduler) publishQueue() {
	metrics.QueueLength.WithLabelValues(s.opts.Domain).Set(float64(len(s.queue)))
	s.statusMu.Lock()
	s.status.Queued = len(s.queue)
	s.status.Dirty = len(s.dirty)
	s.statusMu.Unlock()
}

func (s *Scheduler) setStatus(st Status) {
	st.Domain = s.opts.Domain
	s.statusMu.Lock()
	st.Queued = len(s.queue)
	st.Dirty = len(s.dirty)
	changed := st != s.status
	s.status = st
	s.statusMu.Unlock()
	if changed {
		s.onStatus(st)
	}
}
