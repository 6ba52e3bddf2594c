package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/AvengeMedia/pimsearch/internal/errdefs"
	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/AvengeMedia/pimsearch/internal/store"
)

// Writer is the part of an index engine a reconciliation needs.
type Writer interface {
	Index(doc *index.Document) error
	Delete(id int64) error
	DeleteByCollection(collection int64) (int, error)
	Commit() error
	Count(collection int64) (uint64, error)
	CollectionIDs(collection int64) ([]int64, error)
}

// Extractor turns a fetched item into an index document.
type Extractor interface {
	Extract(item store.Item, doc *index.Document) error
}

type Mode int

const (
	Incremental Mode = iota
	FullSync
)

func (m Mode) String() string {
	if m == FullSync {
		return "full"
	}
	return "incremental"
}

type State int

const (
	Idle State = iota
	FetchCollectionMeta
	IndexPending
	CountCheck
	Diff
	IndexMissing
	RemoveStale
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchCollectionMeta:
		return "fetch-collection"
	case IndexPending:
		return "index-pending"
	case CountCheck:
		return "count-check"
	case Diff:
		return "diff"
	case IndexMissing:
		return "index-missing"
	case RemoveStale:
		return "remove-stale"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Job describes one reconciliation of a collection.
type Job struct {
	Collection int64
	Pending    []int64
	Mode       Mode
}

// Reconciler brings the index for one collection in line with the store.
// It runs once; every transition goes through step.
type Reconciler struct {
	job       Job
	domain    string
	fetcher   store.Fetcher
	writer    Writer
	extractor Extractor
	committer *Committer
	mimeTypes []string
	batchSize int
	progress  func(percent int)

	state   State
	diffed  bool
	missing []int64
	stale   []int64
	indexed int
}

type ReconcilerConfig struct {
	Domain    string
	Fetcher   store.Fetcher
	Writer    Writer
	Extractor Extractor
	Committer *Committer
	MimeTypes []string
	BatchSize int
	Progress  func(percent int)
}

func NewReconciler(job Job, cfg ReconcilerConfig) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Committer == nil {
		cfg.Committer = NewCommitter(cfg.Domain, 0, cfg.Writer.Commit)
	}
	if cfg.Progress == nil {
		cfg.Progress = func(int) {}
	}
	return &Reconciler{
		job:       job,
		domain:    cfg.Domain,
		fetcher:   cfg.Fetcher,
		writer:    cfg.Writer,
		extractor: cfg.Extractor,
		committer: cfg.Committer,
		mimeTypes: cfg.MimeTypes,
		batchSize: cfg.BatchSize,
		progress:  cfg.Progress,
		state:     Idle,
	}
}

func (r *Reconciler) State() State { return r.state }

// Indexed reports how many documents the run wrote.
func (r *Reconciler) Indexed() int { return r.indexed }

// Run drives the state machine until Done or Failed. Documents written
// before a failure stay in the index.
func (r *Reconciler) Run(ctx context.Context) error {
	r.state = FetchCollectionMeta
	for r.state != Done {
		next, err := r.step(ctx)
		if err != nil {
			r.state = Failed
			return err
		}
		log.Debugf("%s: collection %d %s -> %s", r.domain, r.job.Collection, r.state, next)
		r.state = next
	}
	return nil
}

// checkCancelled runs before every index write so a cancelled job stops
// writing as soon as it regains control.
func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errdefs.NewCustomError(errdefs.ErrTypeCancelled, "reconcile cancelled", err)
	}
	return nil
}

func (r *Reconciler) step(ctx context.Context) (State, error) {
	if err := checkCancelled(ctx); err != nil {
		return Failed, err
	}

	switch r.state {
	case FetchCollectionMeta:
		return r.fetchCollection(ctx)

	case IndexPending:
		if err := r.indexItems(ctx, r.job.Pending); err != nil {
			return Failed, err
		}
		if r.job.Mode == FullSync {
			return CountCheck, nil
		}
		return Done, nil

	case CountCheck:
		return r.countCheck(ctx)

	case Diff:
		return r.diff(ctx)

	case IndexMissing:
		if err := r.indexItems(ctx, r.missing); err != nil {
			return Failed, err
		}
		return RemoveStale, nil

	case RemoveStale:
		for _, id := range r.stale {
			if err := checkCancelled(ctx); err != nil {
				return Failed, err
			}
			if err := r.writer.Delete(id); err != nil {
				return Failed, err
			}
		}
		if len(r.stale) > 0 {
			log.Debugf("%s: removed %d stale documents from collection %d", r.domain, len(r.stale), r.job.Collection)
			r.committer.Touch()
		}
		return CountCheck, nil
	}
	return Failed, fmt.Errorf("reconciler: unexpected state %s", r.state)
}

func (r *Reconciler) fetchCollection(ctx context.Context) (State, error) {
	c, err := r.fetcher.Collection(ctx, r.job.Collection)
	if errdefs.IsType(err, errdefs.ErrTypeNotFound) {
		log.Debugf("%s: collection %d is gone", r.domain, r.job.Collection)
		return Done, nil
	}
	if err != nil {
		return Failed, fetchError(err, "fetch collection")
	}
	if !c.Indexable() {
		log.Debugf("%s: skipping collection %d (virtual or not indexed)", r.domain, c.ID)
		return Done, nil
	}
	if len(r.job.Pending) > 0 {
		return IndexPending, nil
	}
	if r.job.Mode == FullSync {
		return CountCheck, nil
	}
	return Done, nil
}

func (r *Reconciler) countCheck(ctx context.Context) (State, error) {
	// counts only see committed documents
	if err := r.committer.Flush(); err != nil {
		return Failed, err
	}
	indexed, err := r.writer.Count(r.job.Collection)
	if err != nil {
		return Failed, err
	}
	live, err := r.fetcher.ItemCount(ctx, r.job.Collection, r.mimeTypes)
	if err != nil {
		return Failed, fetchError(err, "count items")
	}
	if indexed == uint64(live) {
		return Done, nil
	}
	if r.diffed {
		log.Warnf("%s: collection %d still differs after sync (%d indexed, %d live)", r.domain, r.job.Collection, indexed, live)
		return Done, nil
	}
	return Diff, nil
}

func (r *Reconciler) diff(ctx context.Context) (State, error) {
	r.diffed = true

	indexed, err := r.writer.CollectionIDs(r.job.Collection)
	if err != nil {
		return Failed, err
	}
	live, err := r.fetcher.ItemIDs(ctx, r.job.Collection, r.mimeTypes)
	if err != nil {
		return Failed, fetchError(err, "list items")
	}

	slices.Sort(indexed)
	slices.Sort(live)
	r.missing = r.missing[:0]
	r.stale = r.stale[:0]
	for _, id := range live {
		if _, found := slices.BinarySearch(indexed, id); !found {
			r.missing = append(r.missing, id)
		}
	}
	for _, id := range indexed {
		if _, found := slices.BinarySearch(live, id); !found {
			r.stale = append(r.stale, id)
		}
	}
	log.Debugf("%s: collection %d: %d missing, %d stale", r.domain, r.job.Collection, len(r.missing), len(r.stale))
	return IndexMissing, nil
}

func (r *Reconciler) indexItems(ctx context.Context, ids []int64) error {
	total := len(ids)
	if total == 0 {
		return nil
	}
	for start := 0; start < total; start += r.batchSize {
		end := min(start+r.batchSize, total)
		items, err := r.fetcher.Items(ctx, ids[start:end])
		if err != nil {
			return fetchError(err, "fetch items")
		}
		for _, item := range items {
			if item.Collection != r.job.Collection {
				// moved away after it was queued; the move retagged or requeued it
				log.Debugf("%s: item %d now in collection %d, skipping", r.domain, item.ID, item.Collection)
				continue
			}
			doc := index.NewDocument(item.ID, r.job.Collection)
			if err := r.extractor.Extract(item, doc); err != nil {
				log.Warnf("%s: skipping item %d: %v", r.domain, item.ID, err)
				continue
			}
			if err := checkCancelled(ctx); err != nil {
				return err
			}
			if err := r.writer.Index(doc); err != nil {
				return err
			}
			r.indexed++
		}
		r.committer.Touch()
		r.progress(end * 100 / total)
	}
	return nil
}

// fetchError keeps cancellation and not-found distinct and files every
// other store error under FetchFailed.
func fetchError(err error, msg string) error {
	switch {
	case errdefs.IsType(err, errdefs.ErrTypeCancelled), errdefs.IsType(err, errdefs.ErrTypeFetchFailed):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errdefs.NewCustomError(errdefs.ErrTypeCancelled, msg, err)
	}
	return errdefs.NewCustomError(errdefs.ErrTypeFetchFailed, msg, err)
}
