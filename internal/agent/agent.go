// Package agent consumes the store change feed and keeps every index
// domain current.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AvengeMedia/pimsearch/internal/doctype"
	"github.com/AvengeMedia/pimsearch/internal/errdefs"
	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/AvengeMedia/pimsearch/internal/scheduler"
	"github.com/AvengeMedia/pimsearch/internal/store"
	bleve "github.com/blevesearch/bleve/v2"
	"golang.org/x/sync/errgroup"
)

// Store is the item source the agent watches and acts on.
type Store interface {
	store.Fetcher
	store.Feed
	MoveItems(ctx context.Context, ids []int64, to int64) error
}

// Domain is one item type with its index and scheduler.
type Domain struct {
	Type      doctype.ItemType
	Engine    *index.Engine
	Committer *scheduler.Committer
	Scheduler *scheduler.Scheduler
}

// CollectionIndex holds one document per collection.
type CollectionIndex struct {
	Type      *doctype.CollectionType
	Engine    *index.Engine
	Committer *scheduler.Committer
}

type Status struct {
	State   string             `json:"state"`
	Domains []scheduler.Status `json:"domains"`
}

type Agent struct {
	store       Store
	domains     []*Domain
	byMime      map[string]*Domain
	collections *CollectionIndex

	mu      sync.Mutex
	running bool
}

func New(st Store, domains []*Domain, collections *CollectionIndex) *Agent {
	a := &Agent{
		store:       st,
		domains:     domains,
		byMime:      make(map[string]*Domain),
		collections: collections,
	}
	for _, d := range domains {
		for _, mime := range d.Type.MimeTypes() {
			a.byMime[mime] = d
		}
	}
	return a
}

func (a *Agent) Domains() []*Domain { return a.domains }

func (a *Agent) Collections() *CollectionIndex { return a.collections }

// Run starts every scheduler, refreshes collection documents and routes
// feed events until ctx ends or the feed closes.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("agent already running")
	}
	a.running = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range a.domains {
		g.Go(func() error { return d.Scheduler.Run(gctx) })
	}

	if err := a.RefreshCollections(ctx); err != nil {
		log.Warnf("failed to refresh collections: %v", err)
	}

	g.Go(func() error {
		defer cancel()
		events := a.store.Events()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					log.Info("change feed closed")
					return nil
				}
				a.Handle(ev)
			}
		}
	})

	err := g.Wait()
	a.flush()
	return err
}

func (a *Agent) flush() {
	for _, d := range a.domains {
		if err := d.Committer.Stop(); err != nil {
			log.Errorf("%s: final commit failed: %v", d.Type.Name(), err)
		}
	}
	if a.collections != nil {
		if err := a.collections.Committer.Stop(); err != nil {
			log.Errorf("collection: final commit failed: %v", err)
		}
	}
}

// Handle routes one store event.
func (a *Agent) Handle(ev store.Event) {
	log.Debugf("event %s: %d items, collection %d", ev.Kind, len(ev.Items), ev.Collection.ID)

	switch ev.Kind {
	case store.ItemAdded:
		a.itemsChanged(ev.Items)
	case store.ItemChanged:
		if ev.HasPayloadPart() {
			a.itemsChanged(ev.Items)
		}
	case store.ItemsFlagsChanged:
		a.flagsChanged(ev)
	case store.ItemsRemoved:
		a.itemsRemoved(ev.Items)
	case store.ItemsMoved:
		a.itemsMoved(ev)
	case store.CollectionAdded:
		a.collectionAdded(ev.Collection)
	case store.CollectionChanged:
		a.collectionChanged(ev.Collection)
	case store.CollectionRemoved:
		a.collectionRemoved(ev.Collection)
	case store.CollectionMoved:
		a.collectionMoved(ev)
	default:
		log.Warnf("ignoring unknown event %s", ev.Kind)
	}
}

func (a *Agent) domainFor(item store.Item) (*Domain, bool) {
	d, ok := a.byMime[item.MimeType]
	if !ok {
		log.Debugf("no index for item %d (%q)", item.ID, item.MimeType)
	}
	return d, ok
}

func (a *Agent) itemsChanged(items []store.Item) {
	for _, item := range items {
		if d, ok := a.domainFor(item); ok {
			d.Scheduler.AddItem(item)
		}
	}
}

func (a *Agent) flagsChanged(ev store.Event) {
	for _, item := range ev.Items {
		d, ok := a.domainFor(item)
		if !ok {
			continue
		}
		add, remove := d.Type.FlagTerms(ev.AddedFlags, ev.RemovedFlags)
		if len(add) == 0 && len(remove) == 0 {
			continue
		}
		err := d.Engine.UpdateFlags(item.ID, add, remove)
		switch {
		case errdefs.IsType(err, errdefs.ErrTypeNotFound):
			d.Scheduler.AddItem(item)
		case err != nil:
			log.Errorf("%s: flag update of item %d failed: %v", d.Type.Name(), item.ID, err)
		default:
			d.Committer.Touch()
		}
	}
}

func (a *Agent) itemsRemoved(items []store.Item) {
	for _, item := range items {
		d, ok := a.domainFor(item)
		if !ok {
			continue
		}
		if err := d.Engine.Delete(item.ID); err != nil {
			log.Errorf("%s: delete of item %d failed: %v", d.Type.Name(), item.ID, err)
			continue
		}
		d.Committer.Touch()
	}
}

func (a *Agent) itemsMoved(ev store.Event) {
	for _, item := range ev.Items {
		d, ok := a.domainFor(item)
		if !ok {
			continue
		}
		err := d.Engine.RetagCollection(item.ID, ev.From, ev.To)
		switch {
		case errdefs.IsType(err, errdefs.ErrTypeNotFound):
			item.Collection = ev.To
			d.Scheduler.AddItem(item)
		case err != nil:
			log.Errorf("%s: move of item %d failed: %v", d.Type.Name(), item.ID, err)
		default:
			d.Committer.Touch()
		}
	}
}

func (a *Agent) indexCollection(c store.Collection) {
	if a.collections == nil {
		return
	}
	if err := a.collections.Engine.Index(a.collections.Type.Document(c)); err != nil {
		log.Errorf("collection: indexing %d failed: %v", c.ID, err)
		return
	}
	a.collections.Committer.Touch()
}

func (a *Agent) collectionAdded(c store.Collection) {
	a.indexCollection(c)
	for _, d := range a.domains {
		d.Scheduler.ScheduleCollection(c.ID, true)
	}
}

func (a *Agent) collectionChanged(c store.Collection) {
	a.indexCollection(c)
	for _, d := range a.domains {
		if c.Indexable() {
			d.Scheduler.ScheduleCollection(c.ID, true)
			continue
		}
		log.Infof("%s: indexing disabled for collection %d", d.Type.Name(), c.ID)
		d.Scheduler.RemoveCollection(c.ID)
	}
}

func (a *Agent) collectionRemoved(c store.Collection) {
	if a.collections != nil {
		if err := a.collections.Engine.Delete(c.ID); err != nil {
			log.Errorf("collection: delete of %d failed: %v", c.ID, err)
		} else {
			a.collections.Committer.Touch()
		}
	}
	// the scheduler purges documents once its job for c has stopped
	for _, d := range a.domains {
		d.Scheduler.RemoveCollection(c.ID)
	}
}

func (a *Agent) collectionMoved(ev store.Event) {
	if a.collections == nil {
		return
	}
	err := a.collections.Engine.RetagCollection(ev.Collection.ID, ev.From, ev.To)
	switch {
	case errdefs.IsType(err, errdefs.ErrTypeNotFound):
		c := ev.Collection
		c.Parent = ev.To
		a.indexCollection(c)
	case err != nil:
		log.Errorf("collection: move of %d failed: %v", ev.Collection.ID, err)
	default:
		a.collections.Committer.Touch()
	}
}

// RefreshCollections reindexes every collection document and drops the
// documents of collections that no longer exist.
func (a *Agent) RefreshCollections(ctx context.Context) error {
	if a.collections == nil {
		return nil
	}
	cols, err := a.store.Collections(ctx)
	if err != nil {
		return err
	}
	live := make(map[int64]bool, len(cols))
	for _, c := range cols {
		live[c.ID] = true
		if err := a.collections.Engine.Index(a.collections.Type.Document(c)); err != nil {
			return err
		}
	}
	if err := a.collections.Committer.Flush(); err != nil {
		return err
	}

	engine := a.collections.Engine
	total, err := engine.DocCount()
	if err != nil || total == 0 {
		return err
	}
	res, err := engine.Search(bleve.NewMatchAllQuery(), index.SearchOptions{Limit: int(total)})
	if err != nil {
		return err
	}
	removed := 0
	for _, hit := range res.Hits {
		if !live[hit.ID] {
			if err := engine.Delete(hit.ID); err != nil {
				return err
			}
			removed++
		}
	}
	if removed > 0 {
		log.Debugf("collection: removed %d stale documents", removed)
		return a.collections.Committer.Flush()
	}
	return nil
}

// Sync schedules a full sync of one collection on every domain, or of all
// collections when id is 0.
func (a *Agent) Sync(ctx context.Context, id int64) (int, error) {
	if id != 0 {
		c, err := a.store.Collection(ctx, id)
		if err != nil {
			return 0, err
		}
		a.indexCollection(*c)
		for _, d := range a.domains {
			d.Scheduler.ScheduleCollection(id, true)
		}
		return 1, nil
	}

	if err := a.RefreshCollections(ctx); err != nil {
		return 0, err
	}
	cols, err := a.store.Collections(ctx)
	if err != nil {
		return 0, err
	}
	for _, c := range cols {
		for _, d := range a.domains {
			d.Scheduler.ScheduleCollection(c.ID, true)
		}
	}
	return len(cols), nil
}

func (a *Agent) ListCollections(ctx context.Context) ([]store.Collection, error) {
	return a.store.Collections(ctx)
}

func (a *Agent) MoveItems(ctx context.Context, ids []int64, to int64) error {
	if len(ids) == 0 {
		return errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "no items to move", nil)
	}
	if _, err := a.store.Collection(ctx, to); err != nil {
		return fmt.Errorf("target collection %d: %w", to, err)
	}
	return a.store.MoveItems(ctx, ids, to)
}

// Status reports idle unless some domain is working.
func (a *Agent) Status() Status {
	st := Status{State: scheduler.StatusIdle, Domains: make([]scheduler.Status, 0, len(a.domains))}
	for _, d := range a.domains {
		ds := d.Scheduler.Status()
		if ds.State == scheduler.StatusWorking {
			st.State = scheduler.StatusWorking
		}
		st.Domains = append(st.Domains, ds)
	}
	return st
}
