// Package searcher runs query envelopes over the per-type indexes.
package searcher

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/doctype"
	"github.com/AvengeMedia/pimsearch/internal/errdefs"
	"github.com/AvengeMedia/pimsearch/internal/index"
	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/AvengeMedia/pimsearch/internal/metrics"
	"github.com/AvengeMedia/pimsearch/internal/query"
	"github.com/AvengeMedia/pimsearch/internal/registry"
	"github.com/AvengeMedia/pimsearch/internal/translate"
	bleve "github.com/blevesearch/bleve/v2"
	bquery "github.com/blevesearch/bleve/v2/search/query"
	"golang.org/x/sync/errgroup"
)

// Store is one searchable index.
type Store struct {
	Type   doctype.DocType
	Engine *index.Engine
}

type Hit struct {
	ID         int64  `json:"id"`
	Type       string `json:"type"`
	Collection int64  `json:"collection"`
	Data       string `json:"data"`

	sortValue int64
	sorted    bool
}

type Result struct {
	Hits  []Hit  `json:"hits"`
	Total uint64 `json:"total"`
}

type Searcher struct {
	stores []Store
}

func New(stores ...Store) *Searcher {
	return &Searcher{stores: stores}
}

// Select returns the stores whose types cover every requested type.
func (s *Searcher) Select(types []string) []Store {
	var out []Store
	for _, st := range s.stores {
		if doctype.HasTypes(st.Type, types) {
			out = append(out, st)
		}
	}
	return out
}

type storeResult struct {
	hits  []Hit
	total uint64
}

// Search runs q on every selected store concurrently and merges the hits.
func (s *Searcher) Search(ctx context.Context, q query.Query) (res *Result, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.SearchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	if q.Limit < 0 || q.Offset < 0 {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "negative limit or offset", nil)
	}
	if err := q.Term.Validate(); err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "invalid term", err)
	}

	stores := s.Select(q.Types)
	if len(stores) == 0 || q.Limit == 0 {
		return &Result{Hits: []Hit{}}, nil
	}

	results := make([]storeResult, len(stores))
	g, gctx := errgroup.WithContext(ctx)
	for i, st := range stores {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return errdefs.NewCustomError(errdefs.ErrTypeCancelled, "search cancelled", err)
			}
			r, err := searchStore(st, q)
			if errdefs.IsType(err, errdefs.ErrTypeEngineUnavailable) {
				log.Warnf("%s: skipping unavailable index: %v", st.Type.Name(), err)
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return merge(results, q), nil
}

// Build returns the engine query for one store.
func Build(reg *registry.Registry, expander translate.Expander, q query.Query) bquery.Query {
	tr := translate.New(reg, expander)
	parts := []bquery.Query{tr.Translate(q.Term)}
	if ft := tr.FreeText(q.FreeText); ft != nil {
		parts = append(parts, ft)
	}
	if df := translate.DateFilter(q.Year, q.Month, q.Day); df != nil {
		parts = append(parts, df)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return bleve.NewConjunctionQuery(parts...)
}

// SortKey resolves the sort option against a registry. It returns nil when
// results stay in engine order.
func SortKey(reg *registry.Registry, q query.Query) *index.SortKey {
	desc := !q.Ascending()
	switch q.Sort {
	case query.SortAuto:
		for _, slot := range reg.Slots() {
			if slot == 0 {
				return &index.SortKey{Slot: 0, Descending: desc}
			}
		}
	case query.SortProperty:
		k, ok := reg.Classify(q.SortProperty)
		if ok && k.Type == registry.NumericSlot {
			return &index.SortKey{Slot: k.Slot, Descending: desc}
		}
		log.Debugf("%s: cannot sort by %q", reg.Name(), q.SortProperty)
	}
	return nil
}

func searchStore(st Store, q query.Query) (storeResult, error) {
	reg := st.Type.Registry()
	sort := SortKey(reg, q)
	r, err := st.Engine.Search(Build(reg, st.Engine, q), index.SearchOptions{
		Limit: q.Offset + q.Limit,
		Sort:  sort,
	})
	if err != nil {
		return storeResult{}, err
	}
	hits := make([]Hit, 0, len(r.Hits))
	for _, h := range r.Hits {
		hits = append(hits, Hit{
			ID:         h.ID,
			Type:       st.Type.Name(),
			Collection: h.Collection,
			Data:       h.Data,
			sortValue:  h.SortValue,
			sorted:     sort != nil,
		})
	}
	return storeResult{hits: hits, total: r.Total}, nil
}

// merge concatenates store results in store order, orders them by sort
// value when sorting applies, then cuts the offset/limit window.
func merge(results []storeResult, q query.Query) *Result {
	out := &Result{Hits: []Hit{}}
	for _, r := range results {
		out.Hits = append(out.Hits, r.hits...)
		out.Total += r.total
	}
	if q.Sort != query.SortNone && len(results) > 1 {
		asc := q.Ascending()
		slices.SortStableFunc(out.Hits, func(a, b Hit) int {
			switch {
			case a.sorted && !b.sorted:
				return -1
			case !a.sorted && b.sorted:
				return 1
			case !a.sorted:
				return 0
			}
			if asc {
				return cmp.Compare(a.sortValue, b.sortValue)
			}
			return cmp.Compare(b.sortValue, a.sortValue)
		})
	}

	if q.Offset >= len(out.Hits) {
		out.Hits = out.Hits[:0]
		return out
	}
	out.Hits = out.Hits[q.Offset:]
	if len(out.Hits) > q.Limit {
		out.Hits = out.Hits[:q.Limit]
	}
	return out
}
