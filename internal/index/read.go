package index

import (
	"fmt"
	"strconv"

	"github.com/AvengeMedia/pimsearch/internal/errdefs"
	"github.com/AvengeMedia/pimsearch/internal/metrics"
	"github.com/AvengeMedia/pimsearch/internal/tokenizer"
	bleve "github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"
	bquery "github.com/blevesearch/bleve/v2/search/query"
)

// SortKey orders results by a numeric slot.
type SortKey struct {
	Slot       int
	Descending bool
}

type SearchOptions struct {
	Limit  int
	Offset int
	Sort   *SortKey
}

type Hit struct {
	ID         int64  `json:"id"`
	Collection int64  `json:"collection"`
	Data       string `json:"data"`
	// SortValue is the decoded sort slot, zero when unsorted.
	SortValue int64 `json:"-"`
}

type Results struct {
	Hits  []Hit
	Total uint64
}

// TermField is the field positional and bag postings live in.
const TermField = fieldTerms

// FlagField is the field boolean terms live in.
const FlagField = fieldFlags

// Search runs q against committed documents.
func (e *Engine) Search(q bquery.Query, opts SearchOptions) (*Results, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.usable(); err != nil {
		return nil, err
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeInvalidQuery, "negative limit or offset", nil)
	}

	req := bleve.NewSearchRequestOptions(q, opts.Limit, opts.Offset, false)
	req.Fields = []string{fieldData, fieldFlags}
	sortField := ""
	if opts.Sort != nil {
		sortField = SlotField(opts.Sort.Slot)
		req.SortByCustom(search.SortOrder{
			&search.SortField{
				Field:   sortField,
				Desc:    opts.Sort.Descending,
				Type:    search.SortFieldAsString,
				Missing: search.SortFieldMissingLast,
			},
			&search.SortDocID{},
		})
	}

	res, err := e.idx.Search(req)
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeSearchFailed, e.name, err)
	}

	out := &Results{Total: res.Total, Hits: make([]Hit, 0, len(res.Hits))}
	for _, dm := range res.Hits {
		id, err := strconv.ParseInt(dm.ID, 10, 64)
		if err != nil {
			continue
		}
		hit := Hit{ID: id}
		if data, ok := dm.Fields[fieldData].(string); ok {
			hit.Data = data
		}
		hit.Collection = collectionFromFlags(dm.Fields[fieldFlags])
		if sortField != "" && len(dm.Sort) > 0 {
			hit.SortValue, _ = DecodeSortableInt64(dm.Sort[0])
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

func collectionFromFlags(v any) int64 {
	s := &stored{}
	switch f := v.(type) {
	case string:
		s.flags = []string{f}
	case []interface{}:
		for _, item := range f {
			if str, ok := item.(string); ok {
				s.flags = append(s.flags, str)
			}
		}
	}
	id, _ := s.collection()
	return id
}

func collectionQuery(collection int64) bquery.Query {
	q := bleve.NewTermQuery(CollectionTerm(collection))
	q.SetField(fieldFlags)
	return q
}

// Count returns the number of committed documents tagged with collection.
func (e *Engine) Count(collection int64) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.usable(); err != nil {
		return 0, err
	}
	req := bleve.NewSearchRequestOptions(collectionQuery(collection), 0, 0, false)
	res, err := e.idx.Search(req)
	if err != nil {
		return 0, errdefs.NewCustomError(errdefs.ErrTypeSearchFailed, fmt.Sprintf("%s count %d", e.name, collection), err)
	}
	return res.Total, nil
}

// CollectionIDs lists the committed document ids tagged with collection.
func (e *Engine) CollectionIDs(collection int64) ([]int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.usable(); err != nil {
		return nil, err
	}
	keys, err := e.collectionDocIDs(collection)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		if id, err := strconv.ParseInt(k, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

const idPageSize = 10000

func (e *Engine) collectionDocIDs(collection int64) ([]string, error) {
	var ids []string
	for from := 0; ; from += idPageSize {
		req := bleve.NewSearchRequestOptions(collectionQuery(collection), idPageSize, from, false)
		req.SortBy([]string{"_id"})
		res, err := e.idx.Search(req)
		if err != nil {
			return nil, errdefs.NewCustomError(errdefs.ErrTypeSearchFailed, fmt.Sprintf("%s ids of %d", e.name, collection), err)
		}
		for _, dm := range res.Hits {
			ids = append(ids, dm.ID)
		}
		if len(res.Hits) < idPageSize {
			return ids, nil
		}
	}
}

// Data returns the preview blob of a document.
func (e *Engine) Data(id int64) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.usable(); err != nil {
		return "", err
	}
	s, err := e.load(docID(id))
	if err != nil {
		return "", err
	}
	return s.data, nil
}

// Has reports whether a document exists, pending writes included.
func (e *Engine) Has(id int64) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.usable(); err != nil {
		return false, err
	}
	_, err := e.load(docID(id))
	if errdefs.IsType(err, errdefs.ErrTypeNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Flags returns the boolean terms of a document, pending writes included.
func (e *Engine) Flags(id int64) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.usable(); err != nil {
		return nil, err
	}
	s, err := e.load(docID(id))
	if err != nil {
		return nil, err
	}
	return s.flags, nil
}

func (e *Engine) DocCount() (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.usable(); err != nil {
		return 0, err
	}
	n, err := e.idx.DocCount()
	if err != nil {
		return 0, errdefs.NewCustomError(errdefs.ErrTypeSearchFailed, e.name+" doc count", err)
	}
	return n, nil
}

// TermFrequencies lists committed terms starting with prefix together with
// their document frequency.
func (e *Engine) TermFrequencies(prefix string) ([]tokenizer.TermCount, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if err := e.usable(); err != nil {
		return nil, err
	}
	dict, err := e.idx.FieldDictPrefix(fieldTerms, []byte(prefix))
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeSearchFailed, e.name+" term dictionary", err)
	}
	defer dict.Close()

	var out []tokenizer.TermCount
	for {
		entry, err := dict.Next()
		if err != nil {
			return nil, errdefs.NewCustomError(errdefs.ErrTypeSearchFailed, e.name+" term dictionary", err)
		}
		if entry == nil {
			return out, nil
		}
		out = append(out, tokenizer.TermCount{Term: entry.Term, Count: entry.Count})
	}
}

// Expand returns the most frequent committed terms starting with prefix.
// Results are cached until the next commit.
func (e *Engine) Expand(prefix string) ([]string, error) {
	e.mu.RLock()
	err := e.usable()
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if terms, ok := e.expand.Get(prefix); ok {
		metrics.ExpandCacheTotal.WithLabelValues(e.name, "hit").Inc()
		return terms, nil
	}
	metrics.ExpandCacheTotal.WithLabelValues(e.name, "miss").Inc()

	terms, err := tokenizer.Expand(e, prefix, tokenizer.ExpandLimit)
	if err != nil {
		return nil, err
	}
	e.expand.Add(prefix, terms)
	return terms, nil
}
