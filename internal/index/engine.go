// Package index is the per-document-type write and read facade over a
// bleve index.
package index

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/errdefs"
	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/AvengeMedia/pimsearch/internal/metrics"
	bleve "github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"
	bindex "github.com/blevesearch/bleve_index_api"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MaxSlots is the number of numeric slots every index maps.
const MaxSlots = 8

const expandCacheSize = 512

type Engine struct {
	name    string
	path    string
	mu      sync.RWMutex
	idx     bleve.Index
	err     error
	closed  bool
	batch   *bleve.Batch
	pending map[string]*stored
	expand  *lru.Cache[string, []string]
}

// Open opens or creates the index at path; an empty path keeps it in
// memory. Open never fails: an index that cannot be opened yields a
// disabled engine whose calls all return EngineUnavailable.
func Open(name, path string) *Engine {
	e := &Engine{
		name:    name,
		path:    path,
		pending: make(map[string]*stored),
	}

	cache, err := lru.New[string, []string](expandCacheSize)
	if err != nil {
		e.err = errdefs.NewCustomError(errdefs.ErrTypeEngineUnavailable, name, err)
		return e
	}
	e.expand = cache

	idx, err := openOrCreateIndex(path)
	if err != nil {
		e.err = errdefs.NewCustomError(errdefs.ErrTypeEngineUnavailable, fmt.Sprintf("open %s index", name), err)
		log.Errorf("%s index disabled: %v", name, err)
		return e
	}
	e.idx = idx
	e.batch = idx.NewBatch()

	if count, err := idx.DocCount(); err == nil {
		log.Infof("%s index ready with %d documents", name, count)
	}
	return e
}

func openOrCreateIndex(path string) (bleve.Index, error) {
	m, err := buildIndexMapping()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return bleve.NewMemOnly(m)
	}

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		idx, err = bleve.NewUsing(path, m, "scorch", "scorch", getIndexConfig())
		if err != nil {
			return nil, err
		}
		log.Infof("created new index at %s", path)
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	log.Debugf("opened existing index at %s", path)
	return idx, nil
}

func getIndexConfig() map[string]interface{} {
	return map[string]interface{}{
		"create_if_missing": true,
		"error_if_exists":   false,
		"unsafe_batch":      false,
		"store": map[string]interface{}{
			"mmap":              false,
			"metrics":           false,
			"create_if_missing": true,
			"error_if_exists":   false,
		},
	}
}

func buildIndexMapping() (mapping.IndexMapping, error) {
	m := bleve.NewIndexMapping()
	err := m.AddCustomAnalyzer(TermsAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": TermsTokenizerName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add terms analyzer: %w", err)
	}
	m.StoreDynamic = false
	m.IndexDynamic = false
	m.DocValuesDynamic = false

	docMapping := bleve.NewDocumentStaticMapping()

	termsField := bleve.NewTextFieldMapping()
	termsField.Analyzer = TermsAnalyzerName
	termsField.Store = true
	termsField.IncludeTermVectors = true
	termsField.IncludeInAll = false
	termsField.DocValues = false
	docMapping.AddFieldMappingsAt(fieldTerms, termsField)

	flagsField := bleve.NewTextFieldMapping()
	flagsField.Analyzer = "keyword"
	flagsField.Store = true
	flagsField.IncludeInAll = false
	docMapping.AddFieldMappingsAt(fieldFlags, flagsField)

	for slot := 0; slot < MaxSlots; slot++ {
		slotField := bleve.NewTextFieldMapping()
		slotField.Analyzer = "keyword"
		slotField.Store = true
		slotField.IncludeInAll = false
		slotField.DocValues = true
		docMapping.AddFieldMappingsAt(SlotField(slot), slotField)
	}

	dataField := bleve.NewTextFieldMapping()
	dataField.Index = false
	dataField.Store = true
	dataField.IncludeInAll = false
	dataField.DocValues = false
	docMapping.AddFieldMappingsAt(fieldData, dataField)

	m.DefaultMapping = docMapping
	return m, nil
}

func (e *Engine) Name() string { return e.name }

// Err reports why the engine is disabled, nil when it is usable.
func (e *Engine) Err() error { return e.err }

func (e *Engine) usable() error {
	if e.err != nil {
		return e.err
	}
	if e.closed {
		return errdefs.NewCustomError(errdefs.ErrTypeEngineUnavailable, e.name+" index closed", nil)
	}
	return nil
}

// Index replaces the document with the same id.
func (e *Engine) Index(doc *Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return err
	}
	for slot := range doc.slots {
		if slot < 0 || slot >= MaxSlots {
			return errdefs.NewCustomError(errdefs.ErrTypeIndexingFailed,
				fmt.Sprintf("%s document %d: slot %d out of range", e.name, doc.ID(), slot), nil)
		}
	}
	return e.put(docID(doc.ID()), doc.toStored(), "index")
}

func (e *Engine) put(id string, s *stored, op string) error {
	if err := e.batch.Index(id, s.fields()); err != nil {
		return errdefs.NewCustomError(errdefs.ErrTypeIndexingFailed, fmt.Sprintf("%s document %s", e.name, id), err)
	}
	e.pending[id] = s
	metrics.IndexOpsTotal.WithLabelValues(e.name, op).Inc()
	return nil
}

// Delete removes a document. Deleting an unknown id succeeds.
func (e *Engine) Delete(id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return err
	}
	e.deleteLocked(docID(id))
	return nil
}

func (e *Engine) deleteLocked(id string) {
	e.batch.Delete(id)
	e.pending[id] = nil
	metrics.IndexOpsTotal.WithLabelValues(e.name, "delete").Inc()
}

// DeleteByCollection removes every document tagged with collection and
// returns how many were removed.
func (e *Engine) DeleteByCollection(collection int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return 0, err
	}
	if err := e.commitLocked(); err != nil {
		return 0, err
	}
	ids, err := e.collectionDocIDs(collection)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.deleteLocked(id)
	}
	if err := e.commitLocked(); err != nil {
		return 0, err
	}
	log.Debugf("%s: removed %d documents of collection %d", e.name, len(ids), collection)
	return len(ids), nil
}

// RetagCollection moves a document from one collection to another by
// rewriting its collection tag. Text postings are left untouched.
func (e *Engine) RetagCollection(id, from, to int64) error {
	return e.UpdateFlags(id, []string{CollectionTerm(to)}, []string{CollectionTerm(from)})
}

// UpdateFlags removes and adds boolean terms on a stored document.
func (e *Engine) UpdateFlags(id int64, add, remove []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return err
	}
	key := docID(id)
	s, err := e.load(key)
	if err != nil {
		return err
	}
	s.replaceFlags(remove, add)
	return e.put(key, s, "retag")
}

// load returns a copy of a document's stored form, pending writes first.
func (e *Engine) load(id string) (*stored, error) {
	if s, ok := e.pending[id]; ok {
		if s == nil {
			return nil, errdefs.NewCustomError(errdefs.ErrTypeNotFound, fmt.Sprintf("%s document %s", e.name, id), nil)
		}
		cp := *s
		cp.flags = append([]string(nil), s.flags...)
		cp.slots = make(map[string]string, len(s.slots))
		for k, v := range s.slots {
			cp.slots[k] = v
		}
		return &cp, nil
	}

	doc, err := e.idx.Document(id)
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeSearchFailed, fmt.Sprintf("%s document %s", e.name, id), err)
	}
	if doc == nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeNotFound, fmt.Sprintf("%s document %s", e.name, id), nil)
	}

	s := &stored{slots: make(map[string]string)}
	doc.VisitFields(func(f bindex.Field) {
		switch name := f.Name(); {
		case name == fieldTerms:
			s.terms = string(f.Value())
		case name == fieldFlags:
			s.flags = append(s.flags, string(f.Value()))
		case name == fieldData:
			s.data = string(f.Value())
		case strings.HasPrefix(name, slotPrefix):
			s.slots[name] = string(f.Value())
		}
	})
	return s, nil
}

// Commit flushes pending writes. It is a no-op when nothing is pending.
func (e *Engine) Commit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return err
	}
	return e.commitLocked()
}

func (e *Engine) commitLocked() error {
	if e.batch.Size() == 0 {
		return nil
	}
	start := time.Now()
	err := e.idx.Batch(e.batch)
	size := e.batch.Size()
	e.batch.Reset()
	clear(e.pending)
	e.expand.Purge()
	metrics.CommitDuration.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
	if err != nil {
		return errdefs.NewCustomError(errdefs.ErrTypeIndexingFailed, e.name+" commit", err)
	}
	log.Debugf("%s: committed %d operations in %v", e.name, size, time.Since(start))
	return nil
}

// Pending reports the number of uncommitted operations.
func (e *Engine) Pending() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.batch == nil {
		return 0
	}
	return e.batch.Size()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil || e.closed {
		return nil
	}
	commitErr := e.commitLocked()
	e.closed = true
	if err := e.idx.Close(); err != nil {
		return err
	}
	return commitErr
}
