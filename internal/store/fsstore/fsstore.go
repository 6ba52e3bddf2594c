// Package fsstore serves items and collections from a directory tree.
// Directories are collections and files with a known extension are items.
// Item flags live in the user.pim.flags extended attribute.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/AvengeMedia/pimsearch/internal/config"
	"github.com/AvengeMedia/pimsearch/internal/errdefs"
	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/AvengeMedia/pimsearch/internal/metastore"
	"github.com/AvengeMedia/pimsearch/internal/store"
	"github.com/pkg/xattr"
)

const (
	flagsAttr = "user.pim.flags"

	VirtualMarker  = ".virtual"
	NoIndexMarker  = ".noindex"
	eventQueueSize = 256
)

var mimeByExt = map[string]string{
	".eml":     store.MimeEmail,
	".contact": store.MimeContact,
	".event":   store.MimeEvent,
	".note":    store.MimeNote,
	".md":      store.MimeNote,
	".txt":     store.MimeNote,
}

// MimeTypes lists every item mime type the store can hold.
func MimeTypes() []string {
	return []string{store.MimeEmail, store.MimeContact, store.MimeEvent, store.MimeNote}
}

func mimeOf(path string) (string, bool) {
	m, ok := mimeByExt[strings.ToLower(filepath.Ext(path))]
	return m, ok
}

type Store struct {
	cfg    *config.Config
	meta   *metastore.Store
	root   string
	events chan store.Event
	done   chan struct{}

	mu     sync.Mutex
	flags  map[int64][]string
	moving map[string]bool
	closed bool
}

func New(cfg *config.Config, meta *metastore.Store) (*Store, error) {
	root, err := filepath.Abs(cfg.StoreRoot)
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeInvalidConfig, "invalid store root", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeInvalidConfig, "failed to create store root", err)
	}
	return &Store{
		cfg:    cfg,
		meta:   meta,
		root:   root,
		events: make(chan store.Event, eventQueueSize),
		done:   make(chan struct{}),
		flags:  make(map[int64][]string),
		moving: make(map[string]bool),
	}, nil
}

func (s *Store) Root() string { return s.root }

// Events returns the change feed. The channel is never closed.
func (s *Store) Events() <-chan store.Event {
	return s.events
}

// Close stops event delivery.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *Store) emit(ev store.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func fetchFailed(msg string, err error) error {
	return errdefs.NewCustomError(errdefs.ErrTypeFetchFailed, msg, err)
}

func (s *Store) Collection(ctx context.Context, id int64) (*store.Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeCancelled, "collection fetch cancelled", err)
	}
	meta, ok, err := s.meta.Collection(id)
	if err != nil {
		return nil, fetchFailed("failed to read collection", err)
	}
	if !ok {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeNotFound, fmt.Sprintf("collection %d", id), nil)
	}
	info, err := os.Stat(meta.Path)
	if err != nil || !info.IsDir() {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeNotFound, fmt.Sprintf("collection %d", id), err)
	}
	c := s.describe(id, meta)
	return &c, nil
}

func (s *Store) describe(id int64, meta metastore.CollectionMeta) store.Collection {
	return store.Collection{
		ID:               id,
		Parent:           meta.Parent,
		Name:             filepath.Base(meta.Path),
		Path:             meta.Path,
		MimeTypes:        MimeTypes(),
		Virtual:          exists(filepath.Join(meta.Path, VirtualMarker)),
		IndexingDisabled: exists(filepath.Join(meta.Path, NoIndexMarker)),
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Collections walks the tree, assigning ids to new directories and
// forgetting directories that are gone.
func (s *Store) Collections(ctx context.Context) ([]store.Collection, error) {
	var out []store.Collection
	seen := make(map[int64]bool)

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				log.Debugf("permission denied: %s", path)
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if !s.cfg.ShouldIndexDir(path) {
			return filepath.SkipDir
		}
		id, err := s.ensureCollection(path)
		if err != nil {
			return err
		}
		meta, _, err := s.meta.Collection(id)
		if err != nil {
			return err
		}
		seen[id] = true
		out = append(out, s.describe(id, meta))
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errdefs.NewCustomError(errdefs.ErrTypeCancelled, "collection walk cancelled", err)
		}
		return nil, fetchFailed("failed to list collections", err)
	}

	var stale []int64
	if err := s.meta.ForEachCollection(func(id int64, _ metastore.CollectionMeta) error {
		if !seen[id] {
			stale = append(stale, id)
		}
		return nil
	}); err != nil {
		return nil, fetchFailed("failed to list collections", err)
	}
	for _, id := range stale {
		s.forgetCollection(id)
	}
	return out, nil
}

func (s *Store) ensureCollection(dir string) (int64, error) {
	if id, ok, err := s.meta.LookupCollection(dir); err != nil || ok {
		return id, err
	}
	var parent int64
	if dir != s.root {
		p, err := s.ensureCollection(filepath.Dir(dir))
		if err != nil {
			return 0, err
		}
		parent = p
	}
	id, _, err := s.meta.EnsureCollection(metastore.CollectionMeta{Parent: parent, Path: dir})
	return id, err
}

// forgetCollection drops a collection and the items recorded under it.
func (s *Store) forgetCollection(id int64) {
	var items []int64
	err := s.meta.ForEachItem(func(itemID int64, m metastore.ItemMeta) error {
		if m.Collection == id {
			items = append(items, itemID)
		}
		return nil
	})
	if err != nil {
		log.Warnf("failed to scan items of collection %d: %v", id, err)
	}
	for _, itemID := range items {
		s.forgetItem(itemID)
	}
	if err := s.meta.DeleteCollection(id); err != nil {
		log.Warnf("failed to forget collection %d: %v", id, err)
	}
}

func (s *Store) forgetItem(id int64) {
	s.mu.Lock()
	delete(s.flags, id)
	s.mu.Unlock()
	if err := s.meta.DeleteItem(id); err != nil {
		log.Warnf("failed to forget item %d: %v", id, err)
	}
}

func wantMime(mimeTypes []string, mime string) bool {
	return len(mimeTypes) == 0 || slices.Contains(mimeTypes, mime)
}

func (s *Store) ItemCount(ctx context.Context, collection int64, mimeTypes []string) (int, error) {
	ids, err := s.ItemIDs(ctx, collection, mimeTypes)
	return len(ids), err
}

// ItemIDs lists the live items of a collection, assigning ids to new files
// and forgetting files that are gone.
func (s *Store) ItemIDs(ctx context.Context, collection int64, mimeTypes []string) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeCancelled, "item listing cancelled", err)
	}
	cmeta, ok, err := s.meta.Collection(collection)
	if err != nil {
		return nil, fetchFailed("failed to read collection", err)
	}
	if !ok {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeNotFound, fmt.Sprintf("collection %d", collection), nil)
	}

	entries, err := os.ReadDir(cmeta.Path)
	if err != nil {
		return nil, fetchFailed("failed to list items", err)
	}

	live := make(map[int64]bool)
	var ids []int64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(cmeta.Path, e.Name())
		mime, ok := s.itemMime(path)
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id, _, err := s.meta.EnsureItem(metastore.ItemMeta{
			Collection: collection,
			Path:       path,
			ModTime:    info.ModTime(),
			Size:       info.Size(),
		})
		if err != nil {
			return nil, fetchFailed("failed to record item", err)
		}
		live[id] = true
		if wantMime(mimeTypes, mime) {
			ids = append(ids, id)
		}
	}

	var stale []int64
	err = s.meta.ForEachItemPrefix(cmeta.Path+string(filepath.Separator), func(id int64, m metastore.ItemMeta) error {
		if m.Collection == collection && !live[id] {
			stale = append(stale, id)
		}
		return nil
	})
	if err != nil {
		log.Warnf("failed to scan stale items of collection %d: %v", collection, err)
	}
	for _, id := range stale {
		s.forgetItem(id)
	}

	slices.Sort(ids)
	return ids, nil
}

func (s *Store) itemMime(path string) (string, bool) {
	if s.cfg.ExcludeHidden && strings.HasPrefix(filepath.Base(path), ".") {
		return "", false
	}
	return mimeOf(path)
}

// Items fetches items with their payloads. Ids whose files vanished are
// skipped.
func (s *Store) Items(ctx context.Context, ids []int64) ([]store.Item, error) {
	out := make([]store.Item, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, errdefs.NewCustomError(errdefs.ErrTypeCancelled, "item fetch cancelled", err)
		}
		item, err := s.item(id, true)
		if errdefs.IsType(err, errdefs.ErrTypeNotFound) {
			log.Debugf("item %d vanished: %v", id, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) item(id int64, payload bool) (store.Item, error) {
	meta, ok, err := s.meta.Item(id)
	if err != nil {
		return store.Item{}, fetchFailed("failed to read item", err)
	}
	if !ok {
		return store.Item{}, errdefs.NewCustomError(errdefs.ErrTypeNotFound, fmt.Sprintf("item %d", id), nil)
	}
	return s.load(id, meta, payload)
}

func (s *Store) load(id int64, meta metastore.ItemMeta, payload bool) (store.Item, error) {
	info, err := os.Stat(meta.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return store.Item{}, errdefs.NewCustomError(errdefs.ErrTypeNotFound, meta.Path, err)
	}
	if err != nil {
		return store.Item{}, fetchFailed("failed to stat item", err)
	}
	mime, _ := mimeOf(meta.Path)
	item := store.Item{
		ID:         id,
		Collection: meta.Collection,
		MimeType:   mime,
		Flags:      readFlags(meta.Path),
		ModTime:    info.ModTime(),
		Size:       info.Size(),
	}
	if payload {
		data, err := os.ReadFile(meta.Path)
		if errors.Is(err, fs.ErrNotExist) {
			return store.Item{}, errdefs.NewCustomError(errdefs.ErrTypeNotFound, meta.Path, err)
		}
		if err != nil {
			return store.Item{}, fetchFailed("failed to read item", err)
		}
		item.Payload = data
	}
	s.mu.Lock()
	s.flags[id] = item.Flags
	s.mu.Unlock()
	return item, nil
}

// MoveItems moves items into another collection, keeping their ids, and
// emits one ItemsMoved event per source collection.
func (s *Store) MoveItems(ctx context.Context, ids []int64, to int64) error {
	target, ok, err := s.meta.Collection(to)
	if err != nil {
		return fetchFailed("failed to read collection", err)
	}
	if !ok {
		return errdefs.NewCustomError(errdefs.ErrTypeNotFound, fmt.Sprintf("collection %d", to), nil)
	}

	moved := make(map[int64][]store.Item)
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		item, from, err := s.moveItem(id, to, target.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if from != to {
			moved[from] = append(moved[from], item)
		}
	}

	froms := make([]int64, 0, len(moved))
	for from := range moved {
		froms = append(froms, from)
	}
	slices.Sort(froms)
	for _, from := range froms {
		s.emit(store.Event{Kind: store.ItemsMoved, Items: moved[from], From: from, To: to})
	}
	return errors.Join(errs...)
}

func (s *Store) moveItem(id, to int64, dir string) (store.Item, int64, error) {
	meta, ok, err := s.meta.Item(id)
	if err != nil {
		return store.Item{}, 0, fetchFailed("failed to read item", err)
	}
	if !ok {
		return store.Item{}, 0, errdefs.NewCustomError(errdefs.ErrTypeNotFound, fmt.Sprintf("item %d", id), nil)
	}
	from := meta.Collection
	if from == to {
		item, err := s.load(id, meta, false)
		return item, from, err
	}

	dest := filepath.Join(dir, filepath.Base(meta.Path))
	if exists(dest) {
		return store.Item{}, 0, fmt.Errorf("move item %d: %s already exists", id, dest)
	}

	moved := meta
	moved.Collection = to
	moved.Path = dest

	// the mapping moves first so the watcher sees the new path as known
	s.mu.Lock()
	s.moving[dest] = true
	s.mu.Unlock()
	if err := s.meta.PutItem(id, moved); err != nil {
		return store.Item{}, 0, err
	}
	if err := os.Rename(meta.Path, dest); err != nil {
		s.mu.Lock()
		delete(s.moving, dest)
		s.mu.Unlock()
		if rerr := s.meta.PutItem(id, meta); rerr != nil {
			log.Errorf("failed to restore item %d after move error: %v", id, rerr)
		}
		return store.Item{}, 0, fmt.Errorf("move item %d: %w", id, err)
	}

	item, err := s.load(id, moved, false)
	return item, from, err
}

// SetFlags adds and removes item flags and emits ItemsFlagsChanged for the
// items that changed.
func (s *Store) SetFlags(ctx context.Context, ids []int64, add, remove []string) error {
	var changed []store.Item
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		item, err := s.item(id, false)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		next := applyFlags(item.Flags, add, remove)
		if slices.Equal(next, item.Flags) {
			continue
		}
		meta, _, _ := s.meta.Item(id)
		if err := writeFlags(meta.Path, next); err != nil {
			errs = append(errs, fetchFailed("failed to write flags", err))
			continue
		}
		s.mu.Lock()
		s.flags[id] = next
		s.mu.Unlock()
		item.Flags = next
		changed = append(changed, item)
	}
	if len(changed) > 0 {
		s.emit(store.Event{Kind: store.ItemsFlagsChanged, Items: changed, AddedFlags: add, RemovedFlags: remove})
	}
	return errors.Join(errs...)
}

func applyFlags(current, add, remove []string) []string {
	out := make([]string, 0, len(current)+len(add))
	for _, f := range current {
		if !slices.Contains(remove, f) {
			out = append(out, f)
		}
	}
	for _, f := range add {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return out
}

// diffFlags returns the flags present only in next and only in prev.
func diffFlags(prev, next []string) (added, removed []string) {
	for _, f := range next {
		if !slices.Contains(prev, f) {
			added = append(added, f)
		}
	}
	for _, f := range prev {
		if !slices.Contains(next, f) {
			removed = append(removed, f)
		}
	}
	return added, removed
}

func readFlags(path string) []string {
	v, err := xattr.Get(path, flagsAttr)
	if err != nil || len(v) == 0 {
		return nil
	}
	var flags []string
	for f := range strings.SplitSeq(string(v), ",") {
		if f = strings.TrimSpace(f); f != "" && !slices.Contains(flags, f) {
			flags = append(flags, f)
		}
	}
	slices.Sort(flags)
	return flags
}

func writeFlags(path string, flags []string) error {
	if len(flags) == 0 {
		err := xattr.Remove(path, flagsAttr)
		if errors.Is(err, xattr.ENOATTR) {
			return nil
		}
		return err
	}
	return xattr.Set(path, flagsAttr, []byte(strings.Join(flags, ",")))
}
