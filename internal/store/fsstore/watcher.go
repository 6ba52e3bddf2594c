package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/AvengeMedia/pimsearch/internal/errdefs"
	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/AvengeMedia/pimsearch/internal/metastore"
	"github.com/AvengeMedia/pimsearch/internal/store"
	"github.com/fsnotify/fsnotify"
)

// Watcher turns filesystem notifications under the store root into store
// events.
type Watcher struct {
	watcher *fsnotify.Watcher
	store   *Store
	running bool
	mu      sync.Mutex
	done    chan struct{}
}

func NewWatcher(s *Store) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeFeedFailed, "failed to create watcher", err)
	}

	return &Watcher{
		watcher: w,
		store:   s,
		done:    make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}

	// Create a new watcher if the previous one was closed
	if w.watcher == nil {
		newWatcher, err := fsnotify.NewWatcher()
		if err != nil {
			w.mu.Unlock()
			return errdefs.NewCustomError(errdefs.ErrTypeFeedFailed, "failed to create watcher", err)
		}
		w.watcher = newWatcher
		w.done = make(chan struct{})
	}

	w.running = true
	fw, done := w.watcher, w.done
	w.mu.Unlock()

	if err := w.addWatches(fw, w.store.root, nil); err != nil {
		return err
	}

	go w.eventLoop(fw, done)
	log.Infof("watcher started on %s", w.store.root)
	return nil
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	close(w.done)
	err := w.watcher.Close()
	w.watcher = nil // Allow recreation on next Start()
	log.Infof("watcher stopped")
	return err
}

func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// addWatches watches every collection directory below root. When added is
// set it receives the collections that had no id yet.
func (w *Watcher) addWatches(fw *fsnotify.Watcher, root string, added func(id int64)) error {
	cfg := w.store.cfg
	watchCount := 0
	errorCount := 0

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				log.Debugf("permission denied: %s", path)
				return nil
			}
			return err
		}

		if !info.IsDir() {
			return nil
		}

		if !cfg.ShouldIndexDir(path) {
			return filepath.SkipDir
		}

		depth := cfg.GetDepth(path)
		maxDepth := cfg.GetMaxDepth(path)
		if maxDepth > 0 && depth > maxDepth {
			return filepath.SkipDir
		}

		_, known, _ := w.store.meta.LookupCollection(path)
		id, err := w.store.ensureCollection(path)
		if err != nil {
			log.Warnf("failed to record collection %s: %v", path, err)
			return nil
		}
		if !known && added != nil {
			added(id)
		}

		if err := fw.Add(path); err != nil {
			errorCount++
			if errorCount == 1 {
				log.Warnf("failed to add watch for %s: %v", path, err)
			}
			return nil
		}

		watchCount++
		return nil
	})

	if errorCount > 0 {
		log.Warnf("failed to add %d watches (added %d successfully)", errorCount, watchCount)
		log.Infof("if you hit inotify limits, increase with: sudo sysctl fs.inotify.max_user_watches=524288")
	} else {
		log.Debugf("added %d directory watches under %s", watchCount, root)
	}

	return err
}

func (w *Watcher) eventLoop(fw *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Errorf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event) {
	path := event.Name

	switch filepath.Base(path) {
	case VirtualMarker, NoIndexMarker:
		w.collectionChanged(filepath.Dir(path))
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create {
		w.created(fw, path)
	}

	if event.Op&fsnotify.Write == fsnotify.Write {
		w.itemWritten(path)
	}

	if event.Op&fsnotify.Chmod == fsnotify.Chmod {
		w.attributesChanged(path)
	}

	if event.Op&fsnotify.Remove == fsnotify.Remove || event.Op&fsnotify.Rename == fsnotify.Rename {
		w.removed(fw, path)
	}
}

func (w *Watcher) created(fw *fsnotify.Watcher, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	if info.IsDir() {
		err := w.addWatches(fw, path, func(id int64) {
			if c, err := w.store.Collection(context.Background(), id); err == nil {
				w.store.emit(store.Event{Kind: store.CollectionAdded, Collection: *c})
			}
		})
		if err != nil {
			log.Debugf("failed to watch new dir %s: %v", path, err)
		}
		return
	}

	w.store.mu.Lock()
	moved := w.store.moving[path]
	delete(w.store.moving, path)
	w.store.mu.Unlock()
	if moved {
		return
	}

	_, known, _ := w.store.meta.LookupItem(path)
	item, ok := w.recordItem(path, info)
	if !ok {
		return
	}
	if known {
		w.store.emit(store.Event{Kind: store.ItemChanged, Items: []store.Item{item}, Parts: []string{store.PartPayload}})
		return
	}
	w.store.emit(store.Event{Kind: store.ItemAdded, Items: []store.Item{item}, Collection: store.Collection{ID: item.Collection}})
}

func (w *Watcher) itemWritten(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	item, ok := w.recordItem(path, info)
	if !ok {
		return
	}
	w.store.emit(store.Event{Kind: store.ItemChanged, Items: []store.Item{item}, Parts: []string{store.PartPayload}})
}

// recordItem assigns an id to an item file inside a known collection.
func (w *Watcher) recordItem(path string, info os.FileInfo) (store.Item, bool) {
	if !info.Mode().IsRegular() {
		return store.Item{}, false
	}
	if _, ok := w.store.itemMime(path); !ok {
		return store.Item{}, false
	}
	collection, ok, err := w.store.meta.LookupCollection(filepath.Dir(path))
	if err != nil || !ok {
		return store.Item{}, false
	}
	meta := metastore.ItemMeta{Collection: collection, Path: path, ModTime: info.ModTime(), Size: info.Size()}
	id, _, err := w.store.meta.EnsureItem(meta)
	if err != nil {
		log.Warnf("failed to record item %s: %v", path, err)
		return store.Item{}, false
	}
	item, err := w.store.load(id, meta, false)
	if err != nil {
		log.Debugf("failed to read item %s: %v", path, err)
		return store.Item{}, false
	}
	return item, true
}

func (w *Watcher) attributesChanged(path string) {
	id, ok, err := w.store.meta.LookupItem(path)
	if err != nil || !ok {
		return
	}
	meta, ok, err := w.store.meta.Item(id)
	if err != nil || !ok {
		return
	}

	w.store.mu.Lock()
	prev, cached := w.store.flags[id]
	w.store.mu.Unlock()

	item, err := w.store.load(id, meta, false)
	if err != nil {
		return
	}
	if !cached {
		w.store.emit(store.Event{Kind: store.ItemChanged, Items: []store.Item{item}, Parts: []string{store.PartPayload}})
		return
	}

	added, removed := diffFlags(prev, item.Flags)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	w.store.emit(store.Event{
		Kind:         store.ItemsFlagsChanged,
		Items:        []store.Item{item},
		AddedFlags:   added,
		RemovedFlags: removed,
	})
}

func (w *Watcher) removed(fw *fsnotify.Watcher, path string) {
	if id, ok, err := w.store.meta.LookupCollection(path); err == nil && ok {
		w.collectionRemoved(fw, id, path)
		return
	}

	id, ok, err := w.store.meta.LookupItem(path)
	if err != nil || !ok {
		return
	}
	meta, _, _ := w.store.meta.Item(id)
	mime, _ := mimeOf(path)
	w.store.forgetItem(id)
	w.store.emit(store.Event{
		Kind:  store.ItemsRemoved,
		Items: []store.Item{{ID: id, Collection: meta.Collection, MimeType: mime}},
	})
}

// collectionRemoved forgets a collection subtree, deepest first.
func (w *Watcher) collectionRemoved(fw *fsnotify.Watcher, id int64, path string) {
	type gone struct {
		id   int64
		meta metastore.CollectionMeta
	}
	var subtree []gone
	prefix := path + string(filepath.Separator)
	err := w.store.meta.ForEachCollection(func(cid int64, m metastore.CollectionMeta) error {
		if cid == id || strings.HasPrefix(m.Path, prefix) {
			subtree = append(subtree, gone{cid, m})
		}
		return nil
	})
	if err != nil {
		log.Warnf("failed to scan collections under %s: %v", path, err)
	}
	slices.SortFunc(subtree, func(a, b gone) int {
		return len(b.meta.Path) - len(a.meta.Path)
	})

	for _, c := range subtree {
		_ = fw.Remove(c.meta.Path)
		w.store.forgetCollection(c.id)
		w.store.emit(store.Event{
			Kind: store.CollectionRemoved,
			Collection: store.Collection{
				ID:     c.id,
				Parent: c.meta.Parent,
				Name:   filepath.Base(c.meta.Path),
				Path:   c.meta.Path,
			},
		})
	}
}

func (w *Watcher) collectionChanged(dir string) {
	id, ok, err := w.store.meta.LookupCollection(dir)
	if err != nil || !ok {
		return
	}
	c, err := w.store.Collection(context.Background(), id)
	if err != nil {
		return
	}
	w.store.emit(store.Event{Kind: store.CollectionChanged, Collection: *c})
}
