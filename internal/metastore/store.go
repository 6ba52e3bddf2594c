// Package metastore keeps the durable bookkeeping of the daemon: stable
// item and collection ids for store paths, and the persisted scheduler
// state of every index domain.
package metastore

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	itemsBucket           = []byte("items")
	itemPathsBucket       = []byte("item_paths")
	collectionsBucket     = []byte("collections")
	collectionPathsBucket = []byte("collection_paths")
	schedulerBucket       = []byte("scheduler")
)

type Store struct {
	db *bolt.DB
}

type ItemMeta struct {
	Collection int64
	Path       string
	ModTime    time.Time
	Size       int64
}

type CollectionMeta struct {
	Parent int64
	Path   string
}

// table pairs an id-keyed record bucket with its path index. Records end
// with the path after a fixed-width header.
type table struct {
	records []byte
	paths   []byte
	header  int
}

var (
	items       = table{records: itemsBucket, paths: itemPathsBucket, header: itemHeader}
	collections = table{records: collectionsBucket, paths: collectionPathsBucket, header: collectionHeader}
)

func (t table) path(record []byte) string {
	if len(record) < t.header {
		return ""
	}
	return string(record[t.header:])
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{itemsBucket, itemPathsBucket, collectionsBucket, collectionPathsBucket, schedulerBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureItem returns the id of the item at meta.Path, allocating one on
// first sight, and stores meta under it.
func (s *Store) EnsureItem(meta ItemMeta) (id int64, created bool, err error) {
	return s.ensure(items, meta.Path, encodeItem(meta))
}

func (s *Store) LookupItem(path string) (int64, bool, error) {
	return s.lookup(items, path)
}

func (s *Store) Item(id int64) (ItemMeta, bool, error) {
	v, err := s.get(items, id)
	if err != nil || v == nil {
		return ItemMeta{}, false, err
	}
	return decodeItem(v), true, nil
}

// PutItem rewrites the record of an existing id, moving its path index entry
// when the path changed.
func (s *Store) PutItem(id int64, meta ItemMeta) error {
	return s.put(items, id, meta.Path, encodeItem(meta))
}

func (s *Store) DeleteItem(id int64) error {
	return s.remove(items, id)
}

func (s *Store) ForEachItem(fn func(id int64, meta ItemMeta) error) error {
	return s.forEach(items, func(id int64, v []byte) error {
		return fn(id, decodeItem(v))
	})
}

// ForEachItemPrefix visits items whose path starts with prefix, in path order.
func (s *Store) ForEachItemPrefix(prefix string, fn func(id int64, meta ItemMeta) error) error {
	return s.forEachPrefix(items, prefix, func(id int64, v []byte) error {
		return fn(id, decodeItem(v))
	})
}

func (s *Store) EnsureCollection(meta CollectionMeta) (id int64, created bool, err error) {
	return s.ensure(collections, meta.Path, encodeCollection(meta))
}

func (s *Store) LookupCollection(path string) (int64, bool, error) {
	return s.lookup(collections, path)
}

func (s *Store) Collection(id int64) (CollectionMeta, bool, error) {
	v, err := s.get(collections, id)
	if err != nil || v == nil {
		return CollectionMeta{}, false, err
	}
	return decodeCollection(v), true, nil
}

func (s *Store) PutCollection(id int64, meta CollectionMeta) error {
	return s.put(collections, id, meta.Path, encodeCollection(meta))
}

func (s *Store) DeleteCollection(id int64) error {
	return s.remove(collections, id)
}

func (s *Store) ForEachCollection(fn func(id int64, meta CollectionMeta) error) error {
	return s.forEach(collections, func(id int64, v []byte) error {
		return fn(id, decodeCollection(v))
	})
}

// Counts returns the number of known items and collections.
func (s *Store) Counts() (itemCount, collectionCount int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		itemCount = tx.Bucket(itemsBucket).Stats().KeyN
		collectionCount = tx.Bucket(collectionsBucket).Stats().KeyN
		return nil
	})
	return itemCount, collectionCount, err
}

// Clear forgets every id and all scheduler state, so the next run starts
// with a first sync.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{itemsBucket, itemPathsBucket, collectionsBucket, collectionPathsBucket, schedulerBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ensure(t table, path string, record []byte) (int64, bool, error) {
	var id int64
	var created bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		recs, paths := tx.Bucket(t.records), tx.Bucket(t.paths)
		if v := paths.Get([]byte(path)); v != nil {
			id = decodeID(v)
			return recs.Put(encodeID(id), record)
		}
		seq, err := recs.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq)
		created = true
		if err := paths.Put([]byte(path), encodeID(id)); err != nil {
			return err
		}
		return recs.Put(encodeID(id), record)
	})
	return id, created, err
}

func (s *Store) lookup(t table, path string) (int64, bool, error) {
	var id int64
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(t.paths).Get([]byte(path)); v != nil {
			id = decodeID(v)
			found = true
		}
		return nil
	})
	return id, found, err
}

func (s *Store) get(t table, id int64) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(t.records).Get(encodeID(id)); v != nil {
			out = bytes.Clone(v)
		}
		return nil
	})
	return out, err
}

func (s *Store) put(t table, id int64, path string, record []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		recs, paths := tx.Bucket(t.records), tx.Bucket(t.paths)
		if old := recs.Get(encodeID(id)); old != nil {
			oldPath := t.path(old)
			if oldPath != path {
				if err := paths.Delete([]byte(oldPath)); err != nil {
					return err
				}
			}
		}
		if err := paths.Put([]byte(path), encodeID(id)); err != nil {
			return err
		}
		return recs.Put(encodeID(id), record)
	})
}

func (s *Store) remove(t table, id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		recs, paths := tx.Bucket(t.records), tx.Bucket(t.paths)
		old := recs.Get(encodeID(id))
		if old == nil {
			return nil
		}
		if err := paths.Delete([]byte(t.path(old))); err != nil {
			return err
		}
		return recs.Delete(encodeID(id))
	})
}

func (s *Store) forEach(t table, fn func(id int64, v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(t.records).ForEach(func(k, v []byte) error {
			return fn(decodeID(k), v)
		})
	})
}

func (s *Store) forEachPrefix(t table, prefix string, fn func(id int64, v []byte) error) error {
	pfx := []byte(prefix)
	return s.db.View(func(tx *bolt.Tx) error {
		recs := tx.Bucket(t.records)
		c := tx.Bucket(t.paths).Cursor()
		for k, v := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, v = c.Next() {
			id := decodeID(v)
			rec := recs.Get(v)
			if rec == nil {
				continue
			}
			if err := fn(id, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Scheduler state, keyed by index domain.

func dirtyKey(domain string) []byte       { return []byte(domain + ":dirty") }
func initialSyncKey(domain string) []byte { return []byte(domain + ":initial_sync_done") }

func (s *Store) LoadDirty(domain string) ([]int64, error) {
	var ids []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(schedulerBucket).Get(dirtyKey(domain))
		for i := 0; i+8 <= len(v); i += 8 {
			ids = append(ids, int64(binary.LittleEndian.Uint64(v[i:i+8])))
		}
		return nil
	})
	return ids, err
}

func (s *Store) SaveDirty(domain string, ids []int64) error {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	buf := make([]byte, 8*len(sorted))
	for i, id := range sorted {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(id))
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(schedulerBucket)
		if len(buf) == 0 {
			return b.Delete(dirtyKey(domain))
		}
		return b.Put(dirtyKey(domain), buf)
	})
}

func (s *Store) InitialSyncDone(domain string) (bool, error) {
	var done bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(schedulerBucket).Get(initialSyncKey(domain))
		done = len(v) == 1 && v[0] == 1
		return nil
	})
	return done, err
}

func (s *Store) SetInitialSyncDone(domain string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(schedulerBucket).Put(initialSyncKey(domain), []byte{1})
	})
}

func encodeID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeID(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// Records are fixed-width little-endian headers followed by the path.
// Items: collection, mtime, size. Collections: parent.

const (
	itemHeader       = 24
	collectionHeader = 8
)

func encodeItem(m ItemMeta) []byte {
	buf := make([]byte, itemHeader+len(m.Path))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Collection))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.ModTime.UnixNano()))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.Size))
	copy(buf[itemHeader:], m.Path)
	return buf
}

func decodeItem(b []byte) ItemMeta {
	if len(b) < itemHeader {
		return ItemMeta{}
	}
	return ItemMeta{
		Collection: int64(binary.LittleEndian.Uint64(b[0:8])),
		ModTime:    time.Unix(0, int64(binary.LittleEndian.Uint64(b[8:16]))),
		Size:       int64(binary.LittleEndian.Uint64(b[16:24])),
		Path:       string(b[itemHeader:]),
	}
}

func encodeCollection(m CollectionMeta) []byte {
	buf := make([]byte, collectionHeader+len(m.Path))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(m.Parent))
	copy(buf[collectionHeader:], m.Path)
	return buf
}

func decodeCollection(b []byte) CollectionMeta {
	if len(b) < collectionHeader {
		return CollectionMeta{}
	}
	return CollectionMeta{
		Parent: int64(binary.LittleEndian.Uint64(b[0:8])),
		Path:   string(b[collectionHeader:]),
	}
}
