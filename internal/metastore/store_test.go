package metastore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "meta.db")
	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestStore_EnsureItemIsStable(t *testing.T) {
	s, _ := newTestStore(t)

	mtime := time.Unix(1700000000, 42)
	id, created, err := s.EnsureItem(ItemMeta{Collection: 3, Path: "/inbox/a.eml", ModTime: mtime, Size: 10})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), id)

	again, created, err := s.EnsureItem(ItemMeta{Collection: 3, Path: "/inbox/a.eml", ModTime: mtime, Size: 20})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	meta, ok, err := s.Item(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), meta.Collection)
	assert.Equal(t, int64(20), meta.Size)
	assert.Equal(t, "/inbox/a.eml", meta.Path)
	assert.True(t, meta.ModTime.Equal(mtime))

	other, _, err := s.EnsureItem(ItemMeta{Collection: 3, Path: "/inbox/b.eml"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), other)
}

func TestStore_PutItemMovesPath(t *testing.T) {
	s, _ := newTestStore(t)

	id, _, err := s.EnsureItem(ItemMeta{Collection: 1, Path: "/a/x.eml"})
	require.NoError(t, err)

	require.NoError(t, s.PutItem(id, ItemMeta{Collection: 2, Path: "/b/x.eml"}))

	_, found, err := s.LookupItem("/a/x.eml")
	require.NoError(t, err)
	assert.False(t, found)

	got, found, err := s.LookupItem("/b/x.eml")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, got)
}

func TestStore_DeleteItem(t *testing.T) {
	s, _ := newTestStore(t)

	id, _, err := s.EnsureItem(ItemMeta{Collection: 1, Path: "/a/x.eml"})
	require.NoError(t, err)
	require.NoError(t, s.DeleteItem(id))
	require.NoError(t, s.DeleteItem(id))

	_, found, err := s.Item(id)
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.LookupItem("/a/x.eml")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_ForEachItemPrefix(t *testing.T) {
	s, _ := newTestStore(t)

	for _, p := range []string{"/a/1.eml", "/a/sub/2.eml", "/ab/3.eml", "/b/4.eml"} {
		_, _, err := s.EnsureItem(ItemMeta{Path: p})
		require.NoError(t, err)
	}

	var paths []string
	err := s.ForEachItemPrefix("/a/", func(id int64, meta ItemMeta) error {
		paths = append(paths, meta.Path)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/a/1.eml", "/a/sub/2.eml"}, paths)
}

func TestStore_Collections(t *testing.T) {
	s, _ := newTestStore(t)

	root, created, err := s.EnsureCollection(CollectionMeta{Path: "/store"})
	require.NoError(t, err)
	assert.True(t, created)
	child, _, err := s.EnsureCollection(CollectionMeta{Parent: root, Path: "/store/inbox"})
	require.NoError(t, err)

	meta, ok, err := s.Collection(child)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, root, meta.Parent)

	seen := map[int64]string{}
	require.NoError(t, s.ForEachCollection(func(id int64, m CollectionMeta) error {
		seen[id] = m.Path
		return nil
	}))
	assert.Equal(t, map[int64]string{root: "/store", child: "/store/inbox"}, seen)

	items, colls, err := s.Counts()
	require.NoError(t, err)
	assert.Equal(t, 0, items)
	assert.Equal(t, 2, colls)

	require.NoError(t, s.DeleteCollection(child))
	_, found, err := s.LookupCollection("/store/inbox")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_SchedulerStatePersists(t *testing.T) {
	s, path := newTestStore(t)

	done, err := s.InitialSyncDone("email")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.SaveDirty("email", []int64{7, 3}))
	require.NoError(t, s.SetInitialSyncDone("email"))
	require.NoError(t, s.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()

	dirty, err := reopened.LoadDirty("email")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7}, dirty)

	done, err = reopened.InitialSyncDone("email")
	require.NoError(t, err)
	assert.True(t, done)

	other, err := reopened.LoadDirty("contact")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, reopened.SaveDirty("email", nil))
	dirty, err = reopened.LoadDirty("email")
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestStore_ClearForgetsEverything(t *testing.T) {
	s, _ := newTestStore(t)

	_, _, err := s.EnsureItem(ItemMeta{Path: "/a.eml"})
	require.NoError(t, err)
	require.NoError(t, s.SetInitialSyncDone("email"))
	require.NoError(t, s.SaveDirty("email", []int64{4}))
	require.NoError(t, s.Clear())

	items, _, err := s.Counts()
	require.NoError(t, err)
	assert.Zero(t, items)

	done, err := s.InitialSyncDone("email")
	require.NoError(t, err)
	assert.False(t, done)

	dirty, err := s.LoadDirty("email")
	require.NoError(t, err)
	assert.Empty(t, dirty)

	id, created, err := s.EnsureItem(ItemMeta{Path: "/a.eml"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, id)
}
