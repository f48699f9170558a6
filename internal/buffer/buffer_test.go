package buffer

import (
	"path/filepath"
	"testing"

	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/andb-project/andbcore/internal/fsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 8192

func resolverFor(dir string) PathResolver {
	return func(rel catalog.OID) (string, RelKind, bool) {
		return filepath.Join(dir, "rel"), RelHeap, true
	}
}

func TestAllocateWriteReadBack(t *testing.T) {
	dir := t.TempDir()
	fds := fsio.NewFDCache(4)
	pool := New(8, testPageSize, resolverFor(dir), fds)

	pno, entry, err := pool.AllocatePage(1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, pno)
	entry.Page.Insert(1, []byte("hello"))
	entry.SetDirty(true)

	require.NoError(t, pool.Sync())

	pool2 := New(8, testPageSize, resolverFor(dir), fds)
	got, err := pool2.GetPage(1, pno)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Page.Select(0))
}

func TestEvictionRefusesWhenAllPinned(t *testing.T) {
	dir := t.TempDir()
	fds := fsio.NewFDCache(4)
	pool := New(2, testPageSize, resolverFor(dir), fds)

	e0, err := pool.GetPage(1, 0)
	require.NoError(t, err)
	pool.Pin(e0)
	e1, err := pool.GetPage(1, 1)
	require.NoError(t, err)
	pool.Pin(e1)

	_, err = pool.GetPage(1, 2)
	assert.Error(t, err)

	pool.Unpin(e0)
	_, err = pool.GetPage(1, 2)
	assert.NoError(t, err)
}

func TestEvictRelationDropsEntries(t *testing.T) {
	dir := t.TempDir()
	fds := fsio.NewFDCache(4)
	pool := New(8, testPageSize, resolverFor(dir), fds)

	_, _, err := pool.AllocatePage(1)
	require.NoError(t, err)
	pool.EvictRelation(1)
	assert.EqualValues(t, 0, pool.LastPage(1))
}
