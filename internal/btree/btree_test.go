package btree

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/andb-project/andbcore/internal/buffer"
	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/andb-project/andbcore/internal/fsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 8192

// intKey encodes n order-preservingly: indexes compare key bytes
// lexicographically, so numeric keys must be big-endian regardless of
// the little-endian convention pages and tuples use elsewhere.
func intKey(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func newTree(t *testing.T) *Tree {
	t.Helper()
	dir := t.TempDir()
	fds := fsio.NewFDCache(4)
	path := filepath.Join(dir, "idx")
	resolve := func(rel catalog.OID) (string, buffer.RelKind, bool) {
		return path, buffer.RelBTree, true
	}
	pool := buffer.New(64, testPageSize, resolve, fds)
	tree, err := Open(pool, fds, 1, path, testPageSize)
	require.NoError(t, err)
	return tree
}

// TestInsertSearchDeleteAtScale mirrors spec.md section 8 scenario 4:
// insert keys 0..999, search(500), delete(500), duplicate inserts at
// key 100, and search_range(1, 100).
func TestInsertSearchDeleteAtScale(t *testing.T) {
	tree := newTree(t)

	var lsn uint64
	for i := 0; i < 1000; i++ {
		lsn++
		require.NoError(t, tree.Insert(lsn, intKey(i), TuplePointer{Page: uint32(i), Slot: 0}))
	}

	got, err := tree.Search(intKey(500))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, TuplePointer{Page: 500, Slot: 0}, got[0])

	lsn++
	require.NoError(t, tree.Delete(lsn, intKey(500)))
	got, err = tree.Search(intKey(500))
	require.NoError(t, err)
	assert.Empty(t, got)

	lsn++
	require.NoError(t, tree.Insert(lsn, intKey(100), TuplePointer{Page: 9100, Slot: 1}))
	got, err = tree.Search(intKey(100))
	require.NoError(t, err)
	require.Len(t, got, 2)

	ranged, err := tree.SearchRange(intKey(1), intKey(100))
	require.NoError(t, err)
	assert.Len(t, ranged, 99) // [1, 100) excludes 100 itself

	all, err := tree.AllKeys()
	require.NoError(t, err)
	assert.Len(t, all, 999) // 1000 inserted, one deleted, one dup (no new key)
}

func TestDeleteValueKeepsOtherPointers(t *testing.T) {
	tree := newTree(t)
	key := intKey(7)
	require.NoError(t, tree.Insert(1, key, TuplePointer{Page: 1, Slot: 0}))
	require.NoError(t, tree.Insert(2, key, TuplePointer{Page: 2, Slot: 0}))

	require.NoError(t, tree.DeleteValue(3, key, TuplePointer{Page: 1, Slot: 0}))
	got, err := tree.Search(key)
	require.NoError(t, err)
	assert.Equal(t, []TuplePointer{{Page: 2, Slot: 0}}, got)

	require.NoError(t, tree.DeleteValue(4, key, TuplePointer{Page: 2, Slot: 0}))
	got, err = tree.Search(key)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpdateMovesPointerToNewKey(t *testing.T) {
	tree := newTree(t)
	require.NoError(t, tree.Insert(1, intKey(10), TuplePointer{Page: 3, Slot: 2}))

	require.NoError(t, tree.Update(2, intKey(10), intKey(20), TuplePointer{Page: 3, Slot: 2}))

	old, err := tree.Search(intKey(10))
	require.NoError(t, err)
	assert.Empty(t, old)
	newer, err := tree.Search(intKey(20))
	require.NoError(t, err)
	assert.Equal(t, []TuplePointer{{Page: 3, Slot: 2}}, newer)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	tree := newTree(t)
	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Insert(uint64(i+1), intKey(i), TuplePointer{Page: uint32(i), Slot: 0}))
	}

	snapshot, err := tree.Serialize()
	require.NoError(t, err)

	dir := t.TempDir()
	fds := fsio.NewFDCache(4)
	path := filepath.Join(dir, "idx2")
	resolve := func(rel catalog.OID) (string, buffer.RelKind, bool) {
		return path, buffer.RelBTree, true
	}
	pool := buffer.New(64, testPageSize, resolve, fds)

	restored, err := Deserialize(pool, fds, 1, path, testPageSize, snapshot)
	require.NoError(t, err)

	got, err := restored.Search(intKey(25))
	require.NoError(t, err)
	assert.Equal(t, []TuplePointer{{Page: 25, Slot: 0}}, got)
}
