package heap

import (
	"path/filepath"
	"testing"

	"github.com/andb-project/andbcore/internal/buffer"
	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/andb-project/andbcore/internal/fsio"
	"github.com/andb-project/andbcore/internal/tuple"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 8192

func newHeap(t *testing.T) (*Heap, *buffer.Pool) {
	t.Helper()
	dir := t.TempDir()
	fds := fsio.NewFDCache(4)
	resolve := func(rel catalog.OID) (string, buffer.RelKind, bool) {
		return filepath.Join(dir, "test_hot"), buffer.RelHeap, true
	}
	pool := buffer.New(8, testPageSize, resolve, fds)
	return New(pool), pool
}

// TestHeapLifecycle mirrors spec.md section 8 scenario 3: create
// test_hot(id int NOT NULL, name text, city varchar(2)); insert four
// rows; select/delete/update against the last page.
func TestHeapLifecycle(t *testing.T) {
	h, pool := newHeap(t)
	dir := t.TempDir()
	c, err := catalog.Open(dir)
	require.NoError(t, err)
	attrs := []catalog.Attribute{
		{Name: "id", TypeOID: catalog.TypeIntegerOID, ColumnIndex: 0, NotNull: true},
		{Name: "name", TypeOID: catalog.TypeTextOID, ColumnIndex: 1},
		{Name: "city", TypeOID: catalog.TypeVarcharOID, ColumnIndex: 2, Length: 2},
	}
	rel := catalog.OID(1)

	rows := [][]tuple.Value{
		{int32(1), "xiaoming", "beijing"},
		{int32(2), "xm2", "b2"},
		{int32(3), "xm3", "b3"},
		{int32(4), "xm4", "b4"},
	}
	var lsn uint64
	var pointers []Pointer
	for _, row := range rows {
		lsn++
		enc, err := tuple.Encode(row, attrs, c.FindType)
		require.NoError(t, err)
		ptr, err := h.Insert(lsn, rel, enc)
		require.NoError(t, err)
		pointers = append(pointers, ptr)
	}

	last := pool.LastPage(rel)
	require.Equal(t, uint32(1), last)
	page := last - 1

	got, err := h.Select(rel, Pointer{Page: page, Slot: pointers[0].Slot})
	require.NoError(t, err)
	dec, err := tuple.Decode(got, attrs, c.FindType)
	require.NoError(t, err)
	assert.Equal(t, int32(1), dec[0])
	assert.Equal(t, "xiaoming", dec[1])
	assert.Equal(t, "be", dec[2])

	lsn++
	ok, err := h.Delete(lsn, rel, pointers[3])
	require.NoError(t, err)
	assert.True(t, ok)
	gone, err := h.Select(rel, pointers[3])
	require.NoError(t, err)
	assert.Nil(t, gone)

	lsn++
	updated := []tuple.Value{int32(1), nil, nil}
	enc, err := tuple.Encode(updated, attrs, c.FindType)
	require.NoError(t, err)
	newPtr, err := h.Update(lsn, rel, pointers[2], enc)
	require.NoError(t, err)

	if newPtr.Slot != pointers[2].Slot {
		stale, err := h.Select(rel, pointers[2])
		require.NoError(t, err)
		assert.Nil(t, stale)
	}

	got2, err := h.Select(rel, newPtr)
	require.NoError(t, err)
	dec2, err := tuple.Decode(got2, attrs, c.FindType)
	require.NoError(t, err)
	assert.Equal(t, int32(1), dec2[0])
	assert.Nil(t, dec2[1])
	assert.Nil(t, dec2[2])
}

func TestScanAllSkipsDeleted(t *testing.T) {
	h, _ := newHeap(t)
	rel := catalog.OID(7)

	var lsn uint64
	for i := 0; i < 3; i++ {
		lsn++
		_, err := h.Insert(lsn, rel, []byte{byte(i)})
		require.NoError(t, err)
	}
	ptrs := []Pointer{{Page: 0, Slot: 0}, {Page: 0, Slot: 1}, {Page: 0, Slot: 2}}
	lsn++
	ok, err := h.Delete(lsn, rel, ptrs[1])
	require.NoError(t, err)
	require.True(t, ok)

	var seen []byte
	require.NoError(t, h.ScanAll(rel, func(p Pointer, data []byte) error {
		seen = append(seen, data[0])
		return nil
	}))
	assert.Equal(t, []byte{0, 2}, seen)
}
