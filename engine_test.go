package andbcore

import (
	"testing"

	"github.com/andb-project/andbcore/internal/btree"
	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/andb-project/andbcore/internal/config"
	"github.com/andb-project/andbcore/internal/heap"
	"github.com/andb-project/andbcore/internal/tuple"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.BufferPoolSize = 64
	e, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// TestHeapLifecycle covers scenario 3: create a table, insert four rows,
// select/delete/update by pointer.
func TestHeapLifecycle(t *testing.T) {
	e := openTestEngine(t)
	db := catalog.OID(1)

	rel, err := e.HotCreateTable(db, "test_hot", []ColumnDef{
		{Name: "id", TypeOID: catalog.TypeIntegerOID, NotNull: true},
		{Name: "name", TypeOID: catalog.TypeTextOID},
		{Name: "city", TypeOID: catalog.TypeVarcharOID, Length: 2},
	})
	require.NoError(t, err)

	xid := e.AllocateXID()
	require.NoError(t, e.BeginTransaction(xid))

	rows := [][]tuple.Value{
		{int32(1), "xiaoming", "be"},
		{int32(2), "xm2", "b2"},
		{int32(3), "xm3", "b3"},
		{int32(4), "xm4", "b4"},
	}
	var ptrs []heap.Pointer
	for _, r := range rows {
		ptr, err := e.HotSimpleInsert(xid, rel, r)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}
	require.NoError(t, e.CommitTransaction(xid))

	values, err := e.HotSimpleSelect(rel, ptrs[0])
	require.NoError(t, err)
	assert.Equal(t, int32(1), values[0])
	assert.Equal(t, "xiaoming", values[1])
	assert.Equal(t, "be", values[2])

	xid2 := e.AllocateXID()
	require.NoError(t, e.BeginTransaction(xid2))

	ok, err := e.HotSimpleDelete(xid2, rel, ptrs[3])
	require.NoError(t, err)
	assert.True(t, ok)
	deleted, err := e.HotSimpleSelect(rel, ptrs[3])
	require.NoError(t, err)
	assert.Nil(t, deleted)

	newPtr, err := e.HotSimpleUpdate(xid2, rel, ptrs[2], []tuple.Value{int32(1), nil, nil})
	require.NoError(t, err)

	oldSlot, err := e.HotSimpleSelect(rel, ptrs[2])
	require.NoError(t, err)
	assert.Nil(t, oldSlot)

	updated, err := e.HotSimpleSelect(rel, newPtr)
	require.NoError(t, err)
	assert.Equal(t, int32(1), updated[0])
	assert.Nil(t, updated[1])
	assert.Nil(t, updated[2])

	require.NoError(t, e.CommitTransaction(xid2))
}

// TestIndexRoundTrip covers a create-index / insert / search / delete
// cycle over the B+tree surface.
func TestIndexRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	db := catalog.OID(1)

	rel, err := e.HotCreateTable(db, "indexed", []ColumnDef{
		{Name: "id", TypeOID: catalog.TypeIntegerOID, NotNull: true},
	})
	require.NoError(t, err)
	attrs := e.RelationAttributes(rel)

	idx, err := e.BtCreateIndex(db, "indexed_id_idx", rel, attrs)
	require.NoError(t, err)

	xid := e.AllocateXID()
	require.NoError(t, e.BeginTransaction(xid))
	for i := 0; i < 5; i++ {
		require.NoError(t, e.BtSimpleInsert(xid, idx, []byte{byte(i)}, btree.TuplePointer{Page: 0, Slot: uint32(i)}))
	}
	require.NoError(t, e.CommitTransaction(xid))

	ptrs, err := e.BtSearch(idx, []byte{3})
	require.NoError(t, err)
	require.Len(t, ptrs, 1)
	assert.Equal(t, uint32(3), ptrs[0].Slot)

	xid2 := e.AllocateXID()
	require.NoError(t, e.BeginTransaction(xid2))
	require.NoError(t, e.BtDelete(xid2, idx, []byte{3}))
	require.NoError(t, e.CommitTransaction(xid2))

	ptrs, err = e.BtSearch(idx, []byte{3})
	require.NoError(t, err)
	assert.Empty(t, ptrs)

	keys, err := e.BtScanAllKeys(idx)
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

// TestDropTableRejectsDependentIndex exercises the DDL-conflict path.
func TestDropTableRejectsDependentIndex(t *testing.T) {
	e := openTestEngine(t)
	db := catalog.OID(1)

	rel, err := e.HotCreateTable(db, "t", []ColumnDef{{Name: "id", TypeOID: catalog.TypeIntegerOID, NotNull: true}})
	require.NoError(t, err)
	_, err = e.BtCreateIndex(db, "t_idx", rel, e.RelationAttributes(rel))
	require.NoError(t, err)

	err = e.HotDropTable(rel)
	assert.Error(t, err)
}
