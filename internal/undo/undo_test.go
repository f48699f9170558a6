package undo

import (
	"testing"

	"github.com/andb-project/andbcore/internal/fsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushAndParseReverseOrder(t *testing.T) {
	dir := t.TempDir()
	fds := fsio.NewFDCache(4)
	log := Open(dir, fds, 42)

	log.Append(Record{XID: 42, Op: OpHeapInsert, Relation: 7, Page: 0, Slot: 0, Data: []byte("row-a")})
	log.Append(Record{XID: 42, Op: OpHeapDelete, Relation: 7, Page: 0, Slot: 1, Data: []byte("row-b")})
	require.NoError(t, log.Flush())

	require.NoError(t, log.CommitTerminal())

	records, err := ParseRecords(dir, fds, 42)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, OpCommit, records[0].Op)
	assert.Equal(t, OpHeapDelete, records[1].Op)
	assert.Equal(t, []byte("row-b"), records[1].Data)
	assert.Equal(t, OpHeapInsert, records[2].Op)
	assert.Equal(t, []byte("row-a"), records[2].Data)
}

func TestParseRecordsOnMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	fds := fsio.NewFDCache(4)
	records, err := ParseRecords(dir, fds, 999)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestBTreeUndoRecordCarriesKeyAndPointerPage(t *testing.T) {
	dir := t.TempDir()
	fds := fsio.NewFDCache(4)
	log := Open(dir, fds, 5)
	log.Append(Record{XID: 5, Op: OpBTreeInsert, Relation: 9, Key: []byte{0, 0, 0, 100}, Page: 3, Slot: 2})
	require.NoError(t, log.Flush())

	records, err := ParseRecords(dir, fds, 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte{0, 0, 0, 100}, records[0].Key)
	assert.EqualValues(t, 3, records[0].Page)
}
