package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogRoundTripAndAllocateOID(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)

	// Insert in order 1, 3, 2 (scenario 1 of spec.md section 8).
	require.NoError(t, c.Classes.Insert(Relation{OID: 1, Name: "a", Kind: RelHeap}))
	require.NoError(t, c.Classes.Insert(Relation{OID: 3, Name: "c", Kind: RelBTree}))
	require.NoError(t, c.Classes.Insert(Relation{OID: 2, Name: "b", Kind: RelHeap}))
	c.rebuildAllocatorState()

	reopened, err := Open(dir)
	require.NoError(t, err)

	rows := reopened.Classes.All()
	require.Len(t, rows, 3)
	assert.Equal(t, OID(1), rows[0].OID)
	assert.Equal(t, OID(2), rows[1].OID)
	assert.Equal(t, OID(3), rows[2].OID)

	next, err := reopened.AllocateOID(KindRelation)
	require.NoError(t, err)
	assert.Equal(t, OID(4), next)
}

func TestBuiltinTypesSeededAndUnique(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)

	seen := map[OID]bool{}
	for _, ty := range c.Types.All() {
		assert.False(t, seen[ty.OID], "duplicate type oid %d", ty.OID)
		seen[ty.OID] = true
	}
	assert.True(t, seen[TypeDoubleOID])
	assert.True(t, seen[TypeBooleanOID])
}

func TestAttributeOrderingByColumnIndex(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, c.Attributes.Insert(Attribute{ClassOID: 1, Name: "city", TypeOID: TypeVarcharOID, ColumnIndex: 2}))
	require.NoError(t, c.Attributes.Insert(Attribute{ClassOID: 1, Name: "id", TypeOID: TypeIntegerOID, ColumnIndex: 0, NotNull: true}))
	require.NoError(t, c.Attributes.Insert(Attribute{ClassOID: 1, Name: "name", TypeOID: TypeTextOID, ColumnIndex: 1}))

	attrs := c.RelationAttributes(1)
	require.Len(t, attrs, 3)
	assert.Equal(t, "id", attrs[0].Name)
	assert.Equal(t, "name", attrs[1].Name)
	assert.Equal(t, "city", attrs[2].Name)
}
