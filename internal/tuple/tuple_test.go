package tuple

import (
	"testing"

	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typeLookup(c *catalog.Catalog) func(catalog.OID) (catalog.Type, bool) {
	return c.FindType
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := catalog.Open(dir)
	require.NoError(t, err)

	attrs := []catalog.Attribute{
		{Name: "id", TypeOID: catalog.TypeIntegerOID, ColumnIndex: 0, NotNull: true},
		{Name: "name", TypeOID: catalog.TypeTextOID, ColumnIndex: 1},
		{Name: "city", TypeOID: catalog.TypeVarcharOID, ColumnIndex: 2, Length: 2},
	}

	values := []Value{int32(1), "xiaoming", "beijing"}
	enc, err := Encode(values, attrs, typeLookup(c))
	require.NoError(t, err)

	dec, err := Decode(enc, attrs, typeLookup(c))
	require.NoError(t, err)
	assert.Equal(t, int32(1), dec[0])
	assert.Equal(t, "xiaoming", dec[1])
	assert.Equal(t, "be", dec[2]) // truncated to declared max of 2
}

func TestNullsAndNotNullViolation(t *testing.T) {
	dir := t.TempDir()
	c, err := catalog.Open(dir)
	require.NoError(t, err)

	attrs := []catalog.Attribute{
		{Name: "id", TypeOID: catalog.TypeIntegerOID, ColumnIndex: 0, NotNull: true},
		{Name: "name", TypeOID: catalog.TypeTextOID, ColumnIndex: 1},
	}

	_, err = Encode([]Value{nil, "x"}, attrs, typeLookup(c))
	assert.Error(t, err)

	enc, err := Encode([]Value{int32(4), nil}, attrs, typeLookup(c))
	require.NoError(t, err)
	dec, err := Decode(enc, attrs, typeLookup(c))
	require.NoError(t, err)
	assert.Equal(t, int32(4), dec[0])
	assert.Nil(t, dec[1])
}
