package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 8192

func TestInsertSelectRoundTrip(t *testing.T) {
	p := Allocate(testPageSize, 1)
	items := [][]byte{[]byte("0x01"), []byte("0x02"), []byte("0x03"), []byte("0x04")}
	for i := 2; i < 104; i++ {
		items = append(items, []byte{byte(i)})
	}
	slots := make([]int, 0, len(items))
	for _, it := range items {
		s := p.Insert(1, it)
		require.NotEqual(t, InvalidSlot, s)
		slots = append(slots, s)
	}
	for i, s := range slots {
		assert.Equal(t, items[i], p.Select(s))
	}
}

func TestDeleteVacuumFreeSpace(t *testing.T) {
	p := Allocate(testPageSize, 1)
	var slots []int
	for i := 0; i < 104; i++ {
		slots = append(slots, p.Insert(1, []byte{byte(i)}))
	}
	toDelete := []int{0, 30, 40, 41, 90, 95, 96, len(slots) - 1}
	before := p.FreeSpace()
	for _, s := range toDelete {
		require.True(t, p.Delete(2, s))
	}
	// Deleting marks dead but does not reclaim space until vacuum.
	assert.Equal(t, before, p.FreeSpace())

	for _, s := range toDelete {
		assert.Equal(t, InvalidBytes, p.Select(s))
	}
	p.Vacuum(3)
	after := p.FreeSpace()
	assert.Greater(t, after, before)
	// Vacuum renumbers slots densely; the surviving item count matches.
	assert.Equal(t, len(slots)-len(toDelete), len(p.ItemIDs))
}

func TestUpdateInPlaceAndAppend(t *testing.T) {
	p := Allocate(testPageSize, 1)
	s := p.Insert(1, []byte("abc"))
	same := p.Update(2, s, []byte("xyz"))
	assert.Equal(t, s, same)
	assert.Equal(t, []byte("xyz"), p.Select(s))

	moved := p.Update(3, s, []byte("a much longer value"))
	assert.NotEqual(t, InvalidSlot, moved)
	assert.Equal(t, InvalidBytes, p.Select(s))
	assert.Equal(t, []byte("a much longer value"), p.Select(moved))
}

func TestPackUnpackRoundTrip(t *testing.T) {
	p := Allocate(testPageSize, 5)
	p.Insert(5, []byte("hello"))
	p.Insert(5, []byte("world!!"))
	p.Delete(6, 0)

	packed := p.Pack()
	assert.Len(t, packed, testPageSize)

	roundTripped := Unpack(testPageSize, packed)
	assert.Equal(t, packed, roundTripped.Pack())
}

func TestDeleteIdempotentFalse(t *testing.T) {
	p := Allocate(testPageSize, 1)
	s := p.Insert(1, []byte("x"))
	assert.True(t, p.Delete(2, s))
	assert.False(t, p.Delete(2, s))
}

func TestResetEmptiesPage(t *testing.T) {
	p := Allocate(testPageSize, 1)
	p.Insert(1, []byte("x"))
	p.Reset(2)
	assert.Equal(t, 0, len(p.ItemIDs))
	assert.Equal(t, testPageSize-HeaderSize, int(p.FreeSpace()))
}
