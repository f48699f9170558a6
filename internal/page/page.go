// Package page implements the slotted page: a fixed PAGE_SIZE byte buffer
// with an item-id directory growing from the header downward and item
// bodies growing from the page end upward, per spec.md section 4.B.
package page

import (
	"github.com/andb-project/andbcore/internal/codec"
)

// HeaderSize is the fixed 28-byte page header (spec.md section 3/6).
const HeaderSize = 28

// InvalidSlot is returned by Insert/Update on failure.
const InvalidSlot = -1

// InvalidBytes is returned by Select when the slot is absent or not NORMAL.
var InvalidBytes = []byte{}

// Header is the fixed 28-byte page header, packed little-endian.
type Header struct {
	LSN      uint64
	Checksum uint32
	Flags    uint32
	Reserved uint32
	Lower    uint32
	Upper    uint32
}

func (h *Header) pack(b []byte) {
	codec.PutU64(codec.LittleEndian, b[0:8], h.LSN)
	codec.PutU32(codec.LittleEndian, b[8:12], h.Checksum)
	codec.PutU32(codec.LittleEndian, b[12:16], h.Flags)
	codec.PutU32(codec.LittleEndian, b[16:20], h.Reserved)
	codec.PutU32(codec.LittleEndian, b[20:24], h.Lower)
	codec.PutU32(codec.LittleEndian, b[24:28], h.Upper)
}

func (h *Header) unpack(b []byte) {
	h.LSN = codec.GetU64(codec.LittleEndian, b[0:8])
	h.Checksum = codec.GetU32(codec.LittleEndian, b[8:12])
	h.Flags = codec.GetU32(codec.LittleEndian, b[12:16])
	h.Reserved = codec.GetU32(codec.LittleEndian, b[16:20])
	h.Lower = codec.GetU32(codec.LittleEndian, b[20:24])
	h.Upper = codec.GetU32(codec.LittleEndian, b[24:28])
}

// Page is a slotted page of exactly pageSize bytes once packed.
type Page struct {
	Header   Header
	ItemIDs  []ItemID
	Items    []byte // tail bytes occupying [Header.Upper, pageSize)
	pageSize uint32
}

// Allocate returns a fresh, empty page stamped with lsn.
func Allocate(pageSize uint32, lsn uint64) *Page {
	p := &Page{pageSize: pageSize}
	p.Header.LSN = lsn
	p.Header.Lower = HeaderSize
	p.Header.Upper = pageSize
	return p
}

func (p *Page) itemIDsSize() uint32 { return uint32(len(p.ItemIDs)) * itemIDBytes }
func (p *Page) itemDataSize() uint32 { return uint32(len(p.Items)) }

// FreeSpace returns the byte count of the gap between the item-id
// directory and the item data.
func (p *Page) FreeSpace() uint32 {
	return p.pageSize - HeaderSize - p.itemIDsSize() - p.itemDataSize()
}

// CanPut reports whether len bytes plus a new item-id entry fit.
func (p *Page) CanPut(length int) bool {
	free := p.FreeSpace()
	if free < itemIDBytes {
		return false
	}
	return uint32(length) <= free-itemIDBytes
}

// offsetInItems converts a page-absolute offset into an index into p.Items.
func (p *Page) offsetInItems(offset uint32) uint32 {
	return p.itemDataSize() - (p.pageSize - offset)
}

// Insert appends data at the top of the free gap and returns its slot
// number, or InvalidSlot if the page cannot accommodate it.
func (p *Page) Insert(lsn uint64, data []byte) int {
	if len(data) == 0 || !p.CanPut(len(data)) {
		return InvalidSlot
	}
	length := uint32(len(data))
	offset := p.Header.Upper - length

	p.ItemIDs = append(p.ItemIDs, ItemID{Offset: offset, Flag: FlagNormal, Length: length})
	// New data goes at the front of Items: Items always covers
	// [pageSize - len(Items), pageSize).
	buf := make([]byte, 0, len(data)+len(p.Items))
	buf = append(buf, data...)
	buf = append(buf, p.Items...)
	p.Items = buf

	p.Header.LSN = lsn
	p.Header.Checksum = 0
	p.Header.Lower = HeaderSize + p.itemIDsSize()
	p.Header.Upper = p.pageSize - p.itemDataSize()
	return len(p.ItemIDs) - 1
}

// Select returns the bytes stored at slot, or InvalidBytes if the slot is
// out of range or not NORMAL.
func (p *Page) Select(slot int) []byte {
	if slot < 0 || slot >= len(p.ItemIDs) {
		return InvalidBytes
	}
	id := p.ItemIDs[slot]
	if id.Flag != FlagNormal {
		return InvalidBytes
	}
	start := p.offsetInItems(id.Offset)
	out := make([]byte, id.Length)
	copy(out, p.Items[start:start+id.Length])
	return out
}

// Delete flips slot's flag NORMAL->DEAD. Returns false if slot is out of
// range or was not NORMAL (idempotent-false on repeat).
func (p *Page) Delete(lsn uint64, slot int) bool {
	if slot < 0 || slot >= len(p.ItemIDs) {
		return false
	}
	id := &p.ItemIDs[slot]
	if id.Flag != FlagNormal {
		return false
	}
	p.Header.LSN = lsn
	id.Flag = FlagDead
	p.Header.Checksum = 0
	return true
}

// RollbackDelete flips slot's flag DEAD->NORMAL, restoring the prior lsn.
// Used by Update to compensate its own just-issued delete, and by
// heap.Restore when undo (on abort or during recovery) reverses a
// HEAP_DELETE.
func (p *Page) RollbackDelete(oldLSN uint64, slot int) bool {
	if slot < 0 || slot >= len(p.ItemIDs) {
		return false
	}
	id := &p.ItemIDs[slot]
	if id.Flag != FlagDead {
		return false
	}
	p.Header.LSN = oldLSN
	id.Flag = FlagNormal
	p.Header.Checksum = 0
	return true
}

// Update overwrites slot in place if len(data) matches the prior length;
// otherwise performs an atomic delete+insert and returns the (possibly
// different) new slot. Callers MUST treat the returned slot as authoritative.
func (p *Page) Update(lsn uint64, slot int, data []byte) int {
	if slot < 0 || slot >= len(p.ItemIDs) {
		return InvalidSlot
	}
	id := &p.ItemIDs[slot]
	if id.Flag != FlagNormal {
		return InvalidSlot
	}
	length := id.Length
	if uint32(len(data)) == length {
		start := p.offsetInItems(id.Offset)
		copy(p.Items[start:start+length], data)
		p.Header.LSN = lsn
		p.Header.Checksum = 0
		return slot
	}

	oldLSN := p.Header.LSN
	if !p.Delete(lsn, slot) {
		return InvalidSlot
	}
	newSlot := p.Insert(lsn, data)
	if newSlot == InvalidSlot {
		if !p.RollbackDelete(oldLSN, slot) {
			panic("page: rollback of compensating delete failed")
		}
		return InvalidSlot
	}
	return newSlot
}

// Vacuum drops DEAD items, repacks the directory densely and moves
// bodies toward the high end of the page.
func (p *Page) Vacuum(lsn uint64) {
	live := make([]ItemID, 0, len(p.ItemIDs))
	for _, id := range p.ItemIDs {
		if id.Flag != FlagDead {
			live = append(live, id)
		}
	}

	newData := make([]byte, 0, p.itemDataSize())
	newUpper := p.pageSize
	for i := range live {
		id := &live[i]
		start := p.offsetInItems(id.Offset)
		body := p.Items[start : start+id.Length]
		buf := make([]byte, 0, len(body)+len(newData))
		buf = append(buf, body...)
		buf = append(buf, newData...)
		newData = buf
		id.Offset = newUpper - id.Length
		newUpper = id.Offset
	}

	p.ItemIDs = live
	p.Items = newData
	p.Header.LSN = lsn
	p.Header.Checksum = 0
	p.Header.Upper = newUpper
	p.Header.Lower = HeaderSize + p.itemIDsSize()
}

// Reset empties the page, as if every item had been dropped.
func (p *Page) Reset(lsn uint64) {
	p.ItemIDs = p.ItemIDs[:0]
	p.Items = nil
	p.Header.LSN = lsn
	p.Header.Lower = HeaderSize
	p.Header.Upper = p.pageSize
	p.Header.Checksum = 0
}

// Pack serializes the page to exactly pageSize bytes, zero-padding the
// free gap between the item-id directory and the item data.
func (p *Page) Pack() []byte {
	out := make([]byte, p.pageSize)
	p.Header.pack(out[0:HeaderSize])
	off := uint32(HeaderSize)
	for _, id := range p.ItemIDs {
		codec.PutU32(codec.LittleEndian, out[off:off+4], id.Pack())
		off += 4
	}
	copy(out[p.pageSize-p.itemDataSize():], p.Items)
	return out
}

// Unpack deserializes exactly pageSize bytes into a Page.
func Unpack(pageSize uint32, data []byte) *Page {
	p := &Page{pageSize: pageSize}
	p.Header.unpack(data[0:HeaderSize])

	itemIDsSize := p.Header.Lower - HeaderSize
	var n uint32
	if itemIDsSize > 0 {
		n = itemIDsSize / itemIDBytes
	}
	p.ItemIDs = make([]ItemID, 0, n)
	off := uint32(HeaderSize)
	for i := uint32(0); i < n; i++ {
		v := codec.GetU32(codec.LittleEndian, data[off:off+4])
		p.ItemIDs = append(p.ItemIDs, UnpackItemID(v))
		off += 4
	}
	p.Items = append([]byte(nil), data[p.Header.Upper:]...)
	return p
}
