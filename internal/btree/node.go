package btree

import (
	"github.com/andb-project/andbcore/internal/codec"
	"github.com/andb-project/andbcore/internal/page"
)

// flagLeaf/flagNotLeaf occupy header.Flags bit 0; the node's own page
// number occupies the remaining bits (spec.md section 4.H, grounded on
// the teacher's index page flag convention and on the original's
// INDEX_PAGE_FLAG_LEAF/INDEX_PAGE_FLAG_NOT_LEAF).
const (
	flagLeaf     = 0b01
	flagNotLeaf  = 0b00
	invalidPageNo = 0xffffffff
)

// TuplePointer locates one heap tuple: (page#, slot#), each stored as an
// unsigned 4-byte little-endian field.
type TuplePointer struct {
	Page uint32
	Slot uint32
}

const tuplePointerSize = 8

func (p TuplePointer) pack() []byte {
	b := make([]byte, tuplePointerSize)
	codec.PutU32(codec.LittleEndian, b[0:4], p.Page)
	codec.PutU32(codec.LittleEndian, b[4:8], p.Slot)
	return b
}

func unpackTuplePointer(b []byte) TuplePointer {
	return TuplePointer{
		Page: codec.GetU32(codec.LittleEndian, b[0:4]),
		Slot: codec.GetU32(codec.LittleEndian, b[4:8]),
	}
}

// internalNode is the decoded form of a non-leaf index page: len(children)
// is always len(keys)+1.
type internalNode struct {
	pno      uint32
	keys     [][]byte
	children []uint32
}

// leafNode is the decoded form of a leaf index page.
type leafNode struct {
	pno      uint32
	keys     [][]byte
	values   [][]TuplePointer
	hasNext  bool
	nextLeaf uint32
}

func isLeafPage(pg *page.Page) bool {
	return pg.Header.Flags&flagLeaf == flagLeaf
}

func pageNoOf(pg *page.Page) uint32 {
	return pg.Header.Flags >> 1
}

// packInternal renders an internalNode into a fresh page, one item per
// entry: child-pageno(4) || key-bytes, except the last entry which
// carries only the trailing child-pageno (len(children) == len(keys)+1).
func packInternal(pageSize uint32, lsn uint64, n internalNode) *page.Page {
	pg := page.Allocate(pageSize, lsn)
	pg.Header.Flags = (n.pno << 1) | flagNotLeaf
	for i, k := range n.keys {
		data := make([]byte, 4+len(k))
		codec.PutU32(codec.LittleEndian, data[0:4], n.children[i])
		copy(data[4:], k)
		pg.Insert(lsn, data)
	}
	if len(n.children) == len(n.keys)+1 {
		data := make([]byte, 4)
		codec.PutU32(codec.LittleEndian, data, n.children[len(n.children)-1])
		pg.Insert(lsn, data)
	}
	return pg
}

func unpackInternal(pg *page.Page) internalNode {
	n := internalNode{pno: pageNoOf(pg)}
	for i := range pg.ItemIDs {
		data := pg.Select(i)
		child := codec.GetU32(codec.LittleEndian, data[0:4])
		key := data[4:]
		if len(key) > 0 {
			n.keys = append(n.keys, append([]byte(nil), key...))
		}
		n.children = append(n.children, child)
	}
	return n
}

// packLeaf renders a leafNode into a fresh page, one item per key:
// value-length(4) || value-bytes || key-bytes.
func packLeaf(pageSize uint32, lsn uint64, n leafNode) *page.Page {
	pg := page.Allocate(pageSize, lsn)
	pg.Header.Flags = (n.pno << 1) | flagLeaf
	if n.hasNext {
		pg.Header.Reserved = n.nextLeaf
	} else {
		pg.Header.Reserved = invalidPageNo
	}
	for i, k := range n.keys {
		var valueData []byte
		for _, v := range n.values[i] {
			valueData = append(valueData, v.pack()...)
		}
		data := make([]byte, 4+len(valueData)+len(k))
		codec.PutU32(codec.LittleEndian, data[0:4], uint32(len(valueData)))
		copy(data[4:], valueData)
		copy(data[4+len(valueData):], k)
		pg.Insert(lsn, data)
	}
	return pg
}

func unpackLeaf(pg *page.Page) leafNode {
	n := leafNode{pno: pageNoOf(pg)}
	if pg.Header.Reserved != invalidPageNo {
		n.hasNext = true
		n.nextLeaf = pg.Header.Reserved
	}
	for i := range pg.ItemIDs {
		data := pg.Select(i)
		valueLen := codec.GetU32(codec.LittleEndian, data[0:4])
		valueData := data[4 : 4+valueLen]
		key := data[4+valueLen:]
		n.keys = append(n.keys, append([]byte(nil), key...))
		var values []TuplePointer
		for off := uint32(0); off < valueLen; off += tuplePointerSize {
			values = append(values, unpackTuplePointer(valueData[off:off+tuplePointerSize]))
		}
		n.values = append(n.values, values)
	}
	return n
}

// internalLoadFactor and leafLoadFactor report used-bytes / (page-body) for split-threshold checks
// (spec.md section 4.H); this mirrors the original's per-entry accounting
// rather than re-deriving it from the packed page's free space, since the
// threshold is defined on logical entry size.
func internalLoadFactor(pageSize uint32, n internalNode) float64 {
	total := float64(pageSize - page.HeaderSize)
	used := 0
	for _, k := range n.keys {
		used += len(k) + 4
	}
	return float64(used) / total
}

func leafLoadFactor(pageSize uint32, n leafNode) float64 {
	total := float64(pageSize - page.HeaderSize)
	used := 0
	for i, k := range n.keys {
		used += len(k) + 4
		used += len(n.values[i]) * tuplePointerSize
	}
	return float64(used) / total
}
