// Package codec packs and unpacks fixed-size primitives to and from
// byte slices in a caller-chosen byte order. Pages use little-endian;
// the tuple nulls bitmap intentionally uses big-endian (spec.md section
// 3/9) — callers must not "normalize" that asymmetry.
package codec

import (
	"encoding/binary"
	"math"
)

// Order is a tiny facade over binary.ByteOrder so call sites read as
// codec.LittleEndian / codec.BigEndian rather than importing encoding/binary
// directly everywhere.
type Order = binary.ByteOrder

var (
	LittleEndian Order = binary.LittleEndian
	BigEndian    Order = binary.BigEndian
)

// PutU16/PutU32/PutU64 and GetU16/GetU32/GetU64 wrap binary.ByteOrder for
// the fixed-width integer forms the on-disk formats use.

func PutU16(order Order, b []byte, v uint16) { order.PutUint16(b, v) }
func GetU16(order Order, b []byte) uint16    { return order.Uint16(b) }

func PutU32(order Order, b []byte, v uint32) { order.PutUint32(b, v) }
func GetU32(order Order, b []byte) uint32    { return order.Uint32(b) }

func PutU64(order Order, b []byte, v uint64) { order.PutUint64(b, v) }
func GetU64(order Order, b []byte) uint64    { return order.Uint64(b) }

func PutI32(order Order, b []byte, v int32) { order.PutUint32(b, uint32(v)) }
func GetI32(order Order, b []byte) int32    { return int32(order.Uint32(b)) }

func PutI64(order Order, b []byte, v int64) { order.PutUint64(b, uint64(v)) }
func GetI64(order Order, b []byte) int64    { return int64(order.Uint64(b)) }

func PutF32(order Order, b []byte, v float32) { order.PutUint32(b, math.Float32bits(v)) }
func GetF32(order Order, b []byte) float32    { return math.Float32frombits(order.Uint32(b)) }

func PutF64(order Order, b []byte, v float64) { order.PutUint64(b, math.Float64bits(v)) }
func GetF64(order Order, b []byte) float64    { return math.Float64frombits(order.Uint64(b)) }

func PutBool(b []byte, v bool) {
	if v {
		b[0] = 1
	} else {
		b[0] = 0
	}
}
func GetBool(b []byte) bool { return b[0] != 0 }

// Field describes one fixed-size member of a packed struct, used by the
// meta-builder to materialize byte-for-byte layouts from an ordered set
// of fields (spec.md section 4.A).
type Field struct {
	Name string
	Size int // byte width of this field
}

// Layout is a materialized, ordered field set with precomputed offsets.
type Layout struct {
	Fields  []Field
	offsets []int
	total   int
}

// NewLayout builds a Layout from an ordered field set; offsets are
// assigned by concatenation, matching C-style packed struct layout.
func NewLayout(fields []Field) *Layout {
	l := &Layout{Fields: fields, offsets: make([]int, len(fields))}
	off := 0
	for i, f := range fields {
		l.offsets[i] = off
		off += f.Size
	}
	l.total = off
	return l
}

// Size returns the total packed byte width of the layout.
func (l *Layout) Size() int { return l.total }

// Offset returns the byte offset of the i-th field.
func (l *Layout) Offset(i int) int { return l.offsets[i] }

// OffsetOf returns the byte offset of the named field, or -1 if absent.
func (l *Layout) OffsetOf(name string) int {
	for i, f := range l.Fields {
		if f.Name == name {
			return l.offsets[i]
		}
	}
	return -1
}
