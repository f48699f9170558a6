// Package tuple implements the on-disk tuple encoding: an 8-byte
// big-endian nulls bitmap followed by the concatenation of non-null
// column encodings in column-index order (spec.md section 4.F). The
// big-endian bitmap against little-endian pages is intentional
// (spec.md section 9) and must never be "normalized" away.
package tuple

import (
	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/andb-project/andbcore/internal/codec"
	"github.com/andb-project/andbcore/internal/errs"
)

// NullsBitmapBytes is the fixed width of the leading nulls bitmap.
const NullsBitmapBytes = 8

// Value is one column value: nil for NULL, otherwise one of
// int32/int64/float32/float64/bool/string depending on the column's
// type; a char column also accepts []byte when encoding and decodes to a
// one-character string.
type Value interface{}

// Encode packs values (one per attrs entry, in the same order) into a
// tuple's byte form. A NOT NULL column receiving NULL is a Rollback error.
func Encode(values []Value, attrs []catalog.Attribute, types func(catalog.OID) (catalog.Type, bool)) ([]byte, error) {
	if len(values) != len(attrs) {
		return nil, errs.Rollback(errs.ErrnoColumnNotFound, "tuple: expected %d values, got %d", len(attrs), len(values))
	}
	var bitmap [NullsBitmapBytes]byte
	bodies := make([][]byte, len(attrs))

	for i, attr := range attrs {
		v := values[i]
		if v == nil {
			if attr.NotNull {
				return nil, errs.Rollback(errs.ErrnoNotNullViolation, "tuple: column %s is NOT NULL", attr.Name)
			}
			setNullBit(&bitmap, i)
			continue
		}
		ty, ok := types(attr.TypeOID)
		if !ok {
			return nil, errs.Rollback(errs.ErrnoColumnNotFound, "tuple: unknown type oid %d for column %s", attr.TypeOID, attr.Name)
		}
		b, err := encodeValue(ty, attr, v)
		if err != nil {
			return nil, err
		}
		bodies[i] = b
	}

	total := NullsBitmapBytes
	for _, b := range bodies {
		total += len(b)
	}
	out := make([]byte, 0, total)
	out = append(out, bitmap[:]...)
	for _, b := range bodies {
		out = append(out, b...)
	}
	return out, nil
}

// Decode reverses Encode: reads the nulls bitmap, then for each
// attribute either emits nil or consumes the type's bytes.
func Decode(data []byte, attrs []catalog.Attribute, types func(catalog.OID) (catalog.Type, bool)) ([]Value, error) {
	if len(data) < NullsBitmapBytes {
		return nil, errs.Rollback(errs.ErrnoWALRecordTooLarge, "tuple: truncated nulls bitmap")
	}
	var bitmap [NullsBitmapBytes]byte
	copy(bitmap[:], data[:NullsBitmapBytes])
	off := NullsBitmapBytes

	out := make([]Value, len(attrs))
	for i, attr := range attrs {
		if isNull(&bitmap, i) {
			out[i] = nil
			continue
		}
		ty, ok := types(attr.TypeOID)
		if !ok {
			return nil, errs.Rollback(errs.ErrnoColumnNotFound, "tuple: unknown type oid %d for column %s", attr.TypeOID, attr.Name)
		}
		v, n, err := decodeValue(ty, attr, data[off:])
		if err != nil {
			return nil, err
		}
		out[i] = v
		off += n
	}
	return out, nil
}

func setNullBit(bitmap *[NullsBitmapBytes]byte, col int) {
	byteIdx := col / 8
	bitIdx := 7 - uint(col%8)
	bitmap[byteIdx] |= 1 << bitIdx
}

func isNull(bitmap *[NullsBitmapBytes]byte, col int) bool {
	byteIdx := col / 8
	bitIdx := 7 - uint(col%8)
	return bitmap[byteIdx]&(1<<bitIdx) != 0
}

func encodeValue(ty catalog.Type, attr catalog.Attribute, v Value) ([]byte, error) {
	switch ty.OID {
	case catalog.TypeIntegerOID:
		b := make([]byte, 4)
		codec.PutI32(codec.LittleEndian, b, toInt32(v))
		return b, nil
	case catalog.TypeBigintOID:
		b := make([]byte, 8)
		codec.PutI64(codec.LittleEndian, b, toInt64(v))
		return b, nil
	case catalog.TypeRealOID:
		b := make([]byte, 4)
		codec.PutF32(codec.LittleEndian, b, toFloat32(v))
		return b, nil
	case catalog.TypeDoubleOID:
		b := make([]byte, 8)
		codec.PutF64(codec.LittleEndian, b, toFloat64(v))
		return b, nil
	case catalog.TypeBooleanOID:
		b := make([]byte, 1)
		codec.PutBool(b, toBool(v))
		return b, nil
	case catalog.TypeCharOID:
		s := toString(v)
		if len(s) == 0 {
			return []byte{0}, nil
		}
		return []byte{s[0]}, nil
	case catalog.TypeVarcharOID:
		s := toString(v)
		if attr.Length > 0 && len(s) > attr.Length {
			s = s[:attr.Length]
		}
		return withLengthPrefix([]byte(s)), nil
	case catalog.TypeTextOID:
		return withLengthPrefix([]byte(toString(v))), nil
	default:
		return nil, errs.Rollback(errs.ErrnoColumnNotFound, "tuple: unsupported type oid %d", ty.OID)
	}
}

func decodeValue(ty catalog.Type, attr catalog.Attribute, data []byte) (Value, int, error) {
	switch ty.OID {
	case catalog.TypeIntegerOID:
		return codec.GetI32(codec.LittleEndian, data[0:4]), 4, nil
	case catalog.TypeBigintOID:
		return codec.GetI64(codec.LittleEndian, data[0:8]), 8, nil
	case catalog.TypeRealOID:
		return codec.GetF32(codec.LittleEndian, data[0:4]), 4, nil
	case catalog.TypeDoubleOID:
		return codec.GetF64(codec.LittleEndian, data[0:8]), 8, nil
	case catalog.TypeBooleanOID:
		return codec.GetBool(data[0:1]), 1, nil
	case catalog.TypeCharOID:
		return string(data[0:1]), 1, nil
	case catalog.TypeVarcharOID, catalog.TypeTextOID:
		l := int(codec.GetU32(codec.LittleEndian, data[0:4]))
		return string(data[4 : 4+l]), 4 + l, nil
	default:
		return nil, 0, errs.Rollback(errs.ErrnoColumnNotFound, "tuple: unsupported type oid %d", ty.OID)
	}
}

func withLengthPrefix(b []byte) []byte {
	out := make([]byte, 4+len(b))
	codec.PutU32(codec.LittleEndian, out[0:4], uint32(len(b)))
	copy(out[4:], b)
	return out
}

func toInt32(v Value) int32 {
	switch x := v.(type) {
	case int32:
		return x
	case int:
		return int32(x)
	case int64:
		return int32(x)
	}
	return 0
}

func toInt64(v Value) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case int:
		return int64(x)
	}
	return 0
}

func toFloat32(v Value) float32 {
	switch x := v.(type) {
	case float32:
		return x
	case float64:
		return float32(x)
	}
	return 0
}

func toFloat64(v Value) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	}
	return 0
}

func toBool(v Value) bool {
	b, _ := v.(bool)
	return b
}

func toString(v Value) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return ""
}
