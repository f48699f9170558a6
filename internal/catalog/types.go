package catalog

import "github.com/OneOfOne/xxhash"

// VariableSize marks a type whose on-disk length is not fixed (varchar,
// text); encoded with a length prefix instead.
const VariableSize = -1

// Type is one row of the andb_type system table (spec.md section 3).
type Type struct {
	OID       OID
	Name      string
	Alias     string
	Size      int  // fixed byte width, or VariableSize
	WireChar  byte // single-character wire tag
	Default   []byte
	HashFn    func([]byte) uint64
}

// Built-in type OIDs, fixed per spec.md section 9 (each type gets a
// unique OID; no duplicate assignments for double/boolean).
const (
	typeOIDBase    OID = 400000
	TypeIntegerOID OID = typeOIDBase + 1
	TypeBigintOID  OID = typeOIDBase + 2
	TypeRealOID    OID = typeOIDBase + 3
	TypeDoubleOID  OID = typeOIDBase + 4
	TypeBooleanOID OID = typeOIDBase + 5
	TypeCharOID    OID = typeOIDBase + 6
	TypeVarcharOID OID = typeOIDBase + 7
	TypeTextOID    OID = typeOIDBase + 8
)

func xxhashOf(b []byte) uint64 {
	h := xxhash.New64()
	h.Write(b)
	return h.Sum64()
}

// BuiltinTypes returns the canonical built-in type rows in the order
// they must appear in andb_type.
func BuiltinTypes() []Type {
	return []Type{
		{OID: TypeIntegerOID, Name: "integer", Alias: "int", Size: 4, WireChar: 'i', HashFn: xxhashOf},
		{OID: TypeBigintOID, Name: "bigint", Alias: "long", Size: 8, WireChar: 'l', HashFn: xxhashOf},
		{OID: TypeRealOID, Name: "real", Alias: "float", Size: 4, WireChar: 'f', HashFn: xxhashOf},
		{OID: TypeDoubleOID, Name: "double precision", Alias: "double", Size: 8, WireChar: 'd', HashFn: xxhashOf},
		{OID: TypeBooleanOID, Name: "boolean", Alias: "bool", Size: 1, WireChar: 'b', HashFn: xxhashOf},
		{OID: TypeCharOID, Name: "char", Alias: "char", Size: 1, WireChar: 'c', HashFn: xxhashOf},
		{OID: TypeVarcharOID, Name: "varchar", Alias: "varchar", Size: VariableSize, WireChar: 'v', HashFn: xxhashOf},
		{OID: TypeTextOID, Name: "text", Alias: "text", Size: VariableSize, WireChar: 't', HashFn: xxhashOf},
	}
}

// RelationKind enumerates the storage kind of a relation row.
type RelationKind int

const (
	RelHeap RelationKind = iota
	RelBTree
	RelSystem
	RelTemp
	RelMemory
)

// Relation is one row of the andb_class system table.
type Relation struct {
	OID      OID
	Database OID
	Name     string
	Kind     RelationKind
}

// Attribute is one row of the andb_attribute system table. ColumnIndex
// is the insertion order and defines on-disk column order.
type Attribute struct {
	ClassOID    OID
	Name        string
	TypeOID     OID
	Length      int // declared max for varchar; 0 for intrinsic-variable types
	ColumnIndex int
	NotNull     bool
}

// IndexAttribute is one row of the andb_index system table.
// Leftmost-prefix rule: an index on (c1..cn) serves equality on any
// prefix (c1..ck), k<=n.
type IndexAttribute struct {
	IndexOID      OID
	Name          string
	TypeOID       OID
	TableOID      OID
	IndexColIndex int
	TableAttrIdx  int
}
