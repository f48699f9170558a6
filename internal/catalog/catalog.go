package catalog

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/andb-project/andbcore/internal/codec"
)

// Database is one row of the andb_database system table.
type Database struct {
	OID  OID
	Name string
}

// Catalog owns every system table plus the OID allocator. It is an
// explicit value threaded through the engine (spec.md section 9), not a
// process-wide singleton. DDL and DML callers take the same *Catalog;
// there is no separate read-only view.
type Catalog struct {
	dir   string
	alloc *oidAllocator

	Databases  *Table[Database]
	Classes    *Table[Relation]
	Attributes *Table[Attribute]
	Types      *Table[Type]
	Indexes    *Table[IndexAttribute]
}

// New opens (but does not yet load) a catalog rooted at dir; each system table is a file directly under dir.
func New(dir string) *Catalog {
	c := &Catalog{dir: dir, alloc: newOIDAllocator()}
	c.Databases = NewTable(filepath.Join(dir, "andb_database"), encodeDatabase, decodeDatabase, lessDatabase)
	c.Classes = NewTable(filepath.Join(dir, "andb_class"), encodeRelation, decodeRelation, lessRelation)
	c.Attributes = NewTable(filepath.Join(dir, "andb_attribute"), encodeAttribute, decodeAttribute, lessAttribute)
	c.Types = NewTable(filepath.Join(dir, "andb_type"), encodeType, decodeType, lessType)
	c.Indexes = NewTable(filepath.Join(dir, "andb_index"), encodeIndexAttribute, decodeIndexAttribute, lessIndexAttribute)
	return c
}

// Open loads every system table from disk, creating the catalog
// directory and seeding the built-in types on first run.
func Open(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	c := New(dir)
	for _, tbl := range []interface {
		Load() error
	}{c.Databases, c.Classes, c.Attributes, c.Types, c.Indexes} {
		if err := tbl.Load(); err != nil {
			return nil, err
		}
	}
	if len(c.Types.All()) == 0 {
		for _, t := range BuiltinTypes() {
			if err := c.Types.Insert(t); err != nil {
				return nil, err
			}
		}
	}
	c.rebuildAllocatorState()
	return c, nil
}

// rebuildAllocatorState scans loaded rows and bumps the allocator past
// every OID already on disk, so AllocateOID never reissues one.
func (c *Catalog) rebuildAllocatorState() {
	for _, d := range c.Databases.All() {
		c.alloc.note(KindDatabase, d.OID)
	}
	for _, r := range c.Classes.All() {
		c.alloc.note(KindRelation, r.OID)
	}
	for _, t := range c.Types.All() {
		c.alloc.note(KindType, t.OID)
	}
	for _, ix := range c.Indexes.All() {
		c.alloc.note(KindRelation, ix.IndexOID)
	}
}

// AllocateOID returns the next OID within kind's reserved range.
func (c *Catalog) AllocateOID(kind Kind) (OID, error) {
	return c.alloc.allocate(kind)
}

// NoteOID records an externally-assigned OID so future allocations
// within kind never collide with it (used when seeding catalog rows
// directly, e.g. during a bootstrap or a restore from an older format).
func (c *Catalog) NoteOID(kind Kind, oid OID) { c.alloc.note(kind, oid) }

// FindRelation looks up a relation by (database, name, kind).
func (c *Catalog) FindRelation(db OID, name string, kind RelationKind) (Relation, bool) {
	rows := c.Classes.Search(func(r Relation) bool {
		return r.Database == db && r.Name == name && r.Kind == kind
	})
	if len(rows) == 0 {
		return Relation{}, false
	}
	return rows[0], true
}

// RelationAttributes returns classOID's attributes in column-index order.
func (c *Catalog) RelationAttributes(classOID OID) []Attribute {
	rows := c.Attributes.Search(func(a Attribute) bool { return a.ClassOID == classOID })
	// stable sort by ColumnIndex: insertion order is already preserved,
	// but callers may have updated a column, so enforce it explicitly.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j-1].ColumnIndex > rows[j].ColumnIndex; j-- {
			rows[j-1], rows[j] = rows[j], rows[j-1]
		}
	}
	return rows
}

// FindType looks up a built-in or registered type by OID.
func (c *Catalog) FindType(oid OID) (Type, bool) {
	rows := c.Types.Search(func(t Type) bool { return t.OID == oid })
	if len(rows) == 0 {
		return Type{}, false
	}
	t := rows[0]
	if t.HashFn == nil {
		t.HashFn = xxhashOf
	}
	return t, true
}

// IndexAttributes returns an index's key columns in index-column order.
func (c *Catalog) IndexAttributes(indexOID OID) []IndexAttribute {
	rows := c.Indexes.Search(func(ix IndexAttribute) bool { return ix.IndexOID == indexOID })
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rows[j-1].IndexColIndex > rows[j].IndexColIndex; j-- {
			rows[j-1], rows[j] = rows[j], rows[j-1]
		}
	}
	return rows
}

// --- row codecs ---

func lessRelation(a, b Relation) bool { return a.OID < b.OID }

func encodeRelation(r Relation) []byte {
	var buf bytes.Buffer
	u64 := make([]byte, 8)
	codec.PutU64(codec.LittleEndian, u64, uint64(r.OID))
	buf.Write(u64)
	codec.PutU64(codec.LittleEndian, u64, uint64(r.Database))
	buf.Write(u64)
	putString(&buf, r.Name)
	buf.WriteByte(byte(r.Kind))
	return buf.Bytes()
}

func decodeRelation(data []byte) Relation {
	oid := OID(codec.GetU64(codec.LittleEndian, data[0:8]))
	db := OID(codec.GetU64(codec.LittleEndian, data[8:16]))
	name, off := getString(data, 16)
	kind := RelationKind(data[off])
	return Relation{OID: oid, Database: db, Name: name, Kind: kind}
}

func lessAttribute(a, b Attribute) bool {
	if a.ClassOID != b.ClassOID {
		return a.ClassOID < b.ClassOID
	}
	return a.ColumnIndex < b.ColumnIndex
}

func encodeAttribute(a Attribute) []byte {
	var buf bytes.Buffer
	u64 := make([]byte, 8)
	codec.PutU64(codec.LittleEndian, u64, uint64(a.ClassOID))
	buf.Write(u64)
	putString(&buf, a.Name)
	codec.PutU64(codec.LittleEndian, u64, uint64(a.TypeOID))
	buf.Write(u64)
	i32 := make([]byte, 4)
	codec.PutI32(codec.LittleEndian, i32, int32(a.Length))
	buf.Write(i32)
	codec.PutI32(codec.LittleEndian, i32, int32(a.ColumnIndex))
	buf.Write(i32)
	if a.NotNull {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func decodeAttribute(data []byte) Attribute {
	classOID := OID(codec.GetU64(codec.LittleEndian, data[0:8]))
	name, off := getString(data, 8)
	typeOID := OID(codec.GetU64(codec.LittleEndian, data[off:off+8]))
	off += 8
	length := int(codec.GetI32(codec.LittleEndian, data[off:off+4]))
	off += 4
	colIdx := int(codec.GetI32(codec.LittleEndian, data[off:off+4]))
	off += 4
	notNull := data[off] != 0
	return Attribute{ClassOID: classOID, Name: name, TypeOID: typeOID, Length: length, ColumnIndex: colIdx, NotNull: notNull}
}

func lessType(a, b Type) bool { return a.OID < b.OID }

func encodeType(t Type) []byte {
	var buf bytes.Buffer
	u64 := make([]byte, 8)
	codec.PutU64(codec.LittleEndian, u64, uint64(t.OID))
	buf.Write(u64)
	putString(&buf, t.Name)
	putString(&buf, t.Alias)
	i32 := make([]byte, 4)
	codec.PutI32(codec.LittleEndian, i32, int32(t.Size))
	buf.Write(i32)
	buf.WriteByte(t.WireChar)
	codec.PutI32(codec.LittleEndian, i32, int32(len(t.Default)))
	buf.Write(i32)
	buf.Write(t.Default)
	return buf.Bytes()
}

func decodeType(data []byte) Type {
	oid := OID(codec.GetU64(codec.LittleEndian, data[0:8]))
	name, off := getString(data, 8)
	alias, off2 := getString(data, off)
	size := int(codec.GetI32(codec.LittleEndian, data[off2:off2+4]))
	off2 += 4
	wireChar := data[off2]
	off2++
	defLen := int(codec.GetI32(codec.LittleEndian, data[off2:off2+4]))
	off2 += 4
	def := append([]byte(nil), data[off2:off2+defLen]...)
	return Type{OID: oid, Name: name, Alias: alias, Size: size, WireChar: wireChar, Default: def, HashFn: xxhashOf}
}

func lessIndexAttribute(a, b IndexAttribute) bool {
	if a.IndexOID != b.IndexOID {
		return a.IndexOID < b.IndexOID
	}
	return a.IndexColIndex < b.IndexColIndex
}

func encodeIndexAttribute(ix IndexAttribute) []byte {
	var buf bytes.Buffer
	u64 := make([]byte, 8)
	codec.PutU64(codec.LittleEndian, u64, uint64(ix.IndexOID))
	buf.Write(u64)
	putString(&buf, ix.Name)
	codec.PutU64(codec.LittleEndian, u64, uint64(ix.TypeOID))
	buf.Write(u64)
	codec.PutU64(codec.LittleEndian, u64, uint64(ix.TableOID))
	buf.Write(u64)
	i32 := make([]byte, 4)
	codec.PutI32(codec.LittleEndian, i32, int32(ix.IndexColIndex))
	buf.Write(i32)
	codec.PutI32(codec.LittleEndian, i32, int32(ix.TableAttrIdx))
	buf.Write(i32)
	return buf.Bytes()
}

func decodeIndexAttribute(data []byte) IndexAttribute {
	indexOID := OID(codec.GetU64(codec.LittleEndian, data[0:8]))
	name, off := getString(data, 8)
	typeOID := OID(codec.GetU64(codec.LittleEndian, data[off:off+8]))
	off += 8
	tableOID := OID(codec.GetU64(codec.LittleEndian, data[off:off+8]))
	off += 8
	indexColIdx := int(codec.GetI32(codec.LittleEndian, data[off:off+4]))
	off += 4
	tableAttrIdx := int(codec.GetI32(codec.LittleEndian, data[off:off+4]))
	return IndexAttribute{IndexOID: indexOID, Name: name, TypeOID: typeOID, TableOID: tableOID, IndexColIndex: indexColIdx, TableAttrIdx: tableAttrIdx}
}

func lessDatabase(a, b Database) bool { return a.OID < b.OID }

func encodeDatabase(d Database) []byte {
	var buf bytes.Buffer
	u64 := make([]byte, 8)
	codec.PutU64(codec.LittleEndian, u64, uint64(d.OID))
	buf.Write(u64)
	putString(&buf, d.Name)
	return buf.Bytes()
}

func decodeDatabase(data []byte) Database {
	oid := OID(codec.GetU64(codec.LittleEndian, data[0:8]))
	name, _ := getString(data, 8)
	return Database{OID: oid, Name: name}
}
