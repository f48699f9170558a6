// Package catalog implements the persistent system tables (types,
// relations, columns, indexes) of spec.md section 4.E, threaded
// explicitly through the engine rather than kept as a process-wide
// singleton (spec.md section 9, "Global mutable catalog").
package catalog

import "github.com/andb-project/andbcore/internal/errs"

// OID is a 64-bit identifier, unique within a database, partitioned
// into fixed ranges per Kind. Range ownership is enforced by Catalog.
type OID uint64

// Invalid is the zero OID: never a valid allocation.
const Invalid OID = 0

// Kind selects which OID range allocate_oid draws from.
type Kind int

const (
	KindSystemTable Kind = iota
	KindDatabase
	KindRelation // user heap tables and B+tree indexes share this range
	KindFunction
	KindType
	KindMemory
)

// Reserved OIDs outside the allocator ranges (spec.md section 3).
const (
	TempRelationOID OID = 500000
	FileRelationOID OID = 500001
)

// range bounds, chosen so ranges never overlap; values are
// implementer-chosen but must stay fixed across a deployment.
var ranges = map[Kind][2]OID{
	KindRelation:    {1, 99999},
	KindSystemTable: {100000, 199999},
	KindDatabase:    {200000, 299999},
	KindFunction:    {300000, 399999},
	KindType:        {400000, 499999},
	KindMemory:      {600000, 699999},
}

// InRange reports whether oid belongs to kind's reserved range.
func InRange(kind Kind, oid OID) bool {
	r, ok := ranges[kind]
	if !ok {
		return false
	}
	return oid >= r[0] && oid <= r[1]
}

// oidAllocator tracks the next OID to hand out per kind.
type oidAllocator struct {
	next map[Kind]OID
}

func newOIDAllocator() *oidAllocator {
	a := &oidAllocator{next: make(map[Kind]OID)}
	for k, r := range ranges {
		a.next[k] = r[0]
	}
	return a
}

// allocate returns the next OID within kind's range, erroring when the
// range is exhausted.
func (a *oidAllocator) allocate(kind Kind) (OID, error) {
	r, ok := ranges[kind]
	if !ok {
		return Invalid, errs.DDL(errs.ErrnoOIDExhausted, "catalog: unknown oid kind %d", kind)
	}
	oid := a.next[kind]
	if oid > r[1] {
		return Invalid, errs.DDL(errs.ErrnoOIDExhausted, "catalog: oid range exhausted for kind %d", kind)
	}
	a.next[kind] = oid + 1
	return oid, nil
}

// note bumps kind's next-allocation counter past oid, used when rows
// are loaded from disk (or seeded directly) with a pre-assigned OID so
// a later Allocate never reissues it.
func (a *oidAllocator) note(kind Kind, oid OID) {
	if a.next[kind] <= oid {
		a.next[kind] = oid + 1
	}
}
