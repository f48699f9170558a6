// Package lock implements the relation-level lock table and the latch
// type of spec.md sections 4.K and 5: eight additive "mode mass"
// strengths, a single-retry-with-wait grant rule, and an LWLock type
// distinct from the relation lock table. The buffer and wal packages
// hold their own sync.Mutex for WAL_WRITE and BUFFER_UPDATE; no other
// package in this module uses LWLock.
package lock

import (
	"sync"
	"time"

	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/andb-project/andbcore/internal/errs"
)

// Mode is a relation lock strength, 0 (NO_LOCK) through 8 (ACCESS_EXCLUSIVE).
type Mode int

const (
	NoLock Mode = iota
	AccessShare
	RowShare
	RowExclusive
	ShareUpdateExclusive
	Share
	ShareRowExclusive
	Exclusive
	AccessExclusive
)

const maxMass = 8

// holderKey identifies one (relation, holder) grant.
type holderKey struct {
	rel    catalog.OID
	holder uint64
}

// Table is the relation-level lock table: one entry per relation OID,
// tracking the aggregated mode mass and the set of holders.
type Table struct {
	mu      sync.Mutex
	mass    map[catalog.OID]int
	holders map[holderKey]Mode
}

// NewTable constructs an empty lock table.
func NewTable() *Table {
	return &Table{mass: make(map[catalog.OID]int), holders: make(map[holderKey]Mode)}
}

// Acquire grants mode on rel to holder, retrying once after waitSeconds
// if the grant doesn't fit and dontWait is false. Returns
// ErrnoLockTimeout if the mode still doesn't fit after the single retry
// (or immediately, if dontWait is set).
func (t *Table) Acquire(rel catalog.OID, holder uint64, mode Mode, dontWait bool, waitSeconds float64) error {
	if t.tryAcquire(rel, holder, mode) {
		return nil
	}
	if dontWait {
		return errs.Rollback(errs.ErrnoLockTimeout, "lock: mode %d not available on relation %d", mode, rel)
	}
	if waitSeconds > 0 {
		time.Sleep(time.Duration(waitSeconds * float64(time.Second)))
	}
	if t.tryAcquire(rel, holder, mode) {
		return nil
	}
	return errs.Rollback(errs.ErrnoLockTimeout, "lock: mode %d not available on relation %d after retry", mode, rel)
}

func (t *Table) tryAcquire(rel catalog.OID, holder uint64, mode Mode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mass[rel]+int(mode) > maxMass {
		return false
	}
	t.mass[rel] += int(mode)
	t.holders[holderKey{rel, holder}] = mode
	return true
}

// Release drops holder's grant of mode on rel, decrementing the mass.
// Returns false if holder did not hold that mode.
func (t *Table) Release(rel catalog.OID, holder uint64, mode Mode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := holderKey{rel, holder}
	held, ok := t.holders[key]
	if !ok || held != mode {
		return false
	}
	delete(t.holders, key)
	t.mass[rel] -= int(mode)
	if t.mass[rel] <= 0 {
		delete(t.mass, rel)
	}
	return true
}

// CurrentMass reports rel's aggregated mode mass (never exceeds 8).
func (t *Table) CurrentMass(rel catalog.OID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mass[rel]
}

// LWLock is an in-process latch of the WAL_WRITE/BUFFER_UPDATE kind
// (spec.md section 5); unlike the relation Table, an LWLock is a simple
// exclusive mutex with no name and no mass accounting.
type LWLock struct {
	mu sync.Mutex
}

func (l *LWLock) Lock()   { l.mu.Lock() }
func (l *LWLock) Unlock() { l.mu.Unlock() }
