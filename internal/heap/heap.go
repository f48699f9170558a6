// Package heap implements tuple insert/select/update/delete over
// buffered pages (spec.md section 4.G). Every mutation is stamped with
// a caller-supplied LSN, obtained from the WAL manager before the page
// is touched, so data pages can be flushed in any order relative to the
// WAL provided header.lsn <= flush_lsn at crash time.
package heap

import (
	"github.com/andb-project/andbcore/internal/buffer"
	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/andb-project/andbcore/internal/errs"
	pagepkg "github.com/andb-project/andbcore/internal/page"
)

// Pointer locates a heap row: (page#, slot).
type Pointer struct {
	Page uint32
	Slot int
}

// Heap drives tuple operations over a buffer pool for heap relations.
type Heap struct {
	pool *buffer.Pool
}

func New(pool *buffer.Pool) *Heap { return &Heap{pool: pool} }

// Insert writes data to the relation's last page, advancing to a fresh
// page if it is full.
func (h *Heap) Insert(lsn uint64, rel catalog.OID, data []byte) (Pointer, error) {
	last := h.pool.LastPage(rel)
	var pno uint32
	var entry *buffer.Entry
	var err error
	if last == 0 {
		pno, entry, err = h.pool.AllocatePage(rel)
	} else {
		pno = last - 1
		entry, err = h.pool.GetPage(rel, pno)
	}
	if err != nil {
		return Pointer{}, err
	}

	slot := entry.Page.Insert(lsn, data)
	if slot == pagepkg.InvalidSlot {
		pno, entry, err = h.pool.AllocatePage(rel)
		if err != nil {
			return Pointer{}, err
		}
		slot = entry.Page.Insert(lsn, data)
		if slot == pagepkg.InvalidSlot {
			return Pointer{}, errs.Fatal(errs.ErrnoPageFull, "heap: tuple too large to fit a fresh page")
		}
	}
	entry.SetDirty(true)
	return Pointer{Page: pno, Slot: slot}, nil
}

// Restore undoes a HEAP_DELETE by flipping (page, slot) back to NORMAL.
// Delete never erases the underlying bytes, so no data needs replaying.
func (h *Heap) Restore(lsn uint64, rel catalog.OID, ptr Pointer) error {
	entry, err := h.pool.GetPage(rel, ptr.Page)
	if err != nil {
		return err
	}
	if !entry.Page.RollbackDelete(lsn, ptr.Slot) {
		return errs.Fatal(errs.ErrnoUndoReplayFailed, "heap: undo delete could not restore page %d slot %d", ptr.Page, ptr.Slot)
	}
	entry.SetDirty(true)
	return nil
}

// Select returns the bytes at (page, slot), or nil if empty/deleted.
func (h *Heap) Select(rel catalog.OID, ptr Pointer) ([]byte, error) {
	entry, err := h.pool.GetPage(rel, ptr.Page)
	if err != nil {
		return nil, err
	}
	b := entry.Page.Select(ptr.Slot)
	if len(b) == 0 {
		return nil, nil
	}
	return b, nil
}

// Delete marks (page, slot) DEAD.
func (h *Heap) Delete(lsn uint64, rel catalog.OID, ptr Pointer) (bool, error) {
	entry, err := h.pool.GetPage(rel, ptr.Page)
	if err != nil {
		return false, err
	}
	ok := entry.Page.Delete(lsn, ptr.Slot)
	if ok {
		entry.SetDirty(true)
	}
	return ok, nil
}

// Update performs a delete-then-insert at the page level; the returned
// pointer's page/slot may differ from the input.
func (h *Heap) Update(lsn uint64, rel catalog.OID, ptr Pointer, data []byte) (Pointer, error) {
	entry, err := h.pool.GetPage(rel, ptr.Page)
	if err != nil {
		return Pointer{}, err
	}
	newSlot := entry.Page.Update(lsn, ptr.Slot, data)
	if newSlot == pagepkg.InvalidSlot {
		return Pointer{}, errs.Fatal(errs.ErrnoPageFull, "heap: update could not find room on page %d", ptr.Page)
	}
	entry.SetDirty(true)
	return Pointer{Page: ptr.Page, Slot: newSlot}, nil
}

// UpdateInPlace restores an exact old tuple at (page, slot) — the
// HEAP_UPDATE undo action, which must land on the same slot since the
// compensated value has the identical byte length as what is there now.
func (h *Heap) UpdateInPlace(lsn uint64, rel catalog.OID, ptr Pointer, data []byte) error {
	entry, err := h.pool.GetPage(rel, ptr.Page)
	if err != nil {
		return err
	}
	newSlot := entry.Page.Update(lsn, ptr.Slot, data)
	if newSlot != ptr.Slot {
		return errs.Fatal(errs.ErrnoUndoReplayFailed, "heap: undo update changed slot %d->%d", ptr.Slot, newSlot)
	}
	entry.SetDirty(true)
	return nil
}

// ScanAll walks every NORMAL tuple across every page of rel, in
// (page, slot) order, invoking visit for each.
func (h *Heap) ScanAll(rel catalog.OID, visit func(Pointer, []byte) error) error {
	last := h.pool.LastPage(rel)
	for pno := uint32(0); pno < last; pno++ {
		entry, err := h.pool.GetPage(rel, pno)
		if err != nil {
			return err
		}
		for slot := range entry.Page.ItemIDs {
			data := entry.Page.Select(slot)
			if len(data) == 0 {
				continue
			}
			if err := visit(Pointer{Page: pno, Slot: slot}, data); err != nil {
				return err
			}
		}
	}
	return nil
}
