// Package buffer implements the pinned LRU buffer pool of spec.md
// section 4.D: pages are keyed by (relation, page#), lazily decoded from
// their backing file, and evicted only when unpinned.
package buffer

import (
	"container/list"
	"sync"

	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/andb-project/andbcore/internal/errs"
	"github.com/andb-project/andbcore/internal/fsio"
	"github.com/andb-project/andbcore/internal/logging"
	"github.com/andb-project/andbcore/internal/page"
)

var log = logging.For("buffer")

// RelKind selects how a relation's pages are addressed on disk.
type RelKind int

const (
	RelHeap RelKind = iota
	RelBTree
)

// Key identifies one cached page.
type Key struct {
	Rel  catalog.OID
	Page uint32
}

// PathResolver maps a relation OID to its backing file path and storage
// kind (heap pages start at offset 0; B+tree pages start after a
// page-sized file header, spec.md section 4.D).
type PathResolver func(rel catalog.OID) (path string, kind RelKind, ok bool)

// Entry is one buffer-pool slot: the decoded page payload plus its
// dirty flag and pin count.
type Entry struct {
	Key   Key
	Page  *page.Page
	dirty bool
	pin   int32
}

func (e *Entry) SetDirty(v bool) { e.dirty = v }
func (e *Entry) IsDirty() bool   { return e.dirty }

// Pool is the pinned LRU page cache.
type Pool struct {
	mu       sync.Mutex // BUFFER_UPDATE latch (spec.md section 5)
	capacity int
	pageSize uint32

	resolve PathResolver
	fds     *fsio.FDCache

	order   *list.List // front = most recently used
	entries map[Key]*list.Element

	// lastPage tracks the heap allocator's "last page" marker per relation.
	lastPage map[catalog.OID]uint32
}

// New builds a buffer pool of the given page capacity.
func New(capacity int, pageSize uint32, resolve PathResolver, fds *fsio.FDCache) *Pool {
	return &Pool{
		capacity: capacity,
		pageSize: pageSize,
		resolve:  resolve,
		fds:      fds,
		order:    list.New(),
		entries:  make(map[Key]*list.Element),
		lastPage: make(map[catalog.OID]uint32),
	}
}

func (p *Pool) fileOffset(kind RelKind, pno uint32) int64 {
	if kind == RelBTree {
		return int64(p.pageSize) + int64(pno)*int64(p.pageSize)
	}
	return int64(pno) * int64(p.pageSize)
}

// GetPage returns the entry for (rel, pno), loading it from disk (or
// allocating a fresh zeroed page past EOF) if not cached.
func (p *Pool) GetPage(rel catalog.OID, pno uint32) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getPageLocked(rel, pno)
}

func (p *Pool) getPageLocked(rel catalog.OID, pno uint32) (*Entry, error) {
	key := Key{Rel: rel, Page: pno}
	if el, ok := p.entries[key]; ok {
		p.order.MoveToFront(el)
		return el.Value.(*Entry), nil
	}

	path, kind, ok := p.resolve(rel)
	if !ok {
		return nil, errs.Rollback(errs.ErrnoRelationNotFound, "buffer: unknown relation %d", rel)
	}
	f, err := p.fds.Open(path)
	if err != nil {
		return nil, err
	}
	off := p.fileOffset(kind, pno)
	size, err := f.Size()
	if err != nil {
		return nil, errs.FatalWrap(errs.ErrnoIOError, err, "buffer: stat %s", path)
	}
	// The heap marker also covers every page the file already holds, so a
	// fresh pool over an existing relation sees its earlier pages.
	if kind == RelHeap {
		if extent := uint32(size / int64(p.pageSize)); extent > p.lastPage[rel] {
			p.lastPage[rel] = extent
		}
	}

	var pg *page.Page
	if off+int64(p.pageSize) <= size {
		buf := make([]byte, p.pageSize)
		if _, err := f.ReadAt(buf, off); err != nil {
			return nil, errs.FatalWrap(errs.ErrnoIOError, err, "buffer: read %s@%d", path, off)
		}
		pg = page.Unpack(p.pageSize, buf)
	} else {
		pg = page.Allocate(p.pageSize, 0)
		if kind == RelHeap && pno+1 > p.lastPage[rel] {
			p.lastPage[rel] = pno + 1
		}
	}

	if err := p.makeRoomLocked(); err != nil {
		return nil, err
	}
	entry := &Entry{Key: key, Page: pg}
	el := p.order.PushFront(entry)
	p.entries[key] = el
	return entry, nil
}

// makeRoomLocked evicts the LRU unpinned entry if the pool is at capacity.
func (p *Pool) makeRoomLocked() error {
	if len(p.entries) < p.capacity {
		return nil
	}
	for el := p.order.Back(); el != nil; el = el.Prev() {
		ent := el.Value.(*Entry)
		if ent.pin > 0 {
			continue
		}
		if ent.dirty {
			if err := p.flushEntryLocked(ent); err != nil {
				return err
			}
		}
		log.WithField("relation", ent.Key.Rel).WithField("page", ent.Key.Page).Debug("buffer: evicted")
		p.order.Remove(el)
		delete(p.entries, ent.Key)
		return nil
	}
	return errs.Fatal(errs.ErrnoBufferOverflow, "buffer: all %d pages pinned", p.capacity)
}

func (p *Pool) flushEntryLocked(ent *Entry) error {
	path, kind, ok := p.resolve(ent.Key.Rel)
	if !ok {
		return errs.Rollback(errs.ErrnoRelationNotFound, "buffer: unknown relation %d", ent.Key.Rel)
	}
	f, err := p.fds.Open(path)
	if err != nil {
		return err
	}
	off := p.fileOffset(kind, ent.Key.Page)
	if _, err := f.WriteAt(ent.Page.Pack(), off); err != nil {
		return errs.FatalWrap(errs.ErrnoIOError, err, "buffer: write %s@%d", path, off)
	}
	ent.dirty = false
	return nil
}

// AllocatePage returns a fresh page number past the relation's current
// extent (the heap "last page" marker), with an empty zeroed page cached.
func (p *Pool) AllocatePage(rel catalog.OID) (uint32, *Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pno := p.lastPage[rel]
	p.lastPage[rel] = pno + 1
	entry, err := p.getPageLocked(rel, pno)
	return pno, entry, err
}

// Pin increments an entry's pin count, excluding it from eviction.
func (p *Pool) Pin(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.pin++
}

// Unpin decrements an entry's pin count.
func (p *Pool) Unpin(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.pin > 0 {
		e.pin--
	}
}

// Sync flushes every dirty entry under the buffer-global latch.
func (p *Pool) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for el := p.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*Entry)
		if ent.dirty {
			if err := p.flushEntryLocked(ent); err != nil {
				return err
			}
		}
	}
	return nil
}

// EvictRelation drops every cached entry belonging to rel (used on DROP).
func (p *Pool) EvictRelation(rel catalog.OID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, el := range p.entries {
		if key.Rel == rel {
			p.order.Remove(el)
			delete(p.entries, key)
		}
	}
	delete(p.lastPage, rel)
}

// LastPage returns the heap allocator's current "last page" marker.
func (p *Pool) LastPage(rel catalog.OID) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPage[rel]
}

// SetLastPage seeds the heap allocator's marker (used when opening an
// existing relation whose extent is already known).
func (p *Pool) SetLastPage(rel catalog.OID, n uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.lastPage[rel] {
		p.lastPage[rel] = n
	}
}
