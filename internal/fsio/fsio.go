// Package fsio provides positional file I/O and a bounded LRU cache of
// open file descriptors, per spec.md section 4.C.
package fsio

import (
	"container/list"
	"os"
	"sync"

	"github.com/andb-project/andbcore/internal/errs"
	"github.com/andb-project/andbcore/internal/logging"
)

var log = logging.For("fsio")

// File wraps an *os.File with positional helpers.
type File struct {
	path string
	f    *os.File
	mu   sync.Mutex
}

func (f *File) ReadAt(b []byte, off int64) (int, error) { return f.f.ReadAt(b, off) }
func (f *File) WriteAt(b []byte, off int64) (int, error) { return f.f.WriteAt(b, off) }
func (f *File) Sync() error                              { return f.f.Sync() }

func (f *File) Size() (int64, error) {
	fi, err := f.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Extend appends n zero bytes to the file (used to pre-allocate WAL segments).
func (f *File) Extend(n int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, err := f.Size()
	if err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}
	zeros := make([]byte, n)
	_, err = f.f.WriteAt(zeros, size)
	return err
}

func (f *File) closed() bool { return f.f == nil }

// FDCache is a bounded LRU of open file descriptors. Capacity =
// max_open_files; evictions flush (fsync) and close before the slot is
// reused. A reopen-if-closed path covers premature closes during
// eviction races.
type FDCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
}

type cacheEntry struct {
	path string
	file *File
}

// NewFDCache builds a cache with the given descriptor capacity.
func NewFDCache(capacity int) *FDCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &FDCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Open returns the cached descriptor for path, or opens (creating if
// necessary) and inserts it, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *FDCache) Open(path string) (*File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[path]; ok {
		c.order.MoveToFront(el)
		ent := el.Value.(*cacheEntry)
		if ent.file.closed() {
			// Reopen-if-closed: covers a premature close during an
			// eviction race.
			f, err := reopen(path)
			if err != nil {
				return nil, err
			}
			ent.file = f
		}
		return ent.file, nil
	}

	if c.order.Len() >= c.capacity {
		c.evictOldestLocked()
	}

	f, err := reopen(path)
	if err != nil {
		return nil, err
	}
	el := c.order.PushFront(&cacheEntry{path: path, file: f})
	c.entries[path] = el
	return f, nil
}

func reopen(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.FatalWrap(errs.ErrnoIOError, err, "fsio: open %s", path)
	}
	return &File{path: path, f: f}, nil
}

func (c *FDCache) evictOldestLocked() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	ent := oldest.Value.(*cacheEntry)
	if !ent.file.closed() {
		if err := ent.file.f.Sync(); err != nil {
			log.WithError(err).Warn("fsio: sync on eviction failed")
		}
		if err := ent.file.f.Close(); err != nil {
			log.WithError(err).Warn("fsio: close on eviction failed")
		}
		ent.file.f = nil
	}
	c.order.Remove(oldest)
	delete(c.entries, ent.path)
}

// Close closes and removes path's descriptor from the cache, if present.
func (c *FDCache) Close(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[path]
	if !ok {
		return nil
	}
	ent := el.Value.(*cacheEntry)
	var err error
	if !ent.file.closed() {
		err = ent.file.f.Close()
	}
	c.order.Remove(el)
	delete(c.entries, path)
	return err
}

// Remove closes (if open) and deletes the underlying file at path.
func (c *FDCache) Remove(path string) error {
	_ = c.Close(path)
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// CloseAll flushes and closes every cached descriptor.
func (c *FDCache) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for path, el := range c.entries {
		ent := el.Value.(*cacheEntry)
		if !ent.file.closed() {
			if err := ent.file.f.Sync(); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := ent.file.f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(c.entries, path)
	}
	c.order.Init()
	return firstErr
}
