package catalog

import (
	"bytes"
	"os"
	"sort"
	"sync"

	"github.com/andb-project/andbcore/internal/codec"
	"github.com/andb-project/andbcore/internal/errs"
)

// Table is an ordered in-memory vector of fixed-shape rows persisted as
// one file per table (spec.md section 4.E). Every row type defines a
// total-order comparator and a stable encode/decode pair.
type Table[T any] struct {
	mu     sync.RWMutex
	rows   []T
	path   string
	encode func(T) []byte
	decode func([]byte) T
	less   func(a, b T) bool
}

func NewTable[T any](path string, encode func(T) []byte, decode func([]byte) T, less func(a, b T) bool) *Table[T] {
	return &Table[T]{path: path, encode: encode, decode: decode, less: less}
}

// Insert appends row then re-serializes and fsyncs the table file.
func (t *Table[T]) Insert(row T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, row)
	sort.SliceStable(t.rows, func(i, j int) bool { return t.less(t.rows[i], t.rows[j]) })
	return t.persistLocked()
}

// Delete removes every row matching predicate, returning the count removed.
func (t *Table[T]) Delete(predicate func(T) bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.rows[:0:0]
	removed := 0
	for _, r := range t.rows {
		if predicate(r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	t.rows = kept
	if removed > 0 {
		if err := t.persistLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Update replaces every row matching predicate via mutate, re-sorts and persists.
func (t *Table[T]) Update(predicate func(T) bool, mutate func(T) T) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	updated := 0
	for i, r := range t.rows {
		if predicate(r) {
			t.rows[i] = mutate(r)
			updated++
		}
	}
	if updated > 0 {
		sort.SliceStable(t.rows, func(i, j int) bool { return t.less(t.rows[i], t.rows[j]) })
		if err := t.persistLocked(); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// Search returns every row matching predicate, in table order.
func (t *Table[T]) Search(predicate func(T) bool) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []T
	for _, r := range t.rows {
		if predicate(r) {
			out = append(out, r)
		}
	}
	return out
}

// All returns every row, in table order (used for pseudo-relation scans).
func (t *Table[T]) All() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, len(t.rows))
	copy(out, t.rows)
	return out
}

func (t *Table[T]) persistLocked() error {
	var buf bytes.Buffer
	for _, row := range t.rows {
		enc := t.encode(row)
		lenBuf := make([]byte, 4)
		codec.PutU32(codec.LittleEndian, lenBuf, uint32(len(enc)))
		buf.Write(lenBuf)
		buf.Write(enc)
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errs.FatalWrap(errs.ErrnoIOError, err, "catalog: persist %s", t.path)
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return errs.FatalWrap(errs.ErrnoIOError, err, "catalog: write %s", t.path)
	}
	return f.Sync()
}

// Load reads the table file from disk, replacing the in-memory vector.
// A missing file is treated as an empty table.
func (t *Table[T]) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			t.rows = nil
			return nil
		}
		return errs.FatalWrap(errs.ErrnoIOError, err, "catalog: load %s", t.path)
	}
	var rows []T
	off := 0
	for off < len(data) {
		if off+4 > len(data) {
			return errs.Fatal(errs.ErrnoWALCorruption, "catalog: truncated table file %s", t.path)
		}
		l := codec.GetU32(codec.LittleEndian, data[off:off+4])
		off += 4
		if off+int(l) > len(data) {
			return errs.Fatal(errs.ErrnoWALCorruption, "catalog: truncated row in %s", t.path)
		}
		rows = append(rows, t.decode(data[off:off+int(l)]))
		off += int(l)
	}
	sort.SliceStable(rows, func(i, j int) bool { return t.less(rows[i], rows[j]) })
	t.rows = rows
	return nil
}

// string encode/decode helpers shared by every row codec.

func putString(buf *bytes.Buffer, s string) {
	lenBuf := make([]byte, 4)
	codec.PutU32(codec.LittleEndian, lenBuf, uint32(len(s)))
	buf.Write(lenBuf)
	buf.WriteString(s)
}

func getString(data []byte, off int) (string, int) {
	l := int(codec.GetU32(codec.LittleEndian, data[off:off+4]))
	off += 4
	return string(data[off : off+l]), off + l
}
