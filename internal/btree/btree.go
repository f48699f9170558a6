// Package btree implements the secondary B+tree index of spec.md section
// 4.H: structural operations over pages addressed through the buffer
// pool, with no merge-on-delete and split-only-on-insert, grounded on
// the original's bptree.py reference (insert/delete/search/split shape)
// adapted to a disk-backed, lazily-loaded node representation.
package btree

import (
	"bytes"

	"github.com/andb-project/andbcore/internal/buffer"
	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/andb-project/andbcore/internal/codec"
	"github.com/andb-project/andbcore/internal/errs"
	"github.com/andb-project/andbcore/internal/fsio"
	"github.com/andb-project/andbcore/internal/page"
)

const defaultMaxLoadFactor = 0.5

// Tree is one disk-backed B+tree index. Node pages are addressed
// through the buffer pool at (rel, pno); the tree's own root-page#/
// next-page# header occupies the file's leading page (spec.md section
// 4.D/4.H: "the header occupies the first page").
type Tree struct {
	pool          *buffer.Pool
	fds           *fsio.FDCache
	rel           catalog.OID
	path          string
	pageSize      uint32
	maxLoadFactor float64

	rootPNO uint32
	nextPNO uint32
}

// Open loads (or, if the backing file is empty, creates) the tree header
// for rel at path.
func Open(pool *buffer.Pool, fds *fsio.FDCache, rel catalog.OID, path string, pageSize uint32) (*Tree, error) {
	t := &Tree{pool: pool, fds: fds, rel: rel, path: path, pageSize: pageSize, maxLoadFactor: defaultMaxLoadFactor}

	f, err := fds.Open(path)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		return nil, errs.FatalWrap(errs.ErrnoIOError, err, "btree: stat %s", path)
	}
	if size >= int64(pageSize) {
		buf := make([]byte, pageSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			return nil, errs.FatalWrap(errs.ErrnoIOError, err, "btree: read header %s", path)
		}
		t.rootPNO = codec.GetU32(codec.LittleEndian, buf[0:4])
		t.nextPNO = codec.GetU32(codec.LittleEndian, buf[4:8])
		return t, nil
	}

	t.rootPNO = 0
	t.nextPNO = 1
	if err := t.syncHeader(); err != nil {
		return nil, err
	}
	if err := t.writeLeaf(0, leafNode{pno: 0}); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) syncHeader() error {
	f, err := t.fds.Open(t.path)
	if err != nil {
		return err
	}
	buf := make([]byte, t.pageSize)
	codec.PutU32(codec.LittleEndian, buf[0:4], t.rootPNO)
	codec.PutU32(codec.LittleEndian, buf[4:8], t.nextPNO)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return errs.FatalWrap(errs.ErrnoIOError, err, "btree: write header %s", t.path)
	}
	return nil
}

func (t *Tree) allocatePNO() uint32 {
	pno := t.nextPNO
	t.nextPNO++
	return pno
}

func (t *Tree) loadPage(pno uint32) (isLeaf bool, internal internalNode, leaf leafNode, err error) {
	entry, err := t.pool.GetPage(t.rel, pno)
	if err != nil {
		return false, internalNode{}, leafNode{}, err
	}
	if isLeafPage(entry.Page) {
		return true, internalNode{}, unpackLeaf(entry.Page), nil
	}
	return false, unpackInternal(entry.Page), leafNode{}, nil
}

func (t *Tree) writeLeaf(lsn uint64, n leafNode) error {
	entry, err := t.pool.GetPage(t.rel, n.pno)
	if err != nil {
		return err
	}
	entry.Page = packLeaf(t.pageSize, lsn, n)
	entry.SetDirty(true)
	return nil
}

func (t *Tree) writeInternal(lsn uint64, n internalNode) error {
	entry, err := t.pool.GetPage(t.rel, n.pno)
	if err != nil {
		return err
	}
	entry.Page = packInternal(t.pageSize, lsn, n)
	entry.SetDirty(true)
	return nil
}

// findIndex returns the smallest i with key <= keys[i], or len(keys).
func findIndex(keys [][]byte, key []byte) int {
	for i, k := range keys {
		if bytes.Compare(key, k) <= 0 {
			return i
		}
	}
	return len(keys)
}

// descend walks from the root to the leaf that should hold key and
// returns the ancestor chain (root-first, excluding the leaf) alongside
// the leaf itself. Mutations never need the next-leaf gap rule: every
// split synchronously updates its parent's separator key before
// returning, and a key equal to a separator descends into the right
// child, so the descended-to leaf is always the correct owner.
func (t *Tree) descend(key []byte) (path []uint32, leaf leafNode, err error) {
	pno := t.rootPNO
	for {
		isLeaf, internal, lf, lerr := t.loadPage(pno)
		if lerr != nil {
			return nil, leafNode{}, lerr
		}
		if isLeaf {
			return path, lf, nil
		}
		path = append(path, pno)
		idx := findIndex(internal.keys, key)
		// A separator is the first key of its right subtree.
		if idx < len(internal.keys) && bytes.Equal(internal.keys[idx], key) {
			idx++
		}
		pno = internal.children[idx]
	}
}

// findLeaf walks from the root to the leaf that should hold key,
// applying the next-leaf gap rule (spec.md section 4.H), for read-only
// callers (Search/SearchRange) that don't need the ancestor chain.
func (t *Tree) findLeaf(key []byte) (leafNode, error) {
	_, leaf, err := t.descend(key)
	if err != nil {
		return leafNode{}, err
	}
	for len(leaf.keys) > 0 && bytes.Compare(leaf.keys[len(leaf.keys)-1], key) < 0 && leaf.hasNext {
		_, _, next, err := t.loadPage(leaf.nextLeaf)
		if err != nil {
			return leafNode{}, err
		}
		leaf = next
	}
	return leaf, nil
}

// Insert descends to the owning leaf; if key already exists the pointer
// is appended to its value list, otherwise (key, [pointer]) is inserted
// in sorted position. Splits propagate upward when the load factor is
// exceeded.
func (t *Tree) Insert(lsn uint64, key []byte, ptr TuplePointer) error {
	path, leaf, err := t.descend(key)
	if err != nil {
		return err
	}

	idx := findIndex(leaf.keys, key)
	if idx < len(leaf.keys) && bytes.Equal(leaf.keys[idx], key) {
		leaf.values[idx] = append(leaf.values[idx], ptr)
	} else {
		leaf.keys = insertKeyAt(leaf.keys, idx, key)
		values := append([][]TuplePointer(nil), leaf.values[:idx]...)
		values = append(values, []TuplePointer{ptr})
		values = append(values, leaf.values[idx:]...)
		leaf.values = values
	}
	if err := t.writeLeaf(lsn, leaf); err != nil {
		return err
	}
	if leafLoadFactor(t.pageSize, leaf) > t.maxLoadFactor {
		return t.splitLeaf(lsn, path, leaf)
	}
	return nil
}

func insertKeyAt(keys [][]byte, idx int, key []byte) [][]byte {
	out := append([][]byte(nil), keys[:idx]...)
	out = append(out, append([]byte(nil), key...))
	out = append(out, keys[idx:]...)
	return out
}

// splitLeaf splits leaf at its midpoint, gives the new leaf the upper
// half, relinks next-leaf pointers, and inserts the promoted key into
// the parent (or creates a new root if leaf was the root).
func (t *Tree) splitLeaf(lsn uint64, path []uint32, leaf leafNode) error {
	mid := len(leaf.keys) / 2
	newLeaf := leafNode{
		pno:      t.allocatePNO(),
		keys:     append([][]byte(nil), leaf.keys[mid:]...),
		values:   append([][]TuplePointer(nil), leaf.values[mid:]...),
		hasNext:  leaf.hasNext,
		nextLeaf: leaf.nextLeaf,
	}
	leaf.keys = leaf.keys[:mid]
	leaf.values = leaf.values[:mid]
	leaf.hasNext = true
	leaf.nextLeaf = newLeaf.pno

	if err := t.writeLeaf(lsn, leaf); err != nil {
		return err
	}
	if err := t.writeLeaf(lsn, newLeaf); err != nil {
		return err
	}

	promoted := newLeaf.keys[0]
	return t.insertIntoParent(lsn, path, leaf.pno, promoted, newLeaf.pno)
}

// insertIntoParent adds (promotedKey, rightChild) immediately after
// leftChild in the last ancestor of path, splitting that internal node
// (recursively up to the root) if it overflows; with an empty path, a
// fresh root is created over leftChild and rightChild.
func (t *Tree) insertIntoParent(lsn uint64, path []uint32, leftChild uint32, promoted []byte, rightChild uint32) error {
	if len(path) == 0 {
		root := internalNode{
			pno:      t.allocatePNO(),
			keys:     [][]byte{append([]byte(nil), promoted...)},
			children: []uint32{leftChild, rightChild},
		}
		if err := t.writeInternal(lsn, root); err != nil {
			return err
		}
		t.rootPNO = root.pno
		return t.syncHeader()
	}

	parentPNO := path[len(path)-1]
	_, parent, _, err := t.loadPage(parentPNO)
	if err != nil {
		return err
	}

	idx := -1
	for i, c := range parent.children {
		if c == leftChild {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errs.Fatal(errs.ErrnoIndexCorruption, "btree: left child %d not found under parent %d", leftChild, parentPNO)
	}

	parent.keys = insertKeyAt(parent.keys, idx, promoted)
	children := append([]uint32(nil), parent.children[:idx+1]...)
	children = append(children, rightChild)
	children = append(children, parent.children[idx+1:]...)
	parent.children = children

	if err := t.writeInternal(lsn, parent); err != nil {
		return err
	}
	if internalLoadFactor(t.pageSize, parent) > t.maxLoadFactor {
		return t.splitInternal(lsn, path[:len(path)-1], parent)
	}
	return nil
}

func (t *Tree) splitInternal(lsn uint64, ancestors []uint32, n internalNode) error {
	mid := len(n.keys) / 2
	promoted := n.keys[mid]

	newNode := internalNode{
		pno:      t.allocatePNO(),
		keys:     append([][]byte(nil), n.keys[mid+1:]...),
		children: append([]uint32(nil), n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]

	if err := t.writeInternal(lsn, n); err != nil {
		return err
	}
	if err := t.writeInternal(lsn, newNode); err != nil {
		return err
	}
	return t.insertIntoParent(lsn, ancestors, n.pno, promoted, newNode.pno)
}

// Delete removes key and all its values; the owning leaf may underflow,
// but siblings are never merged (spec.md section 4.H).
func (t *Tree) Delete(lsn uint64, key []byte) error {
	_, leaf, err := t.descend(key)
	if err != nil {
		return err
	}
	idx := -1
	for i, k := range leaf.keys {
		if bytes.Equal(k, key) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	leaf.keys = append(leaf.keys[:idx], leaf.keys[idx+1:]...)
	leaf.values = append(leaf.values[:idx], leaf.values[idx+1:]...)
	return t.writeLeaf(lsn, leaf)
}

// DeleteValue removes a single pointer from key's value list (used to
// undo an insert), leaving the key itself if other pointers remain.
func (t *Tree) DeleteValue(lsn uint64, key []byte, ptr TuplePointer) error {
	_, leaf, err := t.descend(key)
	if err != nil {
		return err
	}
	idx := -1
	for i, k := range leaf.keys {
		if bytes.Equal(k, key) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	values := leaf.values[idx]
	for i, v := range values {
		if v == ptr {
			values = append(values[:i], values[i+1:]...)
			break
		}
	}
	if len(values) == 0 {
		leaf.keys = append(leaf.keys[:idx], leaf.keys[idx+1:]...)
		leaf.values = append(leaf.values[:idx], leaf.values[idx+1:]...)
	} else {
		leaf.values[idx] = values
	}
	return t.writeLeaf(lsn, leaf)
}

// Update deletes key then inserts a single pointer under it, used when
// an index-tracked column changes value.
func (t *Tree) Update(lsn uint64, oldKey, newKey []byte, ptr TuplePointer) error {
	if err := t.Delete(lsn, oldKey); err != nil {
		return err
	}
	return t.Insert(lsn, newKey, ptr)
}

// Search returns key's value list, or nil if absent.
func (t *Tree) Search(key []byte) ([]TuplePointer, error) {
	leaf, err := t.findLeaf(key)
	if err != nil {
		return nil, err
	}
	for i, k := range leaf.keys {
		if bytes.Equal(k, key) {
			return leaf.values[i], nil
		}
	}
	return nil, nil
}

// SearchRange returns per-key value lists for keys in [start, end),
// following next-leaf links.
func (t *Tree) SearchRange(start, end []byte) ([][]TuplePointer, error) {
	leaf, err := t.findLeaf(start)
	if err != nil {
		return nil, err
	}
	idx := findIndex(leaf.keys, start)

	var result [][]TuplePointer
	for {
		for i := idx; i < len(leaf.keys); i++ {
			if bytes.Compare(leaf.keys[i], end) < 0 {
				result = append(result, leaf.values[i])
			} else {
				return result, nil
			}
		}
		if !leaf.hasNext {
			return result, nil
		}
		_, next, _, err := t.loadPage(leaf.nextLeaf)
		if err != nil {
			return nil, err
		}
		leaf = next
		idx = 0
	}
}

// AllKeys returns every key in ascending order via a left-most leaf walk.
func (t *Tree) AllKeys() ([][]byte, error) {
	pno := t.rootPNO
	for {
		isLeaf, internal, leaf, err := t.loadPage(pno)
		if err != nil {
			return nil, err
		}
		if isLeaf {
			var keys [][]byte
			for {
				keys = append(keys, leaf.keys...)
				if !leaf.hasNext {
					return keys, nil
				}
				_, _, next, err := t.loadPage(leaf.nextLeaf)
				if err != nil {
					return nil, err
				}
				leaf = next
			}
		}
		pno = internal.children[0]
	}
}

// Serialize returns the 4-byte root page number followed by every
// allocated node page (0 through nextPNO-1) packed in page-number order.
// Pages are copied as numbered on disk: the tree is not walked level by
// level and nodes are not renumbered.
func (t *Tree) Serialize() ([]byte, error) {
	out := make([]byte, 4)
	codec.PutU32(codec.LittleEndian, out, t.rootPNO)
	for pno := uint32(0); pno < t.nextPNO; pno++ {
		entry, err := t.pool.GetPage(t.rel, pno)
		if err != nil {
			return nil, err
		}
		out = append(out, entry.Page.Pack()...)
	}
	return out, nil
}

// Deserialize reloads a tree snapshot produced by Serialize, writing
// each page back through the buffer pool and restoring the header.
func Deserialize(pool *buffer.Pool, fds *fsio.FDCache, rel catalog.OID, path string, pageSize uint32, data []byte) (*Tree, error) {
	rootPNO := codec.GetU32(codec.LittleEndian, data[0:4])
	body := data[4:]
	n := uint32(len(body)) / pageSize

	t := &Tree{pool: pool, fds: fds, rel: rel, path: path, pageSize: pageSize, maxLoadFactor: defaultMaxLoadFactor, rootPNO: rootPNO, nextPNO: n}
	for pno := uint32(0); pno < n; pno++ {
		entry, err := pool.GetPage(rel, pno)
		if err != nil {
			return nil, err
		}
		block := body[pno*pageSize : (pno+1)*pageSize]
		entry.Page = page.Unpack(pageSize, block)
		entry.SetDirty(true)
	}
	if err := t.syncHeader(); err != nil {
		return nil, err
	}
	return t, nil
}
