// Package andbcore wires every storage subsystem behind one Engine
// value (spec.md section 9's redesign note replacing a module-level
// WAL/xact singleton): BufferPool, WalManager, LockTable, Catalog, and
// TxnManager, plus the executor-facing operations of spec.md section 6.
package andbcore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/andb-project/andbcore/internal/btree"
	"github.com/andb-project/andbcore/internal/buffer"
	"github.com/andb-project/andbcore/internal/catalog"
	"github.com/andb-project/andbcore/internal/config"
	"github.com/andb-project/andbcore/internal/errs"
	"github.com/andb-project/andbcore/internal/fsio"
	"github.com/andb-project/andbcore/internal/heap"
	"github.com/andb-project/andbcore/internal/lock"
	"github.com/andb-project/andbcore/internal/logging"
	"github.com/andb-project/andbcore/internal/tuple"
	"github.com/andb-project/andbcore/internal/txn"
	"github.com/andb-project/andbcore/internal/wal"
	"github.com/google/uuid"
)

var log = logging.For("engine")

// ColumnDef describes one column of a table being created.
type ColumnDef struct {
	Name    string
	TypeOID catalog.OID
	Length  int
	NotNull bool
}

// Engine is the top-level value a session borrows from (spec.md section
// 9): every mutable subsystem lives here, not behind package-level state.
type Engine struct {
	// instanceID identifies this engine instance. It is attached to the
	// engine's "opened" log line, so a deployment running several
	// database directories in one process can tell the instances apart;
	// the other log lines do not carry it.
	instanceID string

	cfg     *config.Config
	fds     *fsio.FDCache
	pool    *buffer.Pool
	wal     *wal.Manager
	locks   *lock.Table
	txns    *txn.Manager
	catalog *catalog.Catalog

	mu         sync.RWMutex
	indexPaths map[catalog.OID]string
}

// Open loads (or bootstraps, on a fresh directory) the engine at
// cfg.DatabaseDirectory.
func Open(cfg *config.Config) (*Engine, error) {
	for _, dir := range []string{cfg.DatabaseDirectory, cfg.CatalogDir(), cfg.BaseDir(), cfg.WALDir(), cfg.UndoDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errs.FatalWrap(errs.ErrnoIOError, err, "engine: mkdir %s", dir)
		}
	}

	cat, err := catalog.Open(cfg.CatalogDir())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		instanceID: uuid.NewString(),
		cfg:        cfg,
		fds:        fsio.NewFDCache(cfg.MaxOpenFiles),
		locks:      lock.NewTable(),
		catalog:    cat,
		indexPaths: make(map[catalog.OID]string),
	}
	e.pool = buffer.New(int(cfg.BufferPoolSize), cfg.PageSize, e.resolveRelation, e.fds)
	e.wal = wal.NewManager(cfg.WALDir(), e.fds, cfg.WALPageSize, cfg.WALSegmentSize, cfg.WALBufferSize)
	e.txns = txn.NewManager(e.wal, cfg.UndoDir(), e.fds, e.pool, e.locateIndex)

	for _, ix := range cat.Indexes.All() {
		e.rememberIndexPath(ix.IndexOID)
	}
	log.WithField("instance", e.instanceID).WithField("dir", cfg.DatabaseDirectory).Info("engine: opened")
	return e, nil
}

// InstanceID identifies this Engine value in log output.
func (e *Engine) InstanceID() string { return e.instanceID }

// relationPath returns base/<db-oid>/<relation-oid> for rel's catalog row.
func (e *Engine) relationPath(r catalog.Relation) string {
	return filepath.Join(e.cfg.BaseDir(), fmt.Sprintf("%d", r.Database), fmt.Sprintf("%d", r.OID))
}

func (e *Engine) findRelationRow(rel catalog.OID) (catalog.Relation, bool) {
	rows := e.catalog.Classes.Search(func(r catalog.Relation) bool { return r.OID == rel })
	if len(rows) == 0 {
		return catalog.Relation{}, false
	}
	return rows[0], true
}

// resolveRelation is the buffer pool's PathResolver.
func (e *Engine) resolveRelation(rel catalog.OID) (string, buffer.RelKind, bool) {
	r, ok := e.findRelationRow(rel)
	if !ok {
		return "", 0, false
	}
	kind := buffer.RelHeap
	if r.Kind == catalog.RelBTree {
		kind = buffer.RelBTree
	}
	return e.relationPath(r), kind, true
}

// locateIndex is the transaction manager's IndexLocator.
func (e *Engine) locateIndex(rel catalog.OID) (string, uint32, bool) {
	e.mu.RLock()
	path, ok := e.indexPaths[rel]
	e.mu.RUnlock()
	if !ok {
		return "", 0, false
	}
	return path, e.cfg.PageSize, true
}

func (e *Engine) rememberIndexPath(rel catalog.OID) {
	r, ok := e.findRelationRow(rel)
	if !ok {
		return
	}
	e.mu.Lock()
	e.indexPaths[rel] = e.relationPath(r)
	e.mu.Unlock()
}

func (e *Engine) forgetIndexPath(rel catalog.OID) {
	e.mu.Lock()
	delete(e.indexPaths, rel)
	e.mu.Unlock()
}

func (e *Engine) attrsAndTypes(rel catalog.OID) ([]catalog.Attribute, func(catalog.OID) (catalog.Type, bool)) {
	return e.catalog.RelationAttributes(rel), e.catalog.FindType
}

// --- locking ---

// OpenRelation acquires mode on rel for holder (spec.md section 6).
func (e *Engine) OpenRelation(rel catalog.OID, holder uint64, mode lock.Mode, dontWait bool) error {
	return e.locks.Acquire(rel, holder, mode, dontWait, e.cfg.LockWaitSeconds)
}

// CloseRelation releases mode on rel for holder.
func (e *Engine) CloseRelation(rel catalog.OID, holder uint64, mode lock.Mode) bool {
	return e.locks.Release(rel, holder, mode)
}

// --- heap (hot_*) ---

// HotCreateTable allocates a relation OID, persists its attribute rows,
// and creates the empty backing heap file.
func (e *Engine) HotCreateTable(db catalog.OID, name string, columns []ColumnDef) (catalog.OID, error) {
	if _, exists := e.catalog.FindRelation(db, name, catalog.RelHeap); exists {
		return catalog.Invalid, errs.DDL(errs.ErrnoDuplicateName, "engine: relation %q already exists", name)
	}
	relOID, err := e.catalog.AllocateOID(catalog.KindRelation)
	if err != nil {
		return catalog.Invalid, err
	}
	if err := e.catalog.Classes.Insert(catalog.Relation{OID: relOID, Database: db, Name: name, Kind: catalog.RelHeap}); err != nil {
		return catalog.Invalid, err
	}
	for i, col := range columns {
		attr := catalog.Attribute{ClassOID: relOID, Name: col.Name, TypeOID: col.TypeOID, Length: col.Length, ColumnIndex: i, NotNull: col.NotNull}
		if err := e.catalog.Attributes.Insert(attr); err != nil {
			return catalog.Invalid, err
		}
	}
	path := e.relationPath(catalog.Relation{OID: relOID, Database: db})
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return catalog.Invalid, errs.FatalWrap(errs.ErrnoIOError, err, "engine: mkdir %s", filepath.Dir(path))
	}
	if _, err := e.fds.Open(path); err != nil {
		return catalog.Invalid, err
	}
	return relOID, nil
}

// HotDropTable removes rel's catalog rows and backing file; fails if a
// dependent index still references it.
func (e *Engine) HotDropTable(rel catalog.OID) error {
	if deps := e.catalog.Indexes.Search(func(ix catalog.IndexAttribute) bool { return ix.TableOID == rel }); len(deps) > 0 {
		return errs.DDL(errs.ErrnoDependentIndex, "engine: relation %d has dependent indexes", rel)
	}
	r, ok := e.findRelationRow(rel)
	if !ok {
		return errs.Rollback(errs.ErrnoRelationNotFound, "engine: relation %d not found", rel)
	}
	if _, err := e.catalog.Classes.Delete(func(x catalog.Relation) bool { return x.OID == rel }); err != nil {
		return err
	}
	if _, err := e.catalog.Attributes.Delete(func(a catalog.Attribute) bool { return a.ClassOID == rel }); err != nil {
		return err
	}
	e.pool.EvictRelation(rel)
	return e.fds.Remove(e.relationPath(r))
}

// HotSimpleInsert encodes values per rel's attribute schema and inserts
// under xid, logging WAL and undo.
func (e *Engine) HotSimpleInsert(xid uint64, rel catalog.OID, values []tuple.Value) (heap.Pointer, error) {
	attrs, types := e.attrsAndTypes(rel)
	data, err := tuple.Encode(values, attrs, types)
	if err != nil {
		return heap.Pointer{}, err
	}
	return e.txns.HeapInsert(xid, rel, data)
}

// HotSimpleSelect decodes the tuple at ptr, or returns (nil, nil) if empty.
func (e *Engine) HotSimpleSelect(rel catalog.OID, ptr heap.Pointer) ([]tuple.Value, error) {
	data, err := heap.New(e.pool).Select(rel, ptr)
	if err != nil || data == nil {
		return nil, err
	}
	attrs, types := e.attrsAndTypes(rel)
	return tuple.Decode(data, attrs, types)
}

// HotSimpleDelete marks ptr DEAD under xid, logging WAL and undo.
func (e *Engine) HotSimpleDelete(xid uint64, rel catalog.OID, ptr heap.Pointer) (bool, error) {
	return e.txns.HeapDelete(xid, rel, ptr)
}

// HotSimpleUpdate re-encodes values and replaces ptr under xid.
func (e *Engine) HotSimpleUpdate(xid uint64, rel catalog.OID, ptr heap.Pointer, values []tuple.Value) (heap.Pointer, error) {
	attrs, types := e.attrsAndTypes(rel)
	data, err := tuple.Encode(values, attrs, types)
	if err != nil {
		return heap.Pointer{}, err
	}
	return e.txns.HeapUpdate(xid, rel, ptr, data)
}

// HotSimpleSelectAll decodes and visits every live tuple in rel.
func (e *Engine) HotSimpleSelectAll(rel catalog.OID, visit func(heap.Pointer, []tuple.Value) error) error {
	attrs, types := e.attrsAndTypes(rel)
	return heap.New(e.pool).ScanAll(rel, func(ptr heap.Pointer, data []byte) error {
		values, err := tuple.Decode(data, attrs, types)
		if err != nil {
			return err
		}
		return visit(ptr, values)
	})
}

// --- B+tree index (bt_*) ---

// BtCreateIndex allocates an index relation OID over table's fields (in
// index-column order) and creates its backing file.
func (e *Engine) BtCreateIndex(db catalog.OID, name string, table catalog.OID, fields []catalog.Attribute) (catalog.OID, error) {
	if _, exists := e.catalog.FindRelation(db, name, catalog.RelBTree); exists {
		return catalog.Invalid, errs.DDL(errs.ErrnoDuplicateName, "engine: index %q already exists", name)
	}
	indexOID, err := e.catalog.AllocateOID(catalog.KindRelation)
	if err != nil {
		return catalog.Invalid, err
	}
	if err := e.catalog.Classes.Insert(catalog.Relation{OID: indexOID, Database: db, Name: name, Kind: catalog.RelBTree}); err != nil {
		return catalog.Invalid, err
	}
	for i, f := range fields {
		ia := catalog.IndexAttribute{IndexOID: indexOID, Name: f.Name, TypeOID: f.TypeOID, TableOID: table, IndexColIndex: i, TableAttrIdx: f.ColumnIndex}
		if err := e.catalog.Indexes.Insert(ia); err != nil {
			return catalog.Invalid, err
		}
	}
	path := e.relationPath(catalog.Relation{OID: indexOID, Database: db})
	if _, err := btree.Open(e.pool, e.fds, indexOID, path, e.cfg.PageSize); err != nil {
		return catalog.Invalid, err
	}
	e.rememberIndexPath(indexOID)
	return indexOID, nil
}

// BtDropIndex removes an index relation's catalog rows and backing file.
func (e *Engine) BtDropIndex(indexOID catalog.OID) error {
	r, ok := e.findRelationRow(indexOID)
	if !ok {
		return errs.Rollback(errs.ErrnoRelationNotFound, "engine: index %d not found", indexOID)
	}
	if _, err := e.catalog.Classes.Delete(func(x catalog.Relation) bool { return x.OID == indexOID }); err != nil {
		return err
	}
	if _, err := e.catalog.Indexes.Delete(func(ix catalog.IndexAttribute) bool { return ix.IndexOID == indexOID }); err != nil {
		return err
	}
	e.pool.EvictRelation(indexOID)
	e.forgetIndexPath(indexOID)
	return e.fds.Remove(e.relationPath(r))
}

// BtSimpleInsert inserts (key, ptr) into indexOID's tree under xid.
func (e *Engine) BtSimpleInsert(xid uint64, indexOID catalog.OID, key []byte, ptr btree.TuplePointer) error {
	return e.txns.BTreeInsert(xid, indexOID, key, ptr)
}

// BtUpdate moves ptr from oldKey to newKey within indexOID's tree.
func (e *Engine) BtUpdate(xid uint64, indexOID catalog.OID, oldKey, newKey []byte, ptr btree.TuplePointer) error {
	return e.txns.BTreeUpdate(xid, indexOID, oldKey, newKey, ptr)
}

// BtDelete removes every pointer stored under key in indexOID's tree.
func (e *Engine) BtDelete(xid uint64, indexOID catalog.OID, key []byte) error {
	return e.txns.BTreeDelete(xid, indexOID, key)
}

// BtSearch returns every pointer stored under key.
func (e *Engine) BtSearch(indexOID catalog.OID, key []byte) ([]btree.TuplePointer, error) {
	tree, err := e.txns.Tree(indexOID)
	if err != nil {
		return nil, err
	}
	return tree.Search(key)
}

// BtSearchRange returns the per-key pointer lists for keys in [start, end).
func (e *Engine) BtSearchRange(indexOID catalog.OID, start, end []byte) ([][]btree.TuplePointer, error) {
	tree, err := e.txns.Tree(indexOID)
	if err != nil {
		return nil, err
	}
	return tree.SearchRange(start, end)
}

// BtScanAllKeys returns every distinct key in indexOID's tree, ascending.
func (e *Engine) BtScanAllKeys(indexOID catalog.OID) ([][]byte, error) {
	tree, err := e.txns.Tree(indexOID)
	if err != nil {
		return nil, err
	}
	return tree.AllKeys()
}

// --- transactions ---

func (e *Engine) AllocateXID() uint64                { return e.txns.AllocateXID() }
func (e *Engine) BeginTransaction(xid uint64) error  { return e.txns.Begin(xid) }
func (e *Engine) CommitTransaction(xid uint64) error { return e.txns.Commit(xid) }
func (e *Engine) AbortTransaction(xid uint64) error  { return e.txns.Abort(xid) }
func (e *Engine) Checkpoint() error                  { return e.txns.Checkpoint() }
func (e *Engine) Recovery() error                    { return e.txns.Recovery() }

// --- catalog search helpers ---

// FindRelation looks up a relation by (database, name, kind).
func (e *Engine) FindRelation(db catalog.OID, name string, kind catalog.RelationKind) (catalog.Relation, bool) {
	return e.catalog.FindRelation(db, name, kind)
}

// RelationAttributes returns rel's columns in column-index order.
func (e *Engine) RelationAttributes(rel catalog.OID) []catalog.Attribute {
	return e.catalog.RelationAttributes(rel)
}

// IndexAttributes returns indexOID's key columns in index-column order.
func (e *Engine) IndexAttributes(indexOID catalog.OID) []catalog.IndexAttribute {
	return e.catalog.IndexAttributes(indexOID)
}

// Close flushes every dirty page and closes all open file descriptors.
func (e *Engine) Close() error {
	if err := e.pool.Sync(); err != nil {
		return err
	}
	return e.fds.CloseAll()
}
