// Package undo implements the per-transaction undo log of spec.md
// section 4.J: one file per xid under undo/<xid>, an in-memory list
// appended before each mutation's WAL record is flushed, and a
// newest-first parse used by abort and crash recovery.
package undo

import (
	"path/filepath"
	"sync"

	"github.com/andb-project/andbcore/internal/codec"
	"github.com/andb-project/andbcore/internal/errs"
	"github.com/andb-project/andbcore/internal/fsio"
)

// Operation mirrors the WAL action enum for the records undo must be
// able to reverse (spec.md section 4.J).
type Operation uint32

const (
	OpBegin Operation = iota
	OpCommit
	OpAbort
	OpHeapInsert
	OpHeapDelete
	OpHeapBatchDelete
	OpHeapUpdate
	OpBTreeInsert
	OpBTreeDelete
	OpBTreeUpdate
)

// Record is one undo log entry: the operation whose effect undo
// reverses (the txn package's applyUndo performs the inverse), the
// relation it targets, a location (page#/slot, or a B+tree key
// depending on Operation) and the data needed to replay it.
type Record struct {
	XID      uint64
	Op       Operation
	Relation uint64
	Page     uint32
	Slot     uint32
	Key      []byte
	Data     []byte
}

func (r *Record) encodePayload() []byte {
	out := make([]byte, 0, 8+4+8+4+4+4+len(r.Key)+4+len(r.Data))
	buf8 := make([]byte, 8)
	codec.PutU64(codec.LittleEndian, buf8, r.XID)
	out = append(out, buf8...)

	buf4 := make([]byte, 4)
	codec.PutU32(codec.LittleEndian, buf4, uint32(r.Op))
	out = append(out, buf4...)

	codec.PutU64(codec.LittleEndian, buf8, r.Relation)
	out = append(out, buf8...)

	codec.PutU32(codec.LittleEndian, buf4, r.Page)
	out = append(out, buf4...)
	codec.PutU32(codec.LittleEndian, buf4, r.Slot)
	out = append(out, buf4...)

	codec.PutU32(codec.LittleEndian, buf4, uint32(len(r.Key)))
	out = append(out, buf4...)
	out = append(out, r.Key...)

	codec.PutU32(codec.LittleEndian, buf4, uint32(len(r.Data)))
	out = append(out, buf4...)
	out = append(out, r.Data...)
	return out
}

func decodeRecordPayload(b []byte) Record {
	var r Record
	r.XID = codec.GetU64(codec.LittleEndian, b[0:8])
	r.Op = Operation(codec.GetU32(codec.LittleEndian, b[8:12]))
	r.Relation = codec.GetU64(codec.LittleEndian, b[12:20])
	r.Page = codec.GetU32(codec.LittleEndian, b[20:24])
	r.Slot = codec.GetU32(codec.LittleEndian, b[24:28])
	keyLen := codec.GetU32(codec.LittleEndian, b[28:32])
	off := uint32(32)
	r.Key = append([]byte(nil), b[off:off+keyLen]...)
	off += keyLen
	dataLen := codec.GetU32(codec.LittleEndian, b[off:off+4])
	off += 4
	r.Data = append([]byte(nil), b[off:off+dataLen]...)
	return r
}

// Log is one transaction's in-memory undo list plus its backing file.
type Log struct {
	mu      sync.Mutex
	dir     string
	fds     *fsio.FDCache
	xid     uint64
	pending []Record
}

// Open returns the undo log for xid, backed by undo/<xid> under dir.
func Open(dir string, fds *fsio.FDCache, xid uint64) *Log {
	return &Log{dir: dir, fds: fds, xid: xid}
}

func (l *Log) path() string {
	return filepath.Join(l.dir, formatXID(l.xid))
}

func formatXID(xid uint64) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hexDigits[xid&0xf]
		xid >>= 4
	}
	return string(b)
}

// Append adds rec to the in-memory pending list. Per spec.md section 5,
// callers must append the inverse of a mutation before its WAL record
// is flushed.
func (l *Log) Append(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, rec)
}

// Flush appends the entire in-memory list to disk and fsyncs.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if len(l.pending) == 0 {
		return nil
	}
	f, err := l.fds.Open(l.path())
	if err != nil {
		return err
	}
	size, err := f.Size()
	if err != nil {
		return errs.FatalWrap(errs.ErrnoIOError, err, "undo: stat xid %d", l.xid)
	}
	off := size
	for _, rec := range l.pending {
		payload := rec.encodePayload()
		header := make([]byte, 8)
		codec.PutU64(codec.LittleEndian, header, uint64(len(payload)))
		if _, err := f.WriteAt(header, off); err != nil {
			return errs.FatalWrap(errs.ErrnoIOError, err, "undo: write header xid %d", l.xid)
		}
		off += int64(len(header))
		if _, err := f.WriteAt(payload, off); err != nil {
			return errs.FatalWrap(errs.ErrnoIOError, err, "undo: write payload xid %d", l.xid)
		}
		off += int64(len(payload))
	}
	if err := f.Sync(); err != nil {
		return errs.FatalWrap(errs.ErrnoIOError, err, "undo: fsync xid %d", l.xid)
	}
	l.pending = l.pending[:0]
	return nil
}

// CommitTerminal appends a COMMIT terminal record then flushes.
func (l *Log) CommitTerminal() error {
	l.Append(Record{XID: l.xid, Op: OpCommit})
	return l.Flush()
}

// AbortTerminal appends an ABORT terminal record then flushes.
func (l *Log) AbortTerminal() error {
	l.Append(Record{XID: l.xid, Op: OpAbort})
	return l.Flush()
}

// ParseRecords reads xid's on-disk undo file (ignoring any file that
// doesn't exist yet) and returns its records newest-first, the order
// undo must be applied in.
func ParseRecords(dir string, fds *fsio.FDCache, xid uint64) ([]Record, error) {
	path := filepath.Join(dir, formatXID(xid))
	f, err := fds.Open(path)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		return nil, errs.FatalWrap(errs.ErrnoIOError, err, "undo: stat xid %d", xid)
	}

	var records []Record
	var off int64
	for off < size {
		header := make([]byte, 8)
		if _, err := f.ReadAt(header, off); err != nil {
			return nil, errs.FatalWrap(errs.ErrnoIOError, err, "undo: read header xid %d", xid)
		}
		contentSize := codec.GetU64(codec.LittleEndian, header)
		off += 8
		payload := make([]byte, contentSize)
		if _, err := f.ReadAt(payload, off); err != nil {
			return nil, errs.FatalWrap(errs.ErrnoIOError, err, "undo: read payload xid %d", xid)
		}
		off += int64(contentSize)
		records = append(records, decodeRecordPayload(payload))
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}
