// Package wal implements the segmented write-ahead log of spec.md
// section 4.I: fixed-size pages tiling fixed-size segment files, a
// latched write/flush protocol, and transparent record splitting across
// page boundaries.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/andb-project/andbcore/internal/codec"
	"github.com/andb-project/andbcore/internal/errs"
	"github.com/andb-project/andbcore/internal/fsio"
	"github.com/andb-project/andbcore/internal/logging"
)

var log = logging.For("wal")

// Action is one WAL record's action code (spec.md section 4.I).
type Action uint32

const (
	ActionToBeContinued Action = iota
	ActionCheckpoint
	ActionBegin
	ActionCommit
	ActionAbort
	ActionHeapInsert
	ActionHeapDelete
	ActionHeapBatchDelete
	ActionHeapUpdate
	ActionBTreeInsert
	ActionBTreeDelete
	ActionBTreeUpdate
)

// recordHeaderSize is the fixed header: total_size|padding_size|xid|oid|
// page#|slot|action, all little-endian.
const recordHeaderSize = 4 + 4 + 8 + 8 + 4 + 4 + 4

// pageHeaderSize is the fixed page header: lsn|last_page_written_size.
const pageHeaderSize = 8 + 4

// Record is one decoded (and, where needed, stitched) WAL record.
type Record struct {
	LSN     uint64
	XID     uint64
	OID     uint64
	Page    uint32
	Slot    uint32
	Action  Action
	Payload []byte
}

func (r *Record) encode() []byte {
	total := recordHeaderSize + len(r.Payload)
	b := make([]byte, total)
	codec.PutU32(codec.LittleEndian, b[0:4], uint32(total))
	codec.PutU32(codec.LittleEndian, b[4:8], 0) // padding_size; appendRecord overwrites it, and every caller passes 0
	codec.PutU64(codec.LittleEndian, b[8:16], r.XID)
	codec.PutU64(codec.LittleEndian, b[16:24], r.OID)
	codec.PutU32(codec.LittleEndian, b[24:28], r.Page)
	codec.PutU32(codec.LittleEndian, b[28:32], r.Slot)
	codec.PutU32(codec.LittleEndian, b[32:36], uint32(r.Action))
	copy(b[36:], r.Payload)
	return b
}

func decodeRecordHeader(b []byte) (totalSize, paddingSize uint32, xid, oid uint64, page, slot uint32, action Action) {
	totalSize = codec.GetU32(codec.LittleEndian, b[0:4])
	paddingSize = codec.GetU32(codec.LittleEndian, b[4:8])
	xid = codec.GetU64(codec.LittleEndian, b[8:16])
	oid = codec.GetU64(codec.LittleEndian, b[16:24])
	page = codec.GetU32(codec.LittleEndian, b[24:28])
	slot = codec.GetU32(codec.LittleEndian, b[28:32])
	action = Action(codec.GetU32(codec.LittleEndian, b[32:36]))
	return
}

// bufferedPage is one in-memory WAL page awaiting (partial or full) flush.
type bufferedPage struct {
	lsn  uint64 // starting LSN (byte offset) of this page
	data []byte // exactly pageSize bytes
	used uint32 // bytes occupied, including the 12-byte page header
}

// Manager is the WAL write/flush/replay engine. One Manager serves one
// database directory's wal/ subdirectory.
type Manager struct {
	mu sync.Mutex // WAL_WRITE latch (spec.md section 5)

	dir           string
	fds           *fsio.FDCache
	pageSize      uint32
	segmentSize   uint64
	bufferPages   int // wal_buffer_size: pages buffered before forced flush

	writeLSN uint64
	flushLSN uint64
	buffer   []*bufferedPage
}

// NewManager constructs a Manager; writeLSN/flushLSN start at 0 — callers
// recovering an existing WAL must derive them from segment file sizes
// and seed them via SetLSN before resuming writes.
func NewManager(dir string, fds *fsio.FDCache, pageSize uint32, segmentSize uint64, bufferPages int) *Manager {
	if bufferPages <= 0 {
		bufferPages = 1
	}
	return &Manager{dir: dir, fds: fds, pageSize: pageSize, segmentSize: segmentSize, bufferPages: bufferPages}
}

// SetLSN seeds write/flush LSNs after recovery has computed them from
// on-disk segment sizes.
func (m *Manager) SetLSN(writeLSN, flushLSN uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeLSN = writeLSN
	m.flushLSN = flushLSN
}

func (m *Manager) WriteLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLSN
}

func (m *Manager) FlushLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLSN
}

func (m *Manager) newPage() *bufferedPage {
	p := &bufferedPage{lsn: m.writeLSN, data: make([]byte, m.pageSize), used: pageHeaderSize}
	m.writeLSN += pageHeaderSize
	m.buffer = append(m.buffer, p)
	return p
}

func (p *bufferedPage) writeHeader() {
	codec.PutU64(codec.LittleEndian, p.data[0:8], p.lsn)
	codec.PutU32(codec.LittleEndian, p.data[8:12], p.used)
}

func (p *bufferedPage) appendRecord(rec *Record, paddingSize uint32) {
	enc := rec.encode()
	codec.PutU32(codec.LittleEndian, enc[4:8], paddingSize)
	copy(p.data[p.used:], enc)
	p.used += uint32(len(enc))
	p.writeHeader()
}

// Write appends rec to the log following spec.md section 4.I's write
// protocol, returning rec's own starting LSN (the value callers stamp
// onto the mutated page's header.lsn). Records whose payload cannot fit
// even when split across two pages are rejected as a caller error.
func (m *Manager) Write(rec Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page := m.currentNonFullPageLocked()
	full := recordHeaderSize + len(rec.Payload)
	available := int(m.pageSize) - int(page.used)
	if full > available && available < recordHeaderSize {
		// Not even a record header fits: zero-pad the rest of this page
		// and continue on a fresh one.
		m.writeLSN += uint64(available)
		page.used = m.pageSize
		page.writeHeader()
		page = m.newPage()
		available = int(m.pageSize) - int(page.used)
	}
	recordLSN := m.writeLSN

	if full <= available {
		page.appendRecord(&rec, 0)
		m.writeLSN += uint64(full)
	} else {
		maxSuffixPayload := int(m.pageSize) - pageHeaderSize - recordHeaderSize
		overflow := full - available
		if overflow >= maxSuffixPayload {
			return 0, errs.Rollback(errs.ErrnoWALRecordTooLarge, "wal: record of %d bytes exceeds the two-page bound", full)
		}

		prefixPayloadLen := available - recordHeaderSize
		prefix := Record{XID: rec.XID, OID: rec.OID, Page: rec.Page, Slot: rec.Slot, Action: ActionToBeContinued, Payload: rec.Payload[:prefixPayloadLen]}
		page.appendRecord(&prefix, 0)
		m.writeLSN += uint64(recordHeaderSize + prefixPayloadLen)

		page2 := m.newPage()
		suffix := Record{XID: rec.XID, OID: rec.OID, Page: rec.Page, Slot: rec.Slot, Action: rec.Action, Payload: rec.Payload[prefixPayloadLen:]}
		page2.appendRecord(&suffix, 0)
		m.writeLSN += uint64(recordHeaderSize + len(suffix.Payload))
	}

	if rec.Action == ActionCommit || rec.Action == ActionAbort || len(m.buffer) > m.bufferPages {
		if err := m.flushLocked(); err != nil {
			return 0, err
		}
	}
	return recordLSN, nil
}

// currentNonFullPageLocked returns the first page in the buffer with
// spare room, starting a fresh one if the buffer is empty or every page
// is full.
func (m *Manager) currentNonFullPageLocked() *bufferedPage {
	for _, p := range m.buffer {
		if int(p.used) < int(m.pageSize) {
			return p
		}
	}
	return m.newPage()
}

// Flush writes every buffered page's unflushed tail to its segment file
// and fsyncs, per spec.md section 4.I's flush protocol.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *Manager) flushLocked() error {
	kept := m.buffer[:0]
	for _, p := range m.buffer {
		segIdx := p.lsn / m.segmentSize
		segPath := filepath.Join(m.dir, fmt.Sprintf("%016X", segIdx))
		f, err := m.fds.Open(segPath)
		if err != nil {
			return err
		}
		size, err := f.Size()
		if err != nil {
			return errs.FatalWrap(errs.ErrnoIOError, err, "wal: stat %s", segPath)
		}
		if size == 0 {
			if err := f.Extend(int64(m.segmentSize)); err != nil {
				return errs.FatalWrap(errs.ErrnoIOError, err, "wal: preallocate %s", segPath)
			}
		}

		startByte := uint32(0)
		if m.flushLSN > p.lsn {
			startByte = uint32(m.flushLSN - p.lsn)
		}
		endByte := p.used
		if startByte > 0 {
			// Rewrite the header too, so last_page_written_size on disk covers the new tail.
			if _, err := f.WriteAt(p.data[:pageHeaderSize], int64(p.lsn%m.segmentSize)); err != nil {
				return errs.FatalWrap(errs.ErrnoIOError, err, "wal: write header %s@%d", segPath, p.lsn%m.segmentSize)
			}
		}
		offsetInSegment := int64(p.lsn%m.segmentSize) + int64(startByte)
		if _, err := f.WriteAt(p.data[startByte:endByte], offsetInSegment); err != nil {
			return errs.FatalWrap(errs.ErrnoIOError, err, "wal: write %s@%d", segPath, offsetInSegment)
		}
		if err := f.Sync(); err != nil {
			return errs.FatalWrap(errs.ErrnoIOError, err, "wal: fsync %s", segPath)
		}
		m.flushLSN = p.lsn + uint64(endByte)

		if p.used < m.pageSize {
			kept = append(kept, p)
		} else {
			log.WithField("lsn", p.lsn).Debug("wal: page fully flushed")
		}
	}
	m.buffer = kept
	return nil
}

// segmentFiles lists wal/ segment files sorted by ascending LSN.
func (m *Manager) segmentFiles() ([]uint64, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.FatalWrap(errs.ErrnoIOError, err, "wal: read dir %s", m.dir)
	}
	var segments []uint64
	for _, e := range entries {
		if e.IsDir() || e.Name() == "CHECKPOINT" {
			continue
		}
		v, err := strconv.ParseUint(e.Name(), 16, 64)
		if err != nil {
			continue
		}
		segments = append(segments, v)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	return segments, nil
}

// HighestSegmentExtent returns the byte offset one past the last written
// byte across every segment file, used by recovery to derive write_lsn/
// flush_lsn when no checkpoint record is trusted (spec.md section 4.L).
func (m *Manager) HighestSegmentExtent() (uint64, error) {
	segments, err := m.segmentFiles()
	if err != nil {
		return 0, err
	}
	if len(segments) == 0 {
		return 0, nil
	}
	last := segments[len(segments)-1]
	path := filepath.Join(m.dir, fmt.Sprintf("%016X", last))
	f, err := m.fds.Open(path)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, m.pageSize)
	highest := last * m.segmentSize
	for off := uint64(0); off < m.segmentSize; off += uint64(m.pageSize) {
		n, err := f.ReadAt(buf, int64(off))
		if n < int(pageHeaderSize) || err != nil {
			break
		}
		used := codec.GetU32(codec.LittleEndian, buf[8:12])
		if used == 0 {
			break
		}
		highest = last*m.segmentSize + off + uint64(used)
		if used < m.pageSize {
			break
		}
	}
	return highest, nil
}

// Replay walks segment files from fromLSN, decoding records in append
// order and stitching TO_BE_CONTINUED prefixes onto their successors
// before returning them (spec.md section 4.I).
func (m *Manager) Replay(fromLSN uint64) ([]Record, error) {
	segments, err := m.segmentFiles()
	if err != nil {
		return nil, err
	}

	var out []Record
	var pending *Record

	for _, seg := range segments {
		segStart := seg * m.segmentSize
		segEnd := segStart + m.segmentSize
		if segEnd <= fromLSN {
			continue
		}
		path := filepath.Join(m.dir, fmt.Sprintf("%016X", seg))
		f, err := m.fds.Open(path)
		if err != nil {
			return nil, err
		}

		start := uint64(0)
		if fromLSN > segStart {
			start = (fromLSN - segStart) / uint64(m.pageSize) * uint64(m.pageSize)
		}
		buf := make([]byte, m.pageSize)
		for off := start; off < m.segmentSize; off += uint64(m.pageSize) {
			n, _ := f.ReadAt(buf, int64(off))
			if n < int(pageHeaderSize) {
				break
			}
			used := codec.GetU32(codec.LittleEndian, buf[8:12])
			if used < pageHeaderSize {
				break
			}
			pos := uint32(pageHeaderSize)
			for pos+recordHeaderSize <= used {
				totalSize, _, xid, oid, page, slot, action := decodeRecordHeader(buf[pos : pos+recordHeaderSize])
				if totalSize == 0 {
					break
				}
				payload := append([]byte(nil), buf[pos+recordHeaderSize:pos+totalSize]...)
				rec := Record{LSN: segStart + off + uint64(pos), XID: xid, OID: oid, Page: page, Slot: slot, Action: action, Payload: payload}

				if rec.Action == ActionToBeContinued {
					pending = &rec
				} else if pending != nil {
					combined := Record{
						LSN:     pending.LSN,
						XID:     rec.XID,
						OID:     rec.OID,
						Page:    rec.Page,
						Slot:    rec.Slot,
						Action:  rec.Action,
						Payload: append(append([]byte(nil), pending.Payload...), rec.Payload...),
					}
					out = append(out, combined)
					pending = nil
				} else {
					out = append(out, rec)
				}
				pos += totalSize
			}
			if used < m.pageSize {
				break
			}
		}
	}
	return out, nil
}
