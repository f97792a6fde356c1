// Package wal implements the write-ahead log: the append-only record
// stream that makes write-transaction commits durable and lets readers
// resolve MVCC snapshots without touching the main data file.
//
// Two record kinds are defined, both fixed width so a scanner can
// discriminate on the leading type field and never has to guess a
// record's length:
//
//	page record:   [type=1][tx_id][page_id][data; PageSize bytes]
//	commit record: [type=2][tx_id][magic=0xC0DECAFE]
//
// All integers are little-endian. Records are appended with no
// inter-record padding; a record's offset is its byte position measured
// from the start of the logical record stream (see BaseOffset).
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mhaldane/waldb/pageio"
)

// Record kinds.
const (
	RecordTypePage   byte = 1
	RecordTypeCommit byte = 2
)

// CommitMagic is the fixed value a commit record must carry to be
// considered durable. A commit record with any other value is treated as
// absent — its transaction stays uncommitted.
const CommitMagic uint32 = 0xC0DECAFE

const (
	typeFieldSize   = 4
	txFieldSize     = 4
	pageIDFieldSize = 4
	magicFieldSize  = 4

	// PageRecordSize is the fixed on-disk size of a page record: three
	// 32-bit fields plus one page payload.
	PageRecordSize = typeFieldSize + txFieldSize + pageIDFieldSize + pageio.PageSize

	// CommitRecordSize is the fixed on-disk size of a commit record:
	// three 32-bit fields.
	CommitRecordSize = typeFieldSize + txFieldSize + magicFieldSize
)

// fileHeaderSize is the size of the small header kept at the front of the
// WAL file. It is not part of the logical record stream: offsets reported
// to callers never include it.
//
//	[0:4]  magic "WLOG"
//	[4:8]  format version
//	[8:16] baseOffset — the logical offset of the first byte after the
//	       header; advances when Compact reclaims a checkpointed prefix.
const fileHeaderSize = 16

var fileMagic = [4]byte{'W', 'L', 'O', 'G'}
const formatVersion uint32 = 1

// ErrCorruptHeader is returned when the WAL file's header is missing or
// carries a bad magic/version.
var ErrCorruptHeader = errors.New("wal: corrupt or unsupported header")

// Writer is the append-only writer over the WAL file descriptor. It also
// serves reads: the scanner in package walscan reads through it via
// ReadAt, translating logical offsets to physical file positions.
type Writer struct {
	mu         sync.Mutex
	file       pageio.File
	path       string
	baseOffset int64 // logical offset of first record
	end        int64 // logical offset of the end of the log
}

// Open opens or creates the WAL file at path.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	w, err := OpenFile(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// OpenFile wraps an already-open pageio.File (e.g. a MemFile in tests) as
// a Writer, initializing or validating its header.
func OpenFile(f pageio.File, path string) (*Writer, error) {
	w := &Writer{file: f, path: path}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("wal: stat: %w", err)
	}

	if info.Size() == 0 {
		if err := w.writeHeader(0); err != nil {
			return nil, err
		}
		w.baseOffset = 0
		w.end = 0
		return w, nil
	}

	base, err := w.readHeader()
	if err != nil {
		return nil, err
	}
	w.baseOffset = base
	w.end = base + (info.Size() - fileHeaderSize)
	return w, nil
}

// Close closes the underlying WAL file.
func (w *Writer) Close() error {
	return w.file.Close()
}

// BaseOffset returns the logical offset of the first record still present
// in the log. Offsets below it have been reclaimed by a prior Compact and
// are guaranteed to already be durable in the main data file.
func (w *Writer) BaseOffset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseOffset
}

// End returns the current logical end-of-log offset. Reader transactions
// capture this value as their snapshot.
func (w *Writer) End() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.end
}

// ReadAt reads len(p) bytes at logical offset off, translating to the
// record stream's physical position. It implements the walscan.LogReader
// contract. The lock is held for the whole call, not just the offset
// translation: Compact truncates and rewrites the file in place under
// the same lock, and releasing it early would let a read observe a
// physical position computed against a baseOffset that a concurrent
// Compact has already moved past.
func (w *Writer) ReadAt(off int64, p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.ReadAt(p, fileHeaderSize+off-w.baseOffset)
}

// WriteAt writes p at logical offset off, translating to the record
// stream's physical position. It does not advance End and exists only to
// let tests splice in raw bytes (e.g. a torn tail record); normal writers
// must use AppendPage/AppendCommit.
func (w *Writer) WriteAt(off int64, p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.WriteAt(p, fileHeaderSize+off-w.baseOffset)
}

// AppendPage appends a page record for (txID, pageID, data). It performs
// no flush; durability is established only by the following AppendCommit.
func (w *Writer) AppendPage(txID, pageID uint32, data pageio.Page) (int64, error) {
	buf := make([]byte, PageRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(RecordTypePage))
	binary.LittleEndian.PutUint32(buf[4:8], txID)
	binary.LittleEndian.PutUint32(buf[8:12], pageID)
	copy(buf[12:], data[:])
	return w.append(buf)
}

// AppendCommit appends a commit record for txID and performs a durable
// flush before returning. This flush is the engine's only durability
// boundary: once it returns, every page record this transaction wrote is
// guaranteed persistent.
func (w *Writer) AppendCommit(txID uint32) (int64, error) {
	buf := make([]byte, CommitRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(RecordTypeCommit))
	binary.LittleEndian.PutUint32(buf[4:8], txID)
	binary.LittleEndian.PutUint32(buf[8:12], CommitMagic)
	end, err := w.append(buf)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("wal: fsync commit: %w", err)
	}
	return end, nil
}

func (w *Writer) append(buf []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	physOff := fileHeaderSize + (w.end - w.baseOffset)
	n, err := w.file.WriteAt(buf, physOff)
	if err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("wal: short append: wrote %d of %d bytes", n, len(buf))
	}
	w.end += int64(len(buf))
	return w.end, nil
}

// Compact reclaims the log prefix below newBase. Callers (the checkpoint
// operation) must only call this after every committed page record below
// newBase has been durably written through to the main data file: it is
// not recoverable once the bytes are gone. newBase must equal the
// checkpoint horizon, which is itself bounded by the oldest live reader
// snapshot, so no live reader ever needs the reclaimed range.
func (w *Writer) Compact(newBase int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if newBase <= w.baseOffset {
		return nil
	}
	if newBase > w.end {
		return fmt.Errorf("wal: compact target %d beyond log end %d", newBase, w.end)
	}

	tailLen := w.end - newBase
	tail := make([]byte, tailLen)
	if tailLen > 0 {
		if _, err := w.file.ReadAt(tail, fileHeaderSize+(newBase-w.baseOffset)); err != nil && err != io.EOF {
			return fmt.Errorf("wal: compact read tail: %w", err)
		}
	}

	if err := w.file.Truncate(fileHeaderSize); err != nil {
		return fmt.Errorf("wal: compact truncate: %w", err)
	}
	if len(tail) > 0 {
		if _, err := w.file.WriteAt(tail, fileHeaderSize); err != nil {
			return fmt.Errorf("wal: compact rewrite tail: %w", err)
		}
	}
	if err := w.writeHeaderLocked(newBase); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: compact sync: %w", err)
	}

	w.baseOffset = newBase
	w.end = newBase + tailLen
	return nil
}

func (w *Writer) writeHeader(base int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeHeaderLocked(base)
}

func (w *Writer) writeHeaderLocked(base int64) error {
	var hdr [fileHeaderSize]byte
	copy(hdr[0:4], fileMagic[:])
	binary.LittleEndian.PutUint32(hdr[4:8], formatVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(base))
	if _, err := w.file.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	return nil
}

func (w *Writer) readHeader() (int64, error) {
	var hdr [fileHeaderSize]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return 0, fmt.Errorf("wal: read header: %w", err)
	}
	if hdr[0] != fileMagic[0] || hdr[1] != fileMagic[1] || hdr[2] != fileMagic[2] || hdr[3] != fileMagic[3] {
		return 0, ErrCorruptHeader
	}
	if binary.LittleEndian.Uint32(hdr[4:8]) != formatVersion {
		return 0, ErrCorruptHeader
	}
	return int64(binary.LittleEndian.Uint64(hdr[8:16])), nil
}
