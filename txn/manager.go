// Package txn implements the transaction manager: write-transaction id
// assignment, the live reader-snapshot registry, and the locks that
// serialize writers against each other and against checkpoints.
package txn

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// MaxLiveReaders bounds how many reader snapshots can be registered at
// once. The reference engine this is modeled on used a fixed array and
// silently dropped registrations past capacity — a hazard, since a
// dropped reader's snapshot no longer bounds checkpoint progress. Here
// going over capacity is instead a refused BeginRead.
const MaxLiveReaders = 4096

// ErrReaderRegistryFull is returned by BeginRead when MaxLiveReaders
// snapshots are already live.
var ErrReaderRegistryFull = errors.New("txn: reader registry full")

// ErrAlreadyEnded is returned by Commit/Abort/EndRead on a handle that
// was already terminated.
var ErrAlreadyEnded = errors.New("txn: transaction already ended")

// WriteTxn is a write-transaction handle. TxID is nonzero and, across the
// process lifetime, strictly increasing; it is never reused.
type WriteTxn struct {
	TxID uint32

	mgr   *Manager
	ended bool
}

// ReaderTxn is a read-transaction handle. Snapshot is the WAL end-offset
// captured at BeginRead: the reader observes only commits whose record
// ends at or before Snapshot.
type ReaderTxn struct {
	Snapshot int64

	mgr   *Manager
	ended bool
}

// Manager issues write- and read-transaction handles and tracks the set
// of live reader snapshots needed to compute the checkpoint horizon.
type Manager struct {
	nextTxID uint32 // accessed only while writerMu held

	writerMu sync.Mutex // held begin_write..commit/abort: only one writer live

	readersMu sync.Mutex
	readers   map[*ReaderTxn]struct{}
	readerSem *semaphore.Weighted

	// CheckpointMu serializes checkpoints against each other. It is
	// deliberately not held across reads or writes: a checkpoint reads
	// the horizon once (under readersMu) and then runs concurrently
	// with new reads and writes, which only ever see data at or past
	// that fixed horizon.
	CheckpointMu sync.Mutex
}

// NewManager creates a transaction manager with tx ids starting at 1 (0
// is reserved and never assigned).
func NewManager() *Manager {
	return &Manager{
		nextTxID:  1,
		readers:   make(map[*ReaderTxn]struct{}),
		readerSem: semaphore.NewWeighted(MaxLiveReaders),
	}
}

// BeginWrite acquires the writer lock and assigns the next tx id. The
// lock is held until the returned handle's Commit or Abort is called, so
// at most one write transaction is ever live.
func (m *Manager) BeginWrite() *WriteTxn {
	m.writerMu.Lock()
	id := m.nextTxID
	m.nextTxID++
	return &WriteTxn{TxID: id, mgr: m}
}

// Release is called by the engine's Commit/Abort to mark the handle
// terminated and free the writer lock for the next writer.
func (w *WriteTxn) Release() error {
	if w.ended {
		return ErrAlreadyEnded
	}
	w.ended = true
	w.mgr.writerMu.Unlock()
	return nil
}

// Ended reports whether Commit or Abort has already run.
func (w *WriteTxn) Ended() bool { return w.ended }

// BeginRead registers a new reader snapshot. snapshot is the WAL
// end-offset the caller captured immediately before calling this (so the
// two stay consistent even though Manager itself has no WAL handle).
func (m *Manager) BeginRead(snapshot int64) (*ReaderTxn, error) {
	if !m.readerSem.TryAcquire(1) {
		return nil, ErrReaderRegistryFull
	}
	r := &ReaderTxn{Snapshot: snapshot, mgr: m}
	m.readersMu.Lock()
	m.readers[r] = struct{}{}
	m.readersMu.Unlock()
	return r, nil
}

// BeginReadWait is like BeginRead but blocks until a registry slot is
// free instead of failing immediately, for callers that would rather
// wait than retry.
func (m *Manager) BeginReadWait(ctx context.Context, snapshot int64) (*ReaderTxn, error) {
	if err := m.readerSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	r := &ReaderTxn{Snapshot: snapshot, mgr: m}
	m.readersMu.Lock()
	m.readers[r] = struct{}{}
	m.readersMu.Unlock()
	return r, nil
}

// EndRead removes rxn from the live-readers set, which may unblock
// checkpoint progress.
func (m *Manager) EndRead(rxn *ReaderTxn) error {
	m.readersMu.Lock()
	_, live := m.readers[rxn]
	if live {
		delete(m.readers, rxn)
	}
	m.readersMu.Unlock()
	if !live {
		return ErrAlreadyEnded
	}
	rxn.ended = true
	m.readerSem.Release(1)
	return nil
}

// Ended reports whether EndRead has already run.
func (r *ReaderTxn) Ended() bool { return r.ended }

// Horizon returns the minimum snapshot among all live readers. ok is
// false when there are no live readers, in which case the caller should
// use the current WAL end as the horizon instead.
func (m *Manager) Horizon() (horizon int64, ok bool) {
	m.readersMu.Lock()
	defer m.readersMu.Unlock()
	first := true
	for r := range m.readers {
		if first || r.Snapshot < horizon {
			horizon = r.Snapshot
			first = false
		}
	}
	return horizon, !first
}

// LiveReaders returns the number of currently registered readers.
func (m *Manager) LiveReaders() int {
	m.readersMu.Lock()
	defer m.readersMu.Unlock()
	return len(m.readers)
}
