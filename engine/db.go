// Package engine is the storage engine's user-facing Storage API: open a
// database, begin write/read transactions, read and write pages, commit,
// abort, end a reader, and checkpoint. It wires together pageio (the data
// file), wal (the log), pagecache (the staging area), and txn (transaction
// bookkeeping) into the MVCC read/write model described by the storage
// engine's design.
package engine

import (
	"errors"
	"fmt"

	"github.com/mhaldane/waldb/pagecache"
	"github.com/mhaldane/waldb/pageio"
	"github.com/mhaldane/waldb/txn"
	"github.com/mhaldane/waldb/wal"
	"github.com/mhaldane/waldb/walscan"
)

// ErrAborted is returned by operations attempted on a write transaction
// that has already committed or aborted.
var ErrAborted = errors.New("engine: write transaction already ended")

// DB is one open storage engine instance. Unlike the reference it is
// modeled on, it holds no process-wide state, so a process can open
// several independent databases.
type DB struct {
	pager *pageio.Pager
	log   *wal.Writer
	cache *pagecache.Cache
	txns  *txn.Manager
}

// Open opens (creating if absent) the database at path, plus its WAL at
// path+"-wal", and replays any committed writes left behind by a prior
// crash. Open is idempotent: opening an already-consistent database is a
// cheap no-op checkpoint.
func Open(path string) (*DB, error) {
	pager, err := pageio.Open(path)
	if err != nil {
		return nil, err
	}
	log, err := wal.Open(path + "-wal")
	if err != nil {
		pager.Close()
		return nil, err
	}
	return open(pager, log)
}

// OpenMemory opens a database entirely in memory, for tests: no crash
// recovery is meaningful since nothing persists across process restarts,
// but the same MVCC and checkpoint semantics apply.
func OpenMemory() (*DB, error) {
	pager := pageio.OpenFile(pageio.NewMemFile(), ":memory:")
	log, err := wal.OpenFile(pageio.NewMemFile(), ":memory:-wal")
	if err != nil {
		return nil, err
	}
	return open(pager, log)
}

func open(pager *pageio.Pager, log *wal.Writer) (*DB, error) {
	db := &DB{
		pager: pager,
		log:   log,
		cache: pagecache.New(pagecache.DefaultCapacity),
		txns:  txn.NewManager(),
	}
	// Recovery: with no readers yet registered, the horizon is the
	// current WAL end, so this checkpoint call migrates every durable
	// committed write — exactly the forward recovery scan — and is
	// naturally idempotent (a second Open/Checkpoint finds base==horizon
	// and does nothing).
	if err := db.checkpointLocked(); err != nil {
		log.Close()
		pager.Close()
		return nil, fmt.Errorf("engine: recovery: %w", err)
	}
	return db, nil
}

// Close closes both underlying files; it performs no sync of its own.
func (db *DB) Close() error {
	if err := db.pager.Close(); err != nil {
		return err
	}
	return db.log.Close()
}

// WriteTxn is a handle for staging page writes ahead of commit.
type WriteTxn struct {
	inner *txn.WriteTxn
}

// TxID returns the transaction's assigned id.
func (w *WriteTxn) TxID() uint32 { return w.inner.TxID }

// ReaderTxn is a handle for a consistent point-in-time read snapshot.
type ReaderTxn struct {
	inner *txn.ReaderTxn
}

// Snapshot returns the WAL end-offset this reader is pinned to.
func (r *ReaderTxn) Snapshot() int64 { return r.inner.Snapshot }

// BeginWrite starts a write transaction. Only one write transaction is
// ever live at a time: this call blocks until any prior one commits or
// aborts.
func (db *DB) BeginWrite() *WriteTxn {
	return &WriteTxn{inner: db.txns.BeginWrite()}
}

// BeginRead starts a read transaction pinned to the current WAL end.
func (db *DB) BeginRead() (*ReaderTxn, error) {
	r, err := db.txns.BeginRead(db.log.End())
	if err != nil {
		return nil, err
	}
	return &ReaderTxn{inner: r}, nil
}

// EndRead releases rxn's snapshot, possibly unblocking checkpoint
// progress.
func (db *DB) EndRead(rxn *ReaderTxn) error {
	return db.txns.EndRead(rxn.inner)
}

// WritePage stages data for pageID under wtxn. No log I/O happens until
// Commit.
func (db *DB) WritePage(wtxn *WriteTxn, pageID uint32, data pageio.Page) error {
	if wtxn.inner.Ended() {
		return ErrAborted
	}
	if err := db.cache.MarkDirty(pageID, wtxn.inner.TxID, data); err != nil {
		return fmt.Errorf("engine: write page %d: %w", pageID, err)
	}
	return nil
}

// ReadPage resolves pageID under rtxn: the cache first (but only a clean
// entry already known visible at or before rtxn's snapshot — a page
// dirtied by the in-flight writer, or one only proven visible to a later
// snapshot, is never served from cache to an older reader), then the WAL
// bounded by rtxn's snapshot, then the main data file.
func (db *DB) ReadPage(rtxn *ReaderTxn, pageID uint32) (pageio.Page, error) {
	if entry, ok := db.cache.Lookup(pageID); ok && !entry.Dirty && entry.VisibleFrom <= rtxn.inner.Snapshot {
		return entry.Data, nil
	}

	base := db.log.BaseOffset()
	if data, ok, err := walscan.LatestCommittedPage(db.log, base, rtxn.inner.Snapshot, pageID); err != nil {
		return pageio.Page{}, fmt.Errorf("engine: read page %d: %w", pageID, err)
	} else if ok {
		db.cache.Fill(pageID, data, rtxn.inner.Snapshot)
		return data, nil
	}

	data, err := db.pager.ReadPageRaw(pageID)
	if err != nil {
		return pageio.Page{}, err
	}
	db.cache.Fill(pageID, data, base)
	return data, nil
}

// Commit appends a page record for every page wtxn dirtied, in the order
// it first wrote them, followed by a commit record and a durable flush.
// After Commit returns, any reader whose snapshot is at or past the
// commit record's end offset observes these pages.
func (db *DB) Commit(wtxn *WriteTxn) error {
	if wtxn.inner.Ended() {
		return ErrAborted
	}
	dirty := db.cache.DirtyPagesFor(wtxn.inner.TxID)
	for _, e := range dirty {
		if _, err := db.log.AppendPage(wtxn.inner.TxID, e.PageID, e.Data); err != nil {
			return fmt.Errorf("engine: commit: %w", err)
		}
	}
	commitEnd, err := db.log.AppendCommit(wtxn.inner.TxID)
	if err != nil {
		return fmt.Errorf("engine: commit: %w", err)
	}
	db.cache.ClearDirtyFor(wtxn.inner.TxID, commitEnd)
	return wtxn.inner.Release()
}

// Abort discards wtxn's staged pages without writing to the log. Because
// its page records (if any were ever written, which they are not here)
// would never be paired with a commit marker, partial writes are always
// safe to ignore on recovery.
func (db *DB) Abort(wtxn *WriteTxn) error {
	if wtxn.inner.Ended() {
		return ErrAborted
	}
	db.cache.DiscardFor(wtxn.inner.TxID)
	return wtxn.inner.Release()
}

// Checkpoint migrates every committed page record older than the oldest
// live reader's snapshot (or, with no live readers, the current WAL end)
// from the WAL into the main data file, durably syncs the data file, and
// reclaims the now-redundant WAL prefix.
func (db *DB) Checkpoint() error {
	db.txns.CheckpointMu.Lock()
	defer db.txns.CheckpointMu.Unlock()
	return db.checkpointLocked()
}

func (db *DB) checkpointLocked() error {
	horizon, ok := db.txns.Horizon()
	if !ok {
		horizon = db.log.End()
	}
	base := db.log.BaseOffset()
	if horizon <= base {
		return nil
	}

	entries, err := walscan.CommittedPages(db.log, base, horizon)
	if err != nil {
		return fmt.Errorf("engine: checkpoint scan: %w", err)
	}
	for _, e := range entries {
		if err := db.pager.WritePageRaw(e.PageID, e.Data); err != nil {
			return fmt.Errorf("engine: checkpoint write-through: %w", err)
		}
	}
	if err := db.pager.SyncData(); err != nil {
		return fmt.Errorf("engine: checkpoint sync: %w", err)
	}
	if err := db.log.Compact(horizon); err != nil {
		return fmt.Errorf("engine: checkpoint compact: %w", err)
	}
	return nil
}
