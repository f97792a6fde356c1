// Package pagecache implements the in-memory page cache that sits in
// front of the data file: writers stage pages here before they are
// durable, and readers may consult it too, once they've checked the
// cached entry is actually visible at their own snapshot (see Entry's
// VisibleFrom field).
//
// Eviction follows an LRU policy among clean entries only: an entry
// whose Dirty flag is set is pinned until its owning transaction commits
// or aborts, per the storage engine's invariant that a dirty page must
// never be evicted out from under its writer.
package pagecache

import (
	"errors"
	"sync"

	"github.com/mhaldane/waldb/pageio"
)

// ErrCacheFull is returned when a new page must be staged but every
// cached entry is dirty (pinned), so nothing can be evicted to make room.
var ErrCacheFull = errors.New("pagecache: full, all entries pinned dirty")

// DefaultCapacity mirrors the reference engine's small fixed arena. The
// cache never holds more entries than its capacity: a clean entry is
// evicted to make room for a new one, and callers see ErrCacheFull only
// when every other entry is dirty — for example when one write
// transaction stages more distinct pages than the capacity.
const DefaultCapacity = 64

// Entry is one cached page, tagged with its owning transaction and dirty
// state.
//
// VisibleFrom is the WAL offset at or after which Data is known-durable
// and committed; it is meaningless while Dirty is set. A reader's
// snapshot must be >= VisibleFrom before it may trust Data — this is
// what keeps a single-valued cache entry safe to share across readers
// pinned to different snapshots: any write that supersedes Data first
// passes through Dirty, invalidating the entry for reads until the next
// commit re-establishes VisibleFrom.
type Entry struct {
	PageID      uint32
	OwnerTx     uint32
	Dirty       bool
	VisibleFrom int64
	Data        pageio.Page

	prev, next *Entry // LRU list links; guarded by Cache.mu
}

// Cache is a bounded, thread-safe page cache keyed by page id.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint32]*Entry
	head     *Entry // most recently used
	tail     *Entry // least recently used

	// txPages tracks, per owning write transaction, the page ids it has
	// dirtied, in first-write order — the order Commit appends page
	// records in.
	txPages map[uint32][]uint32
}

// New creates a cache with the given capacity (in pages). A
// non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[uint32]*Entry),
		txPages:  make(map[uint32][]uint32),
	}
}

// Lookup returns the cached entry for pageID, if any, and marks it most
// recently used. Lookup itself applies no snapshot filtering — callers
// serving a reader must check Dirty and VisibleFrom against the reader's
// snapshot themselves before trusting Data.
func (c *Cache) Lookup(pageID uint32) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pageID]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(e)
	return *e, true
}

// InsertOrGet returns the entry for pageID, creating a zero-initialized
// one owned by ownerTx if absent. It never evicts a dirty entry, and
// returns ErrCacheFull if capacity is exceeded and nothing clean remains
// to evict.
func (c *Cache) InsertOrGet(pageID, ownerTx uint32) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[pageID]; ok {
		c.moveToFront(e)
		cp := *e
		return &cp, nil
	}

	e := &Entry{PageID: pageID, OwnerTx: ownerTx}
	c.entries[pageID] = e
	c.pushFront(e)

	if len(c.entries) > c.capacity {
		if !c.evictClean() {
			delete(c.entries, pageID)
			c.removeNode(e)
			return nil, ErrCacheFull
		}
	}

	cp := *e
	return &cp, nil
}

// MarkDirty overwrites pageID's data, sets Dirty, and records ownerTx as
// the entry's owner. It creates the entry if absent (same ErrCacheFull
// behavior as InsertOrGet).
func (c *Cache) MarkDirty(pageID, ownerTx uint32, data pageio.Page) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[pageID]
	if !ok {
		e = &Entry{PageID: pageID}
		c.entries[pageID] = e
		c.pushFront(e)
		if len(c.entries) > c.capacity {
			if !c.evictClean() {
				delete(c.entries, pageID)
				c.removeNode(e)
				return ErrCacheFull
			}
		}
	} else {
		c.moveToFront(e)
	}

	wasDirtyForTx := e.Dirty && e.OwnerTx == ownerTx
	e.Data = data
	e.Dirty = true
	e.OwnerTx = ownerTx

	if !wasDirtyForTx {
		c.txPages[ownerTx] = append(c.txPages[ownerTx], pageID)
	}
	return nil
}

// Fill records data as the cached value for pageID after a read from the
// WAL or data file, tagged with visibleFrom (a WAL offset at or before
// which data is known to have been durably visible — callers should pass
// a safe lower bound, such as the reader snapshot that produced the read
// or the WAL's current base offset). It never overwrites an
// already-dirty entry: a pinned write in progress always takes
// precedence over a stale read-side fill. It is also monotonic: since
// the cache holds only one version per page, a fill with an older
// visibleFrom than what is already cached is dropped rather than
// clobbering a more recent commit's value with an older reader's
// resolved-but-stale one. If the cache is at capacity and nothing clean
// can be evicted, Fill is a silent no-op — caching is an optimization
// here, not a correctness requirement for reads.
func (c *Cache) Fill(pageID uint32, data pageio.Page, visibleFrom int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[pageID]; ok {
		c.moveToFront(e)
		if !e.Dirty && visibleFrom >= e.VisibleFrom {
			e.Data = data
			e.VisibleFrom = visibleFrom
		}
		return
	}

	e := &Entry{PageID: pageID, Data: data, VisibleFrom: visibleFrom}
	c.entries[pageID] = e
	c.pushFront(e)
	if len(c.entries) > c.capacity {
		if !c.evictClean() {
			delete(c.entries, pageID)
			c.removeNode(e)
		}
	}
}

// DirtyPagesFor returns, in first-write order, the (pageID, data) pairs
// this transaction has dirtied. Used by Commit to append WAL page
// records.
func (c *Cache) DirtyPagesFor(txID uint32) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.txPages[txID]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.entries[id]; ok && e.Dirty && e.OwnerTx == txID {
			out = append(out, *e)
		}
	}
	return out
}

// ClearDirtyFor resets the dirty flag on every entry owned by txID once
// its pages are durable in the WAL, stamping each with visibleFrom — the
// WAL offset of the commit record that made them visible, i.e. the
// earliest reader snapshot entitled to observe them. Called by Commit
// after the flush.
func (c *Cache) ClearDirtyFor(txID uint32, visibleFrom int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.txPages[txID] {
		if e, ok := c.entries[id]; ok && e.OwnerTx == txID {
			e.Dirty = false
			e.VisibleFrom = visibleFrom
		}
	}
	delete(c.txPages, txID)
}

// DiscardFor removes every entry owned by txID from the cache. Called by
// Abort: the transaction's writes are simply forgotten.
func (c *Cache) DiscardFor(txID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.txPages[txID] {
		if e, ok := c.entries[id]; ok && e.OwnerTx == txID {
			delete(c.entries, id)
			c.removeNode(e)
		}
	}
	delete(c.txPages, txID)
}

// ---------- LRU list bookkeeping (unexported, mu already held) ----------

func (c *Cache) pushFront(e *Entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) removeNode(e *Entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.head == e {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.tail == e {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache) moveToFront(e *Entry) {
	if c.head == e {
		return
	}
	c.removeNode(e)
	c.pushFront(e)
}

// evictClean walks from the LRU end looking for a clean entry to evict,
// stopping short of the head: every caller has just pushed the entry it
// is inserting there, and that entry must not evict itself. Returns false
// if every other entry is dirty (pinned).
func (c *Cache) evictClean() bool {
	for e := c.tail; e != nil && e != c.head; e = e.prev {
		if !e.Dirty {
			delete(c.entries, e.PageID)
			c.removeNode(e)
			return true
		}
	}
	return false
}
