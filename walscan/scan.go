// Package walscan implements the three read-side scans over the WAL that
// the storage engine needs: the forward recovery scan, the snapshot
// visibility scan used by MVCC reads, and the checkpoint scan.
//
// All three share one forward pass that builds an in-memory index of
// (offset, tx_id, page_id, data) for page records plus the set of
// committed tx_ids, rather than walking the log backward assuming a
// uniform record stride — a fixed-stride reverse walk breaks the moment
// a smaller commit record appears between two page records.
package walscan

import (
	"encoding/binary"
	"math"

	"github.com/mhaldane/waldb/pageio"
	"github.com/mhaldane/waldb/wal"
)

// LogReader is the read side of the WAL writer: ReadAt(off, p) reads at a
// logical log offset, translating internally to the physical file
// position. *wal.Writer implements this.
type LogReader interface {
	ReadAt(off int64, p []byte) (int, error)
}

// PageEntry is one page record discovered by a scan.
type PageEntry struct {
	TxID   uint32
	PageID uint32
	Data   pageio.Page
	End    int64 // log offset immediately after this record
}

// Unbounded is used as the "to" bound for a scan that should read as far
// as the log physically extends rather than stop at a fixed snapshot.
const Unbounded = int64(math.MaxInt64)

// index is the result of one forward pass over [from, to).
type index struct {
	pages     []PageEntry
	committed map[uint32]bool
}

// buildIndex scans the log in [from, to), stopping cleanly (without
// error) the moment it hits a record that would cross `to`, a short read
// (torn tail), or an unrecognized record type (corruption). Both are the
// same "truncate the interpretation at the last good offset" policy from
// the engine's error handling contract.
func buildIndex(r LogReader, from, to int64) (index, error) {
	idx := index{committed: make(map[uint32]bool)}

	typeBuf := make([]byte, 4)
	offset := from
	for {
		n, err := r.ReadAt(offset, typeBuf)
		if err != nil || n < len(typeBuf) {
			break // torn tail or clean EOF: stop here
		}
		recType := binary.LittleEndian.Uint32(typeBuf)

		var recSize int64
		switch byte(recType) {
		case wal.RecordTypePage:
			recSize = wal.PageRecordSize
		case wal.RecordTypeCommit:
			recSize = wal.CommitRecordSize
		default:
			// Unrecognized type: garbage tail, stop without error.
			return idx, nil
		}

		if offset+recSize > to {
			break
		}

		buf := make([]byte, recSize)
		n, err = r.ReadAt(offset, buf)
		if err != nil || int64(n) < recSize {
			break // record header present but body torn
		}

		switch byte(recType) {
		case wal.RecordTypePage:
			txID := binary.LittleEndian.Uint32(buf[4:8])
			pageID := binary.LittleEndian.Uint32(buf[8:12])
			var data pageio.Page
			copy(data[:], buf[12:12+pageio.PageSize])
			idx.pages = append(idx.pages, PageEntry{
				TxID: txID, PageID: pageID, Data: data, End: offset + recSize,
			})
		case wal.RecordTypeCommit:
			txID := binary.LittleEndian.Uint32(buf[4:8])
			magic := binary.LittleEndian.Uint32(buf[8:12])
			if magic == wal.CommitMagic {
				idx.committed[txID] = true
			}
			// Wrong magic: record consumes log space but its tx stays
			// uncommitted; scanning continues normally.
		}

		offset += recSize
	}

	return idx, nil
}

// CommittedPages returns, in log order, every page record in [from, to)
// whose owning transaction has a commit record (with valid magic) also
// ending at or before `to`. This is the shared core of the recovery scan
// (from=0, to=Unbounded) and the checkpoint scan (from=wal base offset,
// to=horizon).
func CommittedPages(r LogReader, from, to int64) ([]PageEntry, error) {
	idx, err := buildIndex(r, from, to)
	if err != nil {
		return nil, err
	}
	out := idx.pages[:0:0]
	for _, e := range idx.pages {
		if idx.committed[e.TxID] {
			out = append(out, e)
		}
	}
	return out, nil
}

// LatestCommittedPage answers the MVCC visibility query: as of snapshot,
// what is the committed value of pageID? It scans [from, snapshot) forward
// to build the committed-tx set and the page-record index, then picks the
// entry for pageID with the greatest End offset among committed writes
// (latest writer wins; commit order in the log defines visibility order).
// The boolean result is false if no qualifying record exists, in which
// case the caller should fall back to the main data file.
func LatestCommittedPage(r LogReader, from, snapshot int64, pageID uint32) (pageio.Page, bool, error) {
	idx, err := buildIndex(r, from, snapshot)
	if err != nil {
		return pageio.Page{}, false, err
	}
	var best *PageEntry
	for i := range idx.pages {
		e := &idx.pages[i]
		if e.PageID != pageID || !idx.committed[e.TxID] {
			continue
		}
		if best == nil || e.End > best.End {
			best = e
		}
	}
	if best == nil {
		return pageio.Page{}, false, nil
	}
	return best.Data, true, nil
}
