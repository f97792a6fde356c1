package walscan

import (
	"encoding/binary"
	"testing"

	"github.com/mhaldane/waldb/pageio"
	"github.com/mhaldane/waldb/wal"
)

func newTestWAL(t *testing.T) *wal.Writer {
	t.Helper()
	w, err := wal.OpenFile(pageio.NewMemFile(), ":memory:-wal")
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	return w
}

func page(b byte) pageio.Page {
	var p pageio.Page
	for i := range p {
		p[i] = b
	}
	return p
}

func TestLatestCommittedPagePrefersNewestCommittedWrite(t *testing.T) {
	w := newTestWAL(t)

	if _, err := w.AppendPage(1, 0, page(0x11)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AppendCommit(1); err != nil {
		t.Fatal(err)
	}
	snapshotAfterFirst := w.End()

	if _, err := w.AppendPage(2, 0, page(0x22)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AppendCommit(2); err != nil {
		t.Fatal(err)
	}
	snapshotAfterSecond := w.End()

	got, ok, err := LatestCommittedPage(w, 0, snapshotAfterFirst, 0)
	if err != nil || !ok {
		t.Fatalf("expected a hit at first snapshot: ok=%v err=%v", ok, err)
	}
	if got != page(0x11) {
		t.Fatalf("expected first committed value visible at first snapshot")
	}

	got, ok, err = LatestCommittedPage(w, 0, snapshotAfterSecond, 0)
	if err != nil || !ok {
		t.Fatalf("expected a hit at second snapshot: ok=%v err=%v", ok, err)
	}
	if got != page(0x22) {
		t.Fatalf("expected latest committed value visible at second snapshot")
	}
}

func TestUncommittedWriteNeverVisible(t *testing.T) {
	w := newTestWAL(t)
	if _, err := w.AppendPage(1, 0, page(0xAA)); err != nil {
		t.Fatal(err)
	}
	// No commit record written.
	snapshot := w.End()

	_, ok, err := LatestCommittedPage(w, 0, snapshot, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("uncommitted write must not be visible")
	}
}

func TestCommitWithBadMagicStaysUncommitted(t *testing.T) {
	w := newTestWAL(t)
	if _, err := w.AppendPage(1, 0, page(0x33)); err != nil {
		t.Fatal(err)
	}
	// Splice in a commit record for tx 1 carrying the wrong magic.
	// WriteAt does not advance End, so the record's end is computed here.
	bad := make([]byte, wal.CommitRecordSize)
	binary.LittleEndian.PutUint32(bad[0:4], uint32(wal.RecordTypeCommit))
	binary.LittleEndian.PutUint32(bad[4:8], 1)
	binary.LittleEndian.PutUint32(bad[8:12], wal.CommitMagic^1)
	badEnd := w.End() + wal.CommitRecordSize
	if _, err := w.WriteAt(w.End(), bad); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := LatestCommittedPage(w, 0, badEnd, 0); err != nil || ok {
		t.Fatalf("commit record with bad magic must leave its tx uncommitted: ok=%v err=%v", ok, err)
	}

	// A valid commit record appended at the same offset (End never moved)
	// replaces the bad one and makes the write visible.
	if _, err := w.AppendCommit(1); err != nil {
		t.Fatal(err)
	}
	snapshot := w.End()
	got, ok, err := LatestCommittedPage(w, 0, snapshot, 0)
	if err != nil || !ok || got != page(0x33) {
		t.Fatalf("expected valid commit to make write visible: ok=%v err=%v", ok, err)
	}
}

func TestCommittedPagesScansInLogOrder(t *testing.T) {
	w := newTestWAL(t)
	if _, err := w.AppendPage(1, 0, page(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AppendPage(1, 1, page(2)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AppendCommit(1); err != nil {
		t.Fatal(err)
	}
	entries, err := CommittedPages(w, 0, Unbounded)
	if err != nil {
		t.Fatalf("committed pages: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 committed entries, got %d", len(entries))
	}
	if entries[0].PageID != 0 || entries[1].PageID != 1 {
		t.Fatalf("expected log order page ids [0,1], got [%d,%d]", entries[0].PageID, entries[1].PageID)
	}
}

func TestTornTailStopsCleanly(t *testing.T) {
	w := newTestWAL(t)
	if _, err := w.AppendPage(1, 0, page(0x01)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AppendCommit(1); err != nil {
		t.Fatal(err)
	}
	goodEnd := w.End()

	// Simulate a torn tail: a few stray bytes appended after the last
	// full record, as scenario S5 describes.
	if _, err := w.WriteAt(goodEnd, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	entries, err := CommittedPages(w, 0, Unbounded)
	if err != nil {
		t.Fatalf("committed pages: %v", err)
	}
	if len(entries) != 1 || entries[0].Data != page(0x01) {
		t.Fatalf("torn tail bytes should not produce a spurious record")
	}
}

func TestVisibilityScanExcludesRecordsAtOrAfterSnapshot(t *testing.T) {
	w := newTestWAL(t)
	if _, err := w.AppendPage(1, 0, page(0x11)); err != nil {
		t.Fatal(err)
	}
	snapshotBeforeCommit := w.End()
	if _, err := w.AppendCommit(1); err != nil {
		t.Fatal(err)
	}

	_, ok, err := LatestCommittedPage(w, 0, snapshotBeforeCommit, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("commit record ending after snapshot must not be visible")
	}
}
