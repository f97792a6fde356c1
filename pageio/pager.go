package pageio

import (
	"fmt"
	"io"
	"os"
)

// Pager owns the main data file: a dense array of pages indexed by page
// id. All reads and writes are positional (ReadAt/WriteAt), so callers on
// different goroutines never need to coordinate a shared file cursor.
//
// Open/read/write/sync failures here are, per the storage engine's
// contract, fatal: none of them can be partially retried without risking
// an inconsistent data file, so callers should treat any returned error
// as grounds to stop the engine.
type Pager struct {
	file File
	path string
}

// Open opens (creating if absent) the data file at path.
func Open(path string) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("pageio: open data file: %w", err)
	}
	return &Pager{file: f, path: path}, nil
}

// OpenFile wraps an already-open File (e.g. a MemFile in tests) as a Pager.
func OpenFile(f File, path string) *Pager {
	return &Pager{file: f, path: path}
}

// Close closes the underlying data file.
func (p *Pager) Close() error {
	return p.file.Close()
}

// ReadPageRaw reads page pageID from the data file. Reads past the current
// end of file (a "hole") return a zero-filled page rather than an error.
func (p *Pager) ReadPageRaw(pageID uint32) (Page, error) {
	var page Page
	n, err := p.file.ReadAt(page[:], Offset(pageID))
	if err != nil && err != io.EOF {
		return Page{}, fmt.Errorf("pageio: read page %d: %w", pageID, err)
	}
	// A short or zero read (including a fresh hole past EOF) leaves the
	// remainder of page zeroed, which is exactly the "read as zero" rule.
	_ = n
	return page, nil
}

// WritePageRaw writes page data at pageID's offset, extending the file if
// necessary. A short write is fatal: the engine has no way to retry it
// atomically.
func (p *Pager) WritePageRaw(pageID uint32, data Page) error {
	n, err := p.file.WriteAt(data[:], Offset(pageID))
	if err != nil {
		return fmt.Errorf("pageio: write page %d: %w", pageID, err)
	}
	if n != PageSize {
		return fmt.Errorf("pageio: short write on page %d: wrote %d of %d bytes", pageID, n, PageSize)
	}
	return nil
}

// SyncData durably flushes the data file.
func (p *Pager) SyncData() error {
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("pageio: sync data file: %w", err)
	}
	return nil
}
