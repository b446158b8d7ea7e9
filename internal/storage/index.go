// =============================================================================
// OFFSET INDEX - SPARSE OFFSET → POSITION MAP
// =============================================================================
//
// Each segment carries a sparse index so a read at offset X does not scan the
// whole segment file. One entry is written roughly every IndexGranularity
// bytes of log data; a lookup binary-searches for the largest indexed offset
// <= X and the segment scans forward from there (at most ~4KB).
//
// ENTRY FORMAT (16 bytes, big-endian):
// ┌────────────────────────────────────────┐
// │ Offset (8 bytes) │ Position (8 bytes) │
// └────────────────────────────────────────┘
//
// The index is only an accelerator. If it is missing or inconsistent it is
// rebuilt from the log file during segment recovery.
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

const (
	IndexEntrySize   = 16
	IndexGranularity = 4 * 1024
)

var (
	ErrOffsetNotFound = errors.New("offset not found")
	ErrIndexCorrupted = errors.New("index file corrupted")
)

// IndexEntry maps a record offset to its byte position in the segment file.
type IndexEntry struct {
	Offset   int64
	Position int64
}

// OffsetIndex is the in-memory copy of a segment's .index file. All entries
// are kept in memory; a 100MB segment yields ~25k entries (400KB).
type OffsetIndex struct {
	mu           sync.RWMutex
	file         *os.File
	entries      []IndexEntry
	lastPosition int64
}

// createIndex creates (or truncates) an index file.
func createIndex(path string) (*OffsetIndex, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create index file: %w", err)
	}
	return &OffsetIndex{
		file:    file,
		entries: make([]IndexEntry, 0, 256),
	}, nil
}

// loadIndex reads an existing index file. Entries must be strictly ascending
// by offset and position, otherwise ErrIndexCorrupted is returned and the
// caller rebuilds.
func loadIndex(path string) (*OffsetIndex, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat index file: %w", err)
	}
	if stat.Size()%IndexEntrySize != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: size %d is not a multiple of %d", ErrIndexCorrupted, stat.Size(), IndexEntrySize)
	}

	data := make([]byte, stat.Size())
	if _, err := io.ReadFull(io.NewSectionReader(file, 0, stat.Size()), data); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}

	n := len(data) / IndexEntrySize
	entries := make([]IndexEntry, 0, n)
	for i := 0; i < n; i++ {
		b := data[i*IndexEntrySize : (i+1)*IndexEntrySize]
		e := IndexEntry{
			Offset:   int64(binary.BigEndian.Uint64(b[0:8])),
			Position: int64(binary.BigEndian.Uint64(b[8:16])),
		}
		if i > 0 {
			prev := entries[i-1]
			if e.Offset <= prev.Offset || e.Position <= prev.Position {
				file.Close()
				return nil, fmt.Errorf("%w: entry %d out of order", ErrIndexCorrupted, i)
			}
		}
		entries = append(entries, e)
	}

	idx := &OffsetIndex{file: file, entries: entries}
	if n > 0 {
		idx.lastPosition = entries[n-1].Position
	}
	return idx, nil
}

// MaybeAppend records (offset, position) if the first entry is missing or at
// least IndexGranularity bytes were written since the last entry.
func (idx *OffsetIndex) MaybeAppend(offset, position int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.entries) > 0 && position-idx.lastPosition < IndexGranularity {
		return nil
	}
	return idx.appendLocked(IndexEntry{Offset: offset, Position: position})
}

func (idx *OffsetIndex) appendLocked(e IndexEntry) error {
	var buf [IndexEntrySize]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Offset))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.Position))
	if _, err := idx.file.Write(buf[:]); err != nil {
		return fmt.Errorf("failed to write index entry: %w", err)
	}
	idx.entries = append(idx.entries, e)
	idx.lastPosition = e.Position
	return nil
}

// Lookup returns the entry with the largest offset <= target. Targets before
// the first entry resolve to the first entry.
func (idx *OffsetIndex) Lookup(target int64) (IndexEntry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.entries) == 0 {
		return IndexEntry{}, ErrOffsetNotFound
	}
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Offset > target
	})
	if i == 0 {
		return idx.entries[0], nil
	}
	return idx.entries[i-1], nil
}

// TruncateTo drops every entry pointing at or beyond position. Used when
// recovery cuts a torn tail off the segment file.
func (idx *OffsetIndex) TruncateTo(position int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cut := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Position >= position
	})
	if cut == len(idx.entries) {
		return nil
	}
	idx.entries = idx.entries[:cut]
	idx.lastPosition = 0
	if cut > 0 {
		idx.lastPosition = idx.entries[cut-1].Position
	}
	if err := idx.file.Truncate(int64(cut * IndexEntrySize)); err != nil {
		return fmt.Errorf("failed to truncate index: %w", err)
	}
	return nil
}

// EntryCount returns the number of index entries.
func (idx *OffsetIndex) EntryCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func (idx *OffsetIndex) Sync() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.file.Sync()
}

func (idx *OffsetIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.file.Sync(); err != nil {
		idx.file.Close()
		return fmt.Errorf("failed to sync index: %w", err)
	}
	return idx.file.Close()
}
