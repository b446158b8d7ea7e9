// =============================================================================
// SEGMENT FILE - ONE CHUNK OF THE JOURNAL
// =============================================================================
//
// The journal is split into segment files so retention can drop whole files
// instead of rewriting one huge file. Each segment covers a contiguous range
// of offsets [baseOffset, nextOffset) and is named after its base offset:
//
//	00000000000000000000.log    records 0..N-1
//	00000000000000000000.index  sparse offset index for the file above
//	00000000000000012345.log    records 12345..
//
// The 20-digit zero padding keeps lexicographic order equal to numeric order.
//
// SEGMENT LIFECYCLE:
//
//	┌──────────┐ size/age limit ┌──────────┐  retention   ┌──────────┐
//	│  ACTIVE  │ ─────────────► │  ROLLED  │ ───────────► │ DELETED  │
//	│ appends  │                │ readonly │              │          │
//	└──────────┘                └──────────┘              └──────────┘
//
// Only the Log decides when to roll or delete; a segment just appends, reads
// and reports its own metadata.
//
// =============================================================================

package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const readBufferSize = 64 * 1024

var ErrSegmentClosed = errors.New("segment is closed")

// SegmentFileName returns the log file name for a base offset.
func SegmentFileName(baseOffset int64) string {
	return fmt.Sprintf("%020d.log", baseOffset)
}

// IndexFileName returns the index file name for a base offset.
func IndexFileName(baseOffset int64) string {
	return fmt.Sprintf("%020d.index", baseOffset)
}

// Segment is a single .log/.index pair.
type Segment struct {
	mu sync.RWMutex

	dir        string
	baseOffset int64
	nextOffset int64
	size       int64

	// created drives age-based rolling, lastModified drives age-based
	// retention.
	created      time.Time
	lastModified time.Time

	file   *os.File
	writer *bufio.Writer
	index  *OffsetIndex

	closed bool
}

func createSegment(dir string, baseOffset int64, now time.Time) (*Segment, error) {
	logPath := filepath.Join(dir, SegmentFileName(baseOffset))
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}

	index, err := createIndex(filepath.Join(dir, IndexFileName(baseOffset)))
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Segment{
		dir:          dir,
		baseOffset:   baseOffset,
		nextOffset:   baseOffset,
		created:      now,
		lastModified: now,
		file:         file,
		writer:       bufio.NewWriter(file),
		index:        index,
	}, nil
}

// openSegment loads an existing segment. When verify is false the index is
// trusted and only the tail after the last index entry is scanned; otherwise
// every record is checked and the index is rebuilt. Either way the file is
// truncated after the last intact record.
func openSegment(dir string, baseOffset int64, verify bool, now time.Time, logger *slog.Logger) (*Segment, error) {
	logPath := filepath.Join(dir, SegmentFileName(baseOffset))
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	s := &Segment{
		dir:          dir,
		baseOffset:   baseOffset,
		nextOffset:   baseOffset,
		created:      now,
		lastModified: stat.ModTime(),
		file:         file,
		writer:       bufio.NewWriter(file),
	}

	indexPath := filepath.Join(dir, IndexFileName(baseOffset))
	if !verify {
		index, err := loadIndex(indexPath)
		if err == nil && (index.EntryCount() > 0 || stat.Size() == 0) {
			s.index = index
		} else {
			if err == nil {
				index.Close()
			}
			verify = true
		}
	}
	if verify {
		if s.index, err = createIndex(indexPath); err != nil {
			file.Close()
			return nil, err
		}
	}

	if err := s.recover(stat.Size(), verify, logger); err != nil {
		s.index.Close()
		file.Close()
		return nil, err
	}
	return s, nil
}

// recover scans the segment to find nextOffset and the last intact byte.
// When rebuild is set the index is repopulated during the scan.
func (s *Segment) recover(fileSize int64, rebuild bool, logger *slog.Logger) error {
	var start int64
	if !rebuild {
		if e, err := s.index.Lookup(math.MaxInt64); err == nil {
			start = e.Position
		}
	}

	reader := bufio.NewReaderSize(io.NewSectionReader(s.file, start, fileSize-start), readBufferSize)
	position := start
	for {
		rec, n, err := readRecord(reader, fileSize-position)
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn("truncating segment after invalid record",
				"segment", s.baseOffset,
				"position", position,
				"error", err,
			)
			break
		}
		if rebuild {
			if err := s.index.MaybeAppend(rec.Offset, position); err != nil {
				return err
			}
		}
		position += int64(n)
		s.nextOffset = rec.Offset + 1
	}

	if position < fileSize {
		if err := s.file.Truncate(position); err != nil {
			return fmt.Errorf("failed to truncate segment %d: %w", s.baseOffset, err)
		}
		if err := s.index.TruncateTo(position); err != nil {
			return err
		}
	}
	s.size = position
	return nil
}

// append assigns consecutive offsets to records and writes them. The bufio
// writer is flushed to the OS so separate read handles see the data; fsync is
// left to flush().
func (s *Segment) append(records []*Record, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}

	for _, rec := range records {
		rec.Offset = s.nextOffset
		data, err := rec.Encode()
		if err != nil {
			return err
		}
		if err := s.index.MaybeAppend(rec.Offset, s.size); err != nil {
			return err
		}
		if _, err := s.writer.Write(data); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		s.size += int64(len(data))
		s.nextOffset++
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment writer: %w", err)
	}
	s.lastModified = now
	return nil
}

// flush forces written data and index entries to disk.
func (s *Segment) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment: %w", err)
	}
	return s.index.Sync()
}

// read returns records with offset in [offset, maxOffset), stopping once
// maxBytes would be exceeded. With allowOversize the first record is returned
// regardless of maxBytes so an entry larger than the fetch size cannot wedge
// a reader. Records failing their checksum are skipped.
func (s *Segment) read(offset int64, maxBytes int, maxOffset int64, allowOversize bool, logger *slog.Logger) ([]*Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, ErrSegmentClosed
	}
	if offset >= s.nextOffset || offset >= maxOffset {
		return nil, 0, nil
	}
	if offset < s.baseOffset {
		offset = s.baseOffset
	}

	var start int64
	if e, err := s.index.Lookup(offset); err == nil {
		start = e.Position
	}

	// The append handle is O_APPEND; reads go through a separate section
	// reader bounded by the current size.
	reader := bufio.NewReaderSize(io.NewSectionReader(s.file, start, s.size-start), readBufferSize)

	var (
		records  []*Record
		bytes    int
		consumed int64
	)
	for {
		rec, n, err := readRecord(reader, s.size-start-consumed)
		consumed += int64(n)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrCorruptRecord) {
			logger.Warn("skipping corrupt record", "segment", s.baseOffset, "error", err)
			continue
		}
		if err != nil {
			logger.Warn("stopping segment read at invalid data", "segment", s.baseOffset, "error", err)
			break
		}
		if rec.Offset < offset {
			continue
		}
		if rec.Offset >= maxOffset {
			break
		}
		if bytes+n > maxBytes && (len(records) > 0 || !allowOversize) {
			break
		}
		records = append(records, rec)
		bytes += n
	}
	return records, bytes, nil
}

func (s *Segment) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := s.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close file: %w", err))
	}
	if err := s.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close index: %w", err))
	}
	return errors.Join(errs...)
}

// delete closes the segment and removes both files.
func (s *Segment) delete() error {
	if err := s.close(); err != nil {
		return err
	}
	for _, name := range []string{SegmentFileName(s.baseOffset), IndexFileName(s.baseOffset)} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", name, err)
		}
	}
	return nil
}

// =============================================================================
// SEGMENT METADATA
// =============================================================================

func (s *Segment) BaseOffset() int64 {
	return s.baseOffset
}

// NextOffset is one past the last record in the segment.
func (s *Segment) NextOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOffset
}

func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Segment) Created() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.created
}

func (s *Segment) LastModified() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastModified
}

func (s *Segment) MessageCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOffset - s.baseOffset
}
