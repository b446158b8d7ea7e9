// =============================================================================
// SEGMENTED LOG - THE JOURNAL'S SEGMENT STORE
// =============================================================================
//
// A Log is an ordered set of segments in one directory. Exactly one segment,
// the last, is active and receives appends. Offsets are dense across the whole
// log: segment N+1 starts where segment N ended (unless recovery truncated a
// torn tail, which leaves a gap readers step over).
//
//	┌───────────────┐ ┌───────────────┐ ┌───────────────┐
//	│  Segment 0    │ │  Segment 1    │ │  Segment 2    │ ← active
//	│ offsets 0-999 │ │ 1000-1999     │ │ 2000-...      │
//	└───────────────┘ └───────────────┘ └───────────────┘
//	  logStartOffset                         logEndOffset
//
// DURABILITY:
//   - Appends are written to the OS page cache immediately.
//   - fsync happens after FlushInterval appended messages, on every roll, when
//     the dirty flusher finds data older than FlushAge, and on Close.
//   - The recovery point (every offset below it is fsynced) is checkpointed so
//     a restart only re-verifies segments that may contain unflushed data.
//
// THREAD SAFETY:
//   - Append, Roll, Flush and DeleteOldSegments take the write lock.
//   - Read and metadata getters take the read lock.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RecoveryPointFileName holds the decimal recovery point offset.
const RecoveryPointFileName = "recovery-point-offset-checkpoint"

var (
	ErrLogClosed         = errors.New("log is closed")
	ErrOffsetOutOfRange  = errors.New("offset is before the log start")
	ErrInvalidLogConfig  = errors.New("invalid log configuration")
	errEmptyAppendRecord = errors.New("no records to append")
)

// LogConfig controls segment rolling and flushing.
type LogConfig struct {
	// SegmentSize is the soft maximum size of a segment in bytes.
	SegmentSize int64

	// SegmentAge forces a roll once the active segment is older than this.
	SegmentAge time.Duration

	// FlushInterval forces an fsync after this many appended messages.
	FlushInterval int64

	// FlushAge is the longest unflushed data may sit before the dirty
	// flusher syncs it.
	FlushAge time.Duration

	// Now is the clock used for segment timestamps. Defaults to time.Now.
	Now func() time.Time
}

// DefaultLogConfig mirrors the server defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		SegmentSize:   100 * 1024 * 1024,
		SegmentAge:    time.Hour,
		FlushInterval: 1000000,
		FlushAge:      time.Minute,
	}
}

// Log is the segment store backing a journal.
type Log struct {
	dir    string
	config LogConfig
	logger *slog.Logger
	lock   *dirLock

	mu        sync.RWMutex
	segments  []*Segment
	unflushed int64
	lastFlush time.Time

	// recoveryPoint is the first offset not yet known to be fsynced.
	recoveryPoint int64

	closed bool
}

// OpenLog opens (or creates) the log in dir. The directory is locked for the
// lifetime of the Log; failing to create or lock it is a fatal startup error.
func OpenLog(dir string, config LogConfig) (*Log, error) {
	if config.SegmentSize <= int64(HeaderSize) || config.SegmentSize > MaxSegmentSize {
		return nil, fmt.Errorf("%w: segment size %d", ErrInvalidLogConfig, config.SegmentSize)
	}
	if config.FlushInterval <= 0 {
		return nil, fmt.Errorf("%w: flush interval %d", ErrInvalidLogConfig, config.FlushInterval)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	lock, err := lockDirectory(dir)
	if err != nil {
		return nil, err
	}

	l := &Log{
		dir:       dir,
		config:    config,
		logger:    slog.Default().With("component", "segment-store", "dir", dir),
		lock:      lock,
		lastFlush: config.Now(),
	}
	if err := l.loadSegments(); err != nil {
		lock.release()
		return nil, err
	}
	return l, nil
}

func (l *Log) loadSegments() error {
	recoveryPoint, err := readRecoveryPoint(l.dir)
	if err != nil {
		l.logger.Warn("ignoring unreadable recovery point checkpoint", "error", err)
		recoveryPoint = 0
	}

	baseOffsets, err := ListSegmentFiles(l.dir)
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}

	now := l.config.Now()
	if len(baseOffsets) == 0 {
		seg, err := createSegment(l.dir, 0, now)
		if err != nil {
			return err
		}
		l.segments = []*Segment{seg}
		l.recoveryPoint = 0
		return nil
	}

	for i, base := range baseOffsets {
		// A segment may hold unflushed data if the next one starts past the
		// recovery point. The last segment is always verified.
		verify := i == len(baseOffsets)-1 || baseOffsets[i+1] > recoveryPoint
		seg, err := openSegment(l.dir, base, verify, now, l.logger)
		if err != nil {
			for _, s := range l.segments {
				s.close()
			}
			return fmt.Errorf("failed to load segment %d: %w", base, err)
		}
		l.segments = append(l.segments, seg)
	}

	end := l.activeSegment().NextOffset()
	l.recoveryPoint = min(recoveryPoint, end)
	l.logger.Info("loaded journal segments",
		"segments", len(l.segments),
		"log_start_offset", l.segments[0].BaseOffset(),
		"log_end_offset", end,
		"recovery_point", l.recoveryPoint,
	)
	return nil
}

func (l *Log) activeSegment() *Segment {
	return l.segments[len(l.segments)-1]
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// Append writes records as one batch and returns the offset of the last one.
// The active segment is rolled first if the batch would push it past
// SegmentSize or it is older than SegmentAge.
func (l *Log) Append(records []*Record) (int64, error) {
	if len(records) == 0 {
		return -1, errEmptyAppendRecord
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return -1, ErrLogClosed
	}

	var batchSize int64
	for _, r := range records {
		batchSize += int64(r.Size())
	}

	now := l.config.Now()
	if l.shouldRoll(batchSize, now) {
		if err := l.rollLocked(now); err != nil {
			return -1, err
		}
	}

	if err := l.activeSegment().append(records, now); err != nil {
		return -1, fmt.Errorf("failed to append to segment %d: %w", l.activeSegment().BaseOffset(), err)
	}

	l.unflushed += int64(len(records))
	if l.unflushed >= l.config.FlushInterval {
		if err := l.flushLocked(now); err != nil {
			return -1, err
		}
	}
	return records[len(records)-1].Offset, nil
}

func (l *Log) shouldRoll(batchSize int64, now time.Time) bool {
	active := l.activeSegment()
	size := active.Size()
	if size == 0 {
		return false
	}
	if size+batchSize > l.config.SegmentSize {
		return true
	}
	return l.config.SegmentAge > 0 && now.Sub(active.Created()) > l.config.SegmentAge
}

// Roll closes the active segment for appends and starts a new one at the log
// end offset. Rolling an empty active segment is a no-op.
func (l *Log) Roll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	return l.rollLocked(l.config.Now())
}

func (l *Log) rollLocked(now time.Time) error {
	active := l.activeSegment()
	if active.Size() == 0 {
		return nil
	}
	if err := l.flushLocked(now); err != nil {
		return err
	}

	seg, err := createSegment(l.dir, active.NextOffset(), now)
	if err != nil {
		return fmt.Errorf("failed to roll segment: %w", err)
	}
	l.segments = append(l.segments, seg)
	l.logger.Info("rolled new journal segment",
		"base_offset", seg.BaseOffset(),
		"previous_size", active.Size(),
	)
	return nil
}

// Flush fsyncs the active segment and advances the recovery point.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	return l.flushLocked(l.config.Now())
}

// FlushDirty flushes only if there are unflushed messages and the last flush
// is at least FlushAge old. It reports whether a flush happened.
func (l *Log) FlushDirty() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, ErrLogClosed
	}
	now := l.config.Now()
	if l.unflushed == 0 || now.Sub(l.lastFlush) < l.config.FlushAge {
		return false, nil
	}
	return true, l.flushLocked(now)
}

func (l *Log) flushLocked(now time.Time) error {
	if err := l.activeSegment().flush(); err != nil {
		return err
	}
	l.unflushed = 0
	l.lastFlush = now
	l.recoveryPoint = l.activeSegment().NextOffset()
	return nil
}

// CheckpointRecoveryPoint persists the recovery point.
func (l *Log) CheckpointRecoveryPoint() error {
	l.mu.RLock()
	point := l.recoveryPoint
	closed := l.closed
	l.mu.RUnlock()

	if closed {
		return ErrLogClosed
	}
	return writeRecoveryPoint(l.dir, point)
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// Read returns records with offsets in [offset, maxOffset) totalling at most
// maxBytes (but at least one record when one exists). It may span segments.
// Reading below the log start returns ErrOffsetOutOfRange; reading at or past
// the log end returns no records.
func (l *Log) Read(offset int64, maxBytes int, maxOffset int64) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLogClosed
	}
	if offset < l.segments[0].BaseOffset() {
		return nil, fmt.Errorf("%w: offset %d, log start %d", ErrOffsetOutOfRange, offset, l.segments[0].BaseOffset())
	}

	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].BaseOffset() > offset
	}) - 1

	var records []*Record
	remaining := maxBytes
	for ; i < len(l.segments) && remaining > 0; i++ {
		seg := l.segments[i]
		if seg.BaseOffset() >= maxOffset {
			break
		}
		batch, n, err := seg.read(offset, remaining, maxOffset, len(records) == 0, l.logger)
		if err != nil {
			return records, fmt.Errorf("failed to read segment %d: %w", seg.BaseOffset(), err)
		}
		records = append(records, batch...)
		remaining -= n
		if len(batch) > 0 {
			offset = batch[len(batch)-1].Offset + 1
		}
		if offset >= maxOffset {
			break
		}
	}
	return records, nil
}

// =============================================================================
// RETENTION
// =============================================================================

// DeleteOldSegments deletes the longest run of oldest segments matching
// predicate and returns how many were removed. If every segment matches, a
// new empty active segment is rolled first so the log never becomes empty.
func (l *Log) DeleteOldSegments(predicate func(*Segment) bool) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	n := 0
	for n < len(l.segments) && predicate(l.segments[n]) {
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if n == len(l.segments) {
		if l.activeSegment().Size() == 0 {
			n--
		} else if err := l.rollLocked(l.config.Now()); err != nil {
			return 0, err
		}
	}

	doomed := l.segments[:n]
	l.segments = append([]*Segment(nil), l.segments[n:]...)

	var errs []error
	for _, seg := range doomed {
		l.logger.Info("deleting journal segment",
			"base_offset", seg.BaseOffset(),
			"next_offset", seg.NextOffset(),
			"size", seg.Size(),
		)
		if err := seg.delete(); err != nil {
			errs = append(errs, fmt.Errorf("segment %d: %w", seg.BaseOffset(), err))
		}
	}
	return len(doomed), errors.Join(errs...)
}

// =============================================================================
// LOG METADATA
// =============================================================================

// LogStartOffset is the base offset of the oldest segment.
func (l *Log) LogStartOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.segments[0].BaseOffset()
}

// LogEndOffset is the offset the next appended record will get.
func (l *Log) LogEndOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSegment().NextOffset()
}

// Size is the total size of all segment files in bytes.
func (l *Log) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, s := range l.segments {
		total += s.Size()
	}
	return total
}

func (l *Log) NumberOfSegments() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

// Segments returns a snapshot of the segment list, oldest first.
func (l *Log) Segments() []*Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Segment(nil), l.segments...)
}

func (l *Log) UnflushedMessages() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unflushed
}

func (l *Log) RecoveryPoint() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.recoveryPoint
}

func (l *Log) LastFlushTime() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastFlush
}

func (l *Log) Dir() string {
	return l.dir
}

// Close flushes, checkpoints the recovery point, closes every segment and
// releases the directory lock.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	var errs []error
	if err := l.flushLocked(l.config.Now()); err != nil {
		errs = append(errs, err)
	} else if err := writeRecoveryPoint(l.dir, l.recoveryPoint); err != nil {
		errs = append(errs, err)
	}
	for _, s := range l.segments {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("segment %d: %w", s.BaseOffset(), err))
		}
	}
	l.closed = true
	if err := l.lock.release(); err != nil {
		errs = append(errs, fmt.Errorf("release lock: %w", err))
	}
	return errors.Join(errs...)
}

// =============================================================================
// UTILITY FUNCTIONS
// =============================================================================

// ListSegmentFiles returns the base offsets of all segment files in dir,
// ascending.
func ListSegmentFiles(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var offsets []int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		offset, err := strconv.ParseInt(strings.TrimSuffix(entry.Name(), ".log"), 10, 64)
		if err != nil {
			continue
		}
		offsets = append(offsets, offset)
	}

	sort.Slice(offsets, func(i, j int) bool {
		return offsets[i] < offsets[j]
	})
	return offsets, nil
}

func readRecoveryPoint(dir string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(dir, RecoveryPointFileName))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func writeRecoveryPoint(dir string, point int64) error {
	path := filepath.Join(dir, RecoveryPointFileName)
	if err := WriteFileAtomic(path, []byte(strconv.FormatInt(point, 10)+"\n")); err != nil {
		return fmt.Errorf("failed to write recovery point: %w", err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file, fsyncs it and renames it over
// path.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
