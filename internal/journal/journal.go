// =============================================================================
// JOURNAL - PERSISTENT MESSAGE BUFFER BETWEEN INPUTS AND PROCESSING
// =============================================================================
//
// The journal is a disk-backed write-ahead log. Inputs write raw messages as
// fast as they arrive; the reader drains them at whatever rate processing can
// sustain. A crash loses nothing that was written, and a restart resumes
// after the last committed offset.
//
//	  inputs ──Write()──► ┌──────────────────────────┐ ──Read()──► reader
//	  (many goroutines)   │  segment store (WAL)     │            (one)
//	                      │  [seg][seg][seg][active] │
//	                      └──────────────────────────┘
//	        Wake() ◄── signalled after every successful write
//	                                 ▲
//	                  MarkOffsetCommitted(offset) once processing took it
//
// WRITE PATH:
//   - Each entry becomes one record (key = message id, value = payload).
//   - An entry that cannot fit into an empty segment is discarded. It is
//     counted and logged, and consumes no offset.
//   - Entries are grouped into batches no larger than one segment so a batch
//     never straddles a segment boundary.
//
// READ PATH:
//   - Reads start at nextReadOffset, which only the reader advances.
//   - An offset below the log start (retention overtook the reader) is clamped
//     to the log start.
//   - An empty read in the middle of the log (corrupt range) steps forward one
//     offset at a time until data or the log end is reached.
//
// =============================================================================

package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"gojournal/internal/lifecycle"
	"gojournal/internal/metrics"
	"gojournal/internal/storage"
)

const (
	// DefaultMaxReadBytes caps one fetch from the segment store.
	DefaultMaxReadBytes = 5 * 1024 * 1024

	// ThrottlingDisabled turns off utilization based throttling.
	ThrottlingDisabled = -1

	// utilizationWarnPercent is the utilization above which every retention
	// run logs a warning.
	utilizationWarnPercent = 95.0

	// NoCommittedOffset is reported by CommittedOffset until the first commit.
	NoCommittedOffset = math.MinInt64
)

var (
	ErrJournalClosed = errors.New("journal is closed")
	ErrInvalidConfig = errors.New("invalid journal configuration")
)

// LoadBalancer is the part of the node status the journal drives. It is
// satisfied by *lifecycle.Status.
type LoadBalancer interface {
	LoadBalancerStatus() lifecycle.LoadBalancerStatus
	Running()
	Throttle()
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures a journal.
type Config struct {
	Dir string

	// Segment store settings.
	SegmentSize   int64
	SegmentAge    time.Duration
	FlushInterval int64
	FlushAge      time.Duration

	// Retention. A negative RetentionSize or a zero RetentionAge disables
	// the respective policy.
	RetentionSize int64
	RetentionAge  time.Duration

	// ThrottleThresholdPercentage is 1-100, or ThrottlingDisabled.
	ThrottleThresholdPercentage int

	MaxReadBytes int

	// Background job schedule.
	JobInitialDelay        time.Duration
	FlushCheckInterval     time.Duration
	CheckpointInterval     time.Duration
	RetentionCheckInterval time.Duration
	OffsetFlushInterval    time.Duration
	ThrottleStateInterval  time.Duration

	// Now is the clock used for timestamps and retention. Defaults to
	// time.Now.
	Now func() time.Time

	Metrics          *metrics.JournalMetrics
	RetentionMetrics *metrics.RetentionMetrics
}

// DefaultConfig returns the production defaults for a journal in dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                         dir,
		SegmentSize:                 100 * 1024 * 1024,
		SegmentAge:                  time.Hour,
		FlushInterval:               1000000,
		FlushAge:                    time.Minute,
		RetentionSize:               5 * 1024 * 1024 * 1024,
		RetentionAge:                12 * time.Hour,
		ThrottleThresholdPercentage: 100,
		MaxReadBytes:                DefaultMaxReadBytes,
		JobInitialDelay:             30 * time.Second,
		FlushCheckInterval:          time.Minute,
		CheckpointInterval:          time.Minute,
		RetentionCheckInterval:      30 * time.Second,
		OffsetFlushInterval:         time.Second,
		ThrottleStateInterval:       time.Second,
	}
}

func (c *Config) validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: directory is required", ErrInvalidConfig)
	}
	if t := c.ThrottleThresholdPercentage; t != ThrottlingDisabled && (t < 1 || t > 100) {
		return fmt.Errorf("%w: throttle threshold %d must be 1-100 or %d", ErrInvalidConfig, t, ThrottlingDisabled)
	}
	if c.MaxReadBytes <= 0 {
		c.MaxReadBytes = DefaultMaxReadBytes
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// =============================================================================
// TYPES
// =============================================================================

// Entry is one message to write.
type Entry struct {
	ID      []byte
	Message []byte
}

// ReadEntry is one message read back together with its offset.
type ReadEntry struct {
	Payload []byte
	Offset  int64
}

// ThrottleState is an informational snapshot used by the throttling
// controller and the status endpoint.
type ThrottleState struct {
	UtilizationPercent    float64 `json:"utilization_percent"`
	PurgedSegmentsLastRun int     `json:"purged_segments_last_run"`
	AppendEventsPerSec    int64   `json:"append_events_per_sec"`
	ReadEventsPerSec      int64   `json:"read_events_per_sec"`
	UncommittedMessages   int64   `json:"uncommitted_messages"`
	JournalSize           int64   `json:"journal_size"`
	JournalSizeLimit      int64   `json:"journal_size_limit"`
}

// =============================================================================
// JOURNAL
// =============================================================================

// Journal is safe for concurrent writers and a single reader.
type Journal struct {
	config Config
	log    *storage.Log
	lb     LoadBalancer
	logger *slog.Logger

	offsetFile      string
	committedOffset atomic.Int64
	nextReadOffset  atomic.Int64

	wake chan struct{}

	// Counters feeding the events-per-second figures.
	appended atomic.Int64
	read     atomic.Int64

	throttleMu     sync.Mutex
	utilization    float64
	purgedLastRun  int
	appendRate     int64
	readRate       int64
	lastRateUpdate time.Time
	lastAppended   int64
	lastRead       int64

	shuttingDown atomic.Bool
	closeOnce    sync.Once
	closeErr     error
}

// Open opens the journal in config.Dir. lb may be nil, which disables the
// load balancer flip but keeps utilization tracking.
func Open(config Config, lb LoadBalancer) (*Journal, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	log, err := storage.OpenLog(config.Dir, storage.LogConfig{
		SegmentSize:   config.SegmentSize,
		SegmentAge:    config.SegmentAge,
		FlushInterval: config.FlushInterval,
		FlushAge:      config.FlushAge,
		Now:           config.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal in %s: %w", config.Dir, err)
	}

	j := &Journal{
		config:         config,
		log:            log,
		lb:             lb,
		logger:         slog.Default().With("component", "journal"),
		offsetFile:     offsetFilePath(config.Dir),
		wake:           make(chan struct{}, 1),
		lastRateUpdate: config.Now(),
	}
	j.committedOffset.Store(NoCommittedOffset)

	if err := j.loadCommittedOffset(); err != nil {
		log.Close()
		return nil, err
	}

	j.logger.Info("opened journal",
		"dir", config.Dir,
		"log_start_offset", log.LogStartOffset(),
		"log_end_offset", log.LogEndOffset(),
		"next_read_offset", j.nextReadOffset.Load(),
		"segments", log.NumberOfSegments(),
	)
	j.updateMetrics()
	return j, nil
}

func (j *Journal) now() time.Time {
	return j.config.Now()
}

// CreateEntry builds an entry. It performs no I/O.
func (j *Journal) CreateEntry(id, message []byte) Entry {
	return Entry{ID: id, Message: message}
}

// =============================================================================
// WRITE
// =============================================================================

// Write appends entries in order and returns the offset of the last one
// written, or -1 if every entry was discarded.
func (j *Journal) Write(entries []Entry) (int64, error) {
	if j.shuttingDown.Load() {
		return -1, ErrJournalClosed
	}

	start := time.Now()
	timestamp := j.now().UnixMilli()
	maxSize := j.config.SegmentSize

	var (
		batch      []*storage.Record
		batchSize  int64
		lastOffset int64 = -1
		written    int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		offset, err := j.log.Append(batch)
		if err != nil {
			return err
		}
		lastOffset = offset
		written += len(batch)
		batch = nil
		batchSize = 0
		return nil
	}

	for _, entry := range entries {
		rec := &storage.Record{Timestamp: timestamp, Key: entry.ID, Value: entry.Message}
		size := int64(rec.Size())
		if size > maxSize || len(entry.ID) > storage.MaxKeySize {
			j.config.Metrics.RecordDiscard()
			j.logger.Warn("discarding message that does not fit into a journal segment",
				"message_size", size,
				"segment_size", maxSize,
			)
			continue
		}

		if batchSize+size > maxSize {
			if err := flush(); err != nil {
				j.afterWrite(written, start)
				return -1, fmt.Errorf("failed to write to journal: %w", err)
			}
		}
		batch = append(batch, rec)
		batchSize += size
	}
	if err := flush(); err != nil {
		j.afterWrite(written, start)
		return -1, fmt.Errorf("failed to write to journal: %w", err)
	}

	j.afterWrite(written, start)
	return lastOffset, nil
}

// WriteOne writes a single message.
func (j *Journal) WriteOne(id, message []byte) (int64, error) {
	return j.Write([]Entry{j.CreateEntry(id, message)})
}

func (j *Journal) afterWrite(written int, start time.Time) {
	if written == 0 {
		return
	}
	j.appended.Add(int64(written))
	j.config.Metrics.RecordWrite(written, time.Since(start))
	j.signal()
}

// signal wakes a blocked reader without ever blocking the writer.
func (j *Journal) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// Wake receives a value after writes. Several writes may collapse into one
// signal.
func (j *Journal) Wake() <-chan struct{} {
	return j.wake
}

// =============================================================================
// READ
// =============================================================================

// Read returns up to maxCount entries (at least one when data is available)
// starting at the next read offset, and advances it past them. A closing
// journal returns no entries.
func (j *Journal) Read(maxCount int64) ([]ReadEntry, error) {
	if j.shuttingDown.Load() {
		return nil, nil
	}

	start := time.Now()
	count := max(maxCount, 1)
	offset := j.nextReadOffset.Load()

	if logStart := j.log.LogStartOffset(); offset < logStart {
		j.logger.Info("read offset is before the journal start, skipping ahead",
			"read_offset", offset,
			"log_start_offset", logStart,
		)
		offset = logStart
	}

	var records []*storage.Record
	for {
		batch, err := j.log.Read(offset, j.config.MaxReadBytes, offset+count)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrOffsetOutOfRange):
				// Retention deleted the segment between the start check and the read.
				j.logger.Debug("read offset fell out of range", "read_offset", offset, "error", err)
				return nil, nil
			case errors.Is(err, storage.ErrLogClosed) && j.shuttingDown.Load():
				return nil, nil
			case errors.Is(err, storage.ErrLogClosed):
				return nil, ErrJournalClosed
			}
			return nil, fmt.Errorf("failed to read from journal at offset %d: %w", offset, err)
		}
		if len(batch) > 0 {
			records = batch
			break
		}
		if offset >= j.log.LogEndOffset()-1 {
			break
		}
		j.logger.Debug("empty read inside the journal, skipping offset", "offset", offset)
		offset++
	}

	if len(records) == 0 {
		return nil, nil
	}

	entries := make([]ReadEntry, len(records))
	for i, rec := range records {
		entries[i] = ReadEntry{Payload: rec.Value, Offset: rec.Offset}
	}
	j.nextReadOffset.Store(records[len(records)-1].Offset + 1)
	j.read.Add(int64(len(entries)))
	j.config.Metrics.RecordRead(len(entries), time.Since(start))
	return entries, nil
}

// NextReadOffset is the offset the next Read starts at.
func (j *Journal) NextReadOffset() int64 {
	return j.nextReadOffset.Load()
}

// =============================================================================
// STATUS
// =============================================================================

// SegmentInfo describes one segment.
type SegmentInfo struct {
	BaseOffset   int64     `json:"base_offset"`
	NextOffset   int64     `json:"next_offset"`
	Size         int64     `json:"size"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"last_modified"`
}

// Status is a point-in-time view of the journal.
type Status struct {
	Dir                 string        `json:"dir"`
	Size                int64         `json:"size"`
	SizeLimit           int64         `json:"size_limit"`
	NumberOfSegments    int           `json:"number_of_segments"`
	LogStartOffset      int64         `json:"log_start_offset"`
	LogEndOffset        int64         `json:"log_end_offset"`
	CommittedOffset     int64         `json:"committed_offset"`
	NextReadOffset      int64         `json:"next_read_offset"`
	UncommittedMessages int64         `json:"uncommitted_messages"`
	UnflushedMessages   int64         `json:"unflushed_messages"`
	RecoveryPoint       int64         `json:"recovery_point"`
	LastFlush           time.Time     `json:"last_flush"`
	OldestSegment       time.Time     `json:"oldest_segment"`
	Segments            []SegmentInfo `json:"segments"`
}

// Status returns the current journal status.
func (j *Journal) Status() Status {
	segments := j.log.Segments()
	infos := make([]SegmentInfo, len(segments))
	for i, s := range segments {
		infos[i] = SegmentInfo{
			BaseOffset:   s.BaseOffset(),
			NextOffset:   s.NextOffset(),
			Size:         s.Size(),
			Created:      s.Created(),
			LastModified: s.LastModified(),
		}
	}

	status := Status{
		Dir:                 j.config.Dir,
		Size:                j.log.Size(),
		SizeLimit:           j.config.RetentionSize,
		NumberOfSegments:    len(segments),
		LogStartOffset:      j.log.LogStartOffset(),
		LogEndOffset:        j.log.LogEndOffset(),
		CommittedOffset:     j.CommittedOffset(),
		NextReadOffset:      j.NextReadOffset(),
		UncommittedMessages: j.UncommittedMessages(),
		UnflushedMessages:   j.log.UnflushedMessages(),
		RecoveryPoint:       j.log.RecoveryPoint(),
		LastFlush:           j.log.LastFlushTime(),
		Segments:            infos,
	}
	if len(infos) > 0 {
		status.OldestSegment = infos[0].LastModified
	}
	return status
}

// ThrottleState returns the latest utilization and rate figures.
func (j *Journal) ThrottleState() ThrottleState {
	j.throttleMu.Lock()
	state := ThrottleState{
		UtilizationPercent:    j.utilization,
		PurgedSegmentsLastRun: j.purgedLastRun,
		AppendEventsPerSec:    j.appendRate,
		ReadEventsPerSec:      j.readRate,
	}
	j.throttleMu.Unlock()

	state.UncommittedMessages = j.UncommittedMessages()
	state.JournalSize = j.log.Size()
	state.JournalSizeLimit = j.config.RetentionSize
	return state
}

// updateThrottleState recomputes the events-per-second figures from the
// append and read counters and refreshes the journal gauges.
func (j *Journal) updateThrottleState() {
	now := j.now()
	appended := j.appended.Load()
	read := j.read.Load()

	j.throttleMu.Lock()
	if elapsed := now.Sub(j.lastRateUpdate).Seconds(); elapsed > 0 {
		j.appendRate = int64(float64(appended-j.lastAppended) / elapsed)
		j.readRate = int64(float64(read-j.lastRead) / elapsed)
	}
	j.lastAppended = appended
	j.lastRead = read
	j.lastRateUpdate = now
	j.throttleMu.Unlock()

	j.updateMetrics()
}

func (j *Journal) updateMetrics() {
	if j.config.Metrics == nil {
		return
	}
	state := metrics.LogState{
		Size:              j.log.Size(),
		LogEndOffset:      j.log.LogEndOffset(),
		Segments:          j.log.NumberOfSegments(),
		UnflushedMessages: j.log.UnflushedMessages(),
		RecoveryPoint:     j.log.RecoveryPoint(),
		LastFlush:         j.log.LastFlushTime(),
	}
	if segments := j.log.Segments(); len(segments) > 0 {
		state.OldestSegment = segments[0].LastModified()
	}
	j.config.Metrics.SetLogState(state)

	committed := j.CommittedOffset()
	if committed == NoCommittedOffset {
		committed = -1
	}
	j.config.Metrics.SetOffsets(committed, j.UncommittedMessages())
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// FlushDirtyLogs fsyncs the segment store if unflushed data is older than
// the flush age.
func (j *Journal) FlushDirtyLogs() error {
	flushed, err := j.log.FlushDirty()
	if err != nil {
		return err
	}
	if flushed {
		j.logger.Debug("flushed dirty journal", "recovery_point", j.log.RecoveryPoint())
	}
	return nil
}

// CheckpointRecoveryPoint persists the segment store recovery point.
func (j *Journal) CheckpointRecoveryPoint() error {
	return j.log.CheckpointRecoveryPoint()
}

// Dir is the journal directory.
func (j *Journal) Dir() string {
	return j.config.Dir
}

// Close stops reads and writes, persists the committed offset and closes the
// segment store. It is safe to call more than once.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		j.shuttingDown.Store(true)

		var errs []error
		if err := j.FlushCommittedOffset(); err != nil {
			errs = append(errs, err)
		}
		if err := j.log.Close(); err != nil {
			errs = append(errs, err)
		}
		j.closeErr = errors.Join(errs...)
		j.logger.Info("closed journal", "committed_offset", j.CommittedOffset())
	})
	return j.closeErr
}
