package journal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gojournal/internal/storage"
)

// OffsetFileName holds the committed read offset as a decimal string.
const OffsetFileName = "committed-read-offset"

var ErrInvalidOffsetFile = errors.New("invalid committed offset file")

// casWarnEvery is how many failed compare-and-swap attempts pass between
// contention warnings.
const casWarnEvery = 10

func offsetFilePath(dir string) string {
	return filepath.Join(dir, OffsetFileName)
}

// =============================================================================
// COMMITTED OFFSET TRACKING
// =============================================================================
//
//	reader ──MarkOffsetCommitted──► [atomic int64] ──every 1s──► offset file
//	                                  never decreases             write+fsync+rename
//
// On open the file decides where reading resumes:
//
//	missing      → created empty, read from the log start
//	empty        → read from the log start
//	"k"          → read from k+1 (clamped to the log end)
//
// =============================================================================

// loadCommittedOffset restores the committed offset and the next read
// offset from the offset file.
func (j *Journal) loadCommittedOffset() error {
	logStart := j.log.LogStartOffset()
	logEnd := j.log.LogEndOffset()

	data, err := os.ReadFile(j.offsetFile)
	if os.IsNotExist(err) {
		if err := os.WriteFile(j.offsetFile, nil, 0644); err != nil {
			return fmt.Errorf("failed to create committed offset file: %w", err)
		}
		j.nextReadOffset.Store(logStart)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read committed offset file: %w", err)
	}

	line, ok := firstLine(data)
	if !ok {
		j.nextReadOffset.Store(logStart)
		return nil
	}

	committed, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrInvalidOffsetFile, j.offsetFile, err)
	}
	// A committed offset past the end would let committed retention delete
	// entries that were never read.
	if committed >= logEnd {
		j.logger.Warn("committed offset is past the journal end, resuming at the end",
			"committed_offset", committed,
			"log_end_offset", logEnd,
		)
		committed = logEnd - 1
	}
	j.committedOffset.Store(committed)
	j.nextReadOffset.Store(committed + 1)
	return nil
}

func firstLine(data []byte) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return "", false
	}
	line := strings.TrimSpace(scanner.Text())
	return line, line != ""
}

// MarkOffsetCommitted raises the committed offset to offset. Lower values are
// ignored so commits may arrive out of order. No I/O happens here.
func (j *Journal) MarkOffsetCommitted(offset int64) {
	retries := 0
	for {
		prev := j.committedOffset.Load()
		if offset <= prev {
			return
		}
		if j.committedOffset.CompareAndSwap(prev, offset) {
			return
		}
		retries++
		if retries%casWarnEvery == 0 {
			j.logger.Warn("committed offset update keeps losing the race",
				"retries", retries,
				"offset", offset,
			)
		}
	}
}

// CommittedOffset returns the committed offset, or math.MinInt64 when
// nothing was committed yet.
func (j *Journal) CommittedOffset() int64 {
	return j.committedOffset.Load()
}

// HasCommittedOffset reports whether any offset was committed.
func (j *Journal) HasCommittedOffset() bool {
	return j.committedOffset.Load() != NoCommittedOffset
}

// FlushCommittedOffset persists the committed offset. Nothing is written
// until an offset was committed.
func (j *Journal) FlushCommittedOffset() error {
	committed := j.committedOffset.Load()
	if committed == NoCommittedOffset {
		return nil
	}
	data := []byte(strconv.FormatInt(committed, 10))
	if err := storage.WriteFileAtomic(j.offsetFile, data); err != nil {
		return fmt.Errorf("failed to write committed offset %d: %w", committed, err)
	}
	return nil
}

// UncommittedMessages is the number of written messages past the committed
// offset.
func (j *Journal) UncommittedMessages() int64 {
	if j.log.Size() == 0 {
		return 0
	}
	committed := j.committedOffset.Load()
	logEnd := j.log.LogEndOffset()
	if committed == NoCommittedOffset {
		return logEnd - j.log.LogStartOffset()
	}
	return max(0, logEnd-1-committed)
}
