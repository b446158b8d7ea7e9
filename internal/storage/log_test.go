// =============================================================================
// SEGMENTED LOG TESTS
// =============================================================================

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for roll and flush age tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testLogConfig(clock *fakeClock) LogConfig {
	cfg := DefaultLogConfig()
	cfg.Now = clock.Now
	return cfg
}

func openTestLog(t *testing.T, dir string, cfg LogConfig) *Log {
	t.Helper()
	l, err := OpenLog(dir, cfg)
	if err != nil {
		t.Fatalf("OpenLog failed: %v", err)
	}
	return l
}

func TestLog_OpenEmpty(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, testLogConfig(newFakeClock()))
	defer l.Close()

	if l.LogStartOffset() != 0 || l.LogEndOffset() != 0 {
		t.Errorf("start/end = %d/%d, want 0/0", l.LogStartOffset(), l.LogEndOffset())
	}
	if l.NumberOfSegments() != 1 {
		t.Errorf("NumberOfSegments = %d, want 1", l.NumberOfSegments())
	}
	if _, err := os.Stat(filepath.Join(dir, SegmentFileName(0))); err != nil {
		t.Errorf("active segment file missing: %v", err)
	}
}

func TestLog_InvalidConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.SegmentSize = 10
	if _, err := OpenLog(t.TempDir(), cfg); !errors.Is(err, ErrInvalidLogConfig) {
		t.Errorf("tiny segment size: err = %v, want ErrInvalidLogConfig", err)
	}

	cfg = DefaultLogConfig()
	cfg.SegmentSize = MaxSegmentSize + 1
	if _, err := OpenLog(t.TempDir(), cfg); !errors.Is(err, ErrInvalidLogConfig) {
		t.Errorf("segment size above value length field: err = %v, want ErrInvalidLogConfig", err)
	}

	cfg = DefaultLogConfig()
	cfg.FlushInterval = 0
	if _, err := OpenLog(t.TempDir(), cfg); !errors.Is(err, ErrInvalidLogConfig) {
		t.Errorf("zero flush interval: err = %v, want ErrInvalidLogConfig", err)
	}
}

func TestLog_AppendAndRead(t *testing.T) {
	l := openTestLog(t, t.TempDir(), testLogConfig(newFakeClock()))
	defer l.Close()

	last, err := l.Append(records(5, 10))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if last != 4 {
		t.Errorf("last offset = %d, want 4", last)
	}
	last, _ = l.Append(records(3, 10))
	if last != 7 {
		t.Errorf("second batch last offset = %d, want 7", last)
	}
	if l.LogEndOffset() != 8 {
		t.Errorf("LogEndOffset = %d, want 8", l.LogEndOffset())
	}

	got, err := l.Read(2, 1<<20, 6)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 4 || got[0].Offset != 2 || got[3].Offset != 5 {
		t.Errorf("Read(2, maxOffset 6) = %d records", len(got))
	}

	got, _ = l.Read(8, 1<<20, 100)
	if len(got) != 0 {
		t.Errorf("Read at log end = %d records, want 0", len(got))
	}

	if _, err := l.Append(nil); err == nil {
		t.Error("Append(nil) should fail")
	}
}

func TestLog_RollBySize(t *testing.T) {
	cfg := testLogConfig(newFakeClock())
	one := records(1, 100)[0].Size()
	cfg.SegmentSize = int64(3 * one)

	l := openTestLog(t, t.TempDir(), cfg)
	defer l.Close()

	for i := 0; i < 7; i++ {
		if _, err := l.Append(records(1, 100)); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	segs := l.Segments()
	if len(segs) != 3 {
		t.Fatalf("NumberOfSegments = %d, want 3", len(segs))
	}
	wantBases := []int64{0, 3, 6}
	for i, s := range segs {
		if s.BaseOffset() != wantBases[i] {
			t.Errorf("segment %d base = %d, want %d", i, s.BaseOffset(), wantBases[i])
		}
	}

	// A read spanning every segment returns the records in order.
	got, err := l.Read(0, 1<<20, 100)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("Read across segments = %d records, want 7", len(got))
	}
	for i, r := range got {
		if r.Offset != int64(i) {
			t.Errorf("record %d offset = %d", i, r.Offset)
		}
	}

	// maxBytes applies across segments.
	got, _ = l.Read(1, 3*one, 100)
	if len(got) != 3 || got[0].Offset != 1 || got[2].Offset != 3 {
		t.Errorf("Read(1, 3 records of bytes) = %d records", len(got))
	}
}

func TestLog_RollByAge(t *testing.T) {
	clock := newFakeClock()
	cfg := testLogConfig(clock)
	cfg.SegmentAge = time.Hour

	l := openTestLog(t, t.TempDir(), cfg)
	defer l.Close()

	l.Append(records(2, 10))
	clock.Advance(30 * time.Minute)
	l.Append(records(1, 10))
	if l.NumberOfSegments() != 1 {
		t.Fatalf("rolled too early: %d segments", l.NumberOfSegments())
	}

	clock.Advance(31 * time.Minute)
	l.Append(records(1, 10))
	if l.NumberOfSegments() != 2 {
		t.Fatalf("NumberOfSegments = %d, want 2", l.NumberOfSegments())
	}
	if base := l.Segments()[1].BaseOffset(); base != 3 {
		t.Errorf("new segment base = %d, want 3", base)
	}
}

func TestLog_RollEmptyIsNoop(t *testing.T) {
	l := openTestLog(t, t.TempDir(), testLogConfig(newFakeClock()))
	defer l.Close()

	if err := l.Roll(); err != nil {
		t.Fatalf("Roll failed: %v", err)
	}
	if l.NumberOfSegments() != 1 {
		t.Errorf("Roll on empty active segment created %d segments", l.NumberOfSegments())
	}

	l.Append(records(1, 10))
	l.Roll()
	if l.NumberOfSegments() != 2 {
		t.Errorf("NumberOfSegments = %d, want 2", l.NumberOfSegments())
	}
	if l.RecoveryPoint() != 1 {
		t.Errorf("RecoveryPoint after roll = %d, want 1", l.RecoveryPoint())
	}
}

func TestLog_FlushInterval(t *testing.T) {
	cfg := testLogConfig(newFakeClock())
	cfg.FlushInterval = 5

	l := openTestLog(t, t.TempDir(), cfg)
	defer l.Close()

	l.Append(records(3, 10))
	if l.UnflushedMessages() != 3 {
		t.Errorf("UnflushedMessages = %d, want 3", l.UnflushedMessages())
	}
	l.Append(records(2, 10))
	if l.UnflushedMessages() != 0 {
		t.Errorf("UnflushedMessages after interval = %d, want 0", l.UnflushedMessages())
	}
	if l.RecoveryPoint() != 5 {
		t.Errorf("RecoveryPoint = %d, want 5", l.RecoveryPoint())
	}
}

func TestLog_FlushDirty(t *testing.T) {
	clock := newFakeClock()
	cfg := testLogConfig(clock)
	cfg.FlushAge = time.Minute

	l := openTestLog(t, t.TempDir(), cfg)
	defer l.Close()

	if flushed, _ := l.FlushDirty(); flushed {
		t.Error("FlushDirty flushed with nothing written")
	}

	l.Append(records(2, 10))
	clock.Advance(30 * time.Second)
	if flushed, _ := l.FlushDirty(); flushed {
		t.Error("FlushDirty flushed before FlushAge elapsed")
	}

	clock.Advance(31 * time.Second)
	flushed, err := l.FlushDirty()
	if err != nil {
		t.Fatalf("FlushDirty failed: %v", err)
	}
	if !flushed {
		t.Error("FlushDirty did not flush after FlushAge")
	}
	if l.UnflushedMessages() != 0 {
		t.Errorf("UnflushedMessages = %d, want 0", l.UnflushedMessages())
	}
	if !l.LastFlushTime().Equal(clock.Now()) {
		t.Errorf("LastFlushTime = %v, want %v", l.LastFlushTime(), clock.Now())
	}
}

func TestLog_ReadBelowStart(t *testing.T) {
	cfg := testLogConfig(newFakeClock())
	l := openTestLog(t, t.TempDir(), cfg)
	defer l.Close()

	l.Append(records(3, 10))
	l.Roll()
	l.Append(records(3, 10))

	n, err := l.DeleteOldSegments(func(s *Segment) bool { return s.BaseOffset() == 0 })
	if err != nil || n != 1 {
		t.Fatalf("DeleteOldSegments = %d, %v", n, err)
	}

	if _, err := l.Read(1, 1<<20, 10); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("Read below start: err = %v, want ErrOffsetOutOfRange", err)
	}
	got, _ := l.Read(3, 1<<20, 10)
	if len(got) != 3 || got[0].Offset != 3 {
		t.Errorf("Read(3) = %d records", len(got))
	}
}

func TestLog_DeleteOldSegments(t *testing.T) {
	l := openTestLog(t, t.TempDir(), testLogConfig(newFakeClock()))
	defer l.Close()

	for i := 0; i < 3; i++ {
		l.Append(records(2, 10))
		l.Roll()
	}
	l.Append(records(2, 10))
	// Segments: [0,2) [2,4) [4,6) [6,8)
	if l.NumberOfSegments() != 4 {
		t.Fatalf("NumberOfSegments = %d, want 4", l.NumberOfSegments())
	}

	// Only the oldest-first prefix is deleted, even if a later one matches.
	n, _ := l.DeleteOldSegments(func(s *Segment) bool { return s.BaseOffset() != 2 })
	if n != 1 {
		t.Errorf("deleted %d segments, want 1", n)
	}
	if l.LogStartOffset() != 2 {
		t.Errorf("LogStartOffset = %d, want 2", l.LogStartOffset())
	}

	// Deleting everything rolls a fresh active segment first.
	n, err := l.DeleteOldSegments(func(*Segment) bool { return true })
	if err != nil {
		t.Fatalf("DeleteOldSegments failed: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d segments, want 3", n)
	}
	if l.NumberOfSegments() != 1 {
		t.Errorf("NumberOfSegments = %d, want 1", l.NumberOfSegments())
	}
	if l.LogStartOffset() != 8 || l.LogEndOffset() != 8 {
		t.Errorf("start/end = %d/%d, want 8/8", l.LogStartOffset(), l.LogEndOffset())
	}

	// An empty active segment is kept.
	n, _ = l.DeleteOldSegments(func(*Segment) bool { return true })
	if n != 0 || l.NumberOfSegments() != 1 {
		t.Errorf("deleting empty active segment: n=%d segments=%d", n, l.NumberOfSegments())
	}

	last, _ := l.Append(records(1, 10))
	if last != 8 {
		t.Errorf("append after full deletion got offset %d, want 8", last)
	}
}

func TestLog_ReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	cfg := testLogConfig(newFakeClock())

	l := openTestLog(t, dir, cfg)
	l.Append(records(4, 10))
	l.Roll()
	l.Append(records(4, 10))
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, RecoveryPointFileName))
	if err != nil {
		t.Fatalf("recovery point not written: %v", err)
	}
	if strings.TrimSpace(string(data)) != "8" {
		t.Errorf("recovery point = %q, want 8", data)
	}

	reopened := openTestLog(t, dir, cfg)
	defer reopened.Close()

	if reopened.NumberOfSegments() != 2 {
		t.Errorf("NumberOfSegments = %d, want 2", reopened.NumberOfSegments())
	}
	if reopened.LogEndOffset() != 8 {
		t.Errorf("LogEndOffset = %d, want 8", reopened.LogEndOffset())
	}
	if reopened.RecoveryPoint() != 8 {
		t.Errorf("RecoveryPoint = %d, want 8", reopened.RecoveryPoint())
	}
	last, _ := reopened.Append(records(1, 10))
	if last != 8 {
		t.Errorf("append after reopen got offset %d, want 8", last)
	}
}

func TestLog_ReopenWithTornTail(t *testing.T) {
	dir := t.TempDir()
	cfg := testLogConfig(newFakeClock())

	l := openTestLog(t, dir, cfg)
	l.Append(records(3, 10))
	l.Close()

	f, _ := os.OpenFile(filepath.Join(dir, SegmentFileName(0)), os.O_WRONLY|os.O_APPEND, 0644)
	f.Write([]byte{MagicByte1, MagicByte2})
	f.Close()

	reopened := openTestLog(t, dir, cfg)
	defer reopened.Close()
	if reopened.LogEndOffset() != 3 {
		t.Errorf("LogEndOffset = %d, want 3", reopened.LogEndOffset())
	}
	got, _ := reopened.Read(0, 1<<20, 100)
	if len(got) != 3 {
		t.Errorf("Read after recovery = %d records, want 3", len(got))
	}
}

func TestLog_DirectoryLock(t *testing.T) {
	dir := t.TempDir()
	cfg := testLogConfig(newFakeClock())

	l := openTestLog(t, dir, cfg)
	if _, err := OpenLog(dir, cfg); !errors.Is(err, ErrDirectoryLocked) {
		t.Errorf("second OpenLog: err = %v, want ErrDirectoryLocked", err)
	}
	l.Close()

	again, err := OpenLog(dir, cfg)
	if err != nil {
		t.Fatalf("OpenLog after Close failed: %v", err)
	}
	again.Close()
}

func TestLog_ClosedOperations(t *testing.T) {
	l := openTestLog(t, t.TempDir(), testLogConfig(newFakeClock()))
	l.Close()

	if _, err := l.Append(records(1, 1)); !errors.Is(err, ErrLogClosed) {
		t.Errorf("Append after Close: err = %v", err)
	}
	if _, err := l.Read(0, 1, 1); !errors.Is(err, ErrLogClosed) {
		t.Errorf("Read after Close: err = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: err = %v", err)
	}
}

func TestListSegmentFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{SegmentFileName(200), SegmentFileName(0), IndexFileName(0), "garbage.log", "notes.txt"} {
		os.WriteFile(filepath.Join(dir, name), nil, 0644)
	}
	got, err := ListSegmentFiles(dir)
	if err != nil {
		t.Fatalf("ListSegmentFiles failed: %v", err)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 200 {
		t.Errorf("ListSegmentFiles = %v, want [0 200]", got)
	}
}
