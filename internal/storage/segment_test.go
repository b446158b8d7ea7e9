// =============================================================================
// SEGMENT + RECORD TESTS
// =============================================================================

package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRecord_EncodeDecode(t *testing.T) {
	rec := &Record{Offset: 42, Timestamp: 1700000000000, Key: []byte("id-1"), Value: []byte("payload")}

	data, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(data) != rec.Size() {
		t.Errorf("encoded length = %d, Size() = %d", len(data), rec.Size())
	}

	got, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("DecodeRecord failed: %v", err)
	}
	if got.Offset != 42 || got.Timestamp != rec.Timestamp {
		t.Errorf("decoded offset/timestamp = %d/%d", got.Offset, got.Timestamp)
	}
	if !bytes.Equal(got.Key, rec.Key) || !bytes.Equal(got.Value, rec.Value) {
		t.Errorf("decoded key/value = %q/%q", got.Key, got.Value)
	}
}

func TestRecord_DecodeErrors(t *testing.T) {
	rec := NewRecord([]byte("k"), []byte("value"))
	data, _ := rec.Encode()

	corrupt := append([]byte(nil), data...)
	corrupt[len(corrupt)-1] ^= 0xFF
	if _, err := DecodeRecord(corrupt); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("flipped byte: err = %v, want ErrCorruptRecord", err)
	}

	badMagic := append([]byte(nil), data...)
	badMagic[0] = 'X'
	if _, err := DecodeRecord(badMagic); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("bad magic: err = %v, want ErrInvalidMagic", err)
	}

	if _, err := DecodeRecord(data[:len(data)-2]); !errors.Is(err, ErrTruncatedRecord) {
		t.Errorf("short frame: err = %v, want ErrTruncatedRecord", err)
	}

	big := &Record{Key: make([]byte, MaxKeySize+1)}
	if _, err := big.Encode(); !errors.Is(err, ErrKeyTooLarge) {
		t.Errorf("oversized key: err = %v, want ErrKeyTooLarge", err)
	}
}

func TestReadRecord_StreamBoundaries(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		data, _ := (&Record{Offset: int64(i), Value: []byte(fmt.Sprintf("v%d", i))}).Encode()
		buf.Write(data)
	}
	remaining := int64(buf.Len())
	r := bufio.NewReader(&buf)
	for i := 0; i < 3; i++ {
		rec, n, err := readRecord(r, remaining)
		remaining -= int64(n)
		if err != nil {
			t.Fatalf("readRecord %d failed: %v", i, err)
		}
		if rec.Offset != int64(i) {
			t.Errorf("record %d offset = %d", i, rec.Offset)
		}
	}
	if _, _, err := readRecord(r, remaining); err != io.EOF {
		t.Errorf("after last record: err = %v, want io.EOF", err)
	}
}

func records(n int, size int) []*Record {
	out := make([]*Record, n)
	for i := range out {
		out[i] = NewRecord([]byte(fmt.Sprintf("id-%d", i)), bytes.Repeat([]byte("x"), size))
	}
	return out
}

func TestSegment_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(dir, 100, time.Now())
	if err != nil {
		t.Fatalf("createSegment failed: %v", err)
	}
	defer seg.close()

	if err := seg.append(records(10, 16), time.Now()); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if seg.NextOffset() != 110 {
		t.Errorf("NextOffset = %d, want 110", seg.NextOffset())
	}
	if seg.MessageCount() != 10 {
		t.Errorf("MessageCount = %d, want 10", seg.MessageCount())
	}

	got, _, err := seg.read(103, 1<<20, 106, true, testLogger)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("read returned %d records, want 3", len(got))
	}
	for i, rec := range got {
		if rec.Offset != int64(103+i) {
			t.Errorf("record %d offset = %d", i, rec.Offset)
		}
		if string(rec.Key) != fmt.Sprintf("id-%d", 3+i) {
			t.Errorf("record %d key = %q", i, rec.Key)
		}
	}
}

func TestSegment_ReadMaxBytes(t *testing.T) {
	seg, err := createSegment(t.TempDir(), 0, time.Now())
	if err != nil {
		t.Fatalf("createSegment failed: %v", err)
	}
	defer seg.close()

	recs := records(5, 100)
	seg.append(recs, time.Now())
	one := recs[0].Size()

	got, n, _ := seg.read(0, 2*one, 100, true, testLogger)
	if len(got) != 2 || n != 2*one {
		t.Errorf("read(maxBytes=2 records) = %d records, %d bytes", len(got), n)
	}

	// The first record is returned even when it exceeds maxBytes.
	got, _, _ = seg.read(0, 1, 100, true, testLogger)
	if len(got) != 1 {
		t.Errorf("read(maxBytes=1, allowOversize) = %d records, want 1", len(got))
	}
	got, _, _ = seg.read(0, 1, 100, false, testLogger)
	if len(got) != 0 {
		t.Errorf("read(maxBytes=1) = %d records, want 0", len(got))
	}
}

func TestSegment_ReopenRecoversTornTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(dir, 0, time.Now())
	if err != nil {
		t.Fatalf("createSegment failed: %v", err)
	}
	seg.append(records(5, 32), time.Now())
	intact := seg.Size()
	seg.close()

	// Simulate a crash in the middle of writing a record.
	f, err := os.OpenFile(filepath.Join(dir, SegmentFileName(0)), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{MagicByte1, MagicByte2, FormatVersion, 0, 1, 2})
	f.Close()

	reopened, err := openSegment(dir, 0, false, time.Now(), testLogger)
	if err != nil {
		t.Fatalf("openSegment failed: %v", err)
	}
	if reopened.NextOffset() != 5 {
		t.Errorf("NextOffset = %d, want 5", reopened.NextOffset())
	}
	if reopened.Size() != intact {
		t.Errorf("Size = %d, want %d", reopened.Size(), intact)
	}

	// Appending after recovery continues the offset sequence.
	reopened.append(records(1, 8), time.Now())
	if reopened.NextOffset() != 6 {
		t.Errorf("NextOffset after append = %d, want 6", reopened.NextOffset())
	}
	reopened.close()

	verified, err := openSegment(dir, 0, true, time.Now(), testLogger)
	if err != nil {
		t.Fatalf("openSegment(verify) failed: %v", err)
	}
	defer verified.close()
	if verified.NextOffset() != 6 {
		t.Errorf("verified NextOffset = %d, want 6", verified.NextOffset())
	}
}

func TestSegment_RebuildsMissingIndex(t *testing.T) {
	dir := t.TempDir()
	seg, _ := createSegment(dir, 0, time.Now())
	seg.append(records(200, 200), time.Now())
	seg.close()

	if err := os.Remove(filepath.Join(dir, IndexFileName(0))); err != nil {
		t.Fatal(err)
	}

	reopened, err := openSegment(dir, 0, false, time.Now(), testLogger)
	if err != nil {
		t.Fatalf("openSegment failed: %v", err)
	}
	defer reopened.close()

	if reopened.index.EntryCount() < 2 {
		t.Errorf("rebuilt index has %d entries, want several", reopened.index.EntryCount())
	}
	got, _, _ := reopened.read(150, 1<<20, 151, true, testLogger)
	if len(got) != 1 || got[0].Offset != 150 {
		t.Errorf("read(150) after rebuild = %v", got)
	}
}

func TestSegment_ReadSkipsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	seg, _ := createSegment(dir, 0, time.Now())
	recs := records(200, 200)
	seg.append(recs, time.Now())
	seg.close()

	// Flip the last value byte of record 1. The record sits well before the
	// last index entry so trusted recovery does not rescan it.
	path := filepath.Join(dir, SegmentFileName(0))
	data, _ := os.ReadFile(path)
	data[recs[0].Size()+recs[1].Size()-1] ^= 0xFF
	os.WriteFile(path, data, 0644)

	reopened, err := openSegment(dir, 0, false, time.Now(), testLogger)
	if err != nil {
		t.Fatalf("openSegment failed: %v", err)
	}
	defer reopened.close()

	if reopened.NextOffset() != 200 {
		t.Fatalf("NextOffset = %d, want 200", reopened.NextOffset())
	}
	got, _, _ := reopened.read(0, 1<<20, 10, true, testLogger)
	if len(got) != 9 || got[0].Offset != 0 || got[1].Offset != 2 {
		t.Errorf("read = %d records, want 9 starting [0 2]", len(got))
	}

	// Reading exactly the corrupt offset yields nothing.
	got, _, _ = reopened.read(1, 1<<20, 2, true, testLogger)
	if len(got) != 0 {
		t.Errorf("read(1..2) = %d records, want 0", len(got))
	}
}

func TestReadRecord_LengthBeyondLimit(t *testing.T) {
	data, _ := (&Record{Offset: 7, Value: []byte("value")}).Encode()
	binary.BigEndian.PutUint32(data[26:30], 0xF0000000)

	_, n, err := readRecord(bufio.NewReader(bytes.NewReader(data)), int64(len(data)))
	if !errors.Is(err, ErrTruncatedRecord) {
		t.Fatalf("err = %v, want ErrTruncatedRecord", err)
	}
	if n != HeaderSize {
		t.Errorf("consumed = %d, want %d", n, HeaderSize)
	}
}

func TestSegment_ReopenWithCorruptLength(t *testing.T) {
	dir := t.TempDir()
	seg, _ := createSegment(dir, 0, time.Now())
	recs := records(3, 8)
	seg.append(recs, time.Now())
	seg.close()

	// A flipped value length on record 1 claims almost 4GB.
	path := filepath.Join(dir, SegmentFileName(0))
	data, _ := os.ReadFile(path)
	binary.BigEndian.PutUint32(data[recs[0].Size()+26:], 0xF0000000)
	os.WriteFile(path, data, 0644)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	reopened, err := openSegment(dir, 0, true, time.Now(), testLogger)
	runtime.ReadMemStats(&after)
	if err != nil {
		t.Fatalf("openSegment failed: %v", err)
	}
	defer reopened.close()

	if allocated := after.TotalAlloc - before.TotalAlloc; allocated > 64<<20 {
		t.Errorf("recovery allocated %d bytes for a %d byte segment", allocated, len(data))
	}
	if reopened.NextOffset() != 1 {
		t.Errorf("NextOffset = %d, want 1", reopened.NextOffset())
	}
	if reopened.Size() != int64(recs[0].Size()) {
		t.Errorf("Size = %d, want %d", reopened.Size(), recs[0].Size())
	}
}

func TestSegment_Delete(t *testing.T) {
	dir := t.TempDir()
	seg, _ := createSegment(dir, 7, time.Now())
	seg.append(records(1, 1), time.Now())

	if err := seg.delete(); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	for _, name := range []string{SegmentFileName(7), IndexFileName(7)} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s still exists", name)
		}
	}
	if err := seg.append(records(1, 1), time.Now()); !errors.Is(err, ErrSegmentClosed) {
		t.Errorf("append after delete: err = %v, want ErrSegmentClosed", err)
	}
}

func TestSegmentFileName(t *testing.T) {
	if got := SegmentFileName(1000); got != "00000000000000001000.log" {
		t.Errorf("SegmentFileName(1000) = %q", got)
	}
	if got := IndexFileName(0); got != "00000000000000000000.index" {
		t.Errorf("IndexFileName(0) = %q", got)
	}
}
