// =============================================================================
// RECORD FRAMING - HOW A JOURNAL ENTRY LOOKS ON DISK
// =============================================================================
//
// Every journal entry is stored as one self-describing record. The journal
// does not interpret the key (message id) or the value (encoded message); the
// framing only has to let us find record boundaries, assign offsets and detect
// torn or corrupted writes after a crash.
//
// RECORD FORMAT:
// ┌──────────────────────────────────────────────────────────────────────────┐
// │ HEADER (fixed 30 bytes)                                                  │
// ├──────────────────────────────────────────────────────────────────────────┤
// │ Magic (2B) │ Version (1B) │ Attrs (1B) │ CRC32C (4B) │ Offset (8B)       │
// │ Timestamp (8B) │ KeyLen (2B) │ ValueLen (4B)                             │
// ├──────────────────────────────────────────────────────────────────────────┤
// │ Key (0-65535 bytes) │ Value (0-4GB bytes)                                │
// └──────────────────────────────────────────────────────────────────────────┘
//
// The CRC covers bytes [8:end], i.e. offset, timestamp, lengths and body.
// Magic and version are checked separately so a scan can stop at the first
// byte that is not a record at all.
//
// =============================================================================

package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"
)

const (
	// "GJ"
	MagicByte1 = 0x47
	MagicByte2 = 0x4A

	FormatVersion = 1

	// HeaderSize is the fixed size of a record header in bytes.
	HeaderSize = 30

	// MaxKeySize is bounded by the 2-byte key length field.
	MaxKeySize = 1<<16 - 1

	// MaxSegmentSize keeps every record that fits a segment within the
	// 4-byte value length field.
	MaxSegmentSize = math.MaxUint32 - HeaderSize - MaxKeySize
)

var (
	ErrInvalidMagic       = errors.New("invalid magic bytes")
	ErrUnsupportedVersion = errors.New("unsupported record version")
	ErrCorruptRecord      = errors.New("record checksum mismatch")
	ErrTruncatedRecord    = errors.New("truncated record")
	ErrKeyTooLarge        = errors.New("record key too large")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Record is a single framed journal entry.
type Record struct {
	Offset    int64
	Timestamp int64 // unix milliseconds
	Key       []byte
	Value     []byte
}

// NewRecord creates a record stamped with the current time. The offset is
// assigned by the segment on append.
func NewRecord(key, value []byte) *Record {
	return &Record{
		Timestamp: time.Now().UnixMilli(),
		Key:       key,
		Value:     value,
	}
}

// Size returns the framed size of the record in bytes.
func (r *Record) Size() int {
	return RecordSize(len(r.Key), len(r.Value))
}

// RecordSize returns the framed size of a record with the given key and
// value lengths.
func RecordSize(keyLen, valueLen int) int {
	return HeaderSize + keyLen + valueLen
}

// Encode serializes the record.
//
//	[0:2]   Magic
//	[2]     Version
//	[3]     Attributes (reserved, 0)
//	[4:8]   CRC32C of [8:end]
//	[8:16]  Offset
//	[16:24] Timestamp
//	[24:26] Key length
//	[26:30] Value length
func (r *Record) Encode() ([]byte, error) {
	if len(r.Key) > MaxKeySize {
		return nil, fmt.Errorf("%w: %d bytes, max is %d", ErrKeyTooLarge, len(r.Key), MaxKeySize)
	}

	buf := make([]byte, r.Size())
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = FormatVersion
	buf[3] = 0
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.Offset))
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.Timestamp))
	binary.BigEndian.PutUint16(buf[24:26], uint16(len(r.Key)))
	binary.BigEndian.PutUint32(buf[26:30], uint32(len(r.Value)))

	keyEnd := HeaderSize + len(r.Key)
	copy(buf[HeaderSize:keyEnd], r.Key)
	copy(buf[keyEnd:], r.Value)

	binary.BigEndian.PutUint32(buf[4:8], crc32.Checksum(buf[8:], crcTable))
	return buf, nil
}

// DecodeRecord parses a single framed record and verifies its checksum.
func DecodeRecord(data []byte) (*Record, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncatedRecord, len(data), HeaderSize)
	}
	h, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}
	if len(data) < h.size() {
		return nil, fmt.Errorf("%w: %d bytes, header claims %d", ErrTruncatedRecord, len(data), h.size())
	}
	return h.decodeBody(data[:h.size()])
}

// recordHeader is the parsed fixed-size part of a record.
type recordHeader struct {
	crc       uint32
	offset    int64
	timestamp int64
	keyLen    int
	valueLen  int
}

func (h recordHeader) size() int {
	return RecordSize(h.keyLen, h.valueLen)
}

func parseHeader(header []byte) (recordHeader, error) {
	if header[0] != MagicByte1 || header[1] != MagicByte2 {
		return recordHeader{}, fmt.Errorf("%w: got 0x%02x 0x%02x", ErrInvalidMagic, header[0], header[1])
	}
	if header[2] != FormatVersion {
		return recordHeader{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header[2])
	}
	return recordHeader{
		crc:       binary.BigEndian.Uint32(header[4:8]),
		offset:    int64(binary.BigEndian.Uint64(header[8:16])),
		timestamp: int64(binary.BigEndian.Uint64(header[16:24])),
		keyLen:    int(binary.BigEndian.Uint16(header[24:26])),
		valueLen:  int(binary.BigEndian.Uint32(header[26:30])),
	}, nil
}

// decodeBody verifies the checksum over a complete frame and copies out the
// key and value.
func (h recordHeader) decodeBody(frame []byte) (*Record, error) {
	if sum := crc32.Checksum(frame[8:], crcTable); sum != h.crc {
		return nil, fmt.Errorf("%w: offset %d stored 0x%08x calculated 0x%08x",
			ErrCorruptRecord, h.offset, h.crc, sum)
	}

	rec := &Record{Offset: h.offset, Timestamp: h.timestamp}
	keyEnd := HeaderSize + h.keyLen
	if h.keyLen > 0 {
		rec.Key = make([]byte, h.keyLen)
		copy(rec.Key, frame[HeaderSize:keyEnd])
	}
	rec.Value = make([]byte, h.valueLen)
	copy(rec.Value, frame[keyEnd:])
	return rec, nil
}

// readRecord reads the next frame from r, which holds at most limit more
// bytes. It returns io.EOF only on a clean boundary; a partial header or body,
// or a header claiming more than limit bytes, is reported as
// ErrTruncatedRecord.
func readRecord(r *bufio.Reader, limit int64) (*Record, int, error) {
	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, header)
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, n, fmt.Errorf("%w: %v", ErrTruncatedRecord, err)
	}

	h, err := parseHeader(header)
	if err != nil {
		return nil, HeaderSize, err
	}

	if int64(h.size()) > limit {
		return nil, HeaderSize, fmt.Errorf("%w: header claims %d bytes, %d left",
			ErrTruncatedRecord, h.size(), limit)
	}

	frame := make([]byte, h.size())
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, HeaderSize, fmt.Errorf("%w: %v", ErrTruncatedRecord, err)
	}

	rec, err := h.decodeBody(frame)
	if err != nil {
		return nil, len(frame), err
	}
	return rec, len(frame), nil
}
