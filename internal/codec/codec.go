// Package codec converts messages to and from the bytes stored in the
// journal. Payloads are msgpack encoded; the journal itself treats them as
// opaque.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	msgpack "github.com/vmihailenco/msgpack"
)

var (
	ErrEmptyPayload   = errors.New("empty message payload")
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is a single log message flowing from an input through the journal
// into processing.
type Message struct {
	ID        string                 `msgpack:"id" json:"id"`
	Timestamp time.Time              `msgpack:"timestamp" json:"timestamp"`
	Source    string                 `msgpack:"source" json:"source"`
	Text      string                 `msgpack:"message" json:"message"`
	Fields    map[string]interface{} `msgpack:"fields,omitempty" json:"fields,omitempty"`

	// JournalOffset is set when the message is read back from the journal.
	JournalOffset int64 `msgpack:"-" json:"journal_offset"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(text, source string, timestamp time.Time) *Message {
	return &Message{
		ID:            uuid.NewString(),
		Timestamp:     timestamp.UTC(),
		Source:        source,
		Text:          text,
		JournalOffset: -1,
	}
}

// AddField sets an additional field. Empty keys are ignored.
func (m *Message) AddField(key string, value interface{}) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	if m.Fields == nil {
		m.Fields = make(map[string]interface{})
	}
	m.Fields[key] = value
}

// Validate reports whether the message can be encoded.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if m.Text == "" {
		return fmt.Errorf("%w: empty message text", ErrInvalidMessage)
	}
	return nil
}

// Encode serializes m for the journal.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", m.ID, err)
	}
	return data, nil
}

// Decode parses a journal payload and records the offset it was read from.
func Decode(payload []byte, offset int64) (*Message, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	var m Message
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message at offset %d: %w", offset, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("message at offset %d: %w", offset, err)
	}
	m.JournalOffset = offset
	return &m, nil
}
