// =============================================================================
// JOURNAL READER - DRAINS THE JOURNAL INTO THE PROCESS BUFFER
// =============================================================================
//
// One reader goroutine per node. It follows the lifecycle state:
//
//	RUNNING / THROTTLED          read, decode, insert, commit
//	UNINITIALIZED / STARTING     idle: sleep, recheck
//	PAUSED / HALTING             idle: sleep, recheck
//	FAILED                       stop
//
// READ LOOP:
//
//	┌────────────────────────────────────────────────────────────────────────┐
//	│ n := buffer.RemainingCapacity()                                        │
//	│ entries := journal.Read(n)                                             │
//	│ empty?   → blocked++, wait for Wake() (or state change, or poll tick)  │
//	│ for each entry:                                                        │
//	│    decode failed? → log, commit (a poison message is never replayed)   │
//	│    InsertBlocking(msg) then commit                                     │
//	└────────────────────────────────────────────────────────────────────────┘
//
// An offset is committed only after the buffer accepted the message, so a
// crash replays at most the messages that were in flight.
//
// =============================================================================

package reader

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gojournal/internal/codec"
	"gojournal/internal/journal"
	"gojournal/internal/lifecycle"
	"gojournal/internal/metrics"
)

// Journal is the part of the journal the reader uses.
type Journal interface {
	Read(maxCount int64) ([]journal.ReadEntry, error)
	MarkOffsetCommitted(offset int64)
	Wake() <-chan struct{}
}

// Buffer is the downstream bounded buffer.
type Buffer interface {
	InsertBlocking(ctx context.Context, msg *codec.Message) error
	RemainingCapacity() int
}

// StatusSource publishes lifecycle changes.
type StatusSource interface {
	Subscribe() (<-chan lifecycle.State, func())
}

// Config controls reader timing.
type Config struct {
	// IdleInterval is how long the reader sleeps between lifecycle
	// checks while it must not read.
	IdleInterval time.Duration

	// PollInterval bounds the wait for new data when the journal is empty.
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdleInterval: 100 * time.Millisecond,
		PollInterval: time.Second,
	}
}

// Reader moves messages from the journal to the process buffer.
type Reader struct {
	config  Config
	journal Journal
	buffer  Buffer
	status  StatusSource
	metrics *metrics.ReaderMetrics
	logger  *slog.Logger
}

// New creates a reader. m may be nil.
func New(config Config, j Journal, b Buffer, status StatusSource, m *metrics.ReaderMetrics) *Reader {
	defaults := DefaultConfig()
	if config.IdleInterval <= 0 {
		config.IdleInterval = defaults.IdleInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	return &Reader{
		config:  config,
		journal: j,
		buffer:  b,
		status:  status,
		metrics: m,
		logger:  slog.Default().With("component", "journal-reader"),
	}
}

// Run reads until ctx is cancelled or the lifecycle reaches FAILED. It
// returns an error only when the process buffer is closed underneath it.
func (r *Reader) Run(ctx context.Context) error {
	states, unsubscribe := r.status.Subscribe()
	defer unsubscribe()

	state := <-states
	r.logger.Info("journal reader started", "lifecycle", state)
	defer r.metrics.SetActive(false)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("journal reader stopped")
			return nil
		case state = <-states:
		default:
		}

		if state == lifecycle.Failed {
			r.logger.Warn("node failed, stopping journal reader")
			return nil
		}

		if !state.ShouldRead() {
			r.metrics.SetActive(false)
			state = r.wait(ctx, states, state, nil, r.config.IdleInterval)
			continue
		}
		r.metrics.SetActive(true)

		if err := r.readBatch(ctx, states, &state); err != nil {
			return err
		}
	}
}

// readBatch performs one journal read and hands the entries downstream.
func (r *Reader) readBatch(ctx context.Context, states <-chan lifecycle.State, state *lifecycle.State) error {
	remaining := int64(r.buffer.RemainingCapacity())

	entries, err := r.journal.Read(remaining)
	if err != nil {
		if !errors.Is(err, journal.ErrJournalClosed) {
			r.logger.Error("failed to read from journal", "error", err)
		}
		*state = r.wait(ctx, states, *state, nil, r.config.IdleInterval)
		return nil
	}

	if len(entries) == 0 {
		r.metrics.RecordBlocked()
		*state = r.wait(ctx, states, *state, r.journal.Wake(), r.config.PollInterval)
		return nil
	}

	for _, entry := range entries {
		msg, err := codec.Decode(entry.Payload, entry.Offset)
		if err != nil {
			r.logger.Error("skipping journal entry that cannot be decoded",
				"offset", entry.Offset,
				"error", err,
			)
			r.metrics.RecordDecodeFailure()
			r.journal.MarkOffsetCommitted(entry.Offset)
			continue
		}

		if err := r.buffer.InsertBlocking(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.journal.MarkOffsetCommitted(entry.Offset)
		r.metrics.RecordForwarded()
	}
	return nil
}

// wait blocks until ctx is done, the lifecycle changes, wake fires or d
// elapses, and returns the latest state.
func (r *Reader) wait(ctx context.Context, states <-chan lifecycle.State, state lifecycle.State, wake <-chan struct{}, d time.Duration) lifecycle.State {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case next := <-states:
		return next
	case <-wake:
	case <-timer.C:
	}
	return state
}
