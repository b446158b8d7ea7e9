// =============================================================================
// PROCESS BUFFER - BOUNDED HAND-OFF FROM THE JOURNAL READER TO PROCESSORS
// =============================================================================
//
//	journal reader ──InsertBlocking──► ┌─────────────────────┐ ──► processor 1 ─┐
//	                                   │ ring (RingSize)     │ ──► processor 2 ─┼─► Handler
//	                                   └─────────────────────┘ ──► processor N ─┘
//
// The ring is the only unbounded-wait point between journal and processing:
// when it is full InsertBlocking parks the reader, which in turn stops reading
// from the journal. The journal absorbs the backlog on disk instead of memory.
//
// SHUTDOWN ORDER:
//   - Stop the reader first so nothing is inserted anymore.
//   - Stop the buffer: processors drain what is left in the ring, then exit.
//
// =============================================================================

package buffer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"gojournal/internal/codec"
	"gojournal/internal/metrics"
)

var (
	ErrBufferClosed   = errors.New("process buffer is closed")
	ErrAlreadyStarted = errors.New("process buffer already started")
)

// Handler processes one message taken out of the buffer.
type Handler interface {
	Handle(ctx context.Context, msg *codec.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *codec.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *codec.Message) error {
	return f(ctx, msg)
}

// Config sizes the buffer.
type Config struct {
	RingSize   int
	Processors int
}

func DefaultConfig() Config {
	return Config{
		RingSize:   65536,
		Processors: 5,
	}
}

// ProcessBuffer is a bounded queue with a fixed pool of processors.
type ProcessBuffer struct {
	config  Config
	ring    chan *codec.Message
	handler Handler
	metrics *metrics.BufferMetrics
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	group   *errgroup.Group

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a buffer. m may be nil.
func New(config Config, handler Handler, m *metrics.BufferMetrics) *ProcessBuffer {
	if config.RingSize <= 0 {
		config.RingSize = DefaultConfig().RingSize
	}
	if config.Processors <= 0 {
		config.Processors = 1
	}
	m.SetCapacity(config.RingSize)

	return &ProcessBuffer{
		config:  config,
		ring:    make(chan *codec.Message, config.RingSize),
		handler: handler,
		metrics: m,
		logger:  slog.Default().With("component", "process-buffer"),
		done:    make(chan struct{}),
	}
}

// InsertBlocking waits until there is room for msg. It fails when ctx is
// cancelled or the buffer is stopped.
func (b *ProcessBuffer) InsertBlocking(ctx context.Context, msg *codec.Message) error {
	select {
	case <-b.done:
		return ErrBufferClosed
	default:
	}

	start := time.Now()
	select {
	case b.ring <- msg:
		b.metrics.RecordInsert(len(b.ring), time.Since(start))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBufferClosed
	}
}

// RemainingCapacity is the number of messages that can be inserted without
// blocking right now.
func (b *ProcessBuffer) RemainingCapacity() int {
	return cap(b.ring) - len(b.ring)
}

func (b *ProcessBuffer) Capacity() int {
	return cap(b.ring)
}

// Size is the number of messages waiting for a processor.
func (b *ProcessBuffer) Size() int {
	return len(b.ring)
}

// =============================================================================
// PROCESSORS
// =============================================================================

// Start launches the processor pool. Processors exit once ctx is done or the
// buffer is stopped and drained.
func (b *ProcessBuffer) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return ErrAlreadyStarted
	}
	b.started = true

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < b.config.Processors; i++ {
		id := i
		g.Go(func() error {
			b.process(ctx, id)
			return nil
		})
	}
	b.group = g

	b.logger.Info("process buffer started",
		"ring_size", b.config.RingSize,
		"processors", b.config.Processors,
	)
	return nil
}

func (b *ProcessBuffer) process(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.ring:
			b.handle(ctx, id, msg)
		case <-b.done:
			b.drain(ctx, id)
			return
		}
	}
}

func (b *ProcessBuffer) drain(ctx context.Context, id int) {
	for {
		select {
		case msg := <-b.ring:
			b.handle(ctx, id, msg)
		default:
			return
		}
	}
}

func (b *ProcessBuffer) handle(ctx context.Context, id int, msg *codec.Message) {
	err := b.handler.Handle(ctx, msg)
	if err != nil {
		b.logger.Error("failed to process message",
			"processor", id,
			"message_id", msg.ID,
			"journal_offset", msg.JournalOffset,
			"error", err,
		)
	}
	b.metrics.RecordProcessed(len(b.ring), err)
}

// Stop rejects further inserts and waits for the processors to drain the
// ring.
func (b *ProcessBuffer) Stop() error {
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	g := b.group
	b.mu.Unlock()

	if g == nil {
		return nil
	}
	err := g.Wait()
	b.logger.Info("process buffer stopped", "remaining", len(b.ring))
	return err
}
