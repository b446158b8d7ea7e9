package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"gojournal/internal/codec"
	"gojournal/internal/metrics"
)

func message(offset int64) *codec.Message {
	m := codec.NewMessage("hello", "test", time.Now())
	m.JournalOffset = offset
	return m
}

func TestProcessBuffer_Capacity(t *testing.T) {
	b := New(Config{RingSize: 4, Processors: 1}, HandlerFunc(func(context.Context, *codec.Message) error { return nil }), nil)

	if b.Capacity() != 4 || b.RemainingCapacity() != 4 || b.Size() != 0 {
		t.Fatalf("capacity/remaining/size = %d/%d/%d", b.Capacity(), b.RemainingCapacity(), b.Size())
	}
	for i := 0; i < 3; i++ {
		if err := b.InsertBlocking(context.Background(), message(int64(i))); err != nil {
			t.Fatalf("InsertBlocking: %v", err)
		}
	}
	if b.RemainingCapacity() != 1 || b.Size() != 3 {
		t.Errorf("remaining/size = %d/%d, want 1/3", b.RemainingCapacity(), b.Size())
	}
}

func TestProcessBuffer_InsertBlocksWhenFull(t *testing.T) {
	b := New(Config{RingSize: 1, Processors: 1}, HandlerFunc(func(context.Context, *codec.Message) error { return nil }), nil)

	if err := b.InsertBlocking(context.Background(), message(0)); err != nil {
		t.Fatalf("InsertBlocking: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := b.InsertBlocking(ctx, message(1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("InsertBlocking on full ring error = %v, want DeadlineExceeded", err)
	}
}

func TestProcessBuffer_ProcessesMessages(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	handler := HandlerFunc(func(_ context.Context, msg *codec.Message) error {
		mu.Lock()
		seen[msg.JournalOffset] = true
		mu.Unlock()
		return nil
	})

	registry := metrics.NewRegistry(metrics.Config{Enabled: true, Namespace: "test"})
	b := New(Config{RingSize: 8, Processors: 3}, handler, registry.Buffer)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 100; i++ {
		if err := b.InsertBlocking(context.Background(), message(int64(i))); err != nil {
			t.Fatalf("InsertBlocking: %v", err)
		}
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 100 {
		t.Errorf("processed %d messages, want 100", len(seen))
	}
	if v := testutil.ToFloat64(registry.Buffer.Processed); v != 100 {
		t.Errorf("processed metric = %v, want 100", v)
	}
	if v := testutil.ToFloat64(registry.Buffer.Capacity); v != 8 {
		t.Errorf("capacity metric = %v, want 8", v)
	}
}

func TestProcessBuffer_HandlerErrorsAreCounted(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(context.Context, *codec.Message) error {
		calls.Add(1)
		return errors.New("boom")
	})

	registry := metrics.NewRegistry(metrics.Config{Enabled: true, Namespace: "test"})
	b := New(Config{RingSize: 4, Processors: 1}, handler, registry.Buffer)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := b.InsertBlocking(context.Background(), message(int64(i))); err != nil {
			t.Fatalf("InsertBlocking: %v", err)
		}
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}
	if v := testutil.ToFloat64(registry.Buffer.HandlerErrors); v != 3 {
		t.Errorf("handler errors = %v, want 3", v)
	}
}

func TestProcessBuffer_Stopped(t *testing.T) {
	b := New(Config{RingSize: 1, Processors: 1}, HandlerFunc(func(context.Context, *codec.Message) error { return nil }), nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start error = %v, want ErrAlreadyStarted", err)
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := b.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := b.InsertBlocking(context.Background(), message(0)); !errors.Is(err, ErrBufferClosed) {
		t.Errorf("InsertBlocking after Stop error = %v, want ErrBufferClosed", err)
	}
}

func TestProcessBuffer_Defaults(t *testing.T) {
	b := New(Config{}, HandlerFunc(func(context.Context, *codec.Message) error { return nil }), nil)
	if b.Capacity() != DefaultConfig().RingSize {
		t.Errorf("capacity = %d, want %d", b.Capacity(), DefaultConfig().RingSize)
	}
}
