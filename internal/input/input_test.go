package input

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"gojournal/internal/codec"
	"gojournal/internal/metrics"
)

type recordingWriter struct {
	mu       sync.Mutex
	messages []*codec.Message
	fail     bool
}

func (w *recordingWriter) WriteOne(id, message []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return -1, errors.New("disk full")
	}
	msg, err := codec.Decode(message, int64(len(w.messages)))
	if err != nil {
		return -1, err
	}
	if msg.ID != string(id) {
		return -1, fmt.Errorf("id %q does not match message id %q", id, msg.ID)
	}
	w.messages = append(w.messages, msg)
	return int64(len(w.messages) - 1), nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func startTCP(t *testing.T, w Writer, m *metrics.InputMetrics) *TCPInput {
	t.Helper()
	in := NewTCPInput(TCPConfig{ID: "tcp-1", Address: "127.0.0.1:0"}, w, m)
	if err := in.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { in.Stop() })
	return in
}

func TestTCPInput_WritesLines(t *testing.T) {
	w := &recordingWriter{}
	registry := metrics.NewRegistry(metrics.Config{Enabled: true, Namespace: "test"})
	in := startTCP(t, w, registry.Input)

	conn, err := net.Dial("tcp", in.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fmt.Fprint(conn, "first line\r\n\nsecond line\n")
	conn.Close()

	waitFor(t, func() bool { return w.count() == 2 })

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.messages[0].Text != "first line" || w.messages[1].Text != "second line" {
		t.Errorf("messages = %q, %q", w.messages[0].Text, w.messages[1].Text)
	}
	if w.messages[0].Source != "127.0.0.1" {
		t.Errorf("source = %q, want 127.0.0.1", w.messages[0].Source)
	}
	if w.messages[0].Fields["input_id"] != "tcp-1" {
		t.Errorf("fields = %v", w.messages[0].Fields)
	}
	if v := testutil.ToFloat64(registry.Input.Received.WithLabelValues("tcp-1")); v != 2 {
		t.Errorf("received = %v, want 2", v)
	}
}

func TestTCPInput_WriteFailuresCounted(t *testing.T) {
	w := &recordingWriter{fail: true}
	registry := metrics.NewRegistry(metrics.Config{Enabled: true, Namespace: "test"})
	in := startTCP(t, w, registry.Input)

	conn, err := net.Dial("tcp", in.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fmt.Fprint(conn, "lost\n")
	conn.Close()

	waitFor(t, func() bool {
		return testutil.ToFloat64(registry.Input.WriteFailures.WithLabelValues("tcp-1")) == 1
	})
}

func TestTCPInput_StopClosesConnections(t *testing.T) {
	in := startTCP(t, &recordingWriter{}, nil)

	conn, err := net.Dial("tcp", in.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool {
		in.mu.Lock()
		defer in.mu.Unlock()
		return len(in.conns) == 1
	})

	if err := in.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected connection to be closed by Stop")
	}
	if err := in.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

type fakeInput struct {
	id      string
	global  bool
	started int
	stopped int
}

func (f *fakeInput) ID() string                  { return f.id }
func (f *fakeInput) Title() string               { return "fake " + f.id }
func (f *fakeInput) Global() bool                { return f.global }
func (f *fakeInput) Start(context.Context) error { f.started++; return nil }
func (f *fakeInput) Stop() error                 { f.stopped++; return nil }

func TestRegistry_LaunchAndStop(t *testing.T) {
	r := NewRegistry()
	local := &fakeInput{id: "b"}
	global := &fakeInput{id: "a", global: true}

	for _, in := range []Input{local, global} {
		if err := r.Launch(context.Background(), in); err != nil {
			t.Fatalf("Launch %s: %v", in.ID(), err)
		}
	}
	if err := r.Launch(context.Background(), local); !errors.Is(err, ErrInputRunning) {
		t.Errorf("relaunch error = %v, want ErrInputRunning", err)
	}
	if err := r.Launch(context.Background(), &fakeInput{id: "b"}); !errors.Is(err, ErrDuplicateInputID) {
		t.Errorf("duplicate error = %v, want ErrDuplicateInputID", err)
	}

	running := r.Running()
	if len(running) != 2 || running[0].ID() != "a" {
		t.Fatalf("Running() = %v", running)
	}

	if err := r.Stop(local); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if local.stopped != 1 {
		t.Errorf("stopped = %d, want 1", local.stopped)
	}
	if err := r.Stop(local); !errors.Is(err, ErrInputNotFound) {
		t.Errorf("second Stop error = %v, want ErrInputNotFound", err)
	}
	if len(r.Running()) != 1 {
		t.Errorf("running = %d, want 1", len(r.Running()))
	}

	if err := r.Launch(context.Background(), local); err != nil {
		t.Errorf("relaunch after stop: %v", err)
	}
	if err := r.StopAll(); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if len(r.Running()) != 0 {
		t.Errorf("running after StopAll = %d", len(r.Running()))
	}
}
