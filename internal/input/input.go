// =============================================================================
// INPUTS - WHERE MESSAGES ENTER THE NODE
// =============================================================================
//
// An input accepts messages from the network and writes them to the journal.
// Nothing else happens on the intake path; parsing and processing run later
// at the reader's pace.
//
//	client ──TCP──► TCPInput ──codec.Encode──► journal.WriteOne
//	client ──TCP──►    │
//	                   └── one goroutine per connection
//
// Inputs are either local (this node only) or global (started on every node
// of a cluster). The disk space check stops local inputs only.
//
// =============================================================================

package input

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	ErrInputNotFound    = errors.New("input not found")
	ErrInputRunning     = errors.New("input already running")
	ErrDuplicateInputID = errors.New("duplicate input id")
)

// Writer is where inputs put received messages.
type Writer interface {
	WriteOne(id, message []byte) (int64, error)
}

// Input is a running message source.
type Input interface {
	ID() string
	Title() string
	Global() bool
	Start(ctx context.Context) error
	Stop() error
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry tracks the inputs launched on this node.
type Registry struct {
	mu      sync.RWMutex
	inputs  map[string]Input
	running map[string]bool
	logger  *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		inputs:  make(map[string]Input),
		running: make(map[string]bool),
		logger:  slog.Default().With("component", "inputs"),
	}
}

// Launch registers and starts in.
func (r *Registry) Launch(ctx context.Context, in Input) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.inputs[in.ID()]; ok && existing != in {
		return fmt.Errorf("%w: %s", ErrDuplicateInputID, in.ID())
	}
	if r.running[in.ID()] {
		return fmt.Errorf("%w: %s", ErrInputRunning, in.ID())
	}
	if err := in.Start(ctx); err != nil {
		return fmt.Errorf("failed to start input %s (%s): %w", in.Title(), in.ID(), err)
	}
	r.inputs[in.ID()] = in
	r.running[in.ID()] = true
	r.logger.Info("input started", "input_id", in.ID(), "title", in.Title(), "global", in.Global())
	return nil
}

// Running returns the running inputs ordered by id.
func (r *Registry) Running() []Input {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Input, 0, len(r.running))
	for id := range r.running {
		out = append(out, r.inputs[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Stop stops one input. It stays registered and can be launched again.
func (r *Registry) Stop(in Input) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running[in.ID()] {
		return fmt.Errorf("%w: %s", ErrInputNotFound, in.ID())
	}
	delete(r.running, in.ID())
	if err := in.Stop(); err != nil {
		return fmt.Errorf("failed to stop input %s: %w", in.ID(), err)
	}
	r.logger.Info("input stopped", "input_id", in.ID(), "title", in.Title())
	return nil
}

// StopAll stops every running input.
func (r *Registry) StopAll() error {
	var errs []error
	for _, in := range r.Running() {
		if err := r.Stop(in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
