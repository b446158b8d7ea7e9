package lifecycle

import (
	"log/slog"
	"sync"
	"time"
)

// Status is the node's single source of truth for its lifecycle state and
// load balancer status. It is safe for concurrent use.
//
// SUBSCRIPTIONS:
//
//	Status ──publish──► [chan cap 1] ──► reader
//	                └─► [chan cap 1] ──► api / tests
//
// Each subscriber channel holds at most the latest state; a slow subscriber
// misses intermediate states but always sees the newest one.
type Status struct {
	mu          sync.RWMutex
	nodeID      string
	state       State
	override    *LoadBalancerStatus
	startedAt   time.Time
	subscribers map[int]chan State
	nextSubID   int
	logger      *slog.Logger
}

// NewStatus creates a Status in the UNINITIALIZED state.
func NewStatus(nodeID string) *Status {
	return &Status{
		nodeID:      nodeID,
		state:       Uninitialized,
		startedAt:   time.Now(),
		subscribers: make(map[int]chan State),
		logger:      slog.Default().With("component", "lifecycle", "node_id", nodeID),
	}
}

func (s *Status) NodeID() string {
	return s.nodeID
}

func (s *Status) StartedAt() time.Time {
	return s.startedAt
}

// Lifecycle returns the current lifecycle state.
func (s *Status) Lifecycle() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LoadBalancerStatus returns the override if one is set, otherwise the
// status implied by the lifecycle state.
func (s *Status) LoadBalancerStatus() LoadBalancerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.override != nil {
		return *s.override
	}
	return s.state.LoadBalancerStatus()
}

// Overridden reports whether the LB status is currently overridden.
func (s *Status) Overridden() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.override != nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (s *Status) Start()    { s.setState(Starting) }
func (s *Status) Running()  { s.setState(Running) }
func (s *Status) Throttle() { s.setState(Throttled) }
func (s *Status) Pause()    { s.setState(Paused) }
func (s *Status) Halt()     { s.setState(Halting) }
func (s *Status) Fail()     { s.setState(Failed) }

// Resume returns a paused node to RUNNING. Other states are left alone.
func (s *Status) Resume() {
	s.transition(Running, func(cur State) bool { return cur == Paused })
}

func (s *Status) setState(next State) {
	s.transition(next, nil)
}

// transition moves to next if allowed reports true for the current state.
// Subscribers are notified under the lock so they observe changes in order;
// offer never blocks.
func (s *Status) transition(next State, allowed func(State) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if prev == next || (allowed != nil && !allowed(prev)) {
		return
	}
	s.state = next
	for _, ch := range s.subscribers {
		offer(ch, next)
	}
	s.logger.Info("lifecycle changed", "from", prev, "to", next)
}

// OverrideLoadBalancerDead forces the LB status to DEAD.
func (s *Status) OverrideLoadBalancerDead() {
	s.OverrideLoadBalancer(Dead)
}

// OverrideLoadBalancer pins the LB status regardless of lifecycle.
func (s *Status) OverrideLoadBalancer(status LoadBalancerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.override != nil && *s.override == status {
		return
	}
	s.override = &status
	s.logger.Warn("load balancer status overridden", "status", status)
}

// ClearLoadBalancerOverride returns to the lifecycle-derived LB status.
func (s *Status) ClearLoadBalancerOverride() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.override == nil {
		return
	}
	s.override = nil
	s.logger.Info("load balancer status override cleared", "status", s.state.LoadBalancerStatus())
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe returns a channel that immediately receives the current state and
// then every later state change, plus a function that unsubscribes.
func (s *Status) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	ch <- s.state
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// offer replaces any unread state in ch with state.
func offer(ch chan State, state State) {
	for {
		select {
		case ch <- state:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
