// Package notification keeps the node's active system notifications. A
// notification of a given type exists at most once until it is fixed, so a
// condition that persists across many checks is raised only the first time.
package notification

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Type identifies a notification condition.
type Type string

const (
	JournalInsufficientDiskSpace Type = "JOURNAL_INSUFFICIENT_DISK_SPACE"
	JournalUtilizationTooHigh    Type = "JOURNAL_UTILIZATION_TOO_HIGH"
)

// Severity is how urgently an operator should look at a notification.
type Severity string

const (
	SeverityNormal Severity = "NORMAL"
	SeverityUrgent Severity = "URGENT"
)

// Notification is one active condition.
type Notification struct {
	Type      Type                   `json:"type"`
	Severity  Severity               `json:"severity"`
	NodeID    string                 `json:"node_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// New creates a notification stamped with the current time.
func New(t Type, severity Severity) *Notification {
	return &Notification{
		Type:      t,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Details:   make(map[string]interface{}),
	}
}

// AddDetail sets one detail and returns n for chaining.
func (n *Notification) AddDetail(key string, value interface{}) *Notification {
	if n.Details == nil {
		n.Details = make(map[string]interface{})
	}
	n.Details[key] = value
	return n
}

// Service stores active notifications in memory.
type Service struct {
	mu     sync.RWMutex
	nodeID string
	active map[Type]*Notification
	logger *slog.Logger
}

func NewService(nodeID string) *Service {
	return &Service{
		nodeID: nodeID,
		active: make(map[Type]*Notification),
		logger: slog.Default().With("component", "notifications"),
	}
}

// PublishIfFirst stores n unless a notification of the same type is already
// active. It reports whether n was stored.
func (s *Service) PublishIfFirst(n *Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.active[n.Type]; exists {
		return false
	}
	if n.NodeID == "" {
		n.NodeID = s.nodeID
	}
	s.active[n.Type] = n
	s.logger.Warn("published notification", "type", n.Type, "severity", n.Severity)
	return true
}

// Fix clears the notification of type t. It reports whether one was active.
func (s *Service) Fix(t Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.active[t]; !exists {
		return false
	}
	delete(s.active, t)
	s.logger.Info("fixed notification", "type", t)
	return true
}

// IsFirst reports whether no notification of type t is active.
func (s *Service) IsFirst(t Type) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.active[t]
	return !exists
}

// All returns the active notifications, oldest first.
func (s *Service) All() []*Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Notification, 0, len(s.active))
	for _, n := range s.active {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Type < out[j].Type
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
