// =============================================================================
// PROCESS LIFECYCLE AND LOAD BALANCER STATUS
// =============================================================================
//
// The node moves through a small set of lifecycle states. Each state implies a
// load balancer status that upstream load balancers poll on
// GET /system/lbstatus:
//
//	┌───────────────┬──────────────┬──────────────────────────────────────────┐
//	│ Lifecycle     │ LB status    │ Journal reader                           │
//	├───────────────┼──────────────┼──────────────────────────────────────────┤
//	│ UNINITIALIZED │ DEAD         │ idle                                     │
//	│ STARTING      │ DEAD         │ idle                                     │
//	│ RUNNING       │ ALIVE        │ draining                                 │
//	│ THROTTLED     │ THROTTLED    │ draining (only upstream admission slows) │
//	│ PAUSED        │ DEAD         │ idle                                     │
//	│ HALTING       │ DEAD         │ idle                                     │
//	│ FAILED        │ DEAD         │ stops                                    │
//	└───────────────┴──────────────┴──────────────────────────────────────────┘
//
// An operator or a safety check (low disk) can override the LB status without
// touching the lifecycle. An override wins until it is cleared.
//
// =============================================================================

package lifecycle

import (
	"fmt"
	"strings"
)

// State is a process lifecycle state.
type State int

const (
	Uninitialized State = iota
	Starting
	Running
	Throttled
	Paused
	Halting
	Failed
)

var stateNames = map[State]string{
	Uninitialized: "UNINITIALIZED",
	Starting:      "STARTING",
	Running:       "RUNNING",
	Throttled:     "THROTTLED",
	Paused:        "PAUSED",
	Halting:       "HALTING",
	Failed:        "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// LoadBalancerStatus maps the lifecycle state to what load balancers see.
func (s State) LoadBalancerStatus() LoadBalancerStatus {
	switch s {
	case Running:
		return Alive
	case Throttled:
		return LBThrottled
	default:
		return Dead
	}
}

// ShouldRead reports whether the journal reader drains the journal in this
// state.
func (s State) ShouldRead() bool {
	return s == Running || s == Throttled
}

// LoadBalancerStatus is the node's health as reported to load balancers.
type LoadBalancerStatus int

const (
	Alive LoadBalancerStatus = iota
	LBThrottled
	Dead
)

func (s LoadBalancerStatus) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case LBThrottled:
		return "THROTTLED"
	case Dead:
		return "DEAD"
	default:
		return fmt.Sprintf("LoadBalancerStatus(%d)", int(s))
	}
}

// ParseLoadBalancerStatus parses "alive", "throttled" or "dead" in any case.
func ParseLoadBalancerStatus(s string) (LoadBalancerStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALIVE":
		return Alive, nil
	case "THROTTLED":
		return LBThrottled, nil
	case "DEAD":
		return Dead, nil
	default:
		return Dead, fmt.Errorf("unknown load balancer status %q", s)
	}
}
