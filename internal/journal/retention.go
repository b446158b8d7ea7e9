package journal

import (
	"time"

	"gojournal/internal/lifecycle"
	"gojournal/internal/storage"
)

// =============================================================================
// RETENTION AND THROTTLING
// =============================================================================
//
// Every retention run applies three policies in order:
//
//	┌────────────┬────────────────────────────────────────────────────────────┐
//	│ age        │ segments not modified for longer than RetentionAge         │
//	│ size       │ oldest segments until the journal fits RetentionSize       │
//	│ committed  │ segments whose whole range lies below the committed offset │
//	└────────────┴────────────────────────────────────────────────────────────┘
//
// The size policy also drives the load balancer status. The flip is edge
// triggered so an operator override or a DEAD status is never touched:
//
//	ALIVE      and utilization >= threshold  → THROTTLED
//	THROTTLED  and utilization <  threshold  → ALIVE
//
// At least one segment always survives.
//
// =============================================================================

const (
	policyAge       = "age"
	policySize      = "size"
	policyCommitted = "committed"
)

// CleanupLogs runs all retention policies and returns how many segments were
// deleted.
func (j *Journal) CleanupLogs() int {
	start := time.Now()

	purged := 0
	purged += j.runPolicy(policyAge, j.cleanupExpiredSegments)
	purged += j.runPolicy(policySize, j.cleanupSegmentsToMaintainSize)
	purged += j.runPolicy(policyCommitted, j.cleanupSegmentsToRemoveCommittedMessages)

	j.throttleMu.Lock()
	j.purgedLastRun = purged
	utilization := j.utilization
	j.throttleMu.Unlock()

	j.config.RetentionMetrics.RecordRun(utilization, purged, time.Since(start))
	j.updateMetrics()
	return purged
}

func (j *Journal) runPolicy(policy string, cleanup func() (int, error)) int {
	n, err := cleanup()
	if err != nil {
		j.logger.Error("journal retention failed", "policy", policy, "error", err)
	}
	if n > 0 {
		j.logger.Info("removed journal segments", "policy", policy, "segments", n)
		j.config.RetentionMetrics.RecordDeleted(policy, n)
	}
	return n
}

func (j *Journal) cleanupExpiredSegments() (int, error) {
	if j.config.RetentionAge <= 0 {
		return 0, nil
	}
	now := j.now()
	return j.log.DeleteOldSegments(func(s *storage.Segment) bool {
		return now.Sub(s.LastModified()) > j.config.RetentionAge
	})
}

func (j *Journal) cleanupSegmentsToMaintainSize() (int, error) {
	retentionSize := j.config.RetentionSize
	size := j.log.Size()

	var utilization float64
	if retentionSize > 0 {
		utilization = float64(size) * 100 / float64(retentionSize)
	}
	j.throttleMu.Lock()
	j.utilization = utilization
	j.throttleMu.Unlock()

	if utilization > utilizationWarnPercent {
		j.logger.Warn("journal utilization is too high, it may go over the limit soon",
			"utilization_percent", utilization,
			"size", size,
			"size_limit", retentionSize,
		)
	}
	if j.config.ThrottleThresholdPercentage != ThrottlingDisabled {
		j.updateLoadBalancerStatus(utilization)
	}

	if retentionSize < 0 || size < retentionSize {
		return 0, nil
	}

	diff := size - retentionSize
	return j.log.DeleteOldSegments(func(s *storage.Segment) bool {
		if diff-s.Size() < 0 {
			return false
		}
		diff -= s.Size()
		return true
	})
}

func (j *Journal) updateLoadBalancerStatus(utilization float64) {
	if j.lb == nil {
		return
	}
	threshold := float64(j.config.ThrottleThresholdPercentage)

	switch status := j.lb.LoadBalancerStatus(); {
	case status == lifecycle.LBThrottled && utilization < threshold:
		j.logger.Info("journal utilization below threshold, removing throttle",
			"utilization_percent", utilization,
			"threshold_percent", threshold,
		)
		j.lb.Running()
		j.config.RetentionMetrics.SetThrottled(false)
	case status == lifecycle.Alive && utilization >= threshold:
		j.logger.Warn("journal utilization reached threshold, throttling node",
			"utilization_percent", utilization,
			"threshold_percent", threshold,
		)
		j.lb.Throttle()
		j.config.RetentionMetrics.SetThrottled(true)
	}
}

func (j *Journal) cleanupSegmentsToRemoveCommittedMessages() (int, error) {
	if j.log.NumberOfSegments() <= 1 {
		return 0, nil
	}
	committed := j.committedOffset.Load()
	return j.log.DeleteOldSegments(func(s *storage.Segment) bool {
		return s.NextOffset() <= committed
	})
}
