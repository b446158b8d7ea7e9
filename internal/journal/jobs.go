package journal

import (
	"context"

	"gojournal/internal/periodical"
)

// Jobs returns the journal's background jobs. They share the segment store
// with writers and the reader and are safe to run concurrently with both.
//
//	┌───────────────────────────┬─────────────────────────────────────────┐
//	│ journal-dirty-flusher     │ fsync data older than the flush age     │
//	│ journal-checkpoint        │ persist the recovery point              │
//	│ journal-offset-flusher    │ persist the committed offset            │
//	│ journal-retention         │ age, size and committed cleanup         │
//	│ journal-throttle-state    │ event rates and gauges                  │
//	└───────────────────────────┴─────────────────────────────────────────┘
func (j *Journal) Jobs() []periodical.Periodical {
	c := j.config
	return []periodical.Periodical{
		&periodical.Job{
			JobName:  "journal-dirty-flusher",
			Delay:    c.JobInitialDelay,
			Interval: c.FlushCheckInterval,
			Graceful: true,
			Daemon:   true,
			Fn: func(context.Context) {
				if err := j.FlushDirtyLogs(); err != nil && !j.shuttingDown.Load() {
					j.logger.Error("failed to flush dirty journal", "error", err)
				}
			},
		},
		&periodical.Job{
			JobName:  "journal-checkpoint",
			Delay:    c.JobInitialDelay,
			Interval: c.CheckpointInterval,
			Graceful: true,
			Daemon:   true,
			Fn: func(context.Context) {
				if err := j.CheckpointRecoveryPoint(); err != nil && !j.shuttingDown.Load() {
					j.logger.Error("failed to checkpoint recovery point", "error", err)
				}
			},
		},
		&periodical.Job{
			JobName:  "journal-offset-flusher",
			Delay:    c.OffsetFlushInterval,
			Interval: c.OffsetFlushInterval,
			Graceful: true,
			Daemon:   true,
			Fn: func(context.Context) {
				if err := j.FlushCommittedOffset(); err != nil {
					j.logger.Error("failed to flush committed offset", "error", err)
				}
			},
		},
		&periodical.Job{
			JobName:  "journal-retention",
			Delay:    c.JobInitialDelay,
			Interval: c.RetentionCheckInterval,
			Graceful: true,
			Daemon:   true,
			Fn: func(context.Context) {
				if j.shuttingDown.Load() {
					return
				}
				j.CleanupLogs()
			},
		},
		&periodical.Job{
			JobName:  "journal-throttle-state",
			Delay:    c.ThrottleStateInterval,
			Interval: c.ThrottleStateInterval,
			Daemon:   true,
			Fn: func(context.Context) {
				if j.shuttingDown.Load() {
					return
				}
				j.updateThrottleState()
			},
		},
	}
}
