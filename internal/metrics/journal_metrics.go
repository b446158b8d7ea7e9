// =============================================================================
// JOURNAL METRICS - WRITE/READ THROUGHPUT AND SEGMENT STORE STATE
// =============================================================================
//
// The journal sits between inputs and processing. Its metrics answer:
//
//	┌─────────────────────────────────────────────────────────────────────────┐
//	│   THROUGHPUT     written_messages_total vs read_messages_total          │
//	│   BACKLOG        uncommitted_messages (log end - committed offset)      │
//	│   LOSS           write_discarded_messages_total (oversized entries)     │
//	│   DURABILITY     unflushed_messages, recovery_point, last_flush_time    │
//	│   DISK           size_bytes, segments, oldest_segment_time              │
//	│   RETENTION      utilization_percent, purged_segments_last_run          │
//	└─────────────────────────────────────────────────────────────────────────┘
//
// =============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JournalMetrics contains metrics for the journal façade and its log.
type JournalMetrics struct {
	registry *Registry

	WrittenMessages   prometheus.Counter
	ReadMessages      prometheus.Counter
	DiscardedMessages prometheus.Counter

	WriteLatency prometheus.Histogram
	ReadLatency  prometheus.Histogram

	UncommittedMessages prometheus.Gauge
	CommittedOffset     prometheus.Gauge

	Size              prometheus.Gauge
	LogEndOffset      prometheus.Gauge
	Segments          prometheus.Gauge
	UnflushedMessages prometheus.Gauge
	RecoveryPoint     prometheus.Gauge
	LastFlushTime     prometheus.Gauge
	OldestSegmentTime prometheus.Gauge
}

func newJournalMetrics(r *Registry) *JournalMetrics {
	m := &JournalMetrics{registry: r}

	// =========================================================================
	// THROUGHPUT
	// =========================================================================

	m.WrittenMessages = r.newCounter(prometheus.CounterOpts{
		Subsystem: "journal",
		Name:      "written_messages_total",
		Help:      "Messages appended to the journal",
	})
	m.ReadMessages = r.newCounter(prometheus.CounterOpts{
		Subsystem: "journal",
		Name:      "read_messages_total",
		Help:      "Messages read from the journal",
	})
	m.DiscardedMessages = r.newCounter(prometheus.CounterOpts{
		Subsystem: "journal",
		Name:      "write_discarded_messages_total",
		Help:      "Messages dropped because they do not fit into one segment",
	})

	m.WriteLatency = r.newHistogram(prometheus.HistogramOpts{
		Subsystem: "journal",
		Name:      "write_seconds",
		Help:      "Time to write one batch of entries",
	})
	m.ReadLatency = r.newHistogram(prometheus.HistogramOpts{
		Subsystem: "journal",
		Name:      "read_seconds",
		Help:      "Time to read one batch of entries",
	})

	// =========================================================================
	// OFFSETS
	// =========================================================================

	m.UncommittedMessages = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "journal",
		Name:      "uncommitted_messages",
		Help:      "Messages written but not yet committed by the reader",
	})
	m.CommittedOffset = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "journal",
		Name:      "committed_offset",
		Help:      "Highest offset handed off to processing",
	})

	// =========================================================================
	// LOG STATE
	// =========================================================================

	m.Size = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "journal",
		Name:      "size_bytes",
		Help:      "Total size of all segment files",
	})
	m.LogEndOffset = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "journal",
		Name:      "log_end_offset",
		Help:      "Offset the next written message will get",
	})
	m.Segments = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "journal",
		Name:      "segments",
		Help:      "Number of segment files",
	})
	m.UnflushedMessages = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "journal",
		Name:      "unflushed_messages",
		Help:      "Messages written since the last fsync",
	})
	m.RecoveryPoint = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "journal",
		Name:      "recovery_point",
		Help:      "First offset not yet known to be fsynced",
	})
	m.LastFlushTime = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "journal",
		Name:      "last_flush_time_seconds",
		Help:      "Unix time of the last fsync",
	})
	m.OldestSegmentTime = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "journal",
		Name:      "oldest_segment_time_seconds",
		Help:      "Unix modification time of the oldest segment",
	})

	return m
}

// =============================================================================
// RECORDING METHODS
// =============================================================================

// RecordWrite records a written batch.
func (m *JournalMetrics) RecordWrite(written int, latency time.Duration) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.WrittenMessages.Add(float64(written))
	m.WriteLatency.Observe(latency.Seconds())
}

// RecordDiscard records one oversized entry that was dropped.
func (m *JournalMetrics) RecordDiscard() {
	if m == nil || !m.registry.enabled {
		return
	}
	m.DiscardedMessages.Inc()
}

// RecordRead records a read batch.
func (m *JournalMetrics) RecordRead(read int, latency time.Duration) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.ReadMessages.Add(float64(read))
	m.ReadLatency.Observe(latency.Seconds())
}

// SetOffsets updates the committed offset and uncommitted backlog gauges.
func (m *JournalMetrics) SetOffsets(committed, uncommitted int64) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.CommittedOffset.Set(float64(committed))
	m.UncommittedMessages.Set(float64(uncommitted))
}

// LogState is a point-in-time view of the segment store.
type LogState struct {
	Size              int64
	LogEndOffset      int64
	Segments          int
	UnflushedMessages int64
	RecoveryPoint     int64
	LastFlush         time.Time
	OldestSegment     time.Time
}

// SetLogState updates all segment store gauges at once.
func (m *JournalMetrics) SetLogState(s LogState) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Size.Set(float64(s.Size))
	m.LogEndOffset.Set(float64(s.LogEndOffset))
	m.Segments.Set(float64(s.Segments))
	m.UnflushedMessages.Set(float64(s.UnflushedMessages))
	m.RecoveryPoint.Set(float64(s.RecoveryPoint))
	m.LastFlushTime.Set(float64(s.LastFlush.Unix()))
	if !s.OldestSegment.IsZero() {
		m.OldestSegmentTime.Set(float64(s.OldestSegment.Unix()))
	}
}

// =============================================================================
// RETENTION METRICS
// =============================================================================

// RetentionMetrics tracks the retention cleaner.
type RetentionMetrics struct {
	registry *Registry

	Utilization     prometheus.Gauge
	PurgedLastRun   prometheus.Gauge
	SegmentsDeleted *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	Throttled       prometheus.Gauge
}

func newRetentionMetrics(r *Registry) *RetentionMetrics {
	m := &RetentionMetrics{registry: r}

	m.Utilization = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "retention",
		Name:      "utilization_percent",
		Help:      "Journal size as a percentage of the retention size",
	})
	m.PurgedLastRun = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "retention",
		Name:      "purged_segments_last_run",
		Help:      "Segments deleted by the last retention run",
	})
	m.SegmentsDeleted = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "retention",
		Name:      "segments_deleted_total",
		Help:      "Segments deleted, by retention policy",
	}, []string{"policy"})
	m.RunDuration = r.newHistogram(prometheus.HistogramOpts{
		Subsystem: "retention",
		Name:      "run_seconds",
		Help:      "Duration of one retention run",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})
	m.Throttled = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "retention",
		Name:      "throttled",
		Help:      "1 while journal utilization keeps the node throttled",
	})

	return m
}

// RecordDeleted records segments removed by one policy.
func (m *RetentionMetrics) RecordDeleted(policy string, n int) {
	if m == nil || !m.registry.enabled || n == 0 {
		return
	}
	m.SegmentsDeleted.WithLabelValues(policy).Add(float64(n))
}

// RecordRun records the outcome of a full retention run.
func (m *RetentionMetrics) RecordRun(utilization float64, purged int, latency time.Duration) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Utilization.Set(utilization)
	m.PurgedLastRun.Set(float64(purged))
	m.RunDuration.Observe(latency.Seconds())
}

// SetThrottled records whether retention moved the node into THROTTLED.
func (m *RetentionMetrics) SetThrottled(throttled bool) {
	if m == nil || !m.registry.enabled {
		return
	}
	if throttled {
		m.Throttled.Set(1)
	} else {
		m.Throttled.Set(0)
	}
}
