// =============================================================================
// PIPELINE METRICS - INPUTS, READER, PROCESS BUFFER, DISK CHECK
// =============================================================================
//
//	  inputs ──► journal ──► reader ──► process buffer ──► handler
//	  input_*                reader_*   buffer_*
//
//	  disk_* covers the filesystem the journal lives on.
//
// =============================================================================

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// READER
// =============================================================================

// ReaderMetrics tracks the goroutine draining the journal.
type ReaderMetrics struct {
	registry *Registry

	Blocked        prometheus.Counter
	DecodeFailures prometheus.Counter
	Forwarded      prometheus.Counter
	Active         prometheus.Gauge
}

func newReaderMetrics(r *Registry) *ReaderMetrics {
	m := &ReaderMetrics{registry: r}

	m.Blocked = r.newCounter(prometheus.CounterOpts{
		Subsystem: "reader",
		Name:      "blocked_total",
		Help:      "Times the reader found the journal empty and waited for new data",
	})
	m.DecodeFailures = r.newCounter(prometheus.CounterOpts{
		Subsystem: "reader",
		Name:      "decode_failures_total",
		Help:      "Journal entries that could not be decoded and were skipped",
	})
	m.Forwarded = r.newCounter(prometheus.CounterOpts{
		Subsystem: "reader",
		Name:      "forwarded_messages_total",
		Help:      "Messages handed to the process buffer",
	})
	m.Active = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "reader",
		Name:      "active",
		Help:      "1 while the lifecycle state lets the reader drain the journal",
	})

	return m
}

func (m *ReaderMetrics) RecordBlocked() {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Blocked.Inc()
}

func (m *ReaderMetrics) RecordDecodeFailure() {
	if m == nil || !m.registry.enabled {
		return
	}
	m.DecodeFailures.Inc()
}

func (m *ReaderMetrics) RecordForwarded() {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Forwarded.Inc()
}

func (m *ReaderMetrics) SetActive(active bool) {
	if m == nil || !m.registry.enabled {
		return
	}
	if active {
		m.Active.Set(1)
	} else {
		m.Active.Set(0)
	}
}

// =============================================================================
// PROCESS BUFFER
// =============================================================================

// BufferMetrics tracks the bounded buffer between reader and processors.
type BufferMetrics struct {
	registry *Registry

	Size          prometheus.Gauge
	Capacity      prometheus.Gauge
	Inserted      prometheus.Counter
	Processed     prometheus.Counter
	HandlerErrors prometheus.Counter
	InsertWait    prometheus.Histogram
}

func newBufferMetrics(r *Registry) *BufferMetrics {
	m := &BufferMetrics{registry: r}

	m.Size = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "buffer",
		Name:      "size",
		Help:      "Messages waiting in the process buffer",
	})
	m.Capacity = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "buffer",
		Name:      "capacity",
		Help:      "Ring size of the process buffer",
	})
	m.Inserted = r.newCounter(prometheus.CounterOpts{
		Subsystem: "buffer",
		Name:      "inserted_total",
		Help:      "Messages inserted into the process buffer",
	})
	m.Processed = r.newCounter(prometheus.CounterOpts{
		Subsystem: "buffer",
		Name:      "processed_total",
		Help:      "Messages taken out of the buffer by processors",
	})
	m.HandlerErrors = r.newCounter(prometheus.CounterOpts{
		Subsystem: "buffer",
		Name:      "handler_errors_total",
		Help:      "Messages whose handler returned an error",
	})
	m.InsertWait = r.newHistogram(prometheus.HistogramOpts{
		Subsystem: "buffer",
		Name:      "insert_wait_seconds",
		Help:      "Time InsertBlocking waited for free capacity",
	})

	return m
}

func (m *BufferMetrics) SetCapacity(capacity int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Capacity.Set(float64(capacity))
}

func (m *BufferMetrics) RecordInsert(size int, wait time.Duration) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Inserted.Inc()
	m.Size.Set(float64(size))
	m.InsertWait.Observe(wait.Seconds())
}

func (m *BufferMetrics) RecordProcessed(size int, err error) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Processed.Inc()
	m.Size.Set(float64(size))
	if err != nil {
		m.HandlerErrors.Inc()
	}
}

// =============================================================================
// INPUTS
// =============================================================================

// InputMetrics tracks message inputs.
type InputMetrics struct {
	registry *Registry

	Received      *prometheus.CounterVec
	WriteFailures *prometheus.CounterVec
	Connections   *prometheus.GaugeVec
}

func newInputMetrics(r *Registry) *InputMetrics {
	m := &InputMetrics{registry: r}

	m.Received = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "input",
		Name:      "messages_received_total",
		Help:      "Messages received by an input",
	}, []string{"input"})
	m.WriteFailures = r.newCounterVec(prometheus.CounterOpts{
		Subsystem: "input",
		Name:      "write_failures_total",
		Help:      "Messages an input failed to write to the journal",
	}, []string{"input"})
	m.Connections = r.newGaugeVec(prometheus.GaugeOpts{
		Subsystem: "input",
		Name:      "open_connections",
		Help:      "Open client connections per input",
	}, []string{"input"})

	return m
}

func (m *InputMetrics) RecordReceived(input string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Received.WithLabelValues(input).Inc()
}

func (m *InputMetrics) RecordWriteFailure(input string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.WriteFailures.WithLabelValues(input).Inc()
}

func (m *InputMetrics) ConnectionOpened(input string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Connections.WithLabelValues(input).Inc()
}

func (m *InputMetrics) ConnectionClosed(input string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Connections.WithLabelValues(input).Dec()
}

// =============================================================================
// DISK
// =============================================================================

// DiskMetrics tracks free space on the journal filesystem.
type DiskMetrics struct {
	registry *Registry

	TotalBytes        prometheus.Gauge
	FreeBytes         prometheus.Gauge
	FreePercent       prometheus.Gauge
	InsufficientSpace prometheus.Counter
}

func newDiskMetrics(r *Registry) *DiskMetrics {
	m := &DiskMetrics{registry: r}

	m.TotalBytes = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "disk",
		Name:      "total_bytes",
		Help:      "Size of the filesystem holding the journal",
	})
	m.FreeBytes = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "disk",
		Name:      "free_bytes",
		Help:      "Bytes available to the journal",
	})
	m.FreePercent = r.newGauge(prometheus.GaugeOpts{
		Subsystem: "disk",
		Name:      "free_percent",
		Help:      "Free space on the journal filesystem in percent",
	})
	m.InsufficientSpace = r.newCounter(prometheus.CounterOpts{
		Subsystem: "disk",
		Name:      "insufficient_space_total",
		Help:      "Disk checks that found free space below the configured floor",
	})

	return m
}

func (m *DiskMetrics) RecordCheck(total, free uint64, freePercent float64, insufficient bool) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.TotalBytes.Set(float64(total))
	m.FreeBytes.Set(float64(free))
	m.FreePercent.Set(freePercent)
	if insufficient {
		m.InsufficientSpace.Inc()
	}
}
