// =============================================================================
// PROMETHEUS METRICS - CORE REGISTRY
// =============================================================================
//
// Every gojournal subsystem exposes its numbers through one Registry that is
// served at GET /metrics. Operators mostly care about three questions:
//
//	┌─────────────────────────────────────────────────────────────────────────┐
//	│  "Is the journal growing?"        gojournal_journal_uncommitted_messages│
//	│  "Is the reader keeping up?"      rate(gojournal_journal_read_*_total)  │
//	│  "Are we about to run out?"       gojournal_retention_utilization_percent│
//	│                                   gojournal_disk_free_percent           │
//	└─────────────────────────────────────────────────────────────────────────┘
//
// NAMING:
//
//	{namespace}_{subsystem}_{name}_{unit}
//
//	- namespace: gojournal
//	- subsystem: journal, retention, reader, buffer, input, disk
//	- unit: seconds, bytes, total (for counters)
//
// Every recording method is nil-safe and a no-op when metrics are disabled,
// so components can hold a nil *XxxMetrics in tests.
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// METRICS REGISTRY
// =============================================================================

// Registry holds all gojournal metrics and the Prometheus registry.
type Registry struct {
	promRegistry *prometheus.Registry
	config       Config
	logger       *slog.Logger
	enabled      bool

	Journal   *JournalMetrics
	Retention *RetentionMetrics
	Reader    *ReaderMetrics
	Buffer    *BufferMetrics
	Input     *InputMetrics
	Disk      *DiskMetrics
}

// Config holds metrics configuration.
type Config struct {
	// Enabled turns metrics collection on/off.
	// When disabled, all metric operations are no-ops.
	Enabled bool

	// Namespace is the prefix for all metrics (default: "gojournal").
	Namespace string

	// IncludeGoCollector adds Go runtime metrics (goroutines, GC, memory).
	IncludeGoCollector bool

	// IncludeProcessCollector adds process metrics (CPU, memory, fds).
	IncludeProcessCollector bool

	// HistogramBuckets for latency measurements (in seconds).
	HistogramBuckets []float64
}

// DefaultConfig returns sensible defaults for metrics configuration.
//
// Journal writes and reads are local disk operations; the buckets are dense
// between 50µs and 50ms with a long tail for fsync stalls.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "gojournal",
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		HistogramBuckets: []float64{
			0.00005,
			0.0001,
			0.00025,
			0.0005,
			0.001,
			0.0025,
			0.005,
			0.01,
			0.025,
			0.05,
			0.1,
			0.5,
			1,
			5,
		},
	}
}

// =============================================================================
// GLOBAL REGISTRY
// =============================================================================
//
// The serve command initialises one global registry and hands the subsystem
// structs to each component. Tests build isolated registries with
// NewRegistry.
//
// =============================================================================

var (
	globalRegistry *Registry
	globalOnce     sync.Once
)

// Init initializes the global metrics registry with the given config.
// Only the first call has an effect.
func Init(config Config) *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry(config)
	})
	return globalRegistry
}

// Get returns the global metrics registry, or nil if Init was not called.
func Get() *Registry {
	return globalRegistry
}

// Handler returns the HTTP handler for the global registry, or nil if
// metrics are not initialized.
func Handler() http.Handler {
	if globalRegistry == nil {
		return nil
	}
	return globalRegistry.Handler()
}

// =============================================================================
// REGISTRY CREATION
// =============================================================================

// NewRegistry creates a new metrics registry.
// Use Init() for the global singleton, or NewRegistry() for testing.
func NewRegistry(config Config) *Registry {
	logger := slog.Default().With("component", "metrics")
	if config.Namespace == "" {
		config.Namespace = "gojournal"
	}

	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		config:       config,
		logger:       logger,
		enabled:      config.Enabled,
	}

	if !config.Enabled {
		logger.Info("metrics collection disabled")
		return r
	}

	if config.IncludeGoCollector {
		r.promRegistry.MustRegister(collectors.NewGoCollector())
	}
	if config.IncludeProcessCollector {
		r.promRegistry.MustRegister(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		))
	}

	r.Journal = newJournalMetrics(r)
	r.Retention = newRetentionMetrics(r)
	r.Reader = newReaderMetrics(r)
	r.Buffer = newBufferMetrics(r)
	r.Input = newInputMetrics(r)
	r.Disk = newDiskMetrics(r)

	logger.Info("metrics registry initialized", "namespace", config.Namespace)
	return r
}

// =============================================================================
// HTTP HANDLER
// =============================================================================

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	if !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("# Metrics disabled\n"))
		})
	}

	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          &promLogger{logger: r.logger},
		Registry:          r.promRegistry,
	})
}

// promLogger adapts slog to Prometheus error logging interface.
type promLogger struct {
	logger *slog.Logger
}

func (l *promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", "error", v)
}

// =============================================================================
// UTILITY METHODS
// =============================================================================

// Enabled returns true if metrics collection is enabled.
func (r *Registry) Enabled() bool {
	return r.enabled
}

// Namespace returns the configured namespace.
func (r *Registry) Namespace() string {
	return r.config.Namespace
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// =============================================================================
// METRIC REGISTRATION HELPERS
// =============================================================================

func (r *Registry) newCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = r.config.Namespace
	counter := prometheus.NewCounter(opts)
	r.promRegistry.MustRegister(counter)
	return counter
}

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	counterVec := prometheus.NewCounterVec(opts, labelNames)
	r.promRegistry.MustRegister(counterVec)
	return counterVec
}

func (r *Registry) newGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = r.config.Namespace
	gauge := prometheus.NewGauge(opts)
	r.promRegistry.MustRegister(gauge)
	return gauge
}

func (r *Registry) newGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = r.config.Namespace
	gaugeVec := prometheus.NewGaugeVec(opts, labelNames)
	r.promRegistry.MustRegister(gaugeVec)
	return gaugeVec
}

// newHistogram uses the registry's default buckets when opts has none.
func (r *Registry) newHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.HistogramBuckets
	}
	histogram := prometheus.NewHistogram(opts)
	r.promRegistry.MustRegister(histogram)
	return histogram
}

// =============================================================================
// TIMING HELPERS
// =============================================================================
//
// USAGE PATTERN:
//
//	timer := metrics.NewTimer(m.WriteLatency)
//	defer timer.ObserveDuration()
//

// Timer measures the duration of an operation.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer that will observe the given histogram.
// A nil observer only measures.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: observer,
	}
}

// ObserveDuration records the elapsed time since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	elapsed := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(elapsed.Seconds())
	}
	return elapsed
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Shutdown gracefully shuts down the metrics registry.
func (r *Registry) Shutdown() error {
	r.logger.Info("metrics registry shutdown")
	return nil
}

// Shutdown shuts down the global registry.
func Shutdown() error {
	if globalRegistry != nil {
		return globalRegistry.Shutdown()
	}
	return nil
}
