// =============================================================================
// DISK SPACE CHECK - PULL THE NODE OUT OF ROTATION BEFORE THE DISK FILLS UP
// =============================================================================
//
// Retention keeps the journal within its configured size, but the filesystem
// can still fill up from other files. When free space on the journal
// filesystem drops below the floor this periodical:
//
//  1. publishes an URGENT JOURNAL_INSUFFICIENT_DISK_SPACE notification
//     (once, until it is fixed)
//  2. forces the load balancer status to DEAD
//  3. optionally stops every running local input
//
// DEAD is stronger than the utilization based THROTTLED and wins over it.
//
// =============================================================================

package diskcheck

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"gojournal/internal/input"
	"gojournal/internal/metrics"
	"gojournal/internal/notification"
)

// DefaultInitialDelay is how long after startup the first check runs.
const DefaultInitialDelay = time.Minute

// Usage is a filesystem's size and free space in bytes.
type Usage struct {
	Total uint64
	Free  uint64
}

// FreePercent is free space as a whole percentage of total.
func (u Usage) FreePercent() uint64 {
	if u.Total == 0 {
		return 0
	}
	return u.Free * 100 / u.Total
}

// UsageFunc reports usage of the filesystem containing path.
type UsageFunc func(path string) (Usage, error)

// LoadBalancer can force the node out of rotation.
type LoadBalancer interface {
	OverrideLoadBalancerDead()
}

// Notifier publishes deduplicated notifications.
type Notifier interface {
	PublishIfFirst(n *notification.Notification) bool
}

// Inputs is the running input set the check may stop.
type Inputs interface {
	Running() []input.Input
	Stop(in input.Input) error
}

// Config configures the check.
type Config struct {
	Dir              string
	JournalEnabled   bool
	CheckEnabled     bool
	FreePercentFloor int
	Interval         time.Duration
	InitialDelay     time.Duration
	StopInputs       bool
}

// Periodical checks free space on the journal filesystem.
type Periodical struct {
	config   Config
	usage    UsageFunc
	lb       LoadBalancer
	notifier Notifier
	inputs   Inputs
	metrics  *metrics.DiskMetrics
	logger   *slog.Logger
}

// New creates the check. A nil usage function uses the real filesystem; m
// may be nil.
func New(config Config, usage UsageFunc, lb LoadBalancer, notifier Notifier, inputs Inputs, m *metrics.DiskMetrics) *Periodical {
	if usage == nil {
		usage = FilesystemUsage
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultInitialDelay
	}
	return &Periodical{
		config:   config,
		usage:    usage,
		lb:       lb,
		notifier: notifier,
		inputs:   inputs,
		metrics:  m,
		logger:   slog.Default().With("component", "journal-disk-check"),
	}
}

func (p *Periodical) Name() string                 { return "journal-disk-check" }
func (p *Periodical) InitialDelay() time.Duration  { return p.config.InitialDelay }
func (p *Periodical) Period() time.Duration        { return p.config.Interval }
func (p *Periodical) RunsForever() bool            { return false }
func (p *Periodical) StopOnGracefulShutdown() bool { return true }
func (p *Periodical) LeaderOnly() bool             { return false }
func (p *Periodical) IsDaemon() bool               { return true }

// StartOnThisNode is true when both the journal and the check are enabled.
func (p *Periodical) StartOnThisNode() bool {
	return p.config.JournalEnabled && p.config.CheckEnabled
}

// Run performs one check.
func (p *Periodical) Run(ctx context.Context) {
	dir, err := filepath.Abs(p.config.Dir)
	if err != nil {
		dir = p.config.Dir
	}

	usage, err := p.usage(dir)
	if err != nil {
		p.logger.Error("failed to read journal filesystem usage", "dir", dir, "error", err)
		return
	}

	freePercent := usage.FreePercent()
	insufficient := freePercent < uint64(max(p.config.FreePercentFloor, 0))
	p.metrics.RecordCheck(usage.Total, usage.Free, float64(freePercent), insufficient)
	if !insufficient {
		return
	}

	n := notification.New(notification.JournalInsufficientDiskSpace, notification.SeverityUrgent).
		AddDetail("journal_dir", dir).
		AddDetail("disk_total_bytes", usage.Total).
		AddDetail("disk_free_bytes", usage.Free).
		AddDetail("disk_free_percent", freePercent)
	p.notifier.PublishIfFirst(n)

	p.logger.Warn("journal filesystem is running out of space, taking node out of load balancer rotation",
		"dir", dir,
		"free_percent", freePercent,
		"floor_percent", p.config.FreePercentFloor,
		"free_bytes", usage.Free,
		"total_bytes", usage.Total,
	)
	p.lb.OverrideLoadBalancerDead()

	if p.config.StopInputs && p.inputs != nil {
		p.stopLocalInputs()
	}
}

func (p *Periodical) stopLocalInputs() {
	for _, in := range p.inputs.Running() {
		if in.Global() {
			continue
		}
		p.logger.Warn("stopping input because the journal filesystem is almost full",
			"input_id", in.ID(),
			"title", in.Title(),
		)
		if err := p.inputs.Stop(in); err != nil {
			p.logger.Error("failed to stop input", "input_id", in.ID(), "error", err)
		}
	}
}
