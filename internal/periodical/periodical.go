// =============================================================================
// PERIODICALS - NAMED BACKGROUND JOBS
// =============================================================================
//
// A periodical is a unit of background work with a fixed schedule:
//
//	  start ──[InitialDelay]──► run ──[Period]──► run ──[Period]──► ...
//
// The journal flushers, the retention cleaner and the disk space check are all
// periodicals. The Runner owns one goroutine per periodical and stops them all
// on shutdown; a run that is already in progress finishes first.
//
// FLAGS:
//   - RunsForever: Run is called once and is expected to block until ctx is
//     done (no schedule).
//   - StopOnGracefulShutdown: Stop waits for the job; others are abandoned.
//   - LeaderOnly: only started on the cluster leader. A single node is always
//     the leader here, the flag is kept for inspection.
//   - Daemon: informational, the job does not keep the process alive.
//
// =============================================================================

package periodical

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrRunnerStarted = errors.New("periodical runner already started")

// Periodical is a scheduled background job.
type Periodical interface {
	Name() string
	InitialDelay() time.Duration
	Period() time.Duration
	RunsForever() bool
	StopOnGracefulShutdown() bool
	LeaderOnly() bool
	StartOnThisNode() bool
	IsDaemon() bool
	Run(ctx context.Context)
}

// Job adapts a function into a Periodical. The zero values of the flags give
// a non-daemon job that always starts and is stopped gracefully only when
// Graceful is set.
type Job struct {
	JobName  string
	Delay    time.Duration
	Interval time.Duration
	Forever  bool
	Graceful bool
	Leader   bool
	Daemon   bool
	Enabled  func() bool
	Fn       func(ctx context.Context)
}

func (j *Job) Name() string                 { return j.JobName }
func (j *Job) InitialDelay() time.Duration  { return j.Delay }
func (j *Job) Period() time.Duration        { return j.Interval }
func (j *Job) RunsForever() bool            { return j.Forever }
func (j *Job) StopOnGracefulShutdown() bool { return j.Graceful }
func (j *Job) LeaderOnly() bool             { return j.Leader }
func (j *Job) IsDaemon() bool               { return j.Daemon }
func (j *Job) Run(ctx context.Context)      { j.Fn(ctx) }

func (j *Job) StartOnThisNode() bool {
	if j.Enabled == nil {
		return true
	}
	return j.Enabled()
}

// =============================================================================
// RUNNER
// =============================================================================

// Runner starts registered periodicals and stops them on shutdown.
type Runner struct {
	mu          sync.Mutex
	periodicals []Periodical
	running     map[string]bool
	started     bool

	ctx    context.Context
	cancel context.CancelFunc

	graceful sync.WaitGroup
	others   sync.WaitGroup

	logger *slog.Logger
}

func NewRunner() *Runner {
	return &Runner{
		running: make(map[string]bool),
		logger:  slog.Default().With("component", "periodicals"),
	}
}

// Register adds periodicals. Registering after Start starts them right away.
func (r *Runner) Register(ps ...Periodical) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.periodicals = append(r.periodicals, ps...)
	if r.started {
		for _, p := range ps {
			r.startLocked(p)
		}
	}
}

// Start launches every registered periodical whose StartOnThisNode is true.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerStarted
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	for _, p := range r.periodicals {
		r.startLocked(p)
	}
	return nil
}

func (r *Runner) startLocked(p Periodical) {
	if !p.StartOnThisNode() {
		r.logger.Info("not starting periodical on this node", "periodical", p.Name())
		return
	}
	if p.Period() <= 0 && !p.RunsForever() {
		r.logger.Warn("periodical has no period, not starting", "periodical", p.Name())
		return
	}

	wg := &r.others
	if p.StopOnGracefulShutdown() {
		wg = &r.graceful
	}
	r.running[p.Name()] = true
	wg.Add(1)
	go r.loop(r.ctx, p, wg)

	r.logger.Info("started periodical",
		"periodical", p.Name(),
		"initial_delay", p.InitialDelay(),
		"period", p.Period(),
	)
}

func (r *Runner) loop(ctx context.Context, p Periodical, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.running, p.Name())
		r.mu.Unlock()
	}()

	if d := p.InitialDelay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	if p.RunsForever() {
		r.runOnce(ctx, p)
		return
	}

	ticker := time.NewTicker(p.Period())
	defer ticker.Stop()

	r.runOnce(ctx, p)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, p)
		}
	}
}

// runOnce isolates a panicking job so one bad run does not kill the loop.
func (r *Runner) runOnce(ctx context.Context, p Periodical) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("periodical panicked", "periodical", p.Name(), "panic", rec)
		}
	}()
	p.Run(ctx)
}

// Running returns the names of periodicals whose loop is active.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.running))
	for name := range r.running {
		names = append(names, name)
	}
	return names
}

// Stop cancels every periodical and waits for those marked
// StopOnGracefulShutdown to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started || r.cancel == nil {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.graceful.Wait()
	r.logger.Info("periodicals stopped")
}
