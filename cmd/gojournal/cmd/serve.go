// =============================================================================
// SERVE COMMAND - RUN THE JOURNAL NODE
// =============================================================================
//
// STARTUP:
//
//   config ──► node id ──► metrics ──► lifecycle STARTING
//      │
//      ▼
//   journal.Open ──► process buffer ──► reader ──► periodicals ──► HTTP API
//      │
//      ▼
//   TCP input ──► lifecycle RUNNING (load balancer ALIVE)
//
// SHUTDOWN (SIGINT / SIGTERM):
//
//   lifecycle HALTING (load balancer DEAD)
//     1. stop inputs          no new writes
//     2. stop reader          no new buffer inserts
//     3. stop buffer          drain what the reader handed over
//     4. stop periodicals     graceful jobs finish their current run
//     5. close journal        flush committed offset, close segments
//     6. stop HTTP API
//
// =============================================================================

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gojournal/internal/api"
	"gojournal/internal/buffer"
	"gojournal/internal/codec"
	"gojournal/internal/config"
	"gojournal/internal/diskcheck"
	"gojournal/internal/input"
	"gojournal/internal/journal"
	"gojournal/internal/lifecycle"
	"gojournal/internal/metrics"
	"gojournal/internal/notification"
	"gojournal/internal/periodical"
	"gojournal/internal/reader"
)

var (
	printMessagesFlag bool
	shutdownTimeout   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the journal node",
	Long: `Run the journal node: a TCP input writing to the journal, the reader
draining it into the process buffer, background retention and flush jobs,
the disk space check and the HTTP API.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&printMessagesFlag, "print-messages", false,
		"Write every processed message to stdout as JSON")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second,
		"Maximum time to wait for the HTTP API to shut down")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var out io.Writer
	if printMessagesFlag {
		out = cmd.OutOrStdout()
	}

	n, err := newNode(cfg, metrics.Init(cfg.MetricsConfig()), out)
	if err != nil {
		return err
	}
	return n.run(ctx, shutdownTimeout)
}

// =============================================================================
// NODE
// =============================================================================

// node is one assembled gojournal process.
type node struct {
	config        *config.Config
	logger        *slog.Logger
	status        *lifecycle.Status
	notifications *notification.Service
	journal       *journal.Journal
	buffer        *buffer.ProcessBuffer
	reader        *reader.Reader
	inputs        *input.Registry
	tcp           *input.TCPInput
	runner        *periodical.Runner
	server        *api.Server
}

// newNode opens the journal and wires every component. Nothing runs until
// start.
func newNode(c *config.Config, registry *metrics.Registry, out io.Writer) (*node, error) {
	logger := slog.Default().With("component", "server")

	nodeID, err := lifecycle.LoadOrCreateNodeID(c.NodeIDFile)
	if err != nil {
		return nil, err
	}

	status := lifecycle.NewStatus(nodeID)
	status.Start()

	j, err := journal.Open(c.JournalConfig(registry), status)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	n := &node{
		config:        c,
		logger:        logger.With("node_id", nodeID),
		status:        status,
		notifications: notification.NewService(nodeID),
		journal:       j,
		inputs:        input.NewRegistry(),
		runner:        periodical.NewRunner(),
	}

	n.buffer = buffer.New(c.BufferConfig(), newOutput(out), registry.Buffer)
	n.reader = reader.New(reader.DefaultConfig(), j, n.buffer, status, registry.Reader)
	n.tcp = input.NewTCPInput(input.TCPConfig{
		ID:      "raw-tcp",
		Title:   "Raw TCP",
		Address: c.InputAddr,
	}, j, registry.Input)

	n.runner.Register(j.Jobs()...)
	n.runner.Register(diskcheck.New(c.DiskCheckConfig(), nil, status, n.notifications, n.inputs, registry.Disk))

	api.Version, api.GitCommit, api.BuildTime = Version, Commit, BuildDate
	serverConfig := api.DefaultServerConfig()
	serverConfig.Addr = c.HTTPAddr
	n.server = api.NewServer(api.Dependencies{
		Status:        status,
		Journal:       j,
		Buffer:        n.buffer,
		Notifications: n.notifications,
		Metrics:       registry.Handler(),
	}, serverConfig)

	return n, nil
}

// run starts the node, blocks until ctx is done or the reader fails, then
// shuts everything down in order.
func (n *node) run(ctx context.Context, shutdownTimeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if err := n.start(gctx, g); err != nil {
		cancel()
		return errors.Join(err, n.shutdown(g, shutdownTimeout))
	}

	<-gctx.Done()
	return n.shutdown(g, shutdownTimeout)
}

func (n *node) start(ctx context.Context, g *errgroup.Group) error {
	// The buffer outlives ctx so that Stop can drain it.
	if err := n.buffer.Start(context.Background()); err != nil {
		return err
	}
	g.Go(func() error {
		return n.reader.Run(ctx)
	})
	if err := n.runner.Start(ctx); err != nil {
		return err
	}
	if err := n.server.Start(); err != nil {
		return err
	}
	if err := n.inputs.Launch(ctx, n.tcp); err != nil {
		return fmt.Errorf("failed to start input: %w", err)
	}

	n.status.Running()
	n.logger.Info("gojournal started",
		"journal_dir", n.journal.Dir(),
		"input_addr", n.tcp.Addr(),
		"http_addr", n.server.Addr(),
		"periodicals", n.runner.Running(),
	)
	return nil
}

func (n *node) shutdown(g *errgroup.Group, timeout time.Duration) error {
	n.logger.Info("shutting down")
	n.status.Halt()

	var errs []error
	if err := n.inputs.StopAll(); err != nil {
		errs = append(errs, fmt.Errorf("stop inputs: %w", err))
	}
	// The reader exits once the errgroup context is cancelled; a reader
	// error is what cancelled it.
	if err := g.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("journal reader: %w", err))
	}
	if err := n.buffer.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop buffer: %w", err))
	}
	n.runner.Stop()
	if err := n.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close journal: %w", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := n.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop http api: %w", err))
	}

	n.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// =============================================================================
// OUTPUT
// =============================================================================

// newOutput returns the process buffer handler. With a nil writer messages
// are only logged at debug level; otherwise each one is written as a JSON
// line.
func newOutput(out io.Writer) buffer.Handler {
	logger := slog.Default().With("component", "output")
	if out == nil {
		return buffer.HandlerFunc(func(ctx context.Context, msg *codec.Message) error {
			logger.Debug("processed message",
				"message_id", msg.ID,
				"journal_offset", msg.JournalOffset,
				"source", msg.Source,
			)
			return nil
		})
	}

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	return buffer.HandlerFunc(func(ctx context.Context, msg *codec.Message) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(msg)
	})
}
