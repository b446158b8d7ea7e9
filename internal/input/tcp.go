package input

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gojournal/internal/codec"
	"gojournal/internal/metrics"
)

// DefaultMaxLineSize bounds one newline-delimited message.
const DefaultMaxLineSize = 64 * 1024

// TCPConfig configures a newline-delimited TCP input.
type TCPConfig struct {
	ID          string
	Title       string
	Address     string
	Global      bool
	MaxLineSize int
}

// TCPInput reads one message per line from TCP clients.
type TCPInput struct {
	config  TCPConfig
	writer  Writer
	metrics *metrics.InputMetrics
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	running  bool
	wg       sync.WaitGroup
}

// NewTCPInput creates an input. An empty ID gets a random one.
func NewTCPInput(config TCPConfig, w Writer, m *metrics.InputMetrics) *TCPInput {
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if config.Title == "" {
		config.Title = "tcp " + config.Address
	}
	if config.MaxLineSize <= 0 {
		config.MaxLineSize = DefaultMaxLineSize
	}
	return &TCPInput{
		config:  config,
		writer:  w,
		metrics: m,
		conns:   make(map[net.Conn]struct{}),
		logger:  slog.Default().With("component", "tcp-input", "input_id", config.ID),
	}
}

func (in *TCPInput) ID() string    { return in.config.ID }
func (in *TCPInput) Title() string { return in.config.Title }
func (in *TCPInput) Global() bool  { return in.config.Global }

// Start listens and accepts connections in the background.
func (in *TCPInput) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.running {
		return ErrInputRunning
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", in.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", in.config.Address, err)
	}
	in.listener = listener
	in.running = true

	in.wg.Add(1)
	go in.acceptLoop(listener)

	in.logger.Info("tcp input listening", "address", listener.Addr().String())
	return nil
}

func (in *TCPInput) acceptLoop(listener net.Listener) {
	defer in.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			in.logger.Warn("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		in.mu.Lock()
		if !in.running {
			in.mu.Unlock()
			conn.Close()
			return
		}
		in.conns[conn] = struct{}{}
		in.wg.Add(1)
		in.mu.Unlock()

		go in.handleConn(conn)
	}
}

func (in *TCPInput) handleConn(conn net.Conn) {
	defer in.wg.Done()
	defer func() {
		in.mu.Lock()
		delete(in.conns, conn)
		in.mu.Unlock()
		conn.Close()
		in.metrics.ConnectionClosed(in.config.ID)
	}()
	in.metrics.ConnectionOpened(in.config.ID)

	source := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(source); err == nil {
		source = host
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), in.config.MaxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		in.metrics.RecordReceived(in.config.ID)
		if err := in.write(line, source); err != nil {
			in.metrics.RecordWriteFailure(in.config.ID)
			in.logger.Error("failed to write message to journal", "source", source, "error", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		in.logger.Warn("connection closed with error", "source", source, "error", err)
	}
}

func (in *TCPInput) write(line, source string) error {
	msg := codec.NewMessage(line, source, time.Now())
	msg.AddField("input_id", in.config.ID)

	data, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	_, err = in.writer.WriteOne([]byte(msg.ID), data)
	return err
}

// Addr is the bound listen address, or the configured one when not running.
func (in *TCPInput) Addr() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.listener != nil {
		return in.listener.Addr().String()
	}
	return in.config.Address
}

// Stop closes the listener and every open connection and waits for the
// connection goroutines to finish.
func (in *TCPInput) Stop() error {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return nil
	}
	in.running = false
	err := in.listener.Close()
	for conn := range in.conns {
		conn.Close()
	}
	in.mu.Unlock()

	in.wg.Wait()

	in.mu.Lock()
	in.listener = nil
	in.mu.Unlock()
	return err
}
