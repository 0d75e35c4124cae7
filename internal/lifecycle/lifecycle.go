// Package lifecycle coordinates startup and shutdown of a daemon.
//
// A Manager owns the bus connection for closing purposes: components get
// the connection injected but only the manager closes it, after every
// registered closer has run. Closers run in reverse registration order,
// each under its own timeout, and the whole sequence runs exactly once no
// matter how often or from how many goroutines shutdown is requested.
package lifecycle

import (
	"context"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/UgoRastell/microsaas/internal/bus"
	"github.com/UgoRastell/microsaas/internal/pkg/logger"
)

// State is the coarse process state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithCloserTimeout bounds each closer individually.
func WithCloserTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.closerTimeout = d
		}
	}
}

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Manager tracks process state and runs the shutdown sequence.
type Manager struct {
	conn          bus.Conn
	log           *logger.Logger
	closerTimeout time.Duration

	state atomic.Int32

	mu      sync.Mutex
	closers []closer
	failErr error

	failOnce sync.Once
	failed   chan struct{}

	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a manager owning conn. conn may be nil for processes
// without a bus connection.
func New(conn bus.Conn, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		conn:          conn,
		log:           log.WithComponent("lifecycle"),
		closerTimeout: 15 * time.Second,
		failed:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	m.state.Store(int32(StateStarting))

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// OnShutdown registers a named closer. Closers run in reverse
// registration order, before the bus connection is closed.
func (m *Manager) OnShutdown(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if State(m.state.Load()) >= StateShuttingDown {
		m.log.Warn("closer registered during shutdown, ignoring", "name", name)
		return
	}
	m.closers = append(m.closers, closer{name: name, fn: fn})
}

// State returns the current state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Ready reports whether the process is fully started and serving.
func (m *Manager) Ready() bool {
	return m.State() == StateRunning
}

// Done is closed once shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Fail reports a fatal error. The first call wins and triggers shutdown;
// Run returns the recorded error.
func (m *Manager) Fail(err error) {
	if err == nil {
		return
	}

	m.mu.Lock()
	if m.failErr == nil {
		m.failErr = err
	}
	m.mu.Unlock()

	m.failOnce.Do(func() { close(m.failed) })
}

// Err returns the fatal error recorded by Fail, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failErr
}

// Run marks the process running, then blocks until SIGINT/SIGTERM, a
// context cancellation or a Fail call, and runs the shutdown sequence.
// It returns the fatal error when shutdown was caused by one.
func (m *Manager) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	m.log.Info("running")

	select {
	case <-sigCtx.Done():
		m.log.Info("shutdown requested")
	case <-m.failed:
		m.log.WithError(m.Err()).Error("fatal error, shutting down")
	}

	m.Shutdown()
	return m.Err()
}

// Shutdown runs every registered closer in reverse order, closes the bus
// connection last and marks the process stopped. Idempotent.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.state.Store(int32(StateShuttingDown))
		m.log.Info("shutting down")

		m.mu.Lock()
		closers := make([]closer, len(m.closers))
		copy(closers, m.closers)
		m.mu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			m.runCloser(closers[i])
		}

		if m.conn != nil {
			if err := m.conn.Close(); err != nil {
				m.log.WithError(err).Warn("closing bus connection")
			}
		}

		m.state.Store(int32(StateStopped))
		close(m.done)
		m.log.Info("stopped")
	})
}

// runCloser runs one closer under the per-closer timeout. A closer that
// ignores its context is abandoned, not waited for.
func (m *Manager) runCloser(c closer) {
	ctx, cancel := context.WithTimeout(context.Background(), m.closerTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.fn(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			m.log.WithError(err).Warn("closer failed", "name", c.name)
			return
		}
		m.log.Debug("closer finished", "name", c.name)
	case <-ctx.Done():
		m.log.Warn("closer timed out", "name", c.name)
	}
}
