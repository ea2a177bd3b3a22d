// Package daemon implements the accept loop, connection task, housekeeping
// task, and signal handling of spec §5: the main task accepts local Unix
// socket connections, retrieves peer credentials, and hands each one to a
// connection task that reads exactly one request, dispatches it, writes
// the response, and terminates (spec §2: "reads a request... invokes a
// handler, writes a response, and terminates").
package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gpg/payproc/internal/currency"
	"github.com/gpg/payproc/internal/metrics"
	"github.com/gpg/payproc/internal/protocol"
	"github.com/gpg/payproc/internal/session"
)

// Config carries everything the accept loop needs beyond the wired
// Dispatcher itself.
type Config struct {
	SocketPath        string
	ShutdownTimeout   time.Duration
	HousekeepingEvery time.Duration // default 5 minutes if zero
}

// Daemon owns the listening socket and the housekeeping/signal
// goroutines around one protocol.Dispatcher.
type Daemon struct {
	cfg        Config
	dispatcher *protocol.Dispatcher
	sessions   *session.Store
	currencies *currency.Table
	metrics    *metrics.Registry
	logger     *zap.Logger

	listener *net.UnixListener

	activeConnections atomic.Int64
	shutdownPending   atomic.Bool
}

// New builds a Daemon. metricsReg may be nil to disable metric updates.
func New(cfg Config, dispatcher *protocol.Dispatcher, sessions *session.Store, currencies *currency.Table, metricsReg *metrics.Registry, logger *zap.Logger) *Daemon {
	if cfg.HousekeepingEvery == 0 {
		cfg.HousekeepingEvery = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		cfg: cfg, dispatcher: dispatcher, sessions: sessions,
		currencies: currencies, metrics: metricsReg, logger: logger,
	}
}

// ActiveConnections reports the current in-flight connection count
// (spec §5: "active_connections ... atomics observed by the accept loop").
func (d *Daemon) ActiveConnections() int64 { return d.activeConnections.Load() }

// ShutdownPending reports whether a graceful shutdown has been requested.
func (d *Daemon) ShutdownPending() bool { return d.shutdownPending.Load() }

// RequestShutdown triggers the same graceful-shutdown path a SIGTERM
// does; wired as protocol.Deps.RequestShutdown for the SHUTDOWN command
// (spec §6.3: "OK then SIGTERM self").
func (d *Daemon) RequestShutdown() {
	d.shutdownPending.Store(true)
	_ = syscallSelfTerm()
}

// Run listens on cfg.SocketPath, removing a stale socket file left by a
// crashed prior instance (probed with PING, spec §6.1), then accepts
// connections until ctx is canceled or a graceful shutdown is requested.
// It blocks until the accept loop and all in-flight connections have
// drained (bounded by cfg.ShutdownTimeout).
func (d *Daemon) Run(ctx context.Context) error {
	if err := removeStaleSocket(d.cfg.SocketPath, d.logger); err != nil {
		return err
	}
	if err := os.MkdirAll(dirOf(d.cfg.SocketPath), 0o755); err != nil {
		return err
	}

	addr, err := net.ResolveUnixAddr("unix", d.cfg.SocketPath)
	if err != nil {
		return err
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return err
	}
	d.listener = listener
	defer func() {
		_ = d.listener.Close()
		_ = os.Remove(d.cfg.SocketPath)
	}()

	acceptCtx, cancelAccept := context.WithCancel(ctx)
	defer cancelAccept()

	go d.runSignals(ctx, cancelAccept)
	go d.runHousekeeping(ctx)

	d.logger.Info("listening", zap.String("socket", d.cfg.SocketPath))
	d.acceptLoop(acceptCtx)

	return d.drain()
}

func (d *Daemon) acceptLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		_ = d.listener.SetDeadline(time.Now().Add(time.Second))
		conn, err := d.listener.AcceptUnix()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		d.activeConnections.Add(1)
		if d.metrics != nil {
			d.metrics.ActiveConnections.Inc()
		}
		go d.serveConn(conn)
	}
}

func (d *Daemon) drain() error {
	d.logger.Info("draining connections", zap.Int64("active", d.activeConnections.Load()))
	deadline := time.Now().Add(d.cfg.ShutdownTimeout)
	for d.activeConnections.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if remaining := d.activeConnections.Load(); remaining > 0 {
		d.logger.Warn("shutdown timeout reached with connections still active", zap.Int64("remaining", remaining))
	}
	return nil
}

// removeStaleSocket probes an existing socket file with PING before
// removing it (spec §6.1). A responsive PING means another instance owns
// the socket, which is a startup error, not something to clobber.
func removeStaleSocket(path string, logger *zap.Logger) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		logger.Info("removing stale socket file", zap.String("socket", path))
		return os.Remove(path)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := conn.Write([]byte("PING\n\n")); err != nil {
		logger.Info("removing stale socket file", zap.String("socket", path))
		return os.Remove(path)
	}
	buf := make([]byte, 64)
	if _, err := conn.Read(buf); err != nil {
		logger.Info("removing stale socket file", zap.String("socket", path))
		return os.Remove(path)
	}

	return errors.New("payprocd: socket already in use by a running instance")
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
