package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// runSignals implements spec §5's cancellation model: SIGTERM begins a
// graceful shutdown (stop accepting, drain, exit) on the first receipt
// and forces an immediate exit on the third; SIGINT exits immediately;
// SIGHUP/SIGUSR1/SIGUSR2 are logged with no action; SIGPIPE is ignored
// (writes to a peer that already closed its read side surface as an
// error return, never a process signal).
func (d *Daemon) runSignals(ctx context.Context, stopAccepting context.CancelFunc) {
	signal.Ignore(syscall.SIGPIPE)

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigCh)

	sigtermCount := 0
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM:
				sigtermCount++
				d.logger.Info("received SIGTERM", zap.Int("count", sigtermCount))
				d.shutdownPending.Store(true)
				if sigtermCount == 1 {
					stopAccepting()
					continue
				}
				if sigtermCount >= 3 {
					d.logger.Warn("forcing shutdown after repeated SIGTERM")
					os.Exit(1)
				}

			case syscall.SIGINT:
				d.logger.Info("received SIGINT, exiting immediately")
				os.Exit(0)

			case syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2:
				d.logger.Info("received signal, no action taken", zap.String("signal", sig.String()))
			}
		}
	}
}

// syscallSelfTerm sends SIGTERM to the current process, used by the
// SHUTDOWN command (spec §6.3: "OK then SIGTERM self") to reuse the same
// graceful-shutdown path a real SIGTERM takes.
func syscallSelfTerm() error {
	return syscall.Kill(os.Getpid(), syscall.SIGTERM)
}
