/*
Application Entry Point

payprocd follows the teacher's boot sequence (internal/app/app.go), in
the same order:

 1. Logger (zap, pkg/log)
 2. Configuration (internal/config, envconfig + godotenv)
 3. Storage (sqlx/pgx, migrations applied via internal/store)
 4. Cryptography façade (internal/cryptofacade)
 5. Domain stores (session, preorder, account, currency, journal)
 6. Gateways (stripe, paypal)
 7. Best-effort event mirror (internal/events, optional if NATS unset)
 8. Metrics registry + loopback HTTP server (internal/metrics)
 9. Protocol dispatcher (internal/protocol)
10. Daemon (accept loop, housekeeping, signals)

REQUIRED ENVIRONMENT VARIABLES (see internal/config for the full list):
  - APP_MODE: "live" (default) or "test" — selects socket/DSN/journal defaults
  - POSTGRES_PREORDER_DSN, POSTGRES_ACCOUNT_DSN
  - STRIPE_SECRET_KEY, PAYPAL_CLIENT_ID, PAYPAL_SECRET_KEY

GRACEFUL SHUTDOWN: SIGTERM stops accepting, drains in-flight connections
up to APP_SHUTDOWN_TIMEOUT, then exits; a third SIGTERM forces an exit.
See internal/daemon for the full signal model.
*/
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/gpg/payproc/internal/account"
	"github.com/gpg/payproc/internal/config"
	"github.com/gpg/payproc/internal/cryptofacade"
	"github.com/gpg/payproc/internal/currency"
	"github.com/gpg/payproc/internal/daemon"
	"github.com/gpg/payproc/internal/events"
	"github.com/gpg/payproc/internal/journal"
	"github.com/gpg/payproc/internal/metrics"
	"github.com/gpg/payproc/internal/paypal"
	"github.com/gpg/payproc/internal/preorder"
	"github.com/gpg/payproc/internal/protocol"
	"github.com/gpg/payproc/internal/session"
	"github.com/gpg/payproc/internal/store"
	"github.com/gpg/payproc/internal/stripe"
	natsjs "github.com/gpg/payproc/pkg/broker/nats/jetstream"
	"github.com/gpg/payproc/pkg/log"
)

func main() {
	logger, err := log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "payprocd: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.SyncLogger(logger)

	if err := run(logger); err != nil {
		logger.Error("payprocd exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("configuration loaded", zap.String("mode", cfg.APP.Mode), zap.String("socket", cfg.APP.SocketPath))

	preorderDB, err := store.Open(cfg.POSTGRES.PreorderDSN)
	if err != nil {
		return fmt.Errorf("preorder store: %w", err)
	}
	if err := store.RunMigrations(cfg.POSTGRES.PreorderDSN, logger); err != nil {
		return fmt.Errorf("preorder migrations: %w", err)
	}
	accountDB, err := store.Open(cfg.POSTGRES.AccountDSN)
	if err != nil {
		return fmt.Errorf("account store: %w", err)
	}
	if err := store.RunMigrations(cfg.POSTGRES.AccountDSN, logger); err != nil {
		return fmt.Errorf("account migrations: %w", err)
	}
	logger.Info("storage ready")

	crypto, err := openCryptoFacade(cfg.PGP)
	if err != nil {
		return fmt.Errorf("cryptofacade: %w", err)
	}
	logger.Info("cryptography facade ready")

	preorders, err := preorder.New(preorderDB)
	if err != nil {
		return fmt.Errorf("preorder.New: %w", err)
	}
	accounts, err := account.New(accountDB, crypto)
	if err != nil {
		return fmt.Errorf("account.New: %w", err)
	}
	sessions := session.New()
	currencies := currency.NewTable(currency.NewHTTPRateSource(cfg.CURRENCY.URL))
	if err := currencies.Refresh(context.Background()); err != nil {
		logger.Warn("initial currency rate refresh failed, will retry on the hourly housekeeping tick", zap.Error(err))
	}
	jrnl := journal.New(cfg.JOURNAL.Basename, logger, func(err error) {
		logger.Error("journal entered an unrecoverable state", zap.Error(err))
	})
	logger.Info("domain stores ready")

	stripeClient := stripe.New(stripe.Config{
		SecretKey: cfg.STRIPE.SecretKey,
		Live:      cfg.STRIPE.Live,
		Timeout:   cfg.STRIPE.Timeout,
	}, accounts, logger)

	paypalClient := paypal.New(paypal.Config{
		ClientID:     cfg.PAYPAL.ClientID,
		ClientSecret: cfg.PAYPAL.SecretKey,
		Live:         cfg.PAYPAL.Live,
		ReceiverMail: cfg.PAYPAL.ReceiverMail,
		Timeout:      cfg.PAYPAL.Timeout,
	})
	logger.Info("gateway clients ready")

	publisher, err := openEventPublisher(cfg.NATS, logger)
	if err != nil {
		logger.Warn("event mirror disabled", zap.Error(err))
	}

	metricsReg := metrics.New()
	metricsSrv := metrics.NewServer(metricsReg, cfg.METRICS.Addr, logger)

	// d is assigned below, after the Dispatcher it depends on; the
	// closure is only ever invoked once the daemon is running, by which
	// point d is set (spec §6.3's SHUTDOWN command needs a way to reach
	// back into the daemon it's dispatched from).
	var d *daemon.Daemon
	dispatcher := protocol.NewDispatcher(protocol.Deps{
		Sessions:    sessions,
		Preorders:   preorders,
		Accounts:    accounts,
		Currencies:  currencies,
		Crypto:      crypto,
		Journal:     jrnl,
		Stripe:      stripeClient,
		PayPal:      paypalClient,
		Events:      publisher,
		Logger:      logger,
		Version:     version(),
		Live:        cfg.STRIPE.Live || cfg.PAYPAL.Live,
		AllowedUIDs: config.UIDSet(cfg.APP.AllowedUIDs),
		AdminUIDs:   config.UIDSet(cfg.APP.AdminUIDs),
		RequestShutdown: func() {
			if d != nil {
				d.RequestShutdown()
			}
		},
	})

	d = daemon.New(daemon.Config{
		SocketPath:      cfg.APP.SocketPath,
		ShutdownTimeout: cfg.APP.ShutdownTimeout,
	}, dispatcher, sessions, currencies, metricsReg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := metricsSrv.Serve(ctx); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("payprocd starting", zap.String("version", version()))
	return d.Run(ctx)
}

func openCryptoFacade(cfg config.PGPConfig) (*cryptofacade.Facade, error) {
	var dbReader, boReader io.Reader

	if cfg.DatabaseKeyPath != "" {
		f, err := os.Open(cfg.DatabaseKeyPath)
		if err != nil {
			return nil, fmt.Errorf("opening database key: %w", err)
		}
		defer f.Close()
		dbReader = f
	}
	if cfg.BackofficeKeyPath != "" {
		f, err := os.Open(cfg.BackofficeKeyPath)
		if err != nil {
			return nil, fmt.Errorf("opening back-office key: %w", err)
		}
		defer f.Close()
		boReader = f
	}

	return cryptofacade.New(dbReader, boReader)
}

func openEventPublisher(cfg config.NATSConfig, logger *zap.Logger) (*events.Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	js, err := natsjs.New(natsjs.Config{
		URL:           cfg.URL,
		StreamName:    "PAYPROC_EVENTS",
		Subjects:      []string{"events.payproc.>"},
		StorageType:   jetstream.FileStorage,
		RetentionType: jetstream.LimitsPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}
	return events.New(js, logger), nil
}

// version is overridden at build time with -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func version() string { return buildVersion }
