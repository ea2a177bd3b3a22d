// Package config loads payprocd's configuration the way the teacher's
// internal/config does: defaults pre-seeded, then overridden by a dotenv
// source and the environment via envconfig.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	defaultAppMode = "live"

	defaultSocketPathLive = "/var/run/payproc/daemon"
	defaultSocketPathTest = "/var/run/payproc-test/daemon"

	defaultShutdownTimeout = 10 * time.Second

	defaultJournalBasenameLive = "/var/lib/payproc/journal"
	defaultJournalBasenameTest = "/var/lib/payproc-test/journal"

	defaultPreorderDSNLive = "/var/lib/payproc/preorder.db"
	defaultPreorderDSNTest = "/var/lib/payproc-test/preorder.db"

	defaultAccountDSNLive = "/var/lib/payproc/account.db"
	defaultAccountDSNTest = "/var/lib/payproc-test/account.db"

	defaultConfFileLive = "/etc/payproc/payprocd.conf"
	defaultConfFileTest = "/etc/payproc-test/payprocd.conf"
)

type (
	// Configs is the full configuration tree (SPEC_FULL.md §1.3).
	Configs struct {
		APP      AppConfig
		POSTGRES StoreConfig
		STRIPE   GatewayConfig
		PAYPAL   GatewayConfig
		CURRENCY RateSourceConfig
		PGP      PGPConfig
		JOURNAL  JournalConfig
		NATS     NATSConfig
		METRICS  MetricsConfig
	}

	// AppConfig controls daemon mode, socket path, and shutdown behavior.
	AppConfig struct {
		Mode            string `envconfig:"MODE"`
		SocketPath      string `envconfig:"SOCKET_PATH"`
		ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT"`
		AllowedUIDs     []int  `envconfig:"ALLOWED_UIDS"`
		AdminUIDs       []int  `envconfig:"ADMIN_UIDS"`
	}

	// StoreConfig carries the preorder and account DSNs (spec §6.4).
	StoreConfig struct {
		PreorderDSN string `envconfig:"PREORDER_DSN"`
		AccountDSN  string `envconfig:"ACCOUNT_DSN"`
	}

	// GatewayConfig is the shared shape for Stripe/PayPal credentials.
	GatewayConfig struct {
		ClientID     string        `envconfig:"CLIENT_ID"`
		SecretKey    string        `envconfig:"SECRET_KEY"`
		Live         bool          `envconfig:"LIVE"`
		ReceiverMail string        `envconfig:"RECEIVER_MAIL"`
		Timeout      time.Duration `envconfig:"TIMEOUT"`
	}

	// RateSourceConfig points at the hourly euro-rate source (spec §4.8).
	RateSourceConfig struct {
		URL string `envconfig:"URL"`
	}

	// PGPConfig names the database and back-office OpenPGP keys (spec §4.9).
	PGPConfig struct {
		DatabaseKeyPath   string `envconfig:"DATABASE_KEY_PATH"`
		BackofficeKeyPath string `envconfig:"BACKOFFICE_KEY_PATH"`
	}

	// JournalConfig names the rotating-journal basename (spec §3.6, §6.4).
	JournalConfig struct {
		Basename string `envconfig:"BASENAME"`
	}

	// NATSConfig points at the JetStream broker for the event-bus supplement
	// (SPEC_FULL.md §2.1). Empty URL disables publishing.
	NATSConfig struct {
		URL string `envconfig:"URL"`
	}

	// MetricsConfig controls the loopback Prometheus listener (SPEC_FULL.md
	// §2.2). Empty Addr disables it, which is the default in test mode.
	MetricsConfig struct {
		Addr string `envconfig:"ADDR"`
	}
)

// New populates Configs from /etc/payproc{,-test}/payprocd.conf (loaded as
// a dotenv-style source, spec §6.4), a local .env file, and the process
// environment. Neither file overrides a variable that is already set, so
// the environment wins over the conf file, and the conf file (loaded
// first) wins over .env.
func New() (cfg Configs, err error) {
	mode := os.Getenv("APP_MODE")
	if mode == "" {
		mode = defaultAppMode
	}

	confFile := defaultConfFileLive
	if mode == "test" {
		confFile = defaultConfFileTest
	}
	_ = godotenv.Load(confFile)

	if root, wdErr := os.Getwd(); wdErr == nil {
		_ = godotenv.Load(filepath.Join(root, ".env"))
	}

	cfg.APP = AppConfig{
		Mode:            mode,
		SocketPath:      defaultSocketPathLive,
		ShutdownTimeout: defaultShutdownTimeout,
	}
	cfg.JOURNAL = JournalConfig{Basename: defaultJournalBasenameLive}
	cfg.POSTGRES = StoreConfig{PreorderDSN: defaultPreorderDSNLive, AccountDSN: defaultAccountDSNLive}

	if mode == "test" {
		cfg.APP.SocketPath = defaultSocketPathTest
		cfg.JOURNAL.Basename = defaultJournalBasenameTest
		cfg.POSTGRES.PreorderDSN = defaultPreorderDSNTest
		cfg.POSTGRES.AccountDSN = defaultAccountDSNTest
	}

	if err = envconfig.Process("APP", &cfg.APP); err != nil {
		return
	}
	if err = envconfig.Process("POSTGRES", &cfg.POSTGRES); err != nil {
		return
	}
	if err = envconfig.Process("STRIPE", &cfg.STRIPE); err != nil {
		return
	}
	if err = envconfig.Process("PAYPAL", &cfg.PAYPAL); err != nil {
		return
	}
	if err = envconfig.Process("CURRENCY", &cfg.CURRENCY); err != nil {
		return
	}
	if err = envconfig.Process("PGP", &cfg.PGP); err != nil {
		return
	}
	if err = envconfig.Process("JOURNAL", &cfg.JOURNAL); err != nil {
		return
	}
	if err = envconfig.Process("NATS", &cfg.NATS); err != nil {
		return
	}
	if err = envconfig.Process("METRICS", &cfg.METRICS); err != nil {
		return
	}

	return
}

// UIDSet converts an allow-list of uids (as parsed by envconfig) into the
// map[uint32]bool shape internal/protocol.Deps expects; an empty slice
// yields an empty (unrestricted) map.
func UIDSet(ids []int) map[uint32]bool {
	set := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		set[uint32(id)] = true
	}
	return set
}
