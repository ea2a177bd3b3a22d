package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/gpg/payproc/internal/config"
	"github.com/gpg/payproc/internal/store"
	"github.com/gpg/payproc/pkg/log"
)

// migrate applies the preorder and account schemas ahead of a payprocd
// start (spec §4.3/§4.4). It reads the same APP_MODE-selected DSNs
// payprocd itself resolves, so "migrate && payprocd" always target the
// same databases.
func main() {
	var target string
	flag.StringVar(&target, "target", "all", "which schema to migrate: preorder, account, or all")
	flag.Parse()

	logger := log.New()
	defer log.SyncLogger(logger)

	cfg, err := config.New()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	switch target {
	case "preorder":
		mustMigrate(logger, cfg.POSTGRES.PreorderDSN)
	case "account":
		mustMigrate(logger, cfg.POSTGRES.AccountDSN)
	case "all":
		mustMigrate(logger, cfg.POSTGRES.PreorderDSN)
		mustMigrate(logger, cfg.POSTGRES.AccountDSN)
	default:
		fmt.Fprintf(os.Stderr, "unknown -target %q (want preorder, account, or all)\n", target)
		os.Exit(1)
	}
}

func mustMigrate(logger *zap.Logger, dsn string) {
	if err := store.RunMigrations(dsn, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
}
