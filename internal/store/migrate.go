// Package store wires the preorder and account SQL engines to the
// filesystem migration set under migrations/postgres, following the
// teacher's own store.RunMigrations helper.
package store

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Open connects to dsn through the pgx stdlib driver and returns a ready
// sqlx handle. Callers keep the handle for the life of the process (spec
// §4.3: "a module-scoped handle is opened lazily and kept for the life of
// the process").
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return db, nil
}

// RunMigrations applies migrations/postgres/*.sql to dsn. Errors are
// wrapped, never logged with the full DSN (it may carry credentials).
func RunMigrations(dsn string, logger *zap.Logger) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return fmt.Errorf("store: empty data source name")
	}

	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("store: invalid data source name: %w", err)
	}
	driver := strings.ToLower(strings.Split(u.Scheme, "+")[0])
	migrationsPath := fmt.Sprintf("file://migrations/%s", driver)

	logger.Info("running migrations", zap.String("driver", driver), zap.String("host", u.Host))

	m, err := migrate.New(migrationsPath, dsn)
	if err != nil {
		return fmt.Errorf("migrate: new: %w", err)
	}
	defer func() {
		serr, derr := m.Close()
		if serr != nil || derr != nil {
			logger.Warn("migrate close error", zap.Error(serr), zap.Error(derr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("migrations already applied", zap.String("driver", driver))
			return nil
		}
		return fmt.Errorf("migrate: up: %w", err)
	}

	logger.Info("migrations applied", zap.String("driver", driver))
	return nil
}

// ensure the pgx stdlib driver registers itself under "pgx" even if
// nothing else in the binary imports it directly.
var _ = stdlib.GetDefaultDriver
