package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRunMigrationsRejectsEmptyDSN(t *testing.T) {
	err := RunMigrations("   ", zap.NewNop())
	assert.Error(t, err)
}

func TestRunMigrationsRejectsDSNWithoutScheme(t *testing.T) {
	err := RunMigrations("localhost:5432/payproc", zap.NewNop())
	assert.Error(t, err)
}
