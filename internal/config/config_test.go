package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var payprocEnvPrefixes = []string{
	"APP_", "POSTGRES_", "STRIPE_", "PAYPAL_", "CURRENCY_",
	"PGP_", "JOURNAL_", "NATS_", "METRICS_",
}

func clearPayprocEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		for _, prefix := range payprocEnvPrefixes {
			if strings.HasPrefix(name, prefix) {
				os.Unsetenv(name)
				break
			}
		}
	}
}

func TestNewDefaultsToLiveMode(t *testing.T) {
	clearPayprocEnv(t)
	os.Unsetenv("APP_MODE")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "live", cfg.APP.Mode)
	assert.Equal(t, defaultSocketPathLive, cfg.APP.SocketPath)
	assert.Equal(t, defaultJournalBasenameLive, cfg.JOURNAL.Basename)
}

func TestNewSwitchesDefaultsInTestMode(t *testing.T) {
	clearPayprocEnv(t)
	os.Setenv("APP_MODE", "test")
	defer os.Unsetenv("APP_MODE")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.APP.Mode)
	assert.Equal(t, defaultSocketPathTest, cfg.APP.SocketPath)
	assert.Equal(t, defaultJournalBasenameTest, cfg.JOURNAL.Basename)
	assert.Equal(t, defaultPreorderDSNTest, cfg.POSTGRES.PreorderDSN)
	assert.Equal(t, defaultAccountDSNTest, cfg.POSTGRES.AccountDSN)
}

func TestNewEnvOverridesDefault(t *testing.T) {
	clearPayprocEnv(t)
	os.Setenv("APP_SOCKET_PATH", "/tmp/custom/daemon")
	defer os.Unsetenv("APP_SOCKET_PATH")

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom/daemon", cfg.APP.SocketPath)
}

func TestUIDSetBuildsLookupMap(t *testing.T) {
	set := UIDSet([]int{1000, 1001})
	assert.True(t, set[1000])
	assert.True(t, set[1001])
	assert.False(t, set[1002])
}

func TestUIDSetEmptyIsEmptyNotNil(t *testing.T) {
	set := UIDSet(nil)
	assert.NotNil(t, set)
	assert.Len(t, set, 0)
}
