package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_ContractualValues(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 7*24*time.Hour, cfg.TTL.Short)
	assert.Equal(t, 30*24*time.Hour, cfg.TTL.Long)
	assert.Equal(t, time.Second, cfg.Outbox.BackoffUnit)
	assert.Equal(t, 3, cfg.Outbox.MaxRetries)
	assert.Equal(t, int64(4718592), cfg.Eviction.SoftQuotaBytes)
}

func TestParse_OverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  path: /tmp/cache.db
tenant: acme
outbox:
  backoff_unit: 250ms
  drain_interval: 1m
eviction:
  soft_quota_bytes: 1048576
logging:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/cache.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Database.MaxOpenAttempts, "unset fields keep defaults")
	assert.Equal(t, "acme", cfg.Tenant)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.BackoffUnit)
	assert.Equal(t, time.Minute, cfg.Outbox.DrainInterval)
	assert.Equal(t, 3, cfg.Outbox.MaxRetries)
	assert.Equal(t, int64(1048576), cfg.Eviction.SoftQuotaBytes)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParse_Empty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "tennant: acme\n", "failed to parse YAML"},
		{"bad duration", "ttl:\n  short: soon\n", "failed to parse YAML"},
		{"empty path", "database:\n  path: \"\"\n", "database.path is required"},
		{"bad tenant", "tenant: \" acme\"\n", "tenant"},
		{"zero backoff", "outbox:\n  backoff_unit: 0s\n", "outbox.backoff_unit"},
		{"negative retries", "outbox:\n  max_retries: -1\n", "outbox.max_retries"},
		{"zero quota", "eviction:\n  soft_quota_bytes: 0\n", "eviction.soft_quota_bytes"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenant: globex\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "globex", cfg.Tenant)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		logger, err := LoggingConfig{Level: "debug", Format: format}.NewLogger()
		require.NoError(t, err, format)
		assert.NotNil(t, logger)
	}

	_, err := LoggingConfig{Level: "loud", Format: "json"}.NewLogger()
	assert.Error(t, err)
}
