package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/payload", cfg.Server.BasePath)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, UpstreamDeferred, cfg.Sponsorship.UpstreamPayments)
	assert.False(t, cfg.Chain.Enabled())
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  upstreamTimeout: 5s
storage:
  driver: postgres
  dsn: "host=localhost dbname=payload"
chain:
  rpcUrl: "https://sepolia.base.org"
  network: base-sepolia
  treasuryPrivateKey: "0xabc"
  receiptTimeout: 45s
catalog:
  resources:
    - id: weather
      url: https://api.example.com/weather
      price: "1000000"
      network: base-sepolia
      payTo: "0x4444444444444444444444444444444444444444"
sponsorship:
  allowUnverifiedFunding: true
logging:
  level: debug
  format: text
`)
	t.Setenv("PAYLOAD_SERVER_ADDR", ":9100")
	t.Setenv("PAYLOAD_SPONSORSHIP_PAYOUT_TIMEOUT", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr, "environment overrides the file")
	assert.Equal(t, 5*time.Second, cfg.Server.UpstreamTimeout)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 45*time.Second, cfg.Chain.ReceiptTimeout)
	assert.True(t, cfg.Chain.Enabled())
	assert.True(t, cfg.Sponsorship.AllowUnverifiedFunding)
	assert.Equal(t, 2*time.Minute, cfg.Sponsorship.PayoutTimeout)

	resources, err := cfg.Catalog.StaticResources()
	require.NoError(t, err)
	require.Len(t, resources, 1)
	require.NotNil(t, resources[0].Challenge)
	assert.Equal(t, int64(1_000_000), resources[0].Challenge.Amount.Int64())
	assert.Equal(t, "exact:base-sepolia", resources[0].Challenge.Currency)
	assert.Equal(t, "https://api.example.com/weather", resources[0].Challenge.Resource)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{
			name:   "unknown driver",
			mutate: func(c *Config) { c.Storage.Driver = "mysql" },
			want:   ErrInvalidStorageDriver,
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" },
			want:   ErrMissingDSN,
		},
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.Logging.Level = "chatty" },
			want:   ErrInvalidLogLevel,
		},
		{
			name:   "bad log format",
			mutate: func(c *Config) { c.Logging.Format = "xml" },
			want:   ErrInvalidLogFormat,
		},
		{
			name:   "unsupported network",
			mutate: func(c *Config) { c.Chain.RPCURL = "http://rpc"; c.Chain.Network = "solana"; c.Chain.TreasuryPrivateKey = "k" },
			want:   ErrUnsupportedNetwork,
		},
		{
			name:   "rpc without key",
			mutate: func(c *Config) { c.Chain.RPCURL = "http://rpc" },
			want:   ErrMissingTreasuryKey,
		},
		{
			name:   "treasury upstream without chain",
			mutate: func(c *Config) { c.Sponsorship.UpstreamPayments = UpstreamTreasury },
			want:   ErrInvalidUpstreamMode,
		},
		{
			name:   "resource without id",
			mutate: func(c *Config) { c.Catalog.Resources = []ResourceConfig{{Price: "1"}} },
			want:   ErrInvalidResource,
		},
		{
			name:   "resource with bad price",
			mutate: func(c *Config) { c.Catalog.Resources = []ResourceConfig{{ID: "a", Price: "1.5"}} },
			want:   ErrInvalidResource,
		},
		{
			name:   "zero payout timeout",
			mutate: func(c *Config) { c.Sponsorship.PayoutTimeout = 0 },
			want:   ErrInvalidPayoutTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	cfg := Default()
	assert.Same(t, cfg, FromContext(WithContext(context.Background(), cfg)))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
