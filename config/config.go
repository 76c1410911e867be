// Package config loads the service configuration from an optional YAML file
// overridden by PAYLOAD_* environment variables
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	payload "github.com/microchipgnu/payload-exchange-sub000"
	"github.com/microchipgnu/payload-exchange-sub000/mechanisms/evm"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "payload"

type ctxKey string

const configContextKey ctxKey = "payload.config"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

var (
	ErrInvalidStorageDriver = errors.New("storage driver must be sqlite or postgres")
	ErrMissingDSN           = errors.New("postgres storage requires a dsn")
	ErrInvalidLogLevel      = errors.New("log level must be debug, info, warn or error")
	ErrInvalidLogFormat     = errors.New("log format must be json or text")
	ErrUnsupportedNetwork   = errors.New("unsupported chain network")
	ErrMissingTreasuryKey   = errors.New("chain rpc url is set but the treasury private key is missing")
	ErrInvalidUpstreamMode  = errors.New("upstream payments must be deferred or treasury")
	ErrInvalidResource      = errors.New("invalid catalog resource")
	ErrInvalidPayoutTimeout = errors.New("sponsorship payout timeout must be positive")
)

// Upstream payment modes for the action validate flow
const (
	UpstreamDeferred = "deferred"
	UpstreamTreasury = "treasury"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Chain       ChainConfig       `yaml:"chain"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Sponsorship SponsorshipConfig `yaml:"sponsorship"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"            envconfig:"addr"`
	BasePath        string        `yaml:"basePath"        split_words:"true"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"    split_words:"true"`
	UpstreamTimeout time.Duration `yaml:"upstreamTimeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`
}

type StorageConfig struct {
	Driver string `yaml:"driver" envconfig:"driver"`
	DSN    string `yaml:"dsn"    envconfig:"dsn"`
}

type ChainConfig struct {
	RPCURL             string        `yaml:"rpcUrl"             envconfig:"rpc_url"`
	Network            string        `yaml:"network"            envconfig:"network"`
	TokenAddress       string        `yaml:"tokenAddress"       split_words:"true"`
	TreasuryPrivateKey string        `yaml:"treasuryPrivateKey" split_words:"true"`
	ReceiptTimeout     time.Duration `yaml:"receiptTimeout"     split_words:"true"`
	GasLimit           uint64        `yaml:"gasLimit"           split_words:"true"`
}

// Enabled reports whether an RPC endpoint is configured
func (c ChainConfig) Enabled() bool {
	return c.RPCURL != ""
}

type CatalogConfig struct {
	FacilitatorURL  string           `yaml:"facilitatorUrl"  envconfig:"facilitator_url"`
	Discovery       bool             `yaml:"discovery"       envconfig:"discovery"`
	RefreshInterval time.Duration    `yaml:"refreshInterval" split_words:"true"`
	Resources       []ResourceConfig `yaml:"resources"       ignored:"true"`
}

// ResourceConfig is a statically configured upstream resource. Price is in
// the asset's smallest unit.
type ResourceConfig struct {
	ID          string `yaml:"id"`
	URL         string `yaml:"url"`
	Description string `yaml:"description"`
	Price       string `yaml:"price"`
	Scheme      string `yaml:"scheme"`
	Network     string `yaml:"network"`
	PayTo       string `yaml:"payTo"`
	Asset       string `yaml:"asset"`
}

type SponsorshipConfig struct {
	AllowUnverifiedFunding bool          `yaml:"allowUnverifiedFunding" split_words:"true"`
	PayoutTimeout          time.Duration `yaml:"payoutTimeout"          split_words:"true"`
	UpstreamPayments       string        `yaml:"upstreamPayments"       split_words:"true"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"  envconfig:"level"`
	Format string `yaml:"format" envconfig:"format"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"enabled"`
	Stdout  bool `yaml:"stdout"  envconfig:"stdout"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			BasePath:        "/payload",
			MaxBodyBytes:    10 << 20,
			UpstreamTimeout: 30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			DSN:    "payload.db",
		},
		Chain: ChainConfig{
			Network:        "base-sepolia",
			ReceiptTimeout: evm.DefaultReceiptTimeout,
		},
		Catalog: CatalogConfig{
			RefreshInterval: 5 * time.Minute,
		},
		Sponsorship: SponsorshipConfig{
			PayoutTimeout:    payload.DefaultPayoutTimeout,
			UpstreamPayments: UpstreamDeferred,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configFile when it is set, applies environment overrides and
// validates the result
func Load(configFile string) (*Config, error) {
	cfg := Default()
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return ErrMissingDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStorageDriver, c.Storage.Driver)
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Logging.Format)
	}

	if c.Chain.Enabled() {
		if _, err := evm.GetNetworkConfig(c.Chain.Network); err != nil {
			return fmt.Errorf("%w: %q", ErrUnsupportedNetwork, c.Chain.Network)
		}
		if c.Chain.TreasuryPrivateKey == "" {
			return ErrMissingTreasuryKey
		}
	}

	switch c.Sponsorship.UpstreamPayments {
	case UpstreamDeferred:
	case UpstreamTreasury:
		if !c.Chain.Enabled() {
			return fmt.Errorf("%w: treasury upstream payments need a chain rpc url", ErrInvalidUpstreamMode)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidUpstreamMode, c.Sponsorship.UpstreamPayments)
	}
	if c.Sponsorship.PayoutTimeout <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPayoutTimeout, c.Sponsorship.PayoutTimeout)
	}

	if _, err := c.Catalog.StaticResources(); err != nil {
		return err
	}
	return nil
}

// StaticResources converts the configured resources to catalog entries
func (c CatalogConfig) StaticResources() ([]payload.Resource, error) {
	out := make([]payload.Resource, 0, len(c.Resources))
	for i, rc := range c.Resources {
		if rc.ID == "" && rc.URL == "" {
			return nil, fmt.Errorf("%w: resource %d needs an id or url", ErrInvalidResource, i)
		}
		r := payload.Resource{ID: rc.ID, URL: rc.URL, Description: rc.Description}
		if rc.Price != "" {
			price, ok := new(big.Int).SetString(rc.Price, 10)
			if !ok || price.Sign() < 0 {
				return nil, fmt.Errorf("%w: resource %d price %q", ErrInvalidResource, i, rc.Price)
			}
			scheme := rc.Scheme
			if scheme == "" {
				scheme = evm.SchemeExact
			}
			resource := rc.URL
			if resource == "" {
				resource = rc.ID
			}
			r.Challenge = &payload.Challenge{
				Amount:      price,
				Currency:    scheme + ":" + rc.Network,
				Network:     payload.Network(rc.Network),
				Scheme:      scheme,
				Resource:    resource,
				Asset:       rc.Asset,
				PayTo:       rc.PayTo,
				Description: rc.Description,
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// NewLogger builds the process logger writing to w
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLogLevel, s)
	}
}
