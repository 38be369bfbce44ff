// Package config defines the configuration for the IP marketplace service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/ipmarket/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by IPMARKET_* environment variables.
type Config struct {
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Wallet     WalletConfig     `toml:"wallet"`
	Projection ProjectionConfig `toml:"projection"`
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	S3         S3Config         `toml:"s3"`
	Content    ContentConfig    `toml:"content"`
	Expiry     ExpiryConfig     `toml:"expiry"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// LedgerConfig selects the ledger and how submissions are awaited.
type LedgerConfig struct {
	RPCURL        string   `toml:"rpc_url"`
	ChainID       int64    `toml:"chain_id"`
	Contract      string   `toml:"contract"`
	SubmitTimeout duration `toml:"submit_timeout"`
	PollInterval  duration `toml:"poll_interval"`
	// GasLimit fixes the gas of every transaction; zero estimates.
	GasLimit uint64 `toml:"gas_limit"`
	// Simulated runs an in-process ledger instead of dialing RPCURL.
	Simulated bool `toml:"simulated"`
	// MinDeposit and Term configure the simulated ledger only.
	MinDeposit string   `toml:"min_deposit"`
	Term       duration `toml:"term"`
}

// WalletConfig holds the signing keys the service submits with and the
// identities it trusts.
type WalletConfig struct {
	PrivateKey       string      `toml:"private_key"`
	EncryptedKeyPath string      `toml:"encrypted_key_path"`
	KeyPassword      string      `toml:"key_password"`
	Keys             []KeyConfig `toml:"keys"`
	// Authorities may resolve claims.
	Authorities []string `toml:"authorities"`
	// Operator is the identity the expiry sweep enforces as.
	Operator string `toml:"operator"`
}

// KeyConfig is one additional signing key.
type KeyConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ProjectionConfig tunes the ledger read model.
type ProjectionConfig struct {
	// Backend is memory, redis, postgres or tiered (redis over postgres).
	Backend           string   `toml:"backend"`
	Staleness         duration `toml:"staleness"`
	MetadataCacheSize int      `toml:"metadata_cache_size"`
	ReadRetryMax      int      `toml:"read_retry_max"`
}

// RedisConfig holds Redis connection parameters. When enabled Redis also
// carries locks, the event bus and API rate limits.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// PostgresConfig holds PostgreSQL connection parameters. When enabled the
// pending-transaction journal and audit log are durable.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ContentConfig selects where metadata documents live.
type ContentConfig struct {
	// Backend is s3 or memory.
	Backend            string `toml:"backend"`
	Prefix             string `toml:"prefix"`
	MultipartThreshold int    `toml:"multipart_threshold"`
	MaxObjectSize      int64  `toml:"max_object_size"`
}

// ExpiryConfig schedules the expiry sweep.
type ExpiryConfig struct {
	SweepCron string `toml:"sweep_cron"`
	Enforce   bool   `toml:"enforce"`
}

// ReconcilerConfig schedules settlement of unknown outcomes.
type ReconcilerConfig struct {
	Interval duration `toml:"interval"`
	MaxAge   duration `toml:"max_age"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Addr        string   `toml:"addr"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit requests per RateWindow per client; zero disables.
	RateLimit        int      `toml:"rate_limit"`
	RateWindow       duration `toml:"rate_window"`
	RequireSignature bool     `toml:"require_signature"`
	SignatureMaxAge  duration `toml:"signature_max_age"`
	ShutdownGrace    duration `toml:"shutdown_grace"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig exposes Prometheus metrics on a dedicated listener, for
// modes without the API server.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "full",
		LogLevel: "info",
		Ledger: LedgerConfig{
			SubmitTimeout: duration{2 * time.Minute},
			PollInterval:  duration{2 * time.Second},
			MinDeposit:    "0.01",
			Term:          duration{365 * 24 * time.Hour},
		},
		Projection: ProjectionConfig{
			Backend:           "memory",
			Staleness:         duration{30 * time.Second},
			MetadataCacheSize: 1024,
			ReadRetryMax:      4,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "ipm",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "ipmarket",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ipmarket-content",
			ForcePathStyle: true,
		},
		Content: ContentConfig{
			Backend:            "s3",
			Prefix:             "metadata",
			MultipartThreshold: 8 << 20,
			MaxObjectSize:      64 << 20,
		},
		Expiry: ExpiryConfig{
			SweepCron: "*/15 * * * *",
		},
		Reconciler: ReconcilerConfig{
			Interval: duration{30 * time.Second},
			MaxAge:   duration{time.Hour},
		},
		Server: ServerConfig{
			Addr:             ":8000",
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:        120,
			RateWindow:       duration{time.Minute},
			RequireSignature: true,
			SignatureMaxAge:  duration{5 * time.Minute},
			ShutdownGrace:    duration{15 * time.Second},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"worker":  true,
	"full":    true,
	"rebuild": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"memory":   true,
	"redis":    true,
	"postgres": true,
	"tiered":   true,
}

// ServesAPI reports whether the mode runs the HTTP server.
func (c *Config) ServesAPI() bool { return c.Mode == "server" || c.Mode == "full" }

// RunsWorker reports whether the mode runs the expiry sweep.
func (c *Config) RunsWorker() bool { return c.Mode == "worker" || c.Mode == "full" }

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	addf := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if !validModes[c.Mode] {
		addf("unknown mode %q (valid: server, worker, full, rebuild)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		addf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Ledger
	if c.Ledger.Simulated {
		if _, err := domain.ParseEther(c.Ledger.MinDeposit); err != nil {
			addf("ledger: min_deposit: %v", err)
		}
	} else {
		if c.Ledger.RPCURL == "" {
			errs = append(errs, "ledger: rpc_url must be set unless simulated")
		}
		if c.Ledger.Contract == "" {
			errs = append(errs, "ledger: contract must be set unless simulated")
		}
		if c.Mode != "rebuild" && len(c.KeySources()) == 0 {
			errs = append(errs, "wallet: at least one of private_key, encrypted_key_path or keys must be set")
		}
	}
	if c.Ledger.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "ledger: submit_timeout must be positive")
	}

	// Wallet
	for _, k := range c.allKeys() {
		if k.EncryptedKeyPath != "" && k.KeyPassword == "" {
			addf("wallet: key_password is required for %s", k.EncryptedKeyPath)
		}
	}
	if _, err := parseIdentities(c.Wallet.Authorities); err != nil {
		addf("wallet: authorities: %v", err)
	}
	if c.Wallet.Operator != "" {
		if _, err := domain.ParseIdentity(c.Wallet.Operator); err != nil {
			addf("wallet: operator: %v", err)
		}
	}

	// Projection
	if !validBackends[c.Projection.Backend] {
		addf("projection: unknown backend %q (valid: memory, redis, postgres, tiered)", c.Projection.Backend)
	}
	if c.Projection.Staleness.Duration <= 0 {
		errs = append(errs, "projection: staleness must be positive")
	}
	if (c.Projection.Backend == "redis" || c.Projection.Backend == "tiered") && !c.Redis.Enabled {
		addf("projection: backend %s requires redis.enabled", c.Projection.Backend)
	}
	if (c.Projection.Backend == "postgres" || c.Projection.Backend == "tiered") && !c.Postgres.Enabled {
		addf("projection: backend %s requires postgres.enabled", c.Projection.Backend)
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				addf("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// Content
	switch c.Content.Backend {
	case "s3":
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	case "memory":
	default:
		addf("content: unknown backend %q (valid: s3, memory)", c.Content.Backend)
	}

	// Expiry
	if c.RunsWorker() {
		if c.Expiry.SweepCron == "" {
			errs = append(errs, "expiry: sweep_cron must be set for mode "+c.Mode)
		} else if _, err := cron.ParseStandard(c.Expiry.SweepCron); err != nil {
			addf("expiry: sweep_cron: %v", err)
		}
	}
	if c.Expiry.Enforce && c.Wallet.Operator == "" {
		errs = append(errs, "expiry: enforce requires wallet.operator")
	}

	// Reconciler
	if c.Reconciler.MaxAge.Duration <= 0 {
		errs = append(errs, "reconciler: max_age must be positive")
	}

	// Server
	if c.ServesAPI() {
		if c.Server.Addr == "" {
			errs = append(errs, "server: addr must not be empty")
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// AuthorityIdentities returns the parsed claim authorities.
func (c *Config) AuthorityIdentities() []domain.Identity {
	ids, _ := parseIdentities(c.Wallet.Authorities)
	return ids
}

// OperatorIdentity returns the parsed operator, or "" when unset.
func (c *Config) OperatorIdentity() domain.Identity {
	id, _ := domain.ParseIdentity(c.Wallet.Operator)
	return id
}

func (c *Config) allKeys() []KeyConfig {
	keys := make([]KeyConfig, 0, len(c.Wallet.Keys)+1)
	if c.Wallet.PrivateKey != "" || c.Wallet.EncryptedKeyPath != "" {
		keys = append(keys, KeyConfig{
			PrivateKey:       c.Wallet.PrivateKey,
			EncryptedKeyPath: c.Wallet.EncryptedKeyPath,
			KeyPassword:      c.Wallet.KeyPassword,
		})
	}
	for _, k := range c.Wallet.Keys {
		if k.PrivateKey != "" || k.EncryptedKeyPath != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func parseIdentities(raw []string) ([]domain.Identity, error) {
	ids := make([]domain.Identity, 0, len(raw))
	for _, s := range raw {
		id, err := domain.ParseIdentity(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
