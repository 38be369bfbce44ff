package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies IPMARKET_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known IPMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.RPCURL, "IPMARKET_LEDGER_RPC_URL")
	setInt64(&cfg.Ledger.ChainID, "IPMARKET_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.Contract, "IPMARKET_LEDGER_CONTRACT")
	setDuration(&cfg.Ledger.SubmitTimeout, "IPMARKET_LEDGER_SUBMIT_TIMEOUT")
	setDuration(&cfg.Ledger.PollInterval, "IPMARKET_LEDGER_POLL_INTERVAL")
	setUint64(&cfg.Ledger.GasLimit, "IPMARKET_LEDGER_GAS_LIMIT")
	setBool(&cfg.Ledger.Simulated, "IPMARKET_LEDGER_SIMULATED")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "IPMARKET_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "IPMARKET_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "IPMARKET_WALLET_KEY_PASSWORD")
	setStringSlice(&cfg.Wallet.Authorities, "IPMARKET_WALLET_AUTHORITIES")
	setStr(&cfg.Wallet.Operator, "IPMARKET_WALLET_OPERATOR")

	// ── Projection ──
	setStr(&cfg.Projection.Backend, "IPMARKET_PROJECTION_BACKEND")
	setDuration(&cfg.Projection.Staleness, "IPMARKET_PROJECTION_STALENESS")
	setInt(&cfg.Projection.MetadataCacheSize, "IPMARKET_PROJECTION_METADATA_CACHE_SIZE")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "IPMARKET_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "IPMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "IPMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "IPMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "IPMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "IPMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "IPMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "IPMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "IPMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "IPMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "IPMARKET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "IPMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "IPMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "IPMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "IPMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "IPMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "IPMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "IPMARKET_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "IPMARKET_REDIS_KEY_PREFIX")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "IPMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "IPMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "IPMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "IPMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "IPMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "IPMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "IPMARKET_S3_FORCE_PATH_STYLE")

	// ── Content ──
	setStr(&cfg.Content.Backend, "IPMARKET_CONTENT_BACKEND")
	setStr(&cfg.Content.Prefix, "IPMARKET_CONTENT_PREFIX")

	// ── Expiry / reconciler ──
	setStr(&cfg.Expiry.SweepCron, "IPMARKET_EXPIRY_SWEEP_CRON")
	setBool(&cfg.Expiry.Enforce, "IPMARKET_EXPIRY_ENFORCE")
	setDuration(&cfg.Reconciler.Interval, "IPMARKET_RECONCILER_INTERVAL")
	setDuration(&cfg.Reconciler.MaxAge, "IPMARKET_RECONCILER_MAX_AGE")

	// ── Server ──
	setStr(&cfg.Server.Addr, "IPMARKET_SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "IPMARKET_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "IPMARKET_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "IPMARKET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "IPMARKET_SERVER_RATE_WINDOW")
	setBool(&cfg.Server.RequireSignature, "IPMARKET_SERVER_REQUIRE_SIGNATURE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "IPMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "IPMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "IPMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "IPMARKET_NOTIFY_EVENTS")

	// ── Metrics ──
	setStr(&cfg.Metrics.Addr, "IPMARKET_METRICS_ADDR")

	// ── Top-level ──
	setStr(&cfg.Mode, "IPMARKET_MODE")
	setStr(&cfg.LogLevel, "IPMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
