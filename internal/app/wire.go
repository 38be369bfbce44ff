package app

import (
	"context"
	"fmt"
	"log/slog"

	memblob "github.com/alanyoungcy/ipmarket/internal/blob/memory"
	s3blob "github.com/alanyoungcy/ipmarket/internal/blob/s3"
	"github.com/alanyoungcy/ipmarket/internal/cache/memory"
	"github.com/alanyoungcy/ipmarket/internal/cache/redis"
	"github.com/alanyoungcy/ipmarket/internal/clock"
	"github.com/alanyoungcy/ipmarket/internal/config"
	"github.com/alanyoungcy/ipmarket/internal/content"
	"github.com/alanyoungcy/ipmarket/internal/crypto"
	"github.com/alanyoungcy/ipmarket/internal/domain"
	"github.com/alanyoungcy/ipmarket/internal/ledger/evm"
	"github.com/alanyoungcy/ipmarket/internal/ledger/simledger"
	"github.com/alanyoungcy/ipmarket/internal/notify"
	"github.com/alanyoungcy/ipmarket/internal/projection"
	"github.com/alanyoungcy/ipmarket/internal/server/handler"
	"github.com/alanyoungcy/ipmarket/internal/service"
	"github.com/alanyoungcy/ipmarket/internal/store/postgres"
)

// Dependencies bundles every collaborator the operating modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Clock  clock.Clock
	Ledger domain.Ledger

	// Storage
	Projection domain.ProjectionStore
	Content    domain.ContentStore
	Pending    domain.PendingTxStore
	Audit      domain.AuditStore

	// Coordination
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter

	// Read model and services
	Cache      *projection.Cache
	Submitter  *service.Submitter
	Claims     *service.ClaimService
	Market     *service.MarketService
	Queries    *service.QueryService
	Expiry     *service.ExpiryService
	Reconciler *service.Reconciler

	// Notifier is nil when no channel is configured.
	Notifier *notify.Notifier

	// Health lists the external dependencies probed by /api/health.
	Health map[string]handler.Pinger
}

// pingFunc adapts a probe function to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Clock:  clock.System{},
		Health: make(map[string]handler.Pinger),
	}

	// --- Ledger ---
	ledger, closeLedger, err := wireLedger(ctx, cfg, deps.Clock, logger)
	if err != nil {
		return fail(err)
	}
	if closeLedger != nil {
		closers = append(closers, closeLedger)
	}
	deps.Ledger = ledger
	deps.Health["ledger"] = pingFunc(func(ctx context.Context) error {
		_, err := ledger.LatestSequence(ctx)
		return err
	})

	// --- PostgreSQL ---
	var pg *postgres.Client
	if cfg.Postgres.Enabled {
		pg, err = postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		pool := pg.Pool()
		deps.Pending = postgres.NewPendingTxStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pingFunc(pool.Ping)
	} else {
		deps.Pending = memory.NewPendingTxStore()
		deps.Audit = memory.NewAuditStore()
	}

	// --- Redis ---
	var rc *redis.Client
	if cfg.Redis.Enabled {
		rc, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.Health["redis"] = rc
	} else {
		deps.LockManager = memory.NewLockManager()
		deps.SignalBus = memory.NewSignalBus()
		deps.RateLimiter = memory.NewRateLimiter()
	}

	// --- Projection store ---
	switch cfg.Projection.Backend {
	case "redis":
		deps.Projection = redis.NewProjectionStore(rc)
	case "postgres":
		deps.Projection = postgres.NewProjectionStore(pg.Pool())
	case "tiered":
		deps.Projection = projection.NewTiered(
			redis.NewProjectionStore(rc),
			postgres.NewProjectionStore(pg.Pool()),
			logger,
		)
	default:
		deps.Projection = memory.NewProjectionStore()
	}

	// --- Content ---
	contentOpts := content.Options{
		Prefix:             cfg.Content.Prefix,
		MultipartThreshold: cfg.Content.MultipartThreshold,
		MaxObjectSize:      cfg.Content.MaxObjectSize,
	}
	if cfg.Content.Backend == "s3" {
		bucket, err := s3blob.Open(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Content = content.New(bucket, bucket, contentOpts)
		deps.Health["s3"] = pingFunc(bucket.Health)
	} else {
		bucket := memblob.New()
		deps.Content = content.New(bucket, bucket, contentOpts)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	}

	// --- Read model ---
	deps.Cache, err = projection.New(deps.Ledger, deps.Projection, deps.Content, projection.Options{
		Staleness:         cfg.Projection.Staleness.Duration,
		MetadataCacheSize: cfg.Projection.MetadataCacheSize,
		ReadRetryMax:      uint64(max(cfg.Projection.ReadRetryMax, 0)),
		Clock:             deps.Clock,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: projection: %w", err))
	}

	// --- Services ---
	deps.Submitter = service.NewSubmitter(
		deps.Ledger, deps.LockManager, deps.Pending, deps.Audit, deps.SignalBus, deps.Clock,
		service.SubmitterConfig{
			SubmitTimeout: cfg.Ledger.SubmitTimeout.Duration,
			PendingMaxAge: cfg.Reconciler.MaxAge.Duration,
		},
		logger,
	)
	if deps.Notifier != nil {
		deps.Submitter.SetAnnouncer(deps.Notifier)
	}
	deps.Claims = service.NewClaimService(deps.Submitter, deps.Cache, deps.Content, cfg.AuthorityIdentities(), logger)
	deps.Market = service.NewMarketService(deps.Submitter, deps.Cache, logger)
	deps.Queries = service.NewQueryService(deps.Cache, logger)
	deps.Expiry = service.NewExpiryService(deps.Submitter, deps.Cache, service.ExpiryConfig{
		Enforce:  cfg.Expiry.Enforce,
		Operator: cfg.OperatorIdentity(),
	}, logger)
	deps.Reconciler = service.NewReconciler(
		deps.Ledger, deps.Pending, deps.Submitter, deps.Cache, cfg.Reconciler.MaxAge.Duration, logger,
	)

	return deps, cleanup, nil
}

// wireLedger builds the simulated ledger or dials the chain. The returned
// close function may be nil.
func wireLedger(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (domain.Ledger, func(), error) {
	if cfg.Ledger.Simulated {
		minDeposit, err := domain.ParseEther(cfg.Ledger.MinDeposit)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: ledger min_deposit: %w", err)
		}
		logger.WarnContext(ctx, "using in-process simulated ledger; state is lost on exit")
		return simledger.New(simledger.Options{
			Clock:       clk,
			Authorities: cfg.AuthorityIdentities(),
			MinDeposit:  minDeposit,
			Term:        cfg.Ledger.Term.Duration,
		}), nil, nil
	}

	keys, err := crypto.LoadKeyring(cfg.KeySources())
	if err != nil {
		return nil, nil, fmt.Errorf("wire: keyring: %w", err)
	}
	if cfg.Expiry.Enforce {
		if _, err := keys.Key(cfg.OperatorIdentity()); err != nil {
			return nil, nil, fmt.Errorf("wire: expiry operator: %w", err)
		}
	}
	for _, id := range keys.Identities() {
		logger.InfoContext(ctx, "signing identity loaded", slog.String("identity", id.String()))
	}

	gw, err := evm.Dial(ctx, evm.Config{
		RPCURL:        cfg.Ledger.RPCURL,
		ChainID:       cfg.Ledger.ChainID,
		Contract:      cfg.Ledger.Contract,
		GasLimit:      cfg.Ledger.GasLimit,
		SubmitTimeout: cfg.Ledger.SubmitTimeout.Duration,
		PollInterval:  cfg.Ledger.PollInterval.Duration,
	}, keys, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: ledger: %w", err)
	}
	return gw, gw.Close, nil
}
