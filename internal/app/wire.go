package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alanyoungcy/positionengine/internal/admission"
	s3blob "github.com/alanyoungcy/positionengine/internal/blob/s3"
	"github.com/alanyoungcy/positionengine/internal/cache/redis"
	"github.com/alanyoungcy/positionengine/internal/config"
	"github.com/alanyoungcy/positionengine/internal/lock"
	"github.com/alanyoungcy/positionengine/internal/notify"
	"github.com/alanyoungcy/positionengine/internal/pipeline"
	"github.com/alanyoungcy/positionengine/internal/platform/gateway"
	"github.com/alanyoungcy/positionengine/internal/reconcile"
	"github.com/alanyoungcy/positionengine/internal/service"
	"github.com/alanyoungcy/positionengine/internal/store/postgres"
)

// Dependencies bundles every component the operating modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Host string

	// Clients
	Redis    *redis.Client
	Postgres *postgres.Client
	S3       *s3blob.Client // nil unless maintenance runs

	// Stores
	Positions *postgres.PositionStore
	Audit     *postgres.AuditStore

	// Caches and transport
	Prices      *redis.PriceCache
	Bus         *redis.SignalBus
	RateLimiter *redis.RateLimiter

	// Exchange
	Gateway *gateway.Client
	Costs   *gateway.CostModel
	Markets *gateway.CachedCatalog

	// Lifecycle
	Locks     *lock.Manager
	Admission *admission.Controller
	Engine    *reconcile.Engine
	Service   *service.PositionService

	// Maintenance
	Archiver *pipeline.Archiver // nil unless maintenance runs

	Notifier *notify.Notifier
}

// Wire constructs all concrete implementations from cfg and returns them
// together with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	deps := &Dependencies{Host: host}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:             cfg.Postgres.DSN,
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		Database:        cfg.Postgres.Database,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxConns:        cfg.Postgres.PoolMaxConns,
		MinConns:        cfg.Postgres.PoolMinConns,
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Postgres = pgClient

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	deps.Positions = postgres.NewPositionStore(pgClient.Pool())
	deps.Audit = postgres.NewAuditStore(pgClient.Pool())

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addrs:      cfg.Redis.Addrs,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Redis = redisClient

	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	marketCache := redis.NewMarketCache(redisClient, cfg.Redis.MarketTTL.Duration)

	// --- Exchange gateway ---
	gw, err := gateway.NewClient(gateway.Config{
		BaseURL:    cfg.Gateway.BaseURL,
		Key:        cfg.Gateway.APIKey,
		Secret:     cfg.Gateway.APISecret,
		Timeout:    cfg.Gateway.Timeout.Duration,
		RetryCount: cfg.Gateway.RetryCount,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: gateway: %w", err)
	}
	deps.Gateway = gw
	deps.Costs = gateway.NewCostModel(cfg.Gateway.MarginMode)
	deps.Markets = gateway.NewCachedCatalog(gw, marketCache, deps.Costs, logger)

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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.DedupWindow.Duration, logger)

	// --- Lifecycle ---
	deps.Locks = lock.NewManager(redis.NewLockStore(redisClient, logger), lock.Config{
		Host:            host,
		HardTimeout:     cfg.Lock.HardTimeout.Duration,
		PollInterval:    cfg.Lock.PollInterval.Duration,
		DefaultEstimate: cfg.Lock.DefaultEstimate.Duration,
	}, logger)
	deps.Admission = admission.NewController(deps.Positions, gw, deps.Markets, deps.Markets, admission.Config{
		GlobalBlacklist:      cfg.Admission.GlobalBlacklist,
		GlobalWhitelist:      cfg.Admission.GlobalWhitelist,
		GlobalMaxConcurrent:  cfg.Admission.GlobalMaxConcurrent,
		CountRetryAttempts:   cfg.Admission.CountRetryAttempts,
		CountRetryBackoffMin: cfg.Admission.CountRetryBackoffMin.Duration,
		CountRetryBackoffMax: cfg.Admission.CountRetryBackoffMax.Duration,
	}, logger)
	deps.Engine = reconcile.NewEngine(gw, deps.Markets, deps.Markets, reconcile.Config{
		MissingOrderMaxAttempts: cfg.Reconcile.MissingOrderMaxAttempts,
		MissingOrderMaxAge:      cfg.Reconcile.MissingOrderMaxAge.Duration,
	}, logger)
	deps.Service = service.NewPositionService(service.Deps{
		Positions: deps.Positions,
		Audit:     deps.Audit,
		Prices:    deps.Prices,
		Bus:       deps.Bus,
		Exchange:  gw,
		Handlers:  deps.Markets,
		Locks:     deps.Locks,
		Admission: deps.Admission,
		Engine:    deps.Engine,
		Alerts:    deps.Notifier,
	}, service.Config{
		Process:      cfg.Worker.ProcessName,
		Host:         host,
		LockEstimate: cfg.Worker.LockEstimate.Duration,
		StaleAfter:   cfg.Lock.PositionStaleAfter.Duration,
		EventChannel: cfg.Worker.EventChannel,
	}, logger)

	// --- S3 cold storage (maintenance only) ---
	if cfg.NeedsMaintenance() {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.S3 = s3Client
		blobArchiver := s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Positions,
			deps.Audit,
			cfg.Archive.BatchSize,
			logger,
		)
		deps.Archiver = pipeline.NewArchiver(blobArchiver, cfg.Archive.RetentionDays, logger)
	}

	return deps, cleanup, nil
}
