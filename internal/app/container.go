// Package app wires the application dependency graph.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/cvmatch/cvmatch/adapter/api"
	billingApp "github.com/cvmatch/cvmatch/internal/billing/application"
	billingDomain "github.com/cvmatch/cvmatch/internal/billing/domain"
	billingPersistence "github.com/cvmatch/cvmatch/internal/billing/infrastructure/persistence"
	stripeInfra "github.com/cvmatch/cvmatch/internal/billing/infrastructure/stripe"
	matchingApp "github.com/cvmatch/cvmatch/internal/matching/application"
	"github.com/cvmatch/cvmatch/internal/matching/infrastructure/cache"
	"github.com/cvmatch/cvmatch/internal/matching/infrastructure/llm"
	sharedApplication "github.com/cvmatch/cvmatch/internal/shared/application"
	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/database"
	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/eventbus"
	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/migrations"
	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/outbox"
	sharedPersistence "github.com/cvmatch/cvmatch/internal/shared/infrastructure/persistence"
	"github.com/cvmatch/cvmatch/pkg/config"
	"github.com/cvmatch/cvmatch/pkg/observability"
)

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Database (exactly one of the two is set, per cfg.LocalMode)
	DB     *pgxpool.Pool
	SQLite *sql.DB

	// Redis
	RedisClient *redis.Client

	// Repositories
	LedgerRepo      billingDomain.LedgerRepository
	EventRepo       billingDomain.ProcessedEventRepository
	ConsumptionRepo billingDomain.ConsumptionRepository
	OutboxRepo      outbox.Repository

	// Publishers
	EventPublisher eventbus.Publisher

	// Unit of Work
	UnitOfWork sharedApplication.UnitOfWork

	// Billing services
	Verifier       *stripeInfra.Verifier
	Gate           *billingApp.Gate
	Reconciler     *billingApp.Reconciler
	WebhookService *billingApp.WebhookService
	Resolver       *billingApp.Resolver
	Consumer       *billingApp.Consumer
	CheckoutClient *stripeInfra.CheckoutClient

	// Matching services
	LLMClient       *llm.Client
	Embedder        matchingApp.Embedder
	MatchingService *matchingApp.Service

	// HTTP
	BillingHandler      *api.BillingHandler
	OptimizationHandler *api.OptimizationHandler
	TokenVerifier       api.TokenVerifier
	Server              *api.Server

	// Observability
	Metrics        observability.Metrics
	HealthRegistry *observability.HealthRegistry

	// Outbox Processor
	OutboxProcessor *outbox.Processor
}

// NewContainer creates and wires all dependencies.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NoopMetrics{},
	}

	if err := c.connectDatabase(ctx); err != nil {
		return nil, err
	}

	c.connectRedis(ctx)

	if err := c.connectEventBus(); err != nil {
		c.closeDatabase()
		return nil, err
	}

	c.wireBilling()
	c.wireMatching()
	c.wireHealth()
	c.wireHTTP()

	c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, c.EventPublisher, outbox.ProcessorConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		MaxRetries:   cfg.OutboxMaxRetries,
	}, logger)

	return c, nil
}

func (c *Container) connectDatabase(ctx context.Context) error {
	cfg := c.Config

	if cfg.LocalMode {
		db, err := database.NewSQLiteDB(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite database: %w", err)
		}
		if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
			db.Close()
			return fmt.Errorf("failed to run sqlite migrations: %w", err)
		}
		c.SQLite = db
		c.LedgerRepo = billingPersistence.NewSQLiteLedgerRepository(db)
		c.EventRepo = billingPersistence.NewSQLiteEventRepository(db)
		c.ConsumptionRepo = billingPersistence.NewSQLiteConsumptionRepository(db)
		c.OutboxRepo = outbox.NewSQLiteRepository(db)
		c.UnitOfWork = sharedPersistence.NewSQLiteUnitOfWork(db)
		c.Logger.Info("using local sqlite database", "path", cfg.SQLitePath)
		return nil
	}

	pool, err := database.NewPostgresPool(ctx, database.Config{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DatabaseMaxConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return fmt.Errorf("failed to run postgres migrations: %w", err)
	}

	c.DB = pool
	c.LedgerRepo = billingPersistence.NewPostgresLedgerRepository(pool)
	c.EventRepo = billingPersistence.NewPostgresEventRepository(pool)
	c.ConsumptionRepo = billingPersistence.NewPostgresConsumptionRepository(pool)
	c.OutboxRepo = outbox.NewPostgresRepository(pool)
	c.UnitOfWork = sharedPersistence.NewPostgresUnitOfWork(pool)
	c.Logger.Info("connected to database")
	return nil
}

// connectRedis is best-effort: embeddings are recomputed on cache
// misses, so a missing Redis only costs latency and API spend.
func (c *Container) connectRedis(ctx context.Context) {
	cfg := c.Config
	if cfg.RedisURL == "" {
		return
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		c.Logger.Warn("invalid Redis URL, embedding cache disabled", "error", err)
		return
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		c.Logger.Warn("Redis not available, embedding cache disabled", "error", err)
		client.Close()
		return
	}
	c.RedisClient = client
	c.Logger.Info("connected to Redis")
}

func (c *Container) connectEventBus() error {
	publisher, err := eventbus.NewRabbitMQPublisher(c.Config.RabbitMQURL, c.Logger)
	if err != nil {
		if c.Config.IsDevelopment() {
			c.Logger.Warn("RabbitMQ not available, using noop publisher")
			c.EventPublisher = eventbus.NewNoopPublisher(c.Logger)
			return nil
		}
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	c.EventPublisher = publisher
	return nil
}

func (c *Container) wireBilling() {
	cfg := c.Config

	c.Verifier = stripeInfra.NewVerifier(cfg.StripeWebhookSecret)
	c.Gate = billingApp.NewGate(c.EventRepo, c.UnitOfWork, c.Logger)
	c.Reconciler = billingApp.NewReconciler(c.LedgerRepo, c.OutboxRepo, c.Logger)
	c.WebhookService = billingApp.NewWebhookService(c.Verifier, c.Gate, c.Reconciler, c.Logger)
	c.Resolver = billingApp.NewResolver(c.LedgerRepo, c.Logger)
	c.Consumer = billingApp.NewConsumer(c.LedgerRepo, c.ConsumptionRepo, c.OutboxRepo, c.UnitOfWork, c.Logger)

	c.CheckoutClient = stripeInfra.NewCheckoutClient(stripeInfra.CheckoutConfig{
		SecretKey:      cfg.StripeAPIKey,
		SuccessURL:     cfg.CheckoutSuccessURL,
		CancelURL:      cfg.CheckoutCancelURL,
		TierPriceIDs:   cfg.TierPriceIDs(),
		CreditPriceID:  cfg.StripePriceCredits,
		CreditPackSize: cfg.CreditPackSize,
	})
}

func (c *Container) wireMatching() {
	c.LLMClient = llm.NewClient(llm.DefaultConfig(c.Config.OpenAIAPIKey), c.Logger)

	c.Embedder = c.LLMClient
	if c.RedisClient != nil {
		c.Embedder = cache.NewCachedEmbedder(c.LLMClient, c.RedisClient, cache.DefaultTTL, c.Logger)
	}

	c.MatchingService = matchingApp.NewService(c.Consumer, c.Embedder, c.LLMClient, c.Logger)
}

func (c *Container) wireHTTP() {
	c.TokenVerifier = api.NewSharedSecretVerifier(c.Config.APIAuthToken)

	c.BillingHandler = api.NewBillingHandler(api.BillingHandlerConfig{
		Webhooks: c.WebhookService,
		Resolver: c.Resolver,
		Checkout: c.CheckoutClient,
		Metrics:  c.Metrics,
		Logger:   c.Logger,
	})
	c.OptimizationHandler = api.NewOptimizationHandler(c.MatchingService, c.Metrics, c.Logger)

	serverCfg := api.DefaultServerConfig()
	serverCfg.Addr = c.Config.ListenAddr
	c.Server = api.NewServer(serverCfg, c.BillingHandler, c.OptimizationHandler, c.TokenVerifier, c.HealthRegistry, c.Logger)
}

func (c *Container) wireHealth() {
	registry := observability.NewHealthRegistry()

	if c.DB != nil {
		registry.Register("database", observability.DatabaseHealthChecker(func(ctx context.Context) error {
			return c.DB.Ping(ctx)
		}))
	}
	if c.SQLite != nil {
		registry.Register("database", observability.DatabaseHealthChecker(func(ctx context.Context) error {
			return c.SQLite.PingContext(ctx)
		}))
	}
	if c.RedisClient != nil {
		registry.Register("redis", observability.RedisHealthChecker(func(ctx context.Context) error {
			return c.RedisClient.Ping(ctx).Err()
		}))
	}

	c.HealthRegistry = registry
}

func (c *Container) closeDatabase() {
	if c.DB != nil {
		c.DB.Close()
	}
	if c.SQLite != nil {
		c.SQLite.Close()
	}
}

// Close releases all held resources.
func (c *Container) Close() error {
	if c.OutboxProcessor != nil {
		c.OutboxProcessor.Stop()
	}
	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil {
			c.Logger.Warn("failed to close event publisher", "error", err)
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("failed to close Redis client", "error", err)
		}
	}
	c.closeDatabase()
	return nil
}
