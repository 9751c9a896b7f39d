package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/earlence-security/stateful-auth/config"
	"github.com/earlence-security/stateful-auth/gateway"
	"github.com/earlence-security/stateful-auth/internal/observability"
	engine "github.com/earlence-security/stateful-auth/internal/policy"
	"github.com/earlence-security/stateful-auth/middleware"
	"github.com/earlence-security/stateful-auth/repositories"
	"github.com/earlence-security/stateful-auth/repositories/postgres"
	redisrepo "github.com/earlence-security/stateful-auth/repositories/redis"
	"github.com/earlence-security/stateful-auth/services/audit"
	"github.com/earlence-security/stateful-auth/services/history"
	"github.com/earlence-security/stateful-auth/services/policy"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheCleanupInterval = time.Minute

// Dependencies holds everything the HTTP server needs. It is the single
// wiring point between configuration, stores and services.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB
	Redis  *goredis.Client
	Logger *zap.Logger

	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Policies  repositories.PolicyRepository
	Bindings  repositories.BindingRepository
	History   repositories.HistoryRepository
	AuditLogs repositories.AuditRepository
	TxManager repositories.TransactionManager

	// Services
	Audit          *audit.AuditService
	PolicyService  *policy.PolicyService
	HistoryService *history.HistoryService
	Counters       *observability.Counters

	AuthMiddleware *middleware.AuthMiddleware
	Gateway        *gateway.Gateway

	stopCleanup chan struct{}
}

// NewDependencies connects the stores named by cfg and wires the services.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps.initRepositories()

	if err := deps.initHistoryStore(ctx, cfg); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize history store: %w", err)
	}

	if err := deps.WireServices(); err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase initializes the PostgreSQL database connection and factory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := d.DB.PingContext(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := factory.InitSchema(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	return nil
}

func (d *Dependencies) initRepositories() {
	repos := d.RepoFactory.NewRepositories()

	d.Policies = repos.Policies
	d.Bindings = repos.Bindings
	d.History = repos.History
	d.AuditLogs = repos.AuditLogs
	d.TxManager = d.RepoFactory.GetTransactionManager()

	d.Logger.Info("repositories initialized")
}

// initHistoryStore swaps the postgres history repository for redis when configured
func (d *Dependencies) initHistoryStore(ctx context.Context, cfg *config.Config) error {
	if cfg.History.Backend != config.HistoryBackendRedis {
		return nil
	}

	client := redisrepo.NewClient(cfg.History.Redis)
	repo := redisrepo.NewHistoryRepository(client, cfg.History.Redis.KeyPrefix, cfg.History.MaxRetries, d.Logger)
	if err := repo.Ping(ctx); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Redis = client
	d.History = repo
	d.Logger.Info("redis history store connected", zap.String("addr", cfg.History.Redis.Addr))
	return nil
}

// WireServices builds the services from the repositories already set on d.
// Repositories left nil select the reduced mode each service supports:
// file-only policies, no audit trail. History is required.
func (d *Dependencies) WireServices() error {
	cfg := d.Config
	if d.History == nil {
		return errors.New("history repository is required")
	}

	files, err := loadPolicyFiles(cfg.Policy.Dir)
	if err != nil {
		return err
	}
	d.Logger.Info("policy files loaded",
		zap.String("dir", cfg.Policy.Dir),
		zap.Int("count", len(files)))

	if d.AuditLogs != nil {
		d.Audit = audit.NewAuditService(d.AuditLogs, d.Logger, audit.Config{
			BufferSize:  cfg.Observability.AuditQueueSize,
			WorkerCount: cfg.Observability.AuditWorkers,
		})
		if err := d.Audit.Start(); err != nil {
			return fmt.Errorf("failed to start audit service: %w", err)
		}
	}

	cache := policy.NewPolicyCache(cfg.Policy.CacheSize, cfg.Policy.CacheTTL)
	d.PolicyService = policy.NewPolicyService(d.Policies, d.Bindings, d.TxManager, cache, d.Audit, d.Logger, policy.Options{
		Files:         files,
		DefaultPolicy: cfg.Policy.DefaultPolicy,
	})
	d.stopCleanup = make(chan struct{})
	go d.PolicyService.StartCacheCleanup(cacheCleanupInterval, d.stopCleanup)

	d.HistoryService = history.NewHistoryService(d.History, d.Audit, d.Logger)
	d.Counters = observability.NewCounters()
	d.AuthMiddleware = middleware.NewAuthMiddleware(cfg.Server.AdminToken, d.Logger)

	if cfg.Gateway.Enabled {
		upstream, err := url.Parse(cfg.Gateway.UpstreamURL)
		if err != nil {
			return fmt.Errorf("invalid gateway upstream: %w", err)
		}
		d.Gateway, err = gateway.New(gateway.Config{
			Upstream:         upstream,
			ResourcePrefixes: cfg.Gateway.ResourcePrefixes,
			VerifyCarried:    cfg.History.VerifyCarry,
			Timeout:          cfg.Gateway.Timeout,
		}, d.PolicyService, d.HistoryService, d.Counters, d.Logger)
		if err != nil {
			return err
		}
		d.Logger.Info("gateway enabled",
			zap.String("upstream", upstream.Redacted()),
			zap.Strings("resource_prefixes", cfg.Gateway.ResourcePrefixes),
			zap.Bool("verify_carried", cfg.History.VerifyCarry))
	}

	return nil
}

// loadPolicyFiles compiles the policy directory; a missing directory yields none
func loadPolicyFiles(dir string) (map[string]*engine.Policy, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	files, err := engine.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	return files, nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stopCleanup != nil {
		close(d.stopCleanup)
		d.stopCleanup = nil
	}

	// Drain queued audit rows before the database goes away.
	if d.Audit != nil {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
		d.Audit = nil
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.Redis = nil
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
