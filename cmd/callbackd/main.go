package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/callback-engine/internal/auth"
	"github.com/kursadbilgin/callback-engine/internal/config"
	"github.com/kursadbilgin/callback-engine/internal/gateway"
	"github.com/kursadbilgin/callback-engine/internal/handler"
	"github.com/kursadbilgin/callback-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/callback-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/callback-engine/internal/infra/redis"
	"github.com/kursadbilgin/callback-engine/internal/observability"
	"github.com/kursadbilgin/callback-engine/internal/queue"
	"github.com/kursadbilgin/callback-engine/internal/repository"
	"github.com/kursadbilgin/callback-engine/internal/scheduling"
	"github.com/kursadbilgin/callback-engine/internal/service"
	"github.com/kursadbilgin/callback-engine/internal/store"
	"github.com/kursadbilgin/callback-engine/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	shutdownTimeout  = 10 * time.Second
	consumerPrefetch = 16
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("callback engine stopped with error", zap.Error(err))
	}
	logger.Info("callback engine stopped")
}

type backends struct {
	db       *gorm.DB
	rdb      *goredis.Client
	kv       repository.KVStore
	attempts repository.AttemptRepository
	checks   []handler.ReadinessCheck
}

func (b *backends) close() {
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
	if b.db != nil {
		if sqlDB, err := b.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}

	if cfg.DatabaseDSN != "" {
		db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		if err := migrations.Migrate(db); err != nil {
			b.db = db
			b.close()
			return nil, fmt.Errorf("database migrations failed: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		b.db = db
		b.attempts = repository.NewGormAttemptRepo(db)
		b.checks = append(b.checks, handler.SQLCheck("postgres", sqlDB))
	} else {
		b.attempts = repository.NewMemoryAttemptRepo()
	}

	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			b.close()
			return nil, err
		}
		b.rdb = rdb
		b.checks = append(b.checks, handler.RedisCheck("redis", rdb))
	}

	switch cfg.PersistenceBackend {
	case config.BackendRedis:
		kv, err := repository.NewRedisKVStore(b.rdb)
		if err != nil {
			b.close()
			return nil, err
		}
		b.kv = kv
	case config.BackendPostgres:
		b.kv = repository.NewGormKVStore(b.db)
	default:
		logger.Warn("using in-memory persistence; callbacks will not survive a restart")
		b.kv = repository.NewMemoryKVStore()
	}

	return b, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()

	switchGateway, err := gateway.NewHTTPGateway(cfg.SwitchGatewayURL)
	if err != nil {
		return err
	}
	if cfg.RateLimited() {
		limiter, err := infraredis.NewRedisRateLimiter(b.rdb, cfg.OriginateRatePerSec)
		if err != nil {
			return err
		}
		switchGateway.SetRateLimiter(limiter)
	}

	records := store.New(cfg.HistoryLimit)

	svc, err := service.NewCallbackService(
		records,
		switchGateway,
		scheduling.NewRetryPolicy(cfg.RetryDelay),
		service.Config{
			DefaultQueue:       cfg.DefaultQueue,
			DefaultMaxAttempts: cfg.DefaultMaxAttempts,
			OriginateContext:   cfg.OriginateContext,
			CallerID:           cfg.OriginateCallerID,
			OriginateTimeout:   cfg.OriginateTimeout,
		},
		logger.Named("callbacks"),
	)
	if err != nil {
		return err
	}
	defer svc.Close()
	svc.SetMetrics(metrics)

	bridge, err := service.NewPersistenceBridge(b.kv, b.attempts, cfg.StorageNamespace, 0, logger.Named("persistence"))
	if err != nil {
		return err
	}
	bridge.SetMetrics(metrics)
	svc.SetStorage(bridge)
	svc.SetAttemptLog(bridge)

	loaded := svc.LoadFromStorage(ctx)
	logger.Info("callback store restored", zap.Int("loaded", loaded))
	detachBridge := bridge.Attach(records)
	defer detachBridge()

	runner, err := service.NewAutoRunner(svc, cfg.AutoRunInterval, logger.Named("autorunner"))
	if err != nil {
		return err
	}
	runner.SetMetrics(metrics)

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bridge.Start(groupCtx)
	})

	if cfg.RabbitMQURL != "" {
		if err := startBroker(groupCtx, g, cfg, svc, records, metrics, logger); err != nil {
			return err
		}
	}

	var manager *auth.Manager
	if cfg.AuthEnabled() {
		manager, err = auth.NewManager(cfg.JWTSecret, "", 0)
		if err != nil {
			return err
		}
	}

	app := newApp(logger, metrics, manager)
	handler.RegisterHealthRoutes(app, b.checks...)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := app.Group("/", auth.Middleware(manager, nil))
	if err := handler.RegisterCallbackRoutes(api, svc); err != nil {
		return err
	}
	if err := handler.RegisterGatewayRoutes(api, svc); err != nil {
		return err
	}
	if err := handler.RegisterRunnerRoutes(api, groupCtx, runner); err != nil {
		return err
	}

	if cfg.AutoRun {
		runner.Start(groupCtx)
	}

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("callback engine api started", zap.String("addr", addr), zap.Bool("auth", manager != nil))
		return app.Listen(addr)
	})

	g.Go(func() error {
		<-groupCtx.Done()
		runner.Stop()

		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Warn("http shutdown failed", zap.Error(err))
		}

		saveCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		saved := svc.SaveToStorage(saveCtx)
		logger.Info("callback store saved on shutdown", zap.Int("saved", saved))
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func startBroker(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	svc *service.CallbackService,
	records *store.Store,
	metrics *observability.Metrics,
	logger *zap.Logger,
) error {
	topology := queue.Topology{
		EventsQueue:       cfg.SwitchEventsQueue,
		LifecycleExchange: cfg.CallbackEventsExchange,
	}

	consumerConn, err := queue.NewRabbitMQ(cfg.RabbitMQURL, topology)
	if err != nil {
		return err
	}
	publisherConn, err := queue.NewRabbitMQ(cfg.RabbitMQURL, topology)
	if err != nil {
		_ = consumerConn.Close()
		return err
	}

	consumer := queue.NewRabbitMQConsumer(consumerConn, consumerPrefetch, logger.Named("consumer"))
	lifecycle := queue.NewLifecyclePublisher(queue.NewRabbitMQPublisher(publisherConn), 0, logger.Named("lifecycle"))
	lifecycle.SetMetrics(metrics)
	detach := lifecycle.Attach(records)

	g.Go(func() error {
		defer consumer.Close() //nolint:errcheck
		return consumer.Consume(ctx, consumerConn.Topology().EventsQueue, svc.HandleChannelEvent)
	})
	g.Go(func() error {
		defer detach()
		defer publisherConn.Close() //nolint:errcheck
		return lifecycle.Start(ctx)
	})

	logger.Info("switch event feed connected",
		zap.String("queue", consumerConn.Topology().EventsQueue),
		zap.String("exchange", consumerConn.Topology().LifecycleExchange),
	)
	return nil
}

func newApp(logger *zap.Logger, metrics *observability.Metrics, manager *auth.Manager) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "callback-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	return app
}
