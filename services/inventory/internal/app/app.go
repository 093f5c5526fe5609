package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/jackc/pgx/v5/stdlib" // драйвер pgx для goose

	platformhealth "github.com/shestoi/GoBigTech/platform/health/http"
	platformlogging "github.com/shestoi/GoBigTech/platform/logging"
	platformobservability "github.com/shestoi/GoBigTech/platform/observability"
	platformshutdown "github.com/shestoi/GoBigTech/platform/shutdown"
	httpapi "github.com/shestoi/GoBigTech/services/inventory/internal/api/http"
	httpclient "github.com/shestoi/GoBigTech/services/inventory/internal/client/http"
	"github.com/shestoi/GoBigTech/services/inventory/internal/config"
	kafkaevent "github.com/shestoi/GoBigTech/services/inventory/internal/event/kafka"
	"github.com/shestoi/GoBigTech/services/inventory/internal/metrics"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository/memory"
	mongorepo "github.com/shestoi/GoBigTech/services/inventory/internal/repository/mongo"
	"github.com/shestoi/GoBigTech/services/inventory/internal/repository/postgres"
	redisrepo "github.com/shestoi/GoBigTech/services/inventory/internal/repository/redis"
	"github.com/shestoi/GoBigTech/services/inventory/internal/seed"
	"github.com/shestoi/GoBigTech/services/inventory/internal/service"
	"github.com/shestoi/GoBigTech/services/inventory/internal/worker"
	"github.com/shestoi/GoBigTech/services/inventory/migrations"
)

const connectTimeout = 10 * time.Second

// stockStore хранилище движка, которое умеет принимать начальные данные
type stockStore interface {
	repository.Store
	repository.Seeder
}

// App содержит все зависимости для запуска и корректного shutdown Inventory Service
type App struct {
	logger      *zap.Logger
	httpServer  *http.Server
	shutdownMgr *platformshutdown.Manager
	sweeper     *worker.Sweeper
	consumer    *kafkaevent.PaymentOutcomeConsumer

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	runErr error
}

// Build создаёт и настраивает все зависимости Inventory Service.
// При ошибке уже поднятые ресурсы закрываются через shutdown manager.
func Build(cfg config.Config) (*App, error) {
	const op = "app.Build"

	// Создаём logger
	logger, err := platformlogging.New(platformlogging.Config{
		ServiceName: "inventory",
		Env:         string(cfg.AppEnv),
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		return nil, err
	}

	cfg.Log(logger)
	logger = logger.With(zap.String("op", op))
	logger.Info("Building Inventory service", zap.String("http_addr", cfg.HTTPAddr))

	shutdownMgr := platformshutdown.New(cfg.ShutdownTimeout, logger)
	fail := func(err error) (*App, error) {
		shutdownMgr.Shutdown()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	// OpenTelemetry: otel регистрируется первым, чтобы закрыться последним и успеть выгрузить spans
	otelShutdown, err := platformobservability.Init(ctx, platformobservability.Config{
		Enabled:               cfg.OTelEnabled,
		OTLPEndpoint:          cfg.OTelEndpoint,
		SamplingRatio:         cfg.OTelSamplingRatio,
		ServiceName:           "inventory",
		DeploymentEnvironment: string(cfg.AppEnv),
	})
	if err != nil {
		return fail(err)
	}
	shutdownMgr.Add("otel", otelShutdown)

	var checks []platformhealth.Check

	// Хранилище партий и резервов
	store, err := buildStore(ctx, cfg, logger, shutdownMgr)
	if err != nil {
		return fail(err)
	}
	checks = append(checks, platformhealth.Check{Name: string(cfg.Storage), Fn: store.Ping})

	if cfg.SeedFile != "" {
		if err := seed.LoadFile(ctx, cfg.SeedFile, store, logger); err != nil {
			return fail(err)
		}
	}

	// Prometheus метрики на отдельном registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Геокодер (опционально) с кэшем в Redis (опционально)
	var geocoder service.Geocoder
	if cfg.GeocoderURL != "" {
		geocoder = httpclient.NewGeocoderClient(cfg.GeocoderURL, cfg.GeocoderUserAgent, cfg.GeocoderTimeout, logger)
		logger.Info("Geocoder enabled", zap.String("url", cfg.GeocoderURL))

		if cfg.RedisAddr != "" {
			logger.Info("Connecting to Redis", zap.String("addr", cfg.RedisAddr))
			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
			})
			shutdownMgr.Add("redis_client", platformshutdown.CloseErr(redisClient))
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fail(fmt.Errorf("redis ping: %w", err))
			}
			logger.Info("Redis connection established")

			cache := redisrepo.NewGeocodeCache(redisClient, logger)
			geocoder = httpclient.NewCachedGeocoder(geocoder, cache, cfg.GeocodeCacheTTL, logger)
			checks = append(checks, platformhealth.Check{Name: "redis", Fn: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}})
		}
	}

	// Получатели событий: журнал в MongoDB и Kafka
	var (
		sinks   service.MultiSink
		history httpapi.HistoryReader
	)
	if cfg.MongoURI != "" {
		logger.Info("Connecting to MongoDB")
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fail(err)
		}
		shutdownMgr.Add("mongodb", platformshutdown.DisconnectMongo(client))
		if err := client.Ping(ctx, nil); err != nil {
			return fail(fmt.Errorf("mongo ping: %w", err))
		}
		logger.Info("MongoDB connection established")

		journal, err := mongorepo.NewJournal(ctx, client, cfg.MongoDBName)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, journal)
		history = journal
		checks = append(checks, platformhealth.Check{Name: "mongodb", Fn: func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}})
	}
	if cfg.Kafka.Enabled {
		publisher := kafkaevent.NewReservationEventPublisher(logger, cfg.Kafka.Brokers, cfg.Kafka.ReservationTopic)
		shutdownMgr.Add("kafka_publisher", platformshutdown.CloseErr(publisher))
		sinks = append(sinks, publisher)
		logger.Info("Kafka reservation publisher configured", zap.String("topic", cfg.Kafka.ReservationTopic))
	}

	// Движок резервирования
	ranker := service.NewProximityRanker(store, geocoder, cfg.GeocoderTimeout, logger)
	fefo := service.NewFEFOAllocator(store, time.Now, logger)
	allocator := service.NewAllocator(ranker, fefo, m, logger)
	locks := service.NewLockManager(store, cfg.ReservationTTL, time.Now, sinks, m, logger)
	stockService := service.NewStockService(allocator, locks, store, time.Now, logger)

	sweeper := worker.NewSweeper(store, locks, cfg.SweepInterval, cfg.SweepBatchSize, m, logger)

	// Входящие исходы оплаты
	var consumer *kafkaevent.PaymentOutcomeConsumer
	if cfg.Kafka.Enabled {
		dlq := kafkaevent.NewDLQPublisher(logger, cfg.Kafka.Brokers, cfg.Kafka.DLQTopic)
		shutdownMgr.Add("kafka_dlq_publisher", platformshutdown.CloseErr(dlq))
		consumer = kafkaevent.NewPaymentOutcomeConsumer(logger, cfg.Kafka, stockService, dlq)
		shutdownMgr.Add("kafka_consumer", platformshutdown.CloseErr(consumer))
	}

	// HTTP API
	handler := httpapi.NewHandler(stockService, history, logger)
	router := httpapi.NewRouter(handler, checks, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Фоновые воркеры останавливаются после HTTP сервера, но до закрытия соединений
	runCtx, runCancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	shutdownMgr.Add("background_workers", func(ctx context.Context) error {
		runCancel()
		done := make(chan error, 1)
		go func() { done <- group.Wait() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	shutdownMgr.Add("http_server", platformshutdown.ShutdownHTTPServer(httpServer))

	return &App{
		logger:      logger,
		httpServer:  httpServer,
		shutdownMgr: shutdownMgr,
		sweeper:     sweeper,
		consumer:    consumer,
		group:       group,
		ctx:         groupCtx,
		cancel:      runCancel,
	}, nil
}

// buildStore поднимает PostgreSQL (с миграциями) или in-memory хранилище
func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger, shutdownMgr *platformshutdown.Manager) (stockStore, error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn("Using in-memory storage, reservations are lost on restart")
		return memory.NewStore(), nil
	}

	logger.Info("Connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	shutdownMgr.Add("postgres_pool", platformshutdown.ClosePool(pool))

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info("PostgreSQL connection established")

	if cfg.MigrateOnStart {
		if err := migrate(ctx, cfg.PostgresDSN, logger); err != nil {
			return nil, err
		}
	}

	return postgres.NewStore(pool), nil
}

// migrate применяет встроенные миграции goose
func migrate(ctx context.Context, dsn string, logger *zap.Logger) error {
	logger.Info("Applying database migrations")
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")
	return nil
}

// Run запускает HTTP сервер и фоновые воркеры и блокируется до получения сигнала shutdown.
// Падение любого воркера запускает shutdown всего сервиса.
func (a *App) Run() error {
	defer platformlogging.Sync(a.logger)

	a.logger.Info("Starting Inventory service", zap.String("addr", a.httpServer.Addr))
	a.logger.Info("Health check available", zap.String("url", "http://"+a.httpServer.Addr+"/health"))

	fatal := func(name string, err error) error {
		if err != nil {
			a.logger.Error("Background component failed", zap.String("component", name), zap.Error(err))
			a.mu.Lock()
			if a.runErr == nil {
				a.runErr = err
			}
			a.mu.Unlock()
			a.shutdownMgr.Trigger()
		}
		return err
	}

	a.group.Go(func() error {
		err := a.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fatal("http_server", err)
	})
	a.group.Go(func() error {
		return fatal("sweeper", a.sweeper.Start(a.ctx))
	})
	if a.consumer != nil {
		a.group.Go(func() error {
			return fatal("kafka_consumer", a.consumer.Start(a.ctx))
		})
	}

	// Ожидаем сигнал и выполняем shutdown
	a.shutdownMgr.Wait()
	a.cancel()

	a.logger.Info("Inventory service stopped")
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runErr
}
