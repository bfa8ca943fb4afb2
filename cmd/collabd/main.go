package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/dago-collab/internal/application/locking"
	"github.com/aescanero/dago-collab/internal/application/monitoring"
	"github.com/aescanero/dago-collab/internal/application/presence"
	"github.com/aescanero/dago-collab/internal/application/ratelimit"
	"github.com/aescanero/dago-collab/internal/application/workers"
	"github.com/aescanero/dago-collab/internal/application/workflowsync"
	"github.com/aescanero/dago-collab/internal/config"
	"github.com/aescanero/dago-collab/pkg/adapters/auth"
	eventsmemory "github.com/aescanero/dago-collab/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/dago-collab/pkg/adapters/events/redis"
	"github.com/aescanero/dago-collab/pkg/adapters/metrics/prometheus"
	storagememory "github.com/aescanero/dago-collab/pkg/adapters/storage/memory"
	storagemongo "github.com/aescanero/dago-collab/pkg/adapters/storage/mongo"
	storageredis "github.com/aescanero/dago-collab/pkg/adapters/storage/redis"
	"github.com/aescanero/dago-collab/pkg/api/grpc"
	"github.com/aescanero/dago-collab/pkg/api/http"
	"github.com/aescanero/dago-collab/pkg/api/websocket"
	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/aescanero/dago-collab/pkg/ports"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting collaboration server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend))

	ctx := context.Background()

	// Initialize Redis client when any component needs it
	var redisClient *goredis.Client
	if cfg.UsesRedis() {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	// Workflow store
	var (
		store      ports.WorkflowStore
		closeStore func(context.Context) error
	)
	switch cfg.StorageBackend {
	case config.BackendRedis:
		store = storageredis.NewWorkflowStore(redisClient, cfg.Redis.DocumentTTL, logger)
	case config.BackendMongo:
		client, err := storagemongo.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.ConnectTimeout)
		if err != nil {
			logger.Fatal("failed to connect to MongoDB", zap.Error(err))
		}
		logger.Info("connected to MongoDB",
			zap.String("database", cfg.Mongo.Database),
			zap.String("collection", cfg.Mongo.Collection))
		store = storagemongo.NewWorkflowStore(client, cfg.Mongo.Database, cfg.Mongo.Collection, logger)
		closeStore = client.Disconnect
	default:
		logger.Warn("using in-memory workflow store, documents are lost on restart")
		store = storagememory.NewWorkflowStore()
	}

	// Change feed
	var events ports.EventPublisher
	if cfg.Collaboration.ChangeEventsEnabled {
		if redisClient != nil {
			events = eventsredis.NewStreamsPublisher(redisClient, eventsredis.DefaultMaxLen, logger)
		} else {
			publisher := eventsmemory.NewPublisher()
			publisher.Subscribe(domain.TopicWorkflowChanges, func(_ context.Context, event domain.Event) {
				logger.Debug("workflow change event",
					zap.String("type", string(event.Type)),
					zap.String("workflow_id", event.WorkflowID))
			})
			events = publisher
		}
	}

	// Rate limiter
	var limiter ratelimit.Limiter
	if cfg.RateLimit.Backend == config.BackendRedis {
		limiter = ratelimit.NewRedisSlidingWindow(redisClient, cfg.RateLimit.Messages, cfg.RateLimit.Window, logger)
	} else {
		limiter = ratelimit.NewSlidingWindow(cfg.RateLimit.Messages, cfg.RateLimit.Window)
	}

	// Initialize application components
	metricsCollector := prometheus.NewCollector(promclient.DefaultRegisterer)
	monitor := monitoring.NewService(metricsCollector, monitoring.Thresholds{
		MaxConnections: cfg.Monitoring.MaxConnections,
		MaxLatency:     cfg.Monitoring.MaxLatency,
	}, logger)

	locks := locking.NewManager(logger)
	syncService := workflowsync.NewService(store, events, workflowsync.NewValidator(), logger)
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	access := auth.NewStoreAccessChecker(store, logger)

	hub := websocket.NewHub(
		presence.NewConnectionRegistry(monitor, logger),
		presence.NewSessionRegistry(),
		locks,
		syncService,
		limiter,
		monitor,
		verifier,
		access,
		websocket.Options{
			LockTTL:        cfg.Collaboration.LockTTL,
			WriteTimeout:   cfg.Collaboration.WriteTimeout,
			MaxMessageSize: cfg.Collaboration.MaxMessageSize,
		},
		logger,
	)

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:           cfg.HTTPPort,
		Hub:            hub,
		Health:         syncService,
		Verifier:       verifier,
		Access:         access,
		MetricsHandler: promhttp.Handler(),
		Logger:         logger,
	})

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	housekeeper := workers.NewHousekeeper(workers.Config{
		Interval:        cfg.Collaboration.HousekeepingInterval,
		RateLimitMaxAge: cfg.RateLimit.MaxAge,
		Limiter:         limiter,
		Locks:           locks,
		Store:           syncService,
		Stats:           hub,
		OnHealth:        grpcServer.SetServing,
	}, logger)
	housekeeper.Start()

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("collaboration server started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	housekeeper.Stop()
	grpcServer.SetServing(false)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// hijacked sockets are not drained by the HTTP server
	hub.Shutdown()

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if events != nil {
		if err := events.Close(); err != nil {
			logger.Error("event publisher close error", zap.Error(err))
		}
	}

	if closeStore != nil {
		if err := closeStore(shutdownCtx); err != nil {
			logger.Error("workflow store close error", zap.Error(err))
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("collaboration server shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
