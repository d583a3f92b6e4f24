package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/voltgrid/csms/internal/adapter/cache"
	v16 "github.com/voltgrid/csms/internal/adapter/ocpp/v16"
	"github.com/voltgrid/csms/internal/adapter/queue"
	"github.com/voltgrid/csms/internal/adapter/storage/postgres"
	"github.com/voltgrid/csms/internal/observability/audit"
	"github.com/voltgrid/csms/internal/observability/events"
	"github.com/voltgrid/csms/internal/observability/telemetry"
	"github.com/voltgrid/csms/internal/ports"
	"github.com/voltgrid/csms/internal/service/health"
	"github.com/voltgrid/csms/internal/service/station"
	"github.com/voltgrid/csms/internal/service/transaction"
	"github.com/voltgrid/csms/pkg/config"
)

const serviceName = "voltgrid-csms"

func main() {
	// 1. Logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	// 2. Configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	logger.Info("Starting central system",
		zap.String("service", serviceName),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	// 3. Tracing
	if cfg.OpenTelemetry.Enabled {
		tracerProvider, err := telemetry.InitTracer(serviceName, cfg.App.Version, cfg.OpenTelemetry.Jaeger.Endpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logger.Error("Error shutting down tracer provider", zap.Error(err))
			}
		}()
	}

	// 4. PostgreSQL
	db, err := postgres.NewConnection(cfg.Database.URL, cfg.Database.LogQueries, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer postgres.Close(db)

	if cfg.Database.AutoMigrate {
		if err := postgres.RunMigrations(db); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	// 5. Cache: Redis when configured, in-process fallback otherwise
	var cacheStore ports.Cache
	if cfg.Redis.URL != "" {
		cacheStore, err = cache.NewRedisCache(cfg.Redis.URL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	} else {
		logger.Warn("No Redis URL configured, using in-process cache")
		cacheStore = cache.NewLocalCache(time.Minute, logger)
	}
	defer cacheStore.Close()

	// 6. Audit queue
	var messageQueue queue.MessageQueue
	switch cfg.Queue.Driver {
	case "nats":
		messageQueue, err = queue.NewNATSQueue(cfg.Queue.URL, logger)
	case "rabbitmq":
		messageQueue, err = queue.NewRabbitMQQueue(cfg.Queue.URL, logger)
	case "none", "":
		messageQueue = nil
	default:
		logger.Fatal("Unknown queue driver", zap.String("driver", cfg.Queue.Driver))
	}
	if err != nil {
		logger.Fatal("Failed to connect to message queue", zap.Error(err))
	}
	if messageQueue != nil {
		defer messageQueue.Close()
	}

	// 7. Repositories
	chargePointRepo := postgres.NewChargePointRepository(db, logger)
	connectorRepo := postgres.NewConnectorRepository(db, logger)
	transactionRepo := postgres.NewTransactionRepository(db, logger)
	meterValueRepo := postgres.NewMeterValueRepository(db, logger)
	messageRepo := postgres.NewMessageRepository(db, logger)

	// 8. Observer bus and sinks
	bus := events.NewBus(logger)
	bus.Register(telemetry.NewMetricsSink())
	if messageQueue != nil {
		bus.Register(audit.NewSink(messageQueue, cfg.Queue.AuditSubject, logger))
	}

	// 9. Services
	stationService := station.NewService(chargePointRepo, connectorRepo, cacheStore, bus, logger)
	transactionService := transaction.NewService(transactionRepo, meterValueRepo, chargePointRepo, bus, logger)

	// 10. OCPP pipeline and server
	pipeline := v16.NewPipeline()
	handlers := v16.NewHandlers(stationService, transactionService, v16.HandlerConfig{
		HeartbeatInterval:    cfg.OCPP.HeartbeatInterval,
		AutoRemoteStart:      cfg.OCPP.AutoRemoteStart.Enabled,
		AutoRemoteStartIDTag: cfg.OCPP.AutoRemoteStart.IDTag,
	}, logger)
	handlers.Register(pipeline)

	ocppServer := v16.NewServer(v16.ServerConfig{
		Addr:          fmt.Sprintf(":%d", cfg.OCPP.Port),
		PathPrefix:    cfg.OCPP.PathPrefix,
		ShutdownGrace: cfg.OCPP.ShutdownGrace,
		Session: v16.SessionConfig{
			HeartbeatInterval: cfg.OCPP.HeartbeatInterval,
			CommandDelay:      cfg.OCPP.CommandDelay,
			ReplyTimeout:      cfg.OCPP.ReplyTimeout,
		},
	}, pipeline, messageRepo, stationService, transactionService, bus, logger)

	go func() {
		if err := ocppServer.Start(); err != nil {
			logger.Fatal("OCPP server failed", zap.Error(err))
		}
	}()

	// 11. Operator HTTP surface: health and metrics
	healthService := health.NewService(&health.Config{
		Version:  cfg.App.Version,
		DB:       db,
		Cache:    cacheStore,
		QueueURL: cfg.Queue.URL,
	}, logger)

	app := fiber.New(fiber.Config{
		AppName:               serviceName,
		DisableStartupMessage: true,
		ReadTimeout:           cfg.HTTP.ReadTimeout,
		WriteTimeout:          cfg.HTTP.WriteTimeout,
		IdleTimeout:           cfg.HTTP.IdleTimeout,
	})
	app.Use(recover.New())
	health.NewFiberHandler(healthService).RegisterRoutes(app)

	if cfg.Prometheus.Enabled {
		metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
		app.Get(cfg.Prometheus.Path, func(c *fiber.Ctx) error {
			metricsHandler(c.Context())
			return nil
		})
	}

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.HTTP.Port))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.HTTP.Port)); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	telemetry.CentralUp.Set(1)

	// 12. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	telemetry.CentralUp.Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ocppServer.Shutdown(ctx); err != nil {
		logger.Error("OCPP server shutdown failed", zap.Error(err))
	}
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	logger.Info("Server exited gracefully")
}
