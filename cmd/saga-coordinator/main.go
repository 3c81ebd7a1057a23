package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/retailhub/order-saga/internal/audit"
	"github.com/retailhub/order-saga/internal/config"
	"github.com/retailhub/order-saga/internal/eventlog"
	"github.com/retailhub/order-saga/internal/events"
	"github.com/retailhub/order-saga/internal/handler"
	"github.com/retailhub/order-saga/internal/metrics"
	"github.com/retailhub/order-saga/internal/participant"
	"github.com/retailhub/order-saga/internal/saga"
	"github.com/retailhub/order-saga/pkg/database"
	"github.com/retailhub/order-saga/pkg/kafka"
	"github.com/retailhub/order-saga/pkg/logger"
	pkgredis "github.com/retailhub/order-saga/pkg/redis"
	"github.com/retailhub/order-saga/pkg/retry"
	"github.com/retailhub/order-saga/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := &logger.Config{
		Level:       cfg.App.Environment,
		ServiceName: "saga-coordinator",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Saga Coordinator...")

	ctx := context.Background()

	// Tracing and metrics
	tel, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    "saga-coordinator",
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	})
	if err != nil {
		appLog.Warn(fmt.Sprintf("Tracing disabled: %v", err))
	}
	if tel != nil {
		defer telemetry.Shutdown(ctx)
	}
	if err := telemetry.InitMetrics("saga-coordinator"); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to initialize metrics exporter: %v", err))
	}
	defer telemetry.ShutdownMetrics(ctx)
	if err := metrics.Init(); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to register saga metrics: %v", err))
	}

	// Saga store: Postgres when reachable, in-memory otherwise.
	var store saga.Store
	var db *database.PostgresDB
	dbCfg := &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MaxIdleConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  5 * time.Second,
	}
	db, err = database.NewPostgres(ctx, dbCfg)
	if err != nil {
		appLog.Warn(fmt.Sprintf("Postgres unavailable, using in-memory saga store: %v", err))
		store = saga.NewMemoryStore()
	} else {
		defer db.Close()
		store = saga.NewPostgresStore(db.Pool())
		appLog.Info("Saga store backed by Postgres")
	}

	// Per-saga lock: Redis when enabled, in-process otherwise.
	var locker saga.Locker = saga.NewMemoryLocker()
	var redisClient *pkgredis.Client
	if cfg.Redis.Enabled {
		redisClient, err = pkgredis.NewClient(ctx, &pkgredis.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			appLog.Warn(fmt.Sprintf("Redis unavailable, using in-process saga lock: %v", err))
		} else {
			defer redisClient.Close()
			locker = saga.NewRedisLocker(redisClient, cfg.Saga.LockTTL)
			appLog.Info("Saga lock backed by Redis")
		}
	}

	// Business event producer: Kafka when enabled, the in-memory
	// partitioned log otherwise.
	var producer events.Producer
	var streamLog *eventlog.Log
	if cfg.Kafka.Enabled {
		kafkaProducer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
		})
		if err != nil {
			appLog.Fatal(fmt.Sprintf("Kafka connection failed: %v", err))
		}
		defer kafkaProducer.Close()
		producer = events.NewKafkaProducer(kafkaProducer)
		appLog.Info("Business events produced to Kafka")
	} else {
		streamLog = eventlog.New(cfg.Saga.EventLogPartitions)
		defer streamLog.Close()
		producer = events.NewLogProducer(streamLog)
		appLog.Info(fmt.Sprintf("Business events produced to in-memory log (%d partitions)", cfg.Saga.EventLogPartitions))
	}

	auditRecorder := audit.New(os.Stdout, "saga-coordinator")
	defer auditRecorder.Sync()

	// Saga plans and participant endpoints
	plans := saga.NewRegistry()
	if err := plans.Register(saga.OrderCreationPlan()); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to register saga plan: %v", err))
	}

	participants := participant.NewRegistry()
	participants.Register(&participant.Entry{
		ServiceName:    saga.ServiceInventory,
		BaseURL:        cfg.Participants.InventoryServiceURL,
		SupportedSteps: []string{saga.StepVerifyStock, saga.StepReserveStock},
	})
	participants.Register(&participant.Entry{
		ServiceName:    saga.ServicePayment,
		BaseURL:        cfg.Participants.PaymentServiceURL,
		SupportedSteps: []string{saga.StepProcessPayment},
	})
	participants.Register(&participant.Entry{
		ServiceName:    saga.ServiceOrder,
		BaseURL:        cfg.Participants.OrderServiceURL,
		SupportedSteps: []string{saga.StepConfirmOrder},
	})
	participants.Register(&participant.Entry{
		ServiceName:    saga.ServiceNotification,
		BaseURL:        cfg.Participants.NotificationServiceURL,
		SupportedSteps: []string{saga.StepSendNotification},
	})

	client := participant.NewClient(participants, &participant.ClientConfig{
		RequestTimeout: cfg.Participants.RequestTimeout,
		Retry: &retry.Config{
			MaxRetries:      cfg.Saga.MaxStepRetries,
			InitialInterval: cfg.Saga.RetryBaseInterval,
			MaxInterval:     time.Second,
			Multiplier:      2.0,
		},
	})

	orchestrator := saga.NewOrchestrator(&saga.OrchestratorConfig{
		Registry: plans,
		Store:    store,
		Locker:   locker,
		Producer: producer,
		Caller:   client,
		Logger:   saga.NewZapLogger(appLog),
		Audit:    auditRecorder,
	})

	// Crash recovery: force compensation of everything left non-terminal.
	if cfg.Saga.RecoverOnStartup {
		recovered, err := orchestrator.Recover(ctx)
		if err != nil {
			appLog.Error(fmt.Sprintf("Startup recovery failed: %v", err))
		} else if recovered > 0 {
			appLog.Info(fmt.Sprintf("Recovered %d incomplete sagas by forced compensation", recovered))
		}
	}

	// Retention sweep for terminal sagas.
	sweepStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.Saga.RetentionSweep)
		defer ticker.Stop()
		for {
			select {
			case <-sweepStop:
				return
			case <-ticker.C:
				purged, err := orchestrator.PurgeExpired(ctx, cfg.Saga.Retention)
				if err != nil {
					appLog.Error(fmt.Sprintf("Retention sweep failed: %v", err))
				} else if purged > 0 {
					appLog.Info(fmt.Sprintf("Retention sweep purged %d terminal sagas", purged))
				}
			}
		}
	}()

	sagaHandler := handler.NewSagaHandler(orchestrator, plans, participants, producer)
	if db != nil {
		sagaHandler.AddHealthCheck("store", db.Ping)
	}
	if redisClient != nil {
		sagaHandler.AddHealthCheck("lock", redisClient.Ping)
	}
	if streamLog != nil {
		sagaHandler.AddHealthCheck("event_log", func(ctx context.Context) error {
			_, _, err := producer.Publish(ctx, events.TopicBusinessEvents,
				events.NewEvent("health_probe", "health", "probe", "", "saga-coordinator", nil))
			return err
		})
	}

	ginMode := gin.ReleaseMode
	if cfg.IsDevelopment() {
		ginMode = gin.DebugMode
	}
	router := handler.NewRouter(&handler.RouterConfig{
		Handler: sagaHandler,
		APIKey:  cfg.Auth.APIKey,
		GinMode: ginMode,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		appLog.Info(fmt.Sprintf("Saga Coordinator listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down Saga Coordinator...")
	close(sweepStop)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Server shutdown failed: %v", err))
	}
	appLog.Info("Saga Coordinator stopped")
}
