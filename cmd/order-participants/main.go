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

	"github.com/retailhub/order-saga/internal/config"
	"github.com/retailhub/order-saga/internal/eventlog"
	"github.com/retailhub/order-saga/internal/events"
	"github.com/retailhub/order-saga/internal/failure"
	"github.com/retailhub/order-saga/internal/metrics"
	"github.com/retailhub/order-saga/internal/middleware"
	"github.com/retailhub/order-saga/internal/participant"
	"github.com/retailhub/order-saga/pkg/kafka"
	"github.com/retailhub/order-saga/pkg/logger"
	pkgredis "github.com/retailhub/order-saga/pkg/redis"
	"github.com/retailhub/order-saga/pkg/response"
	"github.com/retailhub/order-saga/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := &logger.Config{
		Level:       cfg.App.Environment,
		ServiceName: "order-participants",
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Order Participants...")

	ctx := context.Background()

	tel, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    "order-participants",
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
	if err := telemetry.InitMetrics("order-participants"); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to initialize metrics exporter: %v", err))
	}
	defer telemetry.ShutdownMetrics(ctx)
	if err := metrics.Init(); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to register saga metrics: %v", err))
	}

	// Business event producer: Kafka when enabled, the in-memory
	// partitioned log otherwise.
	var producer events.Producer
	if cfg.Kafka.Enabled {
		kafkaProducer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID + "-participants",
		})
		if err != nil {
			appLog.Fatal(fmt.Sprintf("Kafka connection failed: %v", err))
		}
		defer kafkaProducer.Close()
		producer = events.NewKafkaProducer(kafkaProducer)
		appLog.Info("Business events produced to Kafka")
	} else {
		streamLog := eventlog.New(cfg.Saga.EventLogPartitions)
		defer streamLog.Close()
		producer = events.NewLogProducer(streamLog)
		appLog.Info(fmt.Sprintf("Business events produced to in-memory log (%d partitions)", cfg.Saga.EventLogPartitions))
	}

	injector := failure.New(&failure.Config{
		Enabled:                       cfg.Failure.Enabled,
		InsufficientStockProbability:  cfg.Failure.InsufficientStockProbability,
		PaymentFailureProbability:     cfg.Failure.PaymentFailureProbability,
		NetworkTimeoutProbability:     cfg.Failure.NetworkTimeoutProbability,
		DatabaseFailureProbability:    cfg.Failure.DatabaseFailureProbability,
		ServiceUnavailableProbability: cfg.Failure.ServiceUnavailableProbability,
		FailureDelay:                  time.Duration(cfg.Failure.FailureDelayMs) * time.Millisecond,
		FailedCustomerSuffix:          "_failed",
		PaymentAmountThreshold:        cfg.Failure.PaymentAmountThreshold,
		StockQuantityThreshold:        cfg.Failure.StockQuantityThreshold,
	}, producer)
	if cfg.Failure.Enabled {
		appLog.Info("Controlled failure injection enabled")
	}

	// Idempotency records: Redis when enabled so replay protection
	// survives restarts, in-memory otherwise.
	var records participant.RecordStore = participant.NewMemoryRecordStore()
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(ctx, &pkgredis.Config{
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
			appLog.Warn(fmt.Sprintf("Redis unavailable, using in-memory idempotency records: %v", err))
		} else {
			defer redisClient.Close()
			records = participant.NewRedisRecordStore(redisClient, cfg.Saga.Retention)
			appLog.Info("Idempotency records backed by Redis")
		}
	}

	srv := participant.NewServer(records)
	handlers := []participant.Handler{
		participant.NewInventoryParticipant(producer, injector),
		participant.NewPaymentParticipant(producer, injector),
		participant.NewOrderParticipant(producer, injector),
		participant.NewNotificationParticipant(producer),
	}
	for _, h := range handlers {
		if err := srv.Register(h); err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to register participant %s: %v", h.ServiceName(), err))
		}
	}

	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Correlation())
	engine.Use(middleware.RequestLogger())
	srv.Mount(engine)
	engine.GET("/health", func(c *gin.Context) {
		services := make([]string, 0, len(handlers))
		for _, h := range handlers {
			services = append(services, h.ServiceName())
		}
		response.Success(c, gin.H{"status": "healthy", "services": services})
	})
	engine.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Participants.ListenPort)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		appLog.Info(fmt.Sprintf("Order Participants listening on %s", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down Order Participants...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Server shutdown failed: %v", err))
	}
	appLog.Info("Order Participants stopped")
}
