package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/darias/ad-moderation/configs"
	"github.com/darias/ad-moderation/internal/cache"
	"github.com/darias/ad-moderation/internal/domain"
	"github.com/darias/ad-moderation/internal/metrics"
	"github.com/darias/ad-moderation/internal/postgres"
	"github.com/darias/ad-moderation/internal/rabbitmq"
	"github.com/darias/ad-moderation/internal/redis"
	"github.com/darias/ad-moderation/internal/worker"
	"github.com/darias/ad-moderation/pkg/scorer"
	"github.com/gin-gonic/gin"
)

var postgresIsReady, rabbitIsReady, redisIsReady bool

func main() {
	cfg := configs.InitConfig()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	// workerNumber only needs to be unique per worker process; it becomes part of
	// the consumer name on the broker
	workerNumber := "1"
	if len(os.Args) > 1 {
		workerNumber = os.Args[1]
	}

	// The consumer is long-lived: the context is cancelled on the shutdown
	// signal, which stops the subscription and releases the connections
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mainQueueNames := cfg.RabbitMQ.GetMainQueueNames()
	rabbitClient, err := rabbitmq.NewRabbitMQClient(ctx, cfg.RabbitMQ.ToRabbitConnectionUri(), mainQueueNames)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = rabbitClient.Close()
		if err != nil {
			slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
		}
	}()
	rabbitIsReady = true
	slog.Info("RabbitMQ connection has been initialized successfully")

	redisClient, err := redis.NewClient(ctx, cfg.RedisConfig.ToRedisConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = redisClient.Close()
		if err != nil {
			slog.Error("An error occurred while closing Redis connection", "error", err.Error())
		}
	}()
	redisIsReady = true
	slog.Info("Redis connection has been initialized successfully")

	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	postgresIsReady = true
	slog.Info("Postgres connection has been initialized successfully")

	modelScorer := scorer.NewModelScorer(
		cfg.Scorer.RatePerSecond,
		cfg.Scorer.Burst,
		time.Duration(cfg.Scorer.TimeOutInSeconds)*time.Second,
	)
	predictCache := cache.NewPredictCache(redisClient)
	workerMetrics := metrics.NewWorkerMetrics()

	consumer := worker.NewConsumer(
		ctx,
		storage,
		rabbitClient,
		modelScorer,
		redisClient,
		predictCache,
		workerMetrics,
		worker.Config{
			ModerationQueueName: cfg.RabbitMQ.ModerationQueueName,
			DeadLetterQueueName: cfg.RabbitMQ.DeadLetterQueueName,
			MaxRetries:          cfg.Moderation.MaxRetries,
			RetryBaseDelay:      time.Duration(cfg.Moderation.RetryBaseDelayInSeconds) * time.Second,
			Prefetch:            cfg.Moderation.ConsumerPrefetch,
		},
	)

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	consumerName := "moderation-worker:" + workerNumber
	slog.Info("Creating consumer for RabbitMQ", "queue_name", cfg.RabbitMQ.ModerationQueueName, "consumer_name", consumerName)
	// The consumer name must be unique for each worker, so I've added workerNumber to it
	err = consumer.Start(consumerName)
	if err != nil {
		log.Fatalf("Failed to start consuming messages: %v", err)
	}
	slog.Info("Consumer is created successfully", "queue_name", cfg.RabbitMQ.ModerationQueueName, "consumer_name", consumerName)

	// Running HTTP Server in order to have liveness/readiness APIs and the metrics endpoint
	go setUpHealthCheckerAPIs(ctx, cfg, storage, rabbitClient, redisClient, workerMetrics)

	slog.Info("Worker is running. To exit press CTRL+C", "worker_num", workerNumber)
	<-sigChan // Wait for interrupt signal
	slog.Info("Worker is shutting down...", "worker_num", workerNumber)
}

func setUpHealthCheckerAPIs(ctx context.Context, cfg *configs.Config, storage domain.Storage, rabbitClient *rabbitmq.RabbitMQClient, redisClient *redis.Client, workerMetrics *metrics.WorkerMetrics) {
	r := gin.Default()
	r.GET("/readiness", func(c *gin.Context) {
		if postgresIsReady && rabbitIsReady && redisIsReady {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})
	r.GET("/liveness", func(c *gin.Context) {
		// Checking health of depending upon infra connections
		err := storage.Ping(ctx)
		if err != nil {
			slog.Error("Postgresql seem not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		isRabbitHealthy := rabbitClient.IsHealthy()
		if !isRabbitHealthy {
			slog.Error("Rabbit is not healthy")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		err = redisClient.Ping(ctx)
		if err != nil {
			slog.Error("Redis seem not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})
	r.GET("/metrics", gin.WrapH(workerMetrics.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.WorkerHealthPort,
		Handler: r,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		log.Printf("Starting worker health server on port %s\n", cfg.WorkerHealthPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down worker health server...")
}
