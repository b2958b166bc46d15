package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/darias/ad-moderation/configs"
	db2 "github.com/darias/ad-moderation/db"
	"github.com/darias/ad-moderation/internal/cache"
	"github.com/darias/ad-moderation/internal/domain"
	"github.com/darias/ad-moderation/internal/errval"
	"github.com/darias/ad-moderation/internal/postgres"
	"github.com/darias/ad-moderation/internal/rabbitmq"
	"github.com/darias/ad-moderation/internal/redis"
	"github.com/darias/ad-moderation/internal/server"
	"github.com/darias/ad-moderation/pkg/scorer"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

var postgresIsReady, rabbitIsReady, redisIsReady bool

func main() {
	cfg := configs.InitConfig()

	d, err := iofs.New(db2.Migrations, "migrations")
	if err != nil {
		log.Fatal(err)
		return
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, cfg.Database.ToMigrationUri())
	if err != nil {
		log.Fatal(err)
		return
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal(err)
		}
	}
	slog.Info("Migrations ran successfully")

	// Setting up a context with cfg.ServerTimeOutInSeconds seconds time out, which limits the request process time with a timeout of cfg.ServerTimeOutInSeconds seconds
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancel()

	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	postgresIsReady = true
	slog.Info("Postgres connection has been initialized successfully")

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
	slog.Info("RabbitMQ has been initialized successfully")

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

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	modelScorer := scorer.NewModelScorer(
		cfg.Scorer.RatePerSecond,
		cfg.Scorer.Burst,
		time.Duration(cfg.Scorer.TimeOutInSeconds)*time.Second,
	)
	predictCache := cache.NewPredictCache(redisClient)

	router := setupHTTPServer(storage, rabbitClient, redisClient, modelScorer, predictCache, cfg.RabbitMQ.ModerationQueueName)
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		log.Printf("Starting server on port %s\n", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}

func setupHTTPServer(storage domain.Storage, rabbitClient *rabbitmq.RabbitMQClient, redisClient *redis.Client, modelScorer domain.Scorer, predictCache *cache.PredictCache, moderationQueueName string) *gin.Engine {
	r := gin.Default()
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		err := v.RegisterValidation("validate_description", validateDescription)
		if err != nil {
			log.Fatal("failed to bind validation rule of validate_description")
		}
	}

	serverLogic := server.NewServerLogic(storage, rabbitClient, modelScorer, predictCache, moderationQueueName)

	r.POST("/async_predict", func(c *gin.Context) {
		itemID, ok := parseIDQueryParam(c, "item_id")
		if !ok {
			return
		}

		resp, err := serverLogic.AsyncPredict(c, itemID)
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"detail": "Ad not found"})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, resp)
	})

	r.GET("/moderation_result/:task_id", func(c *gin.Context) {
		idStr := c.Param("task_id")
		id, err := strconv.ParseInt(idStr, 10, 32)
		if err != nil {
			slog.Error("Invalid task_id parameter, error occurred while casting it to int", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid task_id"})
			return
		}

		result, err := serverLogic.GetModerationResult(c, int32(id))
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"detail": "Task not found"})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, result)
	})

	r.POST("/predict", func(c *gin.Context) {
		req := domain.RouterRequestPredict{}
		// Request binding and validation
		err := c.ShouldBindBodyWith(&req, binding.JSON)
		if err != nil {
			slog.Error("error occurred while binding predict request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}

		resp, err := serverLogic.Predict(c, req)
		if err != nil {
			if errors.Is(err, errval.ErrScorerInvalidInput) {
				c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
				return
			}
			if errors.Is(err, errval.ErrScorerUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Scorer is unavailable"})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, resp)
	})

	r.POST("/simple_predict", func(c *gin.Context) {
		itemID, ok := parseIDQueryParam(c, "item_id")
		if !ok {
			return
		}

		resp, err := serverLogic.SimplePredict(c, itemID)
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"detail": "Ad not found"})
				return
			}
			if errors.Is(err, errval.ErrScorerUnavailable) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Scorer is unavailable"})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, resp)
	})

	r.POST("/users", func(c *gin.Context) {
		req := domain.RouterRequestCreateUser{}
		err := c.ShouldBindBodyWith(&req, binding.JSON)
		if err != nil {
			slog.Error("error occurred while binding create user request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}

		user, err := serverLogic.CreateUser(c, req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, user)
	})

	ads := r.Group("/ads")
	ads.POST("", func(c *gin.Context) {
		req := domain.RouterRequestCreateAd{}
		err := c.ShouldBindBodyWith(&req, binding.JSON)
		if err != nil {
			slog.Error("error occurred while binding create ad request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}

		ad, err := serverLogic.CreateAd(c, req)
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"detail": "Seller not found"})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, ad)
	})

	ads.GET("/:id", func(c *gin.Context) {
		adID, ok := parseIDPathParam(c, "id")
		if !ok {
			return
		}

		ad, err := serverLogic.GetAd(c, adID)
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"detail": "Ad not found"})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, ad)
	})

	ads.POST("/:id/close", func(c *gin.Context) {
		adID, ok := parseIDPathParam(c, "id")
		if !ok {
			return
		}

		_, err := serverLogic.CloseAd(c, adID)
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"detail": "Ad not found"})
				return
			}
			if errors.Is(err, errval.ErrAdClosed) {
				c.JSON(http.StatusConflict, gin.H{"detail": "Ad is already closed"})
				return
			}

			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, gin.H{"item_id": adID, "message": "Ad closed"})
	})

	r.GET("/readiness", func(c *gin.Context) {
		if postgresIsReady && rabbitIsReady && redisIsReady {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})
	r.GET("/liveness", func(c *gin.Context) {
		// Checking health of depending upon infra connections
		err := storage.Ping(c)
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

		err = redisClient.Ping(c)
		if err != nil {
			slog.Error("Redis seem not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	return r
}

func parseIDQueryParam(c *gin.Context, name string) (int32, bool) {
	idStr := c.Query(name)
	id, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil || id < 1 {
		slog.Error("Invalid query parameter, it must be a positive integer", "param", name, "value", idStr)
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid " + name})
		return 0, false
	}

	return int32(id), true
}

func parseIDPathParam(c *gin.Context, name string) (int32, bool) {
	idStr := c.Param(name)
	id, err := strconv.ParseInt(idStr, 10, 32)
	if err != nil || id < 1 {
		slog.Error("Invalid path parameter, it must be a positive integer", "param", name, "value", idStr)
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid " + name})
		return 0, false
	}

	return int32(id), true
}

var validateDescription validator.Func = func(fl validator.FieldLevel) bool {
	description := fl.Field().String()
	return strings.TrimSpace(description) != ""
}
