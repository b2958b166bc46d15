package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/darias/ad-moderation/configs"
	"github.com/darias/ad-moderation/internal/domain"
	"github.com/darias/ad-moderation/internal/postgres"
	"github.com/darias/ad-moderation/internal/rabbitmq"
)

// The recovery command re-publishes moderation messages for tasks which are
// stuck in pending: a task whose message was never published (the publish
// failed after the row was committed) stays pending forever otherwise.
func main() {
	cfg := configs.InitConfig()
	args := os.Args
	if len(args) < 3 {
		log.Fatal("Insufficient arguments are provided in calling the command, usage: recovery <past_seconds> <limit>")
		return
	}

	// This argument defines the condition for the query: the query finds pending tasks
	// whose created_at has not been changed since passed X seconds
	pastSecondsStr := args[1]
	pastSeconds, err := strconv.ParseInt(pastSecondsStr, 10, 64)
	if err != nil {
		log.Fatalf("Invalid input is given for the pastSeconds arg, it must be an integer, provided: %s", pastSecondsStr)
		return
	}

	// This argument defines maximum number of tasks to be fetched by query
	limitStr := args[2]
	limit, err := strconv.ParseInt(limitStr, 10, 64)
	if err != nil {
		log.Fatalf("Invalid input is given for the limit arg, it must be an integer, provided: %s", limitStr)
		return
	}

	ctx := context.Background()
	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
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
	slog.Info("RabbitMQ has been initialized successfully")

	slog.Info("Fetching stale pending moderation tasks", "past_seconds_threshold", pastSeconds, "limit", limit)
	staleTasks, err := storage.GetStalePendingTasks(ctx, time.Duration(pastSeconds)*time.Second, int32(limit))
	if err != nil {
		slog.Error("Error occurred while fetching stale pending tasks", "error", err.Error())
		return
	}
	slog.Info("Stale pending tasks are fetched", "past_seconds_threshold", pastSeconds, "limit", limit, "fetched_items_count", len(staleTasks))

	requeuedCount := 0
	for i, task := range staleTasks {
		// Fresh message with the retry counter back at zero: the application-level
		// retry budget belongs to scorer failures, not to recovery
		message := domain.NewModerationMessage(task.ID, task.ItemID)
		marshalledMessage, err := json.Marshal(message)
		if err != nil {
			slog.Error("There was an error in marshalling the moderation message", "task_id", task.ID, "error", err.Error())
			continue
		}

		err = rabbitClient.PublishMessage(cfg.RabbitMQ.ModerationQueueName, marshalledMessage)
		if err != nil {
			slog.Error("Error occurred while re-queuing the moderation message", "task_id", task.ID, "error", err.Error())
			continue
		}
		slog.Info("Moderation message is re-queued successfully", "task_id", task.ID, "stale_tasks_count", len(staleTasks), "item_index", i)
		requeuedCount++
	}

	slog.Info("Stale pending tasks have been re-queued", "stale_tasks_count", len(staleTasks), "successful_requeued_count", requeuedCount)
}
