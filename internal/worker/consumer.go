package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/darias/ad-moderation/internal/cache"
	"github.com/darias/ad-moderation/internal/domain"
	"github.com/darias/ad-moderation/internal/errval"
	"github.com/darias/ad-moderation/internal/metrics"
)

// Config collects the knobs of the moderation consumer.
type Config struct {
	ModerationQueueName string
	DeadLetterQueueName string
	// MaxRetries is the retry ceiling: a message whose retry counter has reached
	// this value and which fails transiently again is exhausted and dead-lettered.
	MaxRetries int
	// RetryBaseDelay is the delay before the first retry; each following retry
	// doubles it (5s, 10s, 20s with the defaults).
	RetryBaseDelay time.Duration
	LockTTL        time.Duration
	Prefetch       int
}

// Consumer is the long-lived moderation worker. It owns its broker session,
// storage handle, scorer, lock client and metrics; one instance is built at
// process start and torn down on the shutdown signal.
type Consumer struct {
	ctx          context.Context
	storage      domain.Storage
	queueClient  domain.Queue
	scorer       domain.Scorer
	lock         domain.DistributedLock
	predictCache *cache.PredictCache
	metrics      *metrics.WorkerMetrics
	cfg          Config
}

func NewConsumer(
	ctx context.Context,
	storage domain.Storage,
	queueClient domain.Queue,
	scorer domain.Scorer,
	lock domain.DistributedLock,
	predictCache *cache.PredictCache,
	workerMetrics *metrics.WorkerMetrics,
	cfg Config,
) *Consumer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}

	return &Consumer{
		ctx:          ctx,
		storage:      storage,
		queueClient:  queueClient,
		scorer:       scorer,
		lock:         lock,
		predictCache: predictCache,
		metrics:      workerMetrics,
		cfg:          cfg,
	}
}

// Start subscribes the consumer to the moderation queue. Messages are handled
// one delivery at a time per prefetch slot; the subscription lives until the
// context owned by the caller is cancelled.
func (c *Consumer) Start(consumerName string) error {
	return c.queueClient.ConsumeMessages(consumerName, c.cfg.ModerationQueueName, c.cfg.Prefetch, c.HandleDelivery)
}

// RetryDelay returns the backoff before the retry following the given retry
// count: base for the first retry, doubling with each one after.
func (c *Consumer) RetryDelay(retryCount int) time.Duration {
	return c.cfg.RetryBaseDelay << uint(retryCount)
}

// HandleDelivery drives one moderation message through the task state machine.
// Every path ends in exactly one ack or nack:
//   - ack after the outcome (terminal write, scheduled retry or DLQ deposit)
//     has been committed;
//   - nack with requeue when infrastructure failed mid-flight, so the broker's
//     own redelivery keeps the message alive.
func (c *Consumer) HandleDelivery(d domain.Delivery) {
	message := domain.ModerationMessage{}
	err := json.Unmarshal(d.Body(), &message)
	if err != nil {
		slog.Error("There was an error in unmarshalling the moderation message, sending it to DLQ", "error", err, "body", string(d.Body()))
		c.depositDeadLetter(message, "malformed moderation message: "+err.Error())
		c.ack(d, message.TaskID)
		return
	}
	slog.Info("Moderation message is picked up from the queue", "task_id", message.TaskID, "item_id", message.ItemID, "retry_count", message.RetryCount)

	task, err := c.storage.GetModerationTaskByID(c.ctx, message.TaskID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			// A message referencing a task row that does not exist cannot ever
			// succeed: dead-letter it instead of retrying
			slog.Error("Moderation task referenced by the message does not exist, sending it to DLQ", "task_id", message.TaskID)
			c.depositDeadLetter(message, fmt.Sprintf("moderation task with id=%d not found", message.TaskID))
			c.ack(d, message.TaskID)
			return
		}

		slog.Error("Error occurred while fetching the moderation task, leaving the message for redelivery", "task_id", message.TaskID, "error", err.Error())
		c.nackRequeue(d, message.TaskID)
		return
	}

	if task.IsTerminal() {
		// Redelivered duplicate of an already decided task: acknowledge without
		// touching anything
		slog.Info("Moderation task is already in a terminal state, ignoring the redelivered message", "task_id", task.ID, "task_status", task.Status)
		c.ack(d, task.ID)
		return
	}

	// A task cannot be processed simultaneously via two workers
	lockKey := "moderation_lock:" + strconv.FormatInt(int64(task.ID), 10)
	isLocked, err := c.lock.Lock(lockKey, c.cfg.LockTTL)
	if err != nil {
		slog.Error("Error occurred while locking the key for task, leaving the message for redelivery", "lock_key", lockKey, "error", err.Error())
		c.nackRequeue(d, task.ID)
		return
	}
	if !isLocked {
		slog.Warn("Another worker is processing the task, leaving the message for redelivery", "task_id", task.ID)
		c.nackRequeue(d, task.ID)
		return
	}
	defer func() {
		err = c.lock.Unlock(lockKey)
		if err != nil {
			slog.Error("Error while unlocking locked key", "lock_key", lockKey, "error", err.Error())
		}
	}()

	ad, err := c.storage.GetAdWithSeller(c.ctx, message.ItemID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			// The ad is gone, no retry can bring it back
			c.failAndDeadLetter(d, message, fmt.Sprintf("ad with id=%d not found", message.ItemID))
			return
		}

		slog.Error("Error occurred while fetching the ad, leaving the message for redelivery", "task_id", task.ID, "item_id", message.ItemID, "error", err.Error())
		c.nackRequeue(d, task.ID)
		return
	}

	isValid, probability, err := c.scorer.Score(c.ctx, ad)
	if err != nil {
		if errors.Is(err, errval.ErrScorerUnavailable) {
			c.handleTransientFailure(d, message, err)
			return
		}

		// Invalid input, and also any error kind we do not recognize: treating
		// unclassified faults as permanent keeps them from retrying forever
		c.failAndDeadLetter(d, message, err.Error())
		return
	}

	if probability < 0 || probability > 1 {
		c.failAndDeadLetter(d, message, fmt.Sprintf("scorer returned probability %f outside [0,1]", probability))
		return
	}

	isViolation := !isValid
	task, err = c.storage.CompleteModerationTask(c.ctx, task.ID, isViolation, probability)
	if err != nil {
		if errors.Is(err, errval.ErrTaskAlreadyFinal) {
			slog.Info("Moderation task was finished by another worker meanwhile", "task_id", message.TaskID)
			c.ack(d, message.TaskID)
			return
		}

		slog.Error("There was an error in updating task status to completed, leaving the message for redelivery", "task_id", message.TaskID, "error", err.Error())
		c.nackRequeue(d, message.TaskID)
		return
	}

	c.predictCache.SetByItem(message.ItemID, isValid, probability)
	c.predictCache.SetModerationResult(task)
	c.metrics.TasksCompleted.Inc()
	c.ack(d, task.ID)
	slog.Info("Moderation task is completed", "task_id", task.ID, "is_violation", isViolation, "probability", probability)
}

// handleTransientFailure runs the retry/backoff state machine for a scorer
// failure that is worth retrying. Below the ceiling the message is re-published
// with the bumped counter through the delay queue and only then is the original
// delivery acked, so the retry is never lost. At the ceiling the task is failed
// and the message dead-lettered, same as a permanent error.
func (c *Consumer) handleTransientFailure(d domain.Delivery, message domain.ModerationMessage, scorerErr error) {
	if message.RetryCount < c.cfg.MaxRetries {
		delay := c.RetryDelay(message.RetryCount)
		retryMessage := message
		retryMessage.RetryCount++

		marshalledMessage, err := json.Marshal(retryMessage)
		if err != nil {
			slog.Error("There was an error in marshalling the retry message, leaving the original for redelivery", "task_id", message.TaskID, "error", err.Error())
			c.nackRequeue(d, message.TaskID)
			return
		}

		err = c.queueClient.PublishMessageWithDelay(c.cfg.ModerationQueueName, marshalledMessage, delay)
		if err != nil {
			slog.Error("Error occurred while scheduling the retry, leaving the original for redelivery", "task_id", message.TaskID, "error", err.Error())
			c.nackRequeue(d, message.TaskID)
			return
		}

		c.metrics.RetriesScheduled.Inc()
		c.ack(d, message.TaskID)
		slog.Warn("Transient scorer failure, retry is scheduled",
			"task_id", message.TaskID,
			"retry_count", retryMessage.RetryCount,
			"max_retries", c.cfg.MaxRetries,
			"delay", delay.String(),
			"error", scorerErr.Error(),
		)
		return
	}

	slog.Error("Max retries exceeded for the moderation task, sending it to DLQ", "task_id", message.TaskID, "max_retries", c.cfg.MaxRetries)
	c.failAndDeadLetter(d, message, fmt.Sprintf("scorer failed after %d retries: %s", message.RetryCount, scorerErr.Error()))
}

// failAndDeadLetter performs the terminal handling shared by permanent errors
// and retry exhaustion: mark the task failed, deposit the message into the
// DLQ, acknowledge the delivery.
func (c *Consumer) failAndDeadLetter(d domain.Delivery, message domain.ModerationMessage, reason string) {
	task, err := c.storage.FailModerationTask(c.ctx, message.TaskID, reason)
	if err != nil {
		if errors.Is(err, errval.ErrTaskAlreadyFinal) {
			// Another delivery already decided the task; do not double-apply the
			// failure or the DLQ deposit
			slog.Info("Moderation task was finished by another worker meanwhile", "task_id", message.TaskID)
			c.ack(d, message.TaskID)
			return
		}

		slog.Error("There was an error in updating task status to failed, leaving the message for redelivery", "task_id", message.TaskID, "error", err.Error())
		c.nackRequeue(d, message.TaskID)
		return
	}

	c.predictCache.SetModerationResult(task)
	c.depositDeadLetter(message, reason)
	c.metrics.TasksFailed.Inc()
	c.ack(d, message.TaskID)
	slog.Info("Moderation task is failed", "task_id", message.TaskID, "reason", reason)
}

func (c *Consumer) depositDeadLetter(message domain.ModerationMessage, reason string) {
	deadLetter := domain.DeadLetterMessage{
		OriginalMessage: message,
		Error:           reason,
		RetryCount:      message.RetryCount,
		Timestamp:       time.Now().UTC(),
	}
	marshalledDeadLetter, err := json.Marshal(deadLetter)
	if err != nil {
		slog.Error("There was an error in marshalling the dead letter", "task_id", message.TaskID, "error", err.Error())
		return
	}

	err = c.queueClient.PublishMessage(c.cfg.DeadLetterQueueName, marshalledDeadLetter)
	if err != nil {
		slog.Error("Error occurred while depositing the message into DLQ", "task_id", message.TaskID, "error", err.Error())
		return
	}

	c.metrics.DeadLetters.Inc()
}

func (c *Consumer) ack(d domain.Delivery, taskID int32) {
	if err := d.Ack(); err != nil {
		slog.Error("Error occurred while acking the message", "task_id", taskID, "error", err.Error())
	}
}

func (c *Consumer) nackRequeue(d domain.Delivery, taskID int32) {
	if err := d.Nack(true); err != nil {
		slog.Error("Error occurred while nacking the message", "task_id", taskID, "error", err.Error())
	}
}
