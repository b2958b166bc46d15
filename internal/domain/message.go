package domain

import (
	"time"

	"github.com/google/uuid"
)

// ModerationMessage is the unit carried on the broker. Its content is immutable
// except for RetryCount, which the worker bumps on every scheduled redelivery.
type ModerationMessage struct {
	MessageID  string    `json:"message_id"`
	TaskID     int32     `json:"task_id"`
	ItemID     int32     `json:"item_id"`
	RetryCount int       `json:"retry_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewModerationMessage builds the initial message for a freshly admitted task,
// with the retry counter at zero.
func NewModerationMessage(taskID, itemID int32) ModerationMessage {
	return ModerationMessage{
		MessageID: uuid.New().String(),
		TaskID:    taskID,
		ItemID:    itemID,
		Timestamp: time.Now().UTC(),
	}
}

// DeadLetterMessage wraps a moderation message which cannot be processed any
// further, together with the reason. The DLQ is append-only; nothing in this
// service reads it back.
type DeadLetterMessage struct {
	OriginalMessage ModerationMessage `json:"original_message"`
	Error           string            `json:"error"`
	RetryCount      int               `json:"retry_count"`
	Timestamp       time.Time         `json:"timestamp"`
}
