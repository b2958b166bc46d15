package domain

import "time"

type TaskStatus string

const (
	Pending   TaskStatus = "pending"
	Completed TaskStatus = "completed"
	Failed    TaskStatus = "failed"
)

// ModerationTask is one unit of asynchronous moderation work bound to a single ad.
// A task starts as pending and is moved exactly once, by the worker, to completed
// or failed; IsViolation and Probability are set only on completed rows, and
// ErrorMessage only on failed ones.
type ModerationTask struct {
	ID           int32      `json:"task_id"`
	ItemID       int32      `json:"item_id"`
	Status       string     `json:"status"`
	IsViolation  *bool      `json:"is_violation,omitempty"`
	Probability  *float64   `json:"probability,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// IsTerminal reports whether the task has already reached completed or failed.
// Deliveries for terminal tasks must be acked without any further side effects.
func (t *ModerationTask) IsTerminal() bool {
	return t.Status == string(Completed) || t.Status == string(Failed)
}
