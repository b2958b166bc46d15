package domain

import (
	"context"
	"time"
)

type Storage interface {
	Ping(ctx context.Context) (err error)

	CreateUser(ctx context.Context, isVerified bool) (*User, error)
	GetUserByID(ctx context.Context, ID int32) (*User, error)

	CreateAd(ctx context.Context, sellerID int32, name, description string, category, imagesQty int32) (*Ad, error)
	GetAdByID(ctx context.Context, ID int32) (*Ad, error)
	GetAdWithSeller(ctx context.Context, adID int32) (*AdWithSeller, error)
	CloseAd(ctx context.Context, adID int32) (*Ad, error)

	InsertModerationTask(ctx context.Context, itemID int32) (*ModerationTask, error)
	GetModerationTaskByID(ctx context.Context, ID int32) (*ModerationTask, error)
	// CompleteModerationTask and FailModerationTask move a pending task to its
	// terminal state. Both are guarded on status = 'pending': when the task is
	// already terminal they return ErrTaskAlreadyFinal and change nothing, which
	// is what makes concurrent redeliveries of the same task safe.
	CompleteModerationTask(ctx context.Context, taskID int32, isViolation bool, probability float64) (*ModerationTask, error)
	FailModerationTask(ctx context.Context, taskID int32, errorMessage string) (*ModerationTask, error)
	GetStalePendingTasks(ctx context.Context, olderThan time.Duration, limit int32) ([]*ModerationTask, error)
}
