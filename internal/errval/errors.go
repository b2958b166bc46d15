package errval

import (
	"errors"
)

var (
	ErrInternal = errors.New("internal server error")
	ErrNotFound = errors.New("not found")

	// ErrTaskAlreadyFinal is returned by the guarded terminal updates when the
	// task has already been completed or failed by another delivery.
	ErrTaskAlreadyFinal = errors.New("moderation task is already in a terminal state")

	// ErrScorerUnavailable is the transient scorer failure: worth retrying.
	ErrScorerUnavailable = errors.New("scorer is unavailable")
	// ErrScorerInvalidInput is the permanent scorer failure: the ad data cannot
	// produce a valid feature vector, retrying cannot help.
	ErrScorerInvalidInput = errors.New("scorer received invalid input")

	ErrAdClosed = errors.New("ad is closed")
)
