package domain

import "context"

// Scorer is the adapter over the ML scoring capability. Score returns whether
// the ad looks valid together with the model probability in [0,1]; the caller
// derives is_violation as the negation of isValid.
//
// Failure modes the worker cares about are errval.ErrScorerUnavailable
// (transient, retried with backoff) and errval.ErrScorerInvalidInput
// (permanent, straight to the DLQ).
type Scorer interface {
	Score(ctx context.Context, ad *AdWithSeller) (isValid bool, probability float64, err error)
}
