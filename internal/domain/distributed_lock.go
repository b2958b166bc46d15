package domain

import (
	"context"
	"time"
)

// DistributedLock keeps two workers from scoring the same task at the same
// time. The guarded terminal update in Storage is the real correctness
// backstop; the lock only avoids wasting duplicate scorer calls.
type DistributedLock interface {
	Ping(ctx context.Context) (err error)
	Lock(lockKey string, lockTimeDuration time.Duration) (result bool, err error)
	Unlock(lockKey string) (err error)
	Close() error
}
