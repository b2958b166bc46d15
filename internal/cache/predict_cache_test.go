package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/darias/ad-moderation/internal/domain"
	"github.com/darias/ad-moderation/internal/errval"
	"github.com/stretchr/testify/assert"
)

type fakeCacheStore struct {
	values  map[string]string
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	deletes []string
}

func newFakeCacheStore() *fakeCacheStore {
	return &fakeCacheStore{
		values: map[string]string{},
		ttls:   map[string]time.Duration{},
	}
}

func (f *fakeCacheStore) Get(key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	value, ok := f.values[key]
	if !ok {
		return "", errval.ErrNotFound
	}
	return value, nil
}

func (f *fakeCacheStore) Set(key, value string, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.values[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCacheStore) Delete(key string) error {
	f.deletes = append(f.deletes, key)
	delete(f.values, key)
	return nil
}

func Test_predict_cache_by_item(t *testing.T) {
	t.Run("it should round trip a prediction keyed by item", func(t *testing.T) {
		store := newFakeCacheStore()
		pc := NewPredictCache(store)

		assert.Nil(t, pc.GetByItem(42))

		pc.SetByItem(42, true, 0.91)

		cached := pc.GetByItem(42)
		if assert.NotNil(t, cached) {
			assert.True(t, cached.IsValid)
			assert.Equal(t, 0.91, cached.Probability)
		}
		assert.Equal(t, predictByItemTTL, store.ttls["predict:item:42"])
	})

	t.Run("it should drop the entry on invalidation", func(t *testing.T) {
		store := newFakeCacheStore()
		pc := NewPredictCache(store)

		pc.SetByItem(42, true, 0.91)
		pc.InvalidateByItem(42)

		assert.Nil(t, pc.GetByItem(42))
		assert.Contains(t, store.deletes, "predict:item:42")
	})

	t.Run("it should treat a cache error as a miss", func(t *testing.T) {
		store := newFakeCacheStore()
		store.getErr = errors.New("connection refused")
		pc := NewPredictCache(store)

		assert.Nil(t, pc.GetByItem(42))
	})
}

func Test_predict_cache_by_features(t *testing.T) {
	t.Run("it should key by the feature vector, not the ad identity", func(t *testing.T) {
		store := newFakeCacheStore()
		pc := NewPredictCache(store)

		pc.SetByFeatures(true, 0.77, true, 3, "some description", 5)

		// Different text of the same length: still a hit, only the length is a feature
		cached := pc.GetByFeatures(true, 3, "abcdefghijklmnop", 5)
		if assert.NotNil(t, cached) {
			assert.Equal(t, 0.77, cached.Probability)
		}

		// Different category: a miss
		assert.Nil(t, pc.GetByFeatures(true, 3, "some description", 6))
	})
}

func Test_moderation_result_cache(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }
	floatPtr := func(f float64) *float64 { return &f }

	t.Run("it should cache a completed task", func(t *testing.T) {
		store := newFakeCacheStore()
		pc := NewPredictCache(store)

		pc.SetModerationResult(&domain.ModerationTask{
			ID:          7,
			Status:      string(domain.Completed),
			IsViolation: boolPtr(false),
			Probability: floatPtr(0.93),
		})

		cached := pc.GetModerationResult(7)
		if assert.NotNil(t, cached) {
			assert.Equal(t, string(domain.Completed), cached.Status)
			assert.Equal(t, false, *cached.IsViolation)
			assert.Equal(t, 0.93, *cached.Probability)
		}
		assert.Equal(t, moderationResultTTL, store.ttls["moderation:result:7"])
	})

	t.Run("it should never cache a pending task", func(t *testing.T) {
		store := newFakeCacheStore()
		pc := NewPredictCache(store)

		pc.SetModerationResult(&domain.ModerationTask{
			ID:     7,
			Status: string(domain.Pending),
		})

		assert.Nil(t, pc.GetModerationResult(7))
		assert.Empty(t, store.values)
	})

	t.Run("it should cache a failed task with its error message", func(t *testing.T) {
		store := newFakeCacheStore()
		pc := NewPredictCache(store)

		errMessage := "scorer failed after 3 retries: rate limited"
		pc.SetModerationResult(&domain.ModerationTask{
			ID:           8,
			Status:       string(domain.Failed),
			ErrorMessage: &errMessage,
		})

		cached := pc.GetModerationResult(8)
		if assert.NotNil(t, cached) {
			assert.Equal(t, string(domain.Failed), cached.Status)
			assert.Equal(t, errMessage, *cached.ErrorMessage)
			assert.Nil(t, cached.IsViolation)
		}
	})

	t.Run("it should swallow set errors", func(t *testing.T) {
		store := newFakeCacheStore()
		store.setErr = errors.New("connection refused")
		pc := NewPredictCache(store)

		pc.SetModerationResult(&domain.ModerationTask{
			ID:     9,
			Status: string(domain.Completed),
		})

		assert.Nil(t, pc.GetModerationResult(9))
	})
}
