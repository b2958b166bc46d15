package server

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/darias/ad-moderation/internal/cache"
	"github.com/darias/ad-moderation/internal/domain"
	"github.com/darias/ad-moderation/internal/errval"
	"github.com/stretchr/testify/assert"
)

type fakeStorage struct {
	domain.Storage

	ads          map[int32]*domain.Ad
	adsWithSel   map[int32]*domain.AdWithSeller
	users        map[int32]*domain.User
	tasks        map[int32]*domain.ModerationTask
	nextTaskID   int32
	insertErr    error
	getTaskCalls int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		ads:        map[int32]*domain.Ad{},
		adsWithSel: map[int32]*domain.AdWithSeller{},
		users:      map[int32]*domain.User{},
		tasks:      map[int32]*domain.ModerationTask{},
		nextTaskID: 1,
	}
}

func (f *fakeStorage) GetAdByID(_ context.Context, id int32) (*domain.Ad, error) {
	ad, ok := f.ads[id]
	if !ok {
		return nil, errval.ErrNotFound
	}
	return ad, nil
}

func (f *fakeStorage) GetAdWithSeller(_ context.Context, adID int32) (*domain.AdWithSeller, error) {
	ad, ok := f.adsWithSel[adID]
	if !ok {
		return nil, errval.ErrNotFound
	}
	return ad, nil
}

func (f *fakeStorage) GetUserByID(_ context.Context, id int32) (*domain.User, error) {
	user, ok := f.users[id]
	if !ok {
		return nil, errval.ErrNotFound
	}
	return user, nil
}

func (f *fakeStorage) InsertModerationTask(_ context.Context, itemID int32) (*domain.ModerationTask, error) {
	if f.insertErr != nil {
		return nil, f.insertErr
	}

	task := &domain.ModerationTask{
		ID:        f.nextTaskID,
		ItemID:    itemID,
		Status:    string(domain.Pending),
		CreatedAt: time.Now(),
	}
	f.tasks[task.ID] = task
	f.nextTaskID++
	return task, nil
}

func (f *fakeStorage) GetModerationTaskByID(_ context.Context, id int32) (*domain.ModerationTask, error) {
	f.getTaskCalls++
	task, ok := f.tasks[id]
	if !ok {
		return nil, errval.ErrNotFound
	}
	return task, nil
}

type publishedMessage struct {
	queueName string
	body      []byte
}

type fakeQueue struct {
	published  []publishedMessage
	publishErr error
}

func (f *fakeQueue) IsHealthy() bool { return true }

func (f *fakeQueue) PublishMessage(queueName string, body []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedMessage{queueName: queueName, body: body})
	return nil
}

func (f *fakeQueue) PublishMessageWithDelay(queueName string, body []byte, _ time.Duration) error {
	return f.PublishMessage(queueName, body)
}

func (f *fakeQueue) ConsumeMessages(_, _ string, _ int, _ domain.DeliveryHandler) error {
	return nil
}

func (f *fakeQueue) Close() error { return nil }

type fakeScorer struct {
	isValid     bool
	probability float64
	err         error
	calls       int
}

func (f *fakeScorer) Score(_ context.Context, _ *domain.AdWithSeller) (bool, float64, error) {
	f.calls++
	if f.err != nil {
		return false, 0, f.err
	}
	return f.isValid, f.probability, nil
}

type fakeCacheStore struct {
	values map[string]string
}

func (f *fakeCacheStore) Get(key string) (string, error) {
	value, ok := f.values[key]
	if !ok {
		return "", errval.ErrNotFound
	}
	return value, nil
}

func (f *fakeCacheStore) Set(key, value string, _ time.Duration) error {
	f.values[key] = value
	return nil
}

func (f *fakeCacheStore) Delete(key string) error {
	delete(f.values, key)
	return nil
}

type logicFixture struct {
	storage *fakeStorage
	queue   *fakeQueue
	scorer  *fakeScorer
	logic   *ServerLogic
}

func newLogicFixture() *logicFixture {
	storage := newFakeStorage()
	queue := &fakeQueue{}
	modelScorer := &fakeScorer{isValid: true, probability: 0.85}
	predictCache := cache.NewPredictCache(&fakeCacheStore{values: map[string]string{}})

	return &logicFixture{
		storage: storage,
		queue:   queue,
		scorer:  modelScorer,
		logic:   NewServerLogic(storage, queue, modelScorer, predictCache, "moderation"),
	}
}

func Test_async_predict(t *testing.T) {
	t.Run("it should insert a pending task and publish one message", func(t *testing.T) {
		f := newLogicFixture()
		f.storage.ads[1] = &domain.Ad{ID: 1, SellerID: 1}

		resp, err := f.logic.AsyncPredict(context.Background(), 1)

		assert.NoError(t, err)
		assert.Equal(t, "pending", resp.Status)
		assert.Equal(t, "Moderation request accepted", resp.Message)
		assert.Equal(t, int32(1), resp.TaskID)

		if assert.Len(t, f.queue.published, 1) {
			assert.Equal(t, "moderation", f.queue.published[0].queueName)
			message := domain.ModerationMessage{}
			assert.NoError(t, json.Unmarshal(f.queue.published[0].body, &message))
			assert.Equal(t, int32(1), message.TaskID)
			assert.Equal(t, int32(1), message.ItemID)
			assert.Equal(t, 0, message.RetryCount)
			assert.NotEmpty(t, message.MessageID)
		}
	})

	t.Run("it should reject an unknown ad before any task is created", func(t *testing.T) {
		f := newLogicFixture()

		_, err := f.logic.AsyncPredict(context.Background(), 999)

		assert.ErrorIs(t, err, errval.ErrNotFound)
		assert.Empty(t, f.storage.tasks)
		assert.Empty(t, f.queue.published)
	})

	t.Run("it should still return the task when publishing fails", func(t *testing.T) {
		f := newLogicFixture()
		f.storage.ads[1] = &domain.Ad{ID: 1, SellerID: 1}
		f.queue.publishErr = errors.New("channel closed")

		resp, err := f.logic.AsyncPredict(context.Background(), 1)

		// The task row is committed; the stale-task recovery pass will re-queue it
		assert.NoError(t, err)
		assert.Equal(t, "pending", resp.Status)
		assert.Len(t, f.storage.tasks, 1)
	})

	t.Run("it should not publish when the task insert fails", func(t *testing.T) {
		f := newLogicFixture()
		f.storage.ads[1] = &domain.Ad{ID: 1, SellerID: 1}
		f.storage.insertErr = errors.New("connection refused")

		_, err := f.logic.AsyncPredict(context.Background(), 1)

		assert.ErrorIs(t, err, errval.ErrInternal)
		assert.Empty(t, f.queue.published)
	})
}

func Test_get_moderation_result(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }
	floatPtr := func(v float64) *float64 { return &v }

	t.Run("it should return the stored task", func(t *testing.T) {
		f := newLogicFixture()
		f.storage.tasks[5] = &domain.ModerationTask{
			ID:          5,
			ItemID:      1,
			Status:      string(domain.Completed),
			IsViolation: boolPtr(false),
			Probability: floatPtr(0.93),
		}

		result, err := f.logic.GetModerationResult(context.Background(), 5)

		assert.NoError(t, err)
		assert.Equal(t, int32(5), result.TaskID)
		assert.Equal(t, string(domain.Completed), result.Status)
		assert.Equal(t, false, *result.IsViolation)
		assert.Equal(t, 0.93, *result.Probability)
	})

	t.Run("it should serve a terminal result from the cache on the second read", func(t *testing.T) {
		f := newLogicFixture()
		f.storage.tasks[5] = &domain.ModerationTask{
			ID:          5,
			ItemID:      1,
			Status:      string(domain.Failed),
			ErrorMessage: func() *string { s := "ad with id=1 not found"; return &s }(),
		}

		_, err := f.logic.GetModerationResult(context.Background(), 5)
		assert.NoError(t, err)
		_, err = f.logic.GetModerationResult(context.Background(), 5)
		assert.NoError(t, err)

		assert.Equal(t, 1, f.storage.getTaskCalls)
	})

	t.Run("it should hit storage every time while the task is pending", func(t *testing.T) {
		f := newLogicFixture()
		f.storage.tasks[5] = &domain.ModerationTask{ID: 5, ItemID: 1, Status: string(domain.Pending)}

		_, err := f.logic.GetModerationResult(context.Background(), 5)
		assert.NoError(t, err)
		_, err = f.logic.GetModerationResult(context.Background(), 5)
		assert.NoError(t, err)

		assert.Equal(t, 2, f.storage.getTaskCalls)
	})

	t.Run("it should return not found for an unknown task", func(t *testing.T) {
		f := newLogicFixture()

		_, err := f.logic.GetModerationResult(context.Background(), 999)

		assert.ErrorIs(t, err, errval.ErrNotFound)
	})
}

func Test_predict(t *testing.T) {
	request := domain.RouterRequestPredict{
		SellerID:         1,
		IsVerifiedSeller: true,
		ItemID:           1,
		Name:             "Item",
		Description:      "Some description",
		Category:         5,
		ImagesQty:        2,
	}

	t.Run("it should score the request features", func(t *testing.T) {
		f := newLogicFixture()

		resp, err := f.logic.Predict(context.Background(), request)

		assert.NoError(t, err)
		assert.True(t, resp.IsValid)
		assert.Equal(t, 0.85, resp.Probability)
	})

	t.Run("it should serve repeated feature vectors from the cache", func(t *testing.T) {
		f := newLogicFixture()

		_, err := f.logic.Predict(context.Background(), request)
		assert.NoError(t, err)
		_, err = f.logic.Predict(context.Background(), request)
		assert.NoError(t, err)

		assert.Equal(t, 1, f.scorer.calls)
	})

	t.Run("it should pass scorer errors through untouched", func(t *testing.T) {
		f := newLogicFixture()
		f.scorer.err = errval.ErrScorerUnavailable

		_, err := f.logic.Predict(context.Background(), request)

		assert.ErrorIs(t, err, errval.ErrScorerUnavailable)
	})
}

func Test_simple_predict(t *testing.T) {
	t.Run("it should score the stored ad joined with its seller", func(t *testing.T) {
		f := newLogicFixture()
		f.storage.adsWithSel[1] = &domain.AdWithSeller{AdID: 1, SellerID: 2, Description: "Some description", IsVerifiedSeller: true}

		resp, err := f.logic.SimplePredict(context.Background(), 1)

		assert.NoError(t, err)
		assert.True(t, resp.IsValid)
		assert.Equal(t, 1, f.scorer.calls)
	})

	t.Run("it should return not found for an unknown ad", func(t *testing.T) {
		f := newLogicFixture()

		_, err := f.logic.SimplePredict(context.Background(), 999)

		assert.ErrorIs(t, err, errval.ErrNotFound)
		assert.Equal(t, 0, f.scorer.calls)
	})

	t.Run("it should serve a repeated item from the cache", func(t *testing.T) {
		f := newLogicFixture()
		f.storage.adsWithSel[1] = &domain.AdWithSeller{AdID: 1, SellerID: 2, Description: "Some description"}

		_, err := f.logic.SimplePredict(context.Background(), 1)
		assert.NoError(t, err)
		_, err = f.logic.SimplePredict(context.Background(), 1)
		assert.NoError(t, err)

		assert.Equal(t, 1, f.scorer.calls)
	})
}

func Test_create_ad(t *testing.T) {
	t.Run("it should reject an unknown seller", func(t *testing.T) {
		f := newLogicFixture()

		_, err := f.logic.CreateAd(context.Background(), domain.RouterRequestCreateAd{
			SellerID:    42,
			Name:        "Item",
			Description: "Some description",
		})

		assert.ErrorIs(t, err, errval.ErrNotFound)
	})
}
