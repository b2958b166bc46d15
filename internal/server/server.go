package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/darias/ad-moderation/internal/cache"
	"github.com/darias/ad-moderation/internal/domain"
	"github.com/darias/ad-moderation/internal/errval"
)

type ServerLogic struct {
	storage             domain.Storage
	queueClient         domain.Queue
	scorer              domain.Scorer
	predictCache        *cache.PredictCache
	moderationQueueName string
}

func NewServerLogic(storage domain.Storage, queueClient domain.Queue, scorer domain.Scorer, predictCache *cache.PredictCache, moderationQueueName string) *ServerLogic {
	return &ServerLogic{
		storage:             storage,
		queueClient:         queueClient,
		scorer:              scorer,
		predictCache:        predictCache,
		moderationQueueName: moderationQueueName,
	}
}

type AsyncPredictResponse struct {
	TaskID  int32  `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ModerationResultResponse struct {
	TaskID       int32    `json:"task_id"`
	Status       string   `json:"status"`
	IsViolation  *bool    `json:"is_violation,omitempty"`
	Probability  *float64 `json:"probability,omitempty"`
	ErrorMessage *string  `json:"error_message,omitempty"`
}

type PredictResponse struct {
	IsValid     bool    `json:"is_valid"`
	Probability float64 `json:"probability"`
}

// AsyncPredict admits a moderation task for the given ad: it verifies the ad
// exists (a bad item_id is the caller's error and never enters the pipeline),
// inserts a pending task and publishes one moderation message with the retry
// counter at zero.
func (s *ServerLogic) AsyncPredict(ctx context.Context, itemID int32) (*AsyncPredictResponse, error) {
	_, err := s.storage.GetAdByID(ctx, itemID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			slog.Info("ad not found for async predict", "item_id", itemID)
			return nil, err
		}

		slog.ErrorContext(ctx, "error occurred while calling storage.GetAdByID", "error", err)
		return nil, errval.ErrInternal
	}

	task, err := s.storage.InsertModerationTask(ctx, itemID)
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while calling storage.InsertModerationTask", "error", err)
		return nil, errval.ErrInternal
	}

	message := domain.NewModerationMessage(task.ID, itemID)
	marshalledMessage, err := json.Marshal(message)
	if err != nil {
		slog.Error("There was an error in marshalling the moderation message", "error", err.Error(), "task_id", task.ID)
		// The task row is committed, so the caller still gets its task_id; the
		// recovery command re-publishes pending tasks whose message never made it out
		return pendingResponse(task.ID), nil
	}

	err = s.queueClient.PublishMessage(s.moderationQueueName, marshalledMessage)
	if err != nil {
		slog.Error("Error occurred while queuing moderation message", "error", err.Error(), "task_id", task.ID)
		// Same degradation as above: the task stays pending until recovery re-queues it
	}

	return pendingResponse(task.ID), nil
}

func pendingResponse(taskID int32) *AsyncPredictResponse {
	return &AsyncPredictResponse{
		TaskID:  taskID,
		Status:  string(domain.Pending),
		Message: "Moderation request accepted",
	}
}

// GetModerationResult is the polling read path. Terminal results may be served
// from the cache because they never change; everything else comes straight
// from storage.
func (s *ServerLogic) GetModerationResult(ctx context.Context, taskID int32) (*ModerationResultResponse, error) {
	if cached := s.predictCache.GetModerationResult(taskID); cached != nil {
		return &ModerationResultResponse{
			TaskID:       cached.TaskID,
			Status:       cached.Status,
			IsViolation:  cached.IsViolation,
			Probability:  cached.Probability,
			ErrorMessage: cached.ErrorMessage,
		}, nil
	}

	task, err := s.storage.GetModerationTaskByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			slog.Info("moderation task not found with the given id", "task_id", taskID)
			return nil, err
		}

		slog.ErrorContext(ctx, "error occurred while calling storage.GetModerationTaskByID", "error", err)
		return nil, errval.ErrInternal
	}

	s.predictCache.SetModerationResult(task)

	return &ModerationResultResponse{
		TaskID:       task.ID,
		Status:       task.Status,
		IsViolation:  task.IsViolation,
		Probability:  task.Probability,
		ErrorMessage: task.ErrorMessage,
	}, nil
}

// Predict scores the features given in the request body without touching
// storage. Results are cached by feature vector, which only goes stale when
// the model is redeployed.
func (s *ServerLogic) Predict(ctx context.Context, req domain.RouterRequestPredict) (*PredictResponse, error) {
	if cached := s.predictCache.GetByFeatures(req.IsVerifiedSeller, req.ImagesQty, req.Description, req.Category); cached != nil {
		return &PredictResponse{IsValid: cached.IsValid, Probability: cached.Probability}, nil
	}

	ad := &domain.AdWithSeller{
		AdID:             req.ItemID,
		SellerID:         req.SellerID,
		Name:             req.Name,
		Description:      req.Description,
		Category:         req.Category,
		ImagesQty:        req.ImagesQty,
		IsVerifiedSeller: req.IsVerifiedSeller,
	}
	isValid, probability, err := s.scorer.Score(ctx, ad)
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while scoring predict request", "error", err, "item_id", req.ItemID)
		return nil, err
	}

	s.predictCache.SetByFeatures(isValid, probability, req.IsVerifiedSeller, req.ImagesQty, req.Description, req.Category)

	return &PredictResponse{IsValid: isValid, Probability: probability}, nil
}

// SimplePredict scores a stored ad synchronously, joined with its seller.
func (s *ServerLogic) SimplePredict(ctx context.Context, itemID int32) (*PredictResponse, error) {
	if cached := s.predictCache.GetByItem(itemID); cached != nil {
		return &PredictResponse{IsValid: cached.IsValid, Probability: cached.Probability}, nil
	}

	ad, err := s.storage.GetAdWithSeller(ctx, itemID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			slog.Info("ad not found for simple predict", "item_id", itemID)
			return nil, err
		}

		slog.ErrorContext(ctx, "error occurred while calling storage.GetAdWithSeller", "error", err)
		return nil, errval.ErrInternal
	}

	isValid, probability, err := s.scorer.Score(ctx, ad)
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while scoring stored ad", "error", err, "item_id", itemID)
		return nil, err
	}

	s.predictCache.SetByItem(itemID, isValid, probability)

	return &PredictResponse{IsValid: isValid, Probability: probability}, nil
}

func (s *ServerLogic) CreateUser(ctx context.Context, req domain.RouterRequestCreateUser) (*domain.User, error) {
	user, err := s.storage.CreateUser(ctx, req.IsVerified)
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while calling storage.CreateUser", "error", err)
		return nil, errval.ErrInternal
	}

	return user, nil
}

func (s *ServerLogic) CreateAd(ctx context.Context, req domain.RouterRequestCreateAd) (*domain.Ad, error) {
	if _, err := s.storage.GetUserByID(ctx, req.SellerID); err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			slog.Info("seller not found for ad creation", "seller_id", req.SellerID)
			return nil, err
		}

		slog.ErrorContext(ctx, "error occurred while calling storage.GetUserByID", "error", err)
		return nil, errval.ErrInternal
	}

	ad, err := s.storage.CreateAd(ctx, req.SellerID, req.Name, req.Description, req.Category, req.ImagesQty)
	if err != nil {
		slog.ErrorContext(ctx, "error occurred while calling storage.CreateAd", "error", err)
		return nil, errval.ErrInternal
	}

	return ad, nil
}

func (s *ServerLogic) GetAd(ctx context.Context, adID int32) (*domain.Ad, error) {
	ad, err := s.storage.GetAdByID(ctx, adID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) {
			return nil, err
		}

		slog.ErrorContext(ctx, "error occurred while calling storage.GetAdByID", "error", err)
		return nil, errval.ErrInternal
	}

	return ad, nil
}

// CloseAd marks the ad closed and drops its cached prediction, so a stale
// verdict for the old content cannot be served afterwards.
func (s *ServerLogic) CloseAd(ctx context.Context, adID int32) (*domain.Ad, error) {
	ad, err := s.storage.CloseAd(ctx, adID)
	if err != nil {
		if errors.Is(err, errval.ErrNotFound) || errors.Is(err, errval.ErrAdClosed) {
			return nil, err
		}

		slog.ErrorContext(ctx, "error occurred while calling storage.CloseAd", "error", err)
		return nil, errval.ErrInternal
	}

	s.predictCache.InvalidateByItem(adID)

	return ad, nil
}
