package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/darias/ad-moderation/internal/domain"
)

// TTLs, chosen per key kind:
//   - per-item predictions depend on ad and seller data which can change (the
//     seller gets verified, the ad gets edited), so the TTL is short;
//   - per-feature predictions only go stale when the model is redeployed, so
//     they can live much longer;
//   - moderation results are cached only in terminal states, which never
//     change, so the TTL is just a memory bound.
const (
	predictByItemTTL     = 10 * time.Minute
	predictByFeaturesTTL = time.Hour
	moderationResultTTL  = 30 * time.Minute
)

type CachedPrediction struct {
	IsValid     bool    `json:"is_valid"`
	Probability float64 `json:"probability"`
}

type CachedModerationResult struct {
	TaskID       int32    `json:"task_id"`
	Status       string   `json:"status"`
	IsViolation  *bool    `json:"is_violation,omitempty"`
	Probability  *float64 `json:"probability,omitempty"`
	ErrorMessage *string  `json:"error_message,omitempty"`
}

// PredictCache caches scorer output and terminal moderation results on top of
// the shared cache client. Every method degrades to a miss on cache trouble;
// the caller never fails a request because Redis hiccuped.
type PredictCache struct {
	cache domain.Cache
}

func NewPredictCache(cache domain.Cache) *PredictCache {
	return &PredictCache{cache: cache}
}

func itemPredictKey(itemID int32) string {
	return fmt.Sprintf("predict:item:%d", itemID)
}

func featuresPredictKey(isVerifiedSeller bool, imagesQty int32, descriptionLength int, category int32) string {
	verified := 0
	if isVerifiedSeller {
		verified = 1
	}

	return fmt.Sprintf("predict:features:%d:%d:%d:%d", verified, imagesQty, descriptionLength, category)
}

func moderationKey(taskID int32) string {
	return fmt.Sprintf("moderation:result:%d", taskID)
}

func (p *PredictCache) GetByItem(itemID int32) *CachedPrediction {
	return p.getPrediction(itemPredictKey(itemID))
}

func (p *PredictCache) SetByItem(itemID int32, isValid bool, probability float64) {
	p.setPrediction(itemPredictKey(itemID), isValid, probability, predictByItemTTL)
}

func (p *PredictCache) InvalidateByItem(itemID int32) {
	if err := p.cache.Delete(itemPredictKey(itemID)); err != nil {
		slog.Error("Error occurred while invalidating item prediction cache", "item_id", itemID, "error", err.Error())
	}
}

func (p *PredictCache) GetByFeatures(isVerifiedSeller bool, imagesQty int32, description string, category int32) *CachedPrediction {
	return p.getPrediction(featuresPredictKey(isVerifiedSeller, imagesQty, len(description), category))
}

func (p *PredictCache) SetByFeatures(isValid bool, probability float64, isVerifiedSeller bool, imagesQty int32, description string, category int32) {
	p.setPrediction(featuresPredictKey(isVerifiedSeller, imagesQty, len(description), category), isValid, probability, predictByFeaturesTTL)
}

func (p *PredictCache) GetModerationResult(taskID int32) *CachedModerationResult {
	raw, err := p.cache.Get(moderationKey(taskID))
	if err != nil {
		return nil
	}

	result := &CachedModerationResult{}
	if err = json.Unmarshal([]byte(raw), result); err != nil {
		slog.Error("Error occurred while unmarshalling cached moderation result", "task_id", taskID, "error", err.Error())
		return nil
	}

	return result
}

// SetModerationResult caches a moderation task for the polling endpoint.
// Pending tasks are never cached: they flip to a terminal state at any moment
// and a stale pending answer would hide a committed verdict.
func (p *PredictCache) SetModerationResult(task *domain.ModerationTask) {
	if !task.IsTerminal() {
		return
	}

	result := CachedModerationResult{
		TaskID:       task.ID,
		Status:       task.Status,
		IsViolation:  task.IsViolation,
		Probability:  task.Probability,
		ErrorMessage: task.ErrorMessage,
	}
	marshalled, err := json.Marshal(result)
	if err != nil {
		slog.Error("Error occurred while marshalling moderation result for cache", "task_id", task.ID, "error", err.Error())
		return
	}

	if err = p.cache.Set(moderationKey(task.ID), string(marshalled), moderationResultTTL); err != nil {
		slog.Error("Error occurred while caching moderation result", "task_id", task.ID, "error", err.Error())
	}
}

func (p *PredictCache) InvalidateModerationResult(taskID int32) {
	if err := p.cache.Delete(moderationKey(taskID)); err != nil {
		slog.Error("Error occurred while invalidating moderation result cache", "task_id", taskID, "error", err.Error())
	}
}

func (p *PredictCache) getPrediction(key string) *CachedPrediction {
	raw, err := p.cache.Get(key)
	if err != nil {
		return nil
	}

	prediction := &CachedPrediction{}
	if err = json.Unmarshal([]byte(raw), prediction); err != nil {
		slog.Error("Error occurred while unmarshalling cached prediction", "key", key, "error", err.Error())
		return nil
	}

	return prediction
}

func (p *PredictCache) setPrediction(key string, isValid bool, probability float64, ttl time.Duration) {
	marshalled, err := json.Marshal(CachedPrediction{IsValid: isValid, Probability: probability})
	if err != nil {
		slog.Error("Error occurred while marshalling prediction for cache", "key", key, "error", err.Error())
		return
	}

	if err = p.cache.Set(key, string(marshalled), ttl); err != nil {
		slog.Error("Error occurred while caching prediction", "key", key, "error", err.Error())
	}
}
