package scorer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/darias/ad-moderation/internal/domain"
	"github.com/darias/ad-moderation/internal/errval"
	"golang.org/x/time/rate"
)

const (
	maxImagesQty = 10

	// Normalization constants used when the model was trained; features fed at
	// inference time must be scaled the same way.
	imagesQtyScale   = 10.0
	descriptionScale = 1000.0
	categoryScale    = 100.0
)

// Logistic regression parameters from the offline training run. The feature
// order is [is_verified_seller, images_qty, description_length, category].
var (
	modelWeights = [4]float64{1.8273, 1.4126, 0.9441, -0.5672}
	modelBias    = 0.3158
)

// ModelScorer scores an ad with the in-process logistic model. Calls are
// bounded by a timeout and throttled with a token bucket: an exhausted bucket
// is reported as errval.ErrScorerUnavailable, which the worker treats as a
// transient failure.
type ModelScorer struct {
	limiter *rate.Limiter
	timeout time.Duration
}

func NewModelScorer(ratePerSecond float64, burst int, timeout time.Duration) *ModelScorer {
	return &ModelScorer{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		timeout: timeout,
	}
}

// Features builds the model input vector for one ad.
func Features(isVerifiedSeller bool, imagesQty int32, description string, category int32) [4]float64 {
	x0 := 0.0
	if isVerifiedSeller {
		x0 = 1.0
	}

	return [4]float64{
		x0,
		float64(imagesQty) / imagesQtyScale,
		float64(len(description)) / descriptionScale,
		float64(category) / categoryScale,
	}
}

func (s *ModelScorer) Score(ctx context.Context, ad *domain.AdWithSeller) (isValid bool, probability float64, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err = validateInput(ad); err != nil {
		return false, 0, err
	}

	if !s.limiter.Allow() {
		slog.Warn("Scorer rate limit exhausted", "item_id", ad.AdID)
		return false, 0, fmt.Errorf("%w: rate limit exhausted", errval.ErrScorerUnavailable)
	}

	// The model itself is in-process and fast; the deadline check covers the
	// case where the caller's budget was already spent before we got here
	if err = ctx.Err(); err != nil {
		return false, 0, fmt.Errorf("%w: %v", errval.ErrScorerUnavailable, err)
	}

	features := Features(ad.IsVerifiedSeller, ad.ImagesQty, ad.Description, ad.Category)

	z := modelBias
	for i, w := range modelWeights {
		z += w * features[i]
	}
	probability = sigmoid(z)
	isValid = probability >= 0.5

	slog.Info("Ad is scored", "item_id", ad.AdID, "seller_id", ad.SellerID, "is_valid", isValid, "probability", probability)
	return isValid, probability, nil
}

func validateInput(ad *domain.AdWithSeller) error {
	if strings.TrimSpace(ad.Description) == "" {
		return fmt.Errorf("%w: description is blank", errval.ErrScorerInvalidInput)
	}

	if ad.ImagesQty < 0 || ad.ImagesQty > maxImagesQty {
		return fmt.Errorf("%w: images_qty %d is out of the 0..%d range", errval.ErrScorerInvalidInput, ad.ImagesQty, maxImagesQty)
	}

	if ad.Category < 0 {
		return fmt.Errorf("%w: category %d is negative", errval.ErrScorerInvalidInput, ad.Category)
	}

	return nil
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
