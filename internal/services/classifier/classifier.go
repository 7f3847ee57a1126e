// Package classifier calls the externally trained price-movement model.
package classifier

import (
	"context"
	"fmt"
	"strconv"
	"time"

	domsvc "FeatPull/internal/domain/service"
)

const predictPath = "/predict"

// HTTPClassifier posts feature vectors to the model service.
type HTTPClassifier struct {
	base     *HTTPServiceBase
	attempts int
}

func NewHTTPClassifier(baseURL string, timeout time.Duration, attempts int) *HTTPClassifier {
	if attempts <= 0 {
		attempts = 3
	}
	return &HTTPClassifier{base: NewHTTPServiceBase(baseURL, timeout), attempts: attempts}
}

type predictRequest struct {
	InstID   string    `json:"inst_id"`
	Names    []string  `json:"names"`
	Features []float64 `json:"features"`
}

type predictResponse struct {
	Probabilities map[string]float64 `json:"probabilities"`
}

func (c *HTTPClassifier) Predict(ctx context.Context, instID string, names []string, features []float64) (map[int]float64, error) {
	if len(names) != len(features) {
		return nil, fmt.Errorf("predict: %d names for %d features", len(names), len(features))
	}
	var resp predictResponse
	req := predictRequest{InstID: instID, Names: names, Features: features}
	if err := c.base.PostJSONWithRetry(ctx, predictPath, req, &resp, c.attempts); err != nil {
		return nil, fmt.Errorf("predict %s: %w", instID, err)
	}
	if len(resp.Probabilities) == 0 {
		return nil, fmt.Errorf("predict %s: empty probabilities", instID)
	}
	out := make(map[int]float64, len(resp.Probabilities))
	for k, p := range resp.Probabilities {
		class, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("predict %s: class %q is not an integer", instID, k)
		}
		out[class] = p
	}
	return out, nil
}

var _ domsvc.Classifier = (*HTTPClassifier)(nil)
