package service

import "context"

// Classifier scores a feature vector with the externally trained model.
// It returns per-class probabilities keyed by class id.
type Classifier interface {
	Predict(ctx context.Context, instID string, names []string, features []float64) (map[int]float64, error)
}
