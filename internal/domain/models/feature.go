package models

import "time"

// FeatureRecord is one merged feature vector for a base-timeframe timestamp.
// Label and FutureReturn are nil for inference records.
type FeatureRecord struct {
	InstID       string    `json:"inst_id"`
	Bar          string    `json:"bar"`
	Timestamp    int64     `json:"ts"`
	Names        []string  `json:"names"`
	Features     []float64 `json:"features"`
	Label        *int      `json:"label,omitempty"`
	FutureReturn *float64  `json:"future_return,omitempty"`
	ConfigHash   string    `json:"config_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key returns the storage key of the record.
func (r FeatureRecord) Key() BarKey {
	return BarKey{InstID: r.InstID, Bar: r.Bar, Timestamp: r.Timestamp}
}

// Value returns the feature value by name.
func (r FeatureRecord) Value(name string) (float64, bool) {
	for i, n := range r.Names {
		if n == name && i < len(r.Features) {
			return r.Features[i], true
		}
	}
	return 0, false
}

// NormalizationParam holds the scaling statistics of one feature column.
type NormalizationParam struct {
	InstID    string    `json:"inst_id"`
	Bar       string    `json:"bar"`
	Column    string    `json:"column"`
	Mean      float64   `json:"mean"`
	Std       float64   `json:"std"`
	Count     int       `json:"count"`
	FittedAt  time.Time `json:"fitted_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParamKey identifies a normalization parameter.
type ParamKey struct {
	InstID string
	Bar    string
	Column string
}

func (k ParamKey) String() string {
	return k.InstID + "/" + k.Bar + "/" + k.Column
}

// Key returns the parameter key.
func (p NormalizationParam) Key() ParamKey {
	return ParamKey{InstID: p.InstID, Bar: p.Bar, Column: p.Column}
}

// Prediction is the classifier output for the latest feature vector.
type Prediction struct {
	InstID        string          `json:"inst_id"`
	Bar           string          `json:"bar"`
	Timestamp     int64           `json:"ts"`
	Class         int             `json:"class"`
	Probabilities map[int]float64 `json:"probabilities"`
}
