package models

// Requests for pipeline HTTP endpoints. Defined in domain for consistency and reuse.

type IngestRequest struct {
	InstID     string `query:"inst_id" json:"inst_id" validate:"required"`
	Bar        string `query:"bar" json:"bar" validate:"omitempty,timeframe"`
	MaxRecords int    `query:"max_records" json:"max_records" default:"2000" validate:"gte=1,lte=100000"`
	After      int64  `query:"after" json:"after" validate:"gte=0"`
}

type RangeRequest struct {
	InstID string `query:"inst_id" json:"inst_id" validate:"required"`
	From   string `query:"from" json:"from"`
	To     string `query:"to" json:"to"`
}

type BuildRequest struct {
	InstID string `query:"inst_id" json:"inst_id" validate:"required"`
	From   string `query:"from" json:"from"`
	To     string `query:"to" json:"to"`
	Mode   string `query:"mode" json:"mode" default:"train" validate:"oneof=train inference"`
}

type FeaturesRequest struct {
	InstID string `query:"inst_id" json:"inst_id" validate:"required"`
	From   string `query:"from" json:"from"`
	To     string `query:"to" json:"to"`
	Limit  int    `query:"limit" json:"limit" default:"500" validate:"gte=1,lte=50000"`
}

type PredictRequest struct {
	InstID string `query:"inst_id" json:"inst_id" validate:"required"`
}

type BackfillRequest struct {
	InstID string `query:"inst_id" json:"inst_id" validate:"required"`
	From   string `query:"from" json:"from"`
	To     string `query:"to" json:"to"`
	Fit    bool   `query:"fit" json:"fit"`
}
