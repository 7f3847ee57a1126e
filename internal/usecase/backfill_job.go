package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	applogger "FeatPull/pkg/logger"
	"FeatPull/pkg/queue"
)

const BackfillJobType = "pipeline.backfill"

// BackfillPayload is the queued request; times are unix milliseconds.
type BackfillPayload struct {
	InstID string `json:"inst_id"`
	From   int64  `json:"from"`
	To     int64  `json:"to"`
	Fit    bool   `json:"fit"`
}

type Backfiller interface {
	Backfill(ctx context.Context, instID string, from, to int64, fit bool) (BackfillSummary, error)
}

// BackfillJob runs queued backfills.
type BackfillJob struct {
	pipe Backfiller
	l    *applogger.Logger
}

func NewBackfillJob(pipe Backfiller, l *applogger.Logger) *BackfillJob {
	return &BackfillJob{pipe: pipe, l: l}
}

func (j *BackfillJob) Name() string { return "backfill" }
func (j *BackfillJob) Type() string { return BackfillJobType }

func (j *BackfillJob) Handle(ctx context.Context, payload json.RawMessage) error {
	req, err := queue.DecodePayload[BackfillPayload](payload)
	if err != nil {
		return err
	}
	if req.InstID == "" {
		return fmt.Errorf("backfill: inst_id required")
	}
	sum, err := j.pipe.Backfill(ctx, req.InstID, req.From, req.To, req.Fit)
	if err != nil {
		return err
	}
	if j.l != nil {
		j.l.Info("backfill job done",
			applogger.String("inst_id", req.InstID),
			applogger.Int("pulls", len(sum.Pulls)),
			applogger.Int("built", sum.Build.Built),
		)
	}
	return nil
}
