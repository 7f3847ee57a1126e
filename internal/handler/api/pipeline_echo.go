package api

import (
	"context"
	"errors"
	"time"

	"FeatPull/internal/domain/errs"
	"FeatPull/internal/domain/models"
	domrepo "FeatPull/internal/domain/repository"
	"FeatPull/internal/usecase"
	xhttp "FeatPull/pkg/http"
	xlogger "FeatPull/pkg/logger"
	"FeatPull/pkg/queue"
	xutil "FeatPull/pkg/util"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

func init() {
	xhttp.RegisterValidation("timeframe", func(fl validator.FieldLevel) bool {
		return domrepo.IsValidTimeframe(domrepo.Timeframe(fl.Field().String()))
	})
}

// FeaturePipeline is the part of usecase.Pipeline the API drives.
type FeaturePipeline interface {
	Pull(ctx context.Context, req usecase.PullRequest) (usecase.PullResult, error)
	Ingest(ctx context.Context, instID string) (usecase.IngestSummary, error)
	FitNormalizers(ctx context.Context, instID string, from, to int64) (usecase.FitSummary, error)
	BuildFeatures(ctx context.Context, instID string, from, to int64, mode usecase.BuildMode) (usecase.BuildSummary, error)
	Relabel(ctx context.Context, instID string, from, to int64) (int, error)
	Predict(ctx context.Context, instID string) (models.Prediction, error)
}

// FeatureReader serves stored feature rows.
type FeatureReader interface {
	GetFeatures(ctx context.Context, p usecase.GetFeaturesParams) (*usecase.GetFeaturesResult, error)
}

// defaultRange is used when a request omits from.
const defaultRange = 30 * 24 * time.Hour

// PipelineEchoHandler exposes the feature pipeline over HTTP.
type PipelineEchoHandler struct {
	logger   *xlogger.Logger
	pipe     FeaturePipeline
	features FeatureReader
	jobs     queue.Enqueuer
	now      func() time.Time
}

type PipelineHandlerOption func(*PipelineEchoHandler)

// WithJobQueue enables queued backfills.
func WithJobQueue(q queue.Enqueuer) PipelineHandlerOption {
	return func(h *PipelineEchoHandler) { h.jobs = q }
}

func NewPipelineEchoHandler(logger *xlogger.Logger, pipe FeaturePipeline, features FeatureReader, opts ...PipelineHandlerOption) *PipelineEchoHandler {
	h := &PipelineEchoHandler{logger: logger, pipe: pipe, features: features, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *PipelineEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.POST("/ingest", h.Ingest)
	g.POST("/normalizers/fit", h.Fit)
	g.POST("/features/build", h.Build)
	g.GET("/features", h.Features)
	g.POST("/labels/relabel", h.Relabel)
	g.GET("/predict", h.Predict)
	g.POST("/jobs/backfill", h.Backfill)
}

func (h *PipelineEchoHandler) Ingest(c echo.Context) error {
	req := &models.IngestRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	ctx := c.Request().Context()

	if req.Bar == "" {
		res, err := h.pipe.Ingest(ctx, req.InstID)
		if err != nil {
			return h.fail(c, "ingest", err)
		}
		return xhttp.SuccessResponse(c, res)
	}
	res, err := h.pipe.Pull(ctx, usecase.PullRequest{
		InstID:     req.InstID,
		Bar:        domrepo.Timeframe(req.Bar),
		After:      req.After,
		MaxRecords: req.MaxRecords,
	})
	if err != nil {
		return h.fail(c, "pull", err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *PipelineEchoHandler) Fit(c echo.Context) error {
	req := &models.RangeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	from, to, ok := h.rangeOf(req.From, req.To)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("from must be <= to"))
	}
	res, err := h.pipe.FitNormalizers(c.Request().Context(), req.InstID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return h.fail(c, "fit", err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *PipelineEchoHandler) Build(c echo.Context) error {
	req := &models.BuildRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	from, to, ok := h.rangeOf(req.From, req.To)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("from must be <= to"))
	}
	res, err := h.pipe.BuildFeatures(c.Request().Context(), req.InstID, from.UnixMilli(), to.UnixMilli(), usecase.BuildMode(req.Mode))
	if err != nil {
		return h.fail(c, "build", err)
	}
	return xhttp.SuccessResponse(c, res)
}

func (h *PipelineEchoHandler) Features(c echo.Context) error {
	req := &models.FeaturesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	from, to, ok := h.rangeOf(req.From, req.To)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("from must be <= to"))
	}
	res, err := h.features.GetFeatures(c.Request().Context(), usecase.GetFeaturesParams{
		InstID: req.InstID,
		From:   from,
		To:     to,
		Limit:  req.Limit,
	})
	if err != nil {
		return h.fail(c, "features", err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, res)
}

func (h *PipelineEchoHandler) Relabel(c echo.Context) error {
	req := &models.RangeRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	from, to, ok := h.rangeOf(req.From, req.To)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("from must be <= to"))
	}
	n, err := h.pipe.Relabel(c.Request().Context(), req.InstID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return h.fail(c, "relabel", err)
	}
	return xhttp.SuccessResponse(c, map[string]int{"changed": n})
}

func (h *PipelineEchoHandler) Predict(c echo.Context) error {
	req := &models.PredictRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	res, err := h.pipe.Predict(c.Request().Context(), req.InstID)
	if err != nil {
		return h.fail(c, "predict", err)
	}
	return xhttp.SuccessResponse(c, res)
}

// Backfill queues a backfill; the worker pulls, optionally fits, and builds.
func (h *PipelineEchoHandler) Backfill(c echo.Context) error {
	req := &models.BackfillRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if h.jobs == nil {
		return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError("job queue disabled"))
	}
	from, to, ok := h.rangeOf(req.From, req.To)
	if !ok {
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError("from must be <= to"))
	}
	payload := usecase.BackfillPayload{InstID: req.InstID, From: from.UnixMilli(), To: to.UnixMilli(), Fit: req.Fit}
	id, err := h.jobs.Enqueue(c.Request().Context(), usecase.BackfillJobType, payload)
	if err != nil {
		if errors.Is(err, queue.ErrNotRunning) {
			return xhttp.AppErrorResponse(c, xhttp.ServiceUnavailableError(err.Error()).WithError(err))
		}
		return h.fail(c, "backfill", err)
	}
	return xhttp.AcceptedResponse(c, map[string]interface{}{"job_id": id, "request": payload})
}

func (h *PipelineEchoHandler) rangeOf(fromS, toS string) (time.Time, time.Time, bool) {
	now := h.now().UTC()
	to := xutil.ParseTimeDefault(toS, now)
	from := xutil.ParseTimeDefault(fromS, to.Add(-defaultRange))
	return from, to, !from.After(to)
}

func (h *PipelineEchoHandler) fail(c echo.Context, op string, err error) error {
	appErr := toAppError(err)
	if h.logger != nil {
		h.logger.Error(op+" usecase error", xlogger.Int("status", appErr.Status), xlogger.Error(err))
	}
	return xhttp.AppErrorResponse(c, appErr)
}

// toAppError maps pipeline errors onto HTTP statuses.
func toAppError(err error) *xhttp.AppError {
	var (
		missing   *errs.MissingNormalizerError
		rateLimit *errs.RateLimitTimeout
		label     *errs.LabelThresholdConfigError
		transient *errs.TransientIngestionError
		history   *errs.InsufficientHistoryError
	)
	switch {
	case errors.As(err, &missing):
		return xhttp.NotFoundError(missing.Error()).WithParam("column", missing.Column).WithError(err)
	case errors.Is(err, errs.ErrNoData):
		return xhttp.NotFoundError(err.Error()).WithError(err)
	case errors.As(err, &history):
		return xhttp.NotFoundError(history.Error()).WithError(err)
	case errors.As(err, &rateLimit):
		return xhttp.TooManyRequestsError(rateLimit.Error()).WithError(err)
	case errors.As(err, &label):
		return xhttp.UnprocessableError(label.Error()).WithError(err)
	case errors.Is(err, usecase.ErrJobRunning):
		return xhttp.ConflictError(err.Error()).WithError(err)
	case errors.As(err, &transient):
		return xhttp.BadGatewayError(transient.Error()).WithParam("cursor", transient.Cursor).WithError(err)
	case errs.IsTransient(err):
		return xhttp.BadGatewayError(err.Error()).WithError(err)
	case errors.Is(err, errs.ErrCostExceedsCapacity):
		return xhttp.BadRequestError(err.Error()).WithError(err)
	}
	return xhttp.InternalError("internal error").WithError(err)
}
