// Package okx adapts the OKX public market API to the pipeline's candle
// source and live bar stream interfaces.
package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"FeatPull/internal/domain/errs"
	drepo "FeatPull/internal/domain/repository"
	xhttp "FeatPull/pkg/http"
)

const (
	DefaultBaseURL   = "https://www.okx.com"
	historyPath      = "/api/v5/market/history-candles"
	MaxPageLimit     = 100
	codeOK           = "0"
	codeTooManyCalls = "50011"
)

// APIError is a non-zero "code" in an OKX response envelope.
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx api error %s: %s", e.Code, e.Msg)
}

// Temporary reports whether OKX asked us to slow down.
func (e *APIError) Temporary() bool { return e.Code == codeTooManyCalls }

type envelope struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// Client calls the history-candles endpoint.
type Client struct {
	baseURL string
	http    *xhttp.Client
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(c *xhttp.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: baseURL,
		http:    xhttp.NewClient(xhttp.WithTimeout(timeout), xhttp.WithHeader("Accept", "application/json")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HistoryCandles returns raw rows newest-first. after=0 starts from the most
// recent bar; otherwise only bars older than after are returned.
func (c *Client) HistoryCandles(ctx context.Context, instID string, tf drepo.Timeframe, after int64, limit int) ([][]string, error) {
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	q := map[string][]string{
		"instId": {instID},
		"bar":    {tf.String()},
		"limit":  {strconv.Itoa(limit)},
	}
	if after > 0 {
		q["after"] = []string{strconv.FormatInt(after, 10)}
	}

	var resp envelope
	err := c.http.GetJSON(ctx, c.baseURL+historyPath, q, &resp)
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("history-candles %s %s: %w", instID, tf, err))
	}
	if resp.Code != codeOK {
		apiErr := &APIError{Code: resp.Code, Msg: resp.Msg}
		if apiErr.Temporary() {
			return nil, errs.Transient(apiErr)
		}
		return nil, apiErr
	}
	return resp.Data, nil
}

// classify tags network failures and 429/5xx responses as transient. A
// cancelled caller context is returned as is.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var se *xhttp.StatusError
	if errors.As(err, &se) {
		if se.Temporary() {
			return errs.Transient(err)
		}
		return err
	}
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if errors.As(err, &syn) || errors.As(err, &typ) {
		return err
	}
	// anything else failed on the wire: dial, reset, client timeout
	return errs.Transient(err)
}

var _ drepo.CandleSource = (*Client)(nil)
