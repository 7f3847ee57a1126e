// Package errs holds the typed errors shared across the feature pipeline.
package errs

import (
	"errors"
	"fmt"
)

// ErrCostExceedsCapacity is returned when a request asks for more tokens
// than the budget can ever hold.
var ErrCostExceedsCapacity = errors.New("ratelimit: cost exceeds capacity")

// ErrUpstreamUnavailable marks a data source failure worth retrying.
var ErrUpstreamUnavailable = errors.New("upstream temporarily unavailable")

// Transient tags err as retryable while keeping it in the chain.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}

// IsTransient reports whether err was tagged by Transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// ErrNoData is returned when a query range holds nothing to work on.
var ErrNoData = errors.New("no data in range")

// TransientIngestionError reports a fetch that kept failing after retries.
// Cursor is the position to resume from; pages stored before it are kept.
type TransientIngestionError struct {
	InstID   string
	Bar      string
	Cursor   int64
	Attempts int
	Err      error
}

func (e *TransientIngestionError) Error() string {
	return fmt.Sprintf("ingest %s %s at cursor %d failed after %d attempts: %v",
		e.InstID, e.Bar, e.Cursor, e.Attempts, e.Err)
}

func (e *TransientIngestionError) Unwrap() error { return e.Err }

// RateLimitTimeout is returned when a wait for tokens is aborted by the caller.
type RateLimitTimeout struct {
	Key  string
	Cost int
	Err  error
}

func (e *RateLimitTimeout) Error() string {
	return fmt.Sprintf("rate limit %s: wait for %d tokens aborted: %v", e.Key, e.Cost, e.Err)
}

func (e *RateLimitTimeout) Unwrap() error { return e.Err }

// InsufficientHistoryError marks a timestamp skipped for lack of lookback.
type InsufficientHistoryError struct {
	Bar       string
	Timestamp int64
	Need      int
	Have      int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history for %s at %d: need %d bars, have %d",
		e.Bar, e.Timestamp, e.Need, e.Have)
}

// MissingNormalizerError is returned when apply mode finds no fitted parameter.
type MissingNormalizerError struct {
	InstID string
	Bar    string
	Column string
}

func (e *MissingNormalizerError) Error() string {
	return fmt.Sprintf("normalizer missing for %s %s column %q", e.InstID, e.Bar, e.Column)
}

// MalformedBarError describes an exchange row that could not be parsed.
type MalformedBarError struct {
	Row    int
	Reason string
}

func (e *MalformedBarError) Error() string {
	return fmt.Sprintf("malformed bar at row %d: %s", e.Row, e.Reason)
}

// LabelThresholdConfigError reports an invalid label interval configuration.
type LabelThresholdConfigError struct {
	Reason string
}

func (e *LabelThresholdConfigError) Error() string {
	return "label thresholds: " + e.Reason
}

// IsRetryable reports whether the operation may succeed if attempted again.
func IsRetryable(err error) bool {
	var rl *RateLimitTimeout
	var ti *TransientIngestionError
	return errors.As(err, &rl) || errors.As(err, &ti)
}

// IsSkip reports whether err only means the current item should be skipped.
func IsSkip(err error) bool {
	var ih *InsufficientHistoryError
	var mb *MalformedBarError
	return errors.As(err, &ih) || errors.As(err, &mb)
}
