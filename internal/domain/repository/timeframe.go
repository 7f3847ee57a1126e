package repository

import (
	"fmt"
	"time"
)

// Timeframe represents candle resolution buckets, in OKX bar naming.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1H  Timeframe = "1H"
	TF2H  Timeframe = "2H"
	TF4H  Timeframe = "4H"
	TF1D  Timeframe = "1D"
)

var durations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1H:  time.Hour,
	TF2H:  2 * time.Hour,
	TF4H:  4 * time.Hour,
	TF1D:  24 * time.Hour,
}

// IsValidTimeframe returns true if tf is a supported timeframe.
func IsValidTimeframe(tf Timeframe) bool {
	_, ok := durations[tf]
	return ok
}

// ParseTimeframe accepts OKX bar names only; "1h" is not "1H".
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !IsValidTimeframe(tf) {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the length of one bar, or 0 for unknown timeframes.
func (tf Timeframe) Duration() time.Duration { return durations[tf] }

func (tf Timeframe) String() string { return string(tf) }
