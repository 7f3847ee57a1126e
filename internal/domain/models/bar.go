package models

import (
	"fmt"
	"time"
)

// Bar is one OHLCV candlestick for an instrument at a timeframe.
// Timestamp is the bar open time in unix milliseconds.
type Bar struct {
	InstID      string  `json:"inst_id"`
	Bar         string  `json:"bar"`
	Timestamp   int64   `json:"ts"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	VolCcy      float64 `json:"vol_ccy"`
	VolCcyQuote float64 `json:"vol_ccy_quote"`
	Confirm     bool    `json:"confirm"`
}

// BarKey identifies a bar in storage.
type BarKey struct {
	InstID    string
	Bar       string
	Timestamp int64
}

func (k BarKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.InstID, k.Bar, k.Timestamp)
}

// Key returns the storage key of the bar.
func (b Bar) Key() BarKey {
	return BarKey{InstID: b.InstID, Bar: b.Bar, Timestamp: b.Timestamp}
}

// OpenTime returns the open time as UTC.
func (b Bar) OpenTime() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// CloseTime returns the moment the bar completes for a bar of length d.
func (b Bar) CloseTime(d time.Duration) int64 {
	return b.Timestamp + d.Milliseconds()
}

// Validate reports structural problems that make a bar unusable.
func (b Bar) Validate() error {
	switch {
	case b.InstID == "":
		return fmt.Errorf("inst_id empty")
	case b.Bar == "":
		return fmt.Errorf("bar empty")
	case b.Timestamp <= 0:
		return fmt.Errorf("timestamp invalid")
	case b.Open < 0 || b.High < 0 || b.Low < 0 || b.Close < 0:
		return fmt.Errorf("negative price")
	case b.Volume < 0:
		return fmt.Errorf("negative volume")
	case b.High < b.Low:
		return fmt.Errorf("high below low")
	}
	return nil
}
