package okx

import (
	"fmt"
	"math"
	"strconv"

	"FeatPull/internal/domain/errs"
	"FeatPull/internal/domain/models"
)

// ParseRow decodes one candle row [ts,o,h,l,c,vol,volCcy,volCcyQuote,confirm].
// The trailing volume and confirm columns are optional; a missing confirm
// flag means the bar is complete.
func ParseRow(idx int, instID, bar string, row []string) (models.Bar, error) {
	if len(row) < 6 {
		return models.Bar{}, &errs.MalformedBarError{Row: idx, Reason: fmt.Sprintf("expected at least 6 columns, got %d", len(row))}
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Bar{}, &errs.MalformedBarError{Row: idx, Reason: "timestamp: " + err.Error()}
	}

	vals := make([]float64, 8)
	for i := 1; i < len(row) && i < 8; i++ {
		if i >= 6 && row[i] == "" {
			continue
		}
		v, err := strconv.ParseFloat(row[i], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return models.Bar{}, &errs.MalformedBarError{Row: idx, Reason: fmt.Sprintf("column %d: invalid number %q", i, row[i])}
		}
		vals[i] = v
	}

	b := models.Bar{
		InstID:      instID,
		Bar:         bar,
		Timestamp:   ts,
		Open:        vals[1],
		High:        vals[2],
		Low:         vals[3],
		Close:       vals[4],
		Volume:      vals[5],
		VolCcy:      vals[6],
		VolCcyQuote: vals[7],
		Confirm:     len(row) < 9 || row[8] != "0",
	}
	if err := b.Validate(); err != nil {
		return models.Bar{}, &errs.MalformedBarError{Row: idx, Reason: err.Error()}
	}
	return b, nil
}
