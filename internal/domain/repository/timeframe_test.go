package repository

import (
	"testing"
	"time"
)

func TestTimeframeDuration(t *testing.T) {
	cases := map[Timeframe]time.Duration{
		TF15m: 15 * time.Minute,
		TF1H:  time.Hour,
		TF4H:  4 * time.Hour,
		TF1D:  24 * time.Hour,
	}
	for tf, want := range cases {
		if got := tf.Duration(); got != want {
			t.Fatalf("%s: got %v want %v", tf, got, want)
		}
	}
	if Timeframe("3H").Duration() != 0 {
		t.Fatalf("unknown timeframe should have zero duration")
	}
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("4H")
	if err != nil || tf != TF4H {
		t.Fatalf("got %q, %v", tf, err)
	}
	for _, s := range []string{"", "1h", "3H"} {
		if _, err := ParseTimeframe(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}
