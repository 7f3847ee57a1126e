package util

import (
	"strconv"
	"testing"
	"time"
)

func TestParseTimeRFC3339(t *testing.T) {
	s := "2024-10-10T10:10:10Z"
	got, ok := ParseTime(s)
	if !ok {
		t.Fatalf("expected ok")
	}
	if got.Format(time.RFC3339) != s {
		t.Fatalf("unexpected time %v", got)
	}
}

func TestParseTimeUnix(t *testing.T) {
	want := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	got, ok := ParseTime(strconv.FormatInt(want.Unix(), 10))
	if !ok || !got.Equal(want) {
		t.Fatalf("seconds: got %v ok=%v", got, ok)
	}
	got, ok = ParseTime(strconv.FormatInt(want.UnixMilli(), 10))
	if !ok || !got.Equal(want) {
		t.Fatalf("millis: got %v ok=%v", got, ok)
	}
}

func TestParseTimeDefault(t *testing.T) {
	def := time.Date(2024, 10, 10, 10, 10, 10, 0, time.UTC)
	if got := ParseTimeDefault("", def); !got.Equal(def) {
		t.Fatalf("expected default")
	}
	if got := ParseTimeDefault("yesterday", def); !got.Equal(def) {
		t.Fatalf("expected default for garbage")
	}
}

func TestAlignDown(t *testing.T) {
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC).UnixMilli()
	cases := []struct {
		ms   int64
		d    time.Duration
		want int64
	}{
		{base + 59*60*1000, time.Hour, base},
		{base, time.Hour, base},
		{base + 3*time.Hour.Milliseconds(), 4 * time.Hour, base},
		{base + 7, 0, base + 7},
	}
	for _, c := range cases {
		if got := AlignDown(c.ms, c.d); got != c.want {
			t.Fatalf("AlignDown(%d, %s) = %d, want %d", c.ms, c.d, got, c.want)
		}
	}
}
