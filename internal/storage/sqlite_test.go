package storage

import (
	"testing"
	"time"
)

func TestTimeEncodingOrdersLexicographically(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	// The sqlite driver compares encoded timestamps as strings, so the
	// encoding must sort in chronological order. Whole seconds are the
	// trap: with trailing zeros trimmed, "10:00:00Z" would compare
	// greater than "10:00:00.5Z".
	tests := []struct {
		name string
		a, b time.Time
	}{
		{name: "whole second before fraction", a: base, b: base.Add(500 * time.Millisecond)},
		{name: "fraction before next whole second", a: base.Add(500 * time.Millisecond), b: base.Add(time.Second)},
		{name: "nanosecond apart", a: base, b: base.Add(time.Nanosecond)},
		{name: "whole seconds apart", a: base, b: base.Add(time.Minute)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ea, eb := fmtTime(tt.a), fmtTime(tt.b)
			if ea >= eb {
				t.Fatalf("fmtTime(%v) = %q not < fmtTime(%v) = %q", tt.a, ea, tt.b, eb)
			}
			if got := parseTime(ea); !got.Equal(tt.a) {
				t.Fatalf("round trip: parseTime(%q) = %v, want %v", ea, got, tt.a)
			}
		})
	}
}

func TestParseTimeAcceptsTrimmedFractions(t *testing.T) {
	t.Parallel()
	// Values written before the fixed-width layout may lack trailing
	// zeros; reads must still handle them.
	want := time.Date(2026, 8, 25, 10, 0, 0, 500000000, time.UTC)
	if got := parseTime("2026-08-25T10:00:00.5Z"); !got.Equal(want) {
		t.Fatalf("parseTime = %v, want %v", got, want)
	}
	if got := parseTime("2026-08-25T10:00:00Z"); !got.Equal(want.Truncate(time.Second)) {
		t.Fatalf("parseTime whole second = %v", got)
	}
}
