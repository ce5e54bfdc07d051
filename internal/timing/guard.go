// Package timing guarantees duration accounting for units of work.
//
// Track records wall-clock start/end timestamps and a monotonic duration on
// every exit path — normal return or panic — so downstream metric code never
// sees a missing or negative duration.
package timing

import "time"

// Record holds the timing of one unit of work. StartTime and EndTime are
// wall-clock; TotalDurationMs comes from the monotonic clock reading that
// time.Since carries, so clock adjustments cannot produce garbage deltas.
type Record struct {
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	TotalDurationMs int64     `json:"total_duration_ms"`
}

// Track runs fn and stamps rec on every exit path. The recorded duration is
// never below 1ms. Panics propagate after the record is stamped.
func Track(rec *Record, fn func() error) error {
	start := time.Now()
	rec.StartTime = start
	defer func() {
		rec.EndTime = time.Now()
		ms := time.Since(start).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		rec.TotalDurationMs = ms
	}()
	return fn()
}

// SafeDivide returns numerator/denominator, or fallback when the denominator
// is zero. Metric ratios must not take down a progress write.
func SafeDivide(numerator, denominator, fallback float64) float64 {
	if denominator == 0 {
		return fallback
	}
	return numerator / denominator
}

// SafeDurationSeconds converts a millisecond duration to seconds, returning
// fallback for a nil or non-positive input.
func SafeDurationSeconds(ms *int64, fallback float64) float64 {
	if ms == nil || *ms <= 0 {
		return fallback
	}
	return float64(*ms) / 1000.0
}
