package player

import (
	"fmt"
	"math"
	"time"
)

// Time is a point on the log clock in nanoseconds.
type Time int64

const (
	// MinTime and MaxTime bound open-ended time filters.
	MinTime Time = math.MinInt64
	MaxTime Time = math.MaxInt64
)

// TimeFromSeconds converts fractional seconds to a Time.
func TimeFromSeconds(sec float64) Time {
	return Time(math.Round(sec * 1e9))
}

// Seconds returns t as fractional seconds.
func (t Time) Seconds() float64 {
	return float64(t) / 1e9
}

// Add returns t+d, saturating at MinTime/MaxTime.
func (t Time) Add(d time.Duration) Time {
	if d > 0 && t > MaxTime-Time(d) {
		return MaxTime
	}
	if d < 0 && t < MinTime-Time(d) {
		return MinTime
	}
	return t + Time(d)
}

// Sub returns the duration t-u.
func (t Time) Sub(u Time) time.Duration {
	return time.Duration(t - u)
}

func (t Time) String() string {
	return fmt.Sprintf("%.9fs", t.Seconds())
}

func minTime(a, b Time) Time {
	if a < b {
		return a
	}
	return b
}

func maxTime(a, b Time) Time {
	if a > b {
		return a
	}
	return b
}

// clampTime returns t limited to [lo, hi].
func clampTime(t, lo, hi Time) Time {
	if t < lo {
		return lo
	}
	if t > hi {
		return hi
	}
	return t
}

// Range is a closed time interval [Start, End].
type Range struct {
	Start Time
	End   Time
}
