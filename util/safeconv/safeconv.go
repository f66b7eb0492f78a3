package safeconv

import (
	"math"
	"time"
)

// IntSliceToUint32Slice converts token ids returned as int, clamping into [0, MaxUint32].
func IntSliceToUint32Slice(input []int) []uint32 {
	out := make([]uint32, len(input))
	for i, v := range input {
		switch {
		case v < 0:
			out[i] = 0
		case uint64(v) > math.MaxUint32:
			out[i] = math.MaxUint32
		default:
			out[i] = uint32(v)
		}
	}
	return out
}

// Uint32SliceToIntSlice widens token ids so they can back an Int tensor.
func Uint32SliceToIntSlice(input []uint32) []int {
	out := make([]int, len(input))
	for i, v := range input {
		out[i] = int(v)
	}
	return out
}

// DurationToU64 converts a duration to a nanosecond counter. Negative durations map to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115 negatives handled above
}

// U64ToDuration converts a nanosecond counter back to a duration, clamping at MaxInt64.
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}
