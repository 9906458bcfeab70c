package forecast

import "math"

// Sanitize strips the leading run of missing-data sentinels (NaN) from a raw
// daily close series. It returns the suffix beginning at the first real price,
// or an empty slice when the series holds no prices at all.
func Sanitize(series []float64) []float64 {
	for i, v := range series {
		if !math.IsNaN(v) {
			out := make([]float64, len(series)-i)
			copy(out, series[i:])
			return out
		}
	}
	return []float64{}
}

// ForwardFill replaces interior NaN gaps (non-trading days) with the last seen
// price. The leading sentinel run is left as-is so Sanitize can still strip it.
func ForwardFill(series []float64) []float64 {
	out := make([]float64, len(series))
	last := math.NaN()
	for i, v := range series {
		if math.IsNaN(v) {
			out[i] = last
			continue
		}
		out[i] = v
		last = v
	}
	return out
}
