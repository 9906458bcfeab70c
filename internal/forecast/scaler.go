package forecast

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// DefaultNoiseBand is the multiplicative noise range applied once per
// training-set construction when scaling is enabled.
var DefaultNoiseBand = NoiseBand{Low: 0.8, High: 1.2}

// NoiseBand is a half-open interval [Low, High) from which one scalar is drawn
// per training set. Low == High pins the multiplier to Low. The zero value
// disables noise.
type NoiseBand struct {
	Low  float64
	High float64
}

// Enabled reports whether the band yields a multiplier at all.
func (b NoiseBand) Enabled() bool {
	return b.Low > 0 && b.High >= b.Low
}

// Draw returns one noise multiplier, or 1 when the band is disabled.
func (b NoiseBand) Draw(rng *rand.Rand) float64 {
	if !b.Enabled() {
		return 1
	}
	if b.High == b.Low {
		return b.Low
	}
	return b.Low + rng.Float64()*(b.High-b.Low)
}

// ComputeFactor returns the scaling factor (the series maximum).
func ComputeFactor(series []float64) (float64, error) {
	if len(series) == 0 {
		return 0, fmt.Errorf("%w: empty series", ErrInvalidSeries)
	}
	factor := floats.Max(series)
	if math.IsNaN(factor) || factor <= 0 || math.IsInf(factor, 0) {
		return 0, fmt.Errorf("%w: max %v is not a positive price", ErrInvalidSeries, factor)
	}
	return factor, nil
}

// Normalize maps a real-space series into normalized space. Every element is
// multiplied by noise (pass 1 for none) and divided by factor. Non-finite
// results are repaired by carrying the previous value forward; a non-finite
// first element becomes 0.
func Normalize(series []float64, factor, noise float64) []float64 {
	out := make([]float64, len(series))
	for i, v := range series {
		n := v * noise / factor
		if math.IsNaN(n) || math.IsInf(n, 0) {
			if i == 0 {
				n = 0
			} else {
				n = out[i-1]
			}
		}
		out[i] = n
	}
	return out
}

// Denormalize maps one normalized value back into real price space.
func Denormalize(value, factor float64) float64 {
	return value * factor
}
