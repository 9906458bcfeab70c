package forecast

// FixNegatives returns a copy of seq where every negative price after the
// first is replaced by its (already corrected) predecessor. Index 0 is kept
// as-is even when negative.
func FixNegatives(seq []float64) []float64 {
	out := make([]float64, len(seq))
	copy(out, seq)
	for i := 1; i < len(out); i++ {
		if out[i] < 0 {
			out[i] = out[i-1]
		}
	}
	return out
}
