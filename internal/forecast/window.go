package forecast

import "fmt"

// BuildWindows slides a window of size values across series and returns one
// (input, target) pair per element. Target indices below size are clamped to
// size, so the first size+1 pairs share the same window and target.
func BuildWindows(series []float64, size int) ([][]float64, []float64, error) {
	if size < 1 {
		return nil, nil, fmt.Errorf("%w: window size %d", ErrInvalidArgument, size)
	}
	if len(series) <= size {
		return nil, nil, fmt.Errorf("%w: %d prices cannot fill a window of %d plus a target",
			ErrInvalidSeries, len(series), size)
	}

	inputs := make([][]float64, len(series))
	targets := make([]float64, len(series))
	for i := range series {
		t := i
		if t < size {
			t = size
		}
		w := make([]float64, size)
		copy(w, series[t-size:t])
		inputs[i] = w
		targets[i] = series[t]
	}
	return inputs, targets, nil
}
