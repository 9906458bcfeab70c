package regress

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"pricecast/internal/forecast"
)

// WindowMean predicts the arithmetic mean of its input window. Training only
// records the window width.
type WindowMean struct{}

type meanModel struct {
	Window int `json:"window"`
}

// Train records the window width; there is nothing to fit.
func (WindowMean) Train(_ context.Context, inputs [][]float64, targets []float64) (forecast.Model, error) {
	window, err := checkTrainingSet(inputs, targets)
	if err != nil {
		return nil, err
	}
	return &meanModel{Window: window}, nil
}

// Predict returns the mean of window.
func (WindowMean) Predict(m forecast.Model, window []float64) (float64, error) {
	mm, ok := m.(*meanModel)
	if !ok {
		return 0, fmt.Errorf("%w: model type %T", forecast.ErrInference, m)
	}
	if err := checkWindow(window, mm.Window); err != nil {
		return 0, err
	}
	return stat.Mean(window, nil), nil
}

// EncodeModel wraps the model in a "mean" envelope.
func (WindowMean) EncodeModel(m forecast.Model) ([]byte, error) {
	mm, ok := m.(*meanModel)
	if !ok {
		return nil, fmt.Errorf("encode mean model: unexpected type %T", m)
	}
	return encode("mean", mm.Window, mm)
}

// DecodeModel rejects envelopes of another kind or a non-positive window.
func (WindowMean) DecodeModel(blob []byte) (forecast.Model, error) {
	var mm meanModel
	if _, err := decode("mean", blob, &mm); err != nil {
		return nil, err
	}
	if mm.Window <= 0 {
		return nil, fmt.Errorf("decode mean model: window %d", mm.Window)
	}
	return &mm, nil
}
