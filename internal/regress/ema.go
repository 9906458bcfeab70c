package regress

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"pricecast/internal/forecast"
)

// EMA predicts the exponential moving average of the window: the first Period
// values seed a simple average, the rest update it with multiplier
// 2/(Period+1). Period 0 uses half the window width.
type EMA struct {
	Period int
}

type emaModel struct {
	Window     int     `json:"window"`
	Period     int     `json:"period"`
	Multiplier float64 `json:"multiplier"`
}

// Train fixes the period and multiplier for the training window width.
func (e EMA) Train(_ context.Context, inputs [][]float64, targets []float64) (forecast.Model, error) {
	window, err := checkTrainingSet(inputs, targets)
	if err != nil {
		return nil, err
	}
	period := e.Period
	if period <= 0 {
		period = max(1, window/2)
	}
	if period > window {
		return nil, fmt.Errorf("%w: ema period %d exceeds window %d", forecast.ErrTraining, period, window)
	}
	return &emaModel{Window: window, Period: period, Multiplier: 2.0 / float64(period+1)}, nil
}

// Predict returns the EMA of window.
func (e EMA) Predict(m forecast.Model, window []float64) (float64, error) {
	em, ok := m.(*emaModel)
	if !ok {
		return 0, fmt.Errorf("%w: model type %T", forecast.ErrInference, m)
	}
	if err := checkWindow(window, em.Window); err != nil {
		return 0, err
	}

	current := stat.Mean(window[:em.Period], nil)
	for _, price := range window[em.Period:] {
		current = price*em.Multiplier + current*(1-em.Multiplier)
	}
	return current, nil
}

// EncodeModel wraps the model in an "ema" envelope.
func (e EMA) EncodeModel(m forecast.Model) ([]byte, error) {
	em, ok := m.(*emaModel)
	if !ok {
		return nil, fmt.Errorf("encode ema model: unexpected type %T", m)
	}
	return encode("ema", em.Window, em)
}

// DecodeModel rejects envelopes of another kind or an inconsistent period.
func (e EMA) DecodeModel(blob []byte) (forecast.Model, error) {
	var em emaModel
	window, err := decode("ema", blob, &em)
	if err != nil {
		return nil, err
	}
	if em.Window != window || em.Period <= 0 || em.Period > em.Window || em.Multiplier <= 0 || em.Multiplier > 1 {
		return nil, fmt.Errorf("decode ema model: inconsistent window=%d period=%d multiplier=%v",
			em.Window, em.Period, em.Multiplier)
	}
	return &em, nil
}
