package regress

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"pricecast/internal/forecast"
)

// DefaultRidge keeps the normal equations solvable when windows are
// collinear, as they are for any linear price trend.
const DefaultRidge = 1e-4

// Linear fits y = w·x + b by ridge-regularized least squares.
type Linear struct {
	Ridge float64
}

// NewLinear returns a ridge regression backend.
func NewLinear(ridge float64) *Linear {
	return &Linear{Ridge: ridge}
}

// LinearModel is a trained Linear model.
type LinearModel struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// Train fits the ridge regression by a Cholesky solve of the normal equations.
func (l *Linear) Train(ctx context.Context, inputs [][]float64, targets []float64) (forecast.Model, error) {
	window, err := checkTrainingSet(inputs, targets)
	if err != nil {
		return nil, err
	}

	// Normal equations over [x, 1]: (XᵀX + λI) θ = Xᵀy, bias unregularized.
	n := window + 1
	xtx := mat.NewSymDense(n, nil)
	xty := mat.NewVecDense(n, nil)
	row := mat.NewVecDense(n, nil)
	for s, x := range inputs {
		if s%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", forecast.ErrTraining, err)
			}
		}
		for i, v := range x {
			row.SetVec(i, v)
		}
		row.SetVec(window, 1)
		xtx.SymRankOne(xtx, 1, row)
		xty.AddScaledVec(xty, targets[s], row)
	}
	for i := 0; i < window; i++ {
		xtx.SetSym(i, i, xtx.At(i, i)+l.Ridge)
	}

	var chol mat.Cholesky
	if !chol.Factorize(xtx) {
		return nil, fmt.Errorf("%w: normal equations are singular", forecast.ErrTraining)
	}
	var theta mat.VecDense
	if err := chol.SolveVecTo(&theta, xty); err != nil {
		return nil, fmt.Errorf("%w: %v", forecast.ErrTraining, err)
	}

	coef := mat.Col(nil, 0, &theta)
	for i, c := range coef {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("%w: non-finite coefficient %d", forecast.ErrTraining, i)
		}
	}
	return &LinearModel{Weights: coef[:window], Bias: coef[window]}, nil
}

// Predict returns w·window + b.
func (l *Linear) Predict(m forecast.Model, window []float64) (float64, error) {
	lm, ok := m.(*LinearModel)
	if !ok {
		return 0, fmt.Errorf("%w: model type %T", forecast.ErrInference, m)
	}
	if err := checkWindow(window, len(lm.Weights)); err != nil {
		return 0, err
	}
	return floats.Dot(lm.Weights, window) + lm.Bias, nil
}

// EncodeModel wraps a LinearModel in a "linear" envelope.
func (l *Linear) EncodeModel(m forecast.Model) ([]byte, error) {
	lm, ok := m.(*LinearModel)
	if !ok {
		return nil, fmt.Errorf("encode linear model: unexpected type %T", m)
	}
	return encode("linear", len(lm.Weights), lm)
}

// DecodeModel rejects envelopes of another kind or with a weight/window mismatch.
func (l *Linear) DecodeModel(blob []byte) (forecast.Model, error) {
	var lm LinearModel
	window, err := decode("linear", blob, &lm)
	if err != nil {
		return nil, err
	}
	if len(lm.Weights) == 0 || len(lm.Weights) != window {
		return nil, fmt.Errorf("decode linear model: %d weights for window %d", len(lm.Weights), window)
	}
	return &lm, nil
}
