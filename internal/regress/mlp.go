package regress

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"pricecast/internal/forecast"
)

// MLPConfig configures the dense network backend.
type MLPConfig struct {
	Hidden       int
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         uint64
}

// DefaultMLPConfig mirrors the small network the simulator shipped with:
// one tanh layer of 128 units, Adam at 0.001 for 10 epochs.
func DefaultMLPConfig() MLPConfig {
	return MLPConfig{
		Hidden:       128,
		Epochs:       10,
		BatchSize:    32,
		LearningRate: 0.001,
		Seed:         1,
	}
}

// MLP is a one-hidden-layer network with a ReLU output, since prices cannot
// be negative. Training is deterministic for a given Seed.
type MLP struct {
	cfg MLPConfig
}

// NewMLP returns a network backend; zero fields fall back to defaults.
func NewMLP(cfg MLPConfig) *MLP {
	def := DefaultMLPConfig()
	if cfg.Hidden <= 0 {
		cfg.Hidden = def.Hidden
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = def.Epochs
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	return &MLP{cfg: cfg}
}

// MLPModel stores all weights in one flat slice:
// W1 (Hidden×Window, row-major), B1 (Hidden), W2 (Hidden), B2 (1).
type MLPModel struct {
	Window int       `json:"window"`
	Hidden int       `json:"hidden"`
	Params []float64 `json:"params"`
}

func paramCount(window, hidden int) int {
	return hidden*window + hidden + hidden + 1
}

func (m *MLPModel) split(p []float64) (w1, b1, w2 []float64, b2 *float64) {
	hw := m.Hidden * m.Window
	return p[:hw], p[hw : hw+m.Hidden], p[hw+m.Hidden : hw+2*m.Hidden], &p[hw+2*m.Hidden]
}

// forward fills h with hidden activations and returns the output
// pre-activation z and the prediction relu(z).
func (m *MLPModel) forward(x, h []float64) (z, y float64) {
	w1, b1, w2, b2 := m.split(m.Params)
	z = *b2
	for j := 0; j < m.Hidden; j++ {
		a := b1[j] + floats.Dot(w1[j*m.Window:(j+1)*m.Window], x)
		h[j] = math.Tanh(a)
		z += w2[j] * h[j]
	}
	return z, math.Max(0, z)
}

// Train runs seeded mini-batch Adam for the configured number of epochs.
// It fails with ErrTraining when ctx is cancelled or the loss diverges.
func (n *MLP) Train(ctx context.Context, inputs [][]float64, targets []float64) (forecast.Model, error) {
	window, err := checkTrainingSet(inputs, targets)
	if err != nil {
		return nil, err
	}
	cfg := n.cfg
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	m := &MLPModel{Window: window, Hidden: cfg.Hidden, Params: make([]float64, paramCount(window, cfg.Hidden))}
	w1, _, w2, b2 := m.split(m.Params)
	scale1 := 1 / math.Sqrt(float64(window))
	for i := range w1 {
		w1[i] = rng.NormFloat64() * scale1
	}
	scale2 := 1 / math.Sqrt(float64(cfg.Hidden))
	for i := range w2 {
		w2[i] = rng.NormFloat64() * scale2
	}
	// Start the output above zero so the ReLU does not begin dead.
	*b2 = stat.Mean(targets, nil)

	opt := newAdam(len(m.Params), cfg.LearningRate)
	grad := make([]float64, len(m.Params))
	h := make([]float64, cfg.Hidden)

	var loss float64
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", forecast.ErrTraining, err)
		}
		loss = 0
		perm := rng.Perm(len(inputs))
		for start := 0; start < len(perm); start += cfg.BatchSize {
			end := min(start+cfg.BatchSize, len(perm))
			clear(grad)
			for _, idx := range perm[start:end] {
				loss += m.accumulate(inputs[idx], targets[idx], h, grad)
			}
			floats.Scale(1/float64(end-start), grad)
			opt.step(m.Params, grad)
		}
		loss /= float64(len(inputs))
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return nil, fmt.Errorf("%w: loss diverged at epoch %d", forecast.ErrTraining, epoch)
		}
	}
	return m, nil
}

// accumulate adds the squared-error gradient of one sample to grad and
// returns the sample loss.
func (m *MLPModel) accumulate(x []float64, target float64, h, grad []float64) float64 {
	z, y := m.forward(x, h)
	diff := y - target
	if z <= 0 {
		return diff * diff
	}
	dz := 2 * diff

	_, _, w2, _ := m.split(m.Params)
	gw1, gb1, gw2, gb2 := m.split(grad)
	*gb2 += dz
	for j := 0; j < m.Hidden; j++ {
		gw2[j] += dz * h[j]
		da := dz * w2[j] * (1 - h[j]*h[j])
		gb1[j] += da
		floats.AddScaled(gw1[j*m.Window:(j+1)*m.Window], da, x)
	}
	return diff * diff
}

// Predict runs one forward pass.
func (n *MLP) Predict(m forecast.Model, window []float64) (float64, error) {
	mm, ok := m.(*MLPModel)
	if !ok {
		return 0, fmt.Errorf("%w: model type %T", forecast.ErrInference, m)
	}
	if err := checkWindow(window, mm.Window); err != nil {
		return 0, err
	}
	_, y := mm.forward(window, make([]float64, mm.Hidden))
	return y, nil
}

// EncodeModel wraps an MLPModel in an "mlp" envelope.
func (n *MLP) EncodeModel(m forecast.Model) ([]byte, error) {
	mm, ok := m.(*MLPModel)
	if !ok {
		return nil, fmt.Errorf("encode mlp model: unexpected type %T", m)
	}
	return encode("mlp", mm.Window, mm)
}

// DecodeModel rejects envelopes of another kind or an inconsistent shape.
func (n *MLP) DecodeModel(blob []byte) (forecast.Model, error) {
	var mm MLPModel
	window, err := decode("mlp", blob, &mm)
	if err != nil {
		return nil, err
	}
	if mm.Window != window || mm.Window <= 0 || mm.Hidden <= 0 || len(mm.Params) != paramCount(mm.Window, mm.Hidden) {
		return nil, fmt.Errorf("decode mlp model: inconsistent shape window=%d hidden=%d params=%d",
			mm.Window, mm.Hidden, len(mm.Params))
	}
	return &mm, nil
}

// adam is the Adam optimizer over a flat parameter vector.
type adam struct {
	lr, beta1, beta2, eps float64
	m, v                  []float64
	t                     int
}

func newAdam(n int, lr float64) *adam {
	return &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-7,
		m:     make([]float64, n),
		v:     make([]float64, n),
	}
}

func (a *adam) step(params, grad []float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		params[i] -= a.lr * (a.m[i] / c1) / (math.Sqrt(a.v[i]/c2) + a.eps)
	}
}
