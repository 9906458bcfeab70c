// Package regress provides concrete forecast.Capability backends.
//
// Every backend maps a fixed-length window of normalized prices to one
// predicted next value and can encode its trained model for reuse.
package regress

import (
	"encoding/json"
	"fmt"
	"strings"

	"pricecast/internal/forecast"
)

const envelopeVersion = 1

// envelope wraps every encoded model so a blob written by one backend is never
// decoded by another.
type envelope struct {
	Kind    string          `json:"kind"`
	Version int             `json:"version"`
	Window  int             `json:"window"`
	Payload json.RawMessage `json:"payload"`
}

func encode(kind string, window int, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s model: %w", kind, err)
	}
	return json.Marshal(envelope{Kind: kind, Version: envelopeVersion, Window: window, Payload: raw})
}

func decode(kind string, blob []byte, dest any) (int, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return 0, fmt.Errorf("unmarshal model envelope: %w", err)
	}
	if env.Kind != kind {
		return 0, fmt.Errorf("model kind %q, want %q", env.Kind, kind)
	}
	if env.Version != envelopeVersion {
		return 0, fmt.Errorf("model version %d not supported", env.Version)
	}
	if err := json.Unmarshal(env.Payload, dest); err != nil {
		return 0, fmt.Errorf("unmarshal %s model: %w", kind, err)
	}
	return env.Window, nil
}

// checkTrainingSet verifies that inputs and targets pair up and that every
// window has the same width, which it returns.
func checkTrainingSet(inputs [][]float64, targets []float64) (int, error) {
	if len(inputs) == 0 {
		return 0, fmt.Errorf("%w: empty training set", forecast.ErrTraining)
	}
	if len(inputs) != len(targets) {
		return 0, fmt.Errorf("%w: %d inputs, %d targets", forecast.ErrTraining, len(inputs), len(targets))
	}
	window := len(inputs[0])
	if window == 0 {
		return 0, fmt.Errorf("%w: zero-width window", forecast.ErrTraining)
	}
	for i, w := range inputs {
		if len(w) != window {
			return 0, fmt.Errorf("%w: window %d has width %d, want %d", forecast.ErrTraining, i, len(w), window)
		}
	}
	return window, nil
}

func checkWindow(window []float64, want int) error {
	if len(window) != want {
		return fmt.Errorf("%w: window width %d, model expects %d", forecast.ErrInference, len(window), want)
	}
	return nil
}

// ByName returns a backend with default settings. Known names are
// "mean", "ema", "linear" and "mlp".
func ByName(name string, seed uint64) (forecast.Capability, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mean":
		return WindowMean{}, nil
	case "ema":
		return EMA{}, nil
	case "linear", "":
		return NewLinear(DefaultRidge), nil
	case "mlp":
		cfg := DefaultMLPConfig()
		cfg.Seed = seed
		return NewMLP(cfg), nil
	default:
		return nil, fmt.Errorf("unknown regression backend %q", name)
	}
}
