package forecast

import "context"

// Model is an opaque trained regression model. It is produced once by a
// Capability and never mutated afterwards.
type Model any

// Capability trains a regression model on fixed-length windows and evaluates
// it on a single window.
type Capability interface {
	// Train fits a model. It may take a long time; failures should wrap ErrTraining.
	Train(ctx context.Context, inputs [][]float64, targets []float64) (Model, error)

	// Predict returns the next normalized value for window. It must be a pure
	// function of (m, window) and wrap ErrInference on a malformed window.
	Predict(m Model, window []float64) (float64, error)
}

// ModelCodec is implemented by capabilities whose models can be persisted.
type ModelCodec interface {
	EncodeModel(m Model) ([]byte, error)
	DecodeModel(blob []byte) (Model, error)
}

// BlobStore persists encoded models between runs. Load returns an error
// wrapping ErrBlobNotFound when nothing is stored under key.
type BlobStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, blob []byte) error
}
