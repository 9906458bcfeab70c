package forecast

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"pricecast/internal/metrics"
)

const (
	// DefaultWindowSize is the number of trading days fed to the model.
	DefaultWindowSize = 28

	defaultStoreTimeout = 5 * time.Second
)

// Option configures a Forecaster.
type Option func(*options)

type options struct {
	windowSize   int
	scaleValues  bool
	noise        NoiseBand
	background   bool
	rng          *rand.Rand
	logger       *slog.Logger
	metrics      *metrics.Metrics
	symbol       string
	store        BlobStore
	storeKey     string
	storeTimeout time.Duration
}

func defaultOptions() options {
	return options{
		windowSize:   DefaultWindowSize,
		scaleValues:  true,
		noise:        DefaultNoiseBand,
		background:   true,
		storeTimeout: defaultStoreTimeout,
	}
}

// WithWindowSize sets the training window width in days.
func WithWindowSize(n int) Option {
	return func(o *options) {
		o.windowSize = n
	}
}

// WithScaling enables normalization by the series maximum plus training noise.
// When disabled the series is used as-is and no noise is drawn.
func WithScaling(enabled bool) Option {
	return func(o *options) {
		o.scaleValues = enabled
	}
}

// WithNoise sets the multiplicative noise band. NoiseBand{} disables noise.
func WithNoise(b NoiseBand) Option {
	return func(o *options) {
		o.noise = b
	}
}

// WithBackground controls whether training runs on its own goroutine.
func WithBackground(enabled bool) Option {
	return func(o *options) {
		o.background = enabled
	}
}

// WithRand sets the random source used to draw training noise.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) {
		o.rng = rng
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSymbol labels logs and metrics with the instrument symbol.
func WithSymbol(symbol string) Option {
	return func(o *options) {
		o.symbol = symbol
	}
}

// WithStore enables load-or-train: a model stored under key is reused instead
// of training, and a freshly trained model is saved there.
func WithStore(store BlobStore, key string) Option {
	return func(o *options) {
		o.store = store
		o.storeKey = key
	}
}

// WithStoreTimeout bounds each model store round trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) {
		o.storeTimeout = d
	}
}
