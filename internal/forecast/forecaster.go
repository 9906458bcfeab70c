// Package forecast turns a daily close series into multi-day price forecasts.
//
// A Forecaster sanitizes and scales the series, cuts it into supervised
// windows, trains a Capability in the background and rolls the trained model
// forward autoregressively. Forecasts are cached per instance: once horizon k
// has been returned it never changes, even for longer requests.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// State is the training lifecycle of a Forecaster.
type State int32

const (
	StateUninitialized State = 0
	StateTraining      State = 1 // model not yet published; also terminal on failure
	StateReady         State = 2
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateTraining:
		return "training"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// published pairs the model with readiness. Storing it is the single
// publish point; a reader that sees it sees a fully trained model.
type published struct {
	model  Model
	loaded bool
}

// Forecaster owns one trained model, its rollout seed and its result cache.
// PredictFuture is safe for concurrent use.
type Forecaster struct {
	opts       options
	capability Capability
	log        *slog.Logger

	factor  float64
	inputs  [][]float64
	targets []float64
	seed    []float64 // last training window

	state atomic.Int32
	model atomic.Pointer[published]
	done  chan struct{}

	errMu    sync.Mutex
	trainErr error

	mu    sync.Mutex // guards cache across read, reconcile and extend
	cache *ResultCache
}

// New validates series, builds the training set and schedules training.
// Series and window problems are returned synchronously; training failures
// are only logged and reported through Err.
func New(series []float64, capability Capability, opts ...Option) (*Forecaster, error) {
	if capability == nil {
		return nil, fmt.Errorf("%w: nil capability", ErrInvalidArgument)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	if o.symbol != "" {
		logger = logger.With(slog.String("symbol", o.symbol))
	}

	f := &Forecaster{
		opts:       o,
		capability: capability,
		log:        logger,
		done:       make(chan struct{}),
		cache:      NewResultCache(),
	}
	if err := f.prepare(series); err != nil {
		return nil, err
	}

	f.state.Store(int32(StateTraining))
	f.observeReady(false)
	if o.background {
		go f.run()
	} else {
		f.run()
	}
	return f, nil
}

// prepare builds the training pairs and the rollout seed.
func (f *Forecaster) prepare(series []float64) error {
	clean := Sanitize(series)
	factor, err := ComputeFactor(clean)
	if err != nil {
		return err
	}

	noise := 1.0
	if f.opts.scaleValues {
		noise = f.opts.noise.Draw(f.opts.rng)
	} else {
		factor = 1
	}
	f.factor = factor

	inputs, targets, err := BuildWindows(Normalize(clean, factor, noise), f.opts.windowSize)
	if err != nil {
		return err
	}
	f.inputs = inputs
	f.targets = targets
	f.seed = inputs[len(inputs)-1]

	f.log.Debug("training set built",
		slog.Int("prices", len(clean)),
		slog.Int("dropped_sentinels", len(series)-len(clean)),
		slog.Int("window", f.opts.windowSize),
		slog.Float64("factor", factor),
		slog.Float64("noise", noise),
	)
	return nil
}

// run is the training task. It publishes the model as its final state change.
func (f *Forecaster) run() {
	defer close(f.done)
	ctx := context.Background()

	if f.loadModel(ctx) {
		return
	}

	f.log.Info("training started", slog.Int("pairs", len(f.inputs)))
	start := time.Now()
	m, err := f.capability.Train(ctx, f.inputs, f.targets)
	elapsed := time.Since(start)
	if err == nil && m == nil {
		err = fmt.Errorf("capability returned no model")
	}
	if err != nil {
		if !errors.Is(err, ErrTraining) {
			err = fmt.Errorf("%w: %v", ErrTraining, err)
		}
		f.errMu.Lock()
		f.trainErr = err
		f.errMu.Unlock()
		f.log.Error("training failed", slog.Any("error", err), slog.Duration("elapsed", elapsed))
		if f.opts.metrics != nil {
			f.opts.metrics.TrainingFailures.WithLabelValues(f.opts.symbol).Inc()
		}
		return
	}
	if f.opts.metrics != nil {
		f.opts.metrics.TrainingDur.WithLabelValues(f.opts.symbol).Observe(elapsed.Seconds())
	}

	f.publish(m, false)
	f.log.Info("training finished", slog.Duration("elapsed", elapsed))
	f.saveModel(ctx, m)
}

func (f *Forecaster) publish(m Model, loaded bool) {
	f.model.Store(&published{model: m, loaded: loaded})
	f.state.Store(int32(StateReady))
	f.observeReady(true)
}

// loadModel tries the configured store. Any failure falls back to training.
func (f *Forecaster) loadModel(ctx context.Context) bool {
	codec, ok := f.capability.(ModelCodec)
	if f.opts.store == nil || f.opts.storeKey == "" || !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.storeTimeout)
	defer cancel()

	blob, err := f.opts.store.Load(ctx, f.opts.storeKey)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			f.storeOp("load", "miss")
			f.log.Info("no stored model, training", slog.String("key", f.opts.storeKey))
		} else {
			f.storeOp("load", "error")
			f.log.Warn("model load failed, training", slog.String("key", f.opts.storeKey), slog.Any("error", err))
		}
		return false
	}

	m, err := codec.DecodeModel(blob)
	if err == nil {
		// A stored model trained on a different window width is unusable.
		_, err = f.capability.Predict(m, f.seed)
	}
	if err != nil {
		f.storeOp("load", "error")
		f.log.Warn("stored model rejected, training", slog.String("key", f.opts.storeKey), slog.Any("error", err))
		return false
	}

	f.storeOp("load", "ok")
	f.publish(m, true)
	f.log.Info("model loaded from store", slog.String("key", f.opts.storeKey))
	return true
}

// saveModel persists m best-effort; failures never affect readiness.
func (f *Forecaster) saveModel(ctx context.Context, m Model) {
	codec, ok := f.capability.(ModelCodec)
	if f.opts.store == nil || f.opts.storeKey == "" || !ok {
		return
	}

	blob, err := codec.EncodeModel(m)
	if err != nil {
		f.storeOp("save", "error")
		f.log.Warn("model encode failed", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.storeTimeout)
	defer cancel()
	if err := f.opts.store.Save(ctx, f.opts.storeKey, blob); err != nil {
		f.storeOp("save", "error")
		f.log.Warn("model save failed", slog.String("key", f.opts.storeKey), slog.Any("error", err))
		return
	}
	f.storeOp("save", "ok")
	f.log.Debug("model saved", slog.String("key", f.opts.storeKey), slog.Int("bytes", len(blob)))
}

// IsReady reports whether a trained model has been published.
func (f *Forecaster) IsReady() bool {
	return f.model.Load() != nil
}

// State returns the current lifecycle state.
func (f *Forecaster) State() State {
	if f.model.Load() != nil {
		return StateReady
	}
	return State(f.state.Load())
}

// Loaded reports whether the published model came from the store.
func (f *Forecaster) Loaded() bool {
	p := f.model.Load()
	return p != nil && p.loaded
}

// Done is closed once the training attempt has finished, successfully or not.
func (f *Forecaster) Done() <-chan struct{} {
	return f.done
}

// Err returns the training failure, if any. A Forecaster with a non-nil Err
// never becomes ready.
func (f *Forecaster) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.trainErr
}

// Factor returns the scaling factor between normalized and real prices.
func (f *Forecaster) Factor() float64 { return f.factor }

// CacheLen returns the number of cached forecast days.
func (f *Forecaster) CacheLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.Len()
}

// TrainingSet returns copies of the training inputs and targets.
func (f *Forecaster) TrainingSet() ([][]float64, []float64) {
	inputs := make([][]float64, len(f.inputs))
	for i, w := range f.inputs {
		inputs[i] = append([]float64(nil), w...)
	}
	return inputs, append([]float64(nil), f.targets...)
}

// PredictFuture returns horizon forecast prices starting at the first future
// day. It returns an empty slice while the model is not ready and never
// blocks on training. Days returned once are returned identically forever.
func (f *Forecaster) PredictFuture(horizon int) ([]float64, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("%w: horizon %d must be positive", ErrInvalidArgument, horizon)
	}
	p := f.model.Load()
	if p == nil {
		return []float64{}, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cache.Len() >= horizon {
		if f.opts.metrics != nil {
			f.opts.metrics.CacheHits.WithLabelValues(f.opts.symbol).Inc()
		}
		return f.cache.Read(horizon)
	}
	if f.opts.metrics != nil {
		f.opts.metrics.CacheMisses.WithLabelValues(f.opts.symbol).Inc()
	}

	start := time.Now()
	raw, err := f.rollout(p.model, horizon)
	if err != nil {
		f.log.Error("rollout failed", slog.Int("horizon", horizon), slog.Any("error", err))
		if f.opts.metrics != nil {
			f.opts.metrics.InferenceErrors.WithLabelValues(f.opts.symbol).Inc()
		}
		return nil, err
	}

	results := make([]float64, horizon)
	for i, v := range raw {
		results[i] = Denormalize(v, f.factor)
	}
	results = FixNegatives(results)

	f.cache.Reconcile(results)
	if err := f.cache.Extend(0, results); err != nil {
		return nil, err
	}

	if f.opts.metrics != nil {
		f.opts.metrics.RolloutDur.WithLabelValues(f.opts.symbol).Observe(time.Since(start).Seconds())
		f.opts.metrics.CacheLen.WithLabelValues(f.opts.symbol).Set(float64(f.cache.Len()))
	}
	return results, nil
}

// rollout feeds the model its own predictions for horizon steps, starting
// from a copy of the seed window. Values stay in normalized space.
func (f *Forecaster) rollout(m Model, horizon int) ([]float64, error) {
	window := make([]float64, len(f.seed))
	copy(window, f.seed)

	out := make([]float64, 0, horizon)
	for step := 0; step < horizon; step++ {
		v, err := f.capability.Predict(m, window)
		if err != nil {
			if !errors.Is(err, ErrInference) {
				err = fmt.Errorf("%w: %v", ErrInference, err)
			}
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			f.log.Warn("non-finite prediction carried forward", slog.Int("step", step))
			v = window[len(window)-1]
		}
		out = append(out, v)

		copy(window, window[1:])
		window[len(window)-1] = v
	}
	return out, nil
}

func (f *Forecaster) observeReady(ready bool) {
	if f.opts.metrics == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	f.opts.metrics.Ready.WithLabelValues(f.opts.symbol).Set(v)
}

func (f *Forecaster) storeOp(op, result string) {
	if f.opts.metrics != nil {
		f.opts.metrics.ModelStoreOps.WithLabelValues(op, result).Inc()
	}
}
