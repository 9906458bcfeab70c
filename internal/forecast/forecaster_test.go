package forecast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pricecast/internal/metrics"
)

// meanCap predicts the window mean plus a bias. The model is the window width.
type meanCap struct {
	mu       sync.Mutex
	bias     float64
	trains   int
	predicts int
}

func (c *meanCap) Train(ctx context.Context, inputs [][]float64, targets []float64) (Model, error) {
	c.mu.Lock()
	c.trains++
	c.mu.Unlock()
	return len(inputs[0]), nil
}

func (c *meanCap) Predict(m Model, window []float64) (float64, error) {
	if len(window) != m.(int) {
		return 0, fmt.Errorf("%w: window %d, want %d", ErrInference, len(window), m.(int))
	}
	c.mu.Lock()
	c.predicts++
	bias := c.bias
	c.mu.Unlock()
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return sum/float64(len(window)) + bias, nil
}

func (c *meanCap) EncodeModel(m Model) ([]byte, error) {
	return []byte(strconv.Itoa(m.(int))), nil
}

func (c *meanCap) DecodeModel(blob []byte) (Model, error) {
	n, err := strconv.Atoi(string(blob))
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (c *meanCap) setBias(b float64) {
	c.mu.Lock()
	c.bias = b
	c.mu.Unlock()
}

func (c *meanCap) counts() (trains, predicts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trains, c.predicts
}

// blockingCap trains only once release is closed.
type blockingCap struct {
	meanCap
	release chan struct{}
}

func (c *blockingCap) Train(ctx context.Context, inputs [][]float64, targets []float64) (Model, error) {
	<-c.release
	return c.meanCap.Train(ctx, inputs, targets)
}

type failingCap struct{ meanCap }

func (c *failingCap) Train(context.Context, [][]float64, []float64) (Model, error) {
	return nil, errors.New("optimizer exploded")
}

// constCap always predicts v.
type constCap struct {
	meanCap
	v   float64
	err error
}

func (c *constCap) Predict(Model, []float64) (float64, error) {
	return c.v, c.err
}

type memStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	loadErr error
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte)}
}

func (s *memStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	b, ok := s.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, key)
	}
	return b, nil
}

func (s *memStore) Save(_ context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (s *memStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	return b, ok
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ascending(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = float64(i + 1)
	}
	return s
}

func newSync(t *testing.T, series []float64, c Capability, opts ...Option) *Forecaster {
	t.Helper()
	base := []Option{WithBackground(false), WithLogger(quietLogger()), WithNoise(NoiseBand{})}
	f, err := New(series, c, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

func waitDone(t *testing.T, f *Forecaster) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for training")
	}
}

func TestNew_Validation(t *testing.T) {
	nan := math.NaN()
	cases := []struct {
		name   string
		series []float64
		cap    Capability
		opts   []Option
		want   error
	}{
		{"nil capability", ascending(10), nil, nil, ErrInvalidArgument},
		{"empty series", nil, &meanCap{}, nil, ErrInvalidSeries},
		{"all sentinel", []float64{nan, nan, nan}, &meanCap{}, nil, ErrInvalidSeries},
		{"all zero", make([]float64, 50), &meanCap{}, nil, ErrInvalidSeries},
		{"shorter than window", ascending(5), &meanCap{}, []Option{WithWindowSize(5)}, ErrInvalidSeries},
		{"zero window", ascending(10), &meanCap{}, []Option{WithWindowSize(0)}, ErrInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := append([]Option{WithBackground(false), WithLogger(quietLogger())}, tc.opts...)
			_, err := New(tc.series, tc.cap, opts...)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestNew_StripsLeadingSentinels(t *testing.T) {
	nan := math.NaN()
	series := append([]float64{nan, nan, nan}, ascending(10)...)
	f := newSync(t, series, &meanCap{}, WithWindowSize(3))

	inputs, targets := f.TrainingSet()
	if len(inputs) != 10 || len(targets) != 10 {
		t.Fatalf("expected 10 pairs after stripping, got %d", len(inputs))
	}
	if targets[9] != 1 {
		t.Errorf("last target = %v, want 1 (10/10)", targets[9])
	}
}

func TestPredictFuture_NotReadyFailSoft(t *testing.T) {
	c := &blockingCap{release: make(chan struct{})}
	f, err := New(ascending(60), c, WithLogger(quietLogger()), WithWindowSize(5))
	if err != nil {
		t.Fatal(err)
	}

	if f.IsReady() || f.State() != StateTraining {
		t.Fatalf("expected training, got %v", f.State())
	}
	got, err := f.PredictFuture(28)
	if err != nil {
		t.Fatalf("not ready should not error, got %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty slice, got %v", got)
	}
	if f.CacheLen() != 0 {
		t.Errorf("not-ready call must not touch the cache")
	}

	close(c.release)
	waitDone(t, f)
	if !f.IsReady() || f.State() != StateReady {
		t.Fatalf("expected ready after training, got %v", f.State())
	}
	got, err = f.PredictFuture(28)
	if err != nil || len(got) != 28 {
		t.Fatalf("PredictFuture(28) = %d values, %v", len(got), err)
	}
}

func TestPredictFuture_InvalidHorizon(t *testing.T) {
	f := newSync(t, ascending(20), &meanCap{}, WithWindowSize(3))
	for _, h := range []int{0, -1} {
		if _, err := f.PredictFuture(h); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("horizon %d: expected ErrInvalidArgument, got %v", h, err)
		}
	}
}

func TestPredictFuture_EndToEnd(t *testing.T) {
	f := newSync(t, ascending(100), &meanCap{}, WithWindowSize(5))

	if f.Factor() != 100 {
		t.Fatalf("factor = %v, want 100", f.Factor())
	}
	got, err := f.PredictFuture(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 values, got %d", len(got))
	}
	for i, v := range got {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("value[%d] = %v", i, v)
		}
	}
	// Seed is the last training window, days 95..99.
	if math.Abs(got[0]-97) > 1e-9 {
		t.Errorf("first forecast = %v, want 97", got[0])
	}
	if math.Abs(got[1]-97.4) > 1e-9 {
		t.Errorf("second forecast = %v, want 97.4", got[1])
	}
}

func TestPredictFuture_Idempotent(t *testing.T) {
	c := &meanCap{}
	f := newSync(t, ascending(40), c, WithWindowSize(4))

	first, err := f.PredictFuture(6)
	if err != nil {
		t.Fatal(err)
	}
	_, before := c.counts()
	second, err := f.PredictFuture(6)
	if err != nil {
		t.Fatal(err)
	}
	if !equalSlices(first, second) {
		t.Errorf("repeat call differs: %v vs %v", first, second)
	}
	if _, after := c.counts(); after != before {
		t.Errorf("cache hit ran %d extra predictions", after-before)
	}
	shorter, _ := f.PredictFuture(3)
	if !equalSlices(shorter, first[:3]) {
		t.Errorf("shorter horizon %v is not a prefix of %v", shorter, first)
	}
}

func TestPredictFuture_CachedPrefixWins(t *testing.T) {
	c := &meanCap{}
	f := newSync(t, ascending(40), c, WithWindowSize(4))

	short, err := f.PredictFuture(3)
	if err != nil {
		t.Fatal(err)
	}
	// A drifting model would produce different early values; the cache must win.
	c.setBias(0.25)
	long, err := f.PredictFuture(8)
	if err != nil {
		t.Fatal(err)
	}
	if !equalSlices(long[:3], short) {
		t.Errorf("prefix changed: %v vs %v", long[:3], short)
	}
	if f.CacheLen() != 8 {
		t.Errorf("cache len = %d, want 8", f.CacheLen())
	}
	again, _ := f.PredictFuture(8)
	if !equalSlices(again, long) {
		t.Errorf("cache not stable: %v vs %v", again, long)
	}
}

func TestPredictFuture_MonotonicCache(t *testing.T) {
	f := newSync(t, ascending(50), &meanCap{}, WithWindowSize(5))

	prevLen := 0
	for _, h := range []int{2, 7, 3, 7, 12, 1} {
		if _, err := f.PredictFuture(h); err != nil {
			t.Fatal(err)
		}
		if n := f.CacheLen(); n < prevLen || n < h {
			t.Fatalf("after horizon %d cache len = %d (previous %d)", h, n, prevLen)
		}
		prevLen = f.CacheLen()
	}
	if prevLen != 12 {
		t.Errorf("final cache len = %d, want 12", prevLen)
	}
}

func TestPredictFuture_Concurrent(t *testing.T) {
	c := &meanCap{}
	f := newSync(t, ascending(80), c, WithWindowSize(6))

	const workers = 16
	results := make([][]float64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				c.setBias(float64(i) / 1000)
			}
			got, err := f.PredictFuture(i%9 + 1)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			results[i] = got
		}(i)
	}
	wg.Wait()

	final, err := f.PredictFuture(f.CacheLen())
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		if !equalSlices(r, final[:len(r)]) {
			t.Errorf("worker %d saw %v, cache holds %v", i, r, final[:len(r)])
		}
	}
}

func TestPredictFuture_InferenceError(t *testing.T) {
	c := &constCap{err: fmt.Errorf("%w: window length", ErrInference)}
	f := newSync(t, ascending(30), c, WithWindowSize(4))

	_, err := f.PredictFuture(5)
	if !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
	if f.CacheLen() != 0 {
		t.Errorf("failed rollout must not extend the cache")
	}
}

func TestPredictFuture_BareErrorWrappedAsInference(t *testing.T) {
	c := &constCap{err: errors.New("tensor mismatch")}
	f := newSync(t, ascending(30), c, WithWindowSize(4))

	if _, err := f.PredictFuture(2); !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference, got %v", err)
	}
}

func TestPredictFuture_NonFiniteCarriedForward(t *testing.T) {
	c := &constCap{v: math.NaN()}
	f := newSync(t, ascending(100), c, WithWindowSize(5))

	got, err := f.PredictFuture(4)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if math.Abs(v-99) > 1e-9 {
			t.Errorf("value[%d] = %v, want 99", i, v)
		}
	}
}

func TestPredictFuture_NegativeCorrection(t *testing.T) {
	c := &constCap{v: -0.5}
	f := newSync(t, ascending(20), c, WithWindowSize(4))

	got, err := f.PredictFuture(3)
	if err != nil {
		t.Fatal(err)
	}
	// Index 0 is never corrected; later days carry it forward.
	want := []float64{-10, -10, -10}
	if !equalSlices(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestTrainingFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	f := newSync(t, ascending(30), &failingCap{}, WithWindowSize(4), WithMetrics(m), WithSymbol("FAIL"))

	waitDone(t, f)
	if f.IsReady() || f.State() != StateTraining {
		t.Fatalf("failed training must stay in training, got %v", f.State())
	}
	if !errors.Is(f.Err(), ErrTraining) {
		t.Fatalf("expected ErrTraining, got %v", f.Err())
	}
	got, err := f.PredictFuture(5)
	if err != nil || len(got) != 0 {
		t.Errorf("PredictFuture after failure = %v, %v", got, err)
	}
	if v := testutil.ToFloat64(m.TrainingFailures.WithLabelValues("FAIL")); v != 1 {
		t.Errorf("training failures = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.Ready.WithLabelValues("FAIL")); v != 0 {
		t.Errorf("ready gauge = %v, want 0", v)
	}
}

func TestScaling(t *testing.T) {
	t.Run("noise", func(t *testing.T) {
		rng := rand.New(rand.NewPCG(1, 2))
		f := newSync(t, ascending(50), &meanCap{}, WithWindowSize(5), WithRand(rng), WithNoise(DefaultNoiseBand))

		if f.Factor() != 50 {
			t.Fatalf("factor = %v, want 50", f.Factor())
		}
		_, targets := f.TrainingSet()
		noise := targets[len(targets)-1]
		if noise < 0.8 || noise >= 1.2 {
			t.Fatalf("noise %v outside band", noise)
		}
		// One scalar is applied to the whole series.
		for i := 5; i < len(targets); i++ {
			want := float64(i+1) * noise / 50
			if math.Abs(targets[i]-want) > 1e-12 {
				t.Fatalf("target[%d] = %v, want %v", i, targets[i], want)
			}
		}
	})

	t.Run("pinned multiplier", func(t *testing.T) {
		f := newSync(t, ascending(50), &meanCap{}, WithWindowSize(5), WithNoise(NoiseBand{Low: 0.9, High: 0.9}))

		_, targets := f.TrainingSet()
		if got := targets[len(targets)-1]; math.Abs(got-0.9) > 1e-12 {
			t.Errorf("last target = %v, want 0.9", got)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		f := newSync(t, ascending(50), &meanCap{}, WithWindowSize(5), WithScaling(false), WithNoise(DefaultNoiseBand))

		if f.Factor() != 1 {
			t.Fatalf("factor = %v, want 1", f.Factor())
		}
		_, targets := f.TrainingSet()
		if targets[len(targets)-1] != 50 {
			t.Errorf("unscaled last target = %v, want 50", targets[len(targets)-1])
		}
		got, _ := f.PredictFuture(1)
		if math.Abs(got[0]-47) > 1e-9 {
			t.Errorf("forecast = %v, want 47", got[0])
		}
	})
}

func TestLoadOrTrain(t *testing.T) {
	t.Run("stored model skips training", func(t *testing.T) {
		store := newMemStore()
		store.blobs["AAA"] = []byte("5")
		c := &meanCap{}
		f := newSync(t, ascending(30), c, WithWindowSize(5), WithStore(store, "AAA"))

		if !f.IsReady() || !f.Loaded() {
			t.Fatalf("expected loaded model, ready=%v loaded=%v", f.IsReady(), f.Loaded())
		}
		if trains, _ := c.counts(); trains != 0 {
			t.Errorf("trained %d times despite stored model", trains)
		}
		if store.saves != 0 {
			t.Errorf("loaded model must not be saved again")
		}
	})

	t.Run("missing model trains and saves", func(t *testing.T) {
		store := newMemStore()
		c := &meanCap{}
		f := newSync(t, ascending(30), c, WithWindowSize(5), WithStore(store, "AAA"))

		if !f.IsReady() || f.Loaded() {
			t.Fatalf("expected trained model, ready=%v loaded=%v", f.IsReady(), f.Loaded())
		}
		if blob, ok := store.get("AAA"); !ok || string(blob) != "5" {
			t.Errorf("stored blob = %q, %v", blob, ok)
		}
	})

	cases := []struct {
		name string
		blob string
	}{
		{"corrupt blob", "not-a-model"},
		{"window mismatch", "3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			store.blobs["AAA"] = []byte(tc.blob)
			c := &meanCap{}
			f := newSync(t, ascending(30), c, WithWindowSize(5), WithStore(store, "AAA"))

			if !f.IsReady() || f.Loaded() {
				t.Fatalf("expected fallback training, ready=%v loaded=%v", f.IsReady(), f.Loaded())
			}
			if trains, _ := c.counts(); trains != 1 {
				t.Errorf("trains = %d, want 1", trains)
			}
			if blob, _ := store.get("AAA"); string(blob) != "5" {
				t.Errorf("blob not replaced: %q", blob)
			}
		})
	}

	t.Run("store errors never block readiness", func(t *testing.T) {
		store := newMemStore()
		store.loadErr = errors.New("connection refused")
		store.saveErr = errors.New("read-only")
		f := newSync(t, ascending(30), &meanCap{}, WithWindowSize(5), WithStore(store, "AAA"))

		if !f.IsReady() {
			t.Fatal("store failures must not affect readiness")
		}
	})
}

func TestMetrics_CacheAccounting(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	f := newSync(t, ascending(30), &meanCap{}, WithWindowSize(5), WithMetrics(m), WithSymbol("AAA"))

	if v := testutil.ToFloat64(m.Ready.WithLabelValues("AAA")); v != 1 {
		t.Errorf("ready gauge = %v, want 1", v)
	}
	f.PredictFuture(3)
	f.PredictFuture(3)
	f.PredictFuture(2)

	if v := testutil.ToFloat64(m.CacheMisses.WithLabelValues("AAA")); v != 1 {
		t.Errorf("misses = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.CacheHits.WithLabelValues("AAA")); v != 2 {
		t.Errorf("hits = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.CacheLen.WithLabelValues("AAA")); v != 3 {
		t.Errorf("cache len gauge = %v, want 3", v)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateUninitialized: "uninitialized",
		StateTraining:      "training",
		StateReady:         "ready",
		State(9):           "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
