package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the forecasting pipeline.
type Metrics struct {
	// Training lifecycle, labels: symbol
	TrainingDur      *prometheus.HistogramVec
	TrainingFailures *prometheus.CounterVec
	Ready            *prometheus.GaugeVec // 0=training, 1=ready

	// Rollout and cache, labels: symbol
	RolloutDur      *prometheus.HistogramVec
	InferenceErrors *prometheus.CounterVec
	CacheLen        *prometheus.GaugeVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec

	// Model persistence, labels: op=load|save, result=ok|miss|error
	ModelStoreOps *prometheus.CounterVec

	// Redis model store circuit breaker
	StoreBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	StoreBreakerTrips prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TrainingDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricecast_training_duration_seconds",
			Help:    "Wall-clock time spent training a model",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"symbol"}),
		TrainingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricecast_training_failures_total",
			Help: "Training attempts that ended in an error",
		}, []string{"symbol"}),
		Ready: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricecast_forecaster_ready",
			Help: "Whether the forecaster has a published model",
		}, []string{"symbol"}),

		RolloutDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricecast_rollout_duration_seconds",
			Help:    "Autoregressive rollout latency on cache miss",
			Buckets: prometheus.DefBuckets,
		}, []string{"symbol"}),
		InferenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricecast_inference_errors_total",
			Help: "Rollouts aborted by a model inference error",
		}, []string{"symbol"}),
		CacheLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricecast_cache_length",
			Help: "Number of cached forecast days",
		}, []string{"symbol"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricecast_cache_hits_total",
			Help: "Forecast requests fully served from cache",
		}, []string{"symbol"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricecast_cache_misses_total",
			Help: "Forecast requests that required a rollout",
		}, []string{"symbol"}),

		ModelStoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricecast_model_store_ops_total",
			Help: "Model store loads and saves by outcome",
		}, []string{"op", "result"}),

		StoreBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricecast_store_circuit_breaker_state",
			Help: "Redis model store breaker state (0=closed, 1=open, 2=half-open)",
		}),
		StoreBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricecast_store_circuit_breaker_trips_total",
			Help: "Times the Redis model store breaker opened",
		}),
	}

	reg.MustRegister(
		m.TrainingDur,
		m.TrainingFailures,
		m.Ready,
		m.RolloutDur,
		m.InferenceErrors,
		m.CacheLen,
		m.CacheHits,
		m.CacheMisses,
		m.ModelStoreOps,
		m.StoreBreakerState,
		m.StoreBreakerTrips,
	)

	return m
}

// Symbol states reported by the health endpoint besides the forecaster
// lifecycle states.
const (
	SymbolReady = "ready"
	SymbolError = "error" // no forecaster: history or series rejected, or training failed
)

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	Symbols        map[string]string `json:"symbols"` // symbol → lifecycle state
	RedisConnected bool              `json:"redis_connected"`
	SQLiteOK       bool              `json:"sqlite_ok"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		Symbols:   make(map[string]string),
		StartedAt: time.Now(),
	}
}

// SetSymbolState records the lifecycle state of one forecaster.
func (h *HealthStatus) SetSymbolState(symbol, state string) {
	h.mu.Lock()
	h.Symbols[symbol] = state
	h.mu.Unlock()
}

// SymbolState returns the recorded state of symbol, or "" if unknown.
func (h *HealthStatus) SymbolState(symbol string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Symbols[symbol]
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. Nil clients are skipped.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. The service is healthy once every
// symbol has a ready model, "warming" (503) while any is still training and
// "degraded" (503) when any symbol failed.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	symbols := make([]string, 0, len(h.Symbols))
	var warming, failed bool
	for s, state := range h.Symbols {
		symbols = append(symbols, s)
		switch state {
		case SymbolReady:
		case SymbolError:
			failed = true
		default:
			warming = true
		}
	}
	switch {
	case failed:
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	case warming:
		overallStatus = "warming"
		httpCode = http.StatusServiceUnavailable
	}
	sort.Strings(symbols)

	status := struct {
		Status          string            `json:"status"`
		Uptime          string            `json:"uptime"`
		Symbols         map[string]string `json:"symbols"`
		Order           []string          `json:"order"`
		RedisConnected  bool              `json:"redis_connected"`
		RedisLatencyMs  float64           `json:"redis_latency_ms"`
		SQLiteOK        bool              `json:"sqlite_ok"`
		SQLiteLatencyMs float64           `json:"sqlite_latency_ms"`
		LastCheckAt     string            `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Symbols:         h.Symbols,
		Order:           symbols,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server backed by gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server mux, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
