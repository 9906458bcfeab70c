// cmd/pricecast trains one forecaster per symbol from the SQLite price history
// and prints a multi-day close forecast.
//
// Usage:
//
//	go run ./cmd/pricecast -seed-demo -symbol=ACME,GLOBX -horizon=10
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"pricecast/config"
	"pricecast/internal/calendar"
	"pricecast/internal/forecast"
	"pricecast/internal/logger"
	"pricecast/internal/metrics"
	"pricecast/internal/regress"
	redisstore "pricecast/internal/store/redis"
	sqlitestore "pricecast/internal/store/sqlite"
)

type flags struct {
	configPath string
	symbols    string
	horizon    int
	wait       bool
	seedDemo   bool
	serve      bool
}

// result is the outcome for one symbol.
type result struct {
	symbol string
	state  forecast.State
	loaded bool
	last   time.Time
	prices []float64
	err    error
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config (optional)")
	flag.StringVar(&f.symbols, "symbol", "", "Comma-separated symbols (default: config, then every stored symbol)")
	flag.IntVar(&f.horizon, "horizon", 0, "Days to forecast (0 = forecast.horizon from config)")
	flag.BoolVar(&f.wait, "wait", true, "Wait for training before forecasting")
	flag.BoolVar(&f.seedDemo, "seed-demo", false, "Write a synthetic price history before forecasting")
	flag.BoolVar(&f.serve, "serve", false, "Keep serving /metrics and /healthz after printing")
	flag.Parse()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pricecast: %v\n", err)
		os.Exit(2)
	}
	level, _ := logger.ParseLevel(cfg.Log.Level)
	log := logger.Init("pricecast", level)

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, f, os.Stdout); err != nil {
		log.Error("pricecast failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, f flags, out io.Writer) error {
	horizon := cfg.Forecast.Horizon
	if f.horizon > 0 {
		horizon = f.horizon
	}

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	if cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(cfg.Metrics.Addr, reg, health)
		srv.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(stopCtx)
		}()
	}

	// ---- SQLite: price history, and models when backend=sqlite ----
	if dir := filepath.Dir(cfg.Store.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.Store.SQLitePath})
	if err != nil {
		return fmt.Errorf("sqlite init: %w", err)
	}
	defer db.Close()
	health.SetSQLiteOK(true)

	blobs, rdb := openModelStore(cfg, db, prom, health)
	var redisClient *goredis.Client
	if rdb != nil {
		defer rdb.Close()
		redisClient = rdb.Client()
	}
	health.StartLivenessChecker(ctx, redisClient, db.DB(), 15*time.Second)

	cal, err := calendar.Parse(cfg.Holidays)
	if err != nil {
		return err
	}

	symbols := cfg.Symbols
	if f.symbols != "" {
		symbols = config.ParseSymbols(f.symbols)
	}

	if f.seedDemo {
		demo := symbols
		if len(demo) == 0 {
			demo = defaultDemoSymbols
		}
		closes := demoHistory(cal, demo, demoDays, time.Now().UTC(), cfg.Forecast.NoiseSeed)
		if err := db.WriteCloses(ctx, closes); err != nil {
			return fmt.Errorf("seed demo history: %w", err)
		}
		slog.Info("demo history written", slog.Int("symbols", len(demo)), slog.Int("rows", len(closes)))
	}

	if len(symbols) == 0 {
		if symbols, err = db.Symbols(ctx); err != nil {
			return err
		}
	}
	if len(symbols) == 0 {
		return errors.New("no symbols: pass -symbol, set symbols in config, or use -seed-demo")
	}

	capability, err := regress.ByName(cfg.Forecast.Model, cfg.Forecast.ModelSeed)
	if err != nil {
		return err
	}

	// ---- One forecaster per symbol ----
	results := make([]result, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, sym := range symbols {
		health.SetSymbolState(sym, forecast.StateUninitialized.String())
		g.Go(func() error {
			results[i] = forecastSymbol(logger.WithSymbol(gctx, sym), cfg, db, blobs, capability, prom, health, i, horizon, f.wait)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := printTable(out, cal, results, horizon); err != nil {
		return err
	}

	if f.serve && cfg.Metrics.Addr != "" {
		slog.Info("serving metrics until interrupted", slog.String("addr", cfg.Metrics.Addr))
		<-ctx.Done()
	}
	return nil
}

// openModelStore returns the configured blob store. A Redis store that cannot
// connect is skipped and the run continues without model reuse.
func openModelStore(cfg *config.Config, db *sqlitestore.Store, prom *metrics.Metrics, health *metrics.HealthStatus) (forecast.BlobStore, *redisstore.ModelStore) {
	switch cfg.Store.Backend {
	case "sqlite":
		return db, nil
	case "redis":
		rc := cfg.Store.Redis
		rdb, err := redisstore.New(redisstore.Config{
			Addr:         rc.Addr,
			Password:     rc.Password,
			DB:           rc.DB,
			KeyPrefix:    rc.KeyPrefix,
			TTL:          rc.TTL,
			MaxFailures:  rc.MaxFailures,
			ResetTimeout: rc.ResetTimeout,
		}, prom)
		if err != nil {
			slog.Warn("redis model store unavailable, training without reuse", slog.Any("error", err))
			health.SetRedisConnected(false)
			return nil, nil
		}
		health.SetRedisConnected(true)
		return rdb, rdb
	default:
		return nil, nil
	}
}

func forecastSymbol(
	ctx context.Context,
	cfg *config.Config,
	db *sqlitestore.Store,
	blobs forecast.BlobStore,
	capability forecast.Capability,
	prom *metrics.Metrics,
	health *metrics.HealthStatus,
	idx, horizon int,
	wait bool,
) result {
	sym := logger.Symbol(ctx)
	res := result{symbol: sym}
	attrs := logger.LogWithSymbol(ctx)

	series, err := db.ReadSeries(ctx, sym)
	if err != nil {
		res.err = err
		health.SetSymbolState(sym, metrics.SymbolError)
		slog.WarnContext(ctx, "history unavailable", append(attrs, slog.Any("error", err))...)
		return res
	}
	if n := len(series.Days); n > 0 {
		res.last = series.Days[n-1]
	}

	fc := cfg.Forecast
	opts := []forecast.Option{
		forecast.WithSymbol(sym),
		forecast.WithWindowSize(fc.WindowSize),
		forecast.WithScaling(fc.ScaleValues),
		forecast.WithNoise(forecast.NoiseBand{Low: fc.NoiseLow, High: fc.NoiseHigh}),
		forecast.WithBackground(fc.RunInBackground),
		forecast.WithMetrics(prom),
	}
	if fc.NoiseSeed != 0 {
		opts = append(opts, forecast.WithRand(rand.New(rand.NewPCG(fc.NoiseSeed, uint64(idx)))))
	}
	if blobs != nil {
		opts = append(opts, forecast.WithStore(blobs, modelKey(sym, fc.Model, fc.WindowSize)))
	}

	fcst, err := forecast.New(series.Closes, capability, opts...)
	if err != nil {
		res.err = err
		health.SetSymbolState(sym, metrics.SymbolError)
		slog.WarnContext(ctx, "forecaster rejected series", append(attrs, slog.Any("error", err))...)
		return res
	}
	health.SetSymbolState(sym, fcst.State().String())

	finished := false
	if wait {
		timer := time.NewTimer(fc.ReadyTimeout)
		select {
		case <-fcst.Done():
			finished = true
		case <-timer.C:
			slog.WarnContext(ctx, "training still running, reporting partial result",
				append(attrs, slog.Duration("timeout", fc.ReadyTimeout))...)
		case <-ctx.Done():
		}
		timer.Stop()
	}
	if !finished {
		// Training outlives this call; keep /healthz current once it ends.
		go func() {
			<-fcst.Done()
			health.SetSymbolState(sym, symbolState(fcst))
		}()
	}

	res.state = fcst.State()
	res.loaded = fcst.Loaded()
	health.SetSymbolState(sym, symbolState(fcst))
	if err := fcst.Err(); err != nil {
		res.err = err
		return res
	}

	res.prices, res.err = fcst.PredictFuture(horizon)
	if res.err != nil {
		health.SetSymbolState(sym, metrics.SymbolError)
	}
	return res
}

// symbolState maps a forecaster to its /healthz state.
func symbolState(f *forecast.Forecaster) string {
	if f.Err() != nil {
		return metrics.SymbolError
	}
	return f.State().String()
}

// modelKey names a stored model. Models trained with another backend or
// window width never collide.
func modelKey(symbol, model string, window int) string {
	return fmt.Sprintf("%s:%s:w%d", symbol, model, window)
}

func printTable(out io.Writer, cal *calendar.Calendar, results []result, horizon int) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprint(tw, "day\t")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t", r.symbol)
	}
	fmt.Fprintln(tw)

	fmt.Fprint(tw, "status\t")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t", status(r))
	}
	fmt.Fprintln(tw)

	var ref time.Time
	for _, r := range results {
		if r.last.After(ref) {
			ref = r.last
		}
	}
	var days []time.Time
	if !ref.IsZero() {
		days = cal.Next(ref, horizon)
	}
	for d := 0; d < horizon; d++ {
		label := fmt.Sprintf("+%d", d+1)
		if days != nil {
			label = days[d].Format(time.DateOnly)
		}
		fmt.Fprintf(tw, "%s\t", label)
		for _, r := range results {
			if d < len(r.prices) {
				fmt.Fprintf(tw, "%.2f\t", r.prices[d])
			} else {
				fmt.Fprint(tw, "-\t")
			}
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func status(r result) string {
	switch {
	case r.err != nil:
		return "error"
	case r.loaded:
		return "loaded"
	default:
		return r.state.String()
	}
}
