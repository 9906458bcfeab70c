// Package redis stores trained forecast models in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"pricecast/internal/forecast"
	"pricecast/internal/metrics"
)

// Config configures the Redis model store.
type Config struct {
	Addr         string // Redis address, e.g. "localhost:6379"
	Password     string
	DB           int
	KeyPrefix    string        // prepended to every model key, e.g. "pricecast:"
	TTL          time.Duration // 0 keeps models until overwritten
	MaxFailures  int           // consecutive failures before the breaker opens
	ResetTimeout time.Duration // how long the breaker stays open
}

// ModelStore implements forecast.BlobStore on top of Redis strings.
type ModelStore struct {
	client  *goredis.Client
	prefix  string
	ttl     time.Duration
	breaker *CircuitBreaker
}

// Client returns the underlying Redis client for health checks.
func (s *ModelStore) Client() *goredis.Client { return s.client }

// New connects to Redis and pings the server.
func New(cfg Config, m *metrics.Metrics) (*ModelStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis model store connected", slog.String("addr", cfg.Addr))
	return NewWithClient(client, cfg, m), nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg Config, m *metrics.Metrics) *ModelStore {
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}
	reset := cfg.ResetTimeout
	if reset <= 0 {
		reset = 10 * time.Second
	}

	breaker := NewCircuitBreaker(maxFailures, reset)
	breaker.IsFailure = func(err error) bool { return !errors.Is(err, goredis.Nil) }
	breaker.OnStateChange = func(from, to State) {
		slog.Warn("redis model store breaker", slog.String("from", from.String()), slog.String("to", to.String()))
		if m == nil {
			return
		}
		m.StoreBreakerState.Set(float64(to))
		if to == StateOpen {
			m.StoreBreakerTrips.Inc()
		}
	}

	return &ModelStore{
		client:  client,
		prefix:  cfg.KeyPrefix,
		ttl:     cfg.TTL,
		breaker: breaker,
	}
}

func (s *ModelStore) redisKey(key string) string {
	return s.prefix + "model:" + key
}

// Load returns the blob stored under key.
func (s *ModelStore) Load(ctx context.Context, key string) ([]byte, error) {
	var blob []byte
	err := s.breaker.Execute(func() error {
		var err error
		blob, err = s.client.Get(ctx, s.redisKey(key)).Bytes()
		return err
	})
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("redis model %s: %w", key, forecast.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("redis get model %s: %w", key, err)
	}
	return blob, nil
}

// Save stores blob under key, replacing any previous model.
func (s *ModelStore) Save(ctx context.Context, key string, blob []byte) error {
	err := s.breaker.Execute(func() error {
		return s.client.Set(ctx, s.redisKey(key), blob, s.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set model %s: %w", key, err)
	}
	return nil
}

// Delete removes the model stored under key.
func (s *ModelStore) Delete(ctx context.Context, key string) error {
	return s.breaker.Execute(func() error {
		return s.client.Del(ctx, s.redisKey(key)).Err()
	})
}

// Breaker exposes the circuit breaker state for health reporting.
func (s *ModelStore) Breaker() *CircuitBreaker { return s.breaker }

// Close closes the Redis client.
func (s *ModelStore) Close() error {
	return s.client.Close()
}

var _ forecast.BlobStore = (*ModelStore)(nil)
