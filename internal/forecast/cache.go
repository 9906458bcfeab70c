package forecast

import "fmt"

// ResultCache is an append-only buffer of real-space forecast prices indexed
// from the first future day. Written values never change.
// Not safe for concurrent use; Forecaster serializes access.
type ResultCache struct {
	values []float64
}

// NewResultCache returns an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{}
}

// Len returns the number of cached horizon steps.
func (c *ResultCache) Len() int { return len(c.values) }

// Read returns a copy of the first horizon cached values.
func (c *ResultCache) Read(horizon int) ([]float64, error) {
	if horizon < 0 || horizon > len(c.values) {
		return nil, fmt.Errorf("%w: horizon %d, cached %d", ErrRange, horizon, len(c.values))
	}
	out := make([]float64, horizon)
	copy(out, c.values[:horizon])
	return out, nil
}

// Extend appends values whose first element sits at absolute index start.
// Only the part beyond the current length is appended; a fully covered range
// is a no-op. A start past the end would leave a gap and is rejected.
func (c *ResultCache) Extend(start int, values []float64) error {
	if start < 0 || start > len(c.values) {
		return fmt.Errorf("%w: extend at %d, cached %d", ErrRange, start, len(c.values))
	}
	skip := len(c.values) - start
	if skip >= len(values) {
		return nil
	}
	c.values = append(c.values, values[skip:]...)
	return nil
}

// Reconcile overwrites every position of values that the cache already holds
// with the cached value. values is indexed from the first future day.
func (c *ResultCache) Reconcile(values []float64) {
	n := len(values)
	if len(c.values) < n {
		n = len(c.values)
	}
	copy(values[:n], c.values[:n])
}
