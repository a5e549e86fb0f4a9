// Package detector holds EntityDetector decorators that sit between the
// anonymizer core and a concrete model client.
package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/sync/singleflight"

	"text-anonymizer/internal/anonymizer"
	"text-anonymizer/internal/logger"
	"text-anonymizer/internal/metrics"
	"text-anonymizer/internal/spancache"
)

// Cached memoizes another detector's spans in a spancache.Store. Failed
// detections are never stored. Concurrent misses for the same text share a
// single call to the wrapped detector, which must bound its own run time.
type Cached struct {
	inner     anonymizer.EntityDetector
	flight    singleflight.Group
	store     spancache.Store
	namespace string
	log       *logger.Logger
	metrics   *metrics.Metrics
}

// NewCached wraps inner. namespace separates results of different models
// sharing one store; use the model name.
func NewCached(inner anonymizer.EntityDetector, store spancache.Store, namespace string, log *logger.Logger, m *metrics.Metrics) *Cached {
	return &Cached{inner: inner, store: store, namespace: namespace, log: log, metrics: m}
}

// Detect returns cached spans for text or calls the wrapped detector.
func (c *Cached) Detect(ctx context.Context, text string) ([]anonymizer.Span, error) {
	key := c.key(text)
	if raw, ok := c.store.Get(key); ok {
		var spans []anonymizer.Span
		if err := json.Unmarshal([]byte(raw), &spans); err == nil {
			if c.metrics != nil {
				c.metrics.CacheHits.Add(1)
			}
			c.log.Debugf("cache_hit", "key=%s spans=%d", key[:12], len(spans))
			return spans, nil
		}
		c.log.Warnf("cache_corrupt", "dropping undecodable entry %s", key[:12])
		c.store.Delete(key)
	}
	if c.metrics != nil {
		c.metrics.CacheMisses.Add(1)
	}

	// The shared call outlives any single caller; the wrapped detector's own
	// timeout bounds it. Each caller still returns on its own cancellation.
	shared := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		spans, err := c.inner.Detect(shared, text)
		if err != nil {
			return nil, err
		}
		if raw, err := json.Marshal(spans); err == nil {
			c.store.Set(key, string(raw))
		}
		return spans, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]anonymizer.Span), nil
	}
}

func (c *Cached) key(text string) string {
	h := sha256.New()
	h.Write([]byte(c.namespace))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
