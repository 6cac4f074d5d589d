// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package clipper

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antflydb/antfly-go/libaf/ai"
	"github.com/antflydb/antfly-go/libaf/embeddings"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL is how long a cached embedding stays valid.
	DefaultCacheTTL = 10 * time.Minute
	// DefaultCacheCapacity bounds the number of cached vectors.
	DefaultCacheCapacity = 10000
)

// CachedEmbedder caches embeddings per input item. Items of a request that
// miss the cache are embedded together in one call to the wrapped embedder,
// and concurrent identical miss sets share that call.
type CachedEmbedder struct {
	embedder embeddings.Embedder
	model    string
	cache    *ttlcache.Cache[uint64, []float32]
	sfGroup  singleflight.Group
	logger   *zap.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	sfHits    atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

var _ embeddings.Embedder = (*CachedEmbedder)(nil)

// CacheOption configures a CachedEmbedder.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	ttl      time.Duration
	capacity uint64
	logger   *zap.Logger
}

// WithCacheTTL sets the entry lifetime.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *cacheConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheCapacity bounds the number of entries.
func WithCacheCapacity(n uint64) CacheOption {
	return func(c *cacheConfig) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *cacheConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCachedEmbedder wraps embedder. model namespaces the cache keys.
// Close stops the expiry loop and closes the wrapped embedder.
func NewCachedEmbedder(embedder embeddings.Embedder, model string, opts ...CacheOption) *CachedEmbedder {
	cfg := &cacheConfig{ttl: DefaultCacheTTL, capacity: DefaultCacheCapacity, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[uint64, []float32](cfg.ttl),
		ttlcache.WithCapacity[uint64, []float32](cfg.capacity),
	)
	go cache.Start()

	return &CachedEmbedder{
		embedder: embedder,
		model:    model,
		cache:    cache,
		logger:   cfg.logger,
	}
}

// Capabilities returns the wrapped embedder's capabilities.
func (c *CachedEmbedder) Capabilities() embeddings.EmbedderCapabilities {
	return c.embedder.Capabilities()
}

// Embed returns one vector per item, serving cached items without inference.
// Returned slices are copies and may be modified by the caller.
func (c *CachedEmbedder) Embed(ctx context.Context, contents [][]ai.ContentPart) ([][]float32, error) {
	results := make([][]float32, len(contents))
	keys := make([]uint64, len(contents))

	var missing []int
	for i, parts := range contents {
		keys[i] = c.itemKey(parts)
		if item := c.cache.Get(keys[i]); item != nil {
			results[i] = slices.Clone(item.Value())
			continue
		}
		missing = append(missing, i)
	}

	hits := len(contents) - len(missing)
	c.hits.Add(uint64(hits))
	for range hits {
		RecordCacheHit(c.model)
	}
	if len(missing) == 0 {
		c.logger.Debug("Embedding cache hit",
			zap.String("model", c.model),
			zap.Int("items", len(contents)))
		return results, nil
	}

	// The shared call outlives any single caller; each caller stops waiting
	// when its own context ends.
	missKey := c.batchKey(keys, missing)
	embedCtx := context.WithoutCancel(ctx)
	ch := c.sfGroup.DoChan(missKey, func() (any, error) {
		c.misses.Add(uint64(len(missing)))
		for range missing {
			RecordCacheMiss(c.model)
		}

		batch := make([][]ai.ContentPart, len(missing))
		for j, i := range missing {
			batch[j] = contents[i]
		}

		start := time.Now()
		embeds, err := c.embedder.Embed(embedCtx, batch)
		if err != nil {
			return nil, err
		}
		if len(embeds) != len(batch) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d items", len(embeds), len(batch))
		}
		for j, i := range missing {
			c.cache.Set(keys[i], embeds[j], ttlcache.DefaultTTL)
		}

		c.logger.Debug("Embeddings generated and cached",
			zap.String("model", c.model),
			zap.Int("items", len(batch)),
			zap.Duration("duration", time.Since(start)))
		return embeds, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for embedding request", zap.String("model", c.model))
	}

	embeds := res.Val.([][]float32)
	for j, i := range missing {
		results[i] = slices.Clone(embeds[j])
	}
	return results, nil
}

// itemKey hashes the model name and every part of one item.
func (c *CachedEmbedder) itemKey(parts []ai.ContentPart) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(c.model)
	_, _ = h.WriteString("|")
	for _, part := range parts {
		switch p := part.(type) {
		case ai.TextContent:
			_, _ = h.WriteString("t:")
			writeField(h, []byte(p.Text))
		case ai.BinaryContent:
			_, _ = h.WriteString("b:")
			_, _ = h.WriteString(p.MIMEType)
			_, _ = h.WriteString(":")
			writeField(h, p.Data)
		default:
			c.logger.Warn("Cache key: unknown content type",
				zap.String("type", fmt.Sprintf("%T", part)))
			_, _ = h.WriteString(fmt.Sprintf("%T:%v", part, part))
		}
		_, _ = h.WriteString("|")
	}
	return h.Sum64()
}

// writeField writes a length-prefixed field so adjacent fields cannot collide.
func writeField(h *xxhash.Digest, data []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(data)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(data)
}

func (c *CachedEmbedder) batchKey(keys []uint64, idx []int) string {
	h := xxhash.New()
	var buf [8]byte
	for _, i := range idx {
		binary.BigEndian.PutUint64(buf[:], keys[i])
		_, _ = h.Write(buf[:])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// CacheStats holds cache counters.
type CacheStats struct {
	Model            string `json:"model"`
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// Stats returns cache statistics.
func (c *CachedEmbedder) Stats() CacheStats {
	return CacheStats{
		Model:            c.model,
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
		Items:            c.cache.Len(),
	}
}

// Close stops the cache and closes the wrapped embedder when it has a Close
// method.
func (c *CachedEmbedder) Close() error {
	c.closeOnce.Do(func() {
		c.cache.Stop()
		if closer, ok := c.embedder.(interface{ Close() error }); ok {
			c.closeErr = closer.Close()
		}
	})
	return c.closeErr
}
