package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedEmbedder memoizes vectors by content hash.
type CachedEmbedder struct {
	inner Embedder
	cache *gocache.Cache
}

// NewCached wraps inner with a TTL cache.
func NewCached(inner Embedder, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:])
	if v, ok := c.cache.Get(key); ok {
		return v.(Vector), nil
	}
	v, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, v)
	return v, nil
}

func (c *CachedEmbedder) Dims() int { return c.inner.Dims() }

// Len reports the number of cached vectors.
func (c *CachedEmbedder) Len() int { return c.cache.ItemCount() }
