package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrNoQuote is returned when no quote is available for a symbol.
var ErrNoQuote = errors.New("no quote available")

// cacheOpTimeout bounds every Redis round trip so a slow cache never blocks
// the approval path.
const cacheOpTimeout = 500 * time.Millisecond

// CachedProvider wraps a Provider with a short-TTL Redis snapshot cache.
// A nil client disables caching and passes straight through.
type CachedProvider struct {
	inner  Provider
	client *redis.Client
	ttl    time.Duration
}

// NewCachedProvider creates a caching quote provider.
func NewCachedProvider(inner Provider, client *redis.Client, ttl time.Duration) *CachedProvider {
	if ttl == 0 {
		ttl = 2 * time.Second
	}
	return &CachedProvider{inner: inner, client: client, ttl: ttl}
}

// Quote returns a cached snapshot when fresh, otherwise fetches and caches.
// Cache failures degrade to a direct fetch.
func (c *CachedProvider) Quote(ctx context.Context, symbol string) (*Quote, error) {
	if q := c.get(ctx, symbol); q != nil {
		return q, nil
	}

	q, err := c.inner.Quote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.set(ctx, q)
	return q, nil
}

func (c *CachedProvider) get(ctx context.Context, symbol string) *Quote {
	if c.client == nil {
		return nil
	}
	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	raw, err := c.client.Get(opCtx, cacheKey(symbol)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Quote cache read failed")
		}
		return nil
	}

	var q Quote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Corrupt quote cache entry")
		return nil
	}
	return &q
}

func (c *CachedProvider) set(ctx context.Context, q *Quote) {
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(opCtx, cacheKey(q.Symbol), raw, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("symbol", q.Symbol).Msg("Quote cache write failed")
	}
}

func cacheKey(symbol string) string {
	return fmt.Sprintf("quote:%s", symbol)
}
