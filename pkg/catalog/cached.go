package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/ristretto"
)

const (
	DefaultTTL          = 10 * time.Minute
	defaultFetchRetries = 3
	cacheKey            = "catalog"
)

type CachedConfig struct {
	Logger       *slog.Logger
	Fetcher      Fetcher
	TTL          time.Duration
	FetchRetries uint
	Descriptions map[string]string
}

func (cfg *CachedConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Fetcher == nil {
		return fmt.Errorf("fetcher is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FetchRetries == 0 {
		cfg.FetchRetries = defaultFetchRetries
	}
	return nil
}

// Cached serves the catalog from memory and refetches it after the TTL or an
// explicit Invalidate.
type Cached struct {
	log   *slog.Logger
	cfg   CachedConfig
	cache *ristretto.Cache

	// mu serializes refetches so a cold cache triggers one fetch.
	mu sync.Mutex
}

func NewCached(cfg CachedConfig) (*Cached, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate catalog cache config: %w", err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1_000,
		MaxCost:     100,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create catalog cache: %w", err)
	}
	return &Cached{log: cfg.Logger, cfg: cfg, cache: cache}, nil
}

// Get returns the cached catalog, fetching it on a miss.
func (c *Cached) Get(ctx context.Context) (*Catalog, error) {
	if val, ok := c.cache.Get(cacheKey); ok {
		return val.(*Catalog), nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if val, ok := c.cache.Get(cacheKey); ok {
		return val.(*Catalog), nil
	}

	cat, err := c.fetchWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	if len(c.cfg.Descriptions) > 0 {
		cat.Describe(c.cfg.Descriptions)
	}
	c.cache.SetWithTTL(cacheKey, cat, 1, c.cfg.TTL)
	c.cache.Wait()
	c.log.Info("catalog: fetched", "tables", cat.TableNames())
	return cat, nil
}

// Fetch implements Fetcher so a Cached can stand in for its source.
func (c *Cached) Fetch(ctx context.Context) (*Catalog, error) {
	return c.Get(ctx)
}

// Invalidate drops the cached catalog so the next Get refetches it.
func (c *Cached) Invalidate() {
	c.cache.Del(cacheKey)
	c.cache.Wait()
	c.log.Info("catalog: invalidated")
}

// Refresh invalidates and refetches.
func (c *Cached) Refresh(ctx context.Context) (*Catalog, error) {
	c.Invalidate()
	return c.Get(ctx)
}

func (c *Cached) Close() {
	c.cache.Close()
}

func (c *Cached) fetchWithRetry(ctx context.Context) (*Catalog, error) {
	cat, err := backoff.Retry(ctx, func() (*Catalog, error) {
		cat, err := c.cfg.Fetcher.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			c.log.Warn("catalog: fetch failed, retrying", "error", err)
			return nil, err
		}
		if len(cat.Tables) == 0 {
			return nil, backoff.Permanent(fmt.Errorf("no allowed tables found in datastore"))
		}
		return cat, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.cfg.FetchRetries))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}
	return cat, nil
}
