// Package querycache caches query results by SQL fingerprint and guarantees
// at most one concurrent compute per fingerprint.
package querycache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/edumesones/executive-sql-to-text/pkg/metrics"
	"github.com/edumesones/executive-sql-to-text/pkg/querier"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultTTL            = time.Hour
	DefaultCapacity       = 1000
	DefaultTouchQueueSize = 256
	DefaultTouchTimeout   = 5 * time.Second

	numShards = 64
)

// Outcome describes how Do produced its result.
type Outcome string

const (
	OutcomeHit    Outcome = "hit"
	OutcomeMiss   Outcome = "miss"
	OutcomeShared Outcome = "shared"
)

// Entry is one cached result snapshot. Only LastAccessAt and AccessCount
// change after it is stored.
type Entry struct {
	Fingerprint  string          `json:"fingerprint"`
	SQL          string          `json:"sql"`
	Result       *querier.Result `json:"result"`
	RowCount     int             `json:"row_count"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessAt time.Time       `json:"last_access_at"`
	AccessCount  int64           `json:"access_count"`
}

type record struct {
	mu    sync.Mutex
	entry Entry
}

func (r *record) touch(now time.Time) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry.LastAccessAt = now
	r.entry.AccessCount++
	return r.entry
}

type flight struct {
	done      chan struct{}
	res       *querier.Result
	err       error
	abandoned bool
}

type shard struct {
	mu      sync.Mutex
	flights map[string]*flight
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	TTL      time.Duration
	Capacity uint64
	// Store is an optional persistent tier consulted after a memory miss.
	Store Store
	// TouchQueueSize bounds the access updates waiting for the store. Updates
	// beyond it are dropped.
	TouchQueueSize int
	TouchTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TouchQueueSize <= 0 {
		cfg.TouchQueueSize = DefaultTouchQueueSize
	}
	if cfg.TouchTimeout <= 0 {
		cfg.TouchTimeout = DefaultTouchTimeout
	}
	return nil
}

type touch struct {
	fp string
	at time.Time
}

type Cache struct {
	log     *slog.Logger
	cfg     Config
	entries *ttlcache.Cache[string, *record]
	shards  [numShards]shard

	touches   chan touch
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate query cache config: %w", err)
	}
	c := &Cache{
		log: cfg.Logger,
		cfg: cfg,
		entries: ttlcache.New(
			ttlcache.WithTTL[string, *record](cfg.TTL),
			ttlcache.WithCapacity[string, *record](cfg.Capacity),
			ttlcache.WithDisableTouchOnHit[string, *record](),
		),
	}
	for i := range c.shards {
		c.shards[i].flights = make(map[string]*flight)
	}
	go c.entries.Start()
	if cfg.Store != nil {
		c.touches = make(chan touch, cfg.TouchQueueSize)
		c.stop = make(chan struct{})
		c.stopped = make(chan struct{})
		go c.touchLoop()
	}
	return c, nil
}

// Close stops the expiry loop and flushes queued access updates to the store.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		c.entries.Stop()
		if c.stop != nil {
			close(c.stop)
			<-c.stopped
		}
	})
}

func (c *Cache) shard(fp string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return &c.shards[h.Sum32()%numShards]
}

// Lookup returns the entry for fp and records the access. The memory tier is
// consulted first, then the persistent store if one is configured.
func (c *Cache) Lookup(ctx context.Context, fp string) (Entry, bool) {
	now := c.cfg.Clock.Now().UTC()
	if item := c.entries.Get(fp); item != nil {
		metrics.CacheLookupsTotal.WithLabelValues("memory", "hit").Inc()
		entry := item.Value().touch(now)
		c.touchStore(fp, now)
		return entry, true
	}
	metrics.CacheLookupsTotal.WithLabelValues("memory", "miss").Inc()

	if c.cfg.Store == nil {
		return Entry{}, false
	}
	entry, err := c.cfg.Store.Get(ctx, fp)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warn("querycache: store lookup failed", "fingerprint", fp, "error", err)
		}
		metrics.CacheLookupsTotal.WithLabelValues("store", "miss").Inc()
		return Entry{}, false
	}
	metrics.CacheLookupsTotal.WithLabelValues("store", "hit").Inc()

	rec := &record{entry: *entry}
	sh := c.shard(fp)
	sh.mu.Lock()
	if item := c.entries.Get(fp); item != nil {
		rec = item.Value()
	} else {
		c.entries.Set(fp, rec, ttlcache.DefaultTTL)
	}
	sh.mu.Unlock()
	out := rec.touch(now)
	c.touchStore(fp, now)
	return out, true
}

// Store records a successful result under fp. An existing entry for fp is
// kept as is.
func (c *Cache) Store(ctx context.Context, fp, sql string, res *querier.Result) {
	if res == nil {
		return
	}
	now := c.cfg.Clock.Now().UTC()
	entry := Entry{
		Fingerprint:  fp,
		SQL:          sql,
		Result:       res,
		RowCount:     res.Count,
		CreatedAt:    now,
		LastAccessAt: now,
	}

	sh := c.shard(fp)
	sh.mu.Lock()
	if c.entries.Has(fp) {
		sh.mu.Unlock()
		return
	}
	c.entries.Set(fp, &record{entry: entry}, ttlcache.DefaultTTL)
	sh.mu.Unlock()

	if c.cfg.Store != nil {
		if err := c.cfg.Store.Put(ctx, entry); err != nil {
			c.log.Warn("querycache: store write failed", "fingerprint", fp, "error", err)
		}
	}
}

// Contains reports whether fp is cached in memory without recording an
// access.
func (c *Cache) Contains(fp string) bool {
	return c.entries.Has(fp)
}

// Do returns the cached result for sql or runs compute to produce it. Only
// one compute per fingerprint runs at a time; concurrent callers wait for it
// and share its outcome. A leader whose ctx is canceled releases the
// fingerprint without writing the cache, and waiting callers retry.
func (c *Cache) Do(ctx context.Context, sql string, compute func(ctx context.Context) (*querier.Result, error)) (*querier.Result, Outcome, error) {
	fp := Fingerprint(sql)
	for {
		if entry, ok := c.Lookup(ctx, fp); ok {
			return entry.Result, OutcomeHit, nil
		}

		sh := c.shard(fp)
		sh.mu.Lock()
		if f, ok := sh.flights[fp]; ok {
			sh.mu.Unlock()
			select {
			case <-f.done:
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
			if f.abandoned {
				c.log.Debug("querycache: leader abandoned compute, retrying", "fingerprint", fp)
				continue
			}
			if f.err != nil {
				return nil, OutcomeShared, f.err
			}
			return f.res, OutcomeShared, nil
		}
		// A previous leader may have stored between our lookup and the lock.
		if item := c.entries.Get(fp); item != nil {
			sh.mu.Unlock()
			entry := item.Value().touch(c.cfg.Clock.Now().UTC())
			return entry.Result, OutcomeHit, nil
		}
		f := &flight{done: make(chan struct{})}
		sh.flights[fp] = f
		sh.mu.Unlock()

		res, err := c.lead(ctx, fp, sql, f, compute)
		return res, OutcomeMiss, err
	}
}

func (c *Cache) lead(ctx context.Context, fp, sql string, f *flight, compute func(ctx context.Context) (*querier.Result, error)) (res *querier.Result, err error) {
	sh := c.shard(fp)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute panicked: %v", r)
			res = nil
		}
		abandoned := err != nil && ctx.Err() != nil
		if err == nil {
			c.Store(context.WithoutCancel(ctx), fp, sql, res)
		}
		sh.mu.Lock()
		delete(sh.flights, fp)
		sh.mu.Unlock()
		f.res, f.err, f.abandoned = res, err, abandoned
		close(f.done)
	}()
	return compute(ctx)
}

// Stats summarizes the memory tier for health reporting.
type Stats struct {
	Entries    int    `json:"entries"`
	Insertions uint64 `json:"insertions"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
}

func (c *Cache) Stats() Stats {
	m := c.entries.Metrics()
	return Stats{
		Entries:    c.entries.Len(),
		Insertions: m.Insertions,
		Hits:       m.Hits,
		Misses:     m.Misses,
		Evictions:  m.Evictions,
	}
}

// touchStore queues an access update for the persistent tier. Lookups never
// wait on the store.
func (c *Cache) touchStore(fp string, now time.Time) {
	if c.touches == nil {
		return
	}
	select {
	case c.touches <- touch{fp: fp, at: now}:
	default:
		c.log.Debug("querycache: touch queue full, dropping access update", "fingerprint", fp)
	}
}

func (c *Cache) touchLoop() {
	defer close(c.stopped)
	for {
		select {
		case t := <-c.touches:
			c.applyTouch(t)
		case <-c.stop:
			for {
				select {
				case t := <-c.touches:
					c.applyTouch(t)
				default:
					return
				}
			}
		}
	}
}

func (c *Cache) applyTouch(t touch) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TouchTimeout)
	defer cancel()
	if err := c.cfg.Store.Touch(ctx, t.fp, t.at); err != nil {
		c.log.Debug("querycache: store touch failed", "fingerprint", t.fp, "error", err)
	}
}
