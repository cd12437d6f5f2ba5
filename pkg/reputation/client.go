// Package reputation resolves file hashes to threat verdicts. Lookups go
// through a two-level cache (memory, then the persistent store) before any
// source is consulted; sources are ordered and each sits behind its own
// token bucket. An empty bucket skips the source rather than waiting, and
// a scanner that exhausts every source still gets a default-clean record,
// so reputation never blocks the pipeline.
package reputation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pocketshield/scanengine/pkg/errors"
	"github.com/pocketshield/scanengine/pkg/logging"
	"github.com/pocketshield/scanengine/pkg/metrics"
	"github.com/pocketshield/scanengine/pkg/scan"
)

// Source is one reputation provider. Lookup returns (nil, nil) when the
// source has no data for the hash; errors mean the source failed and the
// next one should be tried.
type Source interface {
	Name() string
	Lookup(ctx context.Context, hash string) (*scan.ReputationRecord, error)
}

// CacheStore persists reputation records between runs.
// *store.Store satisfies this.
type CacheStore interface {
	GetReputation(ctx context.Context, hash string) (*scan.ReputationRecord, error)
	PutReputation(ctx context.Context, rec *scan.ReputationRecord) error
}

// Config configures the reputation client.
type Config struct {
	// CacheTTL is how long cached verdicts stay fresh.
	CacheTTL time.Duration

	// RateBurst tokens refill per RateWindow, per source.
	RateBurst  int
	RateWindow time.Duration

	// LookupTimeout bounds each individual source call.
	LookupTimeout time.Duration
}

// DefaultConfig returns the default reputation configuration.
func DefaultConfig() *Config {
	return &Config{
		CacheTTL:      7 * 24 * time.Hour,
		RateBurst:     4,
		RateWindow:    time.Minute,
		LookupTimeout: 15 * time.Second,
	}
}

// Client resolves hashes against cache and sources.
type Client struct {
	cfg     *Config
	sources []Source
	store   CacheStore
	logger  logging.Logger
	metrics metrics.Collector

	mu     sync.Mutex
	memory map[string]*scan.ReputationRecord

	limiters map[string]*rate.Limiter

	// hashLocks serializes concurrent lookups of the same hash so one
	// upstream call serves every waiting worker.
	hashMu    sync.Mutex
	hashLocks map[string]*sync.Mutex

	now func() time.Time
}

// Option configures the client.
type Option func(*Client)

// WithStore sets the persistent cache.
func WithStore(s CacheStore) Option {
	return func(c *Client) { c.store = s }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a reputation client. Sources are consulted in the order given.
func New(cfg *Config, sources []Source, opts ...Option) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultConfig().RateBurst
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultConfig().RateWindow
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultConfig().LookupTimeout
	}

	c := &Client{
		cfg:       cfg,
		sources:   sources,
		logger:    logging.NewNopLogger(),
		metrics:   &metrics.NopCollector{},
		memory:    make(map[string]*scan.ReputationRecord),
		limiters:  make(map[string]*rate.Limiter, len(sources)),
		hashLocks: make(map[string]*sync.Mutex),
		now:       time.Now,
	}
	for _, src := range sources {
		c.limiters[src.Name()] = rate.NewLimiter(
			rate.Limit(float64(cfg.RateBurst)/cfg.RateWindow.Seconds()),
			cfg.RateBurst,
		)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup resolves one hash. The result is never nil on a nil error: when
// every source is exhausted, skipped or failing, a default-clean record is
// returned so the pipeline can proceed.
func (c *Client) Lookup(ctx context.Context, hash string, forceRefresh bool) (*scan.ReputationRecord, error) {
	const op = "reputation.Lookup"

	if hash == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "empty hash")
	}

	lock := c.hashLock(hash)
	lock.Lock()
	defer lock.Unlock()

	now := c.now()

	if !forceRefresh {
		if rec := c.fromCache(ctx, hash, now); rec != nil {
			c.metrics.CounterInc(metrics.ReputationCacheHits.Name)
			return rec, nil
		}
		c.metrics.CounterInc(metrics.ReputationCacheMisses.Name)
	}

	for _, src := range c.sources {
		limiter := c.limiters[src.Name()]
		if limiter != nil && !limiter.Allow() {
			// Empty bucket: skip this source, never wait.
			c.metrics.CounterInc(metrics.ReputationRateLimited.Name, "source", src.Name())
			c.logger.Debug("reputation source %s rate limited, skipping", src.Name())
			continue
		}

		rec, err := c.querySource(ctx, src, hash)
		if err != nil {
			c.metrics.CounterInc(metrics.ReputationLookupsTotal.Name, "source", src.Name(), "status", "error")
			c.logger.Warn("reputation source %s failed for %s: %v", src.Name(), hash, err)
			continue
		}
		if rec == nil {
			c.metrics.CounterInc(metrics.ReputationLookupsTotal.Name, "source", src.Name(), "status", "miss")
			continue
		}

		c.metrics.CounterInc(metrics.ReputationLookupsTotal.Name, "source", src.Name(), "status", "hit")
		rec.Hash = hash
		rec.LastUpdated = now
		if rec.TTL == 0 {
			rec.TTL = c.cfg.CacheTTL
		}
		c.toCache(ctx, rec)
		return rec, nil
	}

	// Everything exhausted: record the hash as clean by default, with the
	// normal TTL so a future run re-checks it.
	rec := scan.DefaultCleanRecord(hash)
	rec.LastUpdated = now
	rec.TTL = c.cfg.CacheTTL
	c.toCache(ctx, rec)
	return rec, nil
}

// querySource calls one source under the per-call timeout. A timeout is a
// source failure like any other.
func (c *Client) querySource(ctx context.Context, src Source, hash string) (*scan.ReputationRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	rec, err := src.Lookup(ctx, hash)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.E(errors.KindTimeout, "reputation.querySource", err)
		}
		return nil, err
	}
	return rec, nil
}

// fromCache checks memory, then the persistent store. Expired entries are
// treated as misses; eviction is TTL-only.
func (c *Client) fromCache(ctx context.Context, hash string, now time.Time) *scan.ReputationRecord {
	c.mu.Lock()
	rec, ok := c.memory[hash]
	c.mu.Unlock()
	if ok && !rec.Expired(now) {
		return rec
	}

	if c.store != nil {
		stored, err := c.store.GetReputation(ctx, hash)
		if err != nil {
			c.logger.Warn("reputation cache read failed for %s: %v", hash, err)
			return nil
		}
		if stored != nil && !stored.Expired(now) {
			c.mu.Lock()
			c.memory[hash] = stored
			c.mu.Unlock()
			return stored
		}
	}
	return nil
}

func (c *Client) toCache(ctx context.Context, rec *scan.ReputationRecord) {
	c.mu.Lock()
	c.memory[rec.Hash] = rec
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.PutReputation(ctx, rec); err != nil {
			c.logger.Warn("reputation cache write failed for %s: %v", rec.Hash, err)
		}
	}
}

func (c *Client) hashLock(hash string) *sync.Mutex {
	c.hashMu.Lock()
	defer c.hashMu.Unlock()
	lock, ok := c.hashLocks[hash]
	if !ok {
		lock = &sync.Mutex{}
		c.hashLocks[hash] = lock
	}
	return lock
}
