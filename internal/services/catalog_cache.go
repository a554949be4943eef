package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/repositories"
)

const (
	defaultCatalogTTL            = 300 * time.Second
	defaultCatalogFetchTimeout   = 20 * time.Second
	defaultCatalogStaleRetention = 24 * time.Hour
)

// CacheState is the lifecycle state of one market entry.
type CacheState string

const (
	CacheStateEmpty CacheState = "empty"
	CacheStateFresh CacheState = "fresh"
	CacheStateStale CacheState = "stale"
)

// CatalogFetcher loads the normalised package list for one market from the source of truth.
type CatalogFetcher interface {
	FetchPackages(ctx context.Context, market string) ([]domain.Package, error)
}

// CatalogFetcherFunc adapts a function to CatalogFetcher.
type CatalogFetcherFunc func(ctx context.Context, market string) ([]domain.Package, error)

func (f CatalogFetcherFunc) FetchPackages(ctx context.Context, market string) ([]domain.Package, error) {
	return f(ctx, market)
}

type CatalogCacheDeps struct {
	Fetcher CatalogFetcher
	// Store is an optional shared tier consulted before the fetcher.
	Store          repositories.SnapshotStore
	TTL            time.Duration
	FetchTimeout   time.Duration
	StaleRetention time.Duration
	Clock          func() time.Time
	Logger         func(context.Context, string, map[string]any)
}

// CatalogCache holds one snapshot per market and refreshes it at most once at a time.
//
// Policy is serve-stale-on-error: when refreshing an expired entry fails, the previous
// snapshot is returned with Stale set and its original FetchedAt, so the next read tries
// again. A market with nothing cached returns the fetch error.
type CatalogCache struct {
	fetcher        CatalogFetcher
	store          repositories.SnapshotStore
	ttl            time.Duration
	fetchTimeout   time.Duration
	staleRetention time.Duration
	clock          func() time.Time
	logger         func(context.Context, string, map[string]any)

	group singleflight.Group

	mu          sync.RWMutex
	entries     map[string]domain.CatalogSnapshot
	generations map[string]uint64
	epoch       uint64
}

type cacheToken struct {
	epoch      uint64
	generation uint64
}

func NewCatalogCache(deps CatalogCacheDeps) (*CatalogCache, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("catalog cache: fetcher is required")
	}
	if deps.TTL < 0 || deps.FetchTimeout < 0 || deps.StaleRetention < 0 {
		return nil, errors.New("catalog cache: durations must not be negative")
	}
	cache := &CatalogCache{
		fetcher:        deps.Fetcher,
		store:          deps.Store,
		ttl:            deps.TTL,
		fetchTimeout:   deps.FetchTimeout,
		staleRetention: deps.StaleRetention,
		clock:          deps.Clock,
		logger:         deps.Logger,
		entries:        make(map[string]domain.CatalogSnapshot),
		generations:    make(map[string]uint64),
	}
	if cache.ttl == 0 {
		cache.ttl = defaultCatalogTTL
	}
	if cache.fetchTimeout == 0 {
		cache.fetchTimeout = defaultCatalogFetchTimeout
	}
	if cache.staleRetention == 0 {
		cache.staleRetention = defaultCatalogStaleRetention
	}
	if cache.clock == nil {
		cache.clock = time.Now
	}
	if cache.logger == nil {
		cache.logger = func(context.Context, string, map[string]any) {}
	}
	return cache, nil
}

// Get returns the snapshot for market, refreshing it when it is empty or expired.
// Concurrent callers for the same market share a single refresh; each caller still
// honours its own context while waiting. A caller that arrives after an invalidation
// waits for any older flight to finish and then refreshes again, so at most one fetch
// per market is in flight.
func (c *CatalogCache) Get(ctx context.Context, market string) (domain.CatalogSnapshot, error) {
	market = domain.NormalizeMarket(market)
	if market == "" {
		return domain.CatalogSnapshot{}, ErrInvalidMarket
	}

	c.mu.RLock()
	entry, ok := c.entries[market]
	requested := c.tokenLocked(market)
	c.mu.RUnlock()
	if ok && c.fresh(entry.FetchedAt) {
		return entry.Clone(), nil
	}

	for {
		result := c.group.DoChan(market, func() (any, error) {
			return c.refresh(ctx, market)
		})
		select {
		case res := <-result:
			flight, _ := res.Val.(flightResult)
			if flight.token.before(requested) {
				continue
			}
			if res.Err != nil {
				return domain.CatalogSnapshot{}, res.Err
			}
			return flight.snapshot.Clone(), nil
		case <-ctx.Done():
			return domain.CatalogSnapshot{}, fmt.Errorf("catalog: %s: %w (%w)", market, esimaccess.ErrTimeout, ctx.Err())
		}
	}
}

type flightResult struct {
	snapshot domain.CatalogSnapshot
	token    cacheToken
}

// refresh runs once per flight. The fetch is detached from the leader's cancellation so
// an abandoned leader does not fail the waiters; it is bounded by the fetch timeout.
func (c *CatalogCache) refresh(ctx context.Context, market string) (flightResult, error) {
	c.mu.RLock()
	entry, cached := c.entries[market]
	token := c.tokenLocked(market)
	c.mu.RUnlock()

	if cached && c.fresh(entry.FetchedAt) {
		return flightResult{snapshot: entry, token: token}, nil
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()

	var shared *domain.CatalogSnapshot
	if c.store != nil {
		snapshot, err := c.store.Load(fetchCtx, market)
		switch {
		case err == nil && snapshot.Market == market:
			if c.fresh(snapshot.FetchedAt) {
				c.install(market, token, snapshot)
				c.logger(ctx, "catalog.cache.shared_hit", map[string]any{
					"market":    market,
					"fetchedAt": snapshot.FetchedAt,
					"packages":  len(snapshot.Packages),
				})
				return flightResult{snapshot: snapshot, token: token}, nil
			}
			shared = &snapshot
		case err == nil, errors.Is(err, repositories.ErrSnapshotNotFound):
		default:
			c.logger(ctx, "catalog.cache.store.error", map[string]any{
				"market": market,
				"op":     "load",
				"error":  err.Error(),
			})
		}
	}

	started := c.clock()
	packages, err := c.fetcher.FetchPackages(fetchCtx, market)
	if err != nil {
		var fallback *domain.CatalogSnapshot
		switch {
		case cached:
			fallback = &entry
		case shared != nil:
			fallback = shared
		}
		if fallback == nil {
			c.logger(ctx, "catalog.cache.refresh.failed", map[string]any{
				"market": market,
				"error":  err.Error(),
			})
			return flightResult{token: token}, fmt.Errorf("catalog: refresh %s: %w", market, err)
		}
		stale := *fallback
		stale.Stale = true
		c.logger(ctx, "catalog.cache.stale", map[string]any{
			"market":    market,
			"fetchedAt": stale.FetchedAt,
			"error":     err.Error(),
		})
		return flightResult{snapshot: stale, token: token}, nil
	}

	snapshot := domain.CatalogSnapshot{
		Market:    market,
		Packages:  packages,
		FetchedAt: c.clock(),
	}
	installed := c.install(market, token, snapshot)
	c.logger(ctx, "catalog.cache.refreshed", map[string]any{
		"market":    market,
		"packages":  len(packages),
		"duration":  c.clock().Sub(started).String(),
		"installed": installed,
	})

	if c.store != nil && installed {
		if err := c.store.Save(fetchCtx, snapshot, c.staleRetention); err != nil {
			c.logger(ctx, "catalog.cache.store.error", map[string]any{
				"market": market,
				"op":     "save",
				"error":  err.Error(),
			})
		}
	}
	return flightResult{snapshot: snapshot, token: token}, nil
}

// install stores snapshot unless the market was invalidated since token was taken.
func (c *CatalogCache) install(market string, token cacheToken, snapshot domain.CatalogSnapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenLocked(market) != token {
		return false
	}
	snapshot.Stale = false
	c.entries[market] = snapshot
	return true
}

func (c *CatalogCache) tokenLocked(market string) cacheToken {
	return cacheToken{epoch: c.epoch, generation: c.generations[market]}
}

func (t cacheToken) before(other cacheToken) bool {
	if t.epoch != other.epoch {
		return t.epoch < other.epoch
	}
	return t.generation < other.generation
}

func (c *CatalogCache) fresh(fetchedAt time.Time) bool {
	return c.clock().Sub(fetchedAt) < c.ttl
}

// State reports the lifecycle state of market without triggering a fetch.
func (c *CatalogCache) State(market string) CacheState {
	market = domain.NormalizeMarket(market)
	c.mu.RLock()
	entry, ok := c.entries[market]
	c.mu.RUnlock()
	switch {
	case !ok:
		return CacheStateEmpty
	case c.fresh(entry.FetchedAt):
		return CacheStateFresh
	default:
		return CacheStateStale
	}
}

// Invalidate drops the given markets from both tiers. A refresh already in flight for
// one of them completes for the callers that joined it before the invalidation but is
// not installed; later callers refetch once it finishes.
func (c *CatalogCache) Invalidate(ctx context.Context, markets ...string) error {
	normalized := make([]string, 0, len(markets))
	c.mu.Lock()
	for _, market := range markets {
		market = domain.NormalizeMarket(market)
		if market == "" {
			continue
		}
		normalized = append(normalized, market)
		delete(c.entries, market)
		c.generations[market]++
	}
	c.mu.Unlock()

	if c.store == nil || len(normalized) == 0 {
		return nil
	}
	if err := c.store.Delete(ctx, normalized...); err != nil {
		return fmt.Errorf("catalog: invalidate shared snapshots: %w", err)
	}
	return nil
}

// InvalidateAll drops every market from both tiers.
func (c *CatalogCache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	c.entries = make(map[string]domain.CatalogSnapshot)
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("catalog: clear shared snapshots: %w", err)
	}
	return nil
}

// Warm loads each market, returning every failure joined.
func (c *CatalogCache) Warm(ctx context.Context, markets ...string) error {
	var errs []error
	for _, market := range markets {
		if _, err := c.Get(ctx, market); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
