package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/repositories"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubFetcher struct {
	calls   atomic.Int32
	mu      sync.Mutex
	err     error
	started chan struct{}
	gate    chan struct{}
	build   func(market string) []domain.Package
}

func (f *stubFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *stubFetcher) FetchPackages(ctx context.Context, market string) ([]domain.Package, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if f.build != nil {
		return f.build(market), nil
	}
	bytes := 10 * domain.BytesPerGB
	return []domain.Package{{
		Code:                market + "-10GB-30D",
		Name:                "10GB",
		CountryCode:         market,
		DataAllowanceBytes:  &bytes,
		DataAllowanceGB:     10,
		DurationDays:        30,
		WholesalePriceMinor: 1999,
		RetailPriceMinor:    2399,
		Currency:            "USD",
		MarginApplied:       1.2,
		IsEnabled:           true,
	}}, nil
}

func newTestCache(t *testing.T, fetcher CatalogFetcher, clock *fakeClock, store repositories.SnapshotStore) *CatalogCache {
	t.Helper()
	cache, err := NewCatalogCache(CatalogCacheDeps{
		Fetcher: fetcher,
		Store:   store,
		TTL:     300 * time.Second,
		Clock:   clock.Now,
	})
	require.NoError(t, err)
	return cache
}

func TestCatalogCacheSingleFlightOnColdReads(t *testing.T) {
	fetcher := &stubFetcher{started: make(chan struct{}, 1), gate: make(chan struct{})}
	cache := newTestCache(t, fetcher, newFakeClock(), nil)

	const readers = 50
	var wg sync.WaitGroup
	errs := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := cache.Get(context.Background(), "SA")
			if err == nil && len(snap.Packages) != 1 {
				err = errors.New("unexpected package count")
			}
			errs <- err
		}()
	}

	<-fetcher.started
	close(fetcher.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestCatalogCacheRefreshesAfterTTL(t *testing.T) {
	clock := newFakeClock()
	fetcher := &stubFetcher{}
	cache := newTestCache(t, fetcher, clock, nil)
	ctx := context.Background()

	assert.Equal(t, CacheStateEmpty, cache.State("SA"))
	first, err := cache.Get(ctx, "sa")
	require.NoError(t, err)
	assert.Equal(t, "SA", first.Market)
	assert.Equal(t, clock.Now(), first.FetchedAt)
	assert.Equal(t, CacheStateFresh, cache.State("SA"))

	clock.Advance(299 * time.Second)
	_, err = cache.Get(ctx, "SA")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	clock.Advance(time.Second)
	assert.Equal(t, CacheStateStale, cache.State("SA"))
	second, err := cache.Get(ctx, "SA")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
	assert.True(t, second.FetchedAt.After(first.FetchedAt))
	assert.False(t, second.Stale)
}

func TestCatalogCacheServesStaleOnRefreshError(t *testing.T) {
	clock := newFakeClock()
	fetcher := &stubFetcher{}
	cache := newTestCache(t, fetcher, clock, nil)
	ctx := context.Background()

	original, err := cache.Get(ctx, "SA")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	fetcher.setErr(&esimaccess.Error{Kind: esimaccess.KindHTTPStatus, Status: 503})

	stale, err := cache.Get(ctx, "SA")
	require.NoError(t, err)
	assert.True(t, stale.Stale)
	assert.Equal(t, original.FetchedAt, stale.FetchedAt)
	assert.Equal(t, original.Packages, stale.Packages)

	// The entry stays expired, so every read retries until upstream recovers.
	_, err = cache.Get(ctx, "SA")
	require.NoError(t, err)
	assert.Equal(t, int32(3), fetcher.calls.Load())

	fetcher.setErr(nil)
	recovered, err := cache.Get(ctx, "SA")
	require.NoError(t, err)
	assert.False(t, recovered.Stale)
	assert.Equal(t, clock.Now(), recovered.FetchedAt)
	assert.Equal(t, CacheStateFresh, cache.State("SA"))
}

func TestCatalogCacheColdFailureReturnsError(t *testing.T) {
	fetcher := &stubFetcher{}
	upstreamErr := &esimaccess.Error{Kind: esimaccess.KindBusiness, Code: "310001", Message: "invalid access code"}
	fetcher.setErr(upstreamErr)
	cache := newTestCache(t, fetcher, newFakeClock(), nil)

	_, err := cache.Get(context.Background(), "SA")
	require.Error(t, err)
	assert.ErrorIs(t, err, esimaccess.ErrBusiness)
	assert.Equal(t, CacheStateEmpty, cache.State("SA"))

	_, err = cache.Get(context.Background(), "SA")
	require.Error(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestCatalogCacheInvalidate(t *testing.T) {
	fetcher := &stubFetcher{}
	cache := newTestCache(t, fetcher, newFakeClock(), nil)
	ctx := context.Background()

	_, err := cache.Get(ctx, "SA")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "AE")
	require.NoError(t, err)

	require.NoError(t, cache.Invalidate(ctx, "sa"))
	assert.Equal(t, CacheStateEmpty, cache.State("SA"))
	assert.Equal(t, CacheStateFresh, cache.State("AE"))

	_, err = cache.Get(ctx, "SA")
	require.NoError(t, err)
	assert.Equal(t, int32(3), fetcher.calls.Load())

	require.NoError(t, cache.InvalidateAll(ctx))
	assert.Equal(t, CacheStateEmpty, cache.State("SA"))
	assert.Equal(t, CacheStateEmpty, cache.State("AE"))
}

func TestCatalogCacheInvalidateDuringFlightSkipsInstall(t *testing.T) {
	fetcher := &stubFetcher{started: make(chan struct{}, 1), gate: make(chan struct{})}
	cache := newTestCache(t, fetcher, newFakeClock(), nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "SA")
		done <- err
	}()
	<-fetcher.started
	require.NoError(t, cache.Invalidate(ctx, "SA"))
	close(fetcher.gate)

	require.NoError(t, <-done)
	assert.Equal(t, CacheStateEmpty, cache.State("SA"))
}

func TestCatalogCacheReadAfterInvalidateWaitsForRunningFetch(t *testing.T) {
	inner := &stubFetcher{}
	gate := make(chan struct{})
	started := make(chan struct{}, 2)
	var active, peak atomic.Int32
	fetcher := CatalogFetcherFunc(func(ctx context.Context, market string) ([]domain.Package, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			prev := peak.Load()
			if n <= prev || peak.CompareAndSwap(prev, n) {
				break
			}
		}
		started <- struct{}{}
		<-gate
		return inner.FetchPackages(ctx, market)
	})
	cache := newTestCache(t, fetcher, newFakeClock(), nil)
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "SA")
		first <- err
	}()
	<-started
	require.NoError(t, cache.Invalidate(ctx, "SA"))

	second := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "SA")
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), active.Load(), "second fetch started while the first was running")
	close(gate)

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, CacheStateFresh, cache.State("SA"))
}

func TestCatalogCacheWaiterHonoursOwnContext(t *testing.T) {
	fetcher := &stubFetcher{started: make(chan struct{}, 1), gate: make(chan struct{})}
	cache := newTestCache(t, fetcher, newFakeClock(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, "SA")
		done <- err
	}()
	<-fetcher.started
	cancel()

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, esimaccess.ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, esimaccess.ErrBusiness)

	// The shared fetch is not cancelled with the caller and still populates the cache.
	close(fetcher.gate)
	snap, err := cache.Get(context.Background(), "SA")
	require.NoError(t, err)
	assert.Len(t, snap.Packages, 1)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestCatalogCacheReadsAreCopies(t *testing.T) {
	cache := newTestCache(t, &stubFetcher{}, newFakeClock(), nil)
	ctx := context.Background()

	snap, err := cache.Get(ctx, "SA")
	require.NoError(t, err)
	snap.Packages[0].Name = "tampered"
	*snap.Packages[0].DataAllowanceBytes = 1
	snap.Packages = append(snap.Packages, domain.Package{Code: "extra"})

	again, err := cache.Get(ctx, "SA")
	require.NoError(t, err)
	require.Len(t, again.Packages, 1)
	assert.Equal(t, "10GB", again.Packages[0].Name)
	assert.Equal(t, 10*domain.BytesPerGB, *again.Packages[0].DataAllowanceBytes)
}

func TestCatalogCacheMarginChangeDoesNotAlterCachedSnapshot(t *testing.T) {
	clock := newFakeClock()
	current := newTestNormalizer(t, 1.2, nil)
	var mu sync.Mutex
	fetcher := CatalogFetcherFunc(func(ctx context.Context, market string) ([]domain.Package, error) {
		mu.Lock()
		n := current
		mu.Unlock()
		records := []map[string]any{{"packageCode": "P", "country": market, "price": 199900, "duration": 30}}
		return n.Normalize(ctx, market, records).Packages, nil
	})
	cache := newTestCache(t, fetcher, clock, nil)
	ctx := context.Background()

	first, err := cache.Get(ctx, "SA")
	require.NoError(t, err)
	assert.Equal(t, uint64(2399), first.Packages[0].RetailPriceMinor)

	mu.Lock()
	current = newTestNormalizer(t, 1.5, nil)
	mu.Unlock()

	cached, err := cache.Get(ctx, "SA")
	require.NoError(t, err)
	assert.Equal(t, uint64(2399), cached.Packages[0].RetailPriceMinor)
	assert.Equal(t, 1.2, cached.Packages[0].MarginApplied)

	clock.Advance(5 * time.Minute)
	refreshed, err := cache.Get(ctx, "SA")
	require.NoError(t, err)
	assert.Equal(t, uint64(2999), refreshed.Packages[0].RetailPriceMinor)
	assert.Equal(t, uint64(1999), refreshed.Packages[0].WholesalePriceMinor)
}

func TestCatalogCacheRejectsEmptyMarket(t *testing.T) {
	cache := newTestCache(t, &stubFetcher{}, newFakeClock(), nil)
	_, err := cache.Get(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidMarket)
}

func newRedisStore(t *testing.T) *repositories.RedisSnapshotStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := repositories.NewRedisSnapshotStore(client, "test:catalog:")
	require.NoError(t, err)
	return store
}

func TestCatalogCacheSharesSnapshotsThroughStore(t *testing.T) {
	clock := newFakeClock()
	store := newRedisStore(t)
	ctx := context.Background()

	replicaA := &stubFetcher{}
	replicaB := &stubFetcher{}
	cacheA := newTestCache(t, replicaA, clock, store)
	cacheB := newTestCache(t, replicaB, clock, store)

	fromA, err := cacheA.Get(ctx, "SA")
	require.NoError(t, err)
	fromB, err := cacheB.Get(ctx, "SA")
	require.NoError(t, err)

	assert.Equal(t, int32(1), replicaA.calls.Load())
	assert.Equal(t, int32(0), replicaB.calls.Load())
	assert.True(t, fromA.FetchedAt.Equal(fromB.FetchedAt))
	assert.Equal(t, fromA.Packages[0].RetailPriceMinor, fromB.Packages[0].RetailPriceMinor)

	require.NoError(t, cacheA.Invalidate(ctx, "SA"))
	_, err = store.Load(ctx, "SA")
	assert.ErrorIs(t, err, repositories.ErrSnapshotNotFound)
}

func TestCatalogCacheFallsBackToStaleSharedSnapshot(t *testing.T) {
	clock := newFakeClock()
	store := newRedisStore(t)
	ctx := context.Background()

	warm := newTestCache(t, &stubFetcher{}, clock, store)
	seeded, err := warm.Get(ctx, "SA")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	failing := &stubFetcher{}
	failing.setErr(&esimaccess.Error{Kind: esimaccess.KindTransport})
	cold := newTestCache(t, failing, clock, store)

	snap, err := cold.Get(ctx, "SA")
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.True(t, seeded.FetchedAt.Equal(snap.FetchedAt))
	assert.Equal(t, int32(1), failing.calls.Load())
}

func TestCatalogCacheWarmJoinsErrors(t *testing.T) {
	fetcher := CatalogFetcherFunc(func(ctx context.Context, market string) ([]domain.Package, error) {
		if market == "AE" {
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	cache := newTestCache(t, fetcher, newFakeClock(), nil)
	err := cache.Warm(context.Background(), "SA", "AE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AE")
	assert.Equal(t, CacheStateFresh, cache.State("SA"))
}
