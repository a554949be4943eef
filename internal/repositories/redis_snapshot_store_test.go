package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
)

func setupSnapshotStore(t *testing.T) (*RedisSnapshotStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisSnapshotStore(client, "test:catalog:")
	require.NoError(t, err)
	return store, mr
}

func sampleSnapshot(market string, fetchedAt time.Time) domain.CatalogSnapshot {
	bytes := 10 * domain.BytesPerGB
	return domain.CatalogSnapshot{
		Market:    market,
		FetchedAt: fetchedAt,
		Packages: []domain.Package{
			{
				Code:                "SA-10GB-30D",
				Name:                "Saudi Arabia 10GB",
				CountryCode:         market,
				DataAllowanceBytes:  &bytes,
				DataAllowanceGB:     10,
				DurationDays:        30,
				WholesalePriceMinor: 1999,
				RetailPriceMinor:    2399,
				Currency:            "USD",
				MarginApplied:       1.2,
				IsEnabled:           true,
			},
			{
				Code:        "SA-UNL-7D",
				CountryCode: market,
				IsUnlimited: true,
				IsEnabled:   true,
			},
		},
	}
}

func TestRedisSnapshotStoreRoundTrip(t *testing.T) {
	store, mr := setupSnapshotStore(t)
	ctx := context.Background()
	fetchedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, sampleSnapshot("SA", fetchedAt), time.Hour))
	assert.True(t, mr.Exists("test:catalog:SA"))
	assert.Equal(t, time.Hour, mr.TTL("test:catalog:SA"))

	got, err := store.Load(ctx, "sa")
	require.NoError(t, err)
	assert.Equal(t, "SA", got.Market)
	assert.True(t, got.FetchedAt.Equal(fetchedAt))
	require.Len(t, got.Packages, 2)
	require.NotNil(t, got.Packages[0].DataAllowanceBytes)
	assert.Equal(t, 10*domain.BytesPerGB, *got.Packages[0].DataAllowanceBytes)
	assert.Equal(t, uint64(2399), got.Packages[0].RetailPriceMinor)
	assert.Nil(t, got.Packages[1].DataAllowanceBytes)
	assert.True(t, got.Packages[1].IsUnlimited)
}

func TestRedisSnapshotStoreMiss(t *testing.T) {
	store, mr := setupSnapshotStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, "SA")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	mr.Set("test:catalog:AE", `{"v":0,"market":"AE"}`)
	_, err = store.Load(ctx, "AE")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)

	mr.Set("test:catalog:JO", "not json")
	_, err = store.Load(ctx, "JO")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSnapshotNotFound)
}

func TestRedisSnapshotStoreExpiry(t *testing.T) {
	store, mr := setupSnapshotStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleSnapshot("SA", time.Now()), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := store.Load(ctx, "SA")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestRedisSnapshotStoreDeleteAndClear(t *testing.T) {
	store, mr := setupSnapshotStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, m := range []string{"SA", "AE", "JO"} {
		require.NoError(t, store.Save(ctx, sampleSnapshot(m, now), time.Hour))
	}
	mr.Set("unrelated", "keep")

	require.NoError(t, store.Delete(ctx, "sa"))
	assert.False(t, mr.Exists("test:catalog:SA"))
	assert.True(t, mr.Exists("test:catalog:AE"))

	require.NoError(t, store.Clear(ctx))
	assert.False(t, mr.Exists("test:catalog:AE"))
	assert.False(t, mr.Exists("test:catalog:JO"))
	assert.True(t, mr.Exists("unrelated"))

	require.NoError(t, store.Ping(ctx))
}
