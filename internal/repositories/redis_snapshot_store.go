package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
)

const (
	defaultKeyPrefix = "esim:catalog:"
	snapshotVersion  = 1
)

// RedisSnapshotStore keeps catalog snapshots as JSON documents keyed by market.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	prefix string
}

var _ SnapshotStore = (*RedisSnapshotStore)(nil)

func NewRedisSnapshotStore(client redis.UniversalClient, prefix string) (*RedisSnapshotStore, error) {
	if client == nil {
		return nil, errors.New("redis snapshot store: client is required")
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisSnapshotStore{client: client, prefix: prefix}, nil
}

type snapshotDocument struct {
	Version   int               `json:"v"`
	Market    string            `json:"market"`
	FetchedAt time.Time         `json:"fetchedAt"`
	Packages  []packageDocument `json:"packages"`
}

type packageDocument struct {
	Code                string  `json:"code"`
	Name                string  `json:"name,omitempty"`
	CountryCode         string  `json:"countryCode"`
	DataAllowanceBytes  *uint64 `json:"dataAllowanceBytes"`
	DataAllowanceGB     float64 `json:"dataAllowanceGb"`
	DurationDays        uint32  `json:"durationDays"`
	WholesalePriceMinor uint64  `json:"wholesalePriceMinor"`
	RetailPriceMinor    uint64  `json:"retailPriceMinor"`
	Currency            string  `json:"currency"`
	MarginApplied       float64 `json:"marginApplied"`
	IsUnlimited         bool    `json:"isUnlimited"`
	IsEnabled           bool    `json:"isEnabled"`
}

func (s *RedisSnapshotStore) Load(ctx context.Context, market string) (domain.CatalogSnapshot, error) {
	market = domain.NormalizeMarket(market)
	data, err := s.client.Get(ctx, s.key(market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CatalogSnapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return domain.CatalogSnapshot{}, fmt.Errorf("redis get snapshot %s: %w", market, err)
	}

	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.CatalogSnapshot{}, fmt.Errorf("decode snapshot %s: %w", market, err)
	}
	if doc.Version != snapshotVersion || doc.Market != market {
		return domain.CatalogSnapshot{}, ErrSnapshotNotFound
	}

	snap := domain.CatalogSnapshot{
		Market:    doc.Market,
		FetchedAt: doc.FetchedAt,
		Packages:  make([]domain.Package, 0, len(doc.Packages)),
	}
	for _, p := range doc.Packages {
		snap.Packages = append(snap.Packages, domain.Package{
			Code:                p.Code,
			Name:                p.Name,
			CountryCode:         p.CountryCode,
			DataAllowanceBytes:  p.DataAllowanceBytes,
			DataAllowanceGB:     p.DataAllowanceGB,
			DurationDays:        p.DurationDays,
			WholesalePriceMinor: p.WholesalePriceMinor,
			RetailPriceMinor:    p.RetailPriceMinor,
			Currency:            p.Currency,
			MarginApplied:       p.MarginApplied,
			IsUnlimited:         p.IsUnlimited,
			IsEnabled:           p.IsEnabled,
		})
	}
	return snap, nil
}

func (s *RedisSnapshotStore) Save(ctx context.Context, snapshot domain.CatalogSnapshot, retention time.Duration) error {
	market := domain.NormalizeMarket(snapshot.Market)
	if market == "" {
		return errors.New("redis snapshot store: snapshot market is required")
	}
	doc := snapshotDocument{
		Version:   snapshotVersion,
		Market:    market,
		FetchedAt: snapshot.FetchedAt.UTC(),
		Packages:  make([]packageDocument, 0, len(snapshot.Packages)),
	}
	for _, p := range snapshot.Packages {
		doc.Packages = append(doc.Packages, packageDocument{
			Code:                p.Code,
			Name:                p.Name,
			CountryCode:         p.CountryCode,
			DataAllowanceBytes:  p.DataAllowanceBytes,
			DataAllowanceGB:     p.DataAllowanceGB,
			DurationDays:        p.DurationDays,
			WholesalePriceMinor: p.WholesalePriceMinor,
			RetailPriceMinor:    p.RetailPriceMinor,
			Currency:            p.Currency,
			MarginApplied:       p.MarginApplied,
			IsUnlimited:         p.IsUnlimited,
			IsEnabled:           p.IsEnabled,
		})
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", market, err)
	}
	if err := s.client.Set(ctx, s.key(market), payload, retention).Err(); err != nil {
		return fmt.Errorf("redis set snapshot %s: %w", market, err)
	}
	return nil
}

func (s *RedisSnapshotStore) Delete(ctx context.Context, markets ...string) error {
	if len(markets) == 0 {
		return nil
	}
	keys := make([]string, 0, len(markets))
	for _, m := range markets {
		keys = append(keys, s.key(domain.NormalizeMarket(m)))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete snapshots: %w", err)
	}
	return nil
}

// Clear removes every snapshot under the store prefix.
func (s *RedisSnapshotStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan snapshots: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis clear snapshots: %w", err)
	}
	return nil
}

func (s *RedisSnapshotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSnapshotStore) key(market string) string {
	return s.prefix + market
}
