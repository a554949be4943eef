package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
)

var marketPattern = regexp.MustCompile(`^[A-Z]{2}$`)

var (
	// ErrInvalidMarket indicates a market that is not a two-letter country code.
	ErrInvalidMarket = errors.New("catalog service: invalid market")
	// ErrPackageNotFound indicates the package code is not in the market's catalog.
	ErrPackageNotFound = errors.New("catalog service: package not found")
)

// PackageLister is the upstream surface the catalog fetcher needs.
type PackageLister interface {
	ListPackages(ctx context.Context, market string) ([]esimaccess.PackageRecord, int, error)
}

// UpstreamCatalogFetcher lists raw packages upstream and normalises them.
type UpstreamCatalogFetcher struct {
	lister     PackageLister
	normalizer *PackageNormalizer
	logger     func(context.Context, string, map[string]any)
}

var _ CatalogFetcher = (*UpstreamCatalogFetcher)(nil)

func NewUpstreamCatalogFetcher(lister PackageLister, normalizer *PackageNormalizer, logger func(context.Context, string, map[string]any)) (*UpstreamCatalogFetcher, error) {
	if lister == nil {
		return nil, errors.New("catalog fetcher: package lister is required")
	}
	if normalizer == nil {
		return nil, errors.New("catalog fetcher: normalizer is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &UpstreamCatalogFetcher{lister: lister, normalizer: normalizer, logger: logger}, nil
}

func (f *UpstreamCatalogFetcher) FetchPackages(ctx context.Context, market string) ([]domain.Package, error) {
	records, dropped, err := f.lister.ListPackages(ctx, market)
	if err != nil {
		return nil, err
	}
	result := f.normalizer.Normalize(ctx, market, records)
	f.logger(ctx, "catalog.fetch.normalized", map[string]any{
		"market":   market,
		"received": len(records) + dropped,
		"accepted": len(result.Packages),
		"skipped":  len(result.Skipped),
		"dropped":  dropped,
	})
	return result.Packages, nil
}

// CatalogServiceDeps bundles constructor inputs for the catalog service.
type CatalogServiceDeps struct {
	Cache         *CatalogCache
	DefaultMarket string
	Logger        func(context.Context, string, map[string]any)
}

type catalogService struct {
	cache         *CatalogCache
	defaultMarket string
	logger        func(context.Context, string, map[string]any)
}

var _ CatalogService = (*catalogService)(nil)

// NewCatalogService constructs the catalog service over an existing cache.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Cache == nil {
		return nil, errors.New("catalog service: cache is required")
	}
	defaultMarket := domain.NormalizeMarket(deps.DefaultMarket)
	if defaultMarket != "" && !marketPattern.MatchString(defaultMarket) {
		return nil, fmt.Errorf("%w: default market %q", ErrInvalidMarket, deps.DefaultMarket)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogService{cache: deps.Cache, defaultMarket: defaultMarket, logger: logger}, nil
}

func (s *catalogService) resolveMarket(market string) (string, error) {
	market = domain.NormalizeMarket(market)
	if market == "" {
		market = s.defaultMarket
	}
	if !marketPattern.MatchString(market) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMarket, market)
	}
	return market, nil
}

func (s *catalogService) ListPackages(ctx context.Context, market string) (domain.CatalogSnapshot, error) {
	resolved, err := s.resolveMarket(market)
	if err != nil {
		return domain.CatalogSnapshot{}, err
	}
	return s.cache.Get(ctx, resolved)
}

func (s *catalogService) FindPackage(ctx context.Context, market, code string) (domain.Package, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Package{}, ErrPackageNotFound
	}
	snapshot, err := s.ListPackages(ctx, market)
	if err != nil {
		return domain.Package{}, err
	}
	pkg, ok := snapshot.Find(code)
	if !ok {
		return domain.Package{}, fmt.Errorf("%w: %s/%s", ErrPackageNotFound, snapshot.Market, code)
	}
	return pkg, nil
}

// Invalidate clears the given markets, or every market when none are given.
func (s *catalogService) Invalidate(ctx context.Context, markets ...string) error {
	if len(markets) == 0 {
		s.logger(ctx, "catalog.invalidate", map[string]any{"scope": "all"})
		return s.cache.InvalidateAll(ctx)
	}
	resolved := make([]string, 0, len(markets))
	for _, market := range markets {
		m, err := s.resolveMarket(market)
		if err != nil {
			return err
		}
		resolved = append(resolved, m)
	}
	s.logger(ctx, "catalog.invalidate", map[string]any{"markets": resolved})
	return s.cache.Invalidate(ctx, resolved...)
}

// Warm preloads markets, defaulting to the configured market.
func (s *catalogService) Warm(ctx context.Context, markets ...string) error {
	if len(markets) == 0 && s.defaultMarket != "" {
		markets = []string{s.defaultMarket}
	}
	resolved := make([]string, 0, len(markets))
	for _, market := range markets {
		m, err := s.resolveMarket(market)
		if err != nil {
			return err
		}
		resolved = append(resolved, m)
	}
	return s.cache.Warm(ctx, resolved...)
}
