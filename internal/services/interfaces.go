package services

import (
	"context"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
)

// CatalogService exposes the cached, normalised catalog per market.
type CatalogService interface {
	ListPackages(ctx context.Context, market string) (domain.CatalogSnapshot, error)
	FindPackage(ctx context.Context, market, code string) (domain.Package, error)
	Invalidate(ctx context.Context, markets ...string) error
	Warm(ctx context.Context, markets ...string) error
}

// OrderService submits purchases upstream. It never generates transaction ids and
// performs no local deduplication.
type OrderService interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (domain.Order, error)
}

// ProfileService performs single-shot profile lookups. A nil profile with a nil error
// means provisioning has not completed yet.
type ProfileService interface {
	PollProfile(ctx context.Context, query ProfileQuery) (*domain.ProvisionedProfile, error)
}

// AccountService reads merchant balance and per-profile usage.
type AccountService interface {
	Balance(ctx context.Context) (domain.Balance, error)
	Usage(ctx context.Context, tranIDs ...string) ([]domain.Usage, error)
}

// SystemService provides health reports and build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}
