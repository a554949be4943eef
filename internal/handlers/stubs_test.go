package handlers

import (
	"context"
	"errors"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/services"
)

type stubCatalogService struct {
	listFn       func(context.Context, string) (domain.CatalogSnapshot, error)
	findFn       func(context.Context, string, string) (domain.Package, error)
	invalidateFn func(context.Context, ...string) error
	warmFn       func(context.Context, ...string) error
}

func (s *stubCatalogService) ListPackages(ctx context.Context, market string) (domain.CatalogSnapshot, error) {
	if s.listFn != nil {
		return s.listFn(ctx, market)
	}
	return domain.CatalogSnapshot{}, errors.New("not implemented")
}

func (s *stubCatalogService) FindPackage(ctx context.Context, market, code string) (domain.Package, error) {
	if s.findFn != nil {
		return s.findFn(ctx, market, code)
	}
	return domain.Package{}, errors.New("not implemented")
}

func (s *stubCatalogService) Invalidate(ctx context.Context, markets ...string) error {
	if s.invalidateFn != nil {
		return s.invalidateFn(ctx, markets...)
	}
	return nil
}

func (s *stubCatalogService) Warm(ctx context.Context, markets ...string) error {
	if s.warmFn != nil {
		return s.warmFn(ctx, markets...)
	}
	return nil
}

type stubOrderService struct {
	submitFn func(context.Context, services.OrderRequest) (domain.Order, error)
	calls    int
}

func (s *stubOrderService) SubmitOrder(ctx context.Context, req services.OrderRequest) (domain.Order, error) {
	s.calls++
	if s.submitFn != nil {
		return s.submitFn(ctx, req)
	}
	return domain.Order{}, errors.New("not implemented")
}

type stubProfileService struct {
	pollFn func(context.Context, services.ProfileQuery) (*domain.ProvisionedProfile, error)
}

func (s *stubProfileService) PollProfile(ctx context.Context, query services.ProfileQuery) (*domain.ProvisionedProfile, error) {
	if s.pollFn != nil {
		return s.pollFn(ctx, query)
	}
	return nil, nil
}

type stubAccountService struct {
	balanceFn func(context.Context) (domain.Balance, error)
	usageFn   func(context.Context, ...string) ([]domain.Usage, error)
}

func (s *stubAccountService) Balance(ctx context.Context) (domain.Balance, error) {
	if s.balanceFn != nil {
		return s.balanceFn(ctx)
	}
	return domain.Balance{}, errors.New("not implemented")
}

func (s *stubAccountService) Usage(ctx context.Context, tranIDs ...string) ([]domain.Usage, error) {
	if s.usageFn != nil {
		return s.usageFn(ctx, tranIDs...)
	}
	return nil, errors.New("not implemented")
}

type stubSystemService struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func strPtr(v string) *string { return &v }
