package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// CacheStateReader reports catalog cache state without fetching.
type CacheStateReader interface {
	State(market string) CacheState
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Catalog and Markets add a "catalog" check describing cache state per market.
	Catalog CacheStateReader
	Markets []string
	Clock   func() time.Time
	Build   BuildInfo
}

type systemService struct {
	healthRepo repositories.HealthRepository
	catalog    CacheStateReader
	markets    []string
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service providing health reports and build metadata.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	markets := make([]string, 0, len(deps.Markets))
	for _, market := range deps.Markets {
		if m := domain.NormalizeMarket(market); m != "" {
			markets = append(markets, m)
		}
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		catalog:    deps.Catalog,
		markets:    markets,
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return domain.SystemHealthReport{}, err
	}

	now := s.clock()
	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, now)
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)

	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if len(report.Checks) == 0 {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if s.catalog != nil && len(s.markets) > 0 {
		report.Checks["catalog"] = s.catalogCheck(now)
		if report.Status == domain.HealthStatusOK && report.Checks["catalog"].Status != domain.HealthStatusOK {
			report.Status = domain.HealthStatusDegraded
		}
	}

	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}

	return report, nil
}

// catalogCheck never reports an error: an empty or stale cache still serves (or
// retries) and must not take the instance out of rotation.
func (s *systemService) catalogCheck(now time.Time) domain.SystemHealthCheck {
	check := domain.SystemHealthCheck{Status: domain.HealthStatusOK, CheckedAt: now}
	var details []string
	for _, market := range s.markets {
		state := s.catalog.State(market)
		details = append(details, fmt.Sprintf("%s=%s", market, state))
		if state != CacheStateFresh {
			check.Status = domain.HealthStatusDegraded
		}
	}
	check.Detail = strings.Join(details, ",")
	return check
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	if len(checks) == 0 {
		return domain.HealthStatusOK
	}
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
