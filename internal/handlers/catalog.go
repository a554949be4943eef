package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/httpx"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/services"
)

// CatalogHandlers exposes the cached package catalog to the anonymous storefront.
type CatalogHandlers struct {
	catalog services.CatalogService
}

func NewCatalogHandlers(catalog services.CatalogService) *CatalogHandlers {
	return &CatalogHandlers{catalog: catalog}
}

// Routes registers the /public catalog endpoints.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/markets/{market}/packages", h.listPackages)
	r.Get("/markets/{market}/packages/{code}", h.getPackage)
}

type packagePayload struct {
	Code               string  `json:"code"`
	Name               string  `json:"name"`
	CountryCode        string  `json:"countryCode"`
	DataAllowanceBytes *uint64 `json:"dataAllowanceBytes"`
	DataAllowanceGB    float64 `json:"dataAllowanceGb"`
	Unlimited          bool    `json:"unlimited"`
	DurationDays       uint32  `json:"durationDays"`
	RetailPriceMinor   uint64  `json:"retailPriceMinor"`
	Currency           string  `json:"currency"`
	Purchasable        bool    `json:"purchasable"`
}

type catalogPayload struct {
	Market    string           `json:"market"`
	FetchedAt string           `json:"fetchedAt,omitempty"`
	Stale     bool             `json:"stale"`
	Packages  []packagePayload `json:"packages"`
}

func (h *CatalogHandlers) listPackages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	market := domain.NormalizeMarket(chi.URLParam(r, "market"))
	if h.catalog == nil {
		writeCatalogUnavailable(ctx, w, market)
		return
	}

	snapshot, err := h.catalog.ListPackages(ctx, market)
	if err != nil {
		if errors.Is(err, services.ErrInvalidMarket) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_market", "market must be a two-letter country code", http.StatusBadRequest))
			return
		}
		writeCatalogUnavailable(ctx, w, market)
		return
	}

	payload := catalogPayload{
		Market:   snapshot.Market,
		Stale:    snapshot.Stale,
		Packages: make([]packagePayload, 0, len(snapshot.Packages)),
	}
	if !snapshot.FetchedAt.IsZero() {
		payload.FetchedAt = snapshot.FetchedAt.UTC().Format(time.RFC3339)
	}
	for _, pkg := range snapshot.Packages {
		payload.Packages = append(payload.Packages, buildPackagePayload(pkg))
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (h *CatalogHandlers) getPackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	market := domain.NormalizeMarket(chi.URLParam(r, "market"))
	code := chi.URLParam(r, "code")
	if h.catalog == nil {
		writeCatalogUnavailable(ctx, w, market)
		return
	}

	pkg, err := h.catalog.FindPackage(ctx, market, code)
	switch {
	case err == nil:
		httpx.WriteJSON(w, http.StatusOK, buildPackagePayload(pkg))
	case errors.Is(err, services.ErrInvalidMarket):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_market", "market must be a two-letter country code", http.StatusBadRequest))
	case errors.Is(err, services.ErrPackageNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("package_not_found", "package not found", http.StatusNotFound))
	default:
		writeCatalogUnavailable(ctx, w, market)
	}
}

// writeCatalogUnavailable keeps the response shape of a successful listing so the
// storefront can render an empty plan list.
func writeCatalogUnavailable(ctx context.Context, w http.ResponseWriter, market string) {
	httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "package catalog is temporarily unavailable", http.StatusServiceUnavailable).
		WithDetails(map[string]any{
			"market":   market,
			"packages": []packagePayload{},
		}))
}

func buildPackagePayload(pkg domain.Package) packagePayload {
	return packagePayload{
		Code:               pkg.Code,
		Name:               pkg.Name,
		CountryCode:        pkg.CountryCode,
		DataAllowanceBytes: pkg.DataAllowanceBytes,
		DataAllowanceGB:    pkg.DataAllowanceGB,
		Unlimited:          pkg.IsUnlimited,
		DurationDays:       pkg.DurationDays,
		RetailPriceMinor:   pkg.RetailPriceMinor,
		Currency:           pkg.Currency,
		Purchasable:        pkg.Purchasable(),
	}
}
