package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/auth"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/httpx"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/services"
)

const maxInternalBodySize = 64 * 1024

// InternalHandlers serves operator and scheduler endpoints behind OIDC.
type InternalHandlers struct {
	catalog  services.CatalogService
	accounts services.AccountService
}

func NewInternalHandlers(catalog services.CatalogService, accounts services.AccountService) *InternalHandlers {
	return &InternalHandlers{catalog: catalog, accounts: accounts}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/account/balance", h.balance)
	r.Post("/account/usage", h.usage)
	r.Post("/catalog/invalidate", h.invalidateCatalog)
}

type usageRequest struct {
	TranIDs []string `json:"tranIds"`
}

type usagePayload struct {
	TranID         string `json:"tranId"`
	UsedBytes      uint64 `json:"usedBytes"`
	TotalBytes     uint64 `json:"totalBytes"`
	RemainingBytes uint64 `json:"remainingBytes"`
	LastUpdated    string `json:"lastUpdated,omitempty"`
}

type invalidateRequest struct {
	Markets []string `json:"markets"`
	Warm    bool     `json:"warm"`
}

func (h *InternalHandlers) balance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.accounts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("account_service_unavailable", "account service unavailable", http.StatusServiceUnavailable))
		return
	}
	balance, err := h.accounts.Balance(ctx)
	if err != nil {
		writeUpstreamError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"amountMinor": balance.AmountMinor,
		"currency":    balance.Currency,
	})
}

func (h *InternalHandlers) usage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.accounts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("account_service_unavailable", "account service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req usageRequest
	if !decodeInternalBody(w, r, &req) {
		return
	}

	usage, err := h.accounts.Usage(ctx, req.TranIDs...)
	if err != nil {
		if errors.Is(err, services.ErrInvalidUsageQuery) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		writeUpstreamError(ctx, w, err)
		return
	}

	items := make([]usagePayload, 0, len(usage))
	for _, u := range usage {
		item := usagePayload{
			TranID:         u.TranID,
			UsedBytes:      u.UsedBytes,
			TotalBytes:     u.TotalBytes,
			RemainingBytes: u.RemainingBytes,
		}
		if !u.LastUpdated.IsZero() {
			item.LastUpdated = u.LastUpdated.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"usage": items})
}

// invalidateCatalog drops cached snapshots for the requested markets, or all of them
// when none are named. With warm set the default or named markets are refetched.
func (h *InternalHandlers) invalidateCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service unavailable", http.StatusServiceUnavailable))
		return
	}
	var req invalidateRequest
	if !decodeInternalBody(w, r, &req) {
		return
	}
	if raw := r.URL.Query().Get("warm"); raw != "" {
		if warm, err := strconv.ParseBool(raw); err == nil {
			req.Warm = warm
		}
	}

	if err := h.catalog.Invalidate(ctx, req.Markets...); err != nil {
		if errors.Is(err, services.ErrInvalidMarket) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_market", err.Error(), http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("catalog_invalidate_failed", err.Error(), http.StatusInternalServerError))
		return
	}

	payload := map[string]any{"invalidated": req.Markets, "warmed": false}
	if len(req.Markets) == 0 {
		payload["invalidated"] = "all"
	}
	if identity, ok := auth.ServiceIdentityFromContext(ctx); ok {
		payload["requestedBy"] = identity.Email
	}
	if req.Warm {
		if err := h.catalog.Warm(ctx, req.Markets...); err != nil {
			payload["warmError"] = err.Error()
		} else {
			payload["warmed"] = true
		}
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func decodeInternalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxInternalBodySize)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}
