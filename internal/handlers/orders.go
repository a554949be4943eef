package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/httpx"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/requestctx"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/services"
)

const (
	maxOrderBodySize         = 16 * 1024
	pendingProfileRetryAfter = 15 * time.Second
)

var errBodyTooLarge = errors.New("request body too large")

// OrderHandlers submits orders and reports provisioning progress for the checkout flow.
type OrderHandlers struct {
	orders   services.OrderService
	profiles services.ProfileService
}

func NewOrderHandlers(orders services.OrderService, profiles services.ProfileService) *OrderHandlers {
	return &OrderHandlers{orders: orders, profiles: profiles}
}

// Routes registers the /orders endpoints. submitMW wraps only the POST route, which
// is where idempotent replay applies.
func (h *OrderHandlers) Routes(submitMW ...func(http.Handler) http.Handler) RouteRegistrar {
	return func(r chi.Router) {
		r.With(submitMW...).Post("/", h.submitOrder)
		r.Get("/profile", h.getProfile)
	}
}

type submitOrderRequest struct {
	Market        string `json:"market"`
	PackageCode   string `json:"packageCode"`
	TransactionID string `json:"transactionId"`
	Traveler      *struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"traveler"`
}

type orderPayload struct {
	PackageCode   string  `json:"packageCode"`
	TransactionID string  `json:"transactionId"`
	OrderNo       *string `json:"orderNo"`
	TranID        *string `json:"tranId"`
	ICCID         *string `json:"iccid"`
	SubmittedAt   string  `json:"submittedAt"`
}

type profilePayload struct {
	Status         string `json:"status"`
	OrderNo        string `json:"orderNo,omitempty"`
	TranID         string `json:"tranId,omitempty"`
	ICCID          string `json:"iccid,omitempty"`
	ActivationCode string `json:"activationCode,omitempty"`
	QRPayload      string `json:"qrPayload,omitempty"`
	UpstreamStatus string `json:"upstreamStatus,omitempty"`
}

func (h *OrderHandlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	var req submitOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.OrderRequest{
		Market:        req.Market,
		PackageCode:   req.PackageCode,
		TransactionID: req.TransactionID,
	}
	if req.Traveler != nil {
		cmd.Traveler = &domain.Traveler{Name: req.Traveler.Name, Email: req.Traveler.Email}
	}

	ctx = requestctx.WithTransactionID(ctx, req.TransactionID)
	order, err := h.orders.SubmitOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, orderPayload{
		PackageCode:   order.PackageCode,
		TransactionID: order.TransactionID,
		OrderNo:       order.SupplierOrderID,
		TranID:        order.SupplierTranID,
		ICCID:         order.ICCID,
		SubmittedAt:   order.SubmittedAt.UTC().Format(time.RFC3339),
	})
}

func (h *OrderHandlers) getProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.profiles == nil {
		httpx.WriteError(ctx, w, httpx.NewError("profile_service_unavailable", "profile service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := services.ProfileQuery{
		OrderNo: strings.TrimSpace(r.URL.Query().Get("orderNo")),
		TranID:  strings.TrimSpace(r.URL.Query().Get("tranId")),
	}
	profile, err := h.profiles.PollProfile(ctx, query)
	switch {
	case errors.Is(err, services.ErrMissingIdentifier):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderNo or tranId is required", http.StatusBadRequest))
		return
	case err != nil:
		writeUpstreamError(ctx, w, err)
		return
	case profile == nil:
		w.Header().Set("Retry-After", httpx.RetryAfterSeconds(pendingProfileRetryAfter))
		httpx.WriteJSON(w, http.StatusAccepted, profilePayload{
			Status:  string(domain.ProfileStatusPending),
			OrderNo: query.OrderNo,
			TranID:  query.TranID,
		})
		return
	}

	httpx.WriteJSON(w, http.StatusOK, profilePayload{
		Status:         string(profile.Status),
		OrderNo:        profile.OrderNo,
		TranID:         profile.TranID,
		ICCID:          profile.ICCID,
		ActivationCode: profile.ActivationCode,
		QRPayload:      profile.QRPayload,
		UpstreamStatus: profile.UpstreamStatus,
	})
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	var orderErr *services.OrderError
	if !errors.As(err, &orderErr) {
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to submit order", http.StatusInternalServerError))
		return
	}

	status := http.StatusUnprocessableEntity
	switch orderErr.Code {
	case services.OrderErrorInvalidRequest:
		status = http.StatusBadRequest
	case services.OrderErrorUpstreamTransport, services.OrderErrorMissingIdentifiers:
		status = http.StatusBadGateway
	case services.OrderErrorUpstreamTimeout:
		status = http.StatusGatewayTimeout
	}

	details := map[string]any{"retryable": orderErr.Retryable()}
	if orderErr.UpstreamCode != "" {
		details["upstreamCode"] = orderErr.UpstreamCode
	}
	if orderErr.ExtractedCode != "" {
		details["extractedCode"] = orderErr.ExtractedCode
	}
	message := orderErr.Message
	if message == "" {
		message = "order could not be submitted"
	}
	httpx.WriteError(ctx, w, httpx.NewError(string(orderErr.Code), message, status).WithDetails(details))
}

// writeUpstreamError maps esimaccess failures that reach a handler unclassified.
func writeUpstreamError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, esimaccess.ErrTimeout):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_timeout", "supplier did not respond in time", http.StatusGatewayTimeout))
	case errors.Is(err, esimaccess.ErrBusiness):
		details := map[string]any{}
		if upstream, ok := esimaccess.AsError(err); ok && upstream.Code != "" {
			details["upstreamCode"] = upstream.Code
		}
		httpx.WriteError(ctx, w, httpx.NewError("upstream_business", "supplier rejected the request", http.StatusUnprocessableEntity).WithDetails(details))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("upstream_transport", "supplier unavailable", http.StatusBadGateway))
	}
}

// TransactionIDKey lets the idempotency middleware key order submissions on the
// caller's transactionId when no Idempotency-Key header is sent.
func TransactionIDKey(_ *http.Request, body []byte) string {
	var payload struct {
		TransactionID string `json:"transactionId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.TransactionID)
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}
