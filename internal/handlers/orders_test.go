package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/platform/idempotency"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/services"
)

const orderBody = `{"market":"SA","packageCode":"SA_1_7","transactionId":"txn-123","traveler":{"name":"Aisha","email":"aisha@example.com"}}`

func newOrderRouter(orders services.OrderService, profiles services.ProfileService, submitMW ...func(http.Handler) http.Handler) chi.Router {
	return NewRouter(WithOrderRoutes(NewOrderHandlers(orders, profiles).Routes(submitMW...)))
}

func postOrder(router http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestSubmitOrderCreated(t *testing.T) {
	submittedAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var got services.OrderRequest
	orders := &stubOrderService{submitFn: func(_ context.Context, req services.OrderRequest) (domain.Order, error) {
		got = req
		return domain.Order{
			PackageCode:     req.PackageCode,
			TransactionID:   req.TransactionID,
			SupplierOrderID: strPtr("B2503010001"),
			SubmittedAt:     submittedAt,
		}, nil
	}}

	rr := postOrder(newOrderRouter(orders, nil), orderBody)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.TransactionID != "txn-123" || got.Market != "SA" || got.Traveler == nil || got.Traveler.Email != "aisha@example.com" {
		t.Fatalf("unexpected request %+v", got)
	}
	body := decodeBody(t, rr)
	if body["orderNo"] != "B2503010001" || body["tranId"] != nil || body["transactionId"] != "txn-123" {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestSubmitOrderErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
		check  func(t *testing.T, body map[string]any)
	}{
		{
			name:   "invalid request",
			err:    &services.OrderError{Code: services.OrderErrorInvalidRequest, Message: "packageCode is required"},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name: "business",
			err: &services.OrderError{
				Code:          services.OrderErrorUpstreamBusiness,
				UpstreamCode:  "310241",
				ExtractedCode: "310241",
				Message:       "insufficient balance",
				Err:           &esimaccess.Error{Kind: esimaccess.KindBusiness, Code: "310241"},
			},
			status: http.StatusUnprocessableEntity,
			code:   "upstream_business",
			check: func(t *testing.T, body map[string]any) {
				if body["upstreamCode"] != "310241" || body["extractedCode"] != "310241" || body["retryable"] != false {
					t.Fatalf("unexpected details %v", body)
				}
			},
		},
		{
			name:   "transport",
			err:    &services.OrderError{Code: services.OrderErrorUpstreamTransport, Message: "supplier unavailable"},
			status: http.StatusBadGateway,
			code:   "upstream_transport",
			check: func(t *testing.T, body map[string]any) {
				if body["retryable"] != true {
					t.Fatalf("expected retryable, got %v", body)
				}
			},
		},
		{
			name:   "timeout",
			err:    &services.OrderError{Code: services.OrderErrorUpstreamTimeout},
			status: http.StatusGatewayTimeout,
			code:   "upstream_timeout",
		},
		{
			name:   "unknown package",
			err:    &services.OrderError{Code: services.OrderErrorUnknownPackage, Message: "unknown package"},
			status: http.StatusUnprocessableEntity,
			code:   "unknown_package",
		},
		{
			name:   "missing identifiers",
			err:    &services.OrderError{Code: services.OrderErrorMissingIdentifiers},
			status: http.StatusBadGateway,
			code:   "missing_identifiers",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := &stubOrderService{submitFn: func(context.Context, services.OrderRequest) (domain.Order, error) {
				return domain.Order{}, tc.err
			}}
			rr := postOrder(newOrderRouter(orders, nil), orderBody)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			body := decodeBody(t, rr)
			if body["error"] != tc.code {
				t.Fatalf("expected code %q, got %v", tc.code, body["error"])
			}
			if tc.check != nil {
				tc.check(t, body)
			}
		})
	}
}

func TestSubmitOrderRejectsInvalidJSON(t *testing.T) {
	orders := &stubOrderService{}
	rr := postOrder(newOrderRouter(orders, nil), `{"packageCode":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if orders.calls != 0 {
		t.Fatal("service should not be called")
	}
}

func TestSubmitOrderReplaysByTransactionID(t *testing.T) {
	orders := &stubOrderService{submitFn: func(_ context.Context, req services.OrderRequest) (domain.Order, error) {
		return domain.Order{PackageCode: req.PackageCode, TransactionID: req.TransactionID, SupplierOrderID: strPtr("B1")}, nil
	}}
	mw := idempotency.Middleware(idempotency.NewMemoryStore(), idempotency.WithKeyFallback(TransactionIDKey))
	router := newOrderRouter(orders, nil, mw)

	first := postOrder(router, orderBody)
	second := postOrder(router, orderBody)

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("unexpected statuses %d %d", first.Code, second.Code)
	}
	if orders.calls != 1 {
		t.Fatalf("expected a single upstream submission, got %d", orders.calls)
	}
	if second.Header().Get(idempotency.ReplayHeader) == "" {
		t.Fatal("expected replay header on second response")
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed body differs: %s vs %s", first.Body.String(), second.Body.String())
	}
}

func TestTransactionIDKey(t *testing.T) {
	if got := TransactionIDKey(nil, []byte(`{"transactionId":" txn-9 "}`)); got != "txn-9" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := TransactionIDKey(nil, []byte(`not json`)); got != "" {
		t.Fatalf("expected empty key, got %q", got)
	}
}

func TestGetProfile(t *testing.T) {
	ready := &domain.ProvisionedProfile{
		OrderNo:        "B1",
		TranID:         "T1",
		ICCID:          "8966",
		ActivationCode: "LPA:1$smdp.example$ABC",
		QRPayload:      "https://qr.example/ABC.png",
		Status:         domain.ProfileStatusReady,
		UpstreamStatus: "GOT_RESOURCE",
	}
	profiles := &stubProfileService{pollFn: func(_ context.Context, q services.ProfileQuery) (*domain.ProvisionedProfile, error) {
		switch {
		case q.OrderNo == "" && q.TranID == "":
			return nil, services.ErrMissingIdentifier
		case q.TranID == "T1":
			return ready, nil
		case q.TranID == "REJECT":
			return nil, &esimaccess.Error{Kind: esimaccess.KindBusiness, Code: "200007"}
		case q.TranID == "SLOW":
			return nil, &esimaccess.Error{Kind: esimaccess.KindTimeout}
		default:
			return nil, nil
		}
	}}
	router := newOrderRouter(nil, profiles)

	cases := []struct {
		query  string
		status int
		check  func(t *testing.T, body map[string]any)
	}{
		{"?tranId=T1", http.StatusOK, func(t *testing.T, body map[string]any) {
			if body["status"] != "ready" || body["activationCode"] != "LPA:1$smdp.example$ABC" || body["iccid"] != "8966" {
				t.Fatalf("unexpected body %v", body)
			}
		}},
		{"?orderNo=B2", http.StatusAccepted, func(t *testing.T, body map[string]any) {
			if body["status"] != "pending" || body["orderNo"] != "B2" {
				t.Fatalf("unexpected body %v", body)
			}
		}},
		{"", http.StatusBadRequest, nil},
		{"?tranId=REJECT", http.StatusUnprocessableEntity, func(t *testing.T, body map[string]any) {
			if body["upstreamCode"] != "200007" {
				t.Fatalf("unexpected body %v", body)
			}
		}},
		{"?tranId=SLOW", http.StatusGatewayTimeout, nil},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/orders/profile"+tc.query, nil))
		if rr.Code != tc.status {
			t.Fatalf("%q: expected %d, got %d: %s", tc.query, tc.status, rr.Code, rr.Body.String())
		}
		if tc.check != nil {
			tc.check(t, decodeBody(t, rr))
		}
	}
}
