package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
)

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestNewRouterHealthEndpoints(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	system := &stubSystemService{report: domain.SystemHealthReport{
		Status:      domain.HealthStatusDegraded,
		GeneratedAt: now,
		Checks: map[string]domain.SystemHealthCheck{
			"upstream": {Status: domain.HealthStatusOK, CheckedAt: now},
			"catalog":  {Status: domain.HealthStatusDegraded, Detail: "SA=stale", CheckedAt: now},
		},
	}}
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(
		WithHealthSystemService(system),
		WithHealthClock(func() time.Time { return now }),
	)))

	t.Run("healthz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		if decodeBody(t, rr)["status"] != "ok" {
			t.Fatalf("unexpected body %s", rr.Body.String())
		}
	})

	t.Run("readyz degraded stays in rotation", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		body := decodeBody(t, rr)
		checks, _ := body["checks"].(map[string]any)
		catalog, _ := checks["catalog"].(map[string]any)
		if body["status"] != "degraded" || catalog["detail"] != "SA=stale" {
			t.Fatalf("unexpected body %s", rr.Body.String())
		}
	})

	t.Run("readyz error", func(t *testing.T) {
		system.report.Status = domain.HealthStatusError
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
	})
}

func TestNewRouterFallbacks(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound || decodeBody(t, rr)["error"] != "route_not_found" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/internal/account/balance", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 for unregistered group, got %d", rr.Code)
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	handler := RateLimit(2, func() time.Time { return now })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/public/markets/SA/packages", nil)
		req.RemoteAddr = remote
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := send("203.0.113.1:5000"); rr.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, rr.Code)
		}
	}
	rr := send("203.0.113.1:5001")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "30" {
		t.Fatalf("expected Retry-After 30, got %q", rr.Header().Get("Retry-After"))
	}
	if rr := send("198.51.100.7:5000"); rr.Code != http.StatusNoContent {
		t.Fatalf("other client should not be limited, got %d", rr.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	if got := RateLimit(0, nil)(next); got == nil {
		t.Fatal("expected passthrough handler")
	}
}
