package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
)

type orderCall struct {
	raw json.RawMessage
	err error
}

type stubOrderSubmitter struct {
	requests  []esimaccess.OrderRequest
	responses []orderCall
}

func (s *stubOrderSubmitter) OrderProfiles(ctx context.Context, req esimaccess.OrderRequest) (json.RawMessage, error) {
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return json.RawMessage(`{"orderNo":"B24010100001"}`), nil
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next.raw, next.err
}

type stubPackageLookup struct {
	pkg    domain.Package
	err    error
	market string
}

func (s *stubPackageLookup) FindPackage(ctx context.Context, market, code string) (domain.Package, error) {
	s.market = market
	return s.pkg, s.err
}

type stubPublisher struct {
	jobs []domain.ProvisioningJob
	err  error
}

func (s *stubPublisher) PublishProvisioningJob(ctx context.Context, job domain.ProvisioningJob) error {
	s.jobs = append(s.jobs, job)
	return s.err
}

func newTestOrderService(t *testing.T, deps OrderServiceDeps) OrderService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	}
	if deps.IDGenerator == nil {
		deps.IDGenerator = func() string { return "job-1" }
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func TestSubmitOrderForwardsTransactionIDUnmodifiedOnRetry(t *testing.T) {
	upstream := &stubOrderSubmitter{responses: []orderCall{
		{err: &esimaccess.Error{Kind: esimaccess.KindTimeout, Path: esimaccess.PathOrderProfiles, Err: context.DeadlineExceeded}},
		{raw: json.RawMessage(`{"orderNo":"B24010100001","esimTranNo":"24010100001234"}`)},
	}}
	svc := newTestOrderService(t, OrderServiceDeps{Upstream: upstream})

	req := OrderRequest{PackageCode: " SA-10GB-30D ", TransactionID: "txn-01HQ 7Z", Traveler: &domain.Traveler{Name: "Amina", Email: "amina@example.com"}}
	_, err := svc.SubmitOrder(context.Background(), req)
	var orderErr *OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("expected OrderError, got %v", err)
	}
	if orderErr.Code != OrderErrorUpstreamTimeout || !orderErr.Retryable() {
		t.Fatalf("expected retryable timeout, got %+v", orderErr)
	}
	if !errors.Is(err, esimaccess.ErrTimeout) {
		t.Fatalf("expected upstream timeout to remain reachable")
	}

	order, err := svc.SubmitOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(upstream.requests) != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", len(upstream.requests))
	}
	for i, sent := range upstream.requests {
		if sent.TransactionID != "txn-01HQ 7Z" {
			t.Fatalf("call %d: transaction id modified to %q", i, sent.TransactionID)
		}
		if sent.PackageCode != "SA-10GB-30D" || sent.TravelerEmail != "amina@example.com" {
			t.Fatalf("call %d: unexpected request %+v", i, sent)
		}
	}
	if order.TransactionID != "txn-01HQ 7Z" || deref(order.SupplierOrderID) != "B24010100001" || deref(order.SupplierTranID) != "24010100001234" {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.ICCID != nil {
		t.Fatalf("expected nil ICCID")
	}
}

func TestSubmitOrderBusinessErrorCarriesCodes(t *testing.T) {
	upstream := &stubOrderSubmitter{responses: []orderCall{
		{err: &esimaccess.Error{Kind: esimaccess.KindBusiness, Message: "Package invalid, error code: 200005"}},
		{err: &esimaccess.Error{Kind: esimaccess.KindBusiness, Code: "310243", Message: "insufficient balance 99999"}},
	}}
	svc := newTestOrderService(t, OrderServiceDeps{Upstream: upstream})
	req := OrderRequest{PackageCode: "SA-1", TransactionID: "txn-1"}

	_, err := svc.SubmitOrder(context.Background(), req)
	var first *OrderError
	if !errors.As(err, &first) {
		t.Fatalf("expected OrderError, got %v", err)
	}
	if first.Code != OrderErrorUpstreamBusiness || first.ExtractedCode != "200005" || first.DiagnosticCode() != "200005" {
		t.Fatalf("unexpected error %+v", first)
	}
	if first.Retryable() || !errors.Is(err, esimaccess.ErrBusiness) {
		t.Fatalf("business errors must not be retryable")
	}

	_, err = svc.SubmitOrder(context.Background(), req)
	var second *OrderError
	if !errors.As(err, &second) {
		t.Fatalf("expected OrderError, got %v", err)
	}
	if second.UpstreamCode != "310243" || second.DiagnosticCode() != "310243" || second.ExtractedCode != "99999" {
		t.Fatalf("structured code should win, got %+v", second)
	}
	var upstreamErr *esimaccess.Error
	if !errors.As(err, &upstreamErr) || upstreamErr.Code != "310243" {
		t.Fatalf("expected upstream error to be reachable")
	}
}

func TestSubmitOrderTransportError(t *testing.T) {
	upstream := &stubOrderSubmitter{responses: []orderCall{
		{err: &esimaccess.Error{Kind: esimaccess.KindHTTPStatus, Status: 502}},
	}}
	svc := newTestOrderService(t, OrderServiceDeps{Upstream: upstream})
	_, err := svc.SubmitOrder(context.Background(), OrderRequest{PackageCode: "SA-1", TransactionID: "txn-1"})
	var orderErr *OrderError
	if !errors.As(err, &orderErr) || orderErr.Code != OrderErrorUpstreamTransport {
		t.Fatalf("expected transport OrderError, got %v", err)
	}
	if orderErr.Message == "" || orderErr.ExtractedCode != "" {
		t.Fatalf("unexpected message/extracted code: %+v", orderErr)
	}
}

func TestSubmitOrderValidatesInput(t *testing.T) {
	upstream := &stubOrderSubmitter{}
	svc := newTestOrderService(t, OrderServiceDeps{Upstream: upstream})
	cases := []OrderRequest{
		{PackageCode: "", TransactionID: "txn"},
		{PackageCode: "SA-1", TransactionID: "   "},
		{PackageCode: "SA-1", TransactionID: "txn", Traveler: &domain.Traveler{Email: "not-an-email"}},
	}
	for _, req := range cases {
		_, err := svc.SubmitOrder(context.Background(), req)
		var orderErr *OrderError
		if !errors.As(err, &orderErr) || orderErr.Code != OrderErrorInvalidRequest {
			t.Fatalf("request %+v: expected invalid_request, got %v", req, err)
		}
	}
	if len(upstream.requests) != 0 {
		t.Fatalf("invalid requests must not reach upstream")
	}
}

func TestSubmitOrderMissingIdentifiers(t *testing.T) {
	upstream := &stubOrderSubmitter{responses: []orderCall{{raw: json.RawMessage(`{"status":"ok"}`)}}}
	publisher := &stubPublisher{}
	svc := newTestOrderService(t, OrderServiceDeps{Upstream: upstream, Publisher: publisher})
	_, err := svc.SubmitOrder(context.Background(), OrderRequest{PackageCode: "SA-1", TransactionID: "txn"})
	var orderErr *OrderError
	if !errors.As(err, &orderErr) || orderErr.Code != OrderErrorMissingIdentifiers {
		t.Fatalf("expected missing_identifiers, got %v", err)
	}
	if len(publisher.jobs) != 0 {
		t.Fatalf("no job should be published without identifiers")
	}
}

func TestSubmitOrderReadsIdentifiersFromProfileList(t *testing.T) {
	upstream := &stubOrderSubmitter{responses: []orderCall{{raw: json.RawMessage(
		`{"orderId":"B1","esimList":[{"esimTranNo":"T1","iccid":"8966000000000000001"}]}`,
	)}}}
	svc := newTestOrderService(t, OrderServiceDeps{Upstream: upstream})
	order, err := svc.SubmitOrder(context.Background(), OrderRequest{PackageCode: "SA-1", TransactionID: "txn"})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if deref(order.SupplierOrderID) != "B1" || deref(order.SupplierTranID) != "T1" || deref(order.ICCID) != "8966000000000000001" {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestSubmitOrderPackageGuard(t *testing.T) {
	purchasable := domain.Package{Code: "SA-1", CountryCode: "SA", DurationDays: 7, RetailPriceMinor: 500, IsEnabled: true}

	t.Run("unknown", func(t *testing.T) {
		upstream := &stubOrderSubmitter{}
		lookup := &stubPackageLookup{err: ErrPackageNotFound}
		svc := newTestOrderService(t, OrderServiceDeps{Upstream: upstream, Packages: lookup, RequireKnownPackage: true, DefaultMarket: "sa"})
		_, err := svc.SubmitOrder(context.Background(), OrderRequest{PackageCode: "XX", TransactionID: "txn"})
		var orderErr *OrderError
		if !errors.As(err, &orderErr) || orderErr.Code != OrderErrorUnknownPackage {
			t.Fatalf("expected unknown_package, got %v", err)
		}
		if lookup.market != "SA" || len(upstream.requests) != 0 {
			t.Fatalf("expected default market lookup and no upstream call")
		}
	})

	t.Run("not purchasable", func(t *testing.T) {
		pkg := purchasable
		pkg.DurationDays = 0
		svc := newTestOrderService(t, OrderServiceDeps{Upstream: &stubOrderSubmitter{}, Packages: &stubPackageLookup{pkg: pkg}, RequireKnownPackage: true})
		_, err := svc.SubmitOrder(context.Background(), OrderRequest{Market: "SA", PackageCode: "SA-1", TransactionID: "txn"})
		var orderErr *OrderError
		if !errors.As(err, &orderErr) || orderErr.Code != OrderErrorPackageUnavailable {
			t.Fatalf("expected package_unavailable, got %v", err)
		}
	})

	t.Run("catalog unavailable", func(t *testing.T) {
		upstream := &stubOrderSubmitter{}
		rec := &eventRecorder{}
		lookup := &stubPackageLookup{err: errors.New("catalog: refresh SA: boom")}
		svc := newTestOrderService(t, OrderServiceDeps{Upstream: upstream, Packages: lookup, RequireKnownPackage: true, Logger: rec.log})
		if _, err := svc.SubmitOrder(context.Background(), OrderRequest{Market: "SA", PackageCode: "SA-1", TransactionID: "txn"}); err != nil {
			t.Fatalf("expected guard to let the order through, got %v", err)
		}
		if len(upstream.requests) != 1 || rec.count("order.package_guard.skip") != 1 {
			t.Fatalf("expected upstream call and guard skip event")
		}
	})

	t.Run("known", func(t *testing.T) {
		upstream := &stubOrderSubmitter{}
		svc := newTestOrderService(t, OrderServiceDeps{Upstream: upstream, Packages: &stubPackageLookup{pkg: purchasable}, RequireKnownPackage: true})
		if _, err := svc.SubmitOrder(context.Background(), OrderRequest{Market: "SA", PackageCode: "SA-1", TransactionID: "txn"}); err != nil {
			t.Fatalf("SubmitOrder: %v", err)
		}
	})
}

func TestSubmitOrderPublishesProvisioningJob(t *testing.T) {
	publisher := &stubPublisher{err: errors.New("pubsub down")}
	rec := &eventRecorder{}
	svc := newTestOrderService(t, OrderServiceDeps{Upstream: &stubOrderSubmitter{}, Publisher: publisher, Logger: rec.log})
	order, err := svc.SubmitOrder(context.Background(), OrderRequest{PackageCode: "SA-1", TransactionID: "txn-9"})
	if err != nil {
		t.Fatalf("publish failures must not fail the order: %v", err)
	}
	if len(publisher.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(publisher.jobs))
	}
	job := publisher.jobs[0]
	if job.ID != "job-1" || job.OrderNo != "B24010100001" || job.TransactionID != "txn-9" || !job.RequestedAt.Equal(order.SubmittedAt) {
		t.Fatalf("unexpected job %+v", job)
	}
	if rec.count("order.provisioning.publish.error") != 1 {
		t.Fatalf("expected publish error to be logged")
	}
}

func TestExtractErrorCode(t *testing.T) {
	cases := map[string]string{
		"Package invalid, error code: 200005": "200005",
		"errorCode=310243 invalid":            "310243",
		"Insufficient balance (10002)":        "10002",
		"upstream said 500":                   "",
		"":                                    "",
	}
	for message, want := range cases {
		if got := ExtractErrorCode(message); got != want {
			t.Fatalf("ExtractErrorCode(%q) = %q, want %q", message, got, want)
		}
	}
}
