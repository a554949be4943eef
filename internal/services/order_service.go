package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
)

const maxTransactionIDLength = 128

var (
	labelledCodePattern = regexp.MustCompile(`(?i)(?:code|error)[^\d]{0,10}(\d{3,})`)
	bareCodePattern     = regexp.MustCompile(`\b(\d{4,8})\b`)
)

// OrderErrorCode classifies order failures for the checkout flow.
type OrderErrorCode string

const (
	OrderErrorInvalidRequest     OrderErrorCode = "invalid_request"
	OrderErrorUnknownPackage     OrderErrorCode = "unknown_package"
	OrderErrorPackageUnavailable OrderErrorCode = "package_unavailable"
	OrderErrorUpstreamBusiness   OrderErrorCode = "upstream_business"
	OrderErrorUpstreamTransport  OrderErrorCode = "upstream_transport"
	OrderErrorUpstreamTimeout    OrderErrorCode = "upstream_timeout"
	OrderErrorMissingIdentifiers OrderErrorCode = "missing_identifiers"
)

// OrderError is returned by SubmitOrder. UpstreamCode is the structured supplier
// errorCode; ExtractedCode is a best-effort number pulled from the free-text message
// and is only meant for support diagnostics.
type OrderError struct {
	Code          OrderErrorCode
	UpstreamCode  string
	Message       string
	ExtractedCode string
	Err           error
}

func (e *OrderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "order: %s", e.Code)
	if e.UpstreamCode != "" {
		fmt.Fprintf(&b, " upstream=%s", e.UpstreamCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

func (e *OrderError) Unwrap() error { return e.Err }

// DiagnosticCode prefers the structured upstream code over the extracted one.
func (e *OrderError) DiagnosticCode() string {
	if e.UpstreamCode != "" {
		return e.UpstreamCode
	}
	return e.ExtractedCode
}

// Retryable reports whether resubmitting with the same transaction id is reasonable.
func (e *OrderError) Retryable() bool {
	return e.Code == OrderErrorUpstreamTransport || e.Code == OrderErrorUpstreamTimeout
}

// ExtractErrorCode finds a numeric error code embedded in an upstream message.
func ExtractErrorCode(message string) string {
	if m := labelledCodePattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	if m := bareCodePattern.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	return ""
}

// OrderSubmitter is the upstream order endpoint.
type OrderSubmitter interface {
	OrderProfiles(ctx context.Context, req esimaccess.OrderRequest) (json.RawMessage, error)
}

// PackageLookup resolves a package in the cached catalog.
type PackageLookup interface {
	FindPackage(ctx context.Context, market, code string) (domain.Package, error)
}

// ProvisioningPublisher hands submitted orders to the background provisioner.
type ProvisioningPublisher interface {
	PublishProvisioningJob(ctx context.Context, job domain.ProvisioningJob) error
}

// OrderRequest is one purchase attempt. TransactionID is the caller's idempotency key
// and is forwarded to upstream byte for byte.
type OrderRequest struct {
	Market        string
	PackageCode   string
	TransactionID string
	Traveler      *domain.Traveler
}

// OrderServiceDeps bundles constructor inputs for the order service.
type OrderServiceDeps struct {
	Upstream OrderSubmitter
	// Packages enables the known-package guard when RequireKnownPackage is set.
	Packages            PackageLookup
	RequireKnownPackage bool
	DefaultMarket       string
	Publisher           ProvisioningPublisher
	Clock               func() time.Time
	IDGenerator         func() string
	Logger              func(context.Context, string, map[string]any)
}

type orderService struct {
	upstream     OrderSubmitter
	packages     PackageLookup
	requireKnown bool
	market       string
	publisher    ProvisioningPublisher
	clock        func() time.Time
	newID        func() string
	logger       func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Upstream == nil {
		return nil, errors.New("order service: upstream submitter is required")
	}
	if deps.RequireKnownPackage && deps.Packages == nil {
		return nil, errors.New("order service: package lookup is required when the package guard is enabled")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		upstream:     deps.Upstream,
		packages:     deps.Packages,
		requireKnown: deps.RequireKnownPackage,
		market:       domain.NormalizeMarket(deps.DefaultMarket),
		publisher:    deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		logger: logger,
	}, nil
}

func (s *orderService) SubmitOrder(ctx context.Context, req OrderRequest) (domain.Order, error) {
	code := strings.TrimSpace(req.PackageCode)
	if code == "" {
		return domain.Order{}, &OrderError{Code: OrderErrorInvalidRequest, Message: "package code is required"}
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return domain.Order{}, &OrderError{Code: OrderErrorInvalidRequest, Message: "transaction id is required"}
	}
	if len(req.TransactionID) > maxTransactionIDLength {
		return domain.Order{}, &OrderError{Code: OrderErrorInvalidRequest, Message: "transaction id is too long"}
	}

	upstreamReq := esimaccess.OrderRequest{PackageCode: code, TransactionID: req.TransactionID}
	if req.Traveler != nil {
		upstreamReq.TravelerName = strings.TrimSpace(req.Traveler.Name)
		upstreamReq.TravelerEmail = strings.TrimSpace(req.Traveler.Email)
		if upstreamReq.TravelerEmail != "" {
			if _, err := mail.ParseAddress(upstreamReq.TravelerEmail); err != nil {
				return domain.Order{}, &OrderError{Code: OrderErrorInvalidRequest, Message: "traveler email is invalid", Err: err}
			}
		}
	}

	if err := s.checkPackage(ctx, req.Market, code); err != nil {
		return domain.Order{}, err
	}

	raw, err := s.upstream.OrderProfiles(ctx, upstreamReq)
	if err != nil {
		orderErr := upstreamOrderError(err)
		s.logger(ctx, "order.submit.failed", map[string]any{
			"packageCode":   code,
			"transactionId": req.TransactionID,
			"code":          string(orderErr.Code),
			"upstreamCode":  orderErr.UpstreamCode,
			"extractedCode": orderErr.ExtractedCode,
			"error":         err.Error(),
		})
		return domain.Order{}, orderErr
	}

	order, err := parseOrderResponse(raw)
	if err != nil {
		return domain.Order{}, &OrderError{Code: OrderErrorMissingIdentifiers, Message: "order response could not be decoded", Err: err}
	}
	if order.SupplierOrderID == nil && order.SupplierTranID == nil {
		s.logger(ctx, "order.submit.failed", map[string]any{
			"packageCode":   code,
			"transactionId": req.TransactionID,
			"code":          string(OrderErrorMissingIdentifiers),
		})
		return domain.Order{}, &OrderError{Code: OrderErrorMissingIdentifiers, Message: "upstream response carried neither orderNo nor esimTranNo"}
	}
	order.PackageCode = code
	order.TransactionID = req.TransactionID
	order.SubmittedAt = s.clock()

	s.logger(ctx, "order.submitted", map[string]any{
		"packageCode":   code,
		"transactionId": req.TransactionID,
		"orderNo":       deref(order.SupplierOrderID),
		"tranId":        deref(order.SupplierTranID),
	})
	s.publish(ctx, order)
	return order, nil
}

// checkPackage applies the known-package guard. An unavailable catalog does not block
// checkout; upstream remains the authority on the package code.
func (s *orderService) checkPackage(ctx context.Context, market, code string) error {
	if !s.requireKnown {
		return nil
	}
	if strings.TrimSpace(market) == "" {
		market = s.market
	}
	pkg, err := s.packages.FindPackage(ctx, market, code)
	switch {
	case err == nil:
		if !pkg.Purchasable() {
			return &OrderError{Code: OrderErrorPackageUnavailable, Message: fmt.Sprintf("package %s is not purchasable", code)}
		}
		return nil
	case errors.Is(err, ErrPackageNotFound):
		return &OrderError{Code: OrderErrorUnknownPackage, Message: fmt.Sprintf("package %s is not offered in this market", code), Err: err}
	case errors.Is(err, ErrInvalidMarket):
		return &OrderError{Code: OrderErrorInvalidRequest, Message: "market is invalid", Err: err}
	default:
		s.logger(ctx, "order.package_guard.skip", map[string]any{
			"packageCode": code,
			"market":      market,
			"error":       err.Error(),
		})
		return nil
	}
}

func (s *orderService) publish(ctx context.Context, order domain.Order) {
	if s.publisher == nil {
		return
	}
	job := domain.ProvisioningJob{
		ID:            s.newID(),
		OrderNo:       deref(order.SupplierOrderID),
		TranID:        deref(order.SupplierTranID),
		TransactionID: order.TransactionID,
		PackageCode:   order.PackageCode,
		RequestedAt:   order.SubmittedAt,
	}
	if err := s.publisher.PublishProvisioningJob(ctx, job); err != nil {
		s.logger(ctx, "order.provisioning.publish.error", map[string]any{
			"jobId":         job.ID,
			"transactionId": order.TransactionID,
			"error":         err.Error(),
		})
	}
}

func upstreamOrderError(err error) *OrderError {
	orderErr := &OrderError{Code: OrderErrorUpstreamTransport, Err: err}
	switch {
	case errors.Is(err, esimaccess.ErrTimeout):
		orderErr.Code = OrderErrorUpstreamTimeout
	case errors.Is(err, esimaccess.ErrBusiness):
		orderErr.Code = OrderErrorUpstreamBusiness
	}
	if upstream, ok := esimaccess.AsError(err); ok {
		orderErr.UpstreamCode = upstream.Code
		orderErr.Message = upstream.Message
	}
	if orderErr.Message != "" {
		orderErr.ExtractedCode = ExtractErrorCode(orderErr.Message)
	} else {
		orderErr.Message = err.Error()
	}
	return orderErr
}

func parseOrderResponse(raw json.RawMessage) (domain.Order, error) {
	decoded, err := esimaccess.Decode(raw)
	if err != nil {
		return domain.Order{}, err
	}
	var obj map[string]any
	switch v := decoded.(type) {
	case map[string]any:
		obj = v
	case []any:
		if len(v) > 0 {
			obj, _ = v[0].(map[string]any)
		}
	}
	if obj == nil {
		return domain.Order{}, nil
	}

	var order domain.Order
	if v, ok := stringField(obj, "orderNo", "orderId"); ok {
		order.SupplierOrderID = &v
	}
	if v, ok := stringField(obj, "esimTranNo", "tranNo", "tranId"); ok {
		order.SupplierTranID = &v
	}
	if v, ok := stringField(obj, "iccid"); ok {
		order.ICCID = &v
	}
	if order.SupplierTranID == nil || order.ICCID == nil {
		list, _ := esimaccess.ListFrom(obj, "esimList", "profiles")
		if len(list) > 0 {
			if first, ok := list[0].(map[string]any); ok {
				if v, ok := stringField(first, "esimTranNo", "tranNo", "tranId"); ok && order.SupplierTranID == nil {
					order.SupplierTranID = &v
				}
				if v, ok := stringField(first, "iccid"); ok && order.ICCID == nil {
					order.ICCID = &v
				}
			}
		}
	}
	return order, nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
