package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
)

// ErrMissingIdentifier is returned when neither an order number nor a transaction
// number is supplied.
var ErrMissingIdentifier = errors.New("profile service: orderNo or tranId is required")

var failedProfileStatuses = map[string]struct{}{
	"FAILED":    {},
	"FAIL":      {},
	"ERROR":     {},
	"CANCEL":    {},
	"CANCELLED": {},
	"CANCELED":  {},
	"REVOKE":    {},
	"REVOKED":   {},
}

// ProfileQuery identifies an order or one of its profiles.
type ProfileQuery struct {
	OrderNo string
	TranID  string
}

// ProfileQuerier is the upstream profile lookup.
type ProfileQuerier interface {
	QueryProfiles(ctx context.Context, query esimaccess.ProfileQuery) (json.RawMessage, error)
}

type ProfileServiceDeps struct {
	Upstream ProfileQuerier
	// PendingCodes are upstream business error codes meaning "not provisioned yet".
	PendingCodes []string
	Logger       func(context.Context, string, map[string]any)
}

type profileService struct {
	upstream     ProfileQuerier
	pendingCodes map[string]struct{}
	logger       func(context.Context, string, map[string]any)
}

var _ ProfileService = (*profileService)(nil)

func NewProfileService(deps ProfileServiceDeps) (ProfileService, error) {
	if deps.Upstream == nil {
		return nil, errors.New("profile service: upstream querier is required")
	}
	pending := make(map[string]struct{}, len(deps.PendingCodes))
	for _, code := range deps.PendingCodes {
		if code = strings.TrimSpace(code); code != "" {
			pending[code] = struct{}{}
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &profileService{upstream: deps.Upstream, pendingCodes: pending, logger: logger}, nil
}

// PollProfile queries upstream once. It returns nil, nil while the order exists but
// no activation material is available yet.
func (s *profileService) PollProfile(ctx context.Context, query ProfileQuery) (*domain.ProvisionedProfile, error) {
	orderNo := strings.TrimSpace(query.OrderNo)
	tranID := strings.TrimSpace(query.TranID)
	if orderNo == "" && tranID == "" {
		return nil, ErrMissingIdentifier
	}

	raw, err := s.upstream.QueryProfiles(ctx, esimaccess.ProfileQuery{OrderNo: orderNo, EsimTranNo: tranID})
	if err != nil {
		if upstream, ok := esimaccess.AsError(err); ok && upstream.Kind == esimaccess.KindBusiness {
			if _, pending := s.pendingCodes[upstream.Code]; pending {
				s.logger(ctx, "profile.poll.pending", map[string]any{
					"orderNo":      orderNo,
					"tranId":       tranID,
					"upstreamCode": upstream.Code,
				})
				return nil, nil
			}
		}
		return nil, fmt.Errorf("profile: query order=%q tran=%q: %w", orderNo, tranID, err)
	}

	decoded, err := esimaccess.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("profile: decode response: %w", &esimaccess.Error{Kind: esimaccess.KindDecode, Path: esimaccess.PathQueryProfiles, Err: err})
	}
	record := selectProfileRecord(decoded, orderNo, tranID)
	if record == nil {
		s.logger(ctx, "profile.poll.pending", map[string]any{"orderNo": orderNo, "tranId": tranID})
		return nil, nil
	}

	profile := profileFromRecord(record)
	if profile.OrderNo == "" {
		profile.OrderNo = orderNo
	}
	if profile.TranID == "" {
		profile.TranID = tranID
	}
	switch profile.Status {
	case domain.ProfileStatusFailed:
		s.logger(ctx, "profile.poll.failed", map[string]any{
			"orderNo":        profile.OrderNo,
			"tranId":         profile.TranID,
			"upstreamStatus": profile.UpstreamStatus,
		})
		return profile, nil
	case domain.ProfileStatusReady:
		s.logger(ctx, "profile.poll.ready", map[string]any{
			"orderNo": profile.OrderNo,
			"tranId":  profile.TranID,
			"iccid":   profile.ICCID,
		})
		return profile, nil
	default:
		return nil, nil
	}
}

// selectProfileRecord picks the entry whose tranId matches, else the first entry that
// carries no conflicting identifier. An entry naming a different tranId or orderNo
// belongs to another order and is never returned.
func selectProfileRecord(decoded any, orderNo, tranID string) map[string]any {
	if obj, ok := decoded.(map[string]any); ok {
		if _, hasList := firstField(obj, "esimList", "profiles", "list"); !hasList {
			if _, single := firstField(obj, "iccid", "ac", "activationCode", "esimTranNo"); single {
				if conflictsWithQuery(obj, orderNo, tranID) {
					return nil
				}
				return obj
			}
		}
	}
	list, err := esimaccess.ListFrom(decoded, "esimList", "profiles", "list")
	if err != nil {
		return nil
	}
	var fallback map[string]any
	for _, item := range list {
		record, ok := item.(map[string]any)
		if !ok || conflictsWithQuery(record, orderNo, tranID) {
			continue
		}
		if tranID != "" {
			if v, _ := stringField(record, "esimTranNo", "tranNo", "tranId"); v == tranID {
				return record
			}
		}
		if fallback == nil {
			fallback = record
		}
	}
	return fallback
}

func conflictsWithQuery(record map[string]any, orderNo, tranID string) bool {
	if tranID != "" {
		if v, ok := stringField(record, "esimTranNo", "tranNo", "tranId"); ok && v != "" && v != tranID {
			return true
		}
	}
	if orderNo != "" {
		if v, ok := stringField(record, "orderNo", "orderId"); ok && v != "" && v != orderNo {
			return true
		}
	}
	return false
}

func profileFromRecord(record map[string]any) *domain.ProvisionedProfile {
	profile := &domain.ProvisionedProfile{Status: domain.ProfileStatusPending}
	profile.OrderNo, _ = stringField(record, "orderNo", "orderId")
	profile.TranID, _ = stringField(record, "esimTranNo", "tranNo", "tranId")
	profile.ICCID, _ = stringField(record, "iccid")
	profile.ActivationCode, _ = stringField(record, "ac", "activationCode")
	profile.QRPayload, _ = stringField(record, "qrCodeUrl", "qrCode")
	profile.UpstreamStatus, _ = stringField(record, "esimStatus", "smdpStatus", "status")

	if _, failed := failedProfileStatuses[strings.ToUpper(profile.UpstreamStatus)]; failed {
		profile.Status = domain.ProfileStatusFailed
		return profile
	}
	if profile.ActivationCode != "" {
		profile.Status = domain.ProfileStatusReady
		if profile.QRPayload == "" {
			profile.QRPayload = profile.ActivationCode
		}
	}
	return profile
}
