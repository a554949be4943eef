package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"golang.org/x/text/currency"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
)

const maxUsageBatch = 100

var usageTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
}

// ErrInvalidUsageQuery is returned for an empty or oversized usage batch.
var ErrInvalidUsageQuery = errors.New("account service: invalid usage query")

// AccountUpstream is the upstream account surface.
type AccountUpstream interface {
	QueryBalance(ctx context.Context) (json.RawMessage, error)
	QueryUsage(ctx context.Context, tranNos []string) (json.RawMessage, error)
}

type AccountServiceDeps struct {
	Upstream AccountUpstream
	Logger   func(context.Context, string, map[string]any)
}

type accountService struct {
	upstream AccountUpstream
	logger   func(context.Context, string, map[string]any)
}

var _ AccountService = (*accountService)(nil)

func NewAccountService(deps AccountServiceDeps) (AccountService, error) {
	if deps.Upstream == nil {
		return nil, errors.New("account service: upstream is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &accountService{upstream: deps.Upstream, logger: logger}, nil
}

// Balance returns the merchant balance in minor units of its currency.
func (s *accountService) Balance(ctx context.Context) (domain.Balance, error) {
	raw, err := s.upstream.QueryBalance(ctx)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("account: query balance: %w", err)
	}
	decoded, err := esimaccess.Decode(raw)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("account: decode balance: %w", &esimaccess.Error{Kind: esimaccess.KindDecode, Path: esimaccess.PathQueryBalance, Err: err})
	}
	obj, _ := decoded.(map[string]any)
	if obj == nil {
		return domain.Balance{}, fmt.Errorf("account: balance response is %T", decoded)
	}

	code := "USD"
	if v, ok := stringField(obj, "currencyCode", "currency"); ok {
		unit, err := currency.ParseISO(strings.ToUpper(v))
		if err != nil {
			return domain.Balance{}, fmt.Errorf("account: balance currency %q: %w", v, err)
		}
		code = unit.String()
	}
	rawAmount, _ := firstField(obj, "balance", "amount")
	amount, ok := decimalString(rawAmount)
	if !ok {
		return domain.Balance{}, fmt.Errorf("account: balance amount %v is not numeric", rawAmount)
	}
	minor, err := signedMinor(amount, code)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("account: balance amount %q: %w", amount, err)
	}
	return domain.Balance{AmountMinor: minor, Currency: code}, nil
}

// Usage returns data usage for up to 100 profiles in one upstream call.
func (s *accountService) Usage(ctx context.Context, tranIDs ...string) ([]domain.Usage, error) {
	ids := make([]string, 0, len(tranIDs))
	seen := make(map[string]struct{}, len(tranIDs))
	for _, id := range tranIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 || len(ids) > maxUsageBatch {
		return nil, fmt.Errorf("%w: %d transaction ids", ErrInvalidUsageQuery, len(ids))
	}

	raw, err := s.upstream.QueryUsage(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("account: query usage: %w", err)
	}
	decoded, err := esimaccess.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("account: decode usage: %w", &esimaccess.Error{Kind: esimaccess.KindDecode, Path: esimaccess.PathQueryUsage, Err: err})
	}
	list, err := esimaccess.ListFrom(decoded, "esimUsageList", "usageList")
	if err != nil {
		return nil, fmt.Errorf("account: usage list: %w", &esimaccess.Error{Kind: esimaccess.KindDecode, Path: esimaccess.PathQueryUsage, Err: err})
	}

	usages := make([]domain.Usage, 0, len(list))
	for _, item := range list {
		record, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tranID, _ := stringField(record, "esimTranNo", "tranNo")
		if tranID == "" {
			continue
		}
		usage := domain.Usage{
			TranID:     tranID,
			UsedBytes:  byteCount(record, "dataUsage", "usedVolume"),
			TotalBytes: byteCount(record, "totalData", "totalVolume"),
		}
		if usage.TotalBytes > usage.UsedBytes {
			usage.RemainingBytes = usage.TotalBytes - usage.UsedBytes
		}
		if ts, ok := stringField(record, "lastUpdateTime", "updateTime"); ok {
			usage.LastUpdated = parseUsageTime(ts)
		}
		usages = append(usages, usage)
	}
	s.logger(ctx, "account.usage", map[string]any{"requested": len(ids), "returned": len(usages)})
	return usages, nil
}

func byteCount(record map[string]any, aliases ...string) uint64 {
	v, ok := positiveNumberField(record, aliases...)
	if !ok || v >= math.MaxUint64 {
		return 0
	}
	return uint64(v)
}

func parseUsageTime(value string) time.Time {
	for _, layout := range usageTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// signedMinor converts a fixed-point upstream amount that may be negative (an overdrawn
// account) into signed minor units, rounding the magnitude half up.
func signedMinor(amount, code string) (int64, error) {
	negative := strings.HasPrefix(amount, "-")
	magnitude := strings.TrimLeft(amount, "+-")
	value, valid := new(big.Rat).SetString(magnitude)
	if !valid {
		return 0, errors.New("not a decimal")
	}
	if value.Sign() == 0 {
		return 0, nil
	}
	minor, ok := WholesaleMinor(magnitude, code)
	if !ok || minor > math.MaxInt64 {
		return 0, errors.New("out of range")
	}
	if negative {
		return -int64(minor), nil
	}
	return int64(minor), nil
}
