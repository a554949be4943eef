package esimaccess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PackageRecord is one raw package entry as returned by /package/list. Numbers are
// decoded as json.Number so no precision is lost before normalisation.
type PackageRecord = map[string]any

// OrderRequest is the body of /esim/order/profiles.
type OrderRequest struct {
	PackageCode   string `json:"packageCode"`
	TransactionID string `json:"transactionId"`
	TravelerName  string `json:"travelerName,omitempty"`
	TravelerEmail string `json:"travelerEmail,omitempty"`
}

// ProfileQuery is the body of /esim/query. At least one field must be set.
type ProfileQuery struct {
	OrderNo    string `json:"orderNo,omitempty"`
	EsimTranNo string `json:"esimTranNo,omitempty"`
}

type usageQuery struct {
	EsimTranNoList []string `json:"esimTranNoList"`
}

type packageListQuery struct {
	Country      string `json:"country"`
	LocationCode string `json:"locationCode"`
}

// ListPackages fetches the raw package records for one market. The upstream may put the
// list under obj.packageList, return the array directly, or omit it; all three shapes
// are accepted and an omitted list yields no records. Non-object entries are dropped.
func (c *Client) ListPackages(ctx context.Context, market string) ([]PackageRecord, int, error) {
	market = strings.ToUpper(strings.TrimSpace(market))
	raw, err := c.Call(ctx, PathPackageList, packageListQuery{Country: market, LocationCode: market})
	if err != nil {
		return nil, 0, err
	}
	items, err := extractList(raw, "packageList")
	if err != nil {
		return nil, 0, &Error{Kind: KindDecode, Path: PathPackageList, Err: err}
	}
	records := make([]PackageRecord, 0, len(items))
	dropped := 0
	for _, item := range items {
		record, ok := item.(map[string]any)
		if !ok {
			dropped++
			continue
		}
		records = append(records, record)
	}
	return records, dropped, nil
}

// OrderProfiles submits a purchase. The transaction id is forwarded verbatim.
func (c *Client) OrderProfiles(ctx context.Context, req OrderRequest) (json.RawMessage, error) {
	return c.Call(ctx, PathOrderProfiles, req)
}

// QueryProfiles looks up provisioned profiles for an order or transaction.
func (c *Client) QueryProfiles(ctx context.Context, query ProfileQuery) (json.RawMessage, error) {
	return c.Call(ctx, PathQueryProfiles, query)
}

// QueryUsage returns usage records for the given eSIM transaction numbers.
func (c *Client) QueryUsage(ctx context.Context, tranNos []string) (json.RawMessage, error) {
	return c.Call(ctx, PathQueryUsage, usageQuery{EsimTranNoList: tranNos})
}

// QueryBalance returns the merchant account balance.
func (c *Client) QueryBalance(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, PathQueryBalance, struct{}{})
}

// Decode unmarshals raw with json.Number preserved.
func Decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// extractList accepts a bare array, an object holding the array under one of keys,
// or null / an object without any of the keys (empty list).
func extractList(raw json.RawMessage, keys ...string) ([]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	decoded, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return ListFrom(decoded, keys...)
}

// ListFrom is extractList for already decoded values.
func ListFrom(decoded any, keys ...string) ([]any, error) {
	switch v := decoded.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case map[string]any:
		for _, key := range keys {
			inner, ok := v[key]
			if !ok || inner == nil {
				continue
			}
			list, ok := inner.([]any)
			if !ok {
				return nil, fmt.Errorf("field %q is %T, want array", key, inner)
			}
			return list, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected %T, want array or object", decoded)
	}
}
