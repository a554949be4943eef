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

type stubAccountUpstream struct {
	balance    json.RawMessage
	usage      json.RawMessage
	err        error
	usageQuery []string
}

func (s *stubAccountUpstream) QueryBalance(ctx context.Context) (json.RawMessage, error) {
	return s.balance, s.err
}

func (s *stubAccountUpstream) QueryUsage(ctx context.Context, tranNos []string) (json.RawMessage, error) {
	s.usageQuery = tranNos
	return s.usage, s.err
}

func TestAccountBalance(t *testing.T) {
	upstream := &stubAccountUpstream{balance: json.RawMessage(`{"balance":12345678,"currencyCode":"usd"}`)}
	svc, err := NewAccountService(AccountServiceDeps{Upstream: upstream})
	if err != nil {
		t.Fatalf("NewAccountService: %v", err)
	}
	balance, err := svc.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if balance != (domain.Balance{AmountMinor: 123457, Currency: "USD"}) {
		t.Fatalf("unexpected balance %+v", balance)
	}

	upstream.balance = json.RawMessage(`{"balance":0}`)
	balance, err = svc.Balance(context.Background())
	if err != nil || balance.AmountMinor != 0 || balance.Currency != "USD" {
		t.Fatalf("expected zero USD balance, got %+v %v", balance, err)
	}

	upstream.balance = json.RawMessage(`{"balance":-2500000,"currencyCode":"USD"}`)
	balance, err = svc.Balance(context.Background())
	if err != nil || balance.AmountMinor != -25000 {
		t.Fatalf("expected overdrawn balance of -25000, got %+v %v", balance, err)
	}

	upstream.balance = json.RawMessage(`{"balance":"lots"}`)
	if _, err := svc.Balance(context.Background()); err == nil {
		t.Fatalf("expected error for non-numeric balance")
	}

	upstream.err = &esimaccess.Error{Kind: esimaccess.KindBusiness, Code: "310001"}
	if _, err := svc.Balance(context.Background()); !errors.Is(err, esimaccess.ErrBusiness) {
		t.Fatalf("expected wrapped business error, got %v", err)
	}
}

func TestAccountUsage(t *testing.T) {
	upstream := &stubAccountUpstream{usage: json.RawMessage(`{"esimUsageList":[
		{"esimTranNo":"T1","dataUsage":536870912,"totalData":1073741824,"lastUpdateTime":"2025-03-01T10:00:00+0300"},
		{"esimTranNo":"T2","dataUsage":2147483648,"totalData":1073741824}
	]}`)}
	svc, err := NewAccountService(AccountServiceDeps{Upstream: upstream})
	if err != nil {
		t.Fatalf("NewAccountService: %v", err)
	}

	usages, err := svc.Usage(context.Background(), "T1", " T2 ", "T1", "")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if len(upstream.usageQuery) != 2 || upstream.usageQuery[1] != "T2" {
		t.Fatalf("unexpected upstream query %v", upstream.usageQuery)
	}
	if len(usages) != 2 {
		t.Fatalf("expected 2 usages, got %d", len(usages))
	}
	first := usages[0]
	if first.UsedBytes != 536870912 || first.RemainingBytes != 536870912 {
		t.Fatalf("unexpected usage %+v", first)
	}
	if !first.LastUpdated.Equal(time.Date(2025, 3, 1, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", first.LastUpdated)
	}
	if usages[1].RemainingBytes != 0 {
		t.Fatalf("over-consumption must not underflow: %+v", usages[1])
	}

	if _, err := svc.Usage(context.Background(), " "); !errors.Is(err, ErrInvalidUsageQuery) {
		t.Fatalf("expected ErrInvalidUsageQuery, got %v", err)
	}
}
