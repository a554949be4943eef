package domain

import (
	"strings"
	"time"
)

// BytesPerGB is the binary gigabyte used by the wholesale API for data allowances.
const BytesPerGB uint64 = 1 << 30

// Package is a purchasable data offer for exactly one market. It is immutable once
// constructed; Clone before handing it to code that might modify it.
type Package struct {
	Code        string
	Name        string
	CountryCode string
	// DataAllowanceBytes is nil for unlimited plans and 0 when the allowance is unknown.
	DataAllowanceBytes *uint64
	// DataAllowanceGB is the rounded display value the byte count was derived from.
	DataAllowanceGB     float64
	DurationDays        uint32
	WholesalePriceMinor uint64
	RetailPriceMinor    uint64
	Currency            string
	MarginApplied       float64
	IsUnlimited         bool
	IsEnabled           bool
}

// Purchasable reports whether checkout may offer the package. Packages with a zero
// duration or zero price round-trip through the catalog but are never purchasable.
func (p Package) Purchasable() bool {
	return p.IsEnabled && p.DurationDays > 0 && p.RetailPriceMinor > 0 && p.CountryCode != ""
}

// Clone returns a deep copy.
func (p Package) Clone() Package {
	if p.DataAllowanceBytes != nil {
		v := *p.DataAllowanceBytes
		p.DataAllowanceBytes = &v
	}
	return p
}

// CatalogSnapshot is the normalised package list for one market at a point in time.
// Snapshots are replaced wholesale on refresh; packages are never mutated individually.
type CatalogSnapshot struct {
	Market    string
	Packages  []Package
	FetchedAt time.Time
	// Stale is set when a refresh failed and the previous snapshot is being served.
	Stale bool
}

// Clone returns a deep copy so callers cannot corrupt cached state.
func (s CatalogSnapshot) Clone() CatalogSnapshot {
	out := s
	if s.Packages != nil {
		out.Packages = make([]Package, len(s.Packages))
		for i, p := range s.Packages {
			out.Packages[i] = p.Clone()
		}
	}
	return out
}

// Find returns the package with the given code.
func (s CatalogSnapshot) Find(code string) (Package, bool) {
	code = strings.TrimSpace(code)
	for _, p := range s.Packages {
		if p.Code == code {
			return p.Clone(), true
		}
	}
	return Package{}, false
}

// NormalizeMarket canonicalises a market (country) code.
func NormalizeMarket(market string) string {
	return strings.ToUpper(strings.TrimSpace(market))
}

// Traveler is optional contact data forwarded with an order.
type Traveler struct {
	Name  string
	Email string
}

// Order is the result of submitting one purchase. TransactionID is supplied by the
// caller; the supplier identifiers are nil until upstream assigns them.
type Order struct {
	PackageCode     string
	TransactionID   string
	SupplierOrderID *string
	SupplierTranID  *string
	ICCID           *string
	SubmittedAt     time.Time
}

// ProfileStatus is the provisioning state of an eSIM profile.
type ProfileStatus string

const (
	ProfileStatusPending ProfileStatus = "pending"
	ProfileStatusReady   ProfileStatus = "ready"
	ProfileStatusFailed  ProfileStatus = "failed"
)

// ProvisionedProfile carries the activation material for an ordered eSIM.
type ProvisionedProfile struct {
	OrderNo        string
	TranID         string
	ICCID          string
	ActivationCode string
	QRPayload      string
	Status         ProfileStatus
	// UpstreamStatus is the raw supplier status, kept for support diagnostics.
	UpstreamStatus string
}

// Usage reports consumption for one provisioned profile.
type Usage struct {
	TranID         string
	UsedBytes      uint64
	TotalBytes     uint64
	RemainingBytes uint64
	LastUpdated    time.Time
}

// Balance is the merchant account balance at the wholesale supplier. AmountMinor is
// negative when the account is overdrawn.
type Balance struct {
	AmountMinor int64
	Currency    string
}

// ProvisioningJob asks a background worker to wait for an order's profile.
type ProvisioningJob struct {
	ID            string
	OrderNo       string
	TranID        string
	TransactionID string
	PackageCode   string
	RequestedAt   time.Time
}

// ProvisioningOutcome is the terminal result a worker publishes for a job.
type ProvisioningOutcome string

const (
	ProvisioningOutcomeReady   ProvisioningOutcome = "ready"
	ProvisioningOutcomeFailed  ProvisioningOutcome = "failed"
	ProvisioningOutcomeDelayed ProvisioningOutcome = "delayed"
)

// ProvisioningResult reports the outcome of a ProvisioningJob. Profile is nil unless
// upstream returned one.
type ProvisioningResult struct {
	Job         ProvisioningJob
	Outcome     ProvisioningOutcome
	Profile     *ProvisionedProfile
	Attempts    int
	Error       string
	CompletedAt time.Time
}
