package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/currency"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
)

// Field aliases, in priority order. The upstream schema is not fixed, so every known
// spelling of a logical field is listed here and nowhere else.
var (
	codeAliases         = []string{"packageCode", "code", "slug"}
	nameAliases         = []string{"name", "packageName"}
	priceAliases        = []string{"price", "wholesalePrice"}
	enabledAliases      = []string{"enabled", "isEnabled", "active"}
	countryAliases      = []string{"country", "countryCode", "location", "locationCode"}
	locationListAliases = []string{"locationNetworkList", "locations", "countries", "coverage"}
	locationItemAliases = []string{"locationCode", "countryCode", "code", "country", "location"}
	gbAliases           = []string{"dataGB", "gb", "dataInGB"}
	volumeAliases       = []string{"volume"}
	dataAliases         = []string{"data"}
	byteAliases         = []string{"dataBytes", "bytes", "totalVolume"}
	unlimitedAliases    = []string{"unlimited", "isUnlimited"}
	durationAliases     = []string{"duration", "durationDays", "validityDays", "days", "period"}
	currencyAliases     = []string{"currencyCode", "currency"}
)

var (
	dataGBPattern  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*GB`)
	leadingNumber  = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)`)
	decimalPattern = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)
)

const countrySeparators = ",;|/ \t"

// SkipReason explains why a record was excluded from the catalog.
type SkipReason string

const (
	SkipInvalidPrice    SkipReason = "invalid_price"
	SkipDisabled        SkipReason = "disabled"
	SkipMissingCode     SkipReason = "missing_code"
	SkipDuplicateCode   SkipReason = "duplicate_code"
	SkipMissingCountry  SkipReason = "missing_country"
	SkipMultiCountry    SkipReason = "multi_country"
	SkipCountryMismatch SkipReason = "country_mismatch"
	SkipInvalidCurrency SkipReason = "invalid_currency"
)

// SkippedRecord identifies an excluded upstream record.
type SkippedRecord struct {
	Index  int
	Code   string
	Reason SkipReason
	Detail string
}

// NormalizeResult is the outcome of normalising one upstream package list.
type NormalizeResult struct {
	Packages []domain.Package
	Skipped  []SkippedRecord
}

type PackageNormalizerDeps struct {
	Pricing         *PriceComputer
	DisplayCurrency string
	Logger          func(context.Context, string, map[string]any)
}

// PackageNormalizer converts heterogeneous upstream package records into canonical
// packages for a single market. Malformed records are excluded and logged; they never
// surface as errors.
type PackageNormalizer struct {
	pricing         *PriceComputer
	displayCurrency string
	sanitizer       *bluemonday.Policy
	logger          func(context.Context, string, map[string]any)
}

func NewPackageNormalizer(deps PackageNormalizerDeps) (*PackageNormalizer, error) {
	if deps.Pricing == nil {
		return nil, errors.New("package normalizer: price computer is required")
	}
	display := strings.ToUpper(strings.TrimSpace(deps.DisplayCurrency))
	if _, err := currency.ParseISO(display); err != nil {
		return nil, fmt.Errorf("package normalizer: invalid display currency %q: %w", deps.DisplayCurrency, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PackageNormalizer{
		pricing:         deps.Pricing,
		displayCurrency: display,
		sanitizer:       bluemonday.StrictPolicy(),
		logger:          logger,
	}, nil
}

// Normalize filters and converts records for market, preserving input order.
func (n *PackageNormalizer) Normalize(ctx context.Context, market string, records []map[string]any) NormalizeResult {
	market = domain.NormalizeMarket(market)
	result := NormalizeResult{Packages: make([]domain.Package, 0, len(records))}
	seen := make(map[string]struct{}, len(records))

	for i, record := range records {
		pkg, skip := n.normalizeRecord(market, record)
		if skip == nil {
			if _, dup := seen[pkg.Code]; dup {
				skip = &SkippedRecord{Code: pkg.Code, Reason: SkipDuplicateCode}
			}
		}
		if skip != nil {
			skip.Index = i
			result.Skipped = append(result.Skipped, *skip)
			n.logger(ctx, "catalog.normalize.skip", map[string]any{
				"market": market,
				"index":  i,
				"code":   skip.Code,
				"reason": string(skip.Reason),
				"detail": skip.Detail,
			})
			continue
		}
		seen[pkg.Code] = struct{}{}
		if pkg.DurationDays == 0 {
			n.logger(ctx, "catalog.normalize.warn", map[string]any{
				"market": market,
				"code":   pkg.Code,
				"reason": "zero_duration",
			})
		}
		result.Packages = append(result.Packages, pkg)
	}
	return result
}

func (n *PackageNormalizer) normalizeRecord(market string, record map[string]any) (domain.Package, *SkippedRecord) {
	code, _ := stringField(record, codeAliases...)
	if code == "" {
		return domain.Package{}, &SkippedRecord{Reason: SkipMissingCode}
	}
	skip := func(reason SkipReason, detail string) (domain.Package, *SkippedRecord) {
		return domain.Package{}, &SkippedRecord{Code: code, Reason: reason, Detail: detail}
	}

	rawPrice, hasPrice := firstField(record, priceAliases...)
	price, ok := decimalString(rawPrice)
	if !hasPrice || !ok {
		return skip(SkipInvalidPrice, fmt.Sprintf("price %v", rawPrice))
	}

	if raw, ok := firstField(record, enabledAliases...); ok && !truthy(raw) {
		return skip(SkipDisabled, "")
	}

	if reason, detail := checkCountry(market, record); reason != "" {
		return skip(reason, detail)
	}

	cur := n.displayCurrency
	if raw, ok := stringField(record, currencyAliases...); ok && raw != "" {
		unit, err := currency.ParseISO(strings.ToUpper(raw))
		if err != nil {
			return skip(SkipInvalidCurrency, raw)
		}
		cur = unit.String()
	}

	wholesale, ok := WholesaleMinor(price, cur)
	if !ok || wholesale == 0 {
		return skip(SkipInvalidPrice, fmt.Sprintf("price %s converts to zero %s", price, cur))
	}

	allowance := ResolveDataAllowance(record)
	name, _ := stringField(record, nameAliases...)
	name = strings.TrimSpace(n.sanitizer.Sanitize(name))
	if name == "" {
		name = code
	}

	return domain.Package{
		Code:                code,
		Name:                name,
		CountryCode:         market,
		DataAllowanceBytes:  allowance.Bytes,
		DataAllowanceGB:     allowance.GB,
		DurationDays:        ResolveDurationDays(record),
		WholesalePriceMinor: wholesale,
		RetailPriceMinor:    n.pricing.Retail(wholesale),
		Currency:            cur,
		MarginApplied:       n.pricing.Margin(),
		IsUnlimited:         allowance.Unlimited,
		IsEnabled:           true,
	}, nil
}

// checkCountry enforces the single-market rule. Every country alias present must equal
// market; any location list must have exactly one matching entry; at least one signal
// must exist.
func checkCountry(market string, record map[string]any) (SkipReason, string) {
	signals := 0
	for _, alias := range countryAliases {
		raw, ok := record[alias]
		if !ok || raw == nil {
			continue
		}
		if list, isList := raw.([]any); isList {
			if reason, detail := checkLocationList(market, list); reason != "" {
				return reason, detail
			}
			if len(list) > 0 {
				signals++
			}
			continue
		}
		value := strings.TrimSpace(scalarText(raw))
		if value == "" {
			continue
		}
		if reason, detail := checkCountryValue(market, value); reason != "" {
			return reason, detail
		}
		signals++
	}

	for _, alias := range locationListAliases {
		raw, ok := record[alias]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case []any:
			if reason, detail := checkLocationList(market, v); reason != "" {
				return reason, detail
			}
			if len(v) > 0 {
				signals++
			}
		default:
			value := strings.TrimSpace(scalarText(v))
			if value == "" {
				continue
			}
			if reason, detail := checkCountryValue(market, value); reason != "" {
				return reason, detail
			}
			signals++
		}
	}

	if signals == 0 {
		return SkipMissingCountry, ""
	}
	return "", ""
}

func checkCountryValue(market, value string) (SkipReason, string) {
	if strings.ContainsAny(value, countrySeparators) {
		return SkipMultiCountry, value
	}
	if !strings.EqualFold(value, market) {
		return SkipCountryMismatch, value
	}
	return "", ""
}

func checkLocationList(market string, list []any) (SkipReason, string) {
	switch {
	case len(list) == 0:
		return "", ""
	case len(list) > 1:
		return SkipMultiCountry, fmt.Sprintf("%d locations", len(list))
	}
	var value string
	switch entry := list[0].(type) {
	case map[string]any:
		value, _ = stringField(entry, locationItemAliases...)
	default:
		value = strings.TrimSpace(scalarText(entry))
	}
	if value == "" {
		return SkipMissingCountry, "empty location entry"
	}
	return checkCountryValue(market, value)
}

// DataAllowance is a resolved allowance. Bytes is nil for unlimited plans and points at
// zero when no signal was found.
type DataAllowance struct {
	GB        float64
	Bytes     *uint64
	Unlimited bool
}

// ResolveDataAllowance resolves the allowance from, in order: unlimited markers, an
// explicit GB field, a byte "volume", a generic "data" field (numeric bytes or "<N>GB"),
// then byte fallbacks.
func ResolveDataAllowance(record map[string]any) DataAllowance {
	if isUnlimited(record) {
		return DataAllowance{Unlimited: true}
	}

	gb, found := 0.0, false
	if v, ok := positiveNumberField(record, gbAliases...); ok {
		gb, found = v, true
	}
	if !found {
		if v, ok := positiveNumberField(record, volumeAliases...); ok {
			gb, found = v/float64(domain.BytesPerGB), true
		}
	}
	if !found {
		if raw, ok := firstField(record, dataAliases...); ok {
			gb, found = dataFieldGB(raw)
		}
	}
	if !found {
		if v, ok := positiveNumberField(record, byteAliases...); ok {
			gb, found = v/float64(domain.BytesPerGB), true
		}
	}

	if !found {
		zero := uint64(0)
		return DataAllowance{Bytes: &zero}
	}
	rounded := RoundAllowanceGB(gb)
	bytes := uint64(math.Round(rounded * float64(domain.BytesPerGB)))
	return DataAllowance{GB: rounded, Bytes: &bytes}
}

// RoundAllowanceGB rounds to one decimal below 1 GB and to whole GB at or above.
func RoundAllowanceGB(gb float64) float64 {
	if gb < 1 {
		return math.Round(gb*10) / 10
	}
	return math.Round(gb)
}

// AllowanceGBFromBytes resolves a byte count to its rounded GB value.
func AllowanceGBFromBytes(bytes uint64) float64 {
	return RoundAllowanceGB(float64(bytes) / float64(domain.BytesPerGB))
}

func dataFieldGB(raw any) (float64, bool) {
	if text, isString := raw.(string); isString {
		if m := dataGBPattern.FindStringSubmatch(text); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err == nil && v > 0 {
				return v, true
			}
			return 0, false
		}
	}
	if v, ok := numberValue(raw); ok && v > 0 {
		return v / float64(domain.BytesPerGB), true
	}
	return 0, false
}

func isUnlimited(record map[string]any) bool {
	if raw, ok := firstField(record, unlimitedAliases...); ok && truthy(raw) {
		return true
	}
	if raw, ok := firstField(record, volumeAliases...); ok {
		if v, ok := numberValue(raw); ok && v == -1 {
			return true
		}
	}
	if raw, ok := firstField(record, dataAliases...); ok {
		if text, ok := raw.(string); ok && strings.Contains(strings.ToLower(text), "unlimited") {
			return true
		}
	}
	return false
}

// ResolveDurationDays resolves validity in whole days. Fractions are floored, negative
// and missing values become 0.
func ResolveDurationDays(record map[string]any) uint32 {
	for _, alias := range durationAliases {
		raw, ok := record[alias]
		if !ok || raw == nil {
			continue
		}
		v, ok := numberValue(raw)
		if !ok {
			if text, isString := raw.(string); isString {
				if m := leadingNumber.FindStringSubmatch(text); m != nil {
					v, _ = strconv.ParseFloat(m[1], 64)
					ok = true
				}
			}
		}
		if !ok {
			continue
		}
		switch {
		case v <= 0 || math.IsNaN(v):
			return 0
		case v >= math.MaxUint32:
			return math.MaxUint32
		default:
			return uint32(math.Floor(v))
		}
	}
	return 0
}

func firstField(record map[string]any, aliases ...string) (any, bool) {
	for _, alias := range aliases {
		if v, ok := record[alias]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(record map[string]any, aliases ...string) (string, bool) {
	for _, alias := range aliases {
		v, ok := record[alias]
		if !ok || v == nil {
			continue
		}
		if text := strings.TrimSpace(scalarText(v)); text != "" {
			return text, true
		}
	}
	return "", false
}

func positiveNumberField(record map[string]any, aliases ...string) (float64, bool) {
	for _, alias := range aliases {
		raw, ok := record[alias]
		if !ok || raw == nil {
			continue
		}
		if v, ok := numberValue(raw); ok && v > 0 {
			return v, true
		}
	}
	return 0, false
}

// scalarText renders strings and numbers; other types yield "".
func scalarText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// decimalString returns a canonical decimal string for numeric input. Booleans,
// objects and malformed strings are rejected.
func decimalString(v any) (string, bool) {
	text := strings.TrimSpace(scalarText(v))
	if text == "" || !decimalPattern.MatchString(text) {
		return "", false
	}
	return text, true
}

func numberValue(v any) (float64, bool) {
	text, ok := decimalString(v)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// truthy interprets booleans, numbers and common string spellings.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "false", "0", "no", "off", "disabled":
			return false
		}
		return true
	default:
		if f, ok := numberValue(t); ok {
			return f != 0
		}
		return true
	}
}
