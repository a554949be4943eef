package services

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"math/bits"
	"strings"

	"golang.org/x/text/currency"
)

const (
	marginScale = 1_000_000
	// upstreamPriceScale is the fixed-point factor of wholesale prices: 1 unit = 1/10000.
	upstreamPriceScale = 10_000
	defaultMinorDigits = 2
)

// ErrInvalidMargin is returned for margins that are not finite and positive.
var ErrInvalidMargin = errors.New("price computer: margin must be a finite number greater than zero")

// PriceComputer applies the process-wide markup. The margin is fixed at construction
// and quantised to millionths so every computation is exact integer arithmetic.
//
// Rounding rule: round half up, both for wholesale minor-unit conversion and for the
// marked-up retail price.
type PriceComputer struct {
	margin       float64
	marginMicros uint64
}

func NewPriceComputer(margin float64) (*PriceComputer, error) {
	if math.IsNaN(margin) || math.IsInf(margin, 0) || margin <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMargin, margin)
	}
	micros := math.Round(margin * marginScale)
	if micros < 1 || micros > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %v out of range", ErrInvalidMargin, margin)
	}
	return &PriceComputer{margin: micros / marginScale, marginMicros: uint64(micros)}, nil
}

// Margin returns the quantised margin that Retail applies, as recorded on packages.
func (p *PriceComputer) Margin() float64 { return p.margin }

// BelowCost reports a margin under 1.0, which sells below wholesale.
func (p *PriceComputer) BelowCost() bool { return p.marginMicros < marginScale }

// Retail returns round(wholesaleMinor × margin).
func (p *PriceComputer) Retail(wholesaleMinor uint64) uint64 {
	return RetailPrice(wholesaleMinor, p.marginMicros)
}

// RetailPrice computes round_half_up(wholesaleMinor × marginMicros / 1e6) without
// overflow; results beyond uint64 saturate.
func RetailPrice(wholesaleMinor, marginMicros uint64) uint64 {
	hi, lo := bits.Mul64(wholesaleMinor, marginMicros)
	var carry uint64
	lo, carry = bits.Add64(lo, marginScale/2, 0)
	hi += carry
	if hi >= marginScale {
		return math.MaxUint64
	}
	quo, _ := bits.Div64(hi, lo, marginScale)
	return quo
}

// MinorDigits returns the number of minor-unit digits for an ISO 4217 code, falling
// back to 2 for codes x/text does not know.
func MinorDigits(code string) int {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return defaultMinorDigits
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// WholesaleMinor converts an upstream fixed-point price (price × 10000 in the native
// currency) to minor units of that currency, rounding half up. The input is a decimal
// string so no binary floating point is involved. ok is false for non-numeric or
// non-positive input.
func WholesaleMinor(upstreamPrice string, currencyCode string) (minor uint64, ok bool) {
	value, valid := new(big.Rat).SetString(strings.TrimSpace(upstreamPrice))
	if !valid || value.Sign() <= 0 {
		return 0, false
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(MinorDigits(currencyCode))), nil)
	value.Mul(value, new(big.Rat).SetInt(scale))
	value.Quo(value, new(big.Rat).SetInt64(upstreamPriceScale))

	num, den := value.Num(), value.Denom()
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Lsh(rem, 1).Cmp(den) >= 0 {
		quo.Add(quo, big.NewInt(1))
	}
	if !quo.IsUint64() {
		return 0, false
	}
	return quo.Uint64(), true
}
