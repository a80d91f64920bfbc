// Package money computes platform fee, VAT, and payout breakdowns for a
// base price. All functions are pure; rate configuration is passed in as a
// value snapshot.
package money

import (
	"github.com/shopspring/decimal"

	"marketflow/fault"
)

// PayoutMode selects how the provider payout is derived from the base price.
type PayoutMode string

const (
	// PayoutNetAfterFee pays the provider the base price minus the platform
	// fee, floored at zero.
	PayoutNetAfterFee PayoutMode = "net_after_fee"
	// PayoutGrossToProvider pays the provider the full base price; the fee
	// is settled out of band.
	PayoutGrossToProvider PayoutMode = "gross_to_provider"
)

// Breakdown is the itemized result of a price computation. Every field is
// independently rounded to 2 decimal places at the point it is derived.
type Breakdown struct {
	PlatformFee    decimal.Decimal
	TaxableBase    decimal.Decimal
	VATAmount      decimal.Decimal
	ClientTotal    decimal.Decimal
	ProviderPayout decimal.Decimal
}

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// NormalizeRate accepts a rate either as a fraction in [0,1] or as a percent
// in (1,100] and returns the fractional form. Anything else is a validation
// fault.
func NormalizeRate(r decimal.Decimal) (decimal.Decimal, error) {
	if r.GreaterThan(one) && r.LessThanOrEqual(hundred) {
		r = r.Div(hundred)
	}
	if r.IsNegative() || r.GreaterThan(one) {
		return decimal.Decimal{}, fault.Newf(fault.KindValidation, "money: rate %s outside [0,1]", r)
	}
	return r, nil
}

// Compute derives the fee/VAT breakdown for a base price. The base is never
// clamped: a negative price is rejected.
func Compute(base decimal.Decimal, feeRate, vatRate decimal.Decimal, mode PayoutMode) (Breakdown, error) {
	if base.IsNegative() {
		return Breakdown{}, fault.Newf(fault.KindValidation, "money: negative base price %s", base)
	}

	fee, err := NormalizeRate(feeRate)
	if err != nil {
		return Breakdown{}, err
	}
	vat, err := NormalizeRate(vatRate)
	if err != nil {
		return Breakdown{}, err
	}

	switch mode {
	case PayoutNetAfterFee, PayoutGrossToProvider:
	case "":
		mode = PayoutNetAfterFee
	default:
		return Breakdown{}, fault.Newf(fault.KindValidation, "money: unknown payout mode %q", mode)
	}

	// Each derived quantity rounds on its own rather than carrying full
	// precision through, to reproduce the ledgered per-line figures.
	b := Breakdown{
		PlatformFee: base.Mul(fee).Round(2),
		TaxableBase: base.Round(2),
	}
	b.VATAmount = b.TaxableBase.Mul(vat).Round(2)
	b.ClientTotal = b.TaxableBase.Add(b.VATAmount).Round(2)

	if mode == PayoutGrossToProvider {
		b.ProviderPayout = b.TaxableBase
	} else {
		payout := b.TaxableBase.Sub(b.PlatformFee)
		if payout.IsNegative() {
			payout = decimal.Zero
		}
		b.ProviderPayout = payout.Round(2)
	}

	return b, nil
}
