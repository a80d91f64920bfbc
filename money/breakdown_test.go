package money

import (
	"testing"

	"github.com/shopspring/decimal"

	"marketflow/fault"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCompute_PercentRates(t *testing.T) {
	b, err := Compute(dec("1000"), dec("10"), dec("15"), PayoutNetAfterFee)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	if got := b.PlatformFee.StringFixed(2); got != "100.00" {
		t.Errorf("platform fee = %s, want 100.00", got)
	}
	if got := b.VATAmount.StringFixed(2); got != "150.00" {
		t.Errorf("vat = %s, want 150.00", got)
	}
	if got := b.ClientTotal.StringFixed(2); got != "1150.00" {
		t.Errorf("client total = %s, want 1150.00", got)
	}
	if got := b.ProviderPayout.StringFixed(2); got != "900.00" {
		t.Errorf("payout = %s, want 900.00", got)
	}
}

func TestCompute_FractionAndPercentAgree(t *testing.T) {
	cases := []string{"0.07", "7", "0.5", "50", "1", "100", "0", "0.125", "12.5"}
	for _, raw := range cases {
		r := dec(raw)
		norm, err := NormalizeRate(r)
		if err != nil {
			t.Fatalf("normalize %s: %v", raw, err)
		}
		if r.GreaterThan(decimal.NewFromInt(1)) {
			asFraction, err := NormalizeRate(r.Div(decimal.NewFromInt(100)))
			if err != nil {
				t.Fatalf("normalize %s/100: %v", raw, err)
			}
			if !norm.Equal(asFraction) {
				t.Errorf("normalize(%s)=%s but normalize(%s/100)=%s", raw, norm, raw, asFraction)
			}
		}
	}
}

func TestNormalizeRate_OutOfRange(t *testing.T) {
	for _, raw := range []string{"-0.1", "-5", "101", "250"} {
		if _, err := NormalizeRate(dec(raw)); !fault.IsValidation(err) {
			t.Errorf("normalize(%s): expected validation fault, got %v", raw, err)
		}
	}
}

func TestCompute_RoundingIsFixedPoint(t *testing.T) {
	// Re-feeding an already-rounded breakdown must reproduce itself.
	bases := []string{"0", "0.01", "99.99", "1234.56", "333.33", "1000"}
	for _, raw := range bases {
		first, err := Compute(dec(raw), dec("12.5"), dec("21"), PayoutNetAfterFee)
		if err != nil {
			t.Fatalf("compute %s: %v", raw, err)
		}
		second, err := Compute(first.TaxableBase, dec("12.5"), dec("21"), PayoutNetAfterFee)
		if err != nil {
			t.Fatalf("recompute %s: %v", raw, err)
		}
		if !first.PlatformFee.Equal(second.PlatformFee) ||
			!first.VATAmount.Equal(second.VATAmount) ||
			!first.ClientTotal.Equal(second.ClientTotal) ||
			!first.ProviderPayout.Equal(second.ProviderPayout) {
			t.Errorf("base %s: breakdown not stable: %+v vs %+v", raw, first, second)
		}
	}
}

func TestCompute_PayoutClampedAtZero(t *testing.T) {
	b, err := Compute(dec("10"), dec("100"), dec("0"), PayoutNetAfterFee)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !b.ProviderPayout.IsZero() {
		t.Errorf("payout = %s, want 0", b.ProviderPayout)
	}
}

func TestCompute_GrossMode(t *testing.T) {
	b, err := Compute(dec("200"), dec("30"), dec("15"), PayoutGrossToProvider)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got := b.ProviderPayout.StringFixed(2); got != "200.00" {
		t.Errorf("gross payout = %s, want 200.00", got)
	}
	if got := b.PlatformFee.StringFixed(2); got != "60.00" {
		t.Errorf("fee = %s, want 60.00", got)
	}
}

func TestCompute_NegativeBaseRejected(t *testing.T) {
	if _, err := Compute(dec("-1"), dec("10"), dec("15"), PayoutNetAfterFee); !fault.IsValidation(err) {
		t.Fatalf("expected validation fault, got %v", err)
	}
}

func TestSchedule_FeeRatePrecedence(t *testing.T) {
	sched := Schedule{
		DefaultFeeRate: dec("0.10"),
		DefaultVATRate: dec("0.15"),
		Overrides: []Override{
			{Scope: ScopeCategory, Key: "plumbing", Rate: dec("0.08")},
			{Scope: ScopeProvider, Key: "prov-1", Rate: dec("0.06")},
			{Scope: ScopeClient, Key: "client-1", Rate: dec("0.04")},
			{Scope: ScopeCampaign, Key: "summer", Rate: dec("0.02")},
		},
	}

	cases := []struct {
		name   string
		lookup Lookup
		want   string
	}{
		{"campaign wins over all", Lookup{CampaignID: "summer", ClientID: "client-1", ProviderID: "prov-1", CategoryID: "plumbing"}, "0.02"},
		{"client beats provider", Lookup{ClientID: "client-1", ProviderID: "prov-1"}, "0.04"},
		{"provider beats category", Lookup{ProviderID: "prov-1", CategoryID: "plumbing"}, "0.06"},
		{"category alone", Lookup{CategoryID: "plumbing"}, "0.08"},
		{"no match falls back", Lookup{CampaignID: "winter", ClientID: "other"}, "0.1"},
		{"empty lookup falls back", Lookup{}, "0.1"},
	}
	for _, tc := range cases {
		if got := sched.FeeRate(tc.lookup); !got.Equal(dec(tc.want)) {
			t.Errorf("%s: fee rate = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestSchedule_ComputeFor(t *testing.T) {
	sched := Schedule{
		DefaultFeeRate: dec("0.10"),
		DefaultVATRate: dec("0.20"),
		Overrides:      []Override{{Scope: ScopeProvider, Key: "p9", Rate: dec("0.25")}},
	}
	b, err := sched.ComputeFor(dec("400"), Lookup{ProviderID: "p9"}, PayoutNetAfterFee)
	if err != nil {
		t.Fatalf("compute for: %v", err)
	}
	if got := b.PlatformFee.StringFixed(2); got != "100.00" {
		t.Errorf("fee = %s, want 100.00", got)
	}
	if got := b.ProviderPayout.StringFixed(2); got != "300.00" {
		t.Errorf("payout = %s, want 300.00", got)
	}
}
