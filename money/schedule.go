package money

import "github.com/shopspring/decimal"

// OverrideScope identifies which dimension of a transaction a fee override
// keys on.
type OverrideScope string

const (
	ScopeCampaign OverrideScope = "campaign"
	ScopeClient   OverrideScope = "client"
	ScopeProvider OverrideScope = "provider"
	ScopeCategory OverrideScope = "category"
)

// Override binds a fee rate to one scope key.
type Override struct {
	Scope OverrideScope
	Key   string
	Rate  decimal.Decimal
}

// Schedule is a point-in-time snapshot of the platform's rate configuration.
type Schedule struct {
	DefaultFeeRate decimal.Decimal
	DefaultVATRate decimal.Decimal
	Overrides      []Override
}

// Lookup carries the transaction attributes an override may match on. Empty
// fields never match.
type Lookup struct {
	CampaignID string
	ClientID   string
	ProviderID string
	CategoryID string
}

// order of precedence: campaign beats client beats provider beats category.
var scopePrecedence = []OverrideScope{ScopeCampaign, ScopeClient, ScopeProvider, ScopeCategory}

func (l Lookup) key(scope OverrideScope) string {
	switch scope {
	case ScopeCampaign:
		return l.CampaignID
	case ScopeClient:
		return l.ClientID
	case ScopeProvider:
		return l.ProviderID
	case ScopeCategory:
		return l.CategoryID
	}
	return ""
}

// FeeRate resolves the effective platform-fee rate for the lookup: the first
// override in precedence order wins, falling back to the schedule default.
func (s Schedule) FeeRate(l Lookup) decimal.Decimal {
	for _, scope := range scopePrecedence {
		key := l.key(scope)
		if key == "" {
			continue
		}
		for _, o := range s.Overrides {
			if o.Scope == scope && o.Key == key {
				return o.Rate
			}
		}
	}
	return s.DefaultFeeRate
}

// ComputeFor resolves the fee rate from the schedule and computes the
// breakdown in one step.
func (s Schedule) ComputeFor(base decimal.Decimal, l Lookup, mode PayoutMode) (Breakdown, error) {
	return Compute(base, s.FeeRate(l), s.DefaultVATRate, mode)
}
