package domain

import (
	"github.com/shopspring/decimal"

	catalogdomain "github.com/plurahq/quotient/internal/catalog/domain"
	overridedomain "github.com/plurahq/quotient/internal/override/domain"
	"github.com/plurahq/quotient/internal/period"
	plandomain "github.com/plurahq/quotient/internal/plan/domain"
)

// Normalize merges a plan grant with an active override into one effective
// entitlement. Either input may be nil, the catalog feature may not:
//
//   - override nil: the plan values pass through verbatim.
//   - plan nil (override adds a feature the plan lacks): the result starts
//     from fail-closed defaults, so an override grants nothing unless it sets
//     Enabled explicitly.
func Normalize(planFeature *plandomain.PlanFeature, ov *overridedomain.Override, feature catalogdomain.Feature) Effective {
	eff := Effective{
		FeatureKey:  feature.Key,
		FeatureName: feature.Name,
		Kind:        feature.Kind,
		Period:      feature.Period,
		Enforcement: plandomain.EnforcementHard,
		OverageMode: plandomain.OverageNone,
		Included:    decimal.Zero,
	}
	if !period.Valid(eff.Period) {
		eff.Period = period.Monthly
	}

	if planFeature != nil {
		eff.Enabled = planFeature.Enabled
		eff.Unlimited = planFeature.Unlimited
		eff.Included = planFeature.Included()
		eff.Max = planFeature.Max()
		eff.Enforcement = planFeature.Enforcement
		eff.OverageMode = planFeature.OverageMode
		eff.CreditEnabled = planFeature.CreditEnabled
		eff.RecurringCredit = planFeature.RecurringCredit()
		eff.RolloverCredits = planFeature.RolloverCredits
		eff.TopUpEnabled = planFeature.TopUpEnabled
	}

	if ov == nil {
		return eff
	}

	id := ov.ID
	eff.OverrideID = &id
	if ov.Enabled != nil {
		eff.Enabled = *ov.Enabled
	}
	if ov.Unlimited != nil {
		eff.Unlimited = *ov.Unlimited
	}

	switch {
	case ov.MaxOverride() != nil:
		eff.Max = ov.MaxOverride()
	case ov.MaxDelta() != nil:
		base := eff.Included
		if eff.Max != nil {
			base = *eff.Max
		}
		adjusted := base.Add(*ov.MaxDelta())
		eff.Max = &adjusted
	}

	return eff
}
