// Package domain contains effective-entitlement computation. An effective
// entitlement is derived per request from the plan grant, the active override
// and the feature catalog; it is never persisted.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/plurahq/quotient/internal/catalog/domain"
	"github.com/plurahq/quotient/internal/period"
	plandomain "github.com/plurahq/quotient/internal/plan/domain"
	subscriptiondomain "github.com/plurahq/quotient/internal/subscription/domain"
	"github.com/plurahq/quotient/internal/tenant"
	"github.com/shopspring/decimal"
)

// Effective is the resolved grant a scope holds for one feature key after
// applying the plan base and any active override.
type Effective struct {
	FeatureKey  string                    `json:"feature_key"`
	FeatureName string                    `json:"feature_name"`
	Kind        catalogdomain.FeatureKind `json:"kind"`
	Period      period.Kind               `json:"period"`

	Enabled   bool             `json:"enabled"`
	Unlimited bool             `json:"unlimited"`
	Included  decimal.Decimal  `json:"included"`
	Max       *decimal.Decimal `json:"max,omitempty"`

	Enforcement plandomain.Enforcement `json:"enforcement"`
	OverageMode plandomain.OverageMode `json:"overage_mode"`

	CreditEnabled   bool            `json:"credit_enabled"`
	RecurringCredit decimal.Decimal `json:"recurring_credit"`
	RolloverCredits bool            `json:"rollover_credits"`
	TopUpEnabled    bool            `json:"top_up_enabled"`

	OverrideID *snowflake.ID `json:"override_id,omitempty"`
}

// Limit returns the quantity the scope may consume in a period: the hard cap
// when one is set, otherwise the included quota.
func (e Effective) Limit() decimal.Decimal {
	if e.Max != nil {
		return *e.Max
	}
	return e.Included
}

type ResolveRequest struct {
	Scope tenant.Scope
	// PlanID short-circuits the subscription lookup when the caller already
	// knows the plan.
	PlanID string
	At     time.Time
}

type Service interface {
	// Resolve returns the effective entitlement per feature key. A scope with
	// no current subscription resolves to an empty map.
	Resolve(ctx context.Context, req ResolveRequest) (map[string]Effective, error)
	// CurrentSubscription returns the agency's current subscription or nil.
	CurrentSubscription(ctx context.Context, agencyID string, at time.Time) (*subscriptiondomain.Subscription, error)
}
