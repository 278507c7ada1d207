// Package domain contains the access decision gate: the single read-only
// answer to "can this user do this action in this scope right now".
package domain

import (
	"context"

	"github.com/plurahq/quotient/internal/tenant"
	"github.com/shopspring/decimal"
)

// Reason explains a denial. Checks run in a fixed order, so the reason names
// the first gate that failed.
type Reason string

const (
	ReasonNoSession           Reason = "NO_SESSION"
	ReasonNoMembership        Reason = "NO_MEMBERSHIP"
	ReasonNoPermission        Reason = "NO_PERMISSION"
	ReasonNoSubscription      Reason = "NO_SUBSCRIPTION"
	ReasonFeatureDisabled     Reason = "FEATURE_DISABLED"
	ReasonLimitExceeded       Reason = "LIMIT_EXCEEDED"
	ReasonInsufficientCredits Reason = "INSUFFICIENT_CREDITS"
)

// Suggestion is the remediation hint paired with a denial.
type Suggestion string

const (
	SuggestionUpgrade      Suggestion = "UPGRADE"
	SuggestionTopUp        Suggestion = "TOPUP"
	SuggestionContactAdmin Suggestion = "CONTACT_ADMIN"
)

type CheckRequest struct {
	Scope  tenant.Scope
	UserID string
	// PermissionKeys must all be granted. Empty means no permission check.
	PermissionKeys []string
	// RequireActiveSubscription additionally demands a current subscription.
	RequireActiveSubscription bool
	// FeatureKey, when set, requires the entitlement to be enabled.
	FeatureKey string
	// Quantity, when positive, also dry-runs the consumption against quota and
	// credits. Zero checks entitlement state only.
	Quantity decimal.Decimal
}

// Decision is the gate's verdict. It never mutates usage or credits.
type Decision struct {
	Allowed        bool             `json:"allowed"`
	Reason         Reason           `json:"reason,omitempty"`
	Suggestion     Suggestion       `json:"suggestion,omitempty"`
	SuggestionURL  string           `json:"suggestion_url,omitempty"`
	RemainingQuota *decimal.Decimal `json:"remaining_quota,omitempty"`
}

type Service interface {
	// Check evaluates session, membership, permission, subscription and
	// entitlement gates in order and returns the first failure.
	Check(ctx context.Context, req CheckRequest) (Decision, error)
}
