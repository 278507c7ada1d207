// Package domain contains metered usage events and the consumption
// contracts. Usage rows are owned by the consumption engine; denials never
// write.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/tenant"
	"github.com/shopspring/decimal"
)

// DenialReason is the machine-readable reason a consumption was refused.
type DenialReason string

const (
	DenialFeatureDisabled     DenialReason = "FEATURE_DISABLED"
	DenialLimitExceeded       DenialReason = "LIMIT_EXCEEDED"
	DenialInsufficientCredits DenialReason = "INSUFFICIENT_CREDITS"
)

// UsageEvent records one successful consumption inside a period window.
// Usage within a window is the sum of its events; a new window starts at
// zero without touching old rows. FromCredit and CreditBalanceAfter snapshot
// the overage draw so idempotent replays reproduce the original result.
type UsageEvent struct {
	ID           snowflake.ID     `gorm:"primaryKey"`
	ScopeKind    tenant.ScopeKind `gorm:"type:text;not null;index:ix_usage_events_scope,priority:1"`
	AgencyID     string           `gorm:"type:text;not null;index:ix_usage_events_scope,priority:2"`
	SubAccountID string           `gorm:"type:text;not null;default:'';index:ix_usage_events_scope,priority:3"`
	FeatureKey   string           `gorm:"type:text;not null;index:ix_usage_events_scope,priority:4"`

	Quantity    decimal.Decimal `gorm:"type:numeric;not null"`
	PeriodStart time.Time       `gorm:"not null;index:ix_usage_events_scope,priority:5"`
	PeriodEnd   time.Time       `gorm:"not null"`

	FromQuota          decimal.Decimal  `gorm:"type:numeric;not null;default:0"`
	FromCredit         decimal.Decimal  `gorm:"type:numeric;not null;default:0"`
	OverLimit          bool             `gorm:"not null;default:false"`
	CreditBalanceAfter *decimal.Decimal `gorm:"type:numeric"`

	ActionKey      string    `gorm:"type:text;not null;default:''"`
	IdempotencyKey string    `gorm:"type:text;not null;uniqueIndex:ux_usage_events_idempotency"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

type ConsumeRequest struct {
	Scope          tenant.Scope
	FeatureKey     string
	Quantity       decimal.Decimal
	IdempotencyKey string
	ActionKey      string
	ActorID        string
}

// ConsumeResult is the outcome of a consumption attempt. Expected denials
// are results (Allowed=false with a reason), not errors.
type ConsumeResult struct {
	Allowed            bool             `json:"allowed"`
	Reason             DenialReason     `json:"reason,omitempty"`
	ConsumedFromQuota  decimal.Decimal  `json:"consumed_from_quota"`
	ConsumedFromCredit decimal.Decimal  `json:"consumed_from_credit"`
	OverLimit          bool             `json:"over_limit"`
	RemainingQuota     *decimal.Decimal `json:"remaining_quota,omitempty"`
	BalanceAfter       *decimal.Decimal `json:"balance_after,omitempty"`
}

type PreviewRequest struct {
	Scope      tenant.Scope
	FeatureKey string
	Quantity   decimal.Decimal
}

// PreviewResult is the dry-run counterpart of ConsumeResult. TopUpEnabled is
// carried so callers can suggest the right remediation.
type PreviewResult struct {
	Allowed          bool             `json:"allowed"`
	Reason           DenialReason     `json:"reason,omitempty"`
	OverLimit        bool             `json:"over_limit"`
	WouldUseCredit   decimal.Decimal  `json:"would_use_credit"`
	RemainingQuota   *decimal.Decimal `json:"remaining_quota,omitempty"`
	AvailableCredits *decimal.Decimal `json:"available_credits,omitempty"`
	TopUpEnabled     bool             `json:"top_up_enabled"`
}

type Service interface {
	// Consume validates the request against the resolved entitlement and
	// credit balance, then records the usage event and any credit debit in
	// one idempotent transaction.
	Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error)
	// Preview evaluates a hypothetical consumption without mutating anything.
	Preview(ctx context.Context, req PreviewRequest) (PreviewResult, error)
	// PeriodUsage returns the quantity consumed in the feature's current
	// period window.
	PeriodUsage(ctx context.Context, scope tenant.Scope, featureKey string, at time.Time) (decimal.Decimal, error)
}

var (
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrMissingIdempotencyKey = errors.New("missing_idempotency_key")
	ErrInvalidUsageScope     = errors.New("invalid_usage_scope")
)
