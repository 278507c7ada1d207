// Package domain contains the credit ledger: per-scope, per-feature credit
// balances with an append-only entry trail. All balance mutation goes through
// the credit service; the running balance always equals the sum of ledger
// deltas for its scope and feature key.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/tenant"
	"github.com/plurahq/quotient/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EntryType classifies ledger postings.
type EntryType string

const (
	EntryGrant   EntryType = "GRANT"
	EntryConsume EntryType = "CONSUME"
	EntryExpire  EntryType = "EXPIRE"
	EntryAdjust  EntryType = "ADJUST"
)

// Balance is the denormalized running balance for one (scope, featureKey).
// A balance whose ExpiresAt has passed reads as zero even before the expiry
// sweep physically zeroes it.
type Balance struct {
	ID           snowflake.ID     `gorm:"primaryKey"`
	ScopeKind    tenant.ScopeKind `gorm:"type:text;not null;uniqueIndex:ux_credit_balances_scope,priority:1"`
	AgencyID     string           `gorm:"type:text;not null;uniqueIndex:ux_credit_balances_scope,priority:2"`
	SubAccountID string           `gorm:"type:text;not null;default:'';uniqueIndex:ux_credit_balances_scope,priority:3"`
	FeatureKey   string           `gorm:"type:text;not null;uniqueIndex:ux_credit_balances_scope,priority:4"`
	Balance      decimal.Decimal  `gorm:"type:numeric;not null;default:0"`
	ExpiresAt    *time.Time       `gorm:"index"`
	CreatedAt    time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "feature_credit_balances" }

// Available returns the spendable balance at t, treating expired rows as zero.
func (b Balance) Available(t time.Time) decimal.Decimal {
	if b.ExpiresAt != nil && !b.ExpiresAt.After(t) {
		return decimal.Zero
	}
	return b.Balance
}

// LedgerEntry is one append-only posting. BalanceAfter snapshots the running
// balance the posting produced so idempotent replays can return the original
// result.
type LedgerEntry struct {
	ID           snowflake.ID     `gorm:"primaryKey"`
	ScopeKind    tenant.ScopeKind `gorm:"type:text;not null;index:ix_credit_ledger_scope,priority:1"`
	AgencyID     string           `gorm:"type:text;not null;index:ix_credit_ledger_scope,priority:2"`
	SubAccountID string           `gorm:"type:text;not null;default:'';index:ix_credit_ledger_scope,priority:3"`
	FeatureKey   string           `gorm:"type:text;not null;index:ix_credit_ledger_scope,priority:4"`

	Type           EntryType       `gorm:"type:text;not null"`
	Delta          decimal.Decimal `gorm:"type:numeric;not null"`
	BalanceAfter   decimal.Decimal `gorm:"type:numeric;not null"`
	Reason         string          `gorm:"type:text;not null;default:''"`
	IdempotencyKey string          `gorm:"type:text;not null;uniqueIndex:ux_credit_ledger_idempotency"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "credit_ledger_entries" }

type GrantRequest struct {
	Scope          tenant.Scope
	FeatureKey     string
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
	ExpiresAt      *time.Time
}

type ConsumeRequest struct {
	Scope          tenant.Scope
	FeatureKey     string
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
}

type AdjustRequest struct {
	Scope          tenant.Scope
	FeatureKey     string
	Delta          decimal.Decimal
	Reason         string
	IdempotencyKey string
}

type ConsumeResult struct {
	BalanceAfter decimal.Decimal
}

type BalanceView struct {
	Scope      tenant.Scope     `json:"-"`
	FeatureKey string           `json:"feature_key"`
	Balance    decimal.Decimal  `json:"balance"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
	AgencyID   string           `json:"agency_id"`
	SubAccount string           `json:"sub_account_id,omitempty"`
	ScopeKind  tenant.ScopeKind `json:"scope_kind"`
}

type ListEntriesRequest struct {
	pagination.Pagination
	Scope      tenant.Scope
	FeatureKey string
}

type ListEntriesResponse struct {
	pagination.PageInfo
	Entries []LedgerEntry `json:"entries"`
}

type Service interface {
	// Grant appends a GRANT entry and raises the balance. Replaying an
	// idempotency key is a no-op returning the original post-grant balance.
	Grant(ctx context.Context, req GrantRequest) (decimal.Decimal, error)
	// Consume appends a CONSUME entry iff the non-expired balance covers the
	// amount; otherwise ErrInsufficientCredits with no mutation.
	Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error)
	// Adjust applies a signed correction. The balance may not go negative.
	Adjust(ctx context.Context, req AdjustRequest) (decimal.Decimal, error)
	// ExpireStale zeroes every balance whose expiry has passed, writing EXPIRE
	// entries with deterministic idempotency keys so repeated sweeps are no-ops.
	ExpireStale(ctx context.Context, now time.Time) (int, error)
	// Available returns the spendable balance at `at` with read-time expiry
	// filtering.
	Available(ctx context.Context, scope tenant.Scope, featureKey string, at time.Time) (decimal.Decimal, error)
	Balances(ctx context.Context, scope tenant.Scope, at time.Time) ([]BalanceView, error)
	Entries(ctx context.Context, req ListEntriesRequest) (ListEntriesResponse, error)
	// WithTx returns a service bound to an open transaction so callers can
	// compose a credit debit with their own writes atomically.
	WithTx(tx *gorm.DB) Service
	// LockBalance takes the (scope, featureKey) balance row for the rest of
	// the bound transaction, creating a zero row when none exists. Callers use
	// it via WithTx to serialize a read-check-write that spans more than the
	// ledger itself.
	LockBalance(ctx context.Context, scope tenant.Scope, featureKey string) error
}

var (
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrMissingIdempotencyKey = errors.New("missing_idempotency_key")
	ErrInvalidCreditScope    = errors.New("invalid_credit_scope")
	ErrInsufficientCredits   = errors.New("insufficient_credits")
)
