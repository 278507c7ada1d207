// Package domain contains time-boxed entitlement overrides.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/tenant"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Override adjusts a scope's entitlement for one feature key outside the
// plan's default grant. Nil pointer fields leave the plan value untouched.
// Active window is [StartsAt, EndsAt]; a nil EndsAt means open-ended.
type Override struct {
	ID           snowflake.ID     `gorm:"primaryKey"`
	ScopeKind    tenant.ScopeKind `gorm:"type:text;not null;index:ix_overrides_scope,priority:1"`
	AgencyID     string           `gorm:"type:text;not null;index:ix_overrides_scope,priority:2"`
	SubAccountID string           `gorm:"type:text;not null;default:'';index:ix_overrides_scope,priority:3"`
	FeatureKey   string           `gorm:"type:text;not null;index:ix_overrides_scope,priority:4"`

	StartsAt time.Time  `gorm:"not null"`
	EndsAt   *time.Time `gorm:""`

	Enabled   *bool `gorm:""`
	Unlimited *bool `gorm:""`

	MaxOverrideInt *int64           `gorm:""`
	MaxOverrideDec *decimal.Decimal `gorm:"type:numeric"`
	MaxDeltaInt    *int64           `gorm:""`
	MaxDeltaDec    *decimal.Decimal `gorm:"type:numeric"`

	Reason    string    `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Override) TableName() string { return "entitlement_overrides" }

// ActiveAt reports whether the override applies at t.
func (o Override) ActiveAt(t time.Time) bool {
	if o.StartsAt.After(t) {
		return false
	}
	return o.EndsAt == nil || !o.EndsAt.Before(t)
}

// MaxOverride returns the replacement cap as a decimal, or nil when unset.
func (o Override) MaxOverride() *decimal.Decimal {
	if o.MaxOverrideDec != nil {
		v := *o.MaxOverrideDec
		return &v
	}
	if o.MaxOverrideInt != nil {
		v := decimal.NewFromInt(*o.MaxOverrideInt)
		return &v
	}
	return nil
}

// MaxDelta returns the additive cap adjustment as a decimal, or nil when unset.
func (o Override) MaxDelta() *decimal.Decimal {
	if o.MaxDeltaDec != nil {
		v := *o.MaxDeltaDec
		return &v
	}
	if o.MaxDeltaInt != nil {
		v := decimal.NewFromInt(*o.MaxDeltaInt)
		return &v
	}
	return nil
}

type CreateRequest struct {
	Scope      tenant.Scope
	FeatureKey string
	StartsAt   time.Time
	EndsAt     *time.Time

	Enabled        *bool
	Unlimited      *bool
	MaxOverrideInt *int64
	MaxOverrideDec *decimal.Decimal
	MaxDeltaInt    *int64
	MaxDeltaDec    *decimal.Decimal
	Reason         string
}

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, override *Override) error
	ListActiveForScope(ctx context.Context, db *gorm.DB, scope tenant.Scope, at time.Time) ([]Override, error)
	ListOverlapping(ctx context.Context, db *gorm.DB, scope tenant.Scope, featureKey string, startsAt time.Time, endsAt *time.Time) ([]Override, error)
	End(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Override, error)
	End(ctx context.Context, id snowflake.ID, at time.Time) error
}

var (
	ErrInvalidFeatureKey    = errors.New("invalid_feature_key")
	ErrInvalidWindow        = errors.New("invalid_override_window")
	ErrOverlappingOverride  = errors.New("overlapping_override")
	ErrOverrideNotFound     = errors.New("override_not_found")
	ErrInvalidOverrideScope = errors.New("invalid_override_scope")
)
