// Package domain contains per-plan base feature grants.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Enforcement controls whether exceeding a limit blocks (HARD) or merely
// flags (SOFT) the action.
type Enforcement string

const (
	EnforcementHard Enforcement = "HARD"
	EnforcementSoft Enforcement = "SOFT"
)

// OverageMode controls what happens beyond the included quota.
type OverageMode string

const (
	OverageNone   OverageMode = "NONE"
	OverageCredit OverageMode = "CREDIT"
)

// PlanFeature is the base grant a plan gives for a feature key. Rows are
// static plan configuration; the billing provider owns plan lifecycle.
type PlanFeature struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	PlanID     string       `gorm:"type:text;not null;uniqueIndex:ux_plan_features_plan_key,priority:1"`
	FeatureKey string       `gorm:"type:text;not null;uniqueIndex:ux_plan_features_plan_key,priority:2"`

	Enabled     bool             `gorm:"not null;default:false"`
	Unlimited   bool             `gorm:"not null;default:false"`
	IncludedInt int64            `gorm:"not null;default:0"`
	IncludedDec decimal.Decimal  `gorm:"type:numeric;not null;default:0"`
	MaxInt      *int64           `gorm:""`
	MaxDec      *decimal.Decimal `gorm:"type:numeric"`
	Enforcement Enforcement      `gorm:"type:text;not null;default:HARD"`
	OverageMode OverageMode      `gorm:"type:text;not null;default:NONE"`

	CreditEnabled      bool            `gorm:"not null;default:false"`
	RecurringCreditInt int64           `gorm:"not null;default:0"`
	RecurringCreditDec decimal.Decimal `gorm:"type:numeric;not null;default:0"`
	RolloverCredits    bool            `gorm:"not null;default:false"`
	TopUpEnabled       bool            `gorm:"not null;default:false"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanFeature) TableName() string { return "plan_features" }

// Included returns the base quota as a decimal; the decimal column wins when
// set, otherwise the integer column applies.
func (f PlanFeature) Included() decimal.Decimal {
	if !f.IncludedDec.IsZero() {
		return f.IncludedDec
	}
	return decimal.NewFromInt(f.IncludedInt)
}

// Max returns the hard cap as a decimal, or nil when the plan sets none.
func (f PlanFeature) Max() *decimal.Decimal {
	if f.MaxDec != nil {
		v := *f.MaxDec
		return &v
	}
	if f.MaxInt != nil {
		v := decimal.NewFromInt(*f.MaxInt)
		return &v
	}
	return nil
}

// RecurringCredit returns the per-period credit grant as a decimal.
func (f PlanFeature) RecurringCredit() decimal.Decimal {
	if !f.RecurringCreditDec.IsZero() {
		return f.RecurringCreditDec
	}
	return decimal.NewFromInt(f.RecurringCreditInt)
}

type Repository interface {
	ListByPlan(ctx context.Context, db *gorm.DB, planID string) ([]PlanFeature, error)
	FindByPlanAndKey(ctx context.Context, db *gorm.DB, planID, featureKey string) (*PlanFeature, error)
	Upsert(ctx context.Context, db *gorm.DB, feature *PlanFeature) error
}

var (
	ErrInvalidPlan = errors.New("invalid_plan")
)
