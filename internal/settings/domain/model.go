// Package domain contains per-scope settings stored as typed, schema-validated
// JSON namespaces.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/tenant"
	"gorm.io/datatypes"
)

const (
	NamespaceCredits = "credits"
	NamespaceAccess  = "access"
)

// Setting is one namespace document for one scope.
type Setting struct {
	ID           snowflake.ID     `gorm:"primaryKey"`
	ScopeKind    tenant.ScopeKind `gorm:"type:text;not null;uniqueIndex:ux_settings_scope,priority:1"`
	AgencyID     string           `gorm:"type:text;not null;uniqueIndex:ux_settings_scope,priority:2"`
	SubAccountID string           `gorm:"type:text;not null;default:'';uniqueIndex:ux_settings_scope,priority:3"`
	Namespace    string           `gorm:"type:text;not null;uniqueIndex:ux_settings_scope,priority:4"`
	Data         datatypes.JSON   `gorm:"not null"`
	CreatedAt    time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Setting) TableName() string { return "settings" }

// CreditSettings controls how the scheduler treats credits for a scope.
type CreditSettings struct {
	// AutoGrant enables the recurring credit grant job for the scope.
	AutoGrant bool `json:"auto_grant"`
	// LowBalanceThreshold triggers a warning log when the available balance
	// drops below it. Zero disables the check.
	LowBalanceThreshold float64 `json:"low_balance_threshold" validate:"gte=0"`
}

// AccessSettings tunes decision gate remediation hints.
type AccessSettings struct {
	// UpgradeURL is surfaced with UPGRADE suggestions when set.
	UpgradeURL string `json:"upgrade_url" validate:"omitempty,url"`
	// TopUpURL is surfaced with TOPUP suggestions when set.
	TopUpURL string `json:"top_up_url" validate:"omitempty,url"`
}

type Service interface {
	// CreditSettings returns the scope's credit settings, falling back to
	// defaults when none are stored.
	CreditSettings(ctx context.Context, scope tenant.Scope) (CreditSettings, error)
	UpdateCreditSettings(ctx context.Context, scope tenant.Scope, settings CreditSettings) error
	AccessSettings(ctx context.Context, scope tenant.Scope) (AccessSettings, error)
	UpdateAccessSettings(ctx context.Context, scope tenant.Scope, settings AccessSettings) error
}

var (
	ErrInvalidSettings      = errors.New("invalid_settings")
	ErrInvalidSettingsScope = errors.New("invalid_settings_scope")
)
