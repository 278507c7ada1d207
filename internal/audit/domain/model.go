// Package domain contains the append-only audit trail for entitlement and
// credit activity.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/tenant"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

const (
	ActionCreditGranted  = "credit.granted"
	ActionCreditConsumed = "credit.consumed"
	ActionCreditExpired  = "credit.expired"
	ActionCreditAdjusted = "credit.adjusted"
	ActionUsageConsumed  = "usage.consumed"
	ActionUsageDenied    = "usage.denied"
)

type AuditLog struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	ScopeKind    tenant.ScopeKind  `gorm:"type:text;not null;index:ix_audit_logs_scope,priority:1"`
	AgencyID     string            `gorm:"type:text;not null;index:ix_audit_logs_scope,priority:2"`
	SubAccountID string            `gorm:"type:text;not null;default:''"`
	ActorType    ActorType         `gorm:"type:text;not null"`
	ActorID      string            `gorm:"type:text;not null;default:''"`
	Action       string            `gorm:"type:text;not null;index"`
	TargetType   string            `gorm:"type:text;not null"`
	TargetID     string            `gorm:"type:text;not null;default:''"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

type Entry struct {
	Scope      tenant.Scope
	ActorType  ActorType
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type Service interface {
	// Record appends an audit entry. Best effort: failures are logged by the
	// implementation and never fail the caller's transaction.
	Record(ctx context.Context, entry Entry)
}

var ErrInvalidAction = errors.New("invalid_action")
