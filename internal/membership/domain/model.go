// Package domain contains workspace memberships: which users belong to an
// agency or sub-account and with which role.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/tenant"
)

type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusRevoked Status = "REVOKED"
)

// Membership links a user to a scope. An agency-level membership also covers
// the agency's sub-accounts.
type Membership struct {
	ID           snowflake.ID     `gorm:"primaryKey"`
	UserID       string           `gorm:"type:text;not null;uniqueIndex:ux_memberships_user_scope,priority:1"`
	ScopeKind    tenant.ScopeKind `gorm:"type:text;not null;uniqueIndex:ux_memberships_user_scope,priority:2"`
	AgencyID     string           `gorm:"type:text;not null;uniqueIndex:ux_memberships_user_scope,priority:3"`
	SubAccountID string           `gorm:"type:text;not null;default:'';uniqueIndex:ux_memberships_user_scope,priority:4"`
	Role         Role             `gorm:"type:text;not null;default:MEMBER"`
	Status       Status           `gorm:"type:text;not null;default:ACTIVE"`
	CreatedAt    time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Membership) TableName() string { return "memberships" }

type Repository interface {
	Create(ctx context.Context, membership *Membership) error
	// Find returns the active membership covering the scope: an exact match,
	// or the agency-level membership when the scope is a sub-account.
	Find(ctx context.Context, userID string, scope tenant.Scope) (*Membership, error)
	IsActiveMember(ctx context.Context, userID string, scope tenant.Scope) (bool, error)
	Revoke(ctx context.Context, id snowflake.ID) error
}

var ErrMembershipNotFound = errors.New("membership_not_found")
