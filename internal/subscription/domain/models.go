// Package domain contains the read-only subscription view. Subscriptions are
// created and updated by billing-provider webhooks outside this service; the
// entitlement core only ever reads them.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusTrialing Status = "TRIALING"
	StatusPastDue  Status = "PAST_DUE"
	StatusCanceled Status = "CANCELED"
	StatusEnded    Status = "ENDED"
)

// CurrentStatuses are the statuses under which a subscription confers
// entitlements. At most one subscription per agency is expected to be current
// at a time; the query enforces it by ordering, the invariant by convention.
var CurrentStatuses = []Status{StatusActive, StatusTrialing}

// Subscription captures an agency's billing agreement.
type Subscription struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	AgencyID           string            `gorm:"type:text;not null;index:ix_subscriptions_agency"`
	PlanID             string            `gorm:"type:text;not null"`
	Status             Status            `gorm:"type:text;not null"`
	CurrentPeriodStart time.Time         `gorm:"not null"`
	CurrentPeriodEnd   time.Time         `gorm:"not null"`
	CanceledAt         *time.Time        `gorm:""`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Current reports whether the subscription confers entitlements at t.
func (s Subscription) Current(t time.Time) bool {
	if !s.CurrentPeriodEnd.After(t) {
		return false
	}
	for _, status := range CurrentStatuses {
		if s.Status == status {
			return true
		}
	}
	return false
}

type Repository interface {
	FindCurrentByAgency(ctx context.Context, db *gorm.DB, agencyID string, at time.Time) (*Subscription, error)
	ListCurrent(ctx context.Context, db *gorm.DB, at time.Time, afterID snowflake.ID, limit int) ([]Subscription, error)
}

var (
	ErrInvalidAgency = errors.New("invalid_agency")
)
