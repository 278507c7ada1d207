// Package authorization gates operations on entitlement, usage and credit
// objects with Casbin RBAC scoped per agency.
package authorization

import (
	"context"
	"errors"
)

const (
	ObjectEntitlement = "entitlement"
	ObjectUsage       = "usage"
	ObjectCredit      = "credit"
	ObjectOverride    = "override"
	ObjectAuditLog    = "audit_log"
)

const (
	ActionEntitlementView = "entitlement.view"

	ActionUsageConsume = "usage.consume"
	ActionUsagePreview = "usage.preview"
	ActionUsageView    = "usage.view"

	ActionCreditView   = "credit.view"
	ActionCreditGrant  = "credit.grant"
	ActionCreditAdjust = "credit.adjust"

	ActionOverrideManage = "override.manage"

	ActionAuditLogView = "audit_log.view"
)

type Service interface {
	// Authorize checks the actor may perform action on object within the
	// agency. Actors are "system" or "user:<id>".
	Authorize(ctx context.Context, actor string, agencyID string, object string, action string) error
}

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidAgency = errors.New("invalid_agency")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)
