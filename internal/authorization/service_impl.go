package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	membershipdomain "github.com/plurahq/quotient/internal/membership/domain"
	"github.com/plurahq/quotient/internal/tenant"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Enforcer    *casbin.SyncedEnforcer
	Memberships membershipdomain.Repository
}

type ServiceImpl struct {
	db          *gorm.DB
	log         *zap.Logger
	enforcer    *casbin.SyncedEnforcer
	memberships membershipdomain.Repository
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		db:          p.DB,
		log:         p.Log.Named("authorization.service"),
		enforcer:    p.Enforcer,
		memberships: p.Memberships,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, agencyID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	agencyID = strings.TrimSpace(agencyID)
	if agencyID == "" {
		return ErrInvalidAgency
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, err := s.resolveActor(ctx, actor, agencyID)
	if err != nil {
		return err
	}

	domain := fmt.Sprintf("agency:%s", agencyID)
	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Debug("authorization denied",
			zap.String("subject", subject),
			zap.String("agency_id", agencyID),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) resolveActor(ctx context.Context, actor string, agencyID string) (string, string, error) {
	if actor == "system" {
		return actor, "role:system", nil
	}
	if userID, ok := strings.CutPrefix(actor, "user:"); ok {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return "", "", ErrInvalidActor
		}
		membership, err := s.memberships.Find(ctx, userID, tenant.AgencyScope(agencyID))
		if err != nil {
			if errors.Is(err, membershipdomain.ErrMembershipNotFound) {
				return "", "", ErrForbidden
			}
			return "", "", err
		}
		roleName := fmt.Sprintf("role:%s", strings.ToLower(string(membership.Role)))
		return actor, roleName, nil
	}
	return "", "", ErrInvalidActor
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Members can read and consume within their scope.
		{"role:member", ObjectEntitlement, ActionEntitlementView},
		{"role:member", ObjectUsage, ActionUsageConsume},
		{"role:member", ObjectUsage, ActionUsagePreview},
		{"role:member", ObjectUsage, ActionUsageView},
		{"role:member", ObjectCredit, ActionCreditView},

		// Admins additionally manage credits and overrides.
		{"role:admin", ObjectEntitlement, ActionEntitlementView},
		{"role:admin", ObjectUsage, ActionUsageConsume},
		{"role:admin", ObjectUsage, ActionUsagePreview},
		{"role:admin", ObjectUsage, ActionUsageView},
		{"role:admin", ObjectCredit, ActionCreditView},
		{"role:admin", ObjectCredit, ActionCreditGrant},
		{"role:admin", ObjectCredit, ActionCreditAdjust},
		{"role:admin", ObjectOverride, ActionOverrideManage},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},

		{"role:owner", ObjectEntitlement, ActionEntitlementView},
		{"role:owner", ObjectUsage, ActionUsageConsume},
		{"role:owner", ObjectUsage, ActionUsagePreview},
		{"role:owner", ObjectUsage, ActionUsageView},
		{"role:owner", ObjectCredit, ActionCreditView},
		{"role:owner", ObjectCredit, ActionCreditGrant},
		{"role:owner", ObjectCredit, ActionCreditAdjust},
		{"role:owner", ObjectOverride, ActionOverrideManage},
		{"role:owner", ObjectAuditLog, ActionAuditLogView},

		// System role covers background jobs and host-SaaS integrations.
		{"role:system", ObjectEntitlement, ActionEntitlementView},
		{"role:system", ObjectUsage, ActionUsageConsume},
		{"role:system", ObjectUsage, ActionUsagePreview},
		{"role:system", ObjectUsage, ActionUsageView},
		{"role:system", ObjectCredit, ActionCreditView},
		{"role:system", ObjectCredit, ActionCreditGrant},
		{"role:system", ObjectCredit, ActionCreditAdjust},
		{"role:system", ObjectOverride, ActionOverrideManage},
		{"role:system", ObjectAuditLog, ActionAuditLogView},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
