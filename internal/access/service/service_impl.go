package service

import (
	"context"
	"errors"
	"strings"

	"github.com/plurahq/quotient/internal/access/domain"
	"github.com/plurahq/quotient/internal/authorization"
	"github.com/plurahq/quotient/internal/clock"
	entitlementdomain "github.com/plurahq/quotient/internal/entitlement/domain"
	membershipdomain "github.com/plurahq/quotient/internal/membership/domain"
	obsmetrics "github.com/plurahq/quotient/internal/observability/metrics"
	settingsdomain "github.com/plurahq/quotient/internal/settings/domain"
	usagedomain "github.com/plurahq/quotient/internal/usage/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log            *zap.Logger
	Clock          clock.Clock
	Memberships    membershipdomain.Repository
	AuthzSvc       authorization.Service
	EntitlementSvc entitlementdomain.Service
	UsageSvc       usagedomain.Service
	SettingsSvc    settingsdomain.Service `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	log            *zap.Logger
	clock          clock.Clock
	memberships    membershipdomain.Repository
	authzSvc       authorization.Service
	entitlementSvc entitlementdomain.Service
	usageSvc       usagedomain.Service
	settingsSvc    settingsdomain.Service
	obsMetrics     *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		log:            p.Log.Named("access.service"),
		clock:          p.Clock,
		memberships:    p.Memberships,
		authzSvc:       p.AuthzSvc,
		entitlementSvc: p.EntitlementSvc,
		usageSvc:       p.UsageSvc,
		settingsSvc:    p.SettingsSvc,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Service) Check(ctx context.Context, req domain.CheckRequest) (domain.Decision, error) {
	if req.UserID == "" {
		return s.deny(domain.ReasonNoSession, nil), nil
	}

	active, err := s.memberships.IsActiveMember(ctx, req.UserID, req.Scope)
	if err != nil {
		return domain.Decision{}, err
	}
	if !active {
		return s.deny(domain.ReasonNoMembership, nil), nil
	}

	for _, action := range req.PermissionKeys {
		if err := s.authzSvc.Authorize(ctx, "user:"+req.UserID, req.Scope.AgencyID, objectForAction(action), action); err != nil {
			if errors.Is(err, authorization.ErrForbidden) {
				return s.deny(domain.ReasonNoPermission, nil), nil
			}
			return domain.Decision{}, err
		}
	}

	now := s.clock.Now()
	if req.RequireActiveSubscription {
		sub, err := s.entitlementSvc.CurrentSubscription(ctx, req.Scope.AgencyID, now)
		if err != nil {
			return domain.Decision{}, err
		}
		if sub == nil {
			return s.denyWithHint(ctx, req, domain.ReasonNoSubscription, domain.SuggestionUpgrade, nil), nil
		}
	}

	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		s.obsMetrics.IncDecision("allowed")
		return domain.Decision{Allowed: true}, nil
	}

	// Without a quantity only the entitlement state is checked; the dry-run
	// against quota and credits runs when the caller names an amount.
	if req.Quantity.Sign() <= 0 {
		entitlements, err := s.entitlementSvc.Resolve(ctx, entitlementdomain.ResolveRequest{Scope: req.Scope, At: now})
		if err != nil {
			return domain.Decision{}, err
		}
		eff, ok := entitlements[featureKey]
		if !ok || !eff.Enabled {
			return s.denyWithHint(ctx, req, domain.ReasonFeatureDisabled, domain.SuggestionUpgrade, nil), nil
		}
		s.obsMetrics.IncDecision("allowed")
		return domain.Decision{Allowed: true}, nil
	}

	preview, err := s.usageSvc.Preview(ctx, usagedomain.PreviewRequest{
		Scope:      req.Scope,
		FeatureKey: featureKey,
		Quantity:   req.Quantity,
	})
	if err != nil {
		return domain.Decision{}, err
	}
	if preview.Allowed {
		s.obsMetrics.IncDecision("allowed")
		return domain.Decision{Allowed: true, RemainingQuota: preview.RemainingQuota}, nil
	}

	switch preview.Reason {
	case usagedomain.DenialFeatureDisabled:
		return s.denyWithHint(ctx, req, domain.ReasonFeatureDisabled, domain.SuggestionUpgrade, preview.RemainingQuota), nil
	case usagedomain.DenialInsufficientCredits:
		suggestion := domain.SuggestionContactAdmin
		if preview.TopUpEnabled {
			suggestion = domain.SuggestionTopUp
		}
		return s.denyWithHint(ctx, req, domain.ReasonInsufficientCredits, suggestion, preview.RemainingQuota), nil
	default:
		suggestion := domain.SuggestionUpgrade
		if preview.TopUpEnabled {
			suggestion = domain.SuggestionTopUp
		}
		return s.denyWithHint(ctx, req, domain.ReasonLimitExceeded, suggestion, preview.RemainingQuota), nil
	}
}

func (s *Service) deny(reason domain.Reason, remaining *decimal.Decimal) domain.Decision {
	s.obsMetrics.IncDecision(strings.ToLower(string(reason)))
	return domain.Decision{Reason: reason, RemainingQuota: remaining}
}

func (s *Service) denyWithHint(ctx context.Context, req domain.CheckRequest, reason domain.Reason, suggestion domain.Suggestion, remaining *decimal.Decimal) domain.Decision {
	decision := s.deny(reason, remaining)
	decision.Suggestion = suggestion
	if s.settingsSvc == nil {
		return decision
	}
	settings, err := s.settingsSvc.AccessSettings(ctx, req.Scope)
	if err != nil {
		s.log.Warn("load access settings", zap.String("scope", req.Scope.Key()), zap.Error(err))
		return decision
	}
	switch suggestion {
	case domain.SuggestionUpgrade:
		decision.SuggestionURL = settings.UpgradeURL
	case domain.SuggestionTopUp:
		decision.SuggestionURL = settings.TopUpURL
	}
	return decision
}

func objectForAction(action string) string {
	switch {
	case strings.HasPrefix(action, "credit."):
		return authorization.ObjectCredit
	case strings.HasPrefix(action, "override."):
		return authorization.ObjectOverride
	case strings.HasPrefix(action, "entitlement."):
		return authorization.ObjectEntitlement
	default:
		return authorization.ObjectUsage
	}
}
