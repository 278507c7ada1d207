package service

import (
	"context"
	"strings"
	"time"

	catalogdomain "github.com/plurahq/quotient/internal/catalog/domain"
	"github.com/plurahq/quotient/internal/clock"
	"github.com/plurahq/quotient/internal/entitlement/domain"
	overridedomain "github.com/plurahq/quotient/internal/override/domain"
	plandomain "github.com/plurahq/quotient/internal/plan/domain"
	subscriptiondomain "github.com/plurahq/quotient/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	CatalogSvc   catalogdomain.Service
	PlanRepo     plandomain.Repository
	OverrideRepo overridedomain.Repository
	SubRepo      subscriptiondomain.Repository
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	catalogSvc   catalogdomain.Service
	planRepo     plandomain.Repository
	overrideRepo overridedomain.Repository
	subRepo      subscriptiondomain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("entitlement.service"),
		clock:        p.Clock,
		catalogSvc:   p.CatalogSvc,
		planRepo:     p.PlanRepo,
		overrideRepo: p.OverrideRepo,
		subRepo:      p.SubRepo,
	}
}

func (s *Service) CurrentSubscription(ctx context.Context, agencyID string, at time.Time) (*subscriptiondomain.Subscription, error) {
	if at.IsZero() {
		at = s.clock.Now()
	}
	return s.subRepo.FindCurrentByAgency(ctx, s.db, agencyID, at)
}

// Resolve walks plan grants and active overrides into the effective
// entitlement map. Resolution is fail-closed: no current subscription means
// an empty map, and a persistence error propagates rather than degrading to
// a fabricated default plan.
func (s *Service) Resolve(ctx context.Context, req domain.ResolveRequest) (map[string]domain.Effective, error) {
	now := req.At
	if now.IsZero() {
		now = s.clock.Now()
	}

	planID := strings.TrimSpace(req.PlanID)
	if planID == "" {
		if req.Scope.AgencyID == "" {
			return map[string]domain.Effective{}, nil
		}
		sub, err := s.subRepo.FindCurrentByAgency(ctx, s.db, req.Scope.AgencyID, now)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return map[string]domain.Effective{}, nil
		}
		planID = sub.PlanID
	}

	planFeatures, err := s.planRepo.ListByPlan(ctx, s.db, planID)
	if err != nil {
		return nil, err
	}

	overrides, err := s.overrideRepo.ListActiveForScope(ctx, s.db, req.Scope, now)
	if err != nil {
		return nil, err
	}
	// Indexed in created_at order, so the newest active override wins when
	// overlapping rows slipped past the write-time check.
	byKey := make(map[string]overridedomain.Override, len(overrides))
	for _, ov := range overrides {
		byKey[ov.FeatureKey] = ov
	}

	keys := make([]string, 0, len(planFeatures)+len(byKey))
	for _, pf := range planFeatures {
		keys = append(keys, pf.FeatureKey)
	}
	for key := range byKey {
		keys = append(keys, key)
	}
	features, err := s.catalogSvc.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}

	out := make(map[string]domain.Effective, len(planFeatures))
	for i := range planFeatures {
		pf := planFeatures[i]
		feature, ok := features[pf.FeatureKey]
		if !ok {
			s.log.Warn("plan feature missing from catalog, skipped",
				zap.String("plan_id", planID),
				zap.String("feature_key", pf.FeatureKey),
			)
			continue
		}
		var ov *overridedomain.Override
		if match, found := byKey[pf.FeatureKey]; found {
			ov = &match
		}
		out[pf.FeatureKey] = domain.Normalize(&pf, ov, feature)
	}

	for key, ov := range byKey {
		if _, seen := out[key]; seen {
			continue
		}
		feature, ok := features[key]
		if !ok {
			s.log.Warn("override feature missing from catalog, skipped",
				zap.String("feature_key", key),
			)
			continue
		}
		match := ov
		out[key] = domain.Normalize(nil, &match, feature)
	}

	return out, nil
}
