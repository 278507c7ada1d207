package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/clock"
	"github.com/plurahq/quotient/internal/override/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("override.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

// Create rejects overrides whose active window overlaps an existing override
// for the same scope and feature key. Overlap would make resolution
// ambiguous, so the invariant is enforced at write time.
func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Override, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, domain.ErrInvalidOverrideScope
	}
	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		return nil, domain.ErrInvalidFeatureKey
	}
	if req.StartsAt.IsZero() {
		return nil, domain.ErrInvalidWindow
	}
	if req.EndsAt != nil && req.EndsAt.Before(req.StartsAt) {
		return nil, domain.ErrInvalidWindow
	}

	var created *domain.Override
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.ListOverlapping(ctx, tx, req.Scope, featureKey, req.StartsAt, req.EndsAt)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return domain.ErrOverlappingOverride
		}

		now := s.clock.Now()
		override := &domain.Override{
			ID:             s.genID.Generate(),
			ScopeKind:      req.Scope.Kind,
			AgencyID:       req.Scope.AgencyID,
			SubAccountID:   req.Scope.SubAccountID,
			FeatureKey:     featureKey,
			StartsAt:       req.StartsAt.UTC(),
			EndsAt:         req.EndsAt,
			Enabled:        req.Enabled,
			Unlimited:      req.Unlimited,
			MaxOverrideInt: req.MaxOverrideInt,
			MaxOverrideDec: req.MaxOverrideDec,
			MaxDeltaInt:    req.MaxDeltaInt,
			MaxDeltaDec:    req.MaxDeltaDec,
			Reason:         strings.TrimSpace(req.Reason),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.Create(ctx, tx, override); err != nil {
			return err
		}
		created = override
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("override created",
		zap.String("feature_key", created.FeatureKey),
		zap.String("agency_id", created.AgencyID),
		zap.String("sub_account_id", created.SubAccountID),
	)
	return created, nil
}

func (s *Service) End(ctx context.Context, id snowflake.ID, at time.Time) error {
	if at.IsZero() {
		at = s.clock.Now()
	}
	return s.repo.End(ctx, s.db, id, at.UTC())
}
