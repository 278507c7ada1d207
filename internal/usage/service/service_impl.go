package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/plurahq/quotient/internal/audit/domain"
	"github.com/plurahq/quotient/internal/clock"
	creditdomain "github.com/plurahq/quotient/internal/credit/domain"
	entitlementdomain "github.com/plurahq/quotient/internal/entitlement/domain"
	obsmetrics "github.com/plurahq/quotient/internal/observability/metrics"
	"github.com/plurahq/quotient/internal/period"
	plandomain "github.com/plurahq/quotient/internal/plan/domain"
	"github.com/plurahq/quotient/internal/tenant"
	"github.com/plurahq/quotient/internal/usage/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	EntitlementSvc entitlementdomain.Service
	CreditSvc      creditdomain.Service
	AuditSvc       auditdomain.Service `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	entitlementSvc entitlementdomain.Service
	creditSvc      creditdomain.Service
	auditSvc       auditdomain.Service
	obsMetrics     *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("usage.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		entitlementSvc: p.EntitlementSvc,
		creditSvc:      p.CreditSvc,
		auditSvc:       p.AuditSvc,
		obsMetrics:     p.ObsMetrics,
	}
}

// errDenied aborts the consumption transaction so a policy denial leaves no
// partial writes behind. The denial itself travels in a captured result.
var errDenied = errors.New("usage_denied")

func (s *Service) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	if err := req.Scope.Validate(); err != nil {
		return domain.ConsumeResult{}, domain.ErrInvalidUsageScope
	}
	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		return domain.ConsumeResult{}, domain.ErrInvalidUsageScope
	}
	if req.Quantity.Sign() <= 0 {
		return domain.ConsumeResult{}, domain.ErrInvalidQuantity
	}
	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey == "" {
		return domain.ConsumeResult{}, domain.ErrMissingIdempotencyKey
	}

	// Replay check before any resolution so a retry returns the original
	// outcome even if entitlements changed in between.
	if existing, err := s.findEventByKey(ctx, s.db, idempotencyKey); err != nil {
		return domain.ConsumeResult{}, err
	} else if existing != nil {
		return resultFromEvent(existing), nil
	}

	now := s.clock.Now()
	entitlements, err := s.entitlementSvc.Resolve(ctx, entitlementdomain.ResolveRequest{Scope: req.Scope, At: now})
	if err != nil {
		return domain.ConsumeResult{}, err
	}
	eff, ok := entitlements[featureKey]
	if !ok || !eff.Enabled {
		return s.deny(ctx, req, featureKey, domain.ConsumeResult{Reason: domain.DenialFeatureDisabled}), nil
	}

	window, err := period.Compute(eff.Period, now)
	if err != nil {
		return domain.ConsumeResult{}, err
	}

	var result domain.ConsumeResult
	var denial domain.ConsumeResult
	replayed := false

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The balance row anchors the per-feature lock so concurrent consumes
		// with distinct keys serialize their sum-then-insert, quota included.
		if err := s.creditSvc.WithTx(tx).LockBalance(ctx, req.Scope, featureKey); err != nil {
			return err
		}

		prior, err := s.sumWindow(ctx, tx, req.Scope, featureKey, window)
		if err != nil {
			return err
		}

		event := &domain.UsageEvent{
			ID:             s.genID.Generate(),
			ScopeKind:      req.Scope.Kind,
			AgencyID:       req.Scope.AgencyID,
			SubAccountID:   req.Scope.SubAccountID,
			FeatureKey:     featureKey,
			Quantity:       req.Quantity,
			PeriodStart:    window.Start,
			PeriodEnd:      window.End,
			ActionKey:      strings.TrimSpace(req.ActionKey),
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
		}

		switch {
		case eff.Unlimited:
			event.FromQuota = req.Quantity
		default:
			limit := eff.Limit()
			projected := prior.Add(req.Quantity)
			if projected.LessThanOrEqual(limit) {
				event.FromQuota = req.Quantity
			} else if eff.Enforcement == plandomain.EnforcementSoft {
				event.FromQuota = req.Quantity
				event.OverLimit = true
			} else {
				fromQuota := limit.Sub(prior)
				if fromQuota.Sign() < 0 {
					fromQuota = decimal.Zero
				}
				shortfall := req.Quantity.Sub(fromQuota)

				if eff.OverageMode != plandomain.OverageCredit || !eff.CreditEnabled {
					denial = domain.ConsumeResult{
						Reason:         domain.DenialLimitExceeded,
						RemainingQuota: remaining(limit, prior),
					}
					return errDenied
				}

				creditResult, err := s.creditSvc.WithTx(tx).Consume(ctx, creditdomain.ConsumeRequest{
					Scope:          req.Scope,
					FeatureKey:     featureKey,
					Amount:         shortfall,
					Reason:         "usage_overage",
					IdempotencyKey: "usage:" + idempotencyKey,
				})
				if err != nil {
					if errors.Is(err, creditdomain.ErrInsufficientCredits) {
						denial = domain.ConsumeResult{
							Reason:         domain.DenialInsufficientCredits,
							RemainingQuota: remaining(limit, prior),
						}
						return errDenied
					}
					return err
				}
				event.FromQuota = fromQuota
				event.FromCredit = shortfall
				event.OverLimit = true
				balanceAfter := creditResult.BalanceAfter
				event.CreditBalanceAfter = &balanceAfter
			}
		}

		insert := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(event)
		if insert.Error != nil {
			return insert.Error
		}
		if insert.RowsAffected == 0 {
			existing, err := s.findEventByKey(ctx, tx, idempotencyKey)
			if err != nil {
				return err
			}
			if existing == nil {
				return gorm.ErrRecordNotFound
			}
			result = resultFromEvent(existing)
			replayed = true
			return nil
		}

		result = resultFromEvent(event)
		if !eff.Unlimited {
			result.RemainingQuota = remaining(eff.Limit(), prior.Add(event.FromQuota))
		}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, errDenied) {
			return s.deny(ctx, req, featureKey, denial), nil
		}
		return domain.ConsumeResult{}, txErr
	}

	if !replayed {
		s.obsMetrics.IncUsageConsume("allowed")
		s.audit(ctx, req.Scope, req.ActorID, auditdomain.ActionUsageConsumed, featureKey, map[string]any{
			"quantity":    req.Quantity.String(),
			"from_quota":  result.ConsumedFromQuota.String(),
			"from_credit": result.ConsumedFromCredit.String(),
			"over_limit":  result.OverLimit,
		})
	}
	return result, nil
}

func (s *Service) Preview(ctx context.Context, req domain.PreviewRequest) (domain.PreviewResult, error) {
	if err := req.Scope.Validate(); err != nil {
		return domain.PreviewResult{}, domain.ErrInvalidUsageScope
	}
	featureKey := strings.TrimSpace(req.FeatureKey)
	if featureKey == "" {
		return domain.PreviewResult{}, domain.ErrInvalidUsageScope
	}
	if req.Quantity.Sign() <= 0 {
		return domain.PreviewResult{}, domain.ErrInvalidQuantity
	}

	now := s.clock.Now()
	entitlements, err := s.entitlementSvc.Resolve(ctx, entitlementdomain.ResolveRequest{Scope: req.Scope, At: now})
	if err != nil {
		return domain.PreviewResult{}, err
	}
	eff, ok := entitlements[featureKey]
	if !ok || !eff.Enabled {
		return domain.PreviewResult{Reason: domain.DenialFeatureDisabled}, nil
	}
	if eff.Unlimited {
		return domain.PreviewResult{Allowed: true, TopUpEnabled: eff.TopUpEnabled}, nil
	}

	window, err := period.Compute(eff.Period, now)
	if err != nil {
		return domain.PreviewResult{}, err
	}
	prior, err := s.sumWindow(ctx, s.db, req.Scope, featureKey, window)
	if err != nil {
		return domain.PreviewResult{}, err
	}

	limit := eff.Limit()
	projected := prior.Add(req.Quantity)
	out := domain.PreviewResult{
		TopUpEnabled:   eff.TopUpEnabled,
		RemainingQuota: remaining(limit, prior),
	}

	if projected.LessThanOrEqual(limit) {
		out.Allowed = true
		return out, nil
	}
	if eff.Enforcement == plandomain.EnforcementSoft {
		out.Allowed = true
		out.OverLimit = true
		return out, nil
	}

	if eff.OverageMode != plandomain.OverageCredit || !eff.CreditEnabled {
		out.Reason = domain.DenialLimitExceeded
		return out, nil
	}

	fromQuota := limit.Sub(prior)
	if fromQuota.Sign() < 0 {
		fromQuota = decimal.Zero
	}
	shortfall := req.Quantity.Sub(fromQuota)

	available, err := s.creditSvc.Available(ctx, req.Scope, featureKey, now)
	if err != nil {
		return domain.PreviewResult{}, err
	}
	out.AvailableCredits = &available

	if available.LessThan(shortfall) {
		out.Reason = domain.DenialInsufficientCredits
		return out, nil
	}

	out.Allowed = true
	out.OverLimit = true
	out.WouldUseCredit = shortfall
	return out, nil
}

func (s *Service) PeriodUsage(ctx context.Context, scope tenant.Scope, featureKey string, at time.Time) (decimal.Decimal, error) {
	if err := scope.Validate(); err != nil {
		return decimal.Zero, domain.ErrInvalidUsageScope
	}
	if at.IsZero() {
		at = s.clock.Now()
	}

	entitlements, err := s.entitlementSvc.Resolve(ctx, entitlementdomain.ResolveRequest{Scope: scope, At: at})
	if err != nil {
		return decimal.Zero, err
	}
	kind := period.Monthly
	if eff, ok := entitlements[featureKey]; ok {
		kind = eff.Period
	}
	window, err := period.Compute(kind, at)
	if err != nil {
		return decimal.Zero, err
	}
	return s.sumWindow(ctx, s.db, scope, featureKey, window)
}

// sumWindow totals event quantities in Go with exact decimal arithmetic
// instead of a SQL SUM, which would round-trip through driver floats.
func (s *Service) sumWindow(ctx context.Context, tx *gorm.DB, scope tenant.Scope, featureKey string, window period.Window) (decimal.Decimal, error) {
	var quantities []decimal.Decimal
	err := scopeWhere(tx.WithContext(ctx).Model(&domain.UsageEvent{}), scope).
		Where("feature_key = ? AND period_start >= ? AND period_start < ?", featureKey, window.Start, window.End).
		Pluck("quantity", &quantities).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, q := range quantities {
		total = total.Add(q)
	}
	return total, nil
}

func (s *Service) findEventByKey(ctx context.Context, tx *gorm.DB, idempotencyKey string) (*domain.UsageEvent, error) {
	var event domain.UsageEvent
	err := tx.WithContext(ctx).
		Where("idempotency_key = ?", idempotencyKey).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

func (s *Service) deny(ctx context.Context, req domain.ConsumeRequest, featureKey string, result domain.ConsumeResult) domain.ConsumeResult {
	result.Allowed = false
	s.obsMetrics.IncUsageConsume(strings.ToLower(string(result.Reason)))
	s.audit(ctx, req.Scope, req.ActorID, auditdomain.ActionUsageDenied, featureKey, map[string]any{
		"quantity": req.Quantity.String(),
		"reason":   string(result.Reason),
	})
	return result
}

func (s *Service) audit(ctx context.Context, scope tenant.Scope, actorID, action, featureKey string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	actorType := auditdomain.ActorTypeSystem
	if actorID != "" {
		actorType = auditdomain.ActorTypeUser
	}
	s.auditSvc.Record(ctx, auditdomain.Entry{
		Scope:      scope,
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     action,
		TargetType: "feature",
		TargetID:   featureKey,
		Metadata:   metadata,
	})
}

func resultFromEvent(event *domain.UsageEvent) domain.ConsumeResult {
	result := domain.ConsumeResult{
		Allowed:            true,
		ConsumedFromQuota:  event.FromQuota,
		ConsumedFromCredit: event.FromCredit,
		OverLimit:          event.OverLimit,
	}
	if event.CreditBalanceAfter != nil {
		balance := *event.CreditBalanceAfter
		result.BalanceAfter = &balance
	}
	return result
}

func remaining(limit, used decimal.Decimal) *decimal.Decimal {
	left := limit.Sub(used)
	if left.Sign() < 0 {
		left = decimal.Zero
	}
	return &left
}

func scopeWhere(db *gorm.DB, scope tenant.Scope) *gorm.DB {
	db = db.Where("scope_kind = ?", scope.Kind)
	if scope.Kind == tenant.ScopeSubAccount {
		return db.Where("sub_account_id = ?", scope.SubAccountID)
	}
	return db.Where("agency_id = ?", scope.AgencyID)
}
