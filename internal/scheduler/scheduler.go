// Package scheduler runs the background jobs the entitlement core needs:
// expiring stale credit balances and granting recurring plan credits at
// period boundaries. Both jobs are idempotent, so overlapping runs and
// restarts are safe.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/clock"
	creditdomain "github.com/plurahq/quotient/internal/credit/domain"
	entitlementdomain "github.com/plurahq/quotient/internal/entitlement/domain"
	obsmetrics "github.com/plurahq/quotient/internal/observability/metrics"
	"github.com/plurahq/quotient/internal/period"
	settingsdomain "github.com/plurahq/quotient/internal/settings/domain"
	subscriptiondomain "github.com/plurahq/quotient/internal/subscription/domain"
	"github.com/plurahq/quotient/internal/tenant"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	CreditSvc      creditdomain.Service
	EntitlementSvc entitlementdomain.Service
	Subscriptions  subscriptiondomain.Repository
	SettingsSvc    settingsdomain.Service `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics    `optional:"true"`
	Config         Config                 `optional:"true"`
}

type Scheduler struct {
	db             *gorm.DB
	log            *zap.Logger
	cfg            Config
	clock          clock.Clock
	creditSvc      creditdomain.Service
	entitlementSvc entitlementdomain.Service
	subscriptions  subscriptiondomain.Repository
	settingsSvc    settingsdomain.Service
	obsMetrics     *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.CreditSvc == nil || p.EntitlementSvc == nil || p.Subscriptions == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:             p.DB,
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		clock:          p.Clock,
		creditSvc:      p.CreditSvc,
		entitlementSvc: p.EntitlementSvc,
		subscriptions:  p.Subscriptions,
		settingsSvc:    p.SettingsSvc,
		obsMetrics:     p.ObsMetrics,
	}, nil
}

func (s *Scheduler) RunOnce(ctx context.Context) error {
	var err error
	if s.isJobEnabled("expire_credits") {
		err = errors.Join(err, s.runJob(ctx, "expire_credits", 30*time.Second, s.ExpireCreditsJob))
	}
	if s.isJobEnabled("recurring_grants") {
		err = errors.Join(err, s.runJob(ctx, "recurring_grants", 5*time.Minute, s.RecurringGrantsJob))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		s.obsMetrics.IncJobRun(name, "ok")
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.obsMetrics.IncJobRun(name, "timeout")
		s.log.Warn("job timed out", zap.String("job", name), zap.Duration("timeout", timeout))
		return nil
	}

	s.obsMetrics.IncJobRun(name, "error")
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpireCreditsJob zeroes balances whose expiry has passed. The sweep writes
// EXPIRE ledger entries with deterministic keys, so rerunning it is a no-op.
func (s *Scheduler) ExpireCreditsJob(ctx context.Context) error {
	now := s.clock.Now()
	expired, err := s.creditSvc.ExpireStale(ctx, now)
	if err != nil {
		return err
	}
	if expired > 0 {
		s.log.Info("expired stale credit balances", zap.Int("count", expired))
	}
	return nil
}

// RecurringGrantsJob grants each current subscription its plan's recurring
// credits for the present period. The idempotency key pins one grant per
// agency, feature and period start, so every pass inside the same period
// replays the first.
func (s *Scheduler) RecurringGrantsJob(ctx context.Context) error {
	now := s.clock.Now()
	var jobErr error
	var afterID snowflake.ID

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		subs, err := s.subscriptions.ListCurrent(ctx, s.db, now, afterID, s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			return jobErr
		}
		afterID = subs[len(subs)-1].ID

		for _, sub := range subs {
			if err := s.grantRecurringForSubscription(ctx, sub, now); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.log.Warn("recurring grant failed",
					zap.String("agency_id", sub.AgencyID),
					zap.String("plan_id", sub.PlanID),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *Scheduler) grantRecurringForSubscription(ctx context.Context, sub subscriptiondomain.Subscription, now time.Time) error {
	scope := tenant.AgencyScope(sub.AgencyID)

	if s.settingsSvc != nil {
		settings, err := s.settingsSvc.CreditSettings(ctx, scope)
		if err != nil {
			return err
		}
		if !settings.AutoGrant {
			return nil
		}
	}

	entitlements, err := s.entitlementSvc.Resolve(ctx, entitlementdomain.ResolveRequest{
		Scope:  scope,
		PlanID: sub.PlanID,
		At:     now,
	})
	if err != nil {
		return err
	}

	var grantErr error
	for _, eff := range entitlements {
		if !eff.Enabled || !eff.CreditEnabled || eff.RecurringCredit.Sign() <= 0 {
			continue
		}
		window, err := period.Compute(eff.Period, now)
		if err != nil {
			grantErr = errors.Join(grantErr, err)
			continue
		}

		var expiresAt *time.Time
		if !eff.RolloverCredits {
			end := window.End
			expiresAt = &end
		}

		_, err = s.creditSvc.Grant(ctx, creditdomain.GrantRequest{
			Scope:          scope,
			FeatureKey:     eff.FeatureKey,
			Amount:         eff.RecurringCredit,
			Reason:         "recurring_grant",
			IdempotencyKey: recurringGrantKey(sub.AgencyID, eff.FeatureKey, window.Start),
			ExpiresAt:      expiresAt,
		})
		if err != nil {
			grantErr = errors.Join(grantErr, err)
		}
	}
	return grantErr
}

func recurringGrantKey(agencyID, featureKey string, periodStart time.Time) string {
	return fmt.Sprintf("recurring:%s:%s:%d", agencyID, featureKey, periodStart.Unix())
}
