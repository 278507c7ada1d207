package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	catalogdomain "github.com/plurahq/quotient/internal/catalog/domain"
	catalogrepo "github.com/plurahq/quotient/internal/catalog/repository"
	catalogservice "github.com/plurahq/quotient/internal/catalog/service"
	"github.com/plurahq/quotient/internal/clock"
	"github.com/plurahq/quotient/internal/entitlement/domain"
	overridedomain "github.com/plurahq/quotient/internal/override/domain"
	overriderepo "github.com/plurahq/quotient/internal/override/repository"
	"github.com/plurahq/quotient/internal/period"
	plandomain "github.com/plurahq/quotient/internal/plan/domain"
	planrepo "github.com/plurahq/quotient/internal/plan/repository"
	subscriptiondomain "github.com/plurahq/quotient/internal/subscription/domain"
	subscriptionrepo "github.com/plurahq/quotient/internal/subscription/repository"
	"github.com/plurahq/quotient/internal/tenant"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type resolverFixture struct {
	svc  domain.Service
	db   *gorm.DB
	node *snowflake.Node
	clk  *clock.FakeClock
}

func setupResolver(t *testing.T) *resolverFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(
		&catalogdomain.Feature{},
		&plandomain.PlanFeature{},
		&subscriptiondomain.Subscription{},
		&overridedomain.Override{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	catalogSvc := catalogservice.New(catalogservice.Params{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: catalogrepo.Provide(),
	})

	svc := New(Params{
		DB:           db,
		Log:          zap.NewNop(),
		Clock:        clk,
		CatalogSvc:   catalogSvc,
		PlanRepo:     planrepo.Provide(),
		OverrideRepo: overriderepo.Provide(),
		SubRepo:      subscriptionrepo.Provide(),
	})
	return &resolverFixture{svc: svc, db: db, node: node, clk: clk}
}

func (f *resolverFixture) seedFeature(t *testing.T, key string) {
	t.Helper()
	require.NoError(t, f.db.Create(&catalogdomain.Feature{
		ID:     f.node.Generate(),
		Key:    key,
		Name:   key,
		Kind:   catalogdomain.FeatureKindMetered,
		Period: period.Monthly,
		Active: true,
	}).Error)
}

func (f *resolverFixture) seedPlanFeature(t *testing.T, pf plandomain.PlanFeature) {
	t.Helper()
	pf.ID = f.node.Generate()
	require.NoError(t, f.db.Create(&pf).Error)
}

func (f *resolverFixture) seedSubscription(t *testing.T, agencyID, planID string, status subscriptiondomain.Status) {
	t.Helper()
	now := f.clk.Now()
	require.NoError(t, f.db.Create(&subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		AgencyID:           agencyID,
		PlanID:             planID,
		Status:             status,
		CurrentPeriodStart: now.AddDate(0, 0, -5),
		CurrentPeriodEnd:   now.AddDate(0, 0, 25),
	}).Error)
}

func TestResolveFromPlan(t *testing.T) {
	f := setupResolver(t)
	ctx := context.Background()

	f.seedFeature(t, "emails")
	f.seedPlanFeature(t, plandomain.PlanFeature{
		PlanID:      "pro",
		FeatureKey:  "emails",
		Enabled:     true,
		IncludedInt: 1000,
		Enforcement: plandomain.EnforcementHard,
		OverageMode: plandomain.OverageCredit,
	})
	f.seedSubscription(t, "agency-1", "pro", subscriptiondomain.StatusActive)

	out, err := f.svc.Resolve(ctx, domain.ResolveRequest{Scope: tenant.AgencyScope("agency-1")})
	require.NoError(t, err)
	require.Len(t, out, 1)

	eff := out["emails"]
	require.True(t, eff.Enabled)
	require.True(t, eff.Limit().Equal(decimal.NewFromInt(1000)))
	require.Equal(t, plandomain.OverageCredit, eff.OverageMode)
	require.Nil(t, eff.OverrideID)
}

func TestResolveNoSubscriptionIsEmpty(t *testing.T) {
	f := setupResolver(t)

	out, err := f.svc.Resolve(context.Background(), domain.ResolveRequest{Scope: tenant.AgencyScope("agency-1")})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestResolveExpiredSubscriptionIsEmpty(t *testing.T) {
	f := setupResolver(t)

	f.seedFeature(t, "emails")
	f.seedPlanFeature(t, plandomain.PlanFeature{
		PlanID: "pro", FeatureKey: "emails", Enabled: true, IncludedInt: 1000,
	})
	now := f.clk.Now()
	require.NoError(t, f.db.Create(&subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		AgencyID:           "agency-1",
		PlanID:             "pro",
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: now.AddDate(0, -2, 0),
		CurrentPeriodEnd:   now.AddDate(0, -1, 0),
	}).Error)

	out, err := f.svc.Resolve(context.Background(), domain.ResolveRequest{Scope: tenant.AgencyScope("agency-1")})
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestResolveAppliesActiveOverride(t *testing.T) {
	f := setupResolver(t)
	ctx := context.Background()

	f.seedFeature(t, "emails")
	f.seedPlanFeature(t, plandomain.PlanFeature{
		PlanID: "pro", FeatureKey: "emails", Enabled: true, IncludedInt: 1000,
	})
	f.seedSubscription(t, "agency-1", "pro", subscriptiondomain.StatusTrialing)

	maxOverride := int64(5000)
	require.NoError(t, f.db.Create(&overridedomain.Override{
		ID:             f.node.Generate(),
		ScopeKind:      tenant.ScopeAgency,
		AgencyID:       "agency-1",
		FeatureKey:     "emails",
		StartsAt:       f.clk.Now().AddDate(0, 0, -1),
		MaxOverrideInt: &maxOverride,
	}).Error)

	out, err := f.svc.Resolve(ctx, domain.ResolveRequest{Scope: tenant.AgencyScope("agency-1")})
	require.NoError(t, err)
	require.True(t, out["emails"].Limit().Equal(decimal.NewFromInt(5000)))
	require.NotNil(t, out["emails"].OverrideID)
}

func TestResolveIgnoresEndedOverride(t *testing.T) {
	f := setupResolver(t)

	f.seedFeature(t, "emails")
	f.seedPlanFeature(t, plandomain.PlanFeature{
		PlanID: "pro", FeatureKey: "emails", Enabled: true, IncludedInt: 1000,
	})
	f.seedSubscription(t, "agency-1", "pro", subscriptiondomain.StatusActive)

	maxOverride := int64(5000)
	endsAt := f.clk.Now().AddDate(0, 0, -1)
	require.NoError(t, f.db.Create(&overridedomain.Override{
		ID:             f.node.Generate(),
		ScopeKind:      tenant.ScopeAgency,
		AgencyID:       "agency-1",
		FeatureKey:     "emails",
		StartsAt:       f.clk.Now().AddDate(0, 0, -10),
		EndsAt:         &endsAt,
		MaxOverrideInt: &maxOverride,
	}).Error)

	out, err := f.svc.Resolve(context.Background(), domain.ResolveRequest{Scope: tenant.AgencyScope("agency-1")})
	require.NoError(t, err)
	require.True(t, out["emails"].Limit().Equal(decimal.NewFromInt(1000)))
	require.Nil(t, out["emails"].OverrideID)
}

func TestResolveOverrideAddsFeatureAbsentFromPlan(t *testing.T) {
	f := setupResolver(t)

	f.seedFeature(t, "beta_tools")
	f.seedSubscription(t, "agency-1", "starter", subscriptiondomain.StatusActive)

	enabled := true
	maxOverride := int64(50)
	require.NoError(t, f.db.Create(&overridedomain.Override{
		ID:             f.node.Generate(),
		ScopeKind:      tenant.ScopeAgency,
		AgencyID:       "agency-1",
		FeatureKey:     "beta_tools",
		StartsAt:       f.clk.Now().AddDate(0, 0, -1),
		Enabled:        &enabled,
		MaxOverrideInt: &maxOverride,
	}).Error)

	out, err := f.svc.Resolve(context.Background(), domain.ResolveRequest{Scope: tenant.AgencyScope("agency-1")})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, out["beta_tools"].Enabled)
	require.True(t, out["beta_tools"].Limit().Equal(decimal.NewFromInt(50)))
}

func TestResolveSubAccountInheritsAgencyPlan(t *testing.T) {
	f := setupResolver(t)

	f.seedFeature(t, "emails")
	f.seedPlanFeature(t, plandomain.PlanFeature{
		PlanID: "pro", FeatureKey: "emails", Enabled: true, IncludedInt: 1000,
	})
	f.seedSubscription(t, "agency-1", "pro", subscriptiondomain.StatusActive)

	// A sub-account-level override applies only to that sub-account.
	maxOverride := int64(200)
	require.NoError(t, f.db.Create(&overridedomain.Override{
		ID:             f.node.Generate(),
		ScopeKind:      tenant.ScopeSubAccount,
		AgencyID:       "agency-1",
		SubAccountID:   "location-a",
		FeatureKey:     "emails",
		StartsAt:       f.clk.Now().AddDate(0, 0, -1),
		MaxOverrideInt: &maxOverride,
	}).Error)

	withOverride, err := f.svc.Resolve(context.Background(), domain.ResolveRequest{
		Scope: tenant.SubAccountScope("location-a", "agency-1"),
	})
	require.NoError(t, err)
	require.True(t, withOverride["emails"].Limit().Equal(decimal.NewFromInt(200)))

	plain, err := f.svc.Resolve(context.Background(), domain.ResolveRequest{
		Scope: tenant.SubAccountScope("location-b", "agency-1"),
	})
	require.NoError(t, err)
	require.True(t, plain["emails"].Limit().Equal(decimal.NewFromInt(1000)))
}

func TestResolveWithExplicitPlanSkipsSubscriptionLookup(t *testing.T) {
	f := setupResolver(t)

	f.seedFeature(t, "emails")
	f.seedPlanFeature(t, plandomain.PlanFeature{
		PlanID: "pro", FeatureKey: "emails", Enabled: true, IncludedInt: 1000,
	})

	out, err := f.svc.Resolve(context.Background(), domain.ResolveRequest{
		Scope:  tenant.AgencyScope("agency-1"),
		PlanID: "pro",
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestCurrentSubscription(t *testing.T) {
	f := setupResolver(t)
	ctx := context.Background()

	sub, err := f.svc.CurrentSubscription(ctx, "agency-1", f.clk.Now())
	require.NoError(t, err)
	require.Nil(t, sub)

	f.seedSubscription(t, "agency-1", "pro", subscriptiondomain.StatusActive)
	sub, err = f.svc.CurrentSubscription(ctx, "agency-1", f.clk.Now())
	require.NoError(t, err)
	require.NotNil(t, sub)
	require.Equal(t, "pro", sub.PlanID)
}
