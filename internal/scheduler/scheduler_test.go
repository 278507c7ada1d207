package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/plurahq/quotient/internal/clock"
	creditdomain "github.com/plurahq/quotient/internal/credit/domain"
	creditservice "github.com/plurahq/quotient/internal/credit/service"
	entitlementdomain "github.com/plurahq/quotient/internal/entitlement/domain"
	"github.com/plurahq/quotient/internal/period"
	subscriptiondomain "github.com/plurahq/quotient/internal/subscription/domain"
	subscriptionrepo "github.com/plurahq/quotient/internal/subscription/repository"
	"github.com/plurahq/quotient/internal/tenant"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixedEntitlements struct {
	effective map[string]entitlementdomain.Effective
}

func (s *fixedEntitlements) Resolve(context.Context, entitlementdomain.ResolveRequest) (map[string]entitlementdomain.Effective, error) {
	return s.effective, nil
}

func (s *fixedEntitlements) CurrentSubscription(context.Context, string, time.Time) (*subscriptiondomain.Subscription, error) {
	return nil, nil
}

type schedulerFixture struct {
	sched     *Scheduler
	creditSvc creditdomain.Service
	ents      *fixedEntitlements
	db        *gorm.DB
	node      *snowflake.Node
	clk       *clock.FakeClock
}

func setupScheduler(t *testing.T) *schedulerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(
		&creditdomain.Balance{},
		&creditdomain.LedgerEntry{},
		&subscriptiondomain.Subscription{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	creditSvc := creditservice.New(creditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})

	ents := &fixedEntitlements{effective: map[string]entitlementdomain.Effective{}}
	sched, err := New(Params{
		DB:             db,
		Log:            zap.NewNop(),
		Clock:          clk,
		CreditSvc:      creditSvc,
		EntitlementSvc: ents,
		Subscriptions:  subscriptionrepo.Provide(),
	})
	require.NoError(t, err)

	return &schedulerFixture{sched: sched, creditSvc: creditSvc, ents: ents, db: db, node: node, clk: clk}
}

func (f *schedulerFixture) seedSubscription(t *testing.T, agencyID string) {
	t.Helper()
	now := f.clk.Now()
	require.NoError(t, f.db.Create(&subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		AgencyID:           agencyID,
		PlanID:             "pro",
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: now.AddDate(0, 0, -5),
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}).Error)
}

func recurringEntitlement(amount int64, rollover bool) entitlementdomain.Effective {
	return entitlementdomain.Effective{
		FeatureKey:      "emails",
		Period:          period.Monthly,
		Enabled:         true,
		CreditEnabled:   true,
		RecurringCredit: decimal.NewFromInt(amount),
		RolloverCredits: rollover,
	}
}

func TestRecurringGrantsOncePerPeriod(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	f.seedSubscription(t, "agency-1")
	f.ents.effective["emails"] = recurringEntitlement(500, true)

	require.NoError(t, f.sched.RecurringGrantsJob(ctx))
	// A second pass inside the same period replays the first grant.
	require.NoError(t, f.sched.RecurringGrantsJob(ctx))

	available, err := f.creditSvc.Available(ctx, tenant.AgencyScope("agency-1"), "emails", f.clk.Now())
	require.NoError(t, err)
	require.True(t, available.Equal(decimal.NewFromInt(500)))

	var entries int64
	require.NoError(t, f.db.Model(&creditdomain.LedgerEntry{}).Count(&entries).Error)
	require.EqualValues(t, 1, entries)
}

func TestRecurringGrantsNewPeriodGrantsAgain(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	f.seedSubscription(t, "agency-1")
	f.ents.effective["emails"] = recurringEntitlement(500, true)

	require.NoError(t, f.sched.RecurringGrantsJob(ctx))

	f.clk.Set(time.Date(2026, 4, 1, 0, 30, 0, 0, time.UTC))
	require.NoError(t, f.sched.RecurringGrantsJob(ctx))

	// Rollover keeps the March grant spendable alongside April's.
	available, err := f.creditSvc.Available(ctx, tenant.AgencyScope("agency-1"), "emails", f.clk.Now())
	require.NoError(t, err)
	require.True(t, available.Equal(decimal.NewFromInt(1000)))
}

func TestRecurringGrantsWithoutRolloverExpireAtPeriodEnd(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	f.seedSubscription(t, "agency-1")
	f.ents.effective["emails"] = recurringEntitlement(500, false)

	require.NoError(t, f.sched.RecurringGrantsJob(ctx))

	available, err := f.creditSvc.Available(ctx, tenant.AgencyScope("agency-1"), "emails", f.clk.Now())
	require.NoError(t, err)
	require.True(t, available.Equal(decimal.NewFromInt(500)))

	// Past the period boundary the March grant is gone.
	f.clk.Set(time.Date(2026, 4, 1, 0, 30, 0, 0, time.UTC))
	available, err = f.creditSvc.Available(ctx, tenant.AgencyScope("agency-1"), "emails", f.clk.Now())
	require.NoError(t, err)
	require.True(t, available.IsZero())
}

func TestRecurringGrantsSkipNonCreditFeatures(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	f.seedSubscription(t, "agency-1")
	f.ents.effective["emails"] = entitlementdomain.Effective{
		FeatureKey: "emails",
		Period:     period.Monthly,
		Enabled:    true,
	}

	require.NoError(t, f.sched.RecurringGrantsJob(ctx))

	var entries int64
	require.NoError(t, f.db.Model(&creditdomain.LedgerEntry{}).Count(&entries).Error)
	require.Zero(t, entries)
}

func TestExpireCreditsJob(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	scope := tenant.AgencyScope("agency-1")

	expiry := f.clk.Now().Add(time.Hour)
	_, err := f.creditSvc.Grant(ctx, creditdomain.GrantRequest{
		Scope:          scope,
		FeatureKey:     "emails",
		Amount:         decimal.NewFromInt(30),
		IdempotencyKey: "grant-1",
		ExpiresAt:      &expiry,
	})
	require.NoError(t, err)

	f.clk.Advance(2 * time.Hour)
	require.NoError(t, f.sched.ExpireCreditsJob(ctx))

	var balance creditdomain.Balance
	require.NoError(t, f.db.Where("feature_key = ?", "emails").First(&balance).Error)
	require.True(t, balance.Balance.IsZero())
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	f.seedSubscription(t, "agency-1")
	f.ents.effective["emails"] = recurringEntitlement(500, true)
	f.sched.cfg.EnabledJobs = []string{"expire_credits"}

	require.NoError(t, f.sched.RunOnce(ctx))

	var entries int64
	require.NoError(t, f.db.Model(&creditdomain.LedgerEntry{}).Count(&entries).Error)
	require.Zero(t, entries)
}
