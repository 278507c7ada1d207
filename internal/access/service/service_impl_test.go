package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/access/domain"
	"github.com/plurahq/quotient/internal/authorization"
	"github.com/plurahq/quotient/internal/clock"
	entitlementdomain "github.com/plurahq/quotient/internal/entitlement/domain"
	membershipdomain "github.com/plurahq/quotient/internal/membership/domain"
	settingsdomain "github.com/plurahq/quotient/internal/settings/domain"
	subscriptiondomain "github.com/plurahq/quotient/internal/subscription/domain"
	"github.com/plurahq/quotient/internal/tenant"
	usagedomain "github.com/plurahq/quotient/internal/usage/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// The gate's collaborators are all interfaces, so the ordered-denial tests
// run against stubs configured per gate.

type stubMemberships struct {
	active bool
}

func (s *stubMemberships) Create(context.Context, *membershipdomain.Membership) error { return nil }
func (s *stubMemberships) Find(context.Context, string, tenant.Scope) (*membershipdomain.Membership, error) {
	if !s.active {
		return nil, membershipdomain.ErrMembershipNotFound
	}
	return &membershipdomain.Membership{Role: membershipdomain.RoleMember}, nil
}
func (s *stubMemberships) IsActiveMember(context.Context, string, tenant.Scope) (bool, error) {
	return s.active, nil
}
func (s *stubMemberships) Revoke(context.Context, snowflake.ID) error { return nil }

type stubAuthz struct {
	err         error
	denyActions map[string]bool
}

func (s *stubAuthz) Authorize(_ context.Context, _, _, _ string, action string) error {
	if s.err != nil {
		return s.err
	}
	if s.denyActions[action] {
		return authorization.ErrForbidden
	}
	return nil
}

type stubSubscriptions struct {
	sub  *subscriptiondomain.Subscription
	ents map[string]entitlementdomain.Effective
}

func (s *stubSubscriptions) Resolve(context.Context, entitlementdomain.ResolveRequest) (map[string]entitlementdomain.Effective, error) {
	if s.ents == nil {
		return map[string]entitlementdomain.Effective{}, nil
	}
	return s.ents, nil
}
func (s *stubSubscriptions) CurrentSubscription(context.Context, string, time.Time) (*subscriptiondomain.Subscription, error) {
	return s.sub, nil
}

type stubUsage struct {
	preview usagedomain.PreviewResult
}

func (s *stubUsage) Consume(context.Context, usagedomain.ConsumeRequest) (usagedomain.ConsumeResult, error) {
	return usagedomain.ConsumeResult{}, nil
}
func (s *stubUsage) Preview(context.Context, usagedomain.PreviewRequest) (usagedomain.PreviewResult, error) {
	return s.preview, nil
}
func (s *stubUsage) PeriodUsage(context.Context, tenant.Scope, string, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type stubSettings struct {
	access settingsdomain.AccessSettings
}

func (s *stubSettings) CreditSettings(context.Context, tenant.Scope) (settingsdomain.CreditSettings, error) {
	return settingsdomain.CreditSettings{AutoGrant: true}, nil
}
func (s *stubSettings) UpdateCreditSettings(context.Context, tenant.Scope, settingsdomain.CreditSettings) error {
	return nil
}
func (s *stubSettings) AccessSettings(context.Context, tenant.Scope) (settingsdomain.AccessSettings, error) {
	return s.access, nil
}
func (s *stubSettings) UpdateAccessSettings(context.Context, tenant.Scope, settingsdomain.AccessSettings) error {
	return nil
}

type gateFixture struct {
	memberships *stubMemberships
	authz       *stubAuthz
	subs        *stubSubscriptions
	usage       *stubUsage
	settings    *stubSettings
	svc         domain.Service
}

func setupGate(t *testing.T) *gateFixture {
	t.Helper()

	f := &gateFixture{
		memberships: &stubMemberships{active: true},
		authz:       &stubAuthz{},
		subs: &stubSubscriptions{sub: &subscriptiondomain.Subscription{
			PlanID: "pro",
			Status: subscriptiondomain.StatusActive,
		}},
		usage:    &stubUsage{preview: usagedomain.PreviewResult{Allowed: true}},
		settings: &stubSettings{},
	}
	f.svc = New(Params{
		Log:            zap.NewNop(),
		Clock:          clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
		Memberships:    f.memberships,
		AuthzSvc:       f.authz,
		EntitlementSvc: f.subs,
		UsageSvc:       f.usage,
		SettingsSvc:    f.settings,
	})
	return f
}

func checkRequest() domain.CheckRequest {
	return domain.CheckRequest{
		Scope:                     tenant.AgencyScope("agency-1"),
		UserID:                    "user-1",
		PermissionKeys:            []string{authorization.ActionUsageConsume},
		RequireActiveSubscription: true,
		FeatureKey:                "emails",
		Quantity:                  decimal.NewFromInt(1),
	}
}

func TestCheckAllGatesPass(t *testing.T) {
	f := setupGate(t)
	remaining := decimal.NewFromInt(7)
	f.usage.preview.RemainingQuota = &remaining

	decision, err := f.svc.Check(context.Background(), checkRequest())
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.Empty(t, decision.Reason)
	require.True(t, decision.RemainingQuota.Equal(remaining))
}

// Each gate is evaluated in a fixed order; the reason reflects the first
// failure even when later gates would fail too.
func TestCheckDenialOrder(t *testing.T) {
	f := setupGate(t)
	f.memberships.active = false
	f.authz.err = authorization.ErrForbidden
	f.subs.sub = nil
	f.usage.preview = usagedomain.PreviewResult{Reason: usagedomain.DenialLimitExceeded}

	req := checkRequest()
	req.UserID = ""
	decision, err := f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNoSession, decision.Reason)

	req.UserID = "user-1"
	decision, err = f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNoMembership, decision.Reason)

	f.memberships.active = true
	decision, err = f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNoPermission, decision.Reason)

	f.authz.err = nil
	decision, err = f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNoSubscription, decision.Reason)
	require.Equal(t, domain.SuggestionUpgrade, decision.Suggestion)

	f.subs.sub = &subscriptiondomain.Subscription{PlanID: "pro", Status: subscriptiondomain.StatusActive}
	decision, err = f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonLimitExceeded, decision.Reason)
}

func TestCheckLimitExceededSuggestsTopUpWhenEnabled(t *testing.T) {
	f := setupGate(t)
	f.usage.preview = usagedomain.PreviewResult{
		Reason:       usagedomain.DenialLimitExceeded,
		TopUpEnabled: true,
	}
	f.settings.access.TopUpURL = "https://billing.example.com/topup"

	decision, err := f.svc.Check(context.Background(), checkRequest())
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, domain.ReasonLimitExceeded, decision.Reason)
	require.Equal(t, domain.SuggestionTopUp, decision.Suggestion)
	require.Equal(t, "https://billing.example.com/topup", decision.SuggestionURL)
}

func TestCheckInsufficientCreditsWithoutTopUp(t *testing.T) {
	f := setupGate(t)
	f.usage.preview = usagedomain.PreviewResult{
		Reason: usagedomain.DenialInsufficientCredits,
	}

	decision, err := f.svc.Check(context.Background(), checkRequest())
	require.NoError(t, err)
	require.Equal(t, domain.ReasonInsufficientCredits, decision.Reason)
	require.Equal(t, domain.SuggestionContactAdmin, decision.Suggestion)
}

func TestCheckRequiresEveryPermissionKey(t *testing.T) {
	f := setupGate(t)
	f.authz.denyActions = map[string]bool{authorization.ActionCreditGrant: true}

	req := checkRequest()
	req.PermissionKeys = []string{authorization.ActionUsageConsume, authorization.ActionCreditGrant}
	decision, err := f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
	require.Equal(t, domain.ReasonNoPermission, decision.Reason)

	req.PermissionKeys = []string{authorization.ActionUsageConsume}
	decision, err = f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestCheckSubscriptionOnlyWhenRequired(t *testing.T) {
	f := setupGate(t)
	f.subs.sub = nil

	req := checkRequest()
	req.FeatureKey = ""
	req.Quantity = decimal.Zero
	decision, err := f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonNoSubscription, decision.Reason)

	req.RequireActiveSubscription = false
	decision, err = f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

// A check without a quantity only inspects the entitlement state, so an
// exhausted quota does not block a permission-level check.
func TestCheckWithoutQuantitySkipsDryRun(t *testing.T) {
	f := setupGate(t)
	f.subs.ents = map[string]entitlementdomain.Effective{
		"emails": {FeatureKey: "emails", Enabled: true},
	}
	f.usage.preview = usagedomain.PreviewResult{Reason: usagedomain.DenialLimitExceeded}

	req := checkRequest()
	req.Quantity = decimal.Zero
	decision, err := f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	require.True(t, decision.Allowed)

	// A disabled feature still fails the entitlement step.
	f.subs.ents = map[string]entitlementdomain.Effective{}
	decision, err = f.svc.Check(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.ReasonFeatureDisabled, decision.Reason)
	require.Equal(t, domain.SuggestionUpgrade, decision.Suggestion)
}

func TestCheckFeatureDisabledSuggestsUpgrade(t *testing.T) {
	f := setupGate(t)
	f.usage.preview = usagedomain.PreviewResult{
		Reason: usagedomain.DenialFeatureDisabled,
	}
	f.settings.access.UpgradeURL = "https://billing.example.com/upgrade"

	decision, err := f.svc.Check(context.Background(), checkRequest())
	require.NoError(t, err)
	require.Equal(t, domain.ReasonFeatureDisabled, decision.Reason)
	require.Equal(t, domain.SuggestionUpgrade, decision.Suggestion)
	require.Equal(t, "https://billing.example.com/upgrade", decision.SuggestionURL)
}
