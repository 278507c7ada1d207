package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/plurahq/quotient/internal/settings/domain"
	"github.com/plurahq/quotient/internal/tenant"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupSettings(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(&domain.Setting{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := New(Params{DB: db, Log: zap.NewNop(), GenID: node})
	return svc, db
}

func TestCreditSettingsDefaults(t *testing.T) {
	svc, _ := setupSettings(t)
	scope := tenant.AgencyScope("agency-1")

	settings, err := svc.CreditSettings(context.Background(), scope)
	require.NoError(t, err)
	require.True(t, settings.AutoGrant)
	require.Zero(t, settings.LowBalanceThreshold)
}

func TestUpdateAndReadCreditSettings(t *testing.T) {
	svc, _ := setupSettings(t)
	scope := tenant.AgencyScope("agency-1")
	ctx := context.Background()

	require.NoError(t, svc.UpdateCreditSettings(ctx, scope, domain.CreditSettings{
		AutoGrant:           false,
		LowBalanceThreshold: 25,
	}))

	settings, err := svc.CreditSettings(ctx, scope)
	require.NoError(t, err)
	require.False(t, settings.AutoGrant)
	require.EqualValues(t, 25, settings.LowBalanceThreshold)

	// Second write updates in place rather than inserting a second row.
	require.NoError(t, svc.UpdateCreditSettings(ctx, scope, domain.CreditSettings{AutoGrant: true}))
	settings, err = svc.CreditSettings(ctx, scope)
	require.NoError(t, err)
	require.True(t, settings.AutoGrant)
}

func TestUpdateCreditSettingsRejectsInvalid(t *testing.T) {
	svc, _ := setupSettings(t)

	err := svc.UpdateCreditSettings(context.Background(), tenant.AgencyScope("agency-1"), domain.CreditSettings{
		LowBalanceThreshold: -1,
	})
	require.ErrorIs(t, err, domain.ErrInvalidSettings)
}

func TestAccessSettingsValidateURLs(t *testing.T) {
	svc, _ := setupSettings(t)
	scope := tenant.AgencyScope("agency-1")
	ctx := context.Background()

	err := svc.UpdateAccessSettings(ctx, scope, domain.AccessSettings{UpgradeURL: "not a url"})
	require.ErrorIs(t, err, domain.ErrInvalidSettings)

	require.NoError(t, svc.UpdateAccessSettings(ctx, scope, domain.AccessSettings{
		UpgradeURL: "https://billing.example.com/upgrade",
	}))
	settings, err := svc.AccessSettings(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, "https://billing.example.com/upgrade", settings.UpgradeURL)
}

func TestSettingsRejectInvalidScope(t *testing.T) {
	svc, _ := setupSettings(t)

	_, err := svc.CreditSettings(context.Background(), tenant.Scope{})
	require.ErrorIs(t, err, domain.ErrInvalidSettingsScope)
}

func TestCorruptSettingsServeDefaults(t *testing.T) {
	svc, db := setupSettings(t)
	scope := tenant.AgencyScope("agency-1")
	ctx := context.Background()

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	require.NoError(t, db.Create(&domain.Setting{
		ID:        node.Generate(),
		ScopeKind: scope.Kind,
		AgencyID:  scope.AgencyID,
		Namespace: domain.NamespaceCredits,
		Data:      []byte(`{"auto_grant": "yes"`),
	}).Error)

	settings, err := svc.CreditSettings(ctx, scope)
	require.NoError(t, err)
	require.True(t, settings.AutoGrant)
}

func TestNamespacesAreIndependent(t *testing.T) {
	svc, _ := setupSettings(t)
	scope := tenant.AgencyScope("agency-1")
	ctx := context.Background()

	require.NoError(t, svc.UpdateCreditSettings(ctx, scope, domain.CreditSettings{AutoGrant: false}))
	require.NoError(t, svc.UpdateAccessSettings(ctx, scope, domain.AccessSettings{
		TopUpURL: "https://billing.example.com/topup",
	}))

	credits, err := svc.CreditSettings(ctx, scope)
	require.NoError(t, err)
	require.False(t, credits.AutoGrant)

	access, err := svc.AccessSettings(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, "https://billing.example.com/topup", access.TopUpURL)
	require.Empty(t, access.UpgradeURL)
}
