package authorization

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	membershipdomain "github.com/plurahq/quotient/internal/membership/domain"
	membershiprepo "github.com/plurahq/quotient/internal/membership/repository"
	"github.com/plurahq/quotient/internal/tenant"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type authzFixture struct {
	svc         Service
	memberships membershipdomain.Repository
	db          *gorm.DB
	node        *snowflake.Node
}

func setupAuthz(t *testing.T) *authzFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.AutoMigrate(&membershipdomain.Membership{}))

	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	memberships := membershiprepo.New(membershiprepo.Params{DB: db})

	svc := NewService(Params{
		DB:          db,
		Log:         zap.NewNop(),
		Enforcer:    enforcer,
		Memberships: memberships,
	})
	return &authzFixture{svc: svc, memberships: memberships, db: db, node: node}
}

func (f *authzFixture) addMember(t *testing.T, userID, agencyID string, role membershipdomain.Role) {
	t.Helper()
	require.NoError(t, f.memberships.Create(context.Background(), &membershipdomain.Membership{
		ID:        f.node.Generate(),
		UserID:    userID,
		ScopeKind: tenant.ScopeAgency,
		AgencyID:  agencyID,
		Role:      role,
		Status:    membershipdomain.StatusActive,
	}))
}

func TestMemberPermissions(t *testing.T) {
	f := setupAuthz(t)
	ctx := context.Background()
	f.addMember(t, "user-1", "agency-1", membershipdomain.RoleMember)

	require.NoError(t, f.svc.Authorize(ctx, "user:user-1", "agency-1", ObjectUsage, ActionUsageConsume))
	require.NoError(t, f.svc.Authorize(ctx, "user:user-1", "agency-1", ObjectCredit, ActionCreditView))

	err := f.svc.Authorize(ctx, "user:user-1", "agency-1", ObjectCredit, ActionCreditGrant)
	require.ErrorIs(t, err, ErrForbidden)
	err = f.svc.Authorize(ctx, "user:user-1", "agency-1", ObjectOverride, ActionOverrideManage)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestAdminPermissions(t *testing.T) {
	f := setupAuthz(t)
	ctx := context.Background()
	f.addMember(t, "user-2", "agency-1", membershipdomain.RoleAdmin)

	require.NoError(t, f.svc.Authorize(ctx, "user:user-2", "agency-1", ObjectCredit, ActionCreditGrant))
	require.NoError(t, f.svc.Authorize(ctx, "user:user-2", "agency-1", ObjectOverride, ActionOverrideManage))
	require.NoError(t, f.svc.Authorize(ctx, "user:user-2", "agency-1", ObjectAuditLog, ActionAuditLogView))
}

func TestSystemActor(t *testing.T) {
	f := setupAuthz(t)
	ctx := context.Background()

	// The system actor needs no membership row.
	require.NoError(t, f.svc.Authorize(ctx, "system", "agency-1", ObjectCredit, ActionCreditGrant))
	require.NoError(t, f.svc.Authorize(ctx, "system", "agency-2", ObjectUsage, ActionUsageConsume))
}

func TestNonMemberIsForbidden(t *testing.T) {
	f := setupAuthz(t)

	err := f.svc.Authorize(context.Background(), "user:stranger", "agency-1", ObjectUsage, ActionUsageConsume)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestMembershipIsPerAgency(t *testing.T) {
	f := setupAuthz(t)
	ctx := context.Background()
	f.addMember(t, "user-1", "agency-1", membershipdomain.RoleAdmin)

	require.NoError(t, f.svc.Authorize(ctx, "user:user-1", "agency-1", ObjectCredit, ActionCreditGrant))
	err := f.svc.Authorize(ctx, "user:user-1", "agency-2", ObjectCredit, ActionCreditGrant)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestRoleChangeDropsStaleGrant(t *testing.T) {
	f := setupAuthz(t)
	ctx := context.Background()

	membership := &membershipdomain.Membership{
		ID:        f.node.Generate(),
		UserID:    "user-1",
		ScopeKind: tenant.ScopeAgency,
		AgencyID:  "agency-1",
		Role:      membershipdomain.RoleAdmin,
		Status:    membershipdomain.StatusActive,
	}
	require.NoError(t, f.memberships.Create(ctx, membership))
	require.NoError(t, f.svc.Authorize(ctx, "user:user-1", "agency-1", ObjectCredit, ActionCreditGrant))

	// Demote and check the cached role link does not linger.
	require.NoError(t, f.db.Model(&membershipdomain.Membership{}).
		Where("id = ?", membership.ID).
		Update("role", membershipdomain.RoleMember).Error)

	err := f.svc.Authorize(ctx, "user:user-1", "agency-1", ObjectCredit, ActionCreditGrant)
	require.ErrorIs(t, err, ErrForbidden)
	require.NoError(t, f.svc.Authorize(ctx, "user:user-1", "agency-1", ObjectUsage, ActionUsageConsume))
}

func TestAuthorizeValidatesInput(t *testing.T) {
	f := setupAuthz(t)
	ctx := context.Background()

	require.ErrorIs(t, f.svc.Authorize(ctx, "", "agency-1", ObjectUsage, ActionUsageConsume), ErrInvalidActor)
	require.ErrorIs(t, f.svc.Authorize(ctx, "user:user-1", "", ObjectUsage, ActionUsageConsume), ErrInvalidAgency)
	require.ErrorIs(t, f.svc.Authorize(ctx, "user:user-1", "agency-1", "", ActionUsageConsume), ErrInvalidObject)
	require.ErrorIs(t, f.svc.Authorize(ctx, "user:user-1", "agency-1", ObjectUsage, ""), ErrInvalidAction)
	require.ErrorIs(t, f.svc.Authorize(ctx, "robot", "agency-1", ObjectUsage, ActionUsageConsume), ErrInvalidActor)
}
