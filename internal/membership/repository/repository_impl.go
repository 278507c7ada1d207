package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/membership/domain"
	"github.com/plurahq/quotient/internal/tenant"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB *gorm.DB
}

type Repository struct {
	db *gorm.DB
}

func New(p Params) domain.Repository {
	return &Repository{db: p.DB}
}

func (r *Repository) Create(ctx context.Context, membership *domain.Membership) error {
	return r.db.WithContext(ctx).Create(membership).Error
}

func (r *Repository) Find(ctx context.Context, userID string, scope tenant.Scope) (*domain.Membership, error) {
	query := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, domain.StatusActive)

	if scope.Kind == tenant.ScopeSubAccount {
		query = query.Where(
			"(scope_kind = ? AND sub_account_id = ?) OR (scope_kind = ? AND agency_id = ?)",
			tenant.ScopeSubAccount, scope.SubAccountID,
			tenant.ScopeAgency, scope.AgencyID,
		)
	} else {
		query = query.Where("scope_kind = ? AND agency_id = ?", tenant.ScopeAgency, scope.AgencyID)
	}

	var membership domain.Membership
	// Exact sub-account match sorts ahead of the agency-level fallback.
	if err := query.Order("scope_kind DESC").First(&membership).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMembershipNotFound
		}
		return nil, err
	}
	return &membership, nil
}

func (r *Repository) IsActiveMember(ctx context.Context, userID string, scope tenant.Scope) (bool, error) {
	_, err := r.Find(ctx, userID, scope)
	if err != nil {
		if errors.Is(err, domain.ErrMembershipNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Repository) Revoke(ctx context.Context, id snowflake.ID) error {
	return r.db.WithContext(ctx).
		Model(&domain.Membership{}).
		Where("id = ?", id).
		Update("status", domain.StatusRevoked).Error
}
