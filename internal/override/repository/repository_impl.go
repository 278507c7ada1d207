package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/override/domain"
	"github.com/plurahq/quotient/internal/tenant"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func scopeWhere(db *gorm.DB, scope tenant.Scope) *gorm.DB {
	db = db.Where("scope_kind = ?", scope.Kind)
	if scope.Kind == tenant.ScopeSubAccount {
		return db.Where("sub_account_id = ?", scope.SubAccountID)
	}
	return db.Where("agency_id = ?", scope.AgencyID)
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, override *domain.Override) error {
	return db.WithContext(ctx).Create(override).Error
}

func (r *repo) ListActiveForScope(ctx context.Context, db *gorm.DB, scope tenant.Scope, at time.Time) ([]domain.Override, error) {
	var items []domain.Override
	stmt := scopeWhere(db.WithContext(ctx).Model(&domain.Override{}), scope).
		Where("starts_at <= ? AND (ends_at IS NULL OR ends_at >= ?)", at, at).
		Order("created_at")
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListOverlapping(ctx context.Context, db *gorm.DB, scope tenant.Scope, featureKey string, startsAt time.Time, endsAt *time.Time) ([]domain.Override, error) {
	var items []domain.Override
	stmt := scopeWhere(db.WithContext(ctx).Model(&domain.Override{}), scope).
		Where("feature_key = ?", featureKey).
		Where("ends_at IS NULL OR ends_at >= ?", startsAt)
	if endsAt != nil {
		stmt = stmt.Where("starts_at <= ?", *endsAt)
	}
	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) End(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	result := db.WithContext(ctx).Model(&domain.Override{}).
		Where("id = ?", id).
		Updates(map[string]any{"ends_at": at, "updated_at": at})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrOverrideNotFound
	}
	return nil
}
