package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/plurahq/quotient/internal/plan/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListByPlan(ctx context.Context, db *gorm.DB, planID string) ([]domain.PlanFeature, error) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, domain.ErrInvalidPlan
	}
	var items []domain.PlanFeature
	err := db.WithContext(ctx).Where("plan_id = ?", planID).Order("feature_key").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindByPlanAndKey(ctx context.Context, db *gorm.DB, planID, featureKey string) (*domain.PlanFeature, error) {
	var f domain.PlanFeature
	err := db.WithContext(ctx).
		Where("plan_id = ? AND feature_key = ?", planID, featureKey).
		First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, feature *domain.PlanFeature) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "plan_id"}, {Name: "feature_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled", "unlimited", "included_int", "included_dec", "max_int", "max_dec",
			"enforcement", "overage_mode", "credit_enabled", "recurring_credit_int",
			"recurring_credit_dec", "rollover_credits", "top_up_enabled", "updated_at",
		}),
	}).Create(feature).Error
}
