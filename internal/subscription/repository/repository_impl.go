package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindCurrentByAgency(ctx context.Context, db *gorm.DB, agencyID string, at time.Time) (*domain.Subscription, error) {
	agencyID = strings.TrimSpace(agencyID)
	if agencyID == "" {
		return nil, domain.ErrInvalidAgency
	}
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("agency_id = ? AND status IN ? AND current_period_end > ?",
			agencyID, domain.CurrentStatuses, at).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) ListCurrent(ctx context.Context, db *gorm.DB, at time.Time, afterID snowflake.ID, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 200
	}
	var subs []domain.Subscription
	err := db.WithContext(ctx).
		Where("status IN ? AND current_period_end > ? AND id > ?",
			domain.CurrentStatuses, at, afterID).
		Order("id").
		Limit(limit).
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	return subs, nil
}
