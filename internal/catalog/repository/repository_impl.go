package repository

import (
	"context"
	"errors"

	"github.com/plurahq/quotient/internal/catalog/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	return db.WithContext(ctx).Create(feature).Error
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Feature, error) {
	var f domain.Feature
	err := db.WithContext(ctx).Where("key = ?", key).First(&f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

func (r *repo) ListByKeys(ctx context.Context, db *gorm.DB, keys []string) ([]domain.Feature, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var items []domain.Feature
	err := db.WithContext(ctx).Where("key IN ?", keys).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.Feature, error) {
	var items []domain.Feature
	err := db.WithContext(ctx).Where("active = ?", true).Order("key").Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
