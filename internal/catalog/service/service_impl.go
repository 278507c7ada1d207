package service

import (
	"context"
	"strings"

	"github.com/plurahq/quotient/internal/catalog/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("catalog.service"),
		repo: p.Repo,
	}
}

func (s *Service) Get(ctx context.Context, key string) (*domain.Feature, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, domain.ErrInvalidKey
	}
	feature, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, domain.ErrFeatureNotFound
	}
	return feature, nil
}

func (s *Service) GetMany(ctx context.Context, keys []string) (map[string]domain.Feature, error) {
	features, err := s.repo.ListByKeys(ctx, s.db, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Feature, len(features))
	for _, f := range features {
		out[f.Key] = f
	}
	return out, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Feature, error) {
	return s.repo.List(ctx, s.db)
}
