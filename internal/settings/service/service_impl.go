package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/plurahq/quotient/internal/settings/domain"
	"github.com/plurahq/quotient/internal/tenant"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	validate *validator.Validate
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("settings.service"),
		genID:    p.GenID,
		validate: validator.New(),
	}
}

func defaultCreditSettings() domain.CreditSettings {
	return domain.CreditSettings{AutoGrant: true}
}

func (s *Service) CreditSettings(ctx context.Context, scope tenant.Scope) (domain.CreditSettings, error) {
	out := defaultCreditSettings()
	if err := s.load(ctx, scope, domain.NamespaceCredits, &out); err != nil {
		return domain.CreditSettings{}, err
	}
	return out, nil
}

func (s *Service) UpdateCreditSettings(ctx context.Context, scope tenant.Scope, settings domain.CreditSettings) error {
	return s.store(ctx, scope, domain.NamespaceCredits, settings)
}

func (s *Service) AccessSettings(ctx context.Context, scope tenant.Scope) (domain.AccessSettings, error) {
	var out domain.AccessSettings
	if err := s.load(ctx, scope, domain.NamespaceAccess, &out); err != nil {
		return domain.AccessSettings{}, err
	}
	return out, nil
}

func (s *Service) UpdateAccessSettings(ctx context.Context, scope tenant.Scope, settings domain.AccessSettings) error {
	return s.store(ctx, scope, domain.NamespaceAccess, settings)
}

// load decodes the stored namespace into dst, leaving dst untouched when no
// row exists.
func (s *Service) load(ctx context.Context, scope tenant.Scope, namespace string, dst any) error {
	if err := scope.Validate(); err != nil {
		return domain.ErrInvalidSettingsScope
	}
	var setting domain.Setting
	err := s.db.WithContext(ctx).
		Where("scope_kind = ? AND agency_id = ? AND sub_account_id = ? AND namespace = ?",
			scope.Kind, scope.AgencyID, scope.SubAccountID, namespace).
		First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(setting.Data, dst); err != nil {
		s.log.Warn("stored settings are corrupt, serving defaults",
			zap.String("namespace", namespace),
			zap.String("scope", scope.Key()),
			zap.Error(err),
		)
		return nil
	}
	return s.validate.StructCtx(ctx, dst)
}

func (s *Service) store(ctx context.Context, scope tenant.Scope, namespace string, value any) error {
	if err := scope.Validate(); err != nil {
		return domain.ErrInvalidSettingsScope
	}
	if err := s.validate.StructCtx(ctx, value); err != nil {
		return domain.ErrInvalidSettings
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	setting := domain.Setting{
		ID:           s.genID.Generate(),
		ScopeKind:    scope.Kind,
		AgencyID:     scope.AgencyID,
		SubAccountID: scope.SubAccountID,
		Namespace:    namespace,
		Data:         data,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "scope_kind"}, {Name: "agency_id"}, {Name: "sub_account_id"}, {Name: "namespace"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&setting).Error
}
