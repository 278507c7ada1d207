package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
	}
}

func (s *Service) Record(ctx context.Context, entry domain.Entry) {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		s.log.Warn("audit entry dropped: empty action")
		return
	}
	actorType := entry.ActorType
	if actorType == "" {
		actorType = domain.ActorTypeSystem
	}

	record := domain.AuditLog{
		ID:           s.genID.Generate(),
		ScopeKind:    entry.Scope.Kind,
		AgencyID:     entry.Scope.AgencyID,
		SubAccountID: entry.Scope.SubAccountID,
		ActorType:    actorType,
		ActorID:      entry.ActorID,
		Action:       action,
		TargetType:   entry.TargetType,
		TargetID:     entry.TargetID,
	}
	if entry.Metadata != nil {
		record.Metadata = datatypes.JSONMap(entry.Metadata)
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.log.Error("audit write failed",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
