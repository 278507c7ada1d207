// Package domain contains the global feature catalog.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/period"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// FeatureKind distinguishes switch-style features from metered ones.
type FeatureKind string

const (
	FeatureKindBoolean FeatureKind = "boolean"
	FeatureKindMetered FeatureKind = "metered"
)

// Feature is the catalog definition of a feature key. Plan grants and
// overrides reference features by key; the catalog supplies display metadata
// and the metering period.
type Feature struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	Key         string            `gorm:"type:text;not null;uniqueIndex:ux_catalog_features_key"`
	Name        string            `gorm:"type:text;not null"`
	Description *string           `gorm:"type:text"`
	Kind        FeatureKind       `gorm:"column:feature_kind;type:text;not null"`
	Period      period.Kind       `gorm:"column:period_kind;type:text;not null;default:MONTHLY"`
	Active      bool              `gorm:"not null;default:true"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Feature) TableName() string { return "catalog_features" }

type Repository interface {
	Create(ctx context.Context, db *gorm.DB, feature *Feature) error
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*Feature, error)
	ListByKeys(ctx context.Context, db *gorm.DB, keys []string) ([]Feature, error)
	List(ctx context.Context, db *gorm.DB) ([]Feature, error)
}

type Service interface {
	Get(ctx context.Context, key string) (*Feature, error)
	GetMany(ctx context.Context, keys []string) (map[string]Feature, error)
	List(ctx context.Context) ([]Feature, error)
}

var (
	ErrInvalidKey      = errors.New("invalid_feature_key")
	ErrFeatureNotFound = errors.New("feature_not_found")
)
