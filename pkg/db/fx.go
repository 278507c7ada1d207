package db

import (
	"github.com/plurahq/quotient/internal/config"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("db",
	fx.Provide(func(cfg config.Config) (*gorm.DB, error) {
		return Open(Config{
			Type:     cfg.DBType,
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			Name:     cfg.DBName,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			SSLMode:  cfg.DBSSLMode,
		}, cfg.AppName)
	}),
)
