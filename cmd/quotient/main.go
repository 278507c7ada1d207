package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/plurahq/quotient/internal/access"
	"github.com/plurahq/quotient/internal/audit"
	"github.com/plurahq/quotient/internal/authorization"
	"github.com/plurahq/quotient/internal/catalog"
	"github.com/plurahq/quotient/internal/clock"
	"github.com/plurahq/quotient/internal/config"
	"github.com/plurahq/quotient/internal/credit"
	"github.com/plurahq/quotient/internal/entitlement"
	"github.com/plurahq/quotient/internal/logger"
	"github.com/plurahq/quotient/internal/membership"
	"github.com/plurahq/quotient/internal/migration"
	obsmetrics "github.com/plurahq/quotient/internal/observability/metrics"
	"github.com/plurahq/quotient/internal/override"
	"github.com/plurahq/quotient/internal/plan"
	"github.com/plurahq/quotient/internal/scheduler"
	"github.com/plurahq/quotient/internal/server"
	"github.com/plurahq/quotient/internal/settings"
	"github.com/plurahq/quotient/internal/subscription"
	"github.com/plurahq/quotient/internal/usage"
	"github.com/plurahq/quotient/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		migration.Module,
		obsmetrics.Module,
		fx.Provide(registerSnowflake),

		// Entitlement core
		catalog.Module,
		plan.Module,
		subscription.Module,
		override.Module,
		entitlement.Module,
		credit.Module,
		usage.Module,

		// Access layer
		membership.Module,
		authorization.Module,
		settings.Module,
		access.Module,
		audit.Module,

		// Surfaces
		scheduler.Module,
		server.Module,
	)

	app.Run()
}

func registerSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
