// Package migration creates the entitlement core's schema on startup so the
// service is usable out of the box for local and self-hosted environments.
package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/plurahq/quotient/internal/audit/domain"
	catalogdomain "github.com/plurahq/quotient/internal/catalog/domain"
	creditdomain "github.com/plurahq/quotient/internal/credit/domain"
	membershipdomain "github.com/plurahq/quotient/internal/membership/domain"
	overridedomain "github.com/plurahq/quotient/internal/override/domain"
	plandomain "github.com/plurahq/quotient/internal/plan/domain"
	settingsdomain "github.com/plurahq/quotient/internal/settings/domain"
	subscriptiondomain "github.com/plurahq/quotient/internal/subscription/domain"
	usagedomain "github.com/plurahq/quotient/internal/usage/domain"
	"gorm.io/gorm"
)

func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate builds the schema from the models. Used for sqlite, where the
// versioned SQL migrations (written for postgres) do not apply.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&catalogdomain.Feature{},
		&plandomain.PlanFeature{},
		&subscriptiondomain.Subscription{},
		&overridedomain.Override{},
		&creditdomain.Balance{},
		&creditdomain.LedgerEntry{},
		&usagedomain.UsageEvent{},
		&membershipdomain.Membership{},
		&settingsdomain.Setting{},
		&auditdomain.AuditLog{},
	)
}
