package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"

	dbmigrations "github.com/coachpo/venuelink/db/migrations"
	"github.com/coachpo/venuelink/internal/observability"
)

// Migrate applies the embedded journal migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string, logger observability.Logger) error {
	logger = orNop(logger)
	return withMigrator(ctx, dsn, logger, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("journal migrations up-to-date")
				return nil
			}
			return fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("journal migrations applied")
		return nil
	})
}

// Rollback reverts the last steps journal migrations.
func Rollback(ctx context.Context, dsn string, steps int, logger observability.Logger) error {
	logger = orNop(logger)
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive")
	}
	return withMigrator(ctx, dsn, logger, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				logger.Info("journal migrations nothing to roll back")
				return nil
			}
			return fmt.Errorf("rollback migrations: %w", err)
		}
		logger.Info("journal migrations rolled back", observability.F("steps", steps))
		return nil
	})
}

func withMigrator(ctx context.Context, dsn string, logger observability.Logger, fn func(*migrate.Migrate) error) error {
	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("journal migrations close", observability.Err(cerr))
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("journal migrations source close", observability.Err(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("journal migrations db close", observability.Err(dbErr))
		}
	}()
	return fn(m)
}

func orNop(logger observability.Logger) observability.Logger {
	if logger == nil {
		return observability.Nop()
	}
	return logger
}
