package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// ErrMigrationFailed 迁移失败错误
var ErrMigrationFailed = errors.New("migration failed")

// migrateUp 把数据库升级到最新版本
func migrateUp(db *sql.DB, dbPath string) error {
	sourceDriver, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create iofs source: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	fromVersion, dirty, _ := mig.Version()
	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	toVersion, _, _ := mig.Version()

	logger := logrus.WithField("db_path", dbPath)
	if fromVersion != toVersion {
		logger.WithFields(logrus.Fields{
			"from_version": fromVersion,
			"to_version":   toVersion,
			"was_dirty":    dirty,
		}).Info("database migration completed")
	} else {
		logger.WithField("version", toVersion).Debug("database schema is up to date")
	}
	return nil
}
