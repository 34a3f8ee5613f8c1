package relstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/archivist/tgarchiver/internal/infra/logger"
)

// Migrate applies every pending up migration under scriptsPath, refusing
// to proceed if the schema is left dirty by a previous failed run.
func Migrate(db *sql.DB, scriptsPath string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("relstore: postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+scriptsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("relstore: migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("relstore: migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("relstore: schema at version %d is dirty, needs manual repair", version)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("relstore: migrate up: %w", err)
	}

	final, _, _ := m.Version()
	logger.Infof("relstore: schema at migration version %d", final)
	return nil
}
