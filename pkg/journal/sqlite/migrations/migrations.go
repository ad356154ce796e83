// Package migrations carries the journal schema as embedded golang-migrate
// files.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

const sourceName = "journal"

//go:embed *.sql
var files embed.FS

var ErrDirty = errors.New("journal schema is dirty; a previous migration failed halfway")

// Migrate brings the journal schema up to date and returns its version.
func Migrate(db *sql.DB, log *zap.SugaredLogger) (uint, error) {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return 0, fmt.Errorf("create migration driver: %w", err)
	}

	source, err := iofs.New(files, ".")
	if err != nil {
		return 0, fmt.Errorf("open embedded %s migrations: %w", sourceName, err)
	}

	migrator, err := migrate.NewWithInstance(sourceName, source, "sqlite3", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrator: %w", err)
	}

	from, err := version(migrator)
	if err != nil {
		return 0, err
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate journal from version %d: %w", from, err)
	}

	to, err := version(migrator)
	if err != nil {
		return 0, err
	}

	if from == to {
		log.Debugw("journal schema up to date", "version", to)
	} else {
		log.Infow("journal schema migrated", "from", from, "to", to)
	}
	return to, nil
}

// version is 0 for a database that never saw a migration.
func version(m *migrate.Migrate) (uint, error) {
	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read journal schema version: %w", err)
	case dirty:
		return v, fmt.Errorf("%w (version %d)", ErrDirty, v)
	}
	return v, nil
}
