package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/sixbtc/pipeline/internal/pipelineerr"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending migration in migrations/, in the numeric
// order golang-migrate derives from each file's leading sequence number.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "Migrate source", Err: err}
	}

	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Migrate driver", Err: err}
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "Migrate init", Err: err}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "Migrate up", Err: err}
	}

	s.logger.Info(fmt.Sprintf("strategy store migrations applied"))
	return nil
}
