package storage

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// Migrate applies every pending migration in dir.
func Migrate(db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "storage: goose dialect")
	}
	if err := goose.Up(db, dir); err != nil {
		return errors.Wrapf(err, "storage: migrate %s", dir)
	}
	return nil
}
