package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/SirClappington/dmq/internal/tenancy"
)

// systemScope opens a cross-tenant session. Row-level security hides every row from a session
// that names neither a tenant nor the system scope.
const systemScope = ""

// inSession runs fn on the caller's open tenant session when there is one, otherwise on a short
// session of its own for tenantID.
func inSession(ctx context.Context, db *sql.DB, tenantID string, fn func(q tenancy.DBTX) error) error {
	if s, ok := tenancy.FromContext(ctx); ok && s.Isolated {
		return fn(tenancy.Conn(ctx, db))
	}
	return ownSession(ctx, db, tenantID, fn)
}

// ownSession always opens and commits its own transaction, even inside a tenant scope, so the
// rows it touches are not held until the scope ends.
func ownSession(ctx context.Context, db *sql.DB, tenantID string, fn func(q tenancy.DBTX) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "storage: begin session")
	}
	defer tx.Rollback()

	setting, value := "app.current_tenant", tenantID
	if tenantID == systemScope {
		setting, value = "app.system_scope", "on"
	}
	if _, err := tx.ExecContext(ctx, `select set_config($1, $2, true)`, setting, value); err != nil {
		return errors.Wrap(err, "storage: open session")
	}
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "storage: commit session")
}
