// Package tenancy scopes one execution to one tenant.
//
// A scope is a database transaction annotated with app.current_tenant, which the row-level
// security policies in migrations/ read. The scope travels in the context and is never shared
// between executions.
package tenancy

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/logging"
)

// Mode controls what happens when the tenant session cannot be opened.
type Mode string

const (
	// Isolated fails the execution when scoping fails.
	Isolated Mode = "none"
	// Unscoped runs the execution without a tenant session. Opt-in only.
	Unscoped Mode = "unscoped"
)

// DBTX is the query surface shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Scope struct {
	TenantID string
	// Isolated is false only in Unscoped fallback.
	Isolated bool
	tx       *sql.Tx
}

type scopeKey struct{}

func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// Conn returns the scoped transaction when ctx carries an isolated scope, otherwise db.
func Conn(ctx context.Context, db DBTX) DBTX {
	if s, ok := FromContext(ctx); ok && s.tx != nil {
		return s.tx
	}
	return db
}

type Propagator struct {
	db   *sql.DB
	ids  domain.TenantIDs
	mode Mode
	log  *zap.Logger
}

func New(db *sql.DB, ids domain.TenantIDs, mode Mode, log *zap.Logger) (*Propagator, error) {
	switch mode {
	case Isolated, Unscoped:
	default:
		return nil, errors.Errorf("tenancy: unknown fallback mode %q", mode)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Propagator{db: db, ids: ids, mode: mode, log: log}, nil
}

// WithTenant runs fn inside a tenant session. The session ends on every path: commit when fn
// returns with its context still live, rollback when the context is done or fn panics. A
// rollback is always reported, even when fn itself succeeded.
func (p *Propagator) WithTenant(ctx context.Context, tenantID string, fn func(ctx context.Context) error) (err error) {
	if err := p.ids.Validate(tenantID); err != nil {
		return err
	}
	if _, nested := FromContext(ctx); nested {
		return domain.Permanent("tenancy", "nested_scope", errors.New("tenant scope already open"))
	}

	tx, setupErr := p.begin(ctx, tenantID)
	if setupErr != nil {
		if p.mode != Unscoped {
			return domain.Transient("tenancy", "tenant_scope_unavailable", setupErr)
		}
		p.log.Warn("running without tenant isolation",
			logging.Tenant(tenantID),
			logging.Reason("tenant_scope_unavailable"),
			zap.Error(setupErr))
		return fn(context.WithValue(ctx, scopeKey{}, Scope{TenantID: tenantID}))
	}

	defer func() {
		if rec := recover(); rec != nil {
			_ = tx.Rollback()
			panic(rec)
		}
		if ctx.Err() != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = multierr.Append(err, errors.Wrap(rbErr, "tenancy: rollback"))
			}
			if err == nil {
				err = domain.Transient("tenancy", "tenant_scope_aborted", ctx.Err())
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = multierr.Append(err, domain.Transient("tenancy", "tenant_scope_commit", cErr))
		}
	}()

	return fn(context.WithValue(ctx, scopeKey{}, Scope{TenantID: tenantID, Isolated: true, tx: tx}))
}

func (p *Propagator) begin(ctx context.Context, tenantID string) (*sql.Tx, error) {
	if p.db == nil {
		return nil, errors.New("tenancy: no database configured")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "tenancy: begin")
	}
	if _, err := tx.ExecContext(ctx, `select set_config('app.current_tenant', $1, true)`, tenantID); err != nil {
		_ = tx.Rollback()
		return nil, errors.Wrap(err, "tenancy: set tenant")
	}
	return tx, nil
}
