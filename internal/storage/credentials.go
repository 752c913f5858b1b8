package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/dmq/internal/tenancy"
	"github.com/SirClappington/dmq/internal/vault"
)

const credentialColumns = `tenant_id, platform, encrypted_token, identifier, expires_at, refresh_count,
last_access_at, unusable_at, updated_at`

// Credentials implements vault.Store. Reads and writes go through the caller's tenant
// session when one is open; TouchAccess always commits on its own.
type Credentials struct{ db *sql.DB }

func NewCredentials(db *sql.DB) *Credentials { return &Credentials{db} }

var _ vault.Store = (*Credentials)(nil)

func (s *Credentials) Upsert(ctx context.Context, rec vault.Record) error {
	return inSession(ctx, s.db, rec.TenantID, func(q tenancy.DBTX) error {
		_, err := q.ExecContext(ctx, `insert into credentials (
tenant_id, platform, encrypted_token, identifier, expires_at, refresh_count, updated_at
) values ($1,$2,$3,$4,$5,1,$6)
on conflict (tenant_id, platform) do update
   set encrypted_token = excluded.encrypted_token,
       identifier = excluded.identifier,
       expires_at = excluded.expires_at,
       refresh_count = credentials.refresh_count + 1,
       unusable_at = null,
       updated_at = excluded.updated_at`,
			rec.TenantID, rec.Platform, rec.EncryptedToken, rec.Identifier, rec.ExpiresAt, rec.UpdatedAt)
		return errors.Wrap(err, "storage: upsert credential")
	})
}

func (s *Credentials) Get(ctx context.Context, tenantID, platform string) (rec vault.Record, found bool, err error) {
	err = inSession(ctx, s.db, tenantID, func(q tenancy.DBTX) error {
		row := q.QueryRowContext(ctx,
			`select `+credentialColumns+` from credentials where tenant_id = $1 and platform = $2`,
			tenantID, platform)
		var err error
		rec, err = scanCredential(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		found = err == nil
		return errors.Wrap(err, "storage: get credential")
	})
	if err != nil || !found {
		return vault.Record{}, false, err
	}
	return rec, true, nil
}

// TouchAccess records the read in its own session so the row is not locked for the rest of
// the caller's tenant scope.
func (s *Credentials) TouchAccess(ctx context.Context, tenantID, platform string, at time.Time) error {
	return ownSession(ctx, s.db, tenantID, func(q tenancy.DBTX) error {
		_, err := q.ExecContext(ctx,
			`update credentials set last_access_at = $3 where tenant_id = $1 and platform = $2`,
			tenantID, platform, at)
		return errors.Wrap(err, "storage: touch credential")
	})
}

func (s *Credentials) MarkUnusable(ctx context.Context, tenantID, platform string, at time.Time) error {
	return inSession(ctx, s.db, tenantID, func(q tenancy.DBTX) error {
		_, err := q.ExecContext(ctx,
			`update credentials set unusable_at = $3, updated_at = $3 where tenant_id = $1 and platform = $2`,
			tenantID, platform, at)
		return errors.Wrap(err, "storage: mark credential unusable")
	})
}

// ClearTenant nulls every token of the tenant in one statement. Rows are kept.
func (s *Credentials) ClearTenant(ctx context.Context, tenantID string, at time.Time) (n int64, err error) {
	err = inSession(ctx, s.db, tenantID, func(q tenancy.DBTX) error {
		res, err := q.ExecContext(ctx, `update credentials
   set encrypted_token = null, expires_at = null, updated_at = $2
 where tenant_id = $1 and encrypted_token is not null`, tenantID, at)
		if err != nil {
			return errors.Wrap(err, "storage: clear credentials")
		}
		n, err = res.RowsAffected()
		return errors.Wrap(err, "storage: rows affected")
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Expiring lists credentials of every tenant, so it runs in the system scope.
func (s *Credentials) Expiring(ctx context.Context, before time.Time, limit int) ([]vault.Record, error) {
	var out []vault.Record
	err := inSession(ctx, s.db, systemScope, func(q tenancy.DBTX) error {
		rows, err := q.QueryContext(ctx, `select `+credentialColumns+` from credentials
 where encrypted_token is not null and unusable_at is null and expires_at is not null and expires_at < $1
 order by expires_at
 limit $2`, before, limit)
		if err != nil {
			return errors.Wrap(err, "storage: list expiring credentials")
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanCredential(rows)
			if err != nil {
				return errors.Wrap(err, "storage: scan credential")
			}
			out = append(out, rec)
		}
		return errors.Wrap(rows.Err(), "storage: iterate credentials")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanCredential(row scanner) (vault.Record, error) {
	var rec vault.Record
	err := row.Scan(&rec.TenantID, &rec.Platform, &rec.EncryptedToken, &rec.Identifier, &rec.ExpiresAt,
		&rec.RefreshCount, &rec.LastAccessAt, &rec.UnusableAt, &rec.UpdatedAt)
	return rec, err
}
