// Package vault keeps per-tenant platform tokens encrypted at rest.
//
// Plaintext tokens leave this package only as GetToken return values; they are never logged
// and never appear in error messages.
package vault

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/logging"
	"github.com/SirClappington/dmq/internal/observability"
)

// Record is one credential row. EncryptedToken is nil once the token was rotated away.
type Record struct {
	TenantID       string
	Platform       string
	EncryptedToken *string
	Identifier     string
	ExpiresAt      *time.Time
	RefreshCount   int
	LastAccessAt   *time.Time
	UnusableAt     *time.Time
	UpdatedAt      time.Time
}

// Store persists credential rows, at most one per (tenant, platform).
type Store interface {
	// Upsert writes the token columns and increments refresh_count.
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, tenantID, platform string) (Record, bool, error)
	// TouchAccess commits independently of any tenant session in ctx.
	TouchAccess(ctx context.Context, tenantID, platform string, at time.Time) error
	MarkUnusable(ctx context.Context, tenantID, platform string, at time.Time) error
	// ClearTenant nulls every token of the tenant in one statement.
	ClearTenant(ctx context.Context, tenantID string, at time.Time) (int64, error)
	Expiring(ctx context.Context, before time.Time, limit int) ([]Record, error)
}

type Metadata struct {
	Identifier string
	ExpiresAt  *time.Time
}

type Vault struct {
	store   Store
	cipher  *Cipher
	ids     domain.TenantIDs
	log     *zap.Logger
	metrics *observability.Metrics
	Now     func() time.Time
}

// New builds a vault. c may be nil in processes that only list or rotate credentials.
func New(store Store, c *Cipher, ids domain.TenantIDs, log *zap.Logger, m *observability.Metrics) *Vault {
	if log == nil {
		log = zap.NewNop()
	}
	return &Vault{store: store, cipher: c, ids: ids, log: log, metrics: m, Now: time.Now}
}

func (v *Vault) StoreToken(ctx context.Context, tenantID, platform, token string, md Metadata) error {
	if err := v.check(tenantID, platform); err != nil {
		return err
	}
	if strings.TrimSpace(token) == "" {
		return domain.Validation("vault.store", "token_missing")
	}
	if v.cipher == nil {
		return domain.Permanent("vault.store", "vault_sealed", nil)
	}
	enc, err := v.cipher.Seal([]byte(token), aad(tenantID, platform))
	if err != nil {
		return domain.Transient("vault.store", "encrypt_failed", err)
	}
	err = v.store.Upsert(ctx, Record{
		TenantID:       tenantID,
		Platform:       platform,
		EncryptedToken: &enc,
		Identifier:     md.Identifier,
		ExpiresAt:      md.ExpiresAt,
		UpdatedAt:      v.Now().UTC(),
	})
	if err != nil {
		return domain.Transient("vault.store", "store_unavailable", errors.Wrap(err, "upsert credential"))
	}
	v.log.Info("credential stored", logging.Tenant(tenantID), zap.String("platform", platform))
	return nil
}

// GetToken returns ("", false, nil) when no token is stored. A row whose tag fails to
// verify is marked unusable and reported as an integrity error, never as missing.
func (v *Vault) GetToken(ctx context.Context, tenantID, platform string) (string, bool, error) {
	if err := v.check(tenantID, platform); err != nil {
		return "", false, err
	}
	rec, ok, err := v.store.Get(ctx, tenantID, platform)
	if err != nil {
		return "", false, domain.Transient("vault.get", "store_unavailable", errors.Wrap(err, "load credential"))
	}
	if !ok || rec.EncryptedToken == nil {
		return "", false, nil
	}
	if rec.UnusableAt != nil {
		return "", false, domain.Integrity("vault.get", "credential_unusable", nil)
	}
	if v.cipher == nil {
		return "", false, domain.Permanent("vault.get", "vault_sealed", nil)
	}
	pt, err := v.cipher.Open(*rec.EncryptedToken, aad(tenantID, platform))
	if err != nil {
		v.integrityFailure(ctx, tenantID, platform)
		return "", false, domain.Integrity("vault.get", "credential_tampered", err)
	}
	if err := v.store.TouchAccess(ctx, tenantID, platform, v.Now().UTC()); err != nil {
		v.log.Warn("record credential access", logging.Tenant(tenantID), zap.String("platform", platform), zap.Error(err))
	}
	return string(pt), true, nil
}

func (v *Vault) integrityFailure(ctx context.Context, tenantID, platform string) {
	v.metrics.IntegrityFailure(ctx, platform)
	v.log.Error("credential integrity check failed",
		logging.Security(),
		logging.Tenant(tenantID),
		zap.String("platform", platform),
		logging.Reason("credential_tampered"))
	if err := v.store.MarkUnusable(ctx, tenantID, platform, v.Now().UTC()); err != nil {
		v.log.Error("mark credential unusable", logging.Tenant(tenantID), zap.String("platform", platform), zap.Error(err))
	}
}

func (v *Vault) IsValid(ctx context.Context, tenantID, platform string) (bool, error) {
	if err := v.check(tenantID, platform); err != nil {
		return false, err
	}
	rec, ok, err := v.store.Get(ctx, tenantID, platform)
	if err != nil {
		return false, domain.Transient("vault.valid", "store_unavailable", errors.Wrap(err, "load credential"))
	}
	if !ok || rec.EncryptedToken == nil || rec.UnusableAt != nil || rec.ExpiresAt == nil {
		return false, nil
	}
	return rec.ExpiresAt.After(v.Now()), nil
}

func (v *Vault) Rotate(ctx context.Context, tenantID string) (int64, error) {
	if err := v.ids.Validate(tenantID); err != nil {
		return 0, err
	}
	n, err := v.store.ClearTenant(ctx, tenantID, v.Now().UTC())
	if err != nil {
		return 0, domain.Transient("vault.rotate", "store_unavailable", errors.Wrap(err, "clear credentials"))
	}
	v.log.Warn("tenant credentials rotated", logging.Security(), logging.Tenant(tenantID), zap.Int64("cleared", n))
	return n, nil
}

// Ref names a credential without exposing its token.
type Ref struct {
	TenantID  string
	Platform  string
	ExpiresAt time.Time
}

// Expiring lists usable credentials whose expiry falls within the given horizon.
func (v *Vault) Expiring(ctx context.Context, within time.Duration, limit int) ([]Ref, error) {
	recs, err := v.store.Expiring(ctx, v.Now().Add(within).UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "vault: list expiring")
	}
	out := make([]Ref, 0, len(recs))
	for _, rec := range recs {
		if rec.ExpiresAt == nil {
			continue
		}
		out = append(out, Ref{TenantID: rec.TenantID, Platform: rec.Platform, ExpiresAt: *rec.ExpiresAt})
	}
	return out, nil
}

func (v *Vault) check(tenantID, platform string) error {
	if err := v.ids.Validate(tenantID); err != nil {
		return err
	}
	if strings.TrimSpace(platform) == "" {
		return domain.Validation("vault", "platform_missing")
	}
	return nil
}

func aad(tenantID, platform string) []byte {
	return []byte(tenantID + "|" + platform)
}
