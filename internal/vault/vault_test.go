package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/dmq/internal/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef-test-only"

type memStore struct {
	mu       sync.Mutex
	rows     map[string]Record
	unusable int
}

func newMemStore() *memStore { return &memStore{rows: map[string]Record{}} }

func (m *memStore) Upsert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := rec.TenantID + "/" + rec.Platform
	prev := m.rows[k]
	rec.RefreshCount = prev.RefreshCount + 1
	rec.LastAccessAt = prev.LastAccessAt
	rec.UnusableAt = nil
	m.rows[k] = rec
	return nil
}

func (m *memStore) Get(_ context.Context, tenantID, platform string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[tenantID+"/"+platform]
	return rec, ok, nil
}

func (m *memStore) TouchAccess(_ context.Context, tenantID, platform string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantID + "/" + platform
	rec := m.rows[k]
	rec.LastAccessAt = &at
	m.rows[k] = rec
	return nil
}

func (m *memStore) MarkUnusable(_ context.Context, tenantID, platform string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantID + "/" + platform
	rec := m.rows[k]
	rec.UnusableAt = &at
	m.rows[k] = rec
	m.unusable++
	return nil
}

func (m *memStore) ClearTenant(_ context.Context, tenantID string, _ time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.rows {
		if rec.TenantID == tenantID && rec.EncryptedToken != nil {
			rec.EncryptedToken = nil
			rec.ExpiresAt = nil
			m.rows[k] = rec
			n++
		}
	}
	return n, nil
}

func (m *memStore) Expiring(_ context.Context, before time.Time, _ int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.rows {
		if rec.EncryptedToken != nil && rec.ExpiresAt != nil && rec.ExpiresAt.Before(before) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) tamper(t *testing.T, tenantID, platform string, field string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantID + "/" + platform
	rec := m.rows[k]
	var s sealed
	if err := json.Unmarshal([]byte(*rec.EncryptedToken), &s); err != nil {
		t.Fatalf("decode sealed: %v", err)
	}
	target := &s.Ciphertext
	if field == "tag" {
		target = &s.Tag
	}
	raw, _ := base64.StdEncoding.DecodeString(*target)
	raw[0] ^= 0x01
	*target = base64.StdEncoding.EncodeToString(raw)
	b, _ := json.Marshal(s)
	enc := string(b)
	rec.EncryptedToken = &enc
	m.rows[k] = rec
}

func newVault(t *testing.T) (*Vault, *memStore, *observer.ObservedLogs) {
	t.Helper()
	c, err := NewCipher(testSecret)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	store := newMemStore()
	return New(store, c, domain.TenantIDs{}, zap.New(core), nil), store, logs
}

func TestTokenRoundTrip(t *testing.T) {
	v, store, _ := newVault(t)
	ctx := context.Background()
	if err := v.StoreToken(ctx, "t1", "instagram", "secret123", Metadata{Identifier: "ig-1"}); err != nil {
		t.Fatalf("StoreToken: %v", err)
	}
	rec, _, _ := store.Get(ctx, "t1", "instagram")
	if strings.Contains(*rec.EncryptedToken, "secret123") {
		t.Fatal("plaintext token persisted")
	}
	got, ok, err := v.GetToken(ctx, "t1", "instagram")
	if err != nil || !ok {
		t.Fatalf("GetToken: ok=%v err=%v", ok, err)
	}
	if got != "secret123" {
		t.Fatalf("token = %q, want secret123", got)
	}
	rec, _, _ = store.Get(ctx, "t1", "instagram")
	if rec.LastAccessAt == nil {
		t.Error("expected last access to be recorded")
	}
}

func TestGetToken_TamperedRowIsUnusable(t *testing.T) {
	for _, field := range []string{"ciphertext", "tag"} {
		t.Run(field, func(t *testing.T) {
			v, store, logs := newVault(t)
			ctx := context.Background()
			if err := v.StoreToken(ctx, "t1", "instagram", "secret123", Metadata{}); err != nil {
				t.Fatalf("StoreToken: %v", err)
			}
			store.tamper(t, "t1", "instagram", field)

			got, ok, err := v.GetToken(ctx, "t1", "instagram")
			if ok || got != "" {
				t.Fatalf("tampered token returned: ok=%v", ok)
			}
			if domain.KindOf(err) != domain.KindIntegrity {
				t.Fatalf("expected integrity error, got %v", err)
			}
			if store.unusable != 1 {
				t.Errorf("row not marked unusable")
			}
			if logs.FilterField(zap.Bool("security_event", true)).Len() == 0 {
				t.Error("expected a security event log")
			}

			// later reads stay an integrity failure rather than "missing"
			_, _, err = v.GetToken(ctx, "t1", "instagram")
			if domain.KindOf(err) != domain.KindIntegrity {
				t.Fatalf("expected integrity error on reread, got %v", err)
			}
		})
	}
}

func TestGetToken_RowBoundToTenant(t *testing.T) {
	v, store, _ := newVault(t)
	ctx := context.Background()
	_ = v.StoreToken(ctx, "t1", "instagram", "secret123", Metadata{})
	rec, _, _ := store.Get(ctx, "t1", "instagram")
	rec.TenantID = "t2"
	store.rows["t2/instagram"] = rec

	_, ok, err := v.GetToken(ctx, "t2", "instagram")
	if ok || domain.KindOf(err) != domain.KindIntegrity {
		t.Fatalf("copied row should fail verification, ok=%v err=%v", ok, err)
	}
}

func TestGetToken_Missing(t *testing.T) {
	v, _, _ := newVault(t)
	got, ok, err := v.GetToken(context.Background(), "t1", "instagram")
	if err != nil || ok || got != "" {
		t.Fatalf("expected none, got %q %v %v", got, ok, err)
	}
}

func TestStoreToken_IncrementsRefreshCount(t *testing.T) {
	v, store, _ := newVault(t)
	ctx := context.Background()
	_ = v.StoreToken(ctx, "t1", "instagram", "a", Metadata{})
	_ = v.StoreToken(ctx, "t1", "instagram", "b", Metadata{})
	rec, _, _ := store.Get(ctx, "t1", "instagram")
	if rec.RefreshCount != 2 {
		t.Errorf("refresh count = %d, want 2", rec.RefreshCount)
	}
	got, _, _ := v.GetToken(ctx, "t1", "instagram")
	if got != "b" {
		t.Errorf("token = %q, want b", got)
	}
}

func TestIsValid(t *testing.T) {
	v, _, _ := newVault(t)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	v.Now = func() time.Time { return now }
	ctx := context.Background()

	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	_ = v.StoreToken(ctx, "t1", "instagram", "a", Metadata{ExpiresAt: &future})
	_ = v.StoreToken(ctx, "t1", "facebook", "b", Metadata{ExpiresAt: &past})

	if ok, _ := v.IsValid(ctx, "t1", "instagram"); !ok {
		t.Error("unexpired token should be valid")
	}
	if ok, _ := v.IsValid(ctx, "t1", "facebook"); ok {
		t.Error("expired token should be invalid")
	}
	if ok, _ := v.IsValid(ctx, "t1", "tiktok"); ok {
		t.Error("missing token should be invalid")
	}
}

func TestRotate(t *testing.T) {
	v, store, logs := newVault(t)
	ctx := context.Background()
	_ = v.StoreToken(ctx, "t1", "instagram", "a", Metadata{})
	_ = v.StoreToken(ctx, "t1", "facebook", "b", Metadata{})
	_ = v.StoreToken(ctx, "t2", "instagram", "c", Metadata{})

	n, err := v.Rotate(ctx, "t1")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared = %d, want 2", n)
	}
	if _, ok, _ := v.GetToken(ctx, "t1", "instagram"); ok {
		t.Error("rotated token still readable")
	}
	if _, ok, _ := v.GetToken(ctx, "t2", "instagram"); !ok {
		t.Error("other tenant affected by rotation")
	}
	if _, ok, _ := store.Get(ctx, "t1", "instagram"); !ok {
		t.Error("rotation must keep the row")
	}
	if logs.FilterMessage("tenant credentials rotated").Len() != 1 {
		t.Error("expected rotation security log")
	}
}

func TestTokensNeverLogged(t *testing.T) {
	v, store, logs := newVault(t)
	ctx := context.Background()
	_ = v.StoreToken(ctx, "t1", "instagram", "secret123", Metadata{})
	_, _, _ = v.GetToken(ctx, "t1", "instagram")
	store.tamper(t, "t1", "instagram", "tag")
	_, _, err := v.GetToken(ctx, "t1", "instagram")
	if strings.Contains(err.Error(), "secret123") {
		t.Fatal("token leaked into error")
	}
	for _, e := range logs.All() {
		if strings.Contains(e.Message, "secret123") {
			t.Fatal("token leaked into log message")
		}
		for _, f := range e.Context {
			if strings.Contains(f.String, "secret123") {
				t.Fatalf("token leaked into log field %s", f.Key)
			}
		}
	}
}

func TestNewCipher_ShortSecret(t *testing.T) {
	if _, err := NewCipher("short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestSeal_FreshIVPerCall(t *testing.T) {
	c, _ := NewCipher(testSecret)
	a, _ := c.Seal([]byte("x"), []byte("t1|instagram"))
	b, _ := c.Seal([]byte("x"), []byte("t1|instagram"))
	if a == b {
		t.Fatal("two seals of the same plaintext must differ")
	}
}
