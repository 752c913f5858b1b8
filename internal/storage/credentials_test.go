package storage

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/tenancy"
	"github.com/SirClappington/dmq/internal/vault"
)

func credentialRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"tenant_id", "platform", "encrypted_token", "identifier", "expires_at",
		"refresh_count", "last_access_at", "unusable_at", "updated_at"})
}

func TestCredentials_GetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	expectTenantSession(mock, "t1")
	mock.ExpectQuery(`from credentials where tenant_id = \$1 and platform = \$2`).
		WithArgs("t1", "instagram").
		WillReturnRows(credentialRows())
	mock.ExpectCommit()

	_, ok, err := NewCredentials(db).Get(context.Background(), "t1", "instagram")
	if err != nil || ok {
		t.Fatalf("expected missing credential, got ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCredentials_UpsertThroughTenantSession(t *testing.T) {
	db, mock := newMockDB(t)
	p, err := tenancy.New(db, domain.TenantIDs{}, tenancy.Isolated, nil)
	if err != nil {
		t.Fatalf("tenancy.New: %v", err)
	}
	enc := `{"iv":"a","ciphertext":"b","tag":"c"}`

	mock.ExpectBegin()
	mock.ExpectExec(`select set_config`).WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into credentials`).
		WithArgs("t1", "instagram", enc, "ig-1", nil, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewCredentials(db)
	err = p.WithTenant(context.Background(), "t1", func(ctx context.Context) error {
		return s.Upsert(ctx, vault.Record{
			TenantID: "t1", Platform: "instagram", EncryptedToken: &enc, Identifier: "ig-1", UpdatedAt: testNow,
		})
	})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCredentials_ClearTenantCountsRows(t *testing.T) {
	db, mock := newMockDB(t)
	expectTenantSession(mock, "t1")
	mock.ExpectExec(`set encrypted_token = null`).
		WithArgs("t1", testNow).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := NewCredentials(db).ClearTenant(context.Background(), "t1", testNow)
	if err != nil {
		t.Fatalf("ClearTenant failed: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared = %d, want 2", n)
	}
}

func TestCredentials_Expiring(t *testing.T) {
	db, mock := newMockDB(t)
	enc := "sealed"
	exp := testNow.Add(-1)
	expectSystemSession(mock)
	mock.ExpectQuery(`expires_at < \$1`).
		WithArgs(testNow, 20).
		WillReturnRows(credentialRows().AddRow("t1", "instagram", enc, "ig-1", exp, 3, nil, nil, testNow))
	mock.ExpectCommit()

	recs, err := NewCredentials(db).Expiring(context.Background(), testNow, 20)
	if err != nil {
		t.Fatalf("Expiring failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ExpiresAt == nil || recs[0].RefreshCount != 3 || recs[0].UnusableAt != nil {
		t.Errorf("unexpected records %+v", recs)
	}
}

// sealed captures the ciphertext the vault writes so a later read can return it.
type sealed struct{ v string }

func (s *sealed) Match(v driver.Value) bool {
	str, ok := v.(string)
	s.v = str
	return ok
}

func TestCredentials_AccessCommitsBeforeTenantWork(t *testing.T) {
	db, mock := newMockDB(t)
	p, err := tenancy.New(db, domain.TenantIDs{}, tenancy.Isolated, nil)
	if err != nil {
		t.Fatalf("tenancy.New: %v", err)
	}
	c, err := vault.NewCipher("0123456789abcdef0123456789abcdef-storage")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	v := vault.New(NewCredentials(db), c, domain.TenantIDs{}, zap.New(core), nil)

	enc := &sealed{}
	expectTenantSession(mock, "t1")
	mock.ExpectExec(`insert into credentials`).
		WithArgs("t1", "instagram", enc, "ig-1", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := v.StoreToken(context.Background(), "t1", "instagram", "tok-1", vault.Metadata{Identifier: "ig-1"}); err != nil {
		t.Fatalf("StoreToken: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(`select set_config\('app.current_tenant'`).WithArgs("t1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`from credentials where tenant_id = \$1`).
		WithArgs("t1", "instagram").
		WillReturnRows(credentialRows().AddRow("t1", "instagram", enc.v, "ig-1", nil, 1, nil, nil, testNow))
	// the access stamp commits in a session of its own before the token is used
	expectTenantSession(mock, "t1")
	mock.ExpectExec(`set last_access_at = \$3`).
		WithArgs("t1", "instagram", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectCommit()

	sent := false
	err = p.WithTenant(context.Background(), "t1", func(ctx context.Context) error {
		tok, ok, err := v.GetToken(ctx, "t1", "instagram")
		if err != nil || !ok || tok != "tok-1" {
			t.Fatalf("GetToken = %q, %v, %v", tok, ok, err)
		}
		if n := logs.FilterMessage("record credential access").Len(); n != 0 {
			t.Fatalf("access stamp failed before send: %v", logs.All())
		}
		sent = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithTenant: %v", err)
	}
	if !sent {
		t.Fatal("send step did not run")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestLeader_AcquireAndRelease(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`select pg_try_advisory_lock\(\$1\)`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectExec(`select pg_advisory_unlock\(\$1\)`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	l := NewLeader(db, 42)
	ok, err := l.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("TryAcquire: ok=%v err=%v", ok, err)
	}
	// held lock is re-checked on its own connection without another query
	if ok, err := l.TryAcquire(context.Background()); err != nil || !ok {
		t.Fatalf("second TryAcquire: ok=%v err=%v", ok, err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestLeader_Contended(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`pg_try_advisory_lock`).WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(false))

	ok, err := NewLeader(db, 42).TryAcquire(context.Background())
	if err != nil || ok {
		t.Fatalf("expected contended lock, got ok=%v err=%v", ok, err)
	}
}
