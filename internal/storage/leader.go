package storage

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Leader holds a session-level advisory lock. The lock lives on one pinned connection, so it
// survives exactly as long as that connection does.
type Leader struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
}

func NewLeader(db *sql.DB, key int64) *Leader { return &Leader{db: db, key: key} }

// TryAcquire reports whether this process holds the lock, taking it if it is free. A held lock
// is re-checked on its connection so a dropped session is noticed.
func (l *Leader) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		_ = l.conn.Close()
		l.conn = nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, errors.Wrap(err, "storage: leader conn")
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		return false, multierr.Append(errors.Wrap(err, "storage: advisory lock"), conn.Close())
	}
	if !ok {
		return false, conn.Close()
	}
	l.conn = conn
	return true, nil
}

func (l *Leader) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `select pg_advisory_unlock($1)`, l.key)
	err = multierr.Append(errors.Wrap(err, "storage: advisory unlock"), l.conn.Close())
	l.conn = nil
	return err
}
