package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SirClappington/dmq/internal/domain"
	"github.com/SirClappington/dmq/internal/tenancy"
)

// promoteBatch bounds how many due retries one claim moves back to PENDING.
const promoteBatch = 100

const jobColumns = `id, tenant_id, type, payload, priority, status, attempts, max_attempts, dedupe_key,
scheduled_at, leased_by, lease_token, lease_expires_at, last_error, result, created_at, updated_at`

const deadLetterColumns = `job_id, tenant_id, type, attempts, kind, reason, payload, failed_at`

// Jobs is the source of truth for job state. Every write after a claim is conditional on the
// lease token handed out by Claim and on the lease not having expired; past that the reaper
// owns the job.
type Jobs struct{ db *sql.DB }

func NewJobs(db *sql.DB) *Jobs { return &Jobs{db} }

// InsertJob persists a PENDING job. When the tenant already has a job with the same dedupe key,
// the existing id is returned with created=false.
func (s *Jobs) InsertJob(ctx context.Context, j *domain.Job) (id string, created bool, err error) {
	id = j.ID
	if id == "" {
		id = uuid.NewString()
	}
	err = inSession(ctx, s.db, j.TenantID, func(q tenancy.DBTX) error {
		err := q.QueryRowContext(ctx, `insert into jobs(
id, tenant_id, type, payload, priority, status, attempts, max_attempts, dedupe_key, scheduled_at, created_at, updated_at
) values ($1,$2,$3,$4,$5,'PENDING',0,$6,$7,$8,$9,$9)
on conflict (tenant_id, dedupe_key) where dedupe_key is not null do nothing
returning id`,
			id, j.TenantID, string(j.Type), []byte(j.Payload), j.Priority, j.MaxAttempts, j.DedupeKey, j.ScheduledAt, j.CreatedAt,
		).Scan(&id)
		if err == nil {
			created = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) || j.DedupeKey == nil {
			return errors.Wrap(err, "storage: insert job")
		}
		return errors.Wrap(q.QueryRowContext(ctx,
			`select id from jobs where tenant_id = $1 and dedupe_key = $2`,
			j.TenantID, *j.DedupeKey).Scan(&id), "storage: load deduplicated job")
	})
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

func (s *Jobs) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var j *domain.Job
	err := inSession(ctx, s.db, systemScope, func(q tenancy.DBTX) error {
		var err error
		j, err = scanJob(q.QueryRowContext(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return errors.Wrap(err, "storage: get job")
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Claim promotes due retries and leases the best PENDING job in one transaction. It returns
// nil when nothing is runnable.
func (s *Jobs) Claim(ctx context.Context, workerID string, leaseFor time.Duration, now time.Time) (*domain.Job, error) {
	var j *domain.Job
	err := ownSession(ctx, s.db, systemScope, func(q tenancy.DBTX) error {
		if _, err := q.ExecContext(ctx, `update jobs set status = 'PENDING', updated_at = $1
where id in (
  select id from jobs
   where status = 'RETRY_SCHEDULED' and scheduled_at <= $1
   order by scheduled_at
   limit $2
   for update skip locked
)`, now, promoteBatch); err != nil {
			return errors.Wrap(err, "storage: promote retries")
		}

		row := q.QueryRowContext(ctx, `update jobs
   set status = 'PROCESSING',
       attempts = attempts + 1,
       leased_by = $2,
       lease_token = $3,
       lease_expires_at = $4,
       updated_at = $1
 where id = (
  select id from jobs
   where status = 'PENDING' and scheduled_at <= $1 and attempts < max_attempts
   order by priority desc, scheduled_at asc
   limit 1
   for update skip locked
)
returning `+jobColumns, now, workerID, uuid.NewString(), now.Add(leaseFor))
		var err error
		j, err = scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			j, err = nil, nil
		}
		return errors.Wrap(err, "storage: claim job")
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Jobs) Complete(ctx context.Context, l domain.Lease, result json.RawMessage, now time.Time) error {
	var res []byte
	if len(result) > 0 {
		res = result
	}
	return s.leased(ctx, "complete", `update jobs
   set status = 'COMPLETED', result = $3, last_error = null,
       leased_by = null, lease_token = null, lease_expires_at = null, updated_at = $4
 where id = $1 and lease_token = $2 and status = 'PROCESSING' and lease_expires_at > $4`, l.JobID, l.Token, res, now)
}

// Retry schedules the job to run again at runAt. refund gives the claimed attempt back.
func (s *Jobs) Retry(ctx context.Context, l domain.Lease, runAt time.Time, reason string, refund bool, now time.Time) error {
	return s.leased(ctx, "retry", `update jobs
   set status = 'RETRY_SCHEDULED', scheduled_at = $3, last_error = $4,
       attempts = greatest(attempts - $5, 0),
       leased_by = null, lease_token = null, lease_expires_at = null, updated_at = $6
 where id = $1 and lease_token = $2 and status = 'PROCESSING' and lease_expires_at > $6`,
		l.JobID, l.Token, runAt, reason, refundOf(refund), now)
}

// Release hands an interrupted job back to the queue without consuming its attempt.
func (s *Jobs) Release(ctx context.Context, l domain.Lease, now time.Time) error {
	return s.leased(ctx, "release", `update jobs
   set status = 'PENDING', attempts = greatest(attempts - 1, 0), last_error = 'shutdown',
       leased_by = null, lease_token = null, lease_expires_at = null, updated_at = $3
 where id = $1 and lease_token = $2 and status = 'PROCESSING' and lease_expires_at > $3`, l.JobID, l.Token, now)
}

// Fail moves the job to FAILED and records its dead letter in the same transaction.
func (s *Jobs) Fail(ctx context.Context, l domain.Lease, kind, reason string, now time.Time) (domain.DeadLetter, error) {
	var dl domain.DeadLetter
	err := ownSession(ctx, s.db, systemScope, func(q tenancy.DBTX) error {
		res, err := q.ExecContext(ctx, `update jobs
   set status = 'FAILED', last_error = $3,
       leased_by = null, lease_token = null, lease_expires_at = null, updated_at = $4
 where id = $1 and lease_token = $2 and status = 'PROCESSING' and lease_expires_at > $4`, l.JobID, l.Token, reason, now)
		if err != nil {
			return errors.Wrap(err, "storage: fail job")
		}
		if err := expectOne(res); err != nil {
			return err
		}
		dl, err = insertDeadLetter(ctx, q, l.JobID, kind, reason, now)
		return err
	})
	if err != nil {
		return domain.DeadLetter{}, err
	}
	return dl, nil
}

// RequeueExpired reclaims jobs whose lease ran out. Jobs with attempts left go back to
// PENDING; the rest are failed and dead lettered.
func (s *Jobs) RequeueExpired(ctx context.Context, now time.Time, limit int) (requeued int, dead []domain.DeadLetter, err error) {
	err = ownSession(ctx, s.db, systemScope, func(q tenancy.DBTX) error {
		batch, err := expiredLeases(ctx, q, now, limit)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if e.attempts >= e.max {
				if _, err := q.ExecContext(ctx, `update jobs
   set status = 'FAILED', last_error = 'lease_expired',
       leased_by = null, lease_token = null, lease_expires_at = null, updated_at = $2
 where id = $1`, e.id, now); err != nil {
					return errors.Wrap(err, "storage: fail expired job")
				}
				dl, err := insertDeadLetter(ctx, q, e.id, domain.KindTransient.String(), "lease_expired", now)
				if err != nil {
					return err
				}
				dead = append(dead, dl)
				continue
			}
			if _, err := q.ExecContext(ctx, `update jobs
   set status = 'PENDING', last_error = 'lease_expired',
       leased_by = null, lease_token = null, lease_expires_at = null, updated_at = $2
 where id = $1`, e.id, now); err != nil {
				return errors.Wrap(err, "storage: requeue expired job")
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return requeued, dead, nil
}

type expiredLease struct {
	id            string
	attempts, max int
}

func expiredLeases(ctx context.Context, q tenancy.DBTX, now time.Time, limit int) ([]expiredLease, error) {
	rows, err := q.QueryContext(ctx, `select id, attempts, max_attempts from jobs
 where status = 'PROCESSING' and lease_expires_at < $1
 order by lease_expires_at
 limit $2
 for update skip locked`, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: select expired leases")
	}
	defer rows.Close()
	var batch []expiredLease
	for rows.Next() {
		var e expiredLease
		if err := rows.Scan(&e.id, &e.attempts, &e.max); err != nil {
			return nil, errors.Wrap(err, "storage: scan expired lease")
		}
		batch = append(batch, e)
	}
	return batch, errors.Wrap(rows.Err(), "storage: iterate expired leases")
}

func (s *Jobs) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	var out []domain.DeadLetter
	err := inSession(ctx, s.db, systemScope, func(q tenancy.DBTX) error {
		rows, err := q.QueryContext(ctx,
			`select `+deadLetterColumns+` from dead_letters order by failed_at desc limit $1`, limit)
		if err != nil {
			return errors.Wrap(err, "storage: list dead letters")
		}
		defer rows.Close()
		for rows.Next() {
			dl, err := scanDeadLetter(rows)
			if err != nil {
				return errors.Wrap(err, "storage: scan dead letter")
			}
			out = append(out, dl)
		}
		return errors.Wrap(rows.Err(), "storage: iterate dead letters")
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Jobs) leased(ctx context.Context, op, query string, args ...any) error {
	return ownSession(ctx, s.db, systemScope, func(q tenancy.DBTX) error {
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return errors.Wrapf(err, "storage: %s job", op)
		}
		return expectOne(res)
	})
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "storage: rows affected")
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func insertDeadLetter(ctx context.Context, q tenancy.DBTX, jobID, kind, reason string, now time.Time) (domain.DeadLetter, error) {
	row := q.QueryRowContext(ctx, `insert into dead_letters (`+deadLetterColumns+`)
select id, tenant_id, type, attempts, $2, $3, payload, $4 from jobs where id = $1
returning `+deadLetterColumns, jobID, kind, reason, now)
	dl, err := scanDeadLetter(row)
	if err != nil {
		return domain.DeadLetter{}, errors.Wrap(err, "storage: insert dead letter")
	}
	return dl, nil
}

func refundOf(refund bool) int {
	if refund {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		j              domain.Job
		typ, status    string
		payload, reslt []byte
	)
	err := row.Scan(&j.ID, &j.TenantID, &typ, &payload, &j.Priority, &status, &j.Attempts, &j.MaxAttempts,
		&j.DedupeKey, &j.ScheduledAt, &j.LeasedBy, &j.LeaseToken, &j.LeaseExpiresAt, &j.LastError, &reslt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Type = domain.JobType(typ)
	j.Status = domain.Status(status)
	j.Payload = payload
	if len(reslt) > 0 {
		j.Result = reslt
	}
	return &j, nil
}

func scanDeadLetter(row scanner) (domain.DeadLetter, error) {
	var (
		dl      domain.DeadLetter
		typ     string
		payload []byte
	)
	if err := row.Scan(&dl.JobID, &dl.TenantID, &typ, &dl.Attempts, &dl.Kind, &dl.Reason, &payload, &dl.FailedAt); err != nil {
		return domain.DeadLetter{}, err
	}
	dl.Type = domain.JobType(typ)
	if len(payload) > 0 {
		dl.Payload = payload
	}
	return dl, nil
}
