package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"thirdcoast.systems/lumen/internal/jobs"
)

// JobsChannel is the NOTIFY channel signalled on every enqueue.
const JobsChannel = "lumen_jobs"

const jobColumns = `id, job_type, relative_path, user_id, payload, priority, status::text,
	attempts, max_attempts, dependency_attempts, last_heartbeat, run_at, last_error,
	created_at, updated_at`

var liveStatuses = []string{string(jobs.StatusQueued), string(jobs.StatusRunning), string(jobs.StatusFailed)}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		j       jobs.Job
		typ     string
		status  string
		payload []byte
	)
	err := row.Scan(
		&j.ID, &typ, &j.RelativePath, &j.UserID, &payload, &j.Priority, &status,
		&j.Attempts, &j.MaxAttempts, &j.DependencyAttempts, &j.LastHeartbeat, &j.RunAt, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Type = jobs.Type(typ)
	j.Status = jobs.Status(status)
	if j.Payload, err = jobs.DecodePayload(j.Type, payload); err != nil {
		return nil, fmt.Errorf("job %d: %w", j.ID, err)
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*jobs.Job, error) {
	defer rows.Close()
	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func seconds(d time.Duration) float64 { return d.Seconds() }

// LockJobPath serializes enqueues touching the same path (or, for path-less
// jobs, the same type) until the surrounding transaction ends.
func (q *Queries) LockJobPath(ctx context.Context, nj jobs.NewJob) error {
	key := advisoryLockID("type", string(nj.Type))
	if nj.RelativePath != nil {
		key = advisoryLockID("path", *nj.RelativePath)
	}
	_, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key)
	return err
}

func (q *Queries) CancelLiveJobsForPath(ctx context.Context, relPath string, types []jobs.Type) (int64, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET status = 'cancelled', last_heartbeat = NULL, updated_at = NOW()
		WHERE relative_path = $1 AND job_type = ANY($2) AND status::text = ANY($3)`,
		relPath, names, liveStatuses)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) FindLiveJob(ctx context.Context, nj jobs.NewJob) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
		SELECT id FROM jobs
		WHERE relative_path IS NOT DISTINCT FROM $1
		  AND job_type = $2
		  AND payload IS NOT DISTINCT FROM $3::jsonb
		  AND status::text = ANY($4)
		ORDER BY id
		LIMIT 1`,
		nj.RelativePath, string(nj.Type), nj.Payload, liveStatuses).Scan(&id)
	return id, err
}

func (q *Queries) InsertJob(ctx context.Context, nj jobs.NewJob) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO jobs (job_type, relative_path, user_id, payload, priority, max_attempts)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		RETURNING id`,
		string(nj.Type), nj.RelativePath, nj.UserID, nj.Payload, nj.Priority, nj.MaxAttempts).Scan(&id)
	return id, err
}

func (q *Queries) NotifyJobs(ctx context.Context, jobType jobs.Type) error {
	_, err := q.db.Exec(ctx, `SELECT pg_notify($1, $2)`, JobsChannel, string(jobType))
	return err
}

func (q *Queries) ListenJobs(ctx context.Context) error {
	_, err := q.db.Exec(ctx, `LISTEN `+JobsChannel)
	return err
}

// DequeueJob claims the next due queued or retry-pending job.
func (q *Queries) DequeueJob(ctx context.Context) (*jobs.Job, error) {
	return scanJob(q.db.QueryRow(ctx, `
		WITH next AS (
			SELECT id AS next_id FROM jobs
			WHERE status IN ('queued', 'failed') AND run_at <= NOW()
			ORDER BY priority, created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET status = 'running', last_heartbeat = NOW(), updated_at = NOW()
		FROM next
		WHERE jobs.id = next.next_id
		RETURNING `+jobColumns))
}

// JobStore implements jobs.Store on PostgreSQL.
type JobStore struct {
	dbc *DatabaseConnection
	dsn string
}

var (
	_ jobs.Store  = (*JobStore)(nil)
	_ jobs.Waiter = (*JobStore)(nil)
)

// NewJobStore returns a store on dbc. dsn opens the dedicated LISTEN connection.
func NewJobStore(dbc *DatabaseConnection, dsn string) *JobStore {
	return &JobStore{dbc: dbc, dsn: dsn}
}

func (s *JobStore) EnqueueJob(ctx context.Context, nj jobs.NewJob) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := s.dbc.inTx(ctx, func(q *Queries) error {
		if err := q.LockJobPath(ctx, nj); err != nil {
			return fmt.Errorf("lock job path: %w", err)
		}
		if nj.RelativePath != nil && len(nj.Supersedes) > 0 {
			if _, err := q.CancelLiveJobsForPath(ctx, *nj.RelativePath, nj.Supersedes); err != nil {
				return fmt.Errorf("cancel superseded jobs: %w", err)
			}
		}
		if nj.Dedupe {
			existing, err := q.FindLiveJob(ctx, nj)
			switch {
			case err == nil:
				id = existing
				return nil
			case !errors.Is(err, pgx.ErrNoRows):
				return fmt.Errorf("find live job: %w", err)
			}
		}
		newID, err := q.InsertJob(ctx, nj)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		id, created = newID, true
		return q.NotifyJobs(ctx, nj.Type)
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

func (s *JobStore) ClaimJob(ctx context.Context) (*jobs.Job, error) {
	j, err := s.dbc.Queries(ctx).DequeueJob(ctx)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

func (s *JobStore) HeartbeatJob(ctx context.Context, id int64) (bool, error) {
	tag, err := s.dbc.Exec(ctx, `
		UPDATE jobs SET last_heartbeat = NOW()
		WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *JobStore) JobStatus(ctx context.Context, id int64) (jobs.Status, error) {
	var status string
	err := s.dbc.QueryRow(ctx, `SELECT status::text FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", jobs.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return jobs.Status(status), nil
}

func (s *JobStore) CompleteJob(ctx context.Context, id int64) error {
	_, err := s.dbc.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

func (s *JobStore) RetryJob(ctx context.Context, id int64, attempts int, delay time.Duration, lastErr string) error {
	_, err := s.dbc.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', attempts = $2, run_at = NOW() + make_interval(secs => $3),
		    last_heartbeat = NULL, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		id, attempts, seconds(delay), lastErr)
	return err
}

func (s *JobStore) DeferJob(ctx context.Context, id int64, dependencyAttempts int, delay time.Duration) error {
	_, err := s.dbc.Exec(ctx, `
		UPDATE jobs
		SET status = 'queued', dependency_attempts = $2, run_at = NOW() + make_interval(secs => $3),
		    last_heartbeat = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'running'`,
		id, dependencyAttempts, seconds(delay))
	return err
}

func (s *JobStore) DeadLetterJob(ctx context.Context, j *jobs.Job, attempts int, errMsg string) error {
	payload, err := jobs.EncodePayload(j.Type, j.Payload)
	if err != nil {
		return err
	}
	return s.dbc.inTx(ctx, func(q *Queries) error {
		if _, err := q.db.Exec(ctx, `
			INSERT INTO job_failures (job_id, job_type, relative_path, user_id, payload, attempts, error)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
			j.ID, string(j.Type), j.RelativePath, j.UserID, payload, attempts, errMsg); err != nil {
			return fmt.Errorf("insert job failure: %w", err)
		}
		if _, err := q.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, j.ID); err != nil {
			return fmt.Errorf("delete dead job: %w", err)
		}
		return nil
	})
}

func (s *JobStore) ReclaimStaleJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	var n int64
	err := s.dbc.inTx(ctx, func(q *Queries) error {
		tag, err := q.db.Exec(ctx, `
			UPDATE jobs SET status = 'queued', last_heartbeat = NULL, updated_at = NOW()
			WHERE status = 'running'
			  AND (last_heartbeat IS NULL OR last_heartbeat < NOW() - make_interval(secs => $1))`,
			seconds(threshold))
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		if n == 0 {
			return nil
		}
		return q.NotifyJobs(ctx, "reclaim")
	})
	return n, err
}

func (s *JobStore) PurgeCancelledJobs(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.dbc.Exec(ctx, `
		DELETE FROM jobs
		WHERE status = 'cancelled' AND updated_at <= NOW() - make_interval(secs => $1)`,
		seconds(retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *JobStore) ListJobs(ctx context.Context, opts jobs.ListOptions) ([]*jobs.Job, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		where = append(where, fmt.Sprintf("status::text = $%d", len(args)))
	}
	if opts.Type != nil {
		args = append(args, string(*opts.Type))
		where = append(where, fmt.Sprintf("job_type = $%d", len(args)))
	}
	sql := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY priority, id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.dbc.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *JobStore) ListFailures(ctx context.Context, limit, offset int) ([]*jobs.Failure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.dbc.Query(ctx, `
		SELECT id, job_id, job_type, relative_path, user_id, payload, attempts, error, failed_at
		FROM job_failures
		ORDER BY failed_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, max(offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*jobs.Failure
	for rows.Next() {
		var (
			f       jobs.Failure
			typ     string
			payload []byte
		)
		if err := rows.Scan(&f.ID, &f.JobID, &typ, &f.RelativePath, &f.UserID, &payload, &f.Attempts, &f.Error, &f.FailedAt); err != nil {
			return nil, err
		}
		f.Type = jobs.Type(typ)
		if f.Payload, err = jobs.DecodePayload(f.Type, payload); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// WaitForJobs LISTENs on JobsChannel over a dedicated connection.
func (s *JobStore) WaitForJobs(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		listenAndSignal(ctx, s.dsn, JobsChannel, ch)
	}()
	return ch
}
