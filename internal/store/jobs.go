package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"funnelbot/internal/domain"
)

const jobColumns = `id, recipient_id, kind, run_at, payload, status, attempts, last_error, claimed_by, created_at, updated_at`

// ScheduleJobIfAbsent inserts a PENDING job unless a live (PENDING or RUNNING)
// job of the same kind already exists for the recipient. It reports whether a
// row was inserted.
func (r *SQLRepo) ScheduleJobIfAbsent(ctx context.Context, recipientID int64, kind domain.JobKind, runAt time.Time, payload *string) (bool, error) {
	now := millis(r.now())
	var p any
	if payload != nil {
		p = *payload
	}
	res, err := r.db.ExecContext(ctx, r.q(`
INSERT INTO jobs (recipient_id, kind, run_at, payload, status, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, 'PENDING', 0, ?, ?)
ON CONFLICT DO NOTHING`), recipientID, string(kind), millis(runAt), p, now, now)
	if err != nil {
		return false, fmt.Errorf("schedule %s for %d: %w", kind, recipientID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLRepo) FetchDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, r.q(`
SELECT `+jobColumns+`
FROM jobs
WHERE status = 'PENDING' AND run_at <= ?
ORDER BY run_at ASC, id ASC
LIMIT ?`), millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ClaimJob moves the job from PENDING to RUNNING. Exactly one concurrent caller
// observes true for a given PENDING row.
func (r *SQLRepo) ClaimJob(ctx context.Context, id int64, claimant string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE jobs SET status = 'RUNNING', claimed_by = ?, updated_at = ?
WHERE id = ? AND status = 'PENDING'`), claimant, millis(r.now()), id)
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job %d: %w", id, err)
	}
	return n == 1, nil
}

func (r *SQLRepo) CompleteJob(ctx context.Context, id int64) error {
	return r.updateJob(ctx, "complete job", id, `status = 'DONE', last_error = NULL`)
}

func (r *SQLRepo) RescheduleJob(ctx context.Context, id int64, attempts int, runAt time.Time, errMsg string) error {
	return r.updateJob(ctx, "reschedule job", id,
		`status = 'PENDING', attempts = ?, run_at = ?, last_error = ?, claimed_by = NULL`,
		attempts, millis(runAt), errMsg)
}

func (r *SQLRepo) FailJob(ctx context.Context, id int64, attempts int, errMsg string) error {
	return r.updateJob(ctx, "fail job", id, `status = 'FAILED', attempts = ?, last_error = ?`, attempts, errMsg)
}

func (r *SQLRepo) updateJob(ctx context.Context, op string, id int64, set string, args ...any) error {
	args = append(args, millis(r.now()), id)
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE jobs SET `+set+`, updated_at = ? WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %d: %w", op, id, ErrNotFound)
	}
	return nil
}

func (r *SQLRepo) GetJob(ctx context.Context, id int64) (domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	if len(jobs) == 0 {
		return domain.Job{}, ErrNotFound
	}
	return jobs[0], nil
}

func (r *SQLRepo) ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.RecipientID != nil {
		where = append(where, "recipient_id = ?")
		args = append(args, *f.RecipientID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// RequeueJob re-arms a FAILED job with a fresh retry budget. It fails with
// ErrConflict when the recipient already has a live job of the same kind.
func (r *SQLRepo) RequeueJob(ctx context.Context, id int64, runAt time.Time) error {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE jobs SET status = 'PENDING', attempts = 0, run_at = ?, claimed_by = NULL, updated_at = ?
WHERE id = ? AND status = 'FAILED'`), millis(runAt), millis(r.now()), id)
	if err != nil {
		if r.isConstraintError(err) {
			return ErrConflict
		}
		return fmt.Errorf("requeue job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrInvalidState
}

// RecoverStale returns RUNNING jobs whose claim has not been touched since
// before to PENDING. Attempts are left as they were.
func (r *SQLRepo) RecoverStale(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE jobs SET status = 'PENDING', claimed_by = NULL, last_error = ?, updated_at = ?
WHERE status = 'RUNNING' AND updated_at < ?`), "recovered stale claim", millis(r.now()), millis(before))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLRepo) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, r.q(`
DELETE FROM jobs WHERE status IN ('DONE','FAILED') AND updated_at < ?`), millis(before))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		var (
			j                    domain.Job
			kind, status         string
			runAt                int64
			payload, lastErr     sql.NullString
			claimedBy            sql.NullString
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&j.ID, &j.RecipientID, &kind, &runAt, &payload, &status, &j.Attempts, &lastErr, &claimedBy, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		j.Kind = domain.JobKind(kind)
		j.Status = domain.JobStatus(status)
		j.RunAt = fromMillis(runAt)
		j.Payload = nullString(payload)
		j.LastError = nullString(lastErr)
		j.ClaimedBy = nullString(claimedBy)
		j.CreatedAt = fromMillis(createdAt)
		j.UpdatedAt = fromMillis(updatedAt)
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}
