package repo

import (
	"context"
	"database/sql"

	"runway/internal/domain"
)

const jobColumns = `id, queue, kind, COALESCE(run_id,'') AS run_id, COALESCE(trigger_type,'') AS trigger_type,
	payload_json, status, attempt, scheduled_at, COALESCE(last_error,'') AS last_error, created_at, updated_at`

func scanJob(sc interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	err := sc.Scan(&j.ID, &j.Queue, &j.Kind, &j.RunID, &j.TriggerType, &j.Payload,
		&j.Status, &j.Attempt, &j.ScheduledAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,queue,kind,run_id,trigger_type,payload_json,status,attempt,scheduled_at,last_error,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Queue, string(j.Kind), nullable(j.RunID), nullable(string(j.TriggerType)), j.Payload,
		string(j.Status), j.Attempt, j.ScheduledAt, nullable(j.LastError), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// ClaimNextJob atomically claims the oldest due queued job in a queue,
// marking it running. Returns ErrNotFound when nothing is due.
func (r Repo) ClaimNextJob(ctx context.Context, queue, now string) (domain.Job, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE queue=? AND status=? AND scheduled_at<=?
		ORDER BY scheduled_at ASC LIMIT 1`, queue, string(domain.JobQueued), now))
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobRunning
	j.Attempt++
	j.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, attempt=?, updated_at=? WHERE id=?`,
		string(j.Status), j.Attempt, j.UpdatedAt, j.ID); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `UPDATE jobs SET queue=?, status=?, attempt=?, scheduled_at=?, last_error=?, updated_at=? WHERE id=?`,
		j.Queue, string(j.Status), j.Attempt, j.ScheduledAt, nullable(j.LastError), j.UpdatedAt, j.ID)
	return err
}

// CancelJob removes a queued-but-undispatched job from its queue.
// Running or settled jobs are left alone.
func (r Repo) CancelJob(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(domain.JobCanceled), now, id, string(domain.JobQueued))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// InsertJobAttempt records one attempt. A replayed job re-runs the same
// attempt numbers, so the newest outcome wins.
func (r Repo) InsertJobAttempt(ctx context.Context, tx *sql.Tx, a domain.JobAttempt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_attempts(job_id,attempt,started_at,finished_at,error) VALUES (?,?,?,?,?)
		ON CONFLICT(job_id,attempt) DO UPDATE SET
			started_at=excluded.started_at,
			finished_at=excluded.finished_at,
			error=excluded.error`,
		a.JobID, a.Attempt, a.StartedAt, a.FinishedAt, nullable(a.Error))
	return err
}

func (r Repo) ListJobAttempts(ctx context.Context, jobID string) ([]domain.JobAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id,attempt,started_at,finished_at,COALESCE(error,'')
		FROM job_attempts WHERE job_id=? ORDER BY attempt ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobAttempt
	for rows.Next() {
		var a domain.JobAttempt
		if err := rows.Scan(&a.JobID, &a.Attempt, &a.StartedAt, &a.FinishedAt, &a.Error); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

type JobListOptions struct {
	Queue  string
	Status domain.JobStatus
	RunID  string
	Limit  int
}

func (r Repo) ListJobs(ctx context.Context, opts JobListOptions) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if opts.Queue != "" {
		query += " AND queue=?"
		args = append(args, opts.Queue)
	}
	if opts.Status != "" {
		query += " AND status=?"
		args = append(args, string(opts.Status))
	}
	if opts.RunID != "" {
		query += " AND run_id=?"
		args = append(args, opts.RunID)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// PruneSettledJobs keeps at most keep settled jobs per status, deleting
// the oldest beyond that bound. Attempt history for pruned jobs goes too.
func (r Repo) PruneSettledJobs(ctx context.Context, tx *sql.Tx, status domain.JobStatus, keep int) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE status=? ORDER BY updated_at DESC LIMIT -1 OFFSET ?`,
		string(status), keep)
	if err != nil {
		return err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM job_attempts WHERE job_id=?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id); err != nil {
			return err
		}
	}
	return nil
}
