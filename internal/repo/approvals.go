package repo

import (
	"context"
	"database/sql"

	"runway/internal/domain"
)

const approvalColumns = `id, run_id, type, status, requester_id, channel,
	COALESCE(action_json,'') AS action_json,
	COALESCE(decided_by,'') AS decided_by, created_at, expires_at, resolved_at`

func scanApproval(sc interface{ Scan(...any) error }) (domain.Approval, error) {
	var a domain.Approval
	var resolved sql.NullString
	err := sc.Scan(&a.ID, &a.RunID, &a.Type, &a.Status, &a.RequesterID, &a.Channel,
		&a.ActionJSON, &a.DecidedBy, &a.CreatedAt, &a.ExpiresAt, &resolved)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if resolved.Valid {
		a.ResolvedAt = &resolved.String
	}
	return a, err
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.Approval) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(id,run_id,type,status,requester_id,channel,action_json,decided_by,created_at,expires_at,resolved_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, string(a.Type), string(a.Status), a.RequesterID, string(a.Channel),
		nullable(a.ActionJSON), nullable(a.DecidedBy), a.CreatedAt, a.ExpiresAt, nil)
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

// LatestApprovalForRun returns the most recent approval for the run.
func (r Repo) LatestApprovalForRun(ctx context.Context, runID string) (domain.Approval, error) {
	return scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals
		WHERE run_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, runID))
}

func (r Repo) LatestApprovalForRunTx(ctx context.Context, tx *sql.Tx, runID string) (domain.Approval, error) {
	return scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals
		WHERE run_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, runID))
}

// ResolveApproval settles a PENDING approval exactly once. Returns false
// when the approval was already terminal.
func (r Repo) ResolveApproval(ctx context.Context, tx *sql.Tx, id string, status domain.ApprovalStatus, decidedBy, resolvedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, decided_by=?, resolved_at=? WHERE id=? AND status=?`,
		string(status), nullable(decidedBy), resolvedAt, id, string(domain.ApprovalPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type ApprovalListOptions struct {
	Status domain.ApprovalStatus
	Limit  int
}

func (r Repo) ListApprovals(ctx context.Context, opts ApprovalListOptions) ([]domain.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE 1=1`
	var args []any
	if opts.Status != "" {
		query += " AND status=?"
		args = append(args, string(opts.Status))
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
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
