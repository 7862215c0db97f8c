package repo

import (
	"context"
	"database/sql"

	"runway/internal/domain"
)

func (r Repo) InsertDecision(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	sources, err := marshalJSON(d.Sources)
	if err != nil {
		return err
	}
	impact, err := marshalJSON(d.ImpactAreas)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO decisions(id,run_id,title,summary,status,valid_from,valid_until,sources_json,impact_json,creator,superseded_by,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, nullable(d.RunID), d.Title, nullable(d.Summary), string(d.Status),
		nullable(d.ValidFrom), nullable(d.ValidUntil), sources, impact,
		string(d.Creator), nullable(d.SupersededBy), d.CreatedAt)
	return err
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.Decision, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(run_id,''),title,COALESCE(summary,''),status,
		COALESCE(valid_from,''),COALESCE(valid_until,''),sources_json,impact_json,creator,
		COALESCE(superseded_by,''),created_at FROM decisions WHERE id=?`, id)
	var d domain.Decision
	var sources, impact sql.NullString
	err := row.Scan(&d.ID, &d.RunID, &d.Title, &d.Summary, &d.Status, &d.ValidFrom, &d.ValidUntil,
		&sources, &impact, &d.Creator, &d.SupersededBy, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if err := unmarshalJSON(sources, &d.Sources); err != nil {
		return d, err
	}
	if err := unmarshalJSON(impact, &d.ImpactAreas); err != nil {
		return d, err
	}
	return d, nil
}

// MarkDecisionStatus moves a decision to a new lifecycle status. The
// supersededBy reference is only written for SUPERSEDED.
func (r Repo) MarkDecisionStatus(ctx context.Context, tx *sql.Tx, id string, status domain.DecisionStatus, supersededBy string) error {
	res, err := tx.ExecContext(ctx, `UPDATE decisions SET status=?, superseded_by=? WHERE id=?`,
		string(status), nullable(supersededBy), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListDecisions(ctx context.Context, limit int) ([]domain.Decision, error) {
	query := `SELECT id FROM decisions ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []domain.Decision
	for _, id := range ids {
		d, err := r.GetDecision(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}
