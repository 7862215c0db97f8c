package repo

import (
	"context"

	"runway/internal/domain"
)

// AppendCostEntry writes one ledger row. Append-only; entries are never
// updated or deleted.
func (r Repo) AppendCostEntry(ctx context.Context, e domain.CostEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cost_entries(run_id,amount_usd,ts) VALUES (?,?,?)`,
		nullable(e.RunID), e.AmountUSD, e.TS)
	return err
}

// SumCostSince totals entries at or after since (all entries when since
// is empty) and reports how many rows contributed.
func (r Repo) SumCostSince(ctx context.Context, since string) (float64, int, error) {
	query := `SELECT COALESCE(SUM(amount_usd),0), COUNT(*) FROM cost_entries`
	var args []any
	if since != "" {
		query += ` WHERE ts>=?`
		args = append(args, since)
	}
	var total float64
	var count int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&total, &count)
	return total, count, err
}

func (r Repo) ListCostEntries(ctx context.Context, runID string, limit int) ([]domain.CostEntry, error) {
	query := `SELECT id,COALESCE(run_id,''),amount_usd,ts FROM cost_entries WHERE 1=1`
	var args []any
	if runID != "" {
		query += " AND run_id=?"
		args = append(args, runID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CostEntry
	for rows.Next() {
		var e domain.CostEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.AmountUSD, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
