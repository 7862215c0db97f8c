package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"runway/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const runColumns = `id, graph_version, trigger_type, status, iterations, degraded,
	prompt_tokens, completion_tokens, total_tokens, COALESCE(error,'') AS error, created_at, updated_at`

func scanRun(sc interface{ Scan(...any) error }) (domain.AgentRun, error) {
	var r domain.AgentRun
	var prompt, completion, total sql.NullInt64
	err := sc.Scan(&r.ID, &r.GraphVersion, &r.TriggerType, &r.Status, &r.Iterations, &r.Degraded,
		&prompt, &completion, &total, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if total.Valid {
		r.TokenUsage = &domain.TokenUsage{
			PromptTokens:     int(prompt.Int64),
			CompletionTokens: int(completion.Int64),
			TotalTokens:      int(total.Int64),
		}
	}
	return r, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.AgentRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,graph_version,trigger_type,status,iterations,degraded,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		run.ID, run.GraphVersion, string(run.TriggerType), string(run.Status), run.Iterations, run.Degraded, run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.AgentRun, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.AgentRun, error) {
	return scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// UpdateRun persists the run's mutable fields. Terminal runs are
// immutable; the orchestrator enforces that before calling here.
func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.AgentRun) error {
	var prompt, completion, total any
	if run.TokenUsage != nil {
		prompt = run.TokenUsage.PromptTokens
		completion = run.TokenUsage.CompletionTokens
		total = run.TokenUsage.TotalTokens
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, iterations=?, degraded=?,
		prompt_tokens=?, completion_tokens=?, total_tokens=?, error=?, updated_at=? WHERE id=?`,
		string(run.Status), run.Iterations, run.Degraded, prompt, completion, total,
		nullable(run.Error), run.UpdatedAt, run.ID)
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

type RunListOptions struct {
	Status domain.RunStatus
	Limit  int
}

func (r Repo) ListRuns(ctx context.Context, opts RunListOptions) ([]domain.AgentRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
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
	var res []domain.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) UpsertDraft(ctx context.Context, tx *sql.Tx, d domain.CanonicalDraft) error {
	acceptance, err := marshalJSON(d.AcceptanceCriteria)
	if err != nil {
		return err
	}
	labels, err := marshalJSON(d.Labels)
	if err != nil {
		return err
	}
	components, err := marshalJSON(d.Components)
	if err != nil {
		return err
	}
	links, err := marshalJSON(d.Links)
	if err != nil {
		return err
	}
	citations, err := marshalJSON(d.Citations)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO drafts(run_id,project_key,issue_type,summary,description_md,
		acceptance_json,priority,labels_json,components_json,due_date,links_json,citations_json,
		confidence,summary_only,approval_disabled,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET
			project_key=excluded.project_key,
			issue_type=excluded.issue_type,
			summary=excluded.summary,
			description_md=excluded.description_md,
			acceptance_json=excluded.acceptance_json,
			priority=excluded.priority,
			labels_json=excluded.labels_json,
			components_json=excluded.components_json,
			due_date=excluded.due_date,
			links_json=excluded.links_json,
			citations_json=excluded.citations_json,
			confidence=excluded.confidence,
			summary_only=excluded.summary_only,
			approval_disabled=excluded.approval_disabled`,
		d.RunID, d.ProjectKey, d.IssueType, d.Summary, nullable(d.DescriptionMd),
		acceptance, nullable(string(d.Priority)), labels, components, nullable(d.DueDate), links, citations,
		d.Confidence, d.SummaryOnly, d.ApprovalDisabled, d.CreatedAt)
	return err
}

func (r Repo) GetDraft(ctx context.Context, runID string) (domain.CanonicalDraft, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT run_id,project_key,issue_type,summary,
		COALESCE(description_md,''),acceptance_json,COALESCE(priority,''),labels_json,components_json,
		COALESCE(due_date,''),links_json,citations_json,confidence,summary_only,approval_disabled,created_at
		FROM drafts WHERE run_id=?`, runID)
	var d domain.CanonicalDraft
	var acceptance, labels, components, links, citations sql.NullString
	var priority string
	err := row.Scan(&d.RunID, &d.ProjectKey, &d.IssueType, &d.Summary, &d.DescriptionMd,
		&acceptance, &priority, &labels, &components, &d.DueDate, &links, &citations,
		&d.Confidence, &d.SummaryOnly, &d.ApprovalDisabled, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Priority = domain.Priority(priority)
	if err := unmarshalJSON(acceptance, &d.AcceptanceCriteria); err != nil {
		return d, err
	}
	if err := unmarshalJSON(labels, &d.Labels); err != nil {
		return d, err
	}
	if err := unmarshalJSON(components, &d.Components); err != nil {
		return d, err
	}
	if err := unmarshalJSON(links, &d.Links); err != nil {
		return d, err
	}
	if err := unmarshalJSON(citations, &d.Citations); err != nil {
		return d, err
	}
	return d, nil
}

// --- helpers ---

func marshalJSON(v any) (any, error) {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case []domain.SourceCitation:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
