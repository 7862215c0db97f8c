// Package cost maintains the append-only ledger of token-usage-derived
// spend and answers degradation queries against the sprint budget.
package cost

import (
	"context"
	"time"

	"runway/internal/config"
	"runway/internal/domain"
	"runway/internal/repo"
)

// Per-token USD rates used to derive cost from usage. Coarse by intent:
// the budget is an advisory guardrail, not billing.
const (
	promptTokenUSD     = 0.000003
	completionTokenUSD = 0.000015
)

// Tracker accumulates cost entries and answers "should we degrade".
// Appends are single-row inserts; concurrent readers may under-count an
// in-flight append, which is acceptable for an advisory budget.
type Tracker struct {
	Repo repo.Repo
	Cfg  config.Guardrails
	Now  func() time.Time
}

func New(r repo.Repo, cfg config.Guardrails) Tracker {
	return Tracker{Repo: r, Cfg: cfg, Now: time.Now}
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// UsageUSD converts token usage into a ledger amount.
func UsageUSD(u domain.TokenUsage) float64 {
	return float64(u.PromptTokens)*promptTokenUSD + float64(u.CompletionTokens)*completionTokenUSD
}

// Record appends one ledger entry derived from a drafting call's usage.
func (t Tracker) Record(ctx context.Context, runID string, usage domain.TokenUsage) error {
	return t.Repo.AppendCostEntry(ctx, domain.CostEntry{
		RunID:     runID,
		AmountUSD: UsageUSD(usage),
		TS:        t.now().UTC().Format(time.RFC3339),
	})
}

// Total reports accumulated cost and sample count. A zero since time
// sums the whole ledger.
type Total struct {
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	SampleCount      int     `json:"sample_count"`
}

func (t Tracker) GetTotalCost(ctx context.Context, since time.Time) (Total, error) {
	var cursor string
	if !since.IsZero() {
		cursor = since.UTC().Format(time.RFC3339)
	}
	sum, count, err := t.Repo.SumCostSince(ctx, cursor)
	if err != nil {
		return Total{}, err
	}
	return Total{EstimatedCostUSD: sum, SampleCount: count}, nil
}

// ShouldDegrade is true iff the cost strictly exceeds the sprint budget
// and the configured overage policy is degrade_to_summary.
func (t Tracker) ShouldDegrade(costUSD float64) bool {
	return costUSD > t.Cfg.CostBudgetPerSprintUSD && t.Cfg.CostExceededPolicy == config.CostDegradeToSummary
}

// ShouldBlock is true iff the cost strictly exceeds the sprint budget
// and the configured overage policy is block; the orchestrator aborts
// the run rather than degrading it.
func (t Tracker) ShouldBlock(costUSD float64) bool {
	return costUSD > t.Cfg.CostBudgetPerSprintUSD && t.Cfg.CostExceededPolicy == config.CostBlock
}
