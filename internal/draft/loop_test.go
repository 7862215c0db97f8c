package draft_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"runway/internal/config"
	"runway/internal/cost"
	"runway/internal/db"
	"runway/internal/domain"
	"runway/internal/draft"
	"runway/internal/guardrail"
	"runway/internal/migrate"
	"runway/internal/repo"
)

// scriptedDrafter returns canned results in sequence and records the
// source material it saw on each call.
type scriptedDrafter struct {
	results []draft.Result
	errs    []error
	calls   int
	seen    []draft.SourceMaterial
}

func (s *scriptedDrafter) Draft(ctx context.Context, source draft.SourceMaterial) (draft.Result, error) {
	i := s.calls
	s.calls++
	s.seen = append(s.seen, source)
	if i < len(s.errs) && s.errs[i] != nil {
		return draft.Result{}, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	if len(s.results) > 0 {
		return s.results[len(s.results)-1], nil
	}
	return draft.Result{}, errors.New("no scripted result")
}

func testGuardrails() config.Guardrails {
	return config.Guardrails{
		MaxGraphIterations:     5,
		LLMRetryLimit:          2,
		ConfidenceThreshold:    0.7,
		CostBudgetPerSprintUSD: 10,
		ApprovalExpiryHours:    48,
		NoSourceCitationPolicy: config.CitationDraftOnly,
		CostExceededPolicy:     config.CostDegradeToSummary,
	}
}

func newLoop(t *testing.T, d draft.Drafter, cfg config.Guardrails) draft.Loop {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := draft.NewLoop(d, guardrail.New(cfg), cost.New(repo.Repo{DB: conn}, cfg))
	l.Now = func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) }
	return l
}

func result(confidence float64, tokens int) draft.Result {
	return draft.Result{
		Draft:      domain.CanonicalDraft{ProjectKey: "OPS", IssueType: "Task", Summary: "do the thing"},
		TokenUsage: domain.TokenUsage{PromptTokens: tokens, CompletionTokens: tokens, TotalTokens: 2 * tokens},
		Confidence: confidence,
	}
}

func TestLoopAcceptsConfidentDraft(t *testing.T) {
	d := &scriptedDrafter{results: []draft.Result{result(0.9, 100)}}
	l := newLoop(t, d, testGuardrails())

	res := l.Run(context.Background(), "run-1", draft.SourceMaterial{Text: "input"})
	if res.Outcome != draft.Done {
		t.Fatalf("outcome = %v, want done (%v)", res.Outcome, res.Err)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", res.Iterations)
	}
	if res.Draft.RunID != "run-1" {
		t.Fatalf("draft run id = %q", res.Draft.RunID)
	}
	if res.Draft.Confidence != 0.9 {
		t.Fatalf("draft confidence = %v", res.Draft.Confidence)
	}
}

func TestLoopAbortsAtIterationCap(t *testing.T) {
	d := &scriptedDrafter{results: []draft.Result{result(0.5, 10)}}
	l := newLoop(t, d, testGuardrails())

	res := l.Run(context.Background(), "run-1", draft.SourceMaterial{Text: "input"})
	if res.Outcome != draft.Aborted {
		t.Fatalf("outcome = %v, want aborted", res.Outcome)
	}
	if res.Iterations != 5 {
		t.Fatalf("iterations = %d, want 5 with cap 5", res.Iterations)
	}
	if d.calls != 5 {
		t.Fatalf("drafter called %d times, want 5", d.calls)
	}
}

func TestLoopFeedsReviewFindingsBack(t *testing.T) {
	d := &scriptedDrafter{results: []draft.Result{result(0.5, 10), result(0.9, 10)}}
	l := newLoop(t, d, testGuardrails())

	res := l.Run(context.Background(), "run-1", draft.SourceMaterial{Text: "input"})
	if res.Outcome != draft.Done || res.Iterations != 2 {
		t.Fatalf("outcome=%v iterations=%d", res.Outcome, res.Iterations)
	}
	if len(d.seen) != 2 {
		t.Fatalf("drafter saw %d calls", len(d.seen))
	}
	if len(d.seen[0].Feedback) != 0 {
		t.Fatalf("first call should carry no feedback")
	}
	if len(d.seen[1].Feedback) != 1 {
		t.Fatalf("second call should carry one review finding, got %d", len(d.seen[1].Feedback))
	}
}

func TestLoopRetriesThenFails(t *testing.T) {
	boom := errors.New("upstream unavailable")
	d := &scriptedDrafter{errs: []error{boom, boom, boom, boom, boom}}
	l := newLoop(t, d, testGuardrails())

	res := l.Run(context.Background(), "run-1", draft.SourceMaterial{Text: "input"})
	if res.Outcome != draft.Failed {
		t.Fatalf("outcome = %v, want failed", res.Outcome)
	}
	// Initial call plus two retries.
	if d.calls != 3 {
		t.Fatalf("drafter called %d times, want 3", d.calls)
	}
	if !errors.Is(res.Err, boom) {
		t.Fatalf("err = %v, want wrapped cause", res.Err)
	}
	var de *draft.DraftingError
	if !errors.As(res.Err, &de) {
		t.Fatalf("err = %T, want *draft.DraftingError", res.Err)
	}
}

func TestLoopStartsSummaryOnlyWhenAlreadyOverBudget(t *testing.T) {
	cfg := testGuardrails()
	cfg.CostBudgetPerSprintUSD = 0.0001
	cfg.MaxGraphIterations = 1
	d := &scriptedDrafter{results: []draft.Result{result(0.9, 10)}}
	l := newLoop(t, d, cfg)

	// Spend from an earlier run already exceeds the budget, so the very
	// first pass must be summary-only rather than a full-quality call.
	if err := l.Tracker.Record(context.Background(), "run-0",
		domain.TokenUsage{PromptTokens: 100000, CompletionTokens: 100000, TotalTokens: 200000}); err != nil {
		t.Fatalf("record prior spend: %v", err)
	}

	res := l.Run(context.Background(), "run-1", draft.SourceMaterial{Text: "input"})
	if res.Outcome != draft.Done {
		t.Fatalf("outcome = %v, want done (%v)", res.Outcome, res.Err)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", res.Iterations)
	}
	if !res.Draft.SummaryOnly {
		t.Fatalf("draft should be summary-only")
	}
	if !d.seen[0].SummaryOnly {
		t.Fatalf("first call should request summary-only material")
	}
}

func TestLoopDegradesToSummaryOverBudget(t *testing.T) {
	cfg := testGuardrails()
	cfg.CostBudgetPerSprintUSD = 0.0001
	// Large usage so the first draft pushes spend over budget.
	d := &scriptedDrafter{results: []draft.Result{result(0.9, 100000), result(0.9, 10)}}
	l := newLoop(t, d, cfg)

	res := l.Run(context.Background(), "run-1", draft.SourceMaterial{Text: "input"})
	if res.Outcome != draft.Done {
		t.Fatalf("outcome = %v, want done (%v)", res.Outcome, res.Err)
	}
	if !res.Draft.SummaryOnly {
		t.Fatalf("degraded draft should be summary-only")
	}
	if res.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2 (full draft then degraded redraft)", res.Iterations)
	}
	if !d.seen[1].SummaryOnly {
		t.Fatalf("redraft should request summary-only material")
	}
}
