// Package draft runs the drafting/review loop for one run, bounded by
// the guardrail evaluator and the cost tracker.
package draft

import (
	"context"
	"fmt"
	"time"

	"runway/internal/cost"
	"runway/internal/domain"
	"runway/internal/guardrail"
)

// SourceMaterial is a trigger's raw input to the drafting function.
type SourceMaterial struct {
	TriggerType domain.TriggerType `json:"trigger_type"`
	Text        string             `json:"text"`
	Citations   []domain.SourceCitation `json:"citations,omitempty"`
	// Feedback accumulates review findings fed back into re-drafts.
	Feedback []string `json:"feedback,omitempty"`
	// SummaryOnly asks the drafter for extraction/summarization only.
	SummaryOnly bool `json:"summary_only"`
}

// Result of one drafting call.
type Result struct {
	Draft      domain.CanonicalDraft
	TokenUsage domain.TokenUsage
	Confidence float64
}

// Drafter is the external drafting collaborator. Treated as opaque: one
// call produces a draft, a token-usage figure and a confidence score.
type Drafter interface {
	Draft(ctx context.Context, source SourceMaterial) (Result, error)
}

// Outcome of the loop.
type Outcome string

const (
	// Done means a draft was accepted, either passing review or
	// accepted as-is when the iteration cap ran out mid-review.
	Done Outcome = "done"
	// Aborted means the iteration cap was hit with no acceptable draft.
	Aborted Outcome = "aborted"
	// Failed means the drafting function exhausted its retry budget.
	Failed Outcome = "failed"
)

// LoopResult is what the orchestrator consumes.
type LoopResult struct {
	Outcome    Outcome
	Draft      domain.CanonicalDraft
	Iterations int
	Usage      domain.TokenUsage
	Err        error
}

// Loop drives DRAFTING -> REVIEWING until done, aborted or failed.
type Loop struct {
	Drafter   Drafter
	Evaluator guardrail.Evaluator
	Tracker   cost.Tracker
	Now       func() time.Time
}

func NewLoop(d Drafter, e guardrail.Evaluator, t cost.Tracker) Loop {
	return Loop{Drafter: d, Evaluator: e, Tracker: t, Now: time.Now}
}

func (l Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Run executes the loop for one run. Each pass drafts (with in-loop LLM
// retries, distinct from queue retries), records cost, then reviews.
// A cost-tracker degrade signal skips review entirely: the next draft
// pass is summary-only and accepted as-is. The budget is consulted both
// before a pass and after recording its cost, so a run that is already
// over budget never spends a full-quality call.
func (l Loop) Run(ctx context.Context, runID string, source SourceMaterial) LoopResult {
	var total domain.TokenUsage
	iterations := 0

	for {
		if l.Evaluator.CheckIterationCap(iterations) == guardrail.Abort {
			return LoopResult{Outcome: Aborted, Iterations: iterations,
				Usage: total, Err: fmt.Errorf("iteration cap reached after %d iterations", iterations)}
		}
		iterations++

		if !source.SummaryOnly {
			spent, err := l.Tracker.GetTotalCost(ctx, time.Time{})
			if err != nil {
				return LoopResult{Outcome: Failed, Iterations: iterations, Usage: total, Err: err}
			}
			if l.Tracker.ShouldDegrade(spent.EstimatedCostUSD) {
				source.SummaryOnly = true
			}
		}

		res, err := l.draftWithRetries(ctx, source)
		if err != nil {
			return LoopResult{Outcome: Failed, Iterations: iterations, Usage: total, Err: err}
		}
		total.PromptTokens += res.TokenUsage.PromptTokens
		total.CompletionTokens += res.TokenUsage.CompletionTokens
		total.TotalTokens += res.TokenUsage.TotalTokens
		if err := l.Tracker.Record(ctx, runID, res.TokenUsage); err != nil {
			return LoopResult{Outcome: Failed, Iterations: iterations, Usage: total,
				Err: fmt.Errorf("record cost: %w", err)}
		}

		d := res.Draft
		d.RunID = runID
		d.Confidence = res.Confidence
		d.CreatedAt = l.now().UTC().Format(time.RFC3339)

		if source.SummaryOnly {
			d.SummaryOnly = true
			return LoopResult{Outcome: Done, Draft: d, Iterations: iterations, Usage: total}
		}

		spent, err := l.Tracker.GetTotalCost(ctx, time.Time{})
		if err != nil {
			return LoopResult{Outcome: Failed, Iterations: iterations, Usage: total, Err: err}
		}
		if l.Tracker.ShouldDegrade(spent.EstimatedCostUSD) {
			// Skip reviewing; redraft once in summary-only mode.
			source.SummaryOnly = true
			continue
		}

		if l.Evaluator.CheckConfidence(res.Confidence) == guardrail.Pass {
			return LoopResult{Outcome: Done, Draft: d, Iterations: iterations, Usage: total}
		}
		// Failed review: loop back to drafting with feedback, unless the
		// cap says the next iteration may not start.
		source.Feedback = append(source.Feedback,
			fmt.Sprintf("confidence %.2f below threshold on iteration %d", res.Confidence, iterations))
	}
}

// DraftingError marks exhaustion of the in-loop retry budget. It is the
// caller's cue to settle the run instead of redispatching the job: the
// retry budget has already been spent, and a queue retry would spend it
// again.
type DraftingError struct {
	Cause error
}

func (e *DraftingError) Error() string {
	return fmt.Sprintf("drafting failed after retry budget: %v", e.Cause)
}

func (e *DraftingError) Unwrap() error { return e.Cause }

// draftWithRetries retries the drafting function up to the LLM retry
// limit. Queue-level retries cover dispatch failures, not these.
func (l Loop) draftWithRetries(ctx context.Context, source SourceMaterial) (Result, error) {
	var lastErr error
	for retry := 0; l.Evaluator.CheckRetryBudget(retry) == guardrail.Allow; retry++ {
		res, err := l.Drafter.Draft(ctx, source)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return Result{}, &DraftingError{Cause: lastErr}
}
