// Package guardrail holds the pure policy checks bounding run behavior.
// Checks never enqueue jobs or mutate run state; the orchestrator
// interprets their results.
package guardrail

import (
	"runway/internal/config"
	"runway/internal/domain"
)

// Verdict of an iteration or retry budget check.
type Verdict string

const (
	Allow Verdict = "allow"
	Abort Verdict = "abort"
)

// ConfidenceResult of a confidence check. Fail triggers another review
// iteration rather than an abort.
type ConfidenceResult string

const (
	Pass ConfidenceResult = "pass"
	Fail ConfidenceResult = "fail"
)

// CitationResult of the citation policy check.
type CitationResult string

const (
	CitationsOK      CitationResult = "ok"
	CitationsBlocked CitationResult = "blocked"
	// CitationsDraftOnly permits draft creation but disables approval.
	CitationsDraftOnly CitationResult = "allowed_draft_only"
)

// Evaluator is a stateless function set over the guardrails
// configuration and run-local counters.
type Evaluator struct {
	cfg config.Guardrails
}

func New(cfg config.Guardrails) Evaluator {
	return Evaluator{cfg: cfg}
}

// CheckIterationCap aborts once iterationCount reaches the cap.
func (e Evaluator) CheckIterationCap(iterationCount int) Verdict {
	if iterationCount >= e.cfg.MaxGraphIterations {
		return Abort
	}
	return Allow
}

// CheckRetryBudget aborts once retryCount exceeds the LLM retry limit.
func (e Evaluator) CheckRetryBudget(retryCount int) Verdict {
	if retryCount > e.cfg.LLMRetryLimit {
		return Abort
	}
	return Allow
}

// CheckConfidence fails when score is below the configured threshold.
func (e Evaluator) CheckConfidence(score float64) ConfidenceResult {
	if score < e.cfg.ConfidenceThreshold {
		return Fail
	}
	return Pass
}

// CheckCitations applies the no-source-citation policy to a draft.
// Blocked only when the policy is block and the draft has no citations.
func (e Evaluator) CheckCitations(draft domain.CanonicalDraft) CitationResult {
	if len(draft.Citations) > 0 {
		return CitationsOK
	}
	if e.cfg.NoSourceCitationPolicy == config.CitationBlock {
		return CitationsBlocked
	}
	return CitationsDraftOnly
}
