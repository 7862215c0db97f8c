// Package executor translates an approved canonical draft into a single
// operation against the external issue tracker.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"runway/internal/domain"
	"runway/internal/events"
	"runway/internal/repo"
	"runway/internal/tracker"
)

// Action is the stage-specific payload of an action.execute job.
type Action struct {
	Type domain.ApprovalType `json:"type"`
	// IssueKey targets UPDATE and TRANSITION operations.
	IssueKey string `json:"issue_key,omitempty"`
	// TargetState is the human-readable workflow state for TRANSITION.
	TargetState string `json:"target_state,omitempty"`
}

// ParseAction decodes and validates an action payload.
func ParseAction(raw string) (Action, error) {
	var a Action
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return a, fmt.Errorf("malformed action payload: %w", err)
	}
	switch a.Type {
	case domain.ApprovalCreate:
	case domain.ApprovalUpdate, domain.ApprovalTransition:
		if a.IssueKey == "" {
			return a, fmt.Errorf("action %s requires issue_key", a.Type)
		}
		if a.Type == domain.ApprovalTransition && a.TargetState == "" {
			return a, fmt.Errorf("action TRANSITION requires target_state")
		}
	default:
		return a, fmt.Errorf("unknown action type %q", a.Type)
	}
	return a, nil
}

// Result of a successful execution.
type Result struct {
	Issue    tracker.IssueRef
	Decision domain.Decision
}

// Executor performs exactly one external call per approved action. It
// never retries internally: external failures propagate so the job
// queue's backoff policy governs recovery, keeping scheduling
// single-sourced.
type Executor struct {
	Client      tracker.Client
	Transitions tracker.Transitions
	Repo        repo.Repo
	Events      events.Writer
	Now         func() time.Time
}

func New(c tracker.Client, t tracker.Transitions, r repo.Repo, w events.Writer) Executor {
	return Executor{Client: c, Transitions: t, Repo: r, Events: w, Now: time.Now}
}

func (e Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Execute maps the draft onto external fields (best-effort projection),
// performs the single tracker call, and records a Decision for the
// ratified outcome.
func (e Executor) Execute(ctx context.Context, run domain.AgentRun, draft domain.CanonicalDraft, action Action) (Result, error) {
	var res Result
	switch action.Type {
	case domain.ApprovalCreate:
		ref, err := e.Client.CreateIssue(ctx, tracker.BuildFields(draft))
		if err != nil {
			return res, err
		}
		res.Issue = ref
	case domain.ApprovalUpdate:
		if err := e.Client.UpdateIssue(ctx, action.IssueKey, tracker.BuildFields(draft)); err != nil {
			return res, err
		}
		res.Issue = tracker.IssueRef{Key: action.IssueKey}
	case domain.ApprovalTransition:
		// Resolve before calling out: a missing mapping fails
		// immediately with no external call, since retrying cannot fix
		// it.
		id, err := e.Transitions.Lookup(draft.ProjectKey, action.TargetState)
		if err != nil {
			return res, err
		}
		if err := e.Client.TransitionIssue(ctx, action.IssueKey, id); err != nil {
			return res, err
		}
		res.Issue = tracker.IssueRef{Key: action.IssueKey}
	default:
		return res, fmt.Errorf("unknown action type %q", action.Type)
	}

	decision, err := e.recordDecision(ctx, run, draft, action, res.Issue)
	if err != nil {
		return res, err
	}
	res.Decision = decision
	return res, nil
}

func (e Executor) recordDecision(ctx context.Context, run domain.AgentRun, draft domain.CanonicalDraft, action Action, issue tracker.IssueRef) (domain.Decision, error) {
	now := e.now().UTC().Format(time.RFC3339)
	d := domain.Decision{
		ID:          uuid.New().String(),
		RunID:       run.ID,
		Title:       draft.Summary,
		Summary:     fmt.Sprintf("%s %s via %s trigger", action.Type, issueLabel(action, issue), run.TriggerType),
		Status:      domain.DecisionFinal,
		ValidFrom:   now,
		Sources:     draft.Citations,
		ImpactAreas: draft.Components,
		Creator:     domain.CreatorAI,
		CreatedAt:   now,
	}
	tx, err := e.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return d, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDecision(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "decision.recorded", run.ID, "decision", d.ID, "executor", events.EventPayload{
		"issue_key": issue.Key,
		"action":    string(action.Type),
	}); err != nil {
		return d, err
	}
	return d, tx.Commit()
}

func issueLabel(action Action, issue tracker.IssueRef) string {
	if issue.Key != "" {
		return issue.Key
	}
	return action.IssueKey
}
