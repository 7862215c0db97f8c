// Package approval implements the suspension/resumption boundary
// awaiting a human decision. Suspension is durable state, not a blocked
// goroutine: the worker checkpoints and returns, and a later decision
// event resumes the run on any worker.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"runway/internal/config"
	"runway/internal/domain"
	"runway/internal/events"
	"runway/internal/repo"
)

// DecisionPayload is the resumption event body. Anything that does not
// decode to an object with a boolean approved field is treated as a
// rejection (fail closed).
type DecisionPayload struct {
	Approved bool    `json:"approved"`
	ID       *string `json:"id,omitempty"`
}

// ParseDecision decodes a raw resumption payload. ok is false for
// malformed payloads, which callers must treat as rejection and log.
func ParseDecision(raw []byte) (DecisionPayload, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return DecisionPayload{}, false
	}
	rawApproved, present := probe["approved"]
	if !present {
		return DecisionPayload{}, false
	}
	var approved bool
	if err := json.Unmarshal(rawApproved, &approved); err != nil {
		return DecisionPayload{}, false
	}
	var p DecisionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return DecisionPayload{}, false
	}
	return p, true
}

// Resolution of a resumption attempt.
type Resolution string

const (
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
	ResolutionExpired  Resolution = "expired"
	// ResolutionNoop means the approval was already terminal; reported
	// but nothing re-mutated.
	ResolutionNoop Resolution = "noop"
)

// Gate creates and resolves approvals against the durable store.
type Gate struct {
	Repo   repo.Repo
	Events events.Writer
	Cfg    config.Guardrails
	Now    func() time.Time
}

func NewGate(r repo.Repo, w events.Writer, cfg config.Guardrails) Gate {
	return Gate{Repo: r, Events: w, Cfg: cfg, Now: time.Now}
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Request creates a PENDING approval for the run inside the caller's
// transaction. The run's execution context (run + draft) must already
// be persisted by the caller; together with actionJSON they form the
// checkpoint a later resumption event restores from.
func (g Gate) Request(ctx context.Context, tx *sql.Tx, runID string, typ domain.ApprovalType, requesterID string, channel domain.ApprovalChannel, actionJSON string) (domain.Approval, error) {
	now := g.now().UTC()
	a := domain.Approval{
		ID:          uuid.New().String(),
		RunID:       runID,
		Type:        typ,
		Status:      domain.ApprovalPending,
		RequesterID: requesterID,
		Channel:     channel,
		ActionJSON:  actionJSON,
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   now.Add(time.Duration(g.Cfg.ApprovalExpiryHours) * time.Hour).Format(time.RFC3339),
	}
	if err := g.Repo.InsertApproval(ctx, tx, a); err != nil {
		return a, err
	}
	if err := g.Events.Append(ctx, tx, "approval.requested", runID, "approval", a.ID, requesterID, events.EventPayload{
		"type":       string(typ),
		"expires_at": a.ExpiresAt,
	}); err != nil {
		return a, err
	}
	return a, nil
}

// Expired reports whether the approval's expiry is at or before now.
func (g Gate) Expired(a domain.Approval) bool {
	exp, err := time.Parse(time.RFC3339, a.ExpiresAt)
	if err != nil {
		return true
	}
	return !g.now().UTC().Before(exp)
}

// Resolve honors exactly one decision per approval. An expired approval
// discards the decision and settles EXPIRED; an already-terminal one is
// a no-op. The update is guarded by status=PENDING so two concurrent
// resumptions cannot both win.
func (g Gate) Resolve(ctx context.Context, tx *sql.Tx, a domain.Approval, approved bool, decidedBy string) (Resolution, error) {
	if a.Status.Terminal() {
		return ResolutionNoop, nil
	}
	nowStr := g.now().UTC().Format(time.RFC3339)

	target := domain.ApprovalRejected
	res := ResolutionRejected
	evt := "approval.rejected"
	if g.Expired(a) {
		target = domain.ApprovalExpired
		res = ResolutionExpired
		evt = "approval.expired"
	} else if approved {
		target = domain.ApprovalApproved
		res = ResolutionApproved
		evt = "approval.approved"
	}

	won, err := g.Repo.ResolveApproval(ctx, tx, a.ID, target, decidedBy, nowStr)
	if err != nil {
		return res, err
	}
	if !won {
		return ResolutionNoop, nil
	}
	if err := g.Events.Append(ctx, tx, evt, a.RunID, "approval", a.ID, decidedBy, events.EventPayload{
		"status": string(target),
	}); err != nil {
		return res, err
	}
	return res, nil
}

// Cancel force-expires a PENDING approval, bypassing the time check.
// Used for operator-triggered run cancellation.
func (g Gate) Cancel(ctx context.Context, tx *sql.Tx, a domain.Approval, actorID string) (bool, error) {
	if a.Status.Terminal() {
		return false, nil
	}
	nowStr := g.now().UTC().Format(time.RFC3339)
	won, err := g.Repo.ResolveApproval(ctx, tx, a.ID, domain.ApprovalExpired, actorID, nowStr)
	if err != nil || !won {
		return won, err
	}
	return true, g.Events.Append(ctx, tx, "approval.canceled", a.RunID, "approval", a.ID, actorID, events.EventPayload{})
}
