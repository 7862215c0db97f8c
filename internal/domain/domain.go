package domain

// TriggerType identifies the business event that started a run.
type TriggerType string

const (
	TriggerChatEvent      TriggerType = "CHAT_EVENT"
	TriggerDocumentUpload TriggerType = "DOCUMENT_UPLOAD"
	TriggerManualReview   TriggerType = "MANUAL_REVIEW"
	TriggerScheduled      TriggerType = "SCHEDULED"
)

// ValidTriggerType reports whether t is a known trigger type.
func ValidTriggerType(t TriggerType) bool {
	switch t {
	case TriggerChatEvent, TriggerDocumentUpload, TriggerManualReview, TriggerScheduled:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of an AgentRun. The first five are
// in-progress states; the last four are terminal.
type RunStatus string

const (
	RunCreated          RunStatus = "CREATED"
	RunDraftingLoop     RunStatus = "DRAFTING_LOOP"
	RunAwaitingApproval RunStatus = "AWAITING_APPROVAL"
	RunExecuting        RunStatus = "EXECUTING"

	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
	RunAborted RunStatus = "ABORTED"
	RunTimeout RunStatus = "TIMEOUT"
)

// Terminal reports whether s is a terminal run status. A run with a
// terminal status is never mutated again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunAborted, RunTimeout:
		return true
	}
	return false
}

// TokenUsage records prompt/completion token counts from a drafting call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AgentRun is one end-to-end execution from trigger to terminal outcome.
type AgentRun struct {
	ID           string      `json:"id"`
	GraphVersion string      `json:"graph_version"`
	TriggerType  TriggerType `json:"trigger_type"`
	Status       RunStatus   `json:"status"`
	Iterations   int         `json:"iterations"`
	Degraded     bool        `json:"degraded"`
	TokenUsage   *TokenUsage `json:"token_usage,omitempty"`
	Error        string      `json:"error,omitempty"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
	UpdatedAt    string      `json:"updated_at" format:"date-time"`
}

// CitationType classifies the provenance of a SourceCitation.
type CitationType string

const (
	CitationChatMessage    CitationType = "CHAT_MESSAGE"
	CitationMeetingMinutes CitationType = "MEETING_MINUTES"
	CitationExternalIssue  CitationType = "EXTERNAL_ISSUE"
	CitationManualDoc      CitationType = "MANUAL_DOC"
)

// SourceCitation is a provenance record attached to a draft or decision.
// Never mutated after creation.
type SourceCitation struct {
	Type       CitationType `json:"type"`
	LocatorURL string       `json:"locator_url"`
	Identifier string       `json:"identifier"`
}

// Priority of a proposed action, P0 (highest) to P3.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// CanonicalDraft is the normalized representation of a proposed action.
// Immutable once an approval has been requested for it.
type CanonicalDraft struct {
	RunID              string           `json:"run_id"`
	ProjectKey         string           `json:"project_key"`
	IssueType          string           `json:"issue_type"`
	Summary            string           `json:"summary"`
	DescriptionMd      string           `json:"description_md,omitempty"`
	AcceptanceCriteria []string         `json:"acceptance_criteria,omitempty"`
	Priority           Priority         `json:"priority,omitempty"`
	Labels             []string         `json:"labels,omitempty"`
	Components         []string         `json:"components,omitempty"`
	DueDate            string           `json:"due_date,omitempty"` // YYYY-MM-DD
	Links              []string         `json:"links,omitempty"`
	Citations          []SourceCitation `json:"citations,omitempty"`
	Confidence         float64          `json:"confidence"`
	SummaryOnly        bool             `json:"summary_only"`       // degraded-summary run
	ApprovalDisabled   bool             `json:"approval_disabled"`  // citation policy draft_only with no citations
	CreatedAt          string           `json:"created_at" format:"date-time"`
}

// ApprovalType is the external operation an approval would authorize.
type ApprovalType string

const (
	ApprovalCreate     ApprovalType = "CREATE"
	ApprovalUpdate     ApprovalType = "UPDATE"
	ApprovalTransition ApprovalType = "TRANSITION"
)

// ApprovalStatus transitions exactly once from PENDING to one terminal state.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// Terminal reports whether s is a settled approval status.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// ApprovalChannel is where the human decision is collected.
type ApprovalChannel string

const (
	ChannelChat      ApprovalChannel = "CHAT"
	ChannelDashboard ApprovalChannel = "DASHBOARD"
)

// Approval suspends a run awaiting a human decision, with expiry.
type Approval struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Type        ApprovalType    `json:"type"`
	Status      ApprovalStatus  `json:"status"`
	RequesterID string          `json:"requester_id"`
	Channel     ApprovalChannel `json:"channel"`
	ActionJSON  string          `json:"action_json,omitempty"`
	DecidedBy   string          `json:"decided_by,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	ExpiresAt   string          `json:"expires_at" format:"date-time"`
	ResolvedAt  *string         `json:"resolved_at,omitempty" format:"date-time"`
}

// DecisionStatus is the lifecycle of a ratified outcome.
type DecisionStatus string

const (
	DecisionProposed   DecisionStatus = "PROPOSED"
	DecisionFinal      DecisionStatus = "FINAL"
	DecisionRevoked    DecisionStatus = "REVOKED"
	DecisionSuperseded DecisionStatus = "SUPERSEDED"
)

// DecisionCreator distinguishes human from machine-created decisions.
type DecisionCreator string

const (
	CreatorHuman DecisionCreator = "HUMAN"
	CreatorAI    DecisionCreator = "AI"
)

// Decision is a durable record of a ratified outcome. Superseded or
// revoked by later decisions, never deleted.
type Decision struct {
	ID           string           `json:"id"`
	RunID        string           `json:"run_id,omitempty"`
	Title        string           `json:"title"`
	Summary      string           `json:"summary,omitempty"`
	Status       DecisionStatus   `json:"status"`
	ValidFrom    string           `json:"valid_from,omitempty" format:"date-time"`
	ValidUntil   string           `json:"valid_until,omitempty" format:"date-time"`
	Sources      []SourceCitation `json:"sources,omitempty"`
	ImpactAreas  []string         `json:"impact_areas,omitempty"`
	Creator      DecisionCreator  `json:"creator"`
	SupersededBy string           `json:"superseded_by,omitempty"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
}

// CostEntry is one row in the append-only cost ledger.
type CostEntry struct {
	ID        int64   `json:"id"`
	RunID     string  `json:"run_id,omitempty"`
	AmountUSD float64 `json:"amount_usd"`
	TS        string  `json:"ts" format:"date-time"`
}

// Event is an append-only audit record of a state change.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates an external collaborator (dashboard, chat bridge).
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
