package domain

// Queue names. Jobs live in exactly one queue; dead-lettered jobs are
// moved to QueueDeadLetter and never automatically retried from there.
const (
	QueueInbound    = "inbound"
	QueueOutbound   = "outbound"
	QueueDeadLetter = "dead_letter"
)

// JobStatus is the queue-side lifecycle of a job.
type JobStatus string

const (
	JobQueued       JobStatus = "queued"
	JobRunning      JobStatus = "running"
	JobCompleted    JobStatus = "completed"
	JobCanceled     JobStatus = "canceled"
	JobDeadLettered JobStatus = "dead_lettered"
)

// JobKind identifies the stage a job advances.
type JobKind string

const (
	JobRunTrigger    JobKind = "run.trigger"    // inbound: start or advance the drafting loop
	JobRunResume     JobKind = "run.resume"     // inbound: apply a human decision to a suspended run
	JobActionExecute JobKind = "action.execute" // outbound: perform the external tracker call
)

// Job is a unit of deferred or retried work. Owned exclusively by the
// queue until dispatched.
type Job struct {
	ID          string      `json:"id"`
	Queue       string      `json:"queue"`
	Kind        JobKind     `json:"kind"`
	RunID       string      `json:"run_id,omitempty"`
	TriggerType TriggerType `json:"trigger_type,omitempty"`
	Payload     string      `json:"payload_json"`
	Status      JobStatus   `json:"status"`
	Attempt     int         `json:"attempt"`
	ScheduledAt string      `json:"scheduled_at" format:"date-time"`
	LastError   string      `json:"last_error,omitempty"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
}

// JobAttempt is one entry in a job's attempt history, preserved for
// dead-letter postmortems.
type JobAttempt struct {
	JobID      string `json:"job_id"`
	Attempt    int    `json:"attempt"`
	StartedAt  string `json:"started_at" format:"date-time"`
	FinishedAt string `json:"finished_at" format:"date-time"`
	Error      string `json:"error,omitempty"`
}
