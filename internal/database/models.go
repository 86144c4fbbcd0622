package database

import "time"

// Status is the lifecycle state the external workflow writes into an execution row.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// ExecutionRecord is one run of the external automation workflow. Rows are
// owned by the workflow engine; this service only reads them.
type ExecutionRecord struct {
	ID        int64     `db:"id" json:"id"`
	Status    Status    `db:"status" json:"status"`
	UserEmail *string   `db:"user_email" json:"user_email"` // Filled in by the workflow some time after insert
	StartedAt time.Time `db:"started_at" json:"started_at"`
}

// Email returns the tagged user email, or "" while the row is still untagged.
func (r *ExecutionRecord) Email() string {
	if r == nil || r.UserEmail == nil {
		return ""
	}
	return *r.UserEmail
}

// ExecutionFilter narrows ListExecutions. Zero values mean "no constraint".
type ExecutionFilter struct {
	Status    Status
	Statuses  []Status
	UserEmail string
	Limit     int
}

// ExecutionUpdate is a change notification for one execution row.
type ExecutionUpdate struct {
	ID        int64   `json:"id"`
	Status    Status  `json:"status"`
	OldStatus Status  `json:"old_status,omitempty"`
	UserEmail *string `json:"user_email"` // nil when the payload carries no email
}

// Email returns the carried email, or "" when absent.
func (u ExecutionUpdate) Email() string {
	if u.UserEmail == nil {
		return ""
	}
	return *u.UserEmail
}
