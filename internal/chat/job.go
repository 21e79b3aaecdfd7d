package chat

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobCancelling JobStatus = "cancelling"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// ActiveStatuses are the non-terminal states.
var ActiveStatuses = []JobStatus{JobQueued, JobRunning, JobCancelling}

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// CancelRequested reports whether a stop request has been recorded.
func (s JobStatus) CancelRequested() bool {
	return s == JobCancelled || s == JobCancelling
}

const (
	// ProgressClaimed is written the moment a worker picks the job up.
	ProgressClaimed = 0.05
	// ProgressRetrying is held while a transient failure waits for its retry.
	ProgressRetrying = 0.1
	ProgressDone     = 1.0
)

type JobPayload struct {
	Message     string       `json:"message"`
	Author      string       `json:"author,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ThreadID    string       `json:"thread_id"`
	SessionID   string       `json:"session_id,omitempty"`
}

type JobResult struct {
	Response    string       `json:"response"`
	Attachments []Attachment `json:"attachments,omitempty"`
	MessageID   uint64       `json:"message_id,omitempty"`
}

type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID      uint64 `gorm:"index;not null;index:uniq_job_user_idempo,unique,priority:1"`
	ThreadID    string `gorm:"size:26;index;not null"`
	TeammateKey string `gorm:"type:varchar(64);not null"`
	SessionID   string `gorm:"type:varchar(64)"`

	// "<thread>:<teammate>" while the job is active, NULL once terminal. The unique
	// index keeps a single active job per (thread, teammate) across API replicas.
	ActiveKey *string `gorm:"type:varchar(128);uniqueIndex"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_user_idempo,unique,priority:2"`

	Status   JobStatus `gorm:"type:varchar(16);index;not null"`
	Progress float64   `gorm:"not null;default:0"`
	Attempts int       `gorm:"not null;default:0"`

	Payload datatypes.JSONType[JobPayload]
	Result  datatypes.JSONType[JobResult]
	Error   *string `gorm:"type:text"`

	// ClaimToken identifies the worker turn that holds a running job. It is cleared
	// when the job is parked for a retry or finishes.
	ClaimToken *string `gorm:"type:varchar(32)"`

	LastTransientError *string `gorm:"type:text"`
	LastStage          string  `gorm:"type:varchar(64)"`
	LastStatusMessage  string  `gorm:"type:varchar(255)"`
	LastStatusAt       *time.Time
	CancelRequestedAt  *time.Time
	CancelRequestedBy  *uint64

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Claim is what a worker presents to take a job. A running job whose last sign of
// life is older than StaleBefore may be taken over; zero disables takeover.
type Claim struct {
	Token       string
	StaleBefore time.Time
}

func ActiveKeyFor(threadID, teammateKey string) string {
	return threadID + ":" + teammateKey
}
