package store

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

type Stage string

const (
	StageFast       Stage = "fast"
	StageBackground Stage = "background"
)

// ResolutionState tracks one rendition of a job.
type ResolutionState struct {
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
}

type JobError struct {
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Job is the durable unit of work and the single source of truth for
// user-visible transcode state.
type Job struct {
	JobID            string                     `json:"job_id"`
	OriginalFilename string                     `json:"original_filename"`
	OriginalSize     int64                      `json:"original_size"`
	MimeType         string                     `json:"mime_type"`
	RawObjectKey     string                     `json:"raw_object_key"`
	OutputPrefix     string                     `json:"output_prefix"`
	Status           Status                     `json:"status"`
	Stage            Stage                      `json:"stage"`
	Progress         int                        `json:"progress"`
	PerResolution    map[string]ResolutionState `json:"per_resolution,omitempty"`
	Attempts         int                        `json:"attempts"`
	MaxAttempts      int                        `json:"max_attempts"`
	HLSMasterURL     string                     `json:"hls_master_url,omitempty"`
	Error            *JobError                  `json:"error,omitempty"`
	CorrelationID    string                     `json:"correlation_id,omitempty"`
	CreatedAt        time.Time                  `json:"created_at"`
	QueuedAt         *time.Time                 `json:"queued_at,omitempty"`
	StartedAt        *time.Time                 `json:"started_at,omitempty"`
	CompletedAt      *time.Time                 `json:"completed_at,omitempty"`
	FailedAt         *time.Time                 `json:"failed_at,omitempty"`
}

// Patch is a partial update of a Job. Nil fields are left untouched.
// Progress never moves backwards; IncrementAttempts is a monotonic
// increment rather than a set.
type Patch struct {
	Status            *Status
	Progress          *int
	PerResolution     map[string]ResolutionState
	IncrementAttempts bool
	HLSMasterURL      *string
	Error             *JobError
	ClearError        bool
	QueuedAt          *time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	FailedAt          *time.Time
}

type Filter struct {
	Status *Status
	Limit  int
	Offset int
}
