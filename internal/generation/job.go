package generation

import "time"

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a job in this status has finished its lifecycle.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank maps a priority to a numeric column so ORDER BY works the same on
// MySQL and SQLite.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type JobType string

const (
	TypeSingle    JobType = "single"
	TypeCharacter JobType = "character"
	TypeBatch     JobType = "batch"
)

// MaxBatchRequests caps how many sub-requests one batch job may carry.
const MaxBatchRequests = 4

// SingleRequest is one prompt inside a batch.
type SingleRequest struct {
	Prompt string `json:"prompt"`
}

type SinglePayload struct {
	Prompt string `json:"prompt"`
}

type CharacterSpecs struct {
	Name   string            `json:"name"`
	Style  string            `json:"style,omitempty"`
	Traits map[string]string `json:"traits,omitempty"`
}

type CharacterPayload struct {
	CharacterID string         `json:"character_id"`
	Specs       CharacterSpecs `json:"specs"`
}

type BatchPayload struct {
	BatchID           string          `json:"batch_id"`
	Requests          []SingleRequest `json:"requests"`
	TotalRequests     int             `json:"total_requests"`
	CompletedRequests int             `json:"completed_requests"`
	FailedRequests    int             `json:"failed_requests"`
}

type Progress struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// JobError is the failure recorded on a job, with a retryable hint for
// whoever decides on resubmission.
type JobError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryCount int    `json:"retry_count"`
}

// Result is one provider output attached to a completed job.
type Result struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Job is one unit of requested generation work. The variant is selected by
// Type; exactly one of Single, Character, Batch is non-nil, enforced at
// admission so consumers can switch on Type without shape-guessing.
type Job struct {
	ID     string  `gorm:"primaryKey;size:26" json:"id"` // ULID length
	UserID *string `gorm:"size:64;index" json:"user_id,omitempty"`

	Type         JobType   `gorm:"type:varchar(16);not null" json:"type"`
	Status       JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	Priority     Priority  `gorm:"type:varchar(16);not null" json:"priority"`
	PriorityRank int       `gorm:"index;not null" json:"-"`

	Single    *SinglePayload    `gorm:"serializer:json;type:text" json:"single,omitempty"`
	Character *CharacterPayload `gorm:"serializer:json;type:text" json:"character,omitempty"`
	Batch     *BatchPayload     `gorm:"serializer:json;type:text" json:"batch,omitempty"`

	Progress *Progress `gorm:"serializer:json;type:text" json:"progress,omitempty"`
	Error    *JobError `gorm:"serializer:json;type:text" json:"error,omitempty"`
	Results  []Result  `gorm:"serializer:json;type:text" json:"results,omitempty"`

	ScheduledAt *time.Time `gorm:"index" json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "generation_jobs" }
