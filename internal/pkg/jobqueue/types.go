package jobqueue

import (
	"time"

	"github.com/google/uuid"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeWebhookProcess JobType = "webhook_process"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusProcessing   JobStatus = "processing"
	JobStatusCompleted    JobStatus = "completed"
	JobStatusFailed       JobStatus = "failed"
	JobStatusRetrying     JobStatus = "retrying"
	JobStatusDeadLettered JobStatus = "dead_lettered"
)

const (
	// Redis key prefixes
	JobKeyPrefix       = "webhook:job:"
	JobQueueKey        = "webhook:job_queue"
	JobProcessingKey   = "webhook:job_processing"
	JobDelayedKey      = "webhook:job_delayed"
	JobDedupeKeyPrefix = "webhook:job_key:"
	JobStatsKey        = "webhook:job_stats"

	// Job settings
	DefaultMaxAttempts = 5
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffCap  = 5 * time.Minute
	JobTTL             = 24 * time.Hour // Jobs expire after 24 hours
	// DedupeTTL bounds how long an orphaned dedupe key can block re-enqueues
	// if a crash happens between removing the job and removing the key.
	DedupeTTL = 24 * time.Hour
)

// Job wraps an idempotency key with attempt bookkeeping. The durable source
// of truth is the WebhookEvent row; the job only drives scheduling, so losing
// queue state never loses an event.
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Key         string                 `json:"key"` // idempotency key: provider:provider_event_id
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ScheduledAt *time.Time             `json:"scheduled_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxAttempts int                    `json:"max_attempts"`
}

// NewJob creates a pending job for the given idempotency key.
func NewJob(jobType JobType, key string, payload map[string]interface{}) *Job {
	now := time.Now()
	return &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Key:         key,
		Status:      JobStatusPending,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// IsRetryable checks if the job has attempts left
func (j *Job) IsRetryable() bool {
	return j.RetryCount < j.MaxAttempts
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed records the failed attempt and increments the attempt counter
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying schedules the next attempt after the backoff delay
func (j *Job) MarkAsRetrying() {
	now := time.Now()
	next := now.Add(BackoffDelay(j.RetryCount))
	j.Status = JobStatusRetrying
	j.UpdatedAt = now
	j.ScheduledAt = &next
}

// MarkAsDeadLettered updates the job status to dead-lettered
func (j *Job) MarkAsDeadLettered(errorMsg string) {
	j.Status = JobStatusDeadLettered
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
}

// BackoffDelay returns base * 2^(attempt-1) capped at DefaultBackoffCap.
// attempt is 1-indexed: the delay before retrying after the attempt-th
// failure.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := DefaultBackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= DefaultBackoffCap {
			return DefaultBackoffCap
		}
	}
	if delay > DefaultBackoffCap {
		return DefaultBackoffCap
	}
	return delay
}
