// Package jobtracker tracks long-running, server-executed generation jobs from
// submission through completion, surviving process restarts and host-imposed
// background execution limits.
//
// The library provides:
//   - A durable ledger of active and completed jobs over pluggable blob stores
//     (in-memory, BadgerDB, SQLite)
//   - A per-job polling loop with a progressive interval schedule and bounded
//     retry/backoff for transient failures
//   - Reconciliation of races between the backend's status flip and its result pointer
//   - A background-execution guard held for the lifetime of each polling loop
//   - A Manager facade that is the single mutation point for job state
//
// Example usage:
//
//	store, _ := jobtracker.NewBadgerBlobStore("./jobs", logger)
//	manager, _ := jobtracker.NewManager(ctx, jobtracker.ManagerOptions{
//	    Store:     store,
//	    Status:    client,
//	    Artifacts: client,
//	    Creator:   client,
//	    Logger:    logger,
//	})
//	defer manager.Close()
//
//	manager.ResumeAll(ctx)
//	manager.Start(ctx, jobtracker.StartRequest{ID: serverJobID, Title: "Bedtime story", StartPolling: true})
package jobtracker

import (
	"encoding/json"
	"strings"
	"time"
)

// JobState is the lifecycle state of a tracked job.
type JobState string

const (
	// JobStateActive indicates the job is still being produced by the backend.
	JobStateActive JobState = "active"
	// JobStateCompleted indicates the job produced an artifact.
	JobStateCompleted JobState = "completed"
	// JobStateFailed indicates the job terminated without an artifact.
	JobStateFailed JobState = "failed"
	// JobStateCancelled indicates the job was cancelled and forgotten.
	// Cancelled jobs are never archived, so this state is only observed on
	// records held by callers after the cancellation.
	JobStateCancelled JobState = "cancelled"
)

// CreationRequest is a verbatim snapshot of the request that created a job.
// It is retained so a failed job can be resubmitted unchanged.
type CreationRequest struct {
	Kind    string          `json:"kind"`              // e.g. "story", "illustration", "audio"
	OwnerID string          `json:"ownerId,omitempty"` // Requesting user
	Title   string          `json:"title,omitempty"`   // Human label for the job
	Payload json.RawMessage `json:"payload,omitempty"` // Opaque request body
}

// GenerationJob is the unit of tracked work.
type GenerationJob struct {
	ID                      string           `json:"id"`                                // Server job id or ephemeral client id
	Title                   string           `json:"title"`                             // Immutable after creation
	OwnerID                 string           `json:"ownerId"`                           // Requesting user or GuestOwnerID
	Status                  string           `json:"status"`                            // Free-form status mirrored from the backend
	State                   JobState         `json:"state"`                             // Lifecycle state
	Progress                float64          `json:"progress"`                          // Fraction in [0, 1]
	CreatedAt               time.Time        `json:"createdAt"`                         // When the job was registered
	LastUpdateTime          time.Time        `json:"lastUpdateTime"`                    // Last mutation time
	EstimatedCompletionTime *time.Time       `json:"estimatedCompletionTime,omitempty"` // Linear extrapolation from progress
	Error                   string           `json:"error,omitempty"`                   // Technical failure message
	UserFriendlyError       string           `json:"userFriendlyError,omitempty"`       // Message suitable for display
	ErrorCategory           string           `json:"errorCategory,omitempty"`           // Backend failure category
	CoinsRefunded           bool             `json:"coinsRefunded,omitempty"`           // Whether the backend refunded the cost
	ResultID                string           `json:"resultId,omitempty"`                // Produced artifact id (completed only)
	OriginalRequest         *CreationRequest `json:"originalRequest,omitempty"`         // Snapshot used by Retry
	ShouldNotify            bool             `json:"shouldNotify,omitempty"`            // Notify on completion
	NotificationSent        bool             `json:"notificationSent,omitempty"`        // Notification already dispatched
}

// GuestOwnerID identifies jobs submitted without a signed-in user.
const GuestOwnerID = "guest"

// IsActive reports whether the job is still in flight.
func (j *GenerationJob) IsActive() bool { return j.State == JobStateActive }

// IsCompleted reports whether the job produced an artifact.
func (j *GenerationJob) IsCompleted() bool { return j.State == JobStateCompleted }

// IsFailed reports whether the job terminated with a failure.
func (j *GenerationJob) IsFailed() bool { return j.State == JobStateFailed }

// IsCancelled reports whether the job was cancelled.
func (j *GenerationJob) IsCancelled() bool { return j.State == JobStateCancelled }

// DisplayError returns the richest error message recorded for the job.
func (j *GenerationJob) DisplayError() string {
	if j.UserFriendlyError != "" {
		return j.UserFriendlyError
	}
	return j.Error
}

// KeepProgress as JobUpdate.Progress leaves the recorded progress unchanged.
const KeepProgress = -1.0

// JobUpdate carries a progress observation for an active job.
// Empty strings and a negative Progress leave the corresponding field unchanged.
// The zero Progress is a real 0; use NewStatusUpdate to change only the status.
type JobUpdate struct {
	Progress          float64
	Status            string
	Error             string
	UserFriendlyError string
	ErrorCategory     string
	CoinsRefunded     bool
}

// NewStatusUpdate returns an update that sets the status and keeps the recorded progress.
func NewStatusUpdate(status string) JobUpdate {
	return JobUpdate{Progress: KeepProgress, Status: status}
}

// StatusReport is the payload returned by the job-status endpoint.
type StatusReport struct {
	Status            string  `json:"status"`
	Progress          float64 `json:"progress"` // 0..100
	ResultID          string  `json:"resultId,omitempty"`
	Error             string  `json:"error,omitempty"`
	UserFriendlyError string  `json:"userFriendlyError,omitempty"`
	ErrorCategory     string  `json:"errorCategory,omitempty"`
	CoinsRefunded     bool    `json:"coinsRefunded,omitempty"`
}

// IsComplete reports whether the backend considers the job finished.
func (r *StatusReport) IsComplete() bool {
	switch strings.ToLower(r.Status) {
	case "completed", "complete", "succeeded", "success", "done":
		return true
	}
	return false
}

// IsFailed reports whether the backend considers the job failed.
func (r *StatusReport) IsFailed() bool {
	switch strings.ToLower(r.Status) {
	case "failed", "failure", "error", "cancelled_by_server":
		return true
	}
	return false
}

// Fraction converts the backend's 0..100 progress into [0, 1].
func (r *StatusReport) Fraction() float64 {
	p := r.Progress / 100
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// toUpdate converts a report into a JobUpdate.
func (r *StatusReport) toUpdate() JobUpdate {
	return JobUpdate{
		Progress:          r.Fraction(),
		Status:            r.Status,
		Error:             r.Error,
		UserFriendlyError: r.UserFriendlyError,
		ErrorCategory:     r.ErrorCategory,
		CoinsRefunded:     r.CoinsRefunded,
	}
}

// Artifact is the generated content produced by a completed job.
type Artifact struct {
	ID    string          `json:"id"`
	Kind  string          `json:"kind,omitempty"`
	Title string          `json:"title,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CreationResult is returned by the creation endpoint. Exactly one of JobID
// (async path) or Artifact (sync path) is set.
type CreationResult struct {
	JobID    string    `json:"jobId,omitempty"`
	Artifact *Artifact `json:"artifact,omitempty"`
}

// Snapshot is an immutable view of the ledger delivered to observers.
type Snapshot struct {
	Active    []*GenerationJob
	Completed []*GenerationJob
}
