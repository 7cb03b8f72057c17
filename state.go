package jobtracker

import (
	"fmt"
	"time"
)

// Status strings written by the tracker itself (the backend's own strings are mirrored verbatim).
const (
	StatusQueued               = "queued"
	StatusFinalizing           = "finalizing"
	StatusContinuingBackground = "continuing in background"
	StatusCompleted            = "completed"
	StatusFailed               = "failed"
)

// StaleJobError is the reason recorded on active jobs failed at startup for being too old.
const StaleJobError = "job is too old to resume"

const unknownJobError = "unknown error"

// newActiveJob creates a job in its initial state.
func newActiveJob(id, title, ownerID string, req *CreationRequest, shouldNotify bool, now time.Time) *GenerationJob {
	if ownerID == "" {
		ownerID = GuestOwnerID
	}
	return &GenerationJob{
		ID:              id,
		Title:           title,
		OwnerID:         ownerID,
		Status:          StatusQueued,
		State:           JobStateActive,
		Progress:        0,
		CreatedAt:       now,
		LastUpdateTime:  now,
		OriginalRequest: cloneRequest(req),
		ShouldNotify:    shouldNotify,
	}
}

// applyUpdate records a progress observation on an active job.
// Backend progress regressions are accepted as reported.
func applyUpdate(job *GenerationJob, update JobUpdate, now time.Time) error {
	if !job.IsActive() {
		return fmt.Errorf("update %s: %w", job.ID, ErrJobTerminated)
	}

	if update.Progress >= 0 {
		job.Progress = clampFraction(update.Progress)
	}
	if update.Status != "" {
		job.Status = update.Status
	}
	if update.Error != "" {
		job.Error = update.Error
	}
	if update.UserFriendlyError != "" {
		job.UserFriendlyError = update.UserFriendlyError
	}
	if update.ErrorCategory != "" {
		job.ErrorCategory = update.ErrorCategory
	}
	if update.CoinsRefunded {
		job.CoinsRefunded = true
	}
	job.LastUpdateTime = now
	job.EstimatedCompletionTime = estimateCompletion(job.CreatedAt, job.Progress, now)
	return nil
}

// estimateCompletion extrapolates linearly from elapsed time and progress.
// It returns nil when no meaningful estimate exists.
func estimateCompletion(createdAt time.Time, progress float64, now time.Time) *time.Time {
	if progress <= 0 || progress >= 1 {
		return nil
	}
	elapsed := now.Sub(createdAt)
	if elapsed <= 0 {
		return nil
	}
	total := time.Duration(float64(elapsed) / progress)
	eta := createdAt.Add(total)
	return &eta
}

// markCompleted transitions an active job to completed.
func markCompleted(job *GenerationJob, resultID string, now time.Time) error {
	if !job.IsActive() {
		return fmt.Errorf("complete %s: %w", job.ID, ErrJobTerminated)
	}
	if resultID == "" {
		return fmt.Errorf("complete %s: result id is empty", job.ID)
	}
	job.State = JobStateCompleted
	job.Status = StatusCompleted
	job.Progress = 1.0
	job.ResultID = resultID
	job.LastUpdateTime = now
	job.EstimatedCompletionTime = nil
	return nil
}

// markFailed transitions an active job to failed. A previously recorded
// user-friendly message survives unless a non-empty replacement is given.
func markFailed(job *GenerationJob, errMsg, userFriendly string, now time.Time) error {
	if !job.IsActive() {
		return fmt.Errorf("fail %s: %w", job.ID, ErrJobTerminated)
	}
	job.State = JobStateFailed
	job.Status = StatusFailed
	if errMsg != "" {
		job.Error = errMsg
	}
	if userFriendly != "" {
		job.UserFriendlyError = userFriendly
	}
	if job.Error == "" && job.UserFriendlyError == "" {
		job.Error = unknownJobError
	}
	job.LastUpdateTime = now
	job.EstimatedCompletionTime = nil
	return nil
}

// markCancelled transitions an active job to cancelled.
func markCancelled(job *GenerationJob, now time.Time) error {
	if !job.IsActive() {
		return fmt.Errorf("cancel %s: %w", job.ID, ErrJobTerminated)
	}
	job.State = JobStateCancelled
	job.LastUpdateTime = now
	job.EstimatedCompletionTime = nil
	return nil
}

func clampFraction(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func cloneJob(job *GenerationJob) *GenerationJob {
	if job == nil {
		return nil
	}
	cloned := *job
	if job.EstimatedCompletionTime != nil {
		eta := *job.EstimatedCompletionTime
		cloned.EstimatedCompletionTime = &eta
	}
	cloned.OriginalRequest = cloneRequest(job.OriginalRequest)
	return &cloned
}

func cloneRequest(req *CreationRequest) *CreationRequest {
	if req == nil {
		return nil
	}
	cloned := *req
	cloned.Payload = copyBytes(req.Payload)
	return &cloned
}

func cloneJobs(jobs []*GenerationJob) []*GenerationJob {
	out := make([]*GenerationJob, len(jobs))
	for i, job := range jobs {
		out[i] = cloneJob(job)
	}
	return out
}
