package jobtracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ProgressFunc receives every status observation of a polling loop.
// It is invoked synchronously on the loop's goroutine and must not block.
type ProgressFunc func(update JobUpdate)

// Poller repeatedly queries the job-status endpoint for one job until it
// reaches a terminal outcome or the polling ceiling elapses.
type Poller struct {
	status    StatusFetcher
	artifacts ArtifactFetcher
	config    *Config
	schedule  Schedule
	metrics   *Metrics
	logger    *slog.Logger
}

// NewPoller creates a new poller.
// status is the job-status endpoint; artifacts loads results of completed jobs
// and may be nil, in which case a bare Artifact carrying the result id is returned.
func NewPoller(status StatusFetcher, artifacts ArtifactFetcher, config *Config, metrics *Metrics, logger *slog.Logger) *Poller {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		status:    status,
		artifacts: artifacts,
		config:    config,
		schedule:  NewSchedule(config),
		metrics:   metrics,
		logger:    logger,
	}
}

// Poll drives the status loop for jobID and returns the artifact once the
// backend reports completion with a result id.
//
// Intermediate errors never escape the loop: transient fetch errors are
// retried silently up to Config.MaxRetries times, followed by one final
// authoritative fetch. Poll returns:
//   - *JobFailedError when the backend reports the job failed
//   - *RetriesExhaustedError when the final check also fails
//   - ErrSyncCompletion when an ephemeral id is unknown to the backend
//   - ErrPollingCeiling when Config.PollingCeiling elapsed without an outcome
//   - ctx.Err() when ctx is cancelled
//   - a wrapped fatal fetch error otherwise
func (p *Poller) Poll(ctx context.Context, jobID string, onProgress ProgressFunc) (*Artifact, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if onProgress == nil {
		onProgress = func(JobUpdate) {}
	}

	start := time.Now()
	loopCtx, cancel := context.WithTimeout(ctx, p.config.PollingCeiling)
	defer cancel()

	retries := 0
	finalCheck := false

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if loopCtx.Err() != nil {
			return nil, p.ceilingReached(jobID, start, onProgress)
		}

		report, fetchErr := p.status.FetchStatus(loopCtx, jobID)
		var artifact *Artifact
		artifactErr := false
		if fetchErr == nil {
			p.metrics.observePoll(pollOutcomeOK)

			switch {
			case report.IsFailed():
				onProgress(report.toUpdate())
				p.logger.Info("Poll: backend reported failure", "jobID", jobID, "error", report.Error)
				return nil, &JobFailedError{JobID: jobID, Report: report}

			case report.IsComplete() && report.ResultID == "":
				// The backend flips to complete slightly before writing the result pointer.
				p.logger.Debug("Poll: completed without result id, finalizing", "jobID", jobID)
				onProgress(NewStatusUpdate(StatusFinalizing))
				finalCheck, retries = false, 0
				_ = sleepContext(loopCtx, p.config.FinalizingPause)
				continue

			case report.IsComplete():
				onProgress(report.toUpdate())
				artifact, fetchErr = p.fetchArtifact(loopCtx, report.ResultID)
				artifactErr = fetchErr != nil
				if fetchErr == nil {
					p.logger.Info("Poll: job completed", "jobID", jobID, "resultID", report.ResultID, "elapsed", time.Since(start))
					return artifact, nil
				}

			default:
				onProgress(report.toUpdate())
				finalCheck, retries = false, 0
				delay := p.schedule.Interval(time.Since(start))
				p.logger.Debug("Poll: job in progress", "jobID", jobID, "status", report.Status, "progress", report.Progress, "next", delay)
				_ = sleepContext(loopCtx, delay)
				continue
			}
		}

		// fetchErr != nil from here on
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if loopCtx.Err() != nil {
			return nil, p.ceilingReached(jobID, start, onProgress)
		}
		// Only a status 404 disowns a placeholder.
		if !artifactErr && errors.Is(fetchErr, ErrNotFound) && IsEphemeralID(jobID) {
			p.metrics.observePoll(pollOutcomeNotFound)
			p.logger.Info("Poll: placeholder unknown to backend, treating as synchronous completion", "jobID", jobID)
			return nil, ErrSyncCompletion
		}

		class := Classify(fetchErr)
		p.metrics.observePoll(class.String())

		if finalCheck {
			p.logger.Warn("Poll: final status check failed", "jobID", jobID, "error", fetchErr)
			return nil, &RetriesExhaustedError{JobID: jobID, Attempts: retries, Last: fetchErr}
		}
		if class == ErrorFatal {
			p.logger.Warn("Poll: fatal status error", "jobID", jobID, "error", fetchErr)
			return nil, fmt.Errorf("status check for job %s: %w", jobID, fetchErr)
		}
		if retries >= p.config.MaxRetries {
			p.logger.Warn("Poll: retry budget exhausted, performing final check", "jobID", jobID, "retries", retries)
			finalCheck = true
			continue
		}

		retries++
		p.metrics.observeRetry()
		delay := p.schedule.RetryDelay(retries)
		p.logger.Warn("Poll: transient status error, retrying", "jobID", jobID, "retry", retries, "delay", delay, "error", fetchErr)
		_ = sleepContext(loopCtx, delay)
	}
}

func (p *Poller) fetchArtifact(ctx context.Context, resultID string) (*Artifact, error) {
	if p.artifacts == nil {
		return &Artifact{ID: resultID}, nil
	}
	artifact, err := p.artifacts.FetchArtifact(ctx, resultID)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", resultID, err)
	}
	if artifact == nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", resultID, ErrDecodeRace)
	}
	if artifact.ID == "" {
		artifact.ID = resultID
	}
	return artifact, nil
}

func (p *Poller) ceilingReached(jobID string, start time.Time, onProgress ProgressFunc) error {
	p.metrics.observePoll(pollOutcomeCeiling)
	p.logger.Info("Poll: polling ceiling reached, continuing in background", "jobID", jobID, "elapsed", time.Since(start))
	onProgress(NewStatusUpdate(StatusContinuingBackground))
	return ErrPollingCeiling
}
