package jobtracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ManagerOptions wires the Manager to its collaborators.
type ManagerOptions struct {
	Store      BlobStore          // Required: durable ledger storage
	Status     StatusFetcher      // Required: job-status endpoint
	Artifacts  ArtifactFetcher    // Optional: artifact endpoint
	Creator    Creator            // Optional: creation endpoint, needed by Retry
	Notifier   Notifier           // Optional: local notification scheduler
	Cache      ArtifactCache      // Optional: receives completed artifacts
	Background BackgroundExecutor // Optional: defaults to NoopExecutor
	Config     *Config            // Optional: defaults to DefaultConfig()
	Metrics    *Metrics           // Optional
	Logger     *slog.Logger       // Optional: defaults to slog.Default()
}

// StartRequest registers a new job.
type StartRequest struct {
	ID              string
	Title           string
	OwnerID         string
	OriginalRequest *CreationRequest
	ShouldNotify    bool
	// StartPolling is false for short-lived placeholders expected to resolve
	// synchronously without being tracked remotely.
	StartPolling bool
}

// pollTask is one running polling loop.
type pollTask struct {
	jobID  string
	gen    uint64
	cancel context.CancelFunc
	guard  *backgroundGuard
}

// sideEffects are calls to external collaborators performed after the
// manager's lock is released.
type sideEffects struct {
	cacheArtifact      *Artifact
	notifyJobID        string
	notifyTitle        string
	notifyArtifactID   string
	cancelNotification []string
}

// Manager owns the ledger and the running polling loops. It is the single
// mutation point for job state: every mutation runs under one lock, is
// persisted synchronously, and is published to subscribers.
type Manager struct {
	mu        sync.Mutex
	ledger    *Ledger
	poller    *Poller
	guards    *guardSet
	tasks     map[string]*pollTask
	retrying  map[string]struct{}
	nextGen   uint64
	observers *observers

	creator  Creator
	notifier Notifier
	cache    ArtifactCache
	config   *Config
	metrics  *Metrics
	logger   *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
}

// NewManager creates a manager and loads the ledger from the store, pruning
// orphaned placeholders and expired completed jobs. It does not start any
// polling; call ResumeAll once at startup for that.
func NewManager(ctx context.Context, opts ManagerOptions) (*Manager, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Status == nil {
		return nil, fmt.Errorf("status fetcher is required")
	}
	config := opts.Config
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	cache := opts.Cache
	if cache == nil {
		cache = noopArtifactCache{}
	}

	ledger := NewLedger(opts.Store, config, logger)
	if _, err := ledger.Load(ctx, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		ledger:     ledger,
		poller:     NewPoller(opts.Status, opts.Artifacts, config, opts.Metrics, logger),
		guards:     newGuardSet(opts.Background, logger),
		tasks:      make(map[string]*pollTask),
		retrying:   make(map[string]struct{}),
		observers:  newObservers(),
		creator:    opts.Creator,
		notifier:   notifier,
		cache:      cache,
		config:     config,
		metrics:    opts.Metrics,
		logger:     logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Start inserts a new active job, persists it, and launches its polling loop
// when req.StartPolling is set. Starting an id that is already polling
// supersedes the previous loop.
func (m *Manager) Start(ctx context.Context, req StartRequest) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if req.ID == "" {
		return fmt.Errorf("job ID is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.startLocked(req)
	err = m.persistLocked(ctx)
	m.publishLocked()
	return err
}

func (m *Manager) startLocked(req StartRequest) {
	job := newActiveJob(req.ID, req.Title, req.OwnerID, req.OriginalRequest, req.ShouldNotify, time.Now())
	m.ledger.Insert(job)
	m.logger.Info("Start: job registered", "jobID", req.ID, "title", req.Title, "polling", req.StartPolling)

	if req.StartPolling {
		m.startPollingLocked(req.ID)
	} else {
		m.stopPollingLocked(req.ID)
	}
}

// Update records progress for an active job. Unknown or terminated ids are ignored.
func (m *Manager) Update(ctx context.Context, jobID string, update JobUpdate) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(ctx, jobID, update)
}

func (m *Manager) updateLocked(ctx context.Context, jobID string, update JobUpdate) error {
	job := m.ledger.Active(jobID)
	if job == nil {
		return nil
	}
	if err := applyUpdate(job, update, time.Now()); err != nil {
		return nil
	}
	err := m.persistLocked(ctx)
	m.publishLocked()
	return err
}

// Complete stops the job's polling loop, moves it to the completed
// collection, hands the artifact to the cache, and dispatches the completion
// notification once if one was requested. Completing a job that already
// terminated is a no-op.
func (m *Manager) Complete(ctx context.Context, jobID string, artifact *Artifact) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	fx, err := m.completeLocked(ctx, jobID, artifact)
	m.mu.Unlock()

	m.runEffects(ctx, fx)
	return err
}

func (m *Manager) completeLocked(ctx context.Context, jobID string, artifact *Artifact) (sideEffects, error) {
	var fx sideEffects
	if artifact == nil || artifact.ID == "" {
		return fx, fmt.Errorf("complete %s: artifact id is empty", jobID)
	}

	job := m.ledger.Active(jobID)
	if job == nil {
		m.stopPollingLocked(jobID)
		if m.ledger.Completed(jobID) != nil {
			m.logger.Debug("Complete: job already terminated", "jobID", jobID)
			return fx, nil
		}
		return fx, fmt.Errorf("complete %s: %w", jobID, ErrJobNotFound)
	}

	m.stopPollingLocked(jobID)
	if err := markCompleted(job, artifact.ID, time.Now()); err != nil {
		return fx, err
	}
	m.ledger.Archive(job)
	m.metrics.observeJob(jobResultCompleted, job.CreatedAt)
	m.logger.Info("Complete: job completed", "jobID", jobID, "resultID", artifact.ID)

	fx.cacheArtifact = artifact
	if job.ShouldNotify && !job.NotificationSent {
		fx.notifyJobID = job.ID
		fx.notifyTitle = job.Title
		fx.notifyArtifactID = artifact.ID
	}

	err := m.persistLocked(ctx)
	m.publishLocked()
	return fx, err
}

// Fail stops the job's polling loop and moves it to the completed collection
// as failed. A user-friendly message recorded earlier survives unless
// userFriendly is non-empty. Failing a job that already terminated is a no-op.
func (m *Manager) Fail(ctx context.Context, jobID, errMsg, userFriendly string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failLocked(ctx, jobID, errMsg, userFriendly)
}

func (m *Manager) failLocked(ctx context.Context, jobID, errMsg, userFriendly string) error {
	m.stopPollingLocked(jobID)

	job := m.ledger.Active(jobID)
	if job == nil {
		if m.ledger.Completed(jobID) != nil {
			return nil
		}
		return fmt.Errorf("fail %s: %w", jobID, ErrJobNotFound)
	}
	if err := markFailed(job, errMsg, userFriendly, time.Now()); err != nil {
		return err
	}
	m.ledger.Archive(job)
	m.metrics.observeJob(jobResultFailed, job.CreatedAt)
	m.logger.Info("Fail: job failed", "jobID", jobID, "error", job.Error, "userFriendlyError", job.UserFriendlyError)

	err := m.persistLocked(ctx)
	m.publishLocked()
	return err
}

// Cancel stops the job's polling loop, releases its background time, removes
// the job without archiving it, and cancels any pending notification.
// Cancelling an unknown id still releases its resources.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	fx, err := m.cancelLocked(ctx, jobID)
	m.mu.Unlock()

	m.runEffects(ctx, fx)
	return err
}

func (m *Manager) cancelLocked(ctx context.Context, jobID string) (sideEffects, error) {
	fx := sideEffects{cancelNotification: []string{jobID}}
	m.stopPollingLocked(jobID)
	m.guards.ReleaseJob(jobID)

	job := m.ledger.Active(jobID)
	if job == nil {
		return fx, nil
	}
	_ = markCancelled(job, time.Now())
	m.ledger.RemoveActive(jobID)
	m.metrics.observeJob(jobResultCancelled, job.CreatedAt)
	m.logger.Info("Cancel: job cancelled", "jobID", jobID)

	err := m.persistLocked(ctx)
	m.publishLocked()
	return fx, err
}

// Retry resubmits the original request of a job in the completed collection.
// On success the old record is removed and the new job is started; the new
// job id is returned. On failure the old record is left untouched.
// Jobs without an original request are not retried (ErrNotRetryable).
func (m *Manager) Retry(ctx context.Context, jobID string) (string, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	old := m.ledger.Completed(jobID)
	if old == nil {
		m.mu.Unlock()
		return "", fmt.Errorf("retry %s: %w", jobID, ErrJobNotFound)
	}
	if old.OriginalRequest == nil {
		m.mu.Unlock()
		m.logger.Debug("Retry: job has no original request", "jobID", jobID)
		return "", fmt.Errorf("retry %s: %w", jobID, ErrNotRetryable)
	}
	if _, busy := m.retrying[jobID]; busy {
		m.mu.Unlock()
		return "", fmt.Errorf("retry %s: %w", jobID, ErrRetryInProgress)
	}
	m.retrying[jobID] = struct{}{}
	snapshot := cloneJob(old)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.retrying, jobID)
		m.mu.Unlock()
	}()

	if m.creator == nil {
		return "", fmt.Errorf("retry %s: no creator configured", jobID)
	}

	result, err := m.creator.Create(ctx, cloneRequest(snapshot.OriginalRequest))
	if err != nil {
		m.logger.Warn("Retry: resubmission failed", "jobID", jobID, "error", err)
		return "", fmt.Errorf("retry %s: %w", jobID, err)
	}
	if result == nil || (result.JobID == "" && result.Artifact == nil) {
		return "", fmt.Errorf("retry %s: creation returned neither a job id nor an artifact", jobID)
	}

	newID := result.JobID
	polling := true
	if newID == "" {
		newID = NewEphemeralID()
		polling = false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.ledger.RemoveCompleted(jobID)
	m.startLocked(StartRequest{
		ID:              newID,
		Title:           snapshot.Title,
		OwnerID:         snapshot.OwnerID,
		OriginalRequest: snapshot.OriginalRequest,
		ShouldNotify:    snapshot.ShouldNotify,
		StartPolling:    polling,
	})
	m.logger.Info("Retry: job resubmitted", "oldJobID", jobID, "newJobID", newID, "sync", !polling)

	var fx sideEffects
	if result.Artifact != nil && result.JobID == "" {
		fx, err = m.completeLocked(ctx, newID, result.Artifact)
	} else {
		err = m.persistLocked(ctx)
		m.publishLocked()
	}
	m.mu.Unlock()

	m.runEffects(ctx, fx)
	return newID, err
}

// Resume attaches a new polling loop to an active job, replacing any loop
// already running for it.
func (m *Manager) Resume(ctx context.Context, jobID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.ledger.Active(jobID) == nil {
		return fmt.Errorf("resume %s: %w", jobID, ErrJobNotFound)
	}
	m.startPollingLocked(jobID)
	return nil
}

// ResumeAll is called once at startup. Active jobs older than
// Config.StaleActiveAge are failed, then every remaining active job without
// a running loop gets a new polling loop.
func (m *Manager) ResumeAll(ctx context.Context) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.failStaleLocked(time.Now())

	resumed := 0
	for _, job := range m.ledger.ActiveJobs() {
		if _, running := m.tasks[job.ID]; running {
			continue
		}
		m.startPollingLocked(job.ID)
		resumed++
	}
	m.logger.Info("ResumeAll: resumed polling", "jobs", resumed)

	err = m.persistLocked(ctx)
	m.publishLocked()
	return err
}

// ClearAll stops every polling loop, releases all background time, and
// empties both collections.
func (m *Manager) ClearAll(ctx context.Context) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	var fx sideEffects
	for jobID := range m.tasks {
		m.stopPollingLocked(jobID)
	}
	m.guards.ReleaseAll()
	for _, job := range m.ledger.ActiveJobs() {
		fx.cancelNotification = append(fx.cancelNotification, job.ID)
	}
	m.ledger.Clear()
	m.logger.Info("ClearAll: ledger cleared")
	err = m.persistLocked(ctx)
	m.publishLocked()
	m.mu.Unlock()

	m.runEffects(ctx, fx)
	return err
}

// Prune removes completed jobs past Config.CompletedTTL and fails active
// jobs older than Config.StaleActiveAge. It returns the affected ids.
func (m *Manager) Prune(ctx context.Context) (*PruneReport, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	report := &PruneReport{
		StaleActive: m.failStaleLocked(now),
	}
	report.ExpiredCompleted = m.ledger.PruneCompleted(now, m.config.CompletedTTL)
	if !report.changed() {
		return report, nil
	}
	m.logger.Info("Prune: ledger pruned", "stale", len(report.StaleActive), "expired", len(report.ExpiredCompleted))
	err = m.persistLocked(ctx)
	m.publishLocked()
	return report, err
}

// failStaleLocked fails active jobs older than Config.StaleActiveAge.
func (m *Manager) failStaleLocked(now time.Time) []string {
	var failed []string
	for _, job := range m.ledger.StaleActive(now, m.config.StaleActiveAge) {
		m.stopPollingLocked(job.ID)
		if err := markFailed(job, StaleJobError, "", now); err != nil {
			continue
		}
		m.ledger.Archive(job)
		m.metrics.observeJob(jobResultFailed, job.CreatedAt)
		m.logger.Info("failStale: failed stale job", "jobID", job.ID, "createdAt", job.CreatedAt)
		failed = append(failed, job.ID)
	}
	return failed
}

// RemoveCompleted deletes a completed or failed job from history.
func (m *Manager) RemoveCompleted(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ledger.RemoveCompleted(jobID) {
		return nil
	}
	err = m.persistLocked(ctx)
	m.publishLocked()
	return err
}

// Active returns a copy of the active collection, most recent first.
func (m *Manager) Active() []*GenerationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneJobs(m.ledger.ActiveJobs())
}

// Completed returns a copy of the completed collection, most recent first.
func (m *Manager) Completed() []*GenerationJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneJobs(m.ledger.CompletedJobs())
}

// Job returns a copy of the job with id from either collection.
func (m *Manager) Job(jobID string) (*GenerationJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job := m.ledger.Active(jobID); job != nil {
		return cloneJob(job), nil
	}
	if job := m.ledger.Completed(jobID); job != nil {
		return cloneJob(job), nil
	}
	return nil, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
}

// IsPolling reports whether a polling loop is running for jobID.
func (m *Manager) IsPolling(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[jobID]
	return ok
}

// PollingCount returns the number of running polling loops.
func (m *Manager) PollingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Subscribe returns a subscription that immediately receives the current
// snapshot and then one snapshot after every mutation.
func (m *Manager) Subscribe() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observers.subscribe(m.ledger.Snapshot())
}

// Unsubscribe cancels sub and closes its channel.
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.observers.unsubscribe(sub)
}

// Close stops every polling loop and waits for them to exit. Jobs remain
// active in the ledger so a later ResumeAll can pick them up. The store is
// not closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for jobID := range m.tasks {
		m.stopPollingLocked(jobID)
	}
	m.baseCancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.guards.ReleaseAll()
	m.observers.closeAll()
	return nil
}

// startPollingLocked launches a polling loop for jobID, superseding any
// loop already running for it.
func (m *Manager) startPollingLocked(jobID string) {
	m.stopPollingLocked(jobID)
	if m.closed {
		return
	}

	m.nextGen++
	ctx, cancel := context.WithCancel(m.baseCtx)
	task := &pollTask{
		jobID:  jobID,
		gen:    m.nextGen,
		cancel: cancel,
	}
	task.guard = m.guards.Acquire(jobID)
	m.tasks[jobID] = task

	m.wg.Add(1)
	m.metrics.pollStarted()
	go m.runPoll(ctx, task)
}

// stopPollingLocked cancels the loop for jobID without waiting for it; the
// loop may be the caller's own goroutine.
func (m *Manager) stopPollingLocked(jobID string) {
	task, ok := m.tasks[jobID]
	if !ok {
		return
	}
	delete(m.tasks, jobID)
	task.cancel()
	m.guards.Release(jobID, task.guard)
}

func (m *Manager) runPoll(ctx context.Context, task *pollTask) {
	defer m.wg.Done()
	defer m.metrics.pollStopped()
	defer m.guards.Release(task.jobID, task.guard)
	defer task.cancel()

	artifact, err := m.poller.Poll(ctx, task.jobID, func(update JobUpdate) {
		m.applyProgress(task, update)
	})
	m.finishPoll(task, artifact, err)
}

// applyProgress records an update from task if it is still the current loop for its job.
func (m *Manager) applyProgress(task *pollTask, update JobUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[task.jobID] != task {
		return
	}
	if err := m.updateLocked(context.Background(), task.jobID, update); err != nil {
		m.logger.Warn("applyProgress: failed to persist update", "jobID", task.jobID, "error", err)
	}
}

// finishPoll maps a loop's outcome onto a lifecycle transition.
func (m *Manager) finishPoll(task *pollTask, artifact *Artifact, pollErr error) {
	ctx := context.Background()

	m.mu.Lock()
	if m.tasks[task.jobID] != task {
		// Superseded, cancelled, or already terminated by another caller.
		m.mu.Unlock()
		m.logger.Debug("finishPoll: discarding outcome of stale loop", "jobID", task.jobID, "gen", task.gen, "error", pollErr)
		return
	}

	var fx sideEffects
	var err error
	var jobFailed *JobFailedError
	switch {
	case pollErr == nil:
		fx, err = m.completeLocked(ctx, task.jobID, artifact)
	case errors.As(pollErr, &jobFailed):
		err = m.failLocked(ctx, task.jobID, jobFailed.Report.Error, jobFailed.Report.UserFriendlyError)
	case errors.Is(pollErr, ErrSyncCompletion):
		fx, err = m.cancelLocked(ctx, task.jobID)
	case errors.Is(pollErr, ErrPollingCeiling):
		// The job stays active; Resume can attach a new loop later.
		m.stopPollingLocked(task.jobID)
	case errors.Is(pollErr, context.Canceled):
		m.stopPollingLocked(task.jobID)
	default:
		err = m.failLocked(ctx, task.jobID, pollErr.Error(), "")
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("finishPoll: failed to record outcome", "jobID", task.jobID, "error", err)
	}
	m.runEffects(ctx, fx)
}

func (m *Manager) persistLocked(ctx context.Context) error {
	if err := m.ledger.Save(ctx); err != nil {
		m.logger.Warn("persist: failed to save ledger", "error", err)
		return err
	}
	return nil
}

func (m *Manager) publishLocked() {
	m.observers.publish(m.ledger.Snapshot())
}

func (m *Manager) runEffects(ctx context.Context, fx sideEffects) {
	if fx.cacheArtifact != nil {
		if err := m.cache.Put(ctx, fx.cacheArtifact); err != nil {
			m.logger.Warn("runEffects: failed to cache artifact", "artifactID", fx.cacheArtifact.ID, "error", err)
		}
	}

	if fx.notifyJobID != "" {
		if err := m.notifier.Schedule(ctx, fx.notifyJobID, fx.notifyTitle, fx.notifyArtifactID); err != nil {
			m.logger.Warn("runEffects: failed to schedule notification", "jobID", fx.notifyJobID, "error", err)
		} else {
			m.markNotified(ctx, fx.notifyJobID)
		}
	}

	for _, jobID := range fx.cancelNotification {
		if err := m.notifier.Cancel(ctx, jobID); err != nil {
			m.logger.Debug("runEffects: failed to cancel notification", "jobID", jobID, "error", err)
		}
	}
}

func (m *Manager) markNotified(ctx context.Context, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.ledger.Completed(jobID)
	if job == nil || job.NotificationSent {
		return
	}
	job.NotificationSent = true
	if err := m.persistLocked(ctx); err != nil {
		return
	}
	m.publishLocked()
}
