package jobtracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Ledger holds the ordered active and completed collections and persists
// them to a BlobStore. A Ledger is not safe for concurrent use; the Manager
// serializes access to it.
type Ledger struct {
	store     BlobStore
	config    *Config
	logger    *slog.Logger
	active    []*GenerationJob
	completed []*GenerationJob
}

// PruneReport summarizes what Load discarded.
type PruneReport struct {
	OrphanedPlaceholders []string // ephemeral active ids that never got a server id
	ExpiredCompleted     []string // completed/failed jobs past the TTL
	Duplicates           []string // ids found in both collections (kept as completed)
	StaleActive          []string // active jobs failed for being too old
}

// NewLedger creates an empty ledger backed by store.
func NewLedger(store BlobStore, config *Config, logger *slog.Logger) *Ledger {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, config: config, logger: logger}
}

// Load reads both collections from the store and prunes entries that must
// not survive a restart: ephemeral-id active jobs, completed jobs whose last
// update is older than the completed TTL, and active entries duplicated in
// the completed collection.
func (l *Ledger) Load(ctx context.Context, now time.Time) (*PruneReport, error) {
	active, err := l.read(ctx, l.config.ActiveKey)
	if err != nil {
		return nil, err
	}
	completed, err := l.read(ctx, l.config.CompletedKey)
	if err != nil {
		return nil, err
	}

	report := &PruneReport{}

	keptCompleted := make([]*GenerationJob, 0, len(completed))
	completedIDs := make(map[string]bool, len(completed))
	for _, job := range completed {
		if job == nil || job.ID == "" || completedIDs[job.ID] {
			continue
		}
		if l.config.CompletedTTL > 0 && now.Sub(job.LastUpdateTime) > l.config.CompletedTTL {
			report.ExpiredCompleted = append(report.ExpiredCompleted, job.ID)
			continue
		}
		if job.State != JobStateCompleted && job.State != JobStateFailed {
			if job.ResultID != "" {
				job.State = JobStateCompleted
			} else {
				job.State = JobStateFailed
			}
		}
		completedIDs[job.ID] = true
		keptCompleted = append(keptCompleted, job)
	}

	keptActive := make([]*GenerationJob, 0, len(active))
	activeIDs := make(map[string]bool, len(active))
	for _, job := range active {
		if job == nil || job.ID == "" || activeIDs[job.ID] {
			continue
		}
		if IsEphemeralID(job.ID) {
			report.OrphanedPlaceholders = append(report.OrphanedPlaceholders, job.ID)
			continue
		}
		if completedIDs[job.ID] {
			report.Duplicates = append(report.Duplicates, job.ID)
			continue
		}
		// Older records may predate the state field.
		job.State = JobStateActive
		activeIDs[job.ID] = true
		keptActive = append(keptActive, job)
	}

	l.active = keptActive
	l.completed = keptCompleted

	l.logger.Info("Load: ledger loaded",
		"active", len(l.active),
		"completed", len(l.completed),
		"orphaned", len(report.OrphanedPlaceholders),
		"expired", len(report.ExpiredCompleted),
		"duplicates", len(report.Duplicates))

	if report.changed() {
		if err := l.Save(ctx); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (r *PruneReport) changed() bool {
	return len(r.OrphanedPlaceholders) > 0 || len(r.ExpiredCompleted) > 0 || len(r.Duplicates) > 0 || len(r.StaleActive) > 0
}

// Save writes both collections to the store.
func (l *Ledger) Save(ctx context.Context) error {
	if err := l.write(ctx, l.config.ActiveKey, l.active); err != nil {
		return err
	}
	return l.write(ctx, l.config.CompletedKey, l.completed)
}

func (l *Ledger) read(ctx context.Context, key string) ([]*GenerationJob, error) {
	data, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var jobs []*GenerationJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		// A corrupt blob must not prevent startup; start over with an empty collection.
		l.logger.Warn("read: discarding unreadable collection", "key", key, "error", err)
		return nil, nil
	}
	return jobs, nil
}

func (l *Ledger) write(ctx context.Context, key string, jobs []*GenerationJob) error {
	if jobs == nil {
		jobs = []*GenerationJob{}
	}
	data, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := l.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Active returns the live active job with id, or nil.
func (l *Ledger) Active(id string) *GenerationJob {
	if i := indexOf(l.active, id); i >= 0 {
		return l.active[i]
	}
	return nil
}

// Completed returns the live completed/failed job with id, or nil.
func (l *Ledger) Completed(id string) *GenerationJob {
	if i := indexOf(l.completed, id); i >= 0 {
		return l.completed[i]
	}
	return nil
}

// Insert adds job to the front of the active collection, replacing any
// record with the same id in either collection.
func (l *Ledger) Insert(job *GenerationJob) {
	l.active = removeByID(l.active, job.ID)
	l.completed = removeByID(l.completed, job.ID)
	l.active = append([]*GenerationJob{job}, l.active...)
}

// Archive moves job out of the active collection and to the front of the
// completed collection in one step.
func (l *Ledger) Archive(job *GenerationJob) {
	l.active = removeByID(l.active, job.ID)
	l.completed = removeByID(l.completed, job.ID)
	l.completed = append([]*GenerationJob{job}, l.completed...)
}

// RemoveActive drops id from the active collection. It reports whether a record was removed.
func (l *Ledger) RemoveActive(id string) bool {
	before := len(l.active)
	l.active = removeByID(l.active, id)
	return len(l.active) != before
}

// RemoveCompleted drops id from the completed collection. It reports whether a record was removed.
func (l *Ledger) RemoveCompleted(id string) bool {
	before := len(l.completed)
	l.completed = removeByID(l.completed, id)
	return len(l.completed) != before
}

// StaleActive returns active jobs created more than maxAge before now.
func (l *Ledger) StaleActive(now time.Time, maxAge time.Duration) []*GenerationJob {
	var stale []*GenerationJob
	for _, job := range l.active {
		if now.Sub(job.CreatedAt) > maxAge {
			stale = append(stale, job)
		}
	}
	return stale
}

// PruneCompleted drops completed jobs whose last update is older than ttl
// and returns their ids.
func (l *Ledger) PruneCompleted(now time.Time, ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	var pruned []string
	kept := make([]*GenerationJob, 0, len(l.completed))
	for _, job := range l.completed {
		if now.Sub(job.LastUpdateTime) > ttl {
			pruned = append(pruned, job.ID)
			continue
		}
		kept = append(kept, job)
	}
	l.completed = kept
	return pruned
}

// ActiveJobs returns the live active collection. Callers must not retain it.
func (l *Ledger) ActiveJobs() []*GenerationJob { return l.active }

// CompletedJobs returns the live completed collection. Callers must not retain it.
func (l *Ledger) CompletedJobs() []*GenerationJob { return l.completed }

// Clear empties both collections.
func (l *Ledger) Clear() {
	l.active = nil
	l.completed = nil
}

// Snapshot returns deep copies of both collections.
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{
		Active:    cloneJobs(l.active),
		Completed: cloneJobs(l.completed),
	}
}

func indexOf(jobs []*GenerationJob, id string) int {
	for i, job := range jobs {
		if job.ID == id {
			return i
		}
	}
	return -1
}

func removeByID(jobs []*GenerationJob, id string) []*GenerationJob {
	i := indexOf(jobs, id)
	if i < 0 {
		return jobs
	}
	out := make([]*GenerationJob, 0, len(jobs)-1)
	out = append(out, jobs[:i]...)
	return append(out, jobs[i+1:]...)
}
