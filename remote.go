package jobtracker

import "context"

// StatusFetcher queries the job-status endpoint.
// Implementations must return an error wrapping ErrNotFound when the backend
// does not know the job id.
type StatusFetcher interface {
	FetchStatus(ctx context.Context, jobID string) (*StatusReport, error)
}

// ArtifactFetcher loads the artifact produced by a completed job.
type ArtifactFetcher interface {
	FetchArtifact(ctx context.Context, resultID string) (*Artifact, error)
}

// Creator submits a creation request. It is only used to resubmit failed jobs.
type Creator interface {
	Create(ctx context.Context, req *CreationRequest) (*CreationResult, error)
}

// Notifier schedules local notifications for completed jobs.
// The id passed to Schedule is the job id, and the same id cancels it.
type Notifier interface {
	Schedule(ctx context.Context, id, title, artifactID string) error
	Cancel(ctx context.Context, id string) error
}

// ArtifactCache receives artifacts of completed jobs so other readers see
// them without re-fetching.
type ArtifactCache interface {
	Put(ctx context.Context, artifact *Artifact) error
}

type noopNotifier struct{}

func (noopNotifier) Schedule(context.Context, string, string, string) error { return nil }
func (noopNotifier) Cancel(context.Context, string) error                   { return nil }

type noopArtifactCache struct{}

func (noopArtifactCache) Put(context.Context, *Artifact) error { return nil }
