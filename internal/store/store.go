package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/domain"
)

var (
	// ErrStoreUnavailable marks a transient backend failure. The job, if any,
	// is left queued; re-subscription retries it.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrJobNotFound is the authoritative cancellation signal: the document is
	// gone (or already terminal) and in-flight work must stop now, not retry.
	ErrJobNotFound = errors.New("job not found")

	// ErrUnauthorized marks a permission violation; never retried.
	ErrUnauthorized = errors.New("not authorized for job")
)

const (
	// RecentJobsLimit bounds the all-jobs live view to the most recently
	// updated documents per owner.
	RecentJobsLimit = 25

	// StaleFailureReason is stamped on jobs reclaimed by the sweep.
	StaleFailureReason = "generation timed out and was abandoned"
)

// Subscription delivers live snapshots of an owner's jobs. Every snapshot is
// a full replacement, not a delta; delivery is at-least-once and the same
// snapshot may arrive twice after a backend reconnect.
type Subscription interface {
	// Jobs yields snapshots until the subscription is closed. The channel is
	// closed after Close or when the subscribing context ends.
	Jobs() <-chan []domain.Job
	Close()
}

// JobStore owns persisted job state. It is the serialization point for state
// visible across processes and devices; everything else derives from it.
type JobStore interface {
	// Create inserts a queued job and returns its id.
	Create(ctx context.Context, ownerID string, kind domain.JobKind, payload json.RawMessage) (string, error)

	// Get returns a copy of the job document.
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// UpdateProgress moves the job to processing and stamps progress and
	// stage. Returns ErrJobNotFound if the document was deleted or is already
	// terminal; callers must treat that as an unconditional abort signal.
	UpdateProgress(ctx context.Context, jobID string, progress int, stage string) error

	// Complete marks the job completed with a reference to the produced
	// artifact. Silently a no-op if the document is already gone.
	Complete(ctx context.Context, jobID, resultRef string) error

	// Fail marks the job failed with a message. Silently a no-op if the
	// document is already gone.
	Fail(ctx context.Context, jobID, message string) error

	// Delete removes the job. Only the owning account may delete; anything
	// else fails with ErrUnauthorized.
	Delete(ctx context.Context, ownerID, jobID string) error

	// SubscribeAll streams the owner's most recently updated jobs, bounded to
	// RecentJobsLimit, newest first.
	SubscribeAll(ctx context.Context, ownerID string) (Subscription, error)

	// SubscribeQueued streams only the owner's queued jobs, oldest first.
	SubscribeQueued(ctx context.Context, ownerID string) (Subscription, error)

	// SweepStale fails every queued or processing job of the owner older than
	// the staleness window and returns how many were reclaimed.
	SweepStale(ctx context.Context, ownerID string) (int, error)
}
