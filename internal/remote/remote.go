// Package remote is the client side of the fire-and-forget path: generation
// runs entirely server-side, the client only creates a request document and
// watches the store for its completion.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/domain"
	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/store"
)

// CancelledMessage is the synthetic error reported when the request document
// disappears before a terminal status was observed.
const CancelledMessage = "cancelled by user"

// Result is the typed completion outcome delivered on a watch channel:
// either a result reference or an error message, never both.
type Result struct {
	RemoteID     string
	ResultRef    string
	ErrorMessage string
}

func (r Result) Failed() bool {
	return r.ErrorMessage != ""
}

// Client creates remote job requests and watches their outcomes through the
// same store subscription used for local jobs.
type Client struct {
	store   store.JobStore
	ownerID string
	logger  *log.Logger
}

func NewClient(jobStore store.JobStore, ownerID string, logger *log.Logger) (*Client, error) {
	if jobStore == nil {
		return nil, errors.New("job store is required")
	}
	if ownerID == "" {
		return nil, errors.New("owner id is required")
	}
	return &Client{store: jobStore, ownerID: ownerID, logger: logger}, nil
}

// CreateRequest writes the request document that triggers server-side
// execution and returns its id.
func (c *Client) CreateRequest(ctx context.Context, kind domain.JobKind, payload json.RawMessage) (string, error) {
	return c.store.Create(ctx, c.ownerID, kind, payload)
}

// Watch delivers exactly one Result for the remote job: its terminal outcome,
// or a cancellation result if the document disappears after having been seen.
// The channel closes after delivery or when ctx ends.
func (c *Client) Watch(ctx context.Context, remoteID string) (<-chan Result, error) {
	sub, err := c.store.SubscribeAll(ctx, c.ownerID)
	if err != nil {
		return nil, err
	}

	// Anchor on the current document state: subscriptions coalesce, so the
	// snapshot that proves the request ever existed may never be delivered.
	seen := false
	switch current, getErr := c.store.Get(ctx, remoteID); {
	case getErr == nil:
		seen = true
		if result, settled := terminalResult(remoteID, current); settled {
			sub.Close()
			results := make(chan Result, 1)
			results <- result
			close(results)
			return results, nil
		}
	case errors.Is(getErr, store.ErrJobNotFound):
		sub.Close()
		results := make(chan Result, 1)
		results <- Result{RemoteID: remoteID, ErrorMessage: CancelledMessage}
		close(results)
		return results, nil
	default:
		sub.Close()
		return nil, getErr
	}

	results := make(chan Result, 1)
	go func() {
		defer close(results)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case snapshot, ok := <-sub.Jobs():
				if !ok {
					return
				}
				result, settled := outcome(remoteID, snapshot, &seen)
				if !settled {
					continue
				}
				results <- result
				return
			}
		}
	}()
	return results, nil
}

// CancelRemoteJob deletes the request document; the server-side trigger
// treats the missing document as a cancellation. Already-gone documents are
// fine, that just means the cancel raced completion cleanup.
func (c *Client) CancelRemoteJob(ctx context.Context, remoteID string) error {
	err := c.store.Delete(ctx, c.ownerID, remoteID)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil
	}
	return err
}

func outcome(remoteID string, snapshot []domain.Job, seen *bool) (Result, bool) {
	for _, job := range snapshot {
		if job.ID != remoteID {
			continue
		}
		*seen = true
		return terminalResult(remoteID, &job)
	}

	// Absent after having been seen: deleted, equivalent to cancelled.
	if *seen {
		return Result{RemoteID: remoteID, ErrorMessage: CancelledMessage}, true
	}
	return Result{}, false
}

func terminalResult(remoteID string, job *domain.Job) (Result, bool) {
	if !job.Status.Terminal() {
		return Result{}, false
	}
	if job.Status == domain.JobStatusCompleted {
		return Result{RemoteID: remoteID, ResultRef: job.ResultRef}, true
	}
	message := job.ErrorMessage
	if message == "" {
		message = CancelledMessage
	}
	return Result{RemoteID: remoteID, ErrorMessage: message}, true
}
