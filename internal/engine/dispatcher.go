package engine

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/domain"
	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/store"
)

// UnitOfWork performs the actual generation for a claimed job, reporting
// progress and the terminal transition through the job store. It must stop
// promptly after observing store.ErrJobNotFound and must resolve normally on
// benign cancellation.
type UnitOfWork func(ctx context.Context, job domain.Job) error

// RemoteCanceller cancels a linked fire-and-forget job executing server-side.
type RemoteCanceller interface {
	CancelRemoteJob(ctx context.Context, remoteID string) error
}

// AlertFunc surfaces a user-visible failure for a job whose unit of work
// returned an unexpected error.
type AlertFunc func(job domain.Job, err error)

type DispatcherConfig struct {
	OwnerID string
	Work    UnitOfWork
	Remote  RemoteCanceller
	OnError AlertFunc
	Logger  *log.Logger

	// ExecuteBuffer bounds jobs claimed but not yet started. Claims past the
	// buffer are released so a later queued snapshot retries them.
	ExecuteBuffer int
}

// Dispatcher claims queued jobs exactly once, drains them through the
// execution shim one at a time, and reconciles the shim against the store's
// live view. Construct one per authenticated session; cancelling the Run
// context is the sign-out teardown, and a fresh Dispatcher starts from an
// empty claimed set so truth is always re-derived from the store.
type Dispatcher struct {
	store store.JobStore
	shim  *ExecutionShim
	cfg   DispatcherConfig

	mu      sync.Mutex
	claimed map[string]struct{}
	remotes map[string]string
	execCh  chan domain.Job
}

func NewDispatcher(jobStore store.JobStore, shim *ExecutionShim, cfg DispatcherConfig) (*Dispatcher, error) {
	if jobStore == nil {
		return nil, errors.New("job store is required")
	}
	if shim == nil {
		return nil, errors.New("execution shim is required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}
	if cfg.Work == nil {
		return nil, errors.New("unit of work is required")
	}
	if cfg.ExecuteBuffer <= 0 {
		cfg.ExecuteBuffer = 64
	}
	return &Dispatcher{
		store:   jobStore,
		shim:    shim,
		cfg:     cfg,
		claimed: make(map[string]struct{}),
		remotes: make(map[string]string),
		execCh:  make(chan domain.Job, cfg.ExecuteBuffer),
	}, nil
}

// Run blocks until ctx ends or the store tears the subscriptions down. It
// sweeps stale jobs once at start, then drains queued jobs and reconciles on
// every live-view update.
func (d *Dispatcher) Run(ctx context.Context) error {
	if reclaimed, err := d.store.SweepStale(ctx, d.cfg.OwnerID); err != nil {
		if d.logger() != nil {
			d.logger().Printf("stale sweep failed owner=%s err=%v", d.cfg.OwnerID, err)
		}
	} else if reclaimed > 0 && d.logger() != nil {
		d.logger().Printf("stale sweep reclaimed=%d owner=%s", reclaimed, d.cfg.OwnerID)
	}

	queuedSub, err := d.store.SubscribeQueued(ctx, d.cfg.OwnerID)
	if err != nil {
		return err
	}
	defer queuedSub.Close()

	allSub, err := d.store.SubscribeAll(ctx, d.cfg.OwnerID)
	if err != nil {
		return err
	}
	defer allSub.Close()

	// The executor outlives neither Run nor the parent context: an internal
	// context tears it down even when the store closes a subscription first.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.executeLoop(runCtx)
	}()
	defer wg.Wait()
	defer cancel()

	queued := queuedSub.Jobs()
	all := allSub.Jobs()
	for {
		select {
		case <-runCtx.Done():
			return ctx.Err()
		case batch, ok := <-queued:
			if !ok {
				return nil
			}
			d.claimBatch(batch)
		case view, ok := <-all:
			if !ok {
				return nil
			}
			d.reconcile(runCtx, view)
		}
	}
}

// LinkRemoteJob associates a server-side job with a local one so the
// reconciliation loop can cancel both together.
func (d *Dispatcher) LinkRemoteJob(jobID, remoteID string) {
	d.mu.Lock()
	d.remotes[jobID] = remoteID
	d.mu.Unlock()
}

// ClaimedCount reports how many jobs this process currently holds claims on.
func (d *Dispatcher) ClaimedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.claimed)
}

// claimBatch marks unclaimed queued jobs and hands them to the executor in
// arrival order. Real-time stores redeliver documents on reconnect; the
// claimed set is what keeps the unit of work from running twice.
func (d *Dispatcher) claimBatch(batch []domain.Job) {
	for _, job := range batch {
		d.mu.Lock()
		if _, ok := d.claimed[job.ID]; ok {
			d.mu.Unlock()
			continue
		}
		d.claimed[job.ID] = struct{}{}
		d.mu.Unlock()

		select {
		case d.execCh <- job:
		default:
			// Executor backlog is full; release the claim so the job is
			// retried from a later queued snapshot.
			d.unclaim(job.ID)
			if d.logger() != nil {
				d.logger().Printf("executor backlog full, deferring job_id=%s", job.ID)
			}
		}
	}
}

// executeLoop drains claimed jobs one at a time, so a queued batch [A, B]
// runs A to completion before B's unit of work starts.
func (d *Dispatcher) executeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.execCh:
			d.execute(ctx, job)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, job domain.Job) {
	defer d.unclaim(job.ID)

	// Snapshots can be stale; re-read before running so a job settled or
	// deleted since delivery is skipped instead of executed twice.
	current, err := d.store.Get(ctx, job.ID)
	if err != nil {
		if d.logger() != nil && !errors.Is(err, context.Canceled) {
			d.logger().Printf("skipping claimed job, not readable job_id=%s err=%v", job.ID, err)
		}
		return
	}
	if current.Status != domain.JobStatusQueued {
		return
	}

	err = d.shim.Run(ctx, &job, func(runCtx context.Context) error {
		return d.cfg.Work(runCtx, job)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrForceStopped):
		if d.logger() != nil {
			d.logger().Printf("job force stopped job_id=%s kind=%s", job.ID, job.Kind)
		}
	case errors.Is(err, store.ErrJobNotFound):
		// The document vanished mid-flight: cancelled by the user, not a
		// failure worth alerting about.
		if d.logger() != nil {
			d.logger().Printf("job cancelled mid-flight job_id=%s kind=%s", job.ID, job.Kind)
		}
	case errors.Is(err, context.Canceled):
	default:
		if d.logger() != nil {
			d.logger().Printf("job failed job_id=%s kind=%s err=%v", job.ID, job.Kind, err)
		}
		if markErr := d.store.Fail(context.WithoutCancel(ctx), job.ID, err.Error()); markErr != nil && d.logger() != nil {
			d.logger().Printf("failed to record job failure job_id=%s err=%v", job.ID, markErr)
		}
		if d.cfg.OnError != nil {
			d.cfg.OnError(job, err)
		}
	}
}

// reconcile compares the shim's running job against the live view. A running
// job that is gone from the view, or present but already terminal, was
// cancelled out from under the worker; stop it and cancel any linked remote
// job.
func (d *Dispatcher) reconcile(ctx context.Context, view []domain.Job) {
	currentID := d.shim.CurrentJobID()
	if currentID == "" {
		return
	}

	for _, job := range view {
		if job.ID != currentID {
			continue
		}
		switch job.Status {
		case domain.JobStatusFailed, domain.JobStatusCancelled:
			// Settled out from under the worker by another actor.
		default:
			// Still live, or completed by our own unit of work; the snapshot
			// can arrive before the shim clears, so completion is not drift.
			return
		}
		break
	}

	if d.logger() != nil {
		d.logger().Printf("running job no longer live, force stopping job_id=%s", currentID)
	}

	// Take the remote link before stopping: the executor unclaims (and drops
	// the link) the instant the shim rejects.
	d.mu.Lock()
	remoteID, linked := d.remotes[currentID]
	delete(d.remotes, currentID)
	d.mu.Unlock()

	d.shim.ForceStop()

	if !linked || d.cfg.Remote == nil {
		return
	}
	if err := d.cfg.Remote.CancelRemoteJob(context.WithoutCancel(ctx), remoteID); err != nil && d.logger() != nil {
		d.logger().Printf("linked remote cancel failed job_id=%s remote_id=%s err=%v", currentID, remoteID, err)
	}
}

func (d *Dispatcher) unclaim(jobID string) {
	d.mu.Lock()
	delete(d.claimed, jobID)
	delete(d.remotes, jobID)
	d.mu.Unlock()
}

func (d *Dispatcher) logger() *log.Logger {
	return d.cfg.Logger
}
