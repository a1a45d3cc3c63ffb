package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/domain"
	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/store"
)

const testOwner = "owner-1"

type recordingRemote struct {
	mu        sync.Mutex
	cancelled []string
}

func (r *recordingRemote) CancelRemoteJob(_ context.Context, remoteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, remoteID)
	return nil
}

func (r *recordingRemote) cancelledIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cancelled...)
}

type invocationLog struct {
	mu     sync.Mutex
	counts map[string]int
	events []string
}

func newInvocationLog() *invocationLog {
	return &invocationLog{counts: make(map[string]int)}
}

func (l *invocationLog) record(event, jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if event == "start" {
		l.counts[jobID]++
	}
	l.events = append(l.events, event+"-"+jobID)
}

func (l *invocationLog) count(jobID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[jobID]
}

func (l *invocationLog) sequence() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func startDispatcher(t *testing.T, jobStore store.JobStore, cfg DispatcherConfig) (*Dispatcher, *ExecutionShim) {
	t.Helper()
	shim := NewExecutionShim(ShimConfig{KeepAliveInterval: 10 * time.Millisecond})
	cfg.OwnerID = testOwner

	dispatcher, err := NewDispatcher(jobStore, shim, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = dispatcher.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("dispatcher did not shut down")
		}
	})
	return dispatcher, shim
}

func jobStatus(t *testing.T, jobStore store.JobStore, jobID string) domain.JobStatus {
	t.Helper()
	job, err := jobStore.Get(context.Background(), jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		return domain.JobStatusCancelled
	}
	require.NoError(t, err)
	return job.Status
}

func TestDispatcherClaimsEachJobExactlyOnce(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	log := newInvocationLog()

	work := func(ctx context.Context, job domain.Job) error {
		log.record("start", job.ID)
		// Stay queued-visible long enough for duplicate snapshots to arrive.
		time.Sleep(20 * time.Millisecond)
		if err := jobStore.UpdateProgress(ctx, job.ID, 50, "working"); err != nil {
			return err
		}
		return jobStore.Complete(ctx, job.ID, "generated/"+job.ID)
	}

	_, _ = startDispatcher(t, jobStore, DispatcherConfig{Work: work})

	jobA, err := jobStore.Create(context.Background(), testOwner, domain.JobKindOptimization, []byte(`{}`))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	jobB, err := jobStore.Create(context.Background(), testOwner, domain.JobKindAnalysis, []byte(`{}`))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return jobStatus(t, jobStore, jobA) == domain.JobStatusCompleted &&
			jobStatus(t, jobStore, jobB) == domain.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, log.count(jobA), "job A unit of work ran more than once")
	assert.Equal(t, 1, log.count(jobB), "job B unit of work ran more than once")
}

func TestDispatcherDrainsJobsInArrivalOrder(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	log := newInvocationLog()

	work := func(ctx context.Context, job domain.Job) error {
		log.record("start", job.ID)
		defer log.record("end", job.ID)
		if err := jobStore.UpdateProgress(ctx, job.ID, 50, "working"); err != nil {
			return err
		}
		time.Sleep(20 * time.Millisecond)
		return jobStore.Complete(ctx, job.ID, "generated/"+job.ID)
	}

	_, _ = startDispatcher(t, jobStore, DispatcherConfig{Work: work})

	jobA, err := jobStore.Create(context.Background(), testOwner, domain.JobKindOptimization, []byte(`{}`))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	jobB, err := jobStore.Create(context.Background(), testOwner, domain.JobKindOptimization, []byte(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobStatus(t, jobStore, jobA) == domain.JobStatusCompleted &&
			jobStatus(t, jobStore, jobB) == domain.JobStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t,
		[]string{"start-" + jobA, "end-" + jobA, "start-" + jobB, "end-" + jobB},
		log.sequence(),
		"job A must finish before job B starts")
}

func TestDispatcherStopsWorkerWhenJobDeletedMidFlight(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	remote := &recordingRemote{}

	work := func(ctx context.Context, job domain.Job) error {
		if err := jobStore.UpdateProgress(ctx, job.ID, 10, "working"); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}

	dispatcher, shim := startDispatcher(t, jobStore, DispatcherConfig{Work: work, Remote: remote})

	jobID, err := jobStore.Create(context.Background(), testOwner, domain.JobKindOptimization, []byte(`{}`))
	require.NoError(t, err)
	dispatcher.LinkRemoteJob(jobID, "remote-1")

	require.Eventually(t, func() bool {
		return shim.CurrentJobID() == jobID
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, jobStore.Delete(context.Background(), testOwner, jobID))

	require.Eventually(t, func() bool {
		return !shim.IsActive()
	}, 3*time.Second, 5*time.Millisecond, "shim still active after job deletion")
	require.Eventually(t, func() bool {
		return len(remote.cancelledIDs()) == 1
	}, 3*time.Second, 5*time.Millisecond, "linked remote job was not cancelled")
	assert.Equal(t, []string{"remote-1"}, remote.cancelledIDs())

	assert.Eventually(t, func() bool {
		return dispatcher.ClaimedCount() == 0
	}, 3*time.Second, 5*time.Millisecond, "claim not released after force stop")
}

func TestDispatcherUnitOfWorkAbortsOnJobNotFound(t *testing.T) {
	jobStore := store.NewMemoryJobStore()

	progressed := make(chan struct{})
	proceed := make(chan struct{})
	work := func(ctx context.Context, job domain.Job) error {
		if err := jobStore.UpdateProgress(ctx, job.ID, 10, "working"); err != nil {
			return err
		}
		close(progressed)
		<-proceed
		// The document is gone by now; this write is the abort signal.
		err := jobStore.UpdateProgress(ctx, job.ID, 20, "working")
		if errors.Is(err, store.ErrJobNotFound) {
			return nil
		}
		return errors.New("expected abort signal, job still present")
	}

	dispatcher, _ := startDispatcher(t, jobStore, DispatcherConfig{Work: work})

	jobID, err := jobStore.Create(context.Background(), testOwner, domain.JobKindSkillAddition, []byte(`{}`))
	require.NoError(t, err)

	<-progressed
	require.NoError(t, jobStore.Delete(context.Background(), testOwner, jobID))
	close(proceed)

	assert.Eventually(t, func() bool {
		return dispatcher.ClaimedCount() == 0
	}, 3*time.Second, 5*time.Millisecond)
	_, err = jobStore.Get(context.Background(), jobID)
	assert.ErrorIs(t, err, store.ErrJobNotFound, "deleted job must stay gone")
}

func TestDispatcherAlertsOnFailureAndReleasesClaim(t *testing.T) {
	jobStore := store.NewMemoryJobStore()

	var alerts struct {
		mu   sync.Mutex
		jobs []string
	}
	work := func(ctx context.Context, job domain.Job) error {
		if err := jobStore.UpdateProgress(ctx, job.ID, 10, "working"); err != nil {
			return err
		}
		return errors.New("model rejected the resume")
	}
	onError := func(job domain.Job, err error) {
		alerts.mu.Lock()
		alerts.jobs = append(alerts.jobs, job.ID)
		alerts.mu.Unlock()
	}

	dispatcher, _ := startDispatcher(t, jobStore, DispatcherConfig{Work: work, OnError: onError})

	jobID, err := jobStore.Create(context.Background(), testOwner, domain.JobKindCoverLetter, []byte(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return jobStatus(t, jobStore, jobID) == domain.JobStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	job, err := jobStore.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, "model rejected the resume", job.ErrorMessage)

	alerts.mu.Lock()
	assert.Equal(t, []string{jobID}, alerts.jobs)
	alerts.mu.Unlock()

	assert.Eventually(t, func() bool {
		return dispatcher.ClaimedCount() == 0
	}, 3*time.Second, 5*time.Millisecond, "failed job left stuck claimed")
}

func TestDispatcherRestartRecoversAbandonedJobViaSweep(t *testing.T) {
	var clock struct {
		mu  sync.Mutex
		now time.Time
	}
	clock.now = time.Now()
	jobStore := store.NewMemoryJobStoreWithClock(func() time.Time {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return clock.now
	})

	// A previous process claimed the job, progressed it, and died.
	jobID, err := jobStore.Create(context.Background(), testOwner, domain.JobKindOptimization, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, jobStore.UpdateProgress(context.Background(), jobID, 30, "scoring"))

	clock.mu.Lock()
	clock.now = clock.now.Add(domain.StaleAfter + time.Minute)
	clock.mu.Unlock()

	log := newInvocationLog()
	work := func(ctx context.Context, job domain.Job) error {
		log.record("start", job.ID)
		return jobStore.Complete(ctx, job.ID, "generated/"+job.ID)
	}

	dispatcher, _ := startDispatcher(t, jobStore, DispatcherConfig{Work: work})

	require.Eventually(t, func() bool {
		return jobStatus(t, jobStore, jobID) == domain.JobStatusFailed
	}, 3*time.Second, 10*time.Millisecond, "abandoned job not reclaimed by sweep")

	job, err := jobStore.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, store.StaleFailureReason, job.ErrorMessage)

	assert.Zero(t, log.count(jobID), "abandoned job must not be re-executed")
	assert.Zero(t, dispatcher.ClaimedCount(), "restart must begin with an empty claimed set")
}
