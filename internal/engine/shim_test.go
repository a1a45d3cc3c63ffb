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
)

type recordingHandle struct {
	mu       sync.Mutex
	starts   int
	pings    int
	stops    int
	startErr error
}

func (h *recordingHandle) Start(_ context.Context, _ string, _ domain.JobKind) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return h.startErr
	}
	h.starts++
	return nil
}

func (h *recordingHandle) Ping(_ context.Context, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pings++
	return nil
}

func (h *recordingHandle) Stop(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	return nil
}

func (h *recordingHandle) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, h.pings, h.stops
}

func testJob(id string, kind domain.JobKind) *domain.Job {
	return &domain.Job{ID: id, Kind: kind, Status: domain.JobStatusQueued}
}

func TestShimRunsWorkThroughHandle(t *testing.T) {
	handle := &recordingHandle{}
	shim := NewExecutionShim(ShimConfig{Handle: handle, KeepAliveInterval: time.Hour})

	ran := false
	err := shim.Run(context.Background(), testJob("job-1", domain.JobKindAnalysis), func(context.Context) error {
		ran = true
		assert.True(t, shim.IsActive())
		assert.Equal(t, "job-1", shim.CurrentJobID())
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	starts, _, stops := handle.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.False(t, shim.IsActive())
	assert.Empty(t, shim.CurrentJobID())
}

func TestShimSecondCallerRunsInline(t *testing.T) {
	handle := &recordingHandle{}
	shim := NewExecutionShim(ShimConfig{Handle: handle, KeepAliveInterval: time.Hour})

	firstStarted := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- shim.Run(context.Background(), testJob("job-1", domain.JobKindAnalysis), func(context.Context) error {
			close(firstStarted)
			<-release
			return nil
		})
	}()
	<-firstStarted

	// The handle is occupied; the second run must execute inline, not fail.
	inlineRan := false
	err := shim.Run(context.Background(), testJob("job-2", domain.JobKindOptimization), func(context.Context) error {
		inlineRan = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, inlineRan)
	assert.Equal(t, "job-1", shim.CurrentJobID(), "inline run must not take over the handle")

	starts, _, _ := handle.counts()
	assert.Equal(t, 1, starts, "inline run must not start a second handle")

	close(release)
	require.NoError(t, <-firstDone)
}

func TestShimKeepAlivePingsForDurationOfJob(t *testing.T) {
	handle := &recordingHandle{}
	shim := NewExecutionShim(ShimConfig{Handle: handle, KeepAliveInterval: 10 * time.Millisecond})

	err := shim.Run(context.Background(), testJob("job-1", domain.JobKindAnalysis), func(context.Context) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	_, pings, _ := handle.counts()
	assert.GreaterOrEqual(t, pings, 3, "expected keep-alive pings while running")

	time.Sleep(50 * time.Millisecond)
	_, after, _ := handle.counts()
	assert.Equal(t, pings, after, "pings must stop once the job settles")
}

func TestShimForceStopRejectsAndIsIdempotent(t *testing.T) {
	handle := &recordingHandle{}
	shim := NewExecutionShim(ShimConfig{Handle: handle, KeepAliveInterval: time.Hour})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- shim.Run(context.Background(), testJob("job-1", domain.JobKindAnalysis), func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	shim.ForceStop()
	shim.ForceStop()

	err := <-done
	require.ErrorIs(t, err, ErrForceStopped)
	assert.False(t, shim.IsActive())

	_, _, stops := handle.counts()
	assert.Equal(t, 1, stops)

	shim.ForceStop()
}

func TestShimFallsBackWhenHandleFailsToStart(t *testing.T) {
	handle := &recordingHandle{startErr: errors.New("no background capability")}
	shim := NewExecutionShim(ShimConfig{Handle: handle, KeepAliveInterval: 10 * time.Millisecond})

	ran := false
	err := shim.Run(context.Background(), testJob("job-1", domain.JobKindAnalysis), func(context.Context) error {
		ran = true
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	require.NoError(t, err, "handle failure must not abort the job")
	assert.True(t, ran)

	_, pings, stops := handle.counts()
	assert.Zero(t, pings, "no keep-alive without a handle")
	assert.Zero(t, stops, "nothing to stop without a handle")
}
