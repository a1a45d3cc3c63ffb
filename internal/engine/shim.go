package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/domain"
)

// ErrForceStopped rejects a job whose execution was deliberately torn down by
// the reconciliation loop. Callers must not surface it as a generation
// failure.
var ErrForceStopped = errors.New("job execution force stopped")

// BackgroundHandle is the host's native background-execution primitive. On a
// suspendable runtime it keeps the process alive while a job runs; on a
// persistent service it is a no-op.
type BackgroundHandle interface {
	Start(ctx context.Context, jobID string, kind domain.JobKind) error
	// Ping emits the periodic liveness signal while a job is running.
	Ping(ctx context.Context, jobID string) error
	Stop(ctx context.Context) error
}

// NoopHandle is the handle for hosts with nothing to keep alive.
type NoopHandle struct{}

func (NoopHandle) Start(context.Context, string, domain.JobKind) error { return nil }
func (NoopHandle) Ping(context.Context, string) error                  { return nil }
func (NoopHandle) Stop(context.Context) error                          { return nil }

// LoggingHandle records handle activity through a logger. Useful for the
// worker daemon and for observing keep-alive cadence during development.
type LoggingHandle struct {
	Logger *log.Logger
}

func (h LoggingHandle) Start(_ context.Context, jobID string, kind domain.JobKind) error {
	if h.Logger != nil {
		h.Logger.Printf("background handle started job_id=%s kind=%s", jobID, kind)
	}
	return nil
}

func (h LoggingHandle) Ping(_ context.Context, jobID string) error {
	if h.Logger != nil {
		h.Logger.Printf("keep-alive ping job_id=%s", jobID)
	}
	return nil
}

func (h LoggingHandle) Stop(context.Context) error {
	if h.Logger != nil {
		h.Logger.Printf("background handle stopped")
	}
	return nil
}

type ShimConfig struct {
	Handle            BackgroundHandle
	KeepAliveInterval time.Duration
	Logger            *log.Logger
}

// ExecutionShim owns the single background handle. At most one job occupies
// it at a time; overflow work runs inline in the caller's goroutine without a
// handle or keep-alive, never dropped.
type ExecutionShim struct {
	handle    BackgroundHandle
	keepAlive time.Duration
	logger    *log.Logger

	mu           sync.Mutex
	active       bool
	stopping     bool
	currentJobID string
	currentKind  domain.JobKind
	stopCh       chan struct{}
	cancel       context.CancelFunc
}

func NewExecutionShim(cfg ShimConfig) *ExecutionShim {
	if cfg.Handle == nil {
		cfg.Handle = NoopHandle{}
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = domain.KeepAliveInterval
	}
	return &ExecutionShim{
		handle:    cfg.Handle,
		keepAlive: cfg.KeepAliveInterval,
		logger:    cfg.Logger,
	}
}

// Run executes work for the given job. The first caller claims the handle;
// while it is held, further calls execute inline instead of failing.
func (s *ExecutionShim) Run(ctx context.Context, job *domain.Job, work func(context.Context) error) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Printf("shim occupied, running inline job_id=%s kind=%s", job.ID, job.Kind)
		}
		return work(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	s.active = true
	s.stopping = false
	s.currentJobID = job.ID
	s.currentKind = job.Kind
	s.stopCh = stopCh
	s.cancel = cancel
	s.mu.Unlock()

	handleUp := false
	if err := s.handle.Start(runCtx, job.ID, job.Kind); err != nil {
		if s.logger != nil {
			s.logger.Printf("background handle unavailable, running in-process job_id=%s err=%v", job.ID, err)
		}
	} else {
		handleUp = true
	}

	pingDone := make(chan struct{})
	if handleUp {
		go s.keepAliveLoop(runCtx, job.ID, pingDone)
	} else {
		close(pingDone)
	}

	done := make(chan error, 1)
	go func() {
		done <- work(runCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-stopCh:
		err = ErrForceStopped
	}

	cancel()
	<-pingDone
	if handleUp {
		if stopErr := s.handle.Stop(context.WithoutCancel(ctx)); stopErr != nil && s.logger != nil {
			s.logger.Printf("background handle stop failed job_id=%s err=%v", job.ID, stopErr)
		}
	}

	s.mu.Lock()
	s.active = false
	s.stopping = false
	s.currentJobID = ""
	s.currentKind = ""
	s.stopCh = nil
	s.cancel = nil
	s.mu.Unlock()

	return err
}

// ForceStop rejects the in-flight run with ErrForceStopped and tears the
// handle down. Safe to call at any time, any number of times.
func (s *ExecutionShim) ForceStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.stopping {
		return
	}
	s.stopping = true
	s.cancel()
	close(s.stopCh)
}

func (s *ExecutionShim) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *ExecutionShim) CurrentJobID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentJobID
}

// CurrentJob returns the id and kind of the job holding the handle, if any.
func (s *ExecutionShim) CurrentJob() (string, domain.JobKind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentJobID, s.currentKind, s.active
}

func (s *ExecutionShim) keepAliveLoop(ctx context.Context, jobID string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.handle.Ping(ctx, jobID); err != nil && s.logger != nil {
				s.logger.Printf("keep-alive ping failed job_id=%s err=%v", jobID, err)
			}
		}
	}
}
