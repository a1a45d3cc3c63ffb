package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/domain"
)

type AppState string

const (
	AppStateForeground AppState = "foreground"
	AppStateBackground AppState = "background"
)

// Notifier surfaces lifecycle warnings to the user, typically as a local
// notification on the host device.
type Notifier interface {
	WarnMayStall(ctx context.Context, jobID string, kind domain.JobKind) error
	ClearWarning(ctx context.Context) error
}

// LifecycleMonitor observes host foreground/background transitions reported
// by the embedding application. Backgrounding while a non-continuable kind is
// running triggers an immediate stall warning; the continuable generation
// kinds are trusted to ride the background handle and keep-alive pings.
type LifecycleMonitor struct {
	shim     *ExecutionShim
	notifier Notifier
	logger   *log.Logger

	mu              sync.Mutex
	state           AppState
	backgroundSince time.Time
	warned          bool
}

func NewLifecycleMonitor(shim *ExecutionShim, notifier Notifier, logger *log.Logger) *LifecycleMonitor {
	return &LifecycleMonitor{
		shim:     shim,
		notifier: notifier,
		logger:   logger,
		state:    AppStateForeground,
	}
}

func (m *LifecycleMonitor) State() AppState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DidEnterBackground records the transition and warns if the running job is
// not flagged as silently continuable.
func (m *LifecycleMonitor) DidEnterBackground(ctx context.Context) {
	m.mu.Lock()
	if m.state == AppStateBackground {
		m.mu.Unlock()
		return
	}
	m.state = AppStateBackground
	m.backgroundSince = time.Now()
	m.mu.Unlock()

	jobID, kind, active := m.shim.CurrentJob()
	if !active || kind.ContinuableInBackground() {
		return
	}

	m.mu.Lock()
	m.warned = true
	m.mu.Unlock()

	if m.notifier == nil {
		return
	}
	if err := m.notifier.WarnMayStall(ctx, jobID, kind); err != nil && m.logger != nil {
		m.logger.Printf("stall warning failed job_id=%s err=%v", jobID, err)
	}
}

// WillEnterForeground clears any pending warning and logs how long the host
// stayed suspended. A long suspension takes no corrective action: the job
// either kept running or will be reclaimed as stale by the sweep.
func (m *LifecycleMonitor) WillEnterForeground(ctx context.Context) {
	m.mu.Lock()
	if m.state == AppStateForeground {
		m.mu.Unlock()
		return
	}
	m.state = AppStateForeground
	elapsed := time.Since(m.backgroundSince)
	warned := m.warned
	m.warned = false
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Printf("returned to foreground suspended_for=%s job_active=%t", elapsed, m.shim.IsActive())
	}

	if warned && m.notifier != nil {
		if err := m.notifier.ClearWarning(ctx); err != nil && m.logger != nil {
			m.logger.Printf("clear warning failed err=%v", err)
		}
	}
}
