package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/domain"
)

// MemoryJobStore keeps jobs in memory. It backs local development and tests
// and is the fallback when no durable backend is configured.
type MemoryJobStore struct {
	now func() time.Time

	mu   sync.RWMutex
	jobs map[string]*domain.Job
	subs map[*memorySubscription]struct{}
}

func NewMemoryJobStore() *MemoryJobStore {
	return NewMemoryJobStoreWithClock(time.Now)
}

// NewMemoryJobStoreWithClock injects the clock used for timestamps and
// staleness decisions, so tests can age jobs past the sweep window.
func NewMemoryJobStoreWithClock(now func() time.Time) *MemoryJobStore {
	return &MemoryJobStore{
		now:  now,
		jobs: make(map[string]*domain.Job),
		subs: make(map[*memorySubscription]struct{}),
	}
}

func (m *MemoryJobStore) Create(
	_ context.Context,
	ownerID string,
	kind domain.JobKind,
	payload json.RawMessage,
) (string, error) {
	now := m.now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Kind:      kind,
		Status:    domain.JobStatusQueued,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.notify()
	return job.ID, nil
}

func (m *MemoryJobStore) Get(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *MemoryJobStore) UpdateProgress(_ context.Context, jobID string, progress int, stage string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("job %s was deleted: %w", jobID, ErrJobNotFound)
	}
	if job.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("job %s already settled as %s: %w", jobID, job.Status, ErrJobNotFound)
	}

	job.Status = domain.JobStatusProcessing
	job.Progress = clampProgress(job.Progress, progress)
	job.Stage = stage
	job.UpdatedAt = m.now().UTC()
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *MemoryJobStore) Complete(_ context.Context, jobID, resultRef string) error {
	return m.settle(jobID, func(job *domain.Job) {
		job.Status = domain.JobStatusCompleted
		job.Progress = domain.MaxProgress
		job.Stage = "completed"
		job.ErrorMessage = ""
		job.ResultRef = resultRef
	})
}

func (m *MemoryJobStore) Fail(_ context.Context, jobID, message string) error {
	return m.settle(jobID, func(job *domain.Job) {
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = message
	})
}

// settle applies a terminal transition. Missing and already-terminal
// documents are silent no-ops, keeping the status machine forward-only.
func (m *MemoryJobStore) settle(jobID string, mutate func(*domain.Job)) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	mutate(job)
	job.UpdatedAt = m.now().UTC()
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *MemoryJobStore) Delete(_ context.Context, ownerID, jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	if job.OwnerID != ownerID {
		m.mu.Unlock()
		return ErrUnauthorized
	}
	delete(m.jobs, jobID)
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *MemoryJobStore) SubscribeAll(ctx context.Context, ownerID string) (Subscription, error) {
	return m.subscribe(ctx, ownerID, false), nil
}

func (m *MemoryJobStore) SubscribeQueued(ctx context.Context, ownerID string) (Subscription, error) {
	return m.subscribe(ctx, ownerID, true), nil
}

func (m *MemoryJobStore) SweepStale(_ context.Context, ownerID string) (int, error) {
	now := m.now().UTC()
	reclaimed := 0

	m.mu.Lock()
	for _, job := range m.jobs {
		if job.OwnerID != ownerID || !job.Stale(now) {
			continue
		}
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = StaleFailureReason
		job.UpdatedAt = now
		reclaimed++
	}
	m.mu.Unlock()

	if reclaimed > 0 {
		m.notify()
	}
	return reclaimed, nil
}

func (m *MemoryJobStore) subscribe(ctx context.Context, ownerID string, queuedOnly bool) *memorySubscription {
	sub := &memorySubscription{
		store:      m,
		ownerID:    ownerID,
		queuedOnly: queuedOnly,
		ch:         make(chan []domain.Job, 1),
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	sub.push(m.snapshot(ownerID, queuedOnly))

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub
}

func (m *MemoryJobStore) notify() {
	m.mu.RLock()
	subs := make([]*memorySubscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.push(m.snapshot(sub.ownerID, sub.queuedOnly))
	}
}

// snapshot renders the live view a subscription delivers: all jobs newest
// first bounded to RecentJobsLimit, or queued jobs oldest first.
func (m *MemoryJobStore) snapshot(ownerID string, queuedOnly bool) []domain.Job {
	m.mu.RLock()
	jobs := make([]domain.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if queuedOnly && job.Status != domain.JobStatusQueued {
			continue
		}
		jobs = append(jobs, *job.Clone())
	}
	m.mu.RUnlock()

	if queuedOnly {
		sort.Slice(jobs, func(i, j int) bool {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		})
		return jobs
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
	})
	if len(jobs) > RecentJobsLimit {
		jobs = jobs[:RecentJobsLimit]
	}
	return jobs
}

type memorySubscription struct {
	store      *MemoryJobStore
	ownerID    string
	queuedOnly bool

	mu     sync.Mutex
	closed bool
	ch     chan []domain.Job
	done   chan struct{}
}

func (s *memorySubscription) Jobs() <-chan []domain.Job {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
	s.mu.Unlock()

	s.store.mu.Lock()
	delete(s.store.subs, s)
	s.store.mu.Unlock()
}

// push replaces any undelivered snapshot so slow consumers always observe the
// latest state rather than blocking mutations.
func (s *memorySubscription) push(jobs []domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- jobs:
	default:
		select {
		case <-s.ch:
		default:
		}
		s.ch <- jobs
	}
}

func clampProgress(current, next int) int {
	if next < current {
		return current
	}
	if next > domain.MaxProgress {
		return domain.MaxProgress
	}
	return next
}
