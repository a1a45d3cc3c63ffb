package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/domain"
)

const (
	jobKeyPrefix     = "job:"
	ownerIndexPrefix = "owner_jobs:"
	changedPrefix    = "jobs_changed:"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// RefreshRPS caps how often a subscription re-queries after change
	// notifications; bursts of writes collapse into one refresh.
	RefreshRPS   float64
	RefreshBurst int
}

// RedisJobStore persists job documents as JSON values and fans out change
// notifications over pub/sub, so subscriptions stay live across processes.
type RedisJobStore struct {
	client *redis.Client
	cfg    RedisConfig
	logger *log.Logger
}

func NewRedisJobStore(ctx context.Context, cfg RedisConfig, logger *log.Logger) (*RedisJobStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.RefreshRPS <= 0 {
		cfg.RefreshRPS = 10
	}
	if cfg.RefreshBurst <= 0 {
		cfg.RefreshBurst = 5
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisJobStore{client: client, cfg: cfg, logger: logger}, nil
}

func (r *RedisJobStore) Close() error {
	return r.client.Close()
}

func (r *RedisJobStore) Create(
	ctx context.Context,
	ownerID string,
	kind domain.JobKind,
	payload json.RawMessage,
) (string, error) {
	now := time.Now().UTC()
	job := &domain.Job{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Kind:      kind,
		Status:    domain.JobStatusQueued,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), encoded, 0)
	pipe.SAdd(ctx, ownerIndexKey(ownerID), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("insert job", err)
	}

	r.publishChange(ctx, ownerID)
	return job.ID, nil
}

func (r *RedisJobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	data, err := r.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, unavailable("query job", err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func (r *RedisJobStore) UpdateProgress(ctx context.Context, jobID string, progress int, stage string) error {
	return r.updateDocument(ctx, jobID, false, func(job *domain.Job) error {
		if job.Status.Terminal() {
			return fmt.Errorf("job %s already settled as %s: %w", jobID, job.Status, ErrJobNotFound)
		}
		job.Status = domain.JobStatusProcessing
		job.Progress = clampProgress(job.Progress, progress)
		job.Stage = stage
		return nil
	})
}

func (r *RedisJobStore) Complete(ctx context.Context, jobID, resultRef string) error {
	return r.updateDocument(ctx, jobID, true, func(job *domain.Job) error {
		if job.Status.Terminal() {
			return errSkipUpdate
		}
		job.Status = domain.JobStatusCompleted
		job.Progress = domain.MaxProgress
		job.Stage = "completed"
		job.ErrorMessage = ""
		job.ResultRef = resultRef
		return nil
	})
}

func (r *RedisJobStore) Fail(ctx context.Context, jobID, message string) error {
	return r.updateDocument(ctx, jobID, true, func(job *domain.Job) error {
		if job.Status.Terminal() {
			return errSkipUpdate
		}
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = message
		return nil
	})
}

func (r *RedisJobStore) Delete(ctx context.Context, ownerID, jobID string) error {
	job, err := r.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.OwnerID != ownerID {
		return ErrUnauthorized
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, jobKey(jobID))
	pipe.SRem(ctx, ownerIndexKey(job.OwnerID), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete job", err)
	}

	r.publishChange(ctx, job.OwnerID)
	return nil
}

func (r *RedisJobStore) SubscribeAll(ctx context.Context, ownerID string) (Subscription, error) {
	return r.subscribe(ctx, ownerID, false)
}

func (r *RedisJobStore) SubscribeQueued(ctx context.Context, ownerID string) (Subscription, error) {
	return r.subscribe(ctx, ownerID, true)
}

func (r *RedisJobStore) SweepStale(ctx context.Context, ownerID string) (int, error) {
	jobs, err := r.ownerJobs(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	reclaimed := 0
	for i := range jobs {
		job := &jobs[i]
		if !job.Stale(now) {
			continue
		}
		if err := r.Fail(ctx, job.ID, StaleFailureReason); err != nil {
			if r.logger != nil {
				r.logger.Printf("stale sweep failed job_id=%s err=%v", job.ID, err)
			}
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// errSkipUpdate aborts an update transaction without surfacing an error;
// terminal transitions on already-settled documents are silent no-ops.
var errSkipUpdate = errors.New("skip update")

// updateDocument applies a mutation under optimistic locking so concurrent
// writers from other devices never interleave half-written documents.
func (r *RedisJobStore) updateDocument(
	ctx context.Context,
	jobID string,
	missingOK bool,
	mutate func(*domain.Job) error,
) error {
	key := jobKey(jobID)

	for {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					if missingOK {
						return nil
					}
					return fmt.Errorf("job %s was deleted: %w", jobID, ErrJobNotFound)
				}
				return unavailable("load job", err)
			}

			var job domain.Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("decode job %s: %w", jobID, err)
			}
			if err := mutate(&job); err != nil {
				return err
			}
			job.UpdatedAt = time.Now().UTC()

			encoded, err := json.Marshal(&job)
			if err != nil {
				return fmt.Errorf("encode job %s: %w", jobID, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, redis.KeepTTL)
				return nil
			})
			if err != nil {
				return unavailable("store job", err)
			}

			r.publishChange(ctx, job.OwnerID)
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, errSkipUpdate) {
			return nil
		}
		return err
	}
}

func (r *RedisJobStore) subscribe(ctx context.Context, ownerID string, queuedOnly bool) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, changedKey(ownerID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, unavailable("subscribe", err)
	}

	sub := &redisSubscription{
		ch:     make(chan []domain.Job, 1),
		done:   make(chan struct{}),
		pubsub: pubsub,
	}
	limiter := rate.NewLimiter(rate.Limit(r.cfg.RefreshRPS), r.cfg.RefreshBurst)

	go func() {
		defer close(sub.ch)

		refresh := func() {
			snapshot, err := r.snapshot(ctx, ownerID, queuedOnly)
			if err != nil {
				if r.logger != nil && ctx.Err() == nil {
					r.logger.Printf("subscription refresh failed owner=%s err=%v", ownerID, err)
				}
				return
			}
			sub.push(snapshot)
		}

		refresh()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				refresh()
			}
		}
	}()

	return sub, nil
}

func (r *RedisJobStore) snapshot(ctx context.Context, ownerID string, queuedOnly bool) ([]domain.Job, error) {
	jobs, err := r.ownerJobs(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	if queuedOnly {
		queued := jobs[:0]
		for _, job := range jobs {
			if job.Status == domain.JobStatusQueued {
				queued = append(queued, job)
			}
		}
		jobs = queued
		sort.Slice(jobs, func(i, j int) bool {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		})
		return jobs, nil
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
	})
	if len(jobs) > RecentJobsLimit {
		jobs = jobs[:RecentJobsLimit]
	}
	return jobs, nil
}

func (r *RedisJobStore) ownerJobs(ctx context.Context, ownerID string) ([]domain.Job, error) {
	ids, err := r.client.SMembers(ctx, ownerIndexKey(ownerID)).Result()
	if err != nil {
		return nil, unavailable("list owner jobs", err)
	}
	if len(ids) == 0 {
		return []domain.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("load owner jobs", err)
	}

	jobs := make([]domain.Job, 0, len(values))
	staleIDs := make([]string, 0)
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			// Document expired or deleted; drop the dangling index entry.
			staleIDs = append(staleIDs, ids[i])
			continue
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			if r.logger != nil {
				r.logger.Printf("skipping undecodable job doc key=%s err=%v", keys[i], err)
			}
			continue
		}
		jobs = append(jobs, job)
	}

	if len(staleIDs) > 0 {
		args := make([]interface{}, len(staleIDs))
		for i, id := range staleIDs {
			args[i] = id
		}
		_ = r.client.SRem(ctx, ownerIndexKey(ownerID), args...).Err()
	}
	return jobs, nil
}

func (r *RedisJobStore) publishChange(ctx context.Context, ownerID string) {
	if err := r.client.Publish(ctx, changedKey(ownerID), "changed").Err(); err != nil && r.logger != nil {
		r.logger.Printf("publish change failed owner=%s err=%v", ownerID, err)
	}
}

type redisSubscription struct {
	mu     sync.Mutex
	closed bool
	ch     chan []domain.Job
	done   chan struct{}
	pubsub *redis.PubSub
}

func (s *redisSubscription) Jobs() <-chan []domain.Job {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	_ = s.pubsub.Close()
}

func (s *redisSubscription) push(jobs []domain.Job) {
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

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStoreUnavailable)
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func ownerIndexKey(ownerID string) string {
	return ownerIndexPrefix + ownerID
}

func changedKey(ownerID string) string {
	return changedPrefix + ownerID
}
