package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/domain"
)

// Schema is the jobs table expected by PostgresJobStore.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	progress      INT NOT NULL DEFAULT 0,
	stage         TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	payload       JSONB,
	result_ref    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_owner_updated_idx ON jobs (owner_id, updated_at DESC);
`

const terminalStatuses = "('completed','failed','cancelled')"

// PostgresJobStore persists jobs in Postgres. Subscriptions are poll-driven:
// a short ticker re-queries the live view and pushes a snapshot whenever it
// differs from the last one delivered.
type PostgresJobStore struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
	logger       *log.Logger
}

func NewPostgresJobStore(ctx context.Context, databaseURL string, logger *log.Logger) (*PostgresJobStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresJobStore{
		pool:         pool,
		pollInterval: time.Second,
		logger:       logger,
	}, nil
}

func (p *PostgresJobStore) Close() {
	p.pool.Close()
}

func (p *PostgresJobStore) Create(
	ctx context.Context,
	ownerID string,
	kind domain.JobKind,
	payload json.RawMessage,
) (string, error) {
	now := time.Now().UTC()
	id := uuid.NewString()

	_, err := p.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner_id, kind, status, progress, stage, error_message, payload, result_ref, created_at, updated_at)
		VALUES ($1,$2,$3,$4,0,'','',$5,'',$6,$6)
	`, id, ownerID, string(kind), string(domain.JobStatusQueued), payload, now)
	if err != nil {
		return "", unavailable("insert job", err)
	}
	return id, nil
}

func (p *PostgresJobStore) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, owner_id, kind, status, progress, stage, error_message, payload, result_ref, created_at, updated_at
		FROM jobs WHERE id = $1
	`, jobID)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, unavailable("query job", err)
	}
	return job, nil
}

func (p *PostgresJobStore) UpdateProgress(ctx context.Context, jobID string, progress int, stage string) error {
	command, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
			progress = GREATEST(progress, LEAST($3, 100)),
			stage = $4,
			updated_at = $5
		WHERE id = $1 AND status NOT IN `+terminalStatuses+`
	`, jobID, string(domain.JobStatusProcessing), progress, stage, time.Now().UTC())
	if err != nil {
		return unavailable("update progress", err)
	}
	if command.RowsAffected() > 0 {
		return nil
	}

	// Distinguish deleted from already-settled only for the error message;
	// both are the same abort signal to the caller.
	var status string
	err = p.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s was deleted: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		return unavailable("query job status", err)
	}
	return fmt.Errorf("job %s already settled as %s: %w", jobID, status, ErrJobNotFound)
}

func (p *PostgresJobStore) Complete(ctx context.Context, jobID, resultRef string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, progress = 100, stage = 'completed', error_message = '', result_ref = $3, updated_at = $4
		WHERE id = $1 AND status NOT IN `+terminalStatuses+`
	`, jobID, string(domain.JobStatusCompleted), resultRef, time.Now().UTC())
	if err != nil {
		return unavailable("complete job", err)
	}
	return nil
}

func (p *PostgresJobStore) Fail(ctx context.Context, jobID, message string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error_message = $3, updated_at = $4
		WHERE id = $1 AND status NOT IN `+terminalStatuses+`
	`, jobID, string(domain.JobStatusFailed), message, time.Now().UTC())
	if err != nil {
		return unavailable("fail job", err)
	}
	return nil
}

func (p *PostgresJobStore) Delete(ctx context.Context, ownerID, jobID string) error {
	command, err := p.pool.Exec(ctx, `
		DELETE FROM jobs WHERE id = $1 AND owner_id = $2
	`, jobID, ownerID)
	if err != nil {
		return unavailable("delete job", err)
	}
	if command.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return unavailable("query job", err)
	}
	if exists {
		return ErrUnauthorized
	}
	return ErrJobNotFound
}

func (p *PostgresJobStore) SubscribeAll(ctx context.Context, ownerID string) (Subscription, error) {
	return p.subscribe(ctx, ownerID, false), nil
}

func (p *PostgresJobStore) SubscribeQueued(ctx context.Context, ownerID string) (Subscription, error) {
	return p.subscribe(ctx, ownerID, true), nil
}

func (p *PostgresJobStore) SweepStale(ctx context.Context, ownerID string) (int, error) {
	command, err := p.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error_message = $3, updated_at = $4
		WHERE owner_id = $1 AND status IN ('queued','processing') AND created_at < $5
	`, ownerID, string(domain.JobStatusFailed), StaleFailureReason, time.Now().UTC(), time.Now().UTC().Add(-domain.StaleAfter))
	if err != nil {
		return 0, unavailable("stale sweep", err)
	}
	return int(command.RowsAffected()), nil
}

func (p *PostgresJobStore) subscribe(ctx context.Context, ownerID string, queuedOnly bool) Subscription {
	sub := &pollSubscription{
		ch:   make(chan []domain.Job, 1),
		done: make(chan struct{}),
	}

	go func() {
		defer close(sub.ch)

		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		lastFingerprint := ""
		refresh := func() {
			jobs, err := p.snapshot(ctx, ownerID, queuedOnly)
			if err != nil {
				if p.logger != nil && ctx.Err() == nil {
					p.logger.Printf("subscription poll failed owner=%s err=%v", ownerID, err)
				}
				return
			}
			fingerprint := fingerprintJobs(jobs)
			if fingerprint == lastFingerprint {
				return
			}
			lastFingerprint = fingerprint
			sub.push(jobs)
		}

		refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	return sub
}

func (p *PostgresJobStore) snapshot(ctx context.Context, ownerID string, queuedOnly bool) ([]domain.Job, error) {
	query := `
		SELECT id, owner_id, kind, status, progress, stage, error_message, payload, result_ref, created_at, updated_at
		FROM jobs
		WHERE owner_id = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`
	args := []any{ownerID, RecentJobsLimit}
	if queuedOnly {
		query = `
			SELECT id, owner_id, kind, status, progress, stage, error_message, payload, result_ref, created_at, updated_at
			FROM jobs
			WHERE owner_id = $1 AND status = $2
			ORDER BY created_at ASC
		`
		args = []any{ownerID, string(domain.JobStatusQueued)}
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query live view", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if rows.Err() != nil {
		return nil, unavailable("iterate live view", rows.Err())
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job     domain.Job
		kind    string
		status  string
		payload []byte
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&kind,
		&status,
		&job.Progress,
		&job.Stage,
		&job.ErrorMessage,
		&payload,
		&job.ResultRef,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	job.Payload = json.RawMessage(payload)
	return &job, nil
}

func fingerprintJobs(jobs []domain.Job) string {
	var builder strings.Builder
	for _, job := range jobs {
		fmt.Fprintf(&builder, "%s|%s|%d|%s|%d;", job.ID, job.Status, job.Progress, job.Stage, job.UpdatedAt.UnixNano())
	}
	return builder.String()
}

type pollSubscription struct {
	mu     sync.Mutex
	closed bool
	ch     chan []domain.Job
	done   chan struct{}
}

func (s *pollSubscription) Jobs() <-chan []domain.Job {
	return s.ch
}

func (s *pollSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *pollSubscription) push(jobs []domain.Job) {
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
