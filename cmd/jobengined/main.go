package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/config"
	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/domain"
	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/engine"
	"github.com/joyjsen/ats-resume-optimizer-sub000/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "[jobengine] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Printf("failed loading .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobStore, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	shim := engine.NewExecutionShim(engine.ShimConfig{
		Handle:            engine.LoggingHandle{Logger: logger},
		KeepAliveInterval: time.Duration(cfg.KeepAliveSeconds) * time.Second,
		Logger:            logger,
	})

	dispatcher, err := engine.NewDispatcher(jobStore, shim, engine.DispatcherConfig{
		OwnerID: cfg.OwnerID,
		Work:    simulatedGeneration(jobStore, logger),
		Logger:  logger,
		OnError: func(job domain.Job, err error) {
			logger.Printf("generation failed kind=%s job_id=%s err=%v", job.Kind, job.ID, err)
		},
	})
	if err != nil {
		logger.Fatalf("failed to build dispatcher: %v", err)
	}

	if cfg.DemoJobs > 0 {
		go enqueueDemoJobs(ctx, jobStore, cfg, logger)
	}

	logger.Printf("dispatcher running owner=%s", cfg.OwnerID)
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("dispatcher stopped: %v", err)
	}
	logger.Printf("shutdown complete")
}

func setupStore(ctx context.Context, cfg config.Config, logger *log.Logger) (store.JobStore, func()) {
	if cfg.DatabaseURL != "" {
		pgStore, err := store.NewPostgresJobStore(ctx, cfg.DatabaseURL, logger)
		if err == nil {
			logger.Printf("postgres job store initialized")
			return pgStore, pgStore.Close
		}
		logger.Printf("failed to initialize postgres store, trying redis: %v", err)
	}

	if cfg.RedisAddr != "" {
		redisStore, err := store.NewRedisJobStore(ctx, store.RedisConfig{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			RefreshRPS:   cfg.SubscriptionRefreshRPS,
			RefreshBurst: cfg.SubscriptionRefreshBurst,
		}, logger)
		if err == nil {
			logger.Printf("redis job store initialized")
			return redisStore, func() { _ = redisStore.Close() }
		}
		logger.Printf("failed to initialize redis store, fallback to memory: %v", err)
	}

	logger.Printf("no durable backend configured, using in-memory store")
	return store.NewMemoryJobStore(), func() {}
}

// simulatedGeneration stands in for the AI generation pipeline: staged
// progress writes followed by completion, aborting the moment the store
// reports the job gone.
func simulatedGeneration(jobStore store.JobStore, logger *log.Logger) engine.UnitOfWork {
	stages := []string{"parsing resume", "scoring against posting", "drafting output", "finalizing"}

	return func(ctx context.Context, job domain.Job) error {
		for i, stage := range stages {
			progress := (i * domain.MaxProgress) / len(stages)
			if err := jobStore.UpdateProgress(ctx, job.ID, progress, stage); err != nil {
				if errors.Is(err, store.ErrJobNotFound) {
					logger.Printf("job gone, stopping generation job_id=%s", job.ID)
					return nil
				}
				return err
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		return jobStore.Complete(ctx, job.ID, fmt.Sprintf("generated/%s", job.ID))
	}
}

func enqueueDemoJobs(ctx context.Context, jobStore store.JobStore, cfg config.Config, logger *log.Logger) {
	for i := 0; i < cfg.DemoJobs; i++ {
		payload, _ := json.Marshal(map[string]any{"demo": true, "index": i})
		jobID, err := jobStore.Create(ctx, cfg.OwnerID, domain.JobKindOptimization, payload)
		if err != nil {
			logger.Printf("demo enqueue failed: %v", err)
			return
		}
		logger.Printf("demo job enqueued job_id=%s", jobID)
	}
}
