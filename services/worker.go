package services

import (
	"context"
	"time"

	"github.com/malwarebo/unlockd/models"
	"github.com/malwarebo/unlockd/providers"
	"github.com/sirupsen/logrus"
)

// JobRepo is the job lease store: atomic claim-with-lease and heartbeat.
// Implemented by stores.JobStore.
type JobRepo interface {
	Enqueue(ctx context.Context, job *models.IngestionJob) error
	GetByID(ctx context.Context, id string) (*models.IngestionJob, error)
	Claim(ctx context.Context, scopes []string, maxJobs int, workerID string, leaseSeconds int) ([]*models.IngestionJob, error)
	TouchLease(ctx context.Context, jobID, workerID string, leaseSeconds int) (bool, error)
	MarkSucceeded(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	ListStaleRunning(ctx context.Context, scope string, startedBefore time.Time, limit int) ([]*models.IngestionJob, error)
}

type GenerationWorkerConfig struct {
	WorkerID     string
	MaxJobs      int
	LeaseSeconds int
	PollInterval time.Duration
	Retry        providers.RetryOptions
}

// GenerationWorker claims queued generation jobs, drives the
// reserved→processing→ready path, and absorbs upstream flakiness through the
// retry wrapper and circuit gate.
type GenerationWorker struct {
	jobs     JobRepo
	unlocks  *UnlockService
	provider providers.GenerationProvider
	gate     *CircuitGate
	config   GenerationWorkerConfig
	logger   *logrus.Logger
}

func CreateGenerationWorker(jobs JobRepo, unlocks *UnlockService, provider providers.GenerationProvider, gate *CircuitGate, config GenerationWorkerConfig, logger *logrus.Logger) *GenerationWorker {
	if config.MaxJobs <= 0 {
		config.MaxJobs = 1
	}
	if config.LeaseSeconds <= 0 {
		config.LeaseSeconds = 60
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	return &GenerationWorker{
		jobs:     jobs,
		unlocks:  unlocks,
		provider: provider,
		gate:     gate,
		config:   config,
		logger:   logger,
	}
}

// Run polls until the context is canceled.
func (w *GenerationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *GenerationWorker) pollOnce(ctx context.Context) {
	claimed, err := w.jobs.Claim(ctx, []string{models.JobScopeUnlockGeneration}, w.config.MaxJobs, w.config.WorkerID, w.config.LeaseSeconds)
	if err != nil {
		w.logger.WithField("error", err.Error()).Error("job claim failed")
		return
	}
	for _, job := range claimed {
		w.processJob(ctx, job)
	}
}

func (w *GenerationWorker) processJob(ctx context.Context, job *models.IngestionJob) {
	unlockID := stringField(job.Payload, "unlock_id")
	userID := stringField(job.Payload, "user_id")
	if unlockID == "" || userID == "" {
		w.jobs.MarkFailed(ctx, job.ID, "malformed payload")
		return
	}

	log := w.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"unlock_id": unlockID,
		"worker_id": w.config.WorkerID,
	})

	if err := w.unlocks.StartProcessing(ctx, unlockID, userID, job.ID); err != nil {
		// The reservation is no longer held (expired and reclaimed, or the
		// unlock already completed); the job has nothing left to do.
		log.WithField("error", err.Error()).Warn("reservation no longer held, dropping job")
		w.jobs.MarkFailed(ctx, job.ID, "reservation no longer held")
		return
	}

	stopHeartbeat := w.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	req := &providers.GenerationRequest{
		SourceItemID: stringField(job.Payload, "source_item_id"),
		Title:        stringField(job.Payload, "title"),
		Transcript:   stringField(job.Payload, "transcript"),
	}

	opts := w.config.Retry
	if opts.ProviderKey == "" {
		opts = providers.DefaultRetryOptions(w.provider.Key())
	}

	var result *providers.GenerationResult
	err := providers.RunWithProviderRetry(ctx, w.gate, opts, func(attemptCtx context.Context) error {
		r, genErr := w.provider.GenerateBlueprint(attemptCtx, req)
		if genErr != nil {
			return genErr
		}
		result = r
		return nil
	})
	if err != nil {
		log.WithField("error", err.Error()).Warn("generation failed, refunding")
		if failErr := w.unlocks.FailGeneration(ctx, unlockID, models.ErrCodeGenerationFailed, err.Error()); failErr != nil {
			log.WithField("error", failErr.Error()).Error("failed to fail unlock; sweep will recover")
		}
		w.jobs.MarkFailed(ctx, job.ID, err.Error())
		return
	}

	if err := w.unlocks.CompleteGeneration(ctx, unlockID, result.BlueprintID); err != nil {
		log.WithField("error", err.Error()).Error("failed to complete unlock; sweep will recover")
		w.jobs.MarkFailed(ctx, job.ID, err.Error())
		return
	}
	w.jobs.MarkSucceeded(ctx, job.ID)
	log.WithField("blueprint_id", result.BlueprintID).Info("generation job finished")
}

// startHeartbeat extends the job lease until the returned stop func is
// called.
func (w *GenerationWorker) startHeartbeat(ctx context.Context, jobID string) func() {
	interval := time.Duration(w.config.LeaseSeconds) * time.Second / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := w.jobs.TouchLease(ctx, jobID, w.config.WorkerID, w.config.LeaseSeconds)
				if err != nil || !ok {
					w.logger.WithFields(logrus.Fields{
						"job_id":    jobID,
						"worker_id": w.config.WorkerID,
					}).Warn("lease heartbeat lost")
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func stringField(payload models.JSON, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
