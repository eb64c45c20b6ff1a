package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/malwarebo/unlockd/models"
	"github.com/malwarebo/unlockd/monitoring"
	"github.com/malwarebo/unlockd/stores"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type SweepConfig struct {
	BatchSize       int
	ProcessingStale time.Duration
	MinInterval     time.Duration
}

type SweepSummary struct {
	Skipped             bool      `json:"skipped"`
	ExpiredInspected    int       `json:"expired_inspected"`
	ExpiredRecovered    int       `json:"expired_recovered"`
	ProcessingInspected int       `json:"processing_inspected"`
	ProcessingRecovered int       `json:"processing_recovered"`
	OrphanJobsInspected int       `json:"orphan_jobs_inspected"`
	OrphanJobsRecovered int       `json:"orphan_jobs_recovered"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at"`
}

// SweepService heals state left inconsistent by crashes and timeouts: lapsed
// reservations, stale processing rows, and orphaned jobs. Crash-induced
// inconsistency is never surfaced to live callers; the structured logs here
// are its only observable trace.
//
// At most one sweep runs per process (concurrent triggers await the shared
// in-flight run) and, when a distributed lock is configured, per deployment.
// The cooldown timestamp is process-local; that is safe because the sweep is
// idempotent and re-runnable from any trigger.
type SweepService struct {
	unlocks UnlockRepo
	jobs    JobRepo
	ledger  *LedgerService
	locker  *redislock.Client
	config  SweepConfig
	logger  *logrus.Logger

	group   singleflight.Group
	mu      sync.Mutex
	lastRun time.Time
}

func CreateSweepService(unlocks UnlockRepo, jobs JobRepo, ledger *LedgerService, locker *redislock.Client, config SweepConfig, logger *logrus.Logger) *SweepService {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.ProcessingStale <= 0 {
		config.ProcessingStale = 10 * time.Minute
	}
	if config.MinInterval <= 0 {
		config.MinInterval = 30 * time.Second
	}
	return &SweepService{
		unlocks: unlocks,
		jobs:    jobs,
		ledger:  ledger,
		locker:  locker,
		config:  config,
		logger:  logger,
	}
}

// Run executes a sweep unless one completed within MinInterval (force
// overrides) and reports exact recovery counts per pass.
func (s *SweepService) Run(ctx context.Context, force bool) (*SweepSummary, error) {
	if !force && s.withinCooldown() {
		monitoring.RecordSweepRun("skipped")
		return &SweepSummary{Skipped: true}, nil
	}

	// Detach from the triggering request so a shared in-flight run is not
	// killed when one of its awaiters goes away.
	runCtx := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do("sweep", func() (interface{}, error) {
		if !force && s.withinCooldown() {
			return &SweepSummary{Skipped: true}, nil
		}
		return s.sweep(runCtx)
	})
	if err != nil {
		monitoring.RecordSweepRun("failed")
		return nil, err
	}

	summary := v.(*SweepSummary)
	if summary.Skipped {
		monitoring.RecordSweepRun("skipped")
	} else {
		monitoring.RecordSweepRun("completed")
	}
	return summary, nil
}

func (s *SweepService) withinCooldown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastRun.IsZero() && time.Since(s.lastRun) < s.config.MinInterval
}

func (s *SweepService) sweep(ctx context.Context) (*SweepSummary, error) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, "unlockd:sweep", 2*time.Minute, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			s.logger.Debug("sweep lock held by another instance, skipping")
			return &SweepSummary{Skipped: true}, nil
		}
		if err != nil {
			s.logger.WithField("error", err.Error()).Warn("could not obtain sweep lock, proceeding without it")
		} else {
			defer lock.Release(ctx)
		}
	}

	summary := &SweepSummary{StartedAt: time.Now()}

	s.recoverExpiredReservations(ctx, summary)
	s.recoverStaleProcessing(ctx, summary)
	s.recoverOrphanJobs(ctx, summary)

	summary.FinishedAt = time.Now()
	s.mu.Lock()
	s.lastRun = summary.FinishedAt
	s.mu.Unlock()

	monitoring.RecordSweepRecovered("expired_reservations", summary.ExpiredRecovered)
	monitoring.RecordSweepRecovered("stale_processing", summary.ProcessingRecovered)
	monitoring.RecordSweepRecovered("orphan_jobs", summary.OrphanJobsRecovered)

	s.logger.WithFields(logrus.Fields{
		"expired_inspected":     summary.ExpiredInspected,
		"expired_recovered":     summary.ExpiredRecovered,
		"processing_inspected":  summary.ProcessingInspected,
		"processing_recovered":  summary.ProcessingRecovered,
		"orphan_jobs_inspected": summary.OrphanJobsInspected,
		"orphan_jobs_recovered": summary.OrphanJobsRecovered,
		"duration_ms":           summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
	}).Info("sweep completed")
	return summary, nil
}

// recoverExpiredReservations refunds and releases reserved rows whose
// reservation window has lapsed. One row's failure never blocks the rest of
// the batch.
func (s *SweepService) recoverExpiredReservations(ctx context.Context, summary *SweepSummary) {
	expired, err := s.unlocks.FindExpiredReserved(ctx, time.Now(), s.config.BatchSize)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("sweep: listing expired reservations failed")
		return
	}
	summary.ExpiredInspected = len(expired)

	for _, u := range expired {
		recovered, err := s.recoverUnlock(ctx, u, "sweep_reserved_expired_refund", models.ReasonSweepExpiredRefund, models.ErrCodeReservationExpiredRecovered)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"unlock_id": u.ID,
				"error":     err.Error(),
			}).Warn("sweep: expired reservation recovery failed")
			continue
		}
		if recovered {
			summary.ExpiredRecovered++
		}
	}
}

// recoverStaleProcessing resolves each processing row against the job lease
// store. A row is stale when its own window lapsed, it has no job, the job is
// gone, or the job is no longer running.
func (s *SweepService) recoverStaleProcessing(ctx context.Context, summary *SweepSummary) {
	processing, err := s.unlocks.ListProcessing(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("sweep: listing processing rows failed")
		return
	}
	summary.ProcessingInspected = len(processing)

	now := time.Now()
	for _, u := range processing {
		stale, why := s.processingStale(ctx, u, now)
		if !stale {
			continue
		}
		recovered, err := s.recoverUnlock(ctx, u, "sweep_processing_stale_refund", models.ReasonSweepStaleRefund, models.ErrCodeProcessingStaleRecovered)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"unlock_id": u.ID,
				"reason":    why,
				"error":     err.Error(),
			}).Warn("sweep: stale processing recovery failed")
			continue
		}
		if recovered {
			summary.ProcessingRecovered++
		}
	}
}

func (s *SweepService) processingStale(ctx context.Context, u *models.Unlock, now time.Time) (bool, string) {
	if u.ReservationExpired(now) {
		return true, "processing window expired"
	}
	if u.JobID == nil {
		return true, "no job linked"
	}
	job, err := s.jobs.GetByID(ctx, *u.JobID)
	if errors.Is(err, stores.ErrNotFound) {
		return true, "job not found"
	}
	if err != nil {
		// Can't tell; leave it for the next sweep rather than guess.
		return false, ""
	}
	if job.Status != models.JobStatusRunning {
		return true, fmt.Sprintf("job status %s", job.Status)
	}
	return false, ""
}

// recoverOrphanJobs fails running jobs past the staleness cutoff that no
// reserved or processing unlock links to anymore.
func (s *SweepService) recoverOrphanJobs(ctx context.Context, summary *SweepSummary) {
	cutoff := time.Now().Add(-s.config.ProcessingStale)
	jobs, err := s.jobs.ListStaleRunning(ctx, models.JobScopeUnlockGeneration, cutoff, s.config.BatchSize)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("sweep: listing stale jobs failed")
		return
	}
	summary.OrphanJobsInspected = len(jobs)

	for _, job := range jobs {
		linked, err := s.unlocks.CountActiveByJobID(ctx, job.ID)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"job_id": job.ID,
				"error":  err.Error(),
			}).Warn("sweep: orphan check failed")
			continue
		}
		if linked > 0 {
			continue
		}
		if err := s.jobs.MarkFailed(ctx, job.ID, models.ErrCodeOrphanJobRecovered); err != nil {
			s.logger.WithFields(logrus.Fields{
				"job_id": job.ID,
				"error":  err.Error(),
			}).Warn("sweep: failing orphan job failed")
			continue
		}
		summary.OrphanJobsRecovered++
		s.logger.WithFields(logrus.Fields{
			"job_id":     job.ID,
			"started_at": job.StartedAt,
		}).Info("sweep: orphan job recovered")
	}
}

// recoverUnlock refunds the linked hold (idempotently, keyed so re-runs and
// the reserve-path reclaim collide on the same ledger row) and returns the
// slot with the recovery code recorded.
//
// The listed row is a snapshot and may have moved since the pass started, so
// nothing is touched until a fresh read confirms the row is still the one the
// pass judged: same version token, still reserved or processing. A row the
// worker completed mid-sweep keeps its ready state and its settled hold. The
// refund runs before the version-guarded failure transition so a crash
// between the two leaves the row intact for the next sweep, which dedups the
// refund on its key.
func (s *SweepService) recoverUnlock(ctx context.Context, u *models.Unlock, keySuffix, reasonCode, errorCode string) (bool, error) {
	fresh, err := s.unlocks.GetByID(ctx, u.ID)
	if err != nil {
		return false, err
	}
	if fresh.Status != models.UnlockStatusReserved && fresh.Status != models.UnlockStatusProcessing {
		return false, nil
	}
	if !fresh.UpdatedAt.Equal(u.UpdatedAt) {
		// Moved since listing; whatever state it is in now gets judged by
		// the next sweep.
		return false, nil
	}

	if fresh.ReservedByUserID != nil && fresh.ReservedLedgerID != nil {
		amount := s.ledger.holdAmount(ctx, *fresh.ReservedLedgerID, fresh.EstimatedCost)
		if amount.IsPositive() {
			_, err := s.ledger.RefundReservation(ctx, LedgerOp{
				UserID:         *fresh.ReservedByUserID,
				Amount:         amount,
				IdempotencyKey: fmt.Sprintf("unlock:%s:%s", fresh.ID, keySuffix),
				ReasonCode:     reasonCode,
				Context: models.JSON{
					"unlock_id":      fresh.ID,
					"source_item_id": fresh.SourceItemID,
					"recovery_code":  errorCode,
				},
			})
			if err != nil {
				return false, err
			}
		}
	}

	if err := s.unlocks.Fail(ctx, fresh.ID, fresh.UpdatedAt, errorCode, "recovered by reliability sweep"); err != nil {
		if errors.Is(err, stores.ErrVersionConflict) {
			return false, nil
		}
		return false, err
	}
	s.logger.WithFields(logrus.Fields{
		"unlock_id":      fresh.ID,
		"source_item_id": fresh.SourceItemID,
		"recovery_code":  errorCode,
	}).Info("sweep: unlock recovered")
	return true, nil
}
