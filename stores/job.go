package stores

import (
	"context"
	"time"

	"github.com/malwarebo/unlockd/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobStore is the lease store for background jobs. Claim and TouchLease are
// single atomic statements so no two workers ever hold the same job.
type JobStore struct {
	BaseStore
}

func CreateJobStore(db *gorm.DB) *JobStore {
	return &JobStore{BaseStore: BaseStore{db: db}}
}

func (s *JobStore) Enqueue(ctx context.Context, job *models.IngestionJob) error {
	return s.GetDB(ctx).Create(job).Error
}

func (s *JobStore) GetByID(ctx context.Context, id string) (*models.IngestionJob, error) {
	var job models.IngestionJob
	if err := s.GetDB(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &job, nil
}

// Claim atomically leases up to maxJobs claimable jobs for a worker. A job is
// claimable when queued, or running with an expired lease. SKIP LOCKED keeps
// concurrent claimers from contending on the same candidate rows.
func (s *JobStore) Claim(ctx context.Context, scopes []string, maxJobs int, workerID string, leaseSeconds int) ([]*models.IngestionJob, error) {
	now := time.Now()
	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second)

	var claimed []*models.IngestionJob
	err := s.WithTransaction(ctx, func(txCtx context.Context) error {
		var candidates []*models.IngestionJob
		err := s.GetDB(txCtx).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("scope IN ? AND attempts < max_attempts", scopes).
			Where("status = ? OR (status = ? AND lease_expires_at < ?)",
				models.JobStatusQueued, models.JobStatusRunning, now).
			Order("created_at asc").
			Limit(maxJobs).
			Find(&candidates).Error
		if err != nil {
			return err
		}

		for _, job := range candidates {
			updates := map[string]interface{}{
				"status":           models.JobStatusRunning,
				"worker_id":        workerID,
				"lease_expires_at": leaseUntil,
				"attempts":         gorm.Expr("attempts + 1"),
			}
			if job.StartedAt == nil {
				updates["started_at"] = now
			}
			if err := s.GetDB(txCtx).Model(&models.IngestionJob{}).
				Where("id = ?", job.ID).
				Updates(updates).Error; err != nil {
				return err
			}
		}

		if len(candidates) == 0 {
			return nil
		}
		ids := make([]string, 0, len(candidates))
		for _, job := range candidates {
			ids = append(ids, job.ID)
		}
		return s.GetDB(txCtx).Where("id IN ?", ids).Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// TouchLease extends the lease for the holding worker. Returns false when the
// worker no longer holds the job.
func (s *JobStore) TouchLease(ctx context.Context, jobID, workerID string, leaseSeconds int) (bool, error) {
	result := s.GetDB(ctx).Model(&models.IngestionJob{}).
		Where("id = ? AND worker_id = ? AND status = ?", jobID, workerID, models.JobStatusRunning).
		Update("lease_expires_at", time.Now().Add(time.Duration(leaseSeconds)*time.Second))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *JobStore) MarkSucceeded(ctx context.Context, jobID string) error {
	return s.GetDB(ctx).Model(&models.IngestionJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":           models.JobStatusSucceeded,
			"worker_id":        nil,
			"lease_expires_at": nil,
		}).Error
}

func (s *JobStore) MarkFailed(ctx context.Context, jobID, reason string) error {
	return s.GetDB(ctx).Model(&models.IngestionJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":           models.JobStatusFailed,
			"worker_id":        nil,
			"lease_expires_at": nil,
			"last_error":       reason,
		}).Error
}

// ListStaleRunning returns running jobs of a scope that started before the
// cutoff — orphan candidates for the sweep.
func (s *JobStore) ListStaleRunning(ctx context.Context, scope string, startedBefore time.Time, limit int) ([]*models.IngestionJob, error) {
	var jobs []*models.IngestionJob
	err := s.GetDB(ctx).
		Where("scope = ? AND status = ? AND started_at < ?", scope, models.JobStatusRunning, startedBefore).
		Order("started_at asc").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
