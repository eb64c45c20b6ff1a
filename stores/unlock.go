package stores

import (
	"context"
	"time"

	"github.com/malwarebo/unlockd/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UnlockStore owns the unlocks table. Every transition that depends on a
// prior read goes through casUpdate, which compares the updated_at token the
// caller read; a mismatch is reported as ErrVersionConflict so the caller can
// re-read and decide again.
type UnlockStore struct {
	BaseStore
}

func CreateUnlockStore(db *gorm.DB) *UnlockStore {
	return &UnlockStore{BaseStore: BaseStore{db: db}}
}

// EnsureUnlock creates the row for a source item on first reference, or
// refreshes cost and grouping key on an existing row without touching status
// or reservation fields. Concurrent creates racing on source_item_id converge
// via insert-or-fetch: the loser re-reads the winner's row. Cost is only
// rewritten while the row is still available.
func (s *UnlockStore) EnsureUnlock(ctx context.Context, sourceItemID string, sourcePageID *string, estimatedCost decimal.Decimal) (*models.Unlock, error) {
	unlock := &models.Unlock{
		SourceItemID:  sourceItemID,
		SourcePageID:  sourcePageID,
		Status:        models.UnlockStatusAvailable,
		EstimatedCost: estimatedCost,
	}

	err := translateError(s.GetDB(ctx).Create(unlock).Error)
	if err == nil {
		return s.GetBySourceItemID(ctx, sourceItemID)
	}
	if err != ErrDuplicateKey {
		return nil, err
	}

	existing, err := s.GetBySourceItemID(ctx, sourceItemID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if existing.Status == models.UnlockStatusAvailable && !existing.EstimatedCost.Equal(estimatedCost) {
		updates["estimated_cost"] = estimatedCost
	}
	if sourcePageID != nil && (existing.SourcePageID == nil || *existing.SourcePageID != *sourcePageID) {
		updates["source_page_id"] = sourcePageID
	}
	if len(updates) == 0 {
		return existing, nil
	}

	// The cost rewrite must re-check status inside the UPDATE itself: a
	// reservation landing after the read above would otherwise get its hold
	// amount silently repriced. Losing the race just means keeping the old
	// cost, which the re-read below reports.
	query := s.GetDB(ctx).Model(&models.Unlock{}).Where("id = ?", existing.ID)
	if _, ok := updates["estimated_cost"]; ok {
		query = query.Where("status = ?", models.UnlockStatusAvailable)
	}
	if err := query.Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.GetBySourceItemID(ctx, sourceItemID)
}

func (s *UnlockStore) GetByID(ctx context.Context, id string) (*models.Unlock, error) {
	var unlock models.Unlock
	if err := s.GetDB(ctx).First(&unlock, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &unlock, nil
}

func (s *UnlockStore) GetBySourceItemID(ctx context.Context, sourceItemID string) (*models.Unlock, error) {
	var unlock models.Unlock
	if err := s.GetDB(ctx).First(&unlock, "source_item_id = ?", sourceItemID).Error; err != nil {
		return nil, translateError(err)
	}
	return &unlock, nil
}

// Reserve performs the available→reserved compare-and-swap. Only the caller
// whose expectedVersion still matches wins the single reservation slot.
func (s *UnlockStore) Reserve(ctx context.Context, id string, expectedVersion time.Time, userID string, expiresAt time.Time) (*models.Unlock, error) {
	return s.casUpdate(ctx, id, expectedVersion, map[string]interface{}{
		"status":                 models.UnlockStatusReserved,
		"reserved_by_user_id":    userID,
		"reservation_expires_at": expiresAt,
		"reserved_ledger_id":     nil,
		"job_id":                 nil,
		"last_error_code":        nil,
		"last_error_message":     nil,
	})
}

// Release reclaims an expired reservation back to available. It is CAS-guarded
// so two sweepers (or a sweeper racing a new reserver) cannot both win.
func (s *UnlockStore) Release(ctx context.Context, id string, expectedVersion time.Time) (*models.Unlock, error) {
	return s.casUpdate(ctx, id, expectedVersion, map[string]interface{}{
		"status":                 models.UnlockStatusAvailable,
		"reserved_by_user_id":    nil,
		"reservation_expires_at": nil,
		"reserved_ledger_id":     nil,
		"job_id":                 nil,
	})
}

// AttachReservationLedger links the hold ledger entry to the reservation so a
// crash between reserving and holding still leaves a pointer back to the
// money movement. Guarded by the holding user rather than the version token:
// the row must still be reserved by them.
func (s *UnlockStore) AttachReservationLedger(ctx context.Context, id, userID, ledgerID string) error {
	result := s.GetDB(ctx).Model(&models.Unlock{}).
		Where("id = ? AND status = ? AND reserved_by_user_id = ?", id, models.UnlockStatusReserved, userID).
		Updates(map[string]interface{}{
			"status":             models.UnlockStatusReserved,
			"reserved_ledger_id": ledgerID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// MarkProcessing moves reserved→processing for the holding user and starts
// the processing staleness clock, which is shorter than the reservation
// window.
func (s *UnlockStore) MarkProcessing(ctx context.Context, id, userID, jobID string, expiresAt time.Time) error {
	result := s.GetDB(ctx).Model(&models.Unlock{}).
		Where("id = ? AND status = ? AND reserved_by_user_id = ?", id, models.UnlockStatusReserved, userID).
		Updates(map[string]interface{}{
			"status":                 models.UnlockStatusProcessing,
			"job_id":                 jobID,
			"reservation_expires_at": expiresAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Complete transitions to ready from any state, clears the reservation and
// records the produced blueprint.
func (s *UnlockStore) Complete(ctx context.Context, id, blueprintID string) error {
	result := s.GetDB(ctx).Model(&models.Unlock{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":                 models.UnlockStatusReady,
			"blueprint_id":           blueprintID,
			"reserved_by_user_id":    nil,
			"reservation_expires_at": nil,
			"reserved_ledger_id":     nil,
			"job_id":                 nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail is the give-the-slot-back transition. It does not move money; callers
// refund first when a hold exists. The write is guarded by the version token
// and an active status so a row that completed (or moved) since the caller's
// read is never demoted; the miss surfaces as ErrVersionConflict.
func (s *UnlockStore) Fail(ctx context.Context, id string, expectedVersion time.Time, errorCode, errorMessage string) error {
	result := s.GetDB(ctx).Model(&models.Unlock{}).
		Where("id = ? AND updated_at = ? AND status IN ?", id, expectedVersion,
			[]models.UnlockStatus{models.UnlockStatusReserved, models.UnlockStatusProcessing}).
		Updates(map[string]interface{}{
			"status":                 models.UnlockStatusAvailable,
			"reserved_by_user_id":    nil,
			"reservation_expires_at": nil,
			"reserved_ledger_id":     nil,
			"job_id":                 nil,
			"last_error_code":        errorCode,
			"last_error_message":     errorMessage,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *UnlockStore) FindExpiredReserved(ctx context.Context, now time.Time, limit int) ([]*models.Unlock, error) {
	var unlocks []*models.Unlock
	err := s.GetDB(ctx).
		Where("status = ? AND reservation_expires_at < ?", models.UnlockStatusReserved, now).
		Order("reservation_expires_at asc").
		Limit(limit).
		Find(&unlocks).Error
	if err != nil {
		return nil, err
	}
	return unlocks, nil
}

func (s *UnlockStore) ListProcessing(ctx context.Context, limit int) ([]*models.Unlock, error) {
	var unlocks []*models.Unlock
	err := s.GetDB(ctx).
		Where("status = ?", models.UnlockStatusProcessing).
		Order("updated_at asc").
		Limit(limit).
		Find(&unlocks).Error
	if err != nil {
		return nil, err
	}
	return unlocks, nil
}

// CountActiveByJobID reports how many reserved/processing rows still link to
// a job; zero means the job is an orphan.
func (s *UnlockStore) CountActiveByJobID(ctx context.Context, jobID string) (int64, error) {
	var count int64
	err := s.GetDB(ctx).Model(&models.Unlock{}).
		Where("job_id = ? AND status IN ?", jobID, []models.UnlockStatus{models.UnlockStatusReserved, models.UnlockStatusProcessing}).
		Count(&count).Error
	return count, err
}

func (s *UnlockStore) casUpdate(ctx context.Context, id string, expectedVersion time.Time, updates map[string]interface{}) (*models.Unlock, error) {
	result := s.GetDB(ctx).Model(&models.Unlock{}).
		Where("id = ? AND updated_at = ?", id, expectedVersion).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Distinguish a lost race from a missing row.
		if _, err := s.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrVersionConflict
	}
	return s.GetByID(ctx, id)
}
