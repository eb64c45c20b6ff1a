package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/malwarebo/unlockd/models"
	"github.com/malwarebo/unlockd/monitoring"
	"github.com/malwarebo/unlockd/stores"
	"github.com/malwarebo/unlockd/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// UnlockRepo is the persistence surface of the reservation state machine.
// Implemented by stores.UnlockStore and by the in-memory fake used in tests.
type UnlockRepo interface {
	EnsureUnlock(ctx context.Context, sourceItemID string, sourcePageID *string, estimatedCost decimal.Decimal) (*models.Unlock, error)
	GetByID(ctx context.Context, id string) (*models.Unlock, error)
	GetBySourceItemID(ctx context.Context, sourceItemID string) (*models.Unlock, error)
	Reserve(ctx context.Context, id string, expectedVersion time.Time, userID string, expiresAt time.Time) (*models.Unlock, error)
	Release(ctx context.Context, id string, expectedVersion time.Time) (*models.Unlock, error)
	AttachReservationLedger(ctx context.Context, id, userID, ledgerID string) error
	MarkProcessing(ctx context.Context, id, userID, jobID string, expiresAt time.Time) error
	Complete(ctx context.Context, id, blueprintID string) error
	Fail(ctx context.Context, id string, expectedVersion time.Time, errorCode, errorMessage string) error
	FindExpiredReserved(ctx context.Context, now time.Time, limit int) ([]*models.Unlock, error)
	ListProcessing(ctx context.Context, limit int) ([]*models.Unlock, error)
	CountActiveByJobID(ctx context.Context, jobID string) (int64, error)
}

type ReserveState string

const (
	ReserveStateReady        ReserveState = "ready"
	ReserveStateReserved     ReserveState = "reserved"
	ReserveStateInProgress   ReserveState = "in_progress"
	ReserveStateInsufficient ReserveState = "insufficient_balance"
)

// ReserveOutcome is a result variant, not an error: contention and
// insufficient funds are expected states the caller renders, only
// infrastructure failures surface as errors.
type ReserveOutcome struct {
	State       ReserveState
	Unlock      *models.Unlock
	ReservedNow bool
	Balance     decimal.Decimal
}

type RequestUnlockInput struct {
	SourceItemID string
	SourcePageID *string
	UserID       string
	Title        string
	Transcript   string
}

type UnlockServiceConfig struct {
	ReservationWindow time.Duration
	ProcessingWindow  time.Duration
}

// UnlockService drives the available→reserved→processing→ready machine and
// the money movements tied to each transition.
type UnlockService struct {
	unlocks UnlockRepo
	jobs    JobRepo
	ledger  *LedgerService
	pricing *PricingService
	config  UnlockServiceConfig
	logger  *logrus.Logger
}

func CreateUnlockService(unlocks UnlockRepo, jobs JobRepo, ledger *LedgerService, pricing *PricingService, config UnlockServiceConfig, logger *logrus.Logger) *UnlockService {
	if config.ReservationWindow <= 0 {
		config.ReservationWindow = 2 * time.Minute
	}
	if config.ProcessingWindow <= 0 {
		config.ProcessingWindow = 5 * time.Minute
	}
	return &UnlockService{
		unlocks: unlocks,
		jobs:    jobs,
		ledger:  ledger,
		pricing: pricing,
		config:  config,
		logger:  logger,
	}
}

// EnsureUnlock lazily creates the unlock row for a source item with a freshly
// priced cost, or refreshes the price on an existing available row.
func (s *UnlockService) EnsureUnlock(ctx context.Context, sourceItemID string, sourcePageID *string) (*models.Unlock, error) {
	cost := s.pricing.EstimateCost(ctx, sourcePageID)
	return s.unlocks.EnsureUnlock(ctx, sourceItemID, sourcePageID, cost)
}

func (s *UnlockService) GetBySourceItemID(ctx context.Context, sourceItemID string) (*models.Unlock, error) {
	unlock, err := s.unlocks.GetBySourceItemID(ctx, sourceItemID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, utils.ErrUnlockNotFound
	}
	return unlock, err
}

// Reserve runs the read-decide-write cycle until a terminal outcome. A CAS
// miss is not an error, just a signal to re-read; the state space only grows
// more constrained, so the loop terminates within a couple of iterations.
func (s *UnlockService) Reserve(ctx context.Context, unlock *models.Unlock, userID string) (*ReserveOutcome, error) {
	u := unlock
	for attempt := 0; attempt < 3; attempt++ {
		now := time.Now()

		if u.Status == models.UnlockStatusReady && u.BlueprintID != nil {
			return &ReserveOutcome{State: ReserveStateReady, Unlock: u}, nil
		}

		if u.Status == models.UnlockStatusReserved || u.Status == models.UnlockStatusProcessing {
			if u.ReservationExpired(now) {
				reclaimed, err := s.reclaimExpired(ctx, u)
				if errors.Is(err, stores.ErrVersionConflict) {
					if u, err = s.unlocks.GetByID(ctx, u.ID); err != nil {
						return nil, err
					}
					continue
				}
				if err != nil {
					return nil, err
				}
				u = reclaimed
				continue
			}
			if u.Status == models.UnlockStatusReserved && u.ReservedByUserID != nil && *u.ReservedByUserID == userID {
				return &ReserveOutcome{State: ReserveStateReserved, Unlock: u}, nil
			}
			return &ReserveOutcome{State: ReserveStateInProgress, Unlock: u}, nil
		}

		reserved, err := s.unlocks.Reserve(ctx, u.ID, u.UpdatedAt, userID, now.Add(s.config.ReservationWindow))
		if errors.Is(err, stores.ErrVersionConflict) {
			if u, err = s.unlocks.GetByID(ctx, u.ID); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return &ReserveOutcome{State: ReserveStateReserved, Unlock: reserved, ReservedNow: true}, nil
	}

	// Lost every race; someone else holds the slot.
	return &ReserveOutcome{State: ReserveStateInProgress, Unlock: u}, nil
}

// RequestUnlock is the full user action: price and ensure the row, take the
// reservation slot, place the hold, link it, and queue the generation job.
// The hold is only placed by the CAS winner, so exactly one debit happens per
// reservation cycle no matter how many requests race.
func (s *UnlockService) RequestUnlock(ctx context.Context, input RequestUnlockInput) (*ReserveOutcome, error) {
	unlock, err := s.EnsureUnlock(ctx, input.SourceItemID, input.SourcePageID)
	if err != nil {
		return nil, err
	}

	outcome, err := s.Reserve(ctx, unlock, input.UserID)
	if err != nil {
		return nil, err
	}
	if !outcome.ReservedNow {
		monitoring.RecordReserveOutcome(string(outcome.State))
		return outcome, nil
	}

	u := outcome.Unlock
	holdKey := fmt.Sprintf("unlock:%s:hold:%d", u.ID, u.ReservationExpiresAt.Unix())
	hold, err := s.ledger.ReserveCredits(ctx, LedgerOp{
		UserID:         input.UserID,
		Amount:         u.EstimatedCost,
		IdempotencyKey: holdKey,
		ReasonCode:     models.ReasonUnlockReservation,
		Context: models.JSON{
			"unlock_id":      u.ID,
			"source_item_id": u.SourceItemID,
			"trace_id":       uuid.NewString(),
		},
	})
	if errors.Is(err, utils.ErrInsufficientBalance) {
		// Give the slot back; nothing was debited.
		if _, relErr := s.unlocks.Release(ctx, u.ID, u.UpdatedAt); relErr != nil && !errors.Is(relErr, stores.ErrVersionConflict) {
			s.logger.WithFields(logrus.Fields{
				"unlock_id": u.ID,
				"error":     relErr.Error(),
			}).Error("failed to release reservation after rejected hold")
		}
		balance, _ := s.ledger.Balance(ctx, input.UserID)
		monitoring.RecordReserveOutcome(string(ReserveStateInsufficient))
		return &ReserveOutcome{State: ReserveStateInsufficient, Unlock: u, Balance: balance}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.unlocks.AttachReservationLedger(ctx, u.ID, input.UserID, hold.LedgerID); err != nil {
		// The reservation was lost between hold and attach (expiry plus
		// reclaim). The sweep-keyed refund makes the user whole.
		s.logger.WithFields(logrus.Fields{
			"unlock_id": u.ID,
			"ledger_id": hold.LedgerID,
			"error":     err.Error(),
		}).Warn("failed to attach hold to reservation")
		return &ReserveOutcome{State: ReserveStateInProgress, Unlock: u}, nil
	}

	if err := s.enqueueGeneration(ctx, u, input); err != nil {
		return nil, err
	}

	refreshed, err := s.unlocks.GetByID(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	monitoring.RecordReserveOutcome(string(ReserveStateReserved))
	return &ReserveOutcome{
		State:       ReserveStateReserved,
		Unlock:      refreshed,
		ReservedNow: true,
		Balance:     hold.Balance,
	}, nil
}

// StartProcessing moves the unlock into processing under its own staleness
// clock. Called by the worker right after claiming the job.
func (s *UnlockService) StartProcessing(ctx context.Context, unlockID, userID, jobID string) error {
	return s.unlocks.MarkProcessing(ctx, unlockID, userID, jobID, time.Now().Add(s.config.ProcessingWindow))
}

// CompleteGeneration settles the hold into the final charge and publishes the
// blueprint.
func (s *UnlockService) CompleteGeneration(ctx context.Context, unlockID, blueprintID string) error {
	u, err := s.unlocks.GetByID(ctx, unlockID)
	if err != nil {
		return err
	}

	if u.ReservedByUserID != nil && u.ReservedLedgerID != nil {
		_, err := s.ledger.SettleReservation(ctx, LedgerOp{
			UserID:         *u.ReservedByUserID,
			Amount:         u.EstimatedCost,
			IdempotencyKey: fmt.Sprintf("unlock:%s:settle:%s", u.ID, *u.ReservedLedgerID),
			ReasonCode:     models.ReasonUnlockSettlement,
			HoldLedgerID:   *u.ReservedLedgerID,
			Context: models.JSON{
				"unlock_id":      u.ID,
				"source_item_id": u.SourceItemID,
				"blueprint_id":   blueprintID,
			},
		})
		if err != nil {
			return err
		}
	}

	if err := s.unlocks.Complete(ctx, unlockID, blueprintID); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"unlock_id":    unlockID,
		"blueprint_id": blueprintID,
	}).Info("unlock completed")
	return nil
}

// FailGeneration refunds the hold if one is linked, then gives the slot back.
func (s *UnlockService) FailGeneration(ctx context.Context, unlockID, errorCode, errorMessage string) error {
	u, err := s.unlocks.GetByID(ctx, unlockID)
	if err != nil {
		return err
	}

	if u.ReservedByUserID != nil && u.ReservedLedgerID != nil {
		amount := s.ledger.holdAmount(ctx, *u.ReservedLedgerID, u.EstimatedCost)
		if amount.IsPositive() {
			_, err := s.ledger.RefundReservation(ctx, LedgerOp{
				UserID:         *u.ReservedByUserID,
				Amount:         amount,
				IdempotencyKey: fmt.Sprintf("unlock:%s:refund:%s", u.ID, *u.ReservedLedgerID),
				ReasonCode:     models.ReasonUnlockFailureRefund,
				Context: models.JSON{
					"unlock_id":      u.ID,
					"source_item_id": u.SourceItemID,
					"error_code":     errorCode,
				},
			})
			if err != nil {
				return err
			}
		}
	}

	if err := s.unlocks.Fail(ctx, unlockID, u.UpdatedAt, errorCode, errorMessage); err != nil {
		if errors.Is(err, stores.ErrVersionConflict) {
			// The row moved since our read; the sweep reconciles whatever
			// state it landed in, and the refund above dedups.
			s.logger.WithField("unlock_id", unlockID).Warn("unlock moved before failure transition, leaving it to the sweep")
			return nil
		}
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"unlock_id":  unlockID,
		"error_code": errorCode,
	}).Warn("unlock failed, slot returned")
	return nil
}

// reclaimExpired refunds a lapsed reservation's hold (if any) and CAS-releases
// the slot. The refund deliberately shares the sweep's idempotency key so
// whichever of the two paths runs first wins and the other dedups.
func (s *UnlockService) reclaimExpired(ctx context.Context, u *models.Unlock) (*models.Unlock, error) {
	if u.ReservedByUserID != nil && u.ReservedLedgerID != nil {
		amount := s.ledger.holdAmount(ctx, *u.ReservedLedgerID, u.EstimatedCost)
		if !amount.IsPositive() {
			return s.unlocks.Release(ctx, u.ID, u.UpdatedAt)
		}
		suffix := "sweep_reserved_expired_refund"
		reason := models.ReasonSweepExpiredRefund
		if u.Status == models.UnlockStatusProcessing {
			suffix = "sweep_processing_stale_refund"
			reason = models.ReasonSweepStaleRefund
		}
		_, err := s.ledger.RefundReservation(ctx, LedgerOp{
			UserID:         *u.ReservedByUserID,
			Amount:         amount,
			IdempotencyKey: fmt.Sprintf("unlock:%s:%s", u.ID, suffix),
			ReasonCode:     reason,
			Context: models.JSON{
				"unlock_id":      u.ID,
				"source_item_id": u.SourceItemID,
				"reclaimed_from": string(u.Status),
			},
		})
		if err != nil {
			return nil, err
		}
	}
	return s.unlocks.Release(ctx, u.ID, u.UpdatedAt)
}

func (s *UnlockService) enqueueGeneration(ctx context.Context, u *models.Unlock, input RequestUnlockInput) error {
	job := &models.IngestionJob{
		Scope:       models.JobScopeUnlockGeneration,
		Status:      models.JobStatusQueued,
		MaxAttempts: 3,
		Payload: models.JSON{
			"unlock_id":      u.ID,
			"source_item_id": u.SourceItemID,
			"user_id":        input.UserID,
			"title":          input.Title,
			"transcript":     input.Transcript,
		},
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"unlock_id": u.ID,
		"job_id":    job.ID,
	}).Info("generation job queued")
	return nil
}
