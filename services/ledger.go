package services

import (
	"context"
	"errors"
	"time"

	"github.com/malwarebo/unlockd/models"
	"github.com/malwarebo/unlockd/monitoring"
	"github.com/malwarebo/unlockd/stores"
	"github.com/malwarebo/unlockd/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// LedgerRepo is the persistence surface the credit ledger needs. Implemented
// by stores.LedgerStore and by the in-memory fake used in tests.
type LedgerRepo interface {
	WithTransaction(ctx context.Context, fn func(context.Context) error) error
	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)
	GetWalletForUpdate(ctx context.Context, userID string) (*models.Wallet, error)
	EnsureWallet(ctx context.Context, wallet *models.Wallet) (*models.Wallet, error)
	SaveWallet(ctx context.Context, wallet *models.Wallet) error
	CreateEntry(ctx context.Context, entry *models.LedgerEntry) error
	GetEntry(ctx context.Context, id string) (*models.LedgerEntry, error)
	FindEntryByKey(ctx context.Context, idempotencyKey string) (*models.LedgerEntry, error)
	ListEntries(ctx context.Context, userID string, from, to time.Time, limit int) ([]*models.LedgerEntry, error)
}

// WalletDefaults seed a wallet created lazily on first use.
type WalletDefaults struct {
	Capacity         decimal.Decimal
	RefillRatePerSec decimal.Decimal
	InitialBalance   decimal.Decimal
}

// LedgerOp describes one logical hold/settle/refund. The idempotency key must
// be derived deterministically from stable identifiers so retries collide on
// the same ledger row instead of repeating the financial effect.
type LedgerOp struct {
	UserID         string
	Amount         decimal.Decimal
	IdempotencyKey string
	ReasonCode     string
	Context        models.JSON

	// HoldLedgerID references the hold being settled; settle only.
	HoldLedgerID string
}

type LedgerResult struct {
	LedgerID  string
	EntryType models.LedgerEntryType
	Amount    decimal.Decimal
	Balance   decimal.Decimal
	Deduped   bool
}

// LedgerService is the idempotent credit ledger: pessimistic holds against a
// refilling wallet, settles that consume them, refunds that return them.
type LedgerService struct {
	store    LedgerRepo
	defaults WalletDefaults
	logger   *logrus.Logger
}

func CreateLedgerService(store LedgerRepo, defaults WalletDefaults, logger *logrus.Logger) *LedgerService {
	return &LedgerService{
		store:    store,
		defaults: defaults,
		logger:   logger,
	}
}

// ReserveCredits debits the wallet immediately and appends a hold entry.
// Insufficient refilled balance is a normal rejection
// (utils.ErrInsufficientBalance), not a system fault.
func (s *LedgerService) ReserveCredits(ctx context.Context, op LedgerOp) (*LedgerResult, error) {
	return s.apply(ctx, models.LedgerEntryHold, op, func(wallet *models.Wallet) error {
		if wallet.Balance.LessThan(op.Amount) {
			return utils.ErrInsufficientBalance
		}
		wallet.Balance = wallet.Balance.Sub(op.Amount)
		return nil
	})
}

// SettleReservation marks a hold as consumed. The hold already removed the
// funds; only a settle amount differing from the hold amount moves balance,
// as a delta. Settle below hold is an implicit partial refund capped at
// capacity; settle above hold debits the difference, flooring at zero.
func (s *LedgerService) SettleReservation(ctx context.Context, op LedgerOp) (*LedgerResult, error) {
	var holdAmount decimal.Decimal
	if op.HoldLedgerID != "" {
		hold, err := s.store.GetEntry(ctx, op.HoldLedgerID)
		if err != nil && !errors.Is(err, stores.ErrNotFound) {
			return nil, err
		}
		if hold != nil {
			holdAmount = hold.Amount
		}
	} else {
		holdAmount = op.Amount
	}

	delta := op.Amount.Sub(holdAmount)
	return s.apply(ctx, models.LedgerEntrySettle, op, func(wallet *models.Wallet) error {
		if !delta.IsZero() {
			wallet.Balance = models.ClampBalance(wallet.Balance.Sub(delta), wallet.Capacity)
		}
		return nil
	})
}

// RefundReservation credits the amount back, capped at capacity.
func (s *LedgerService) RefundReservation(ctx context.Context, op LedgerOp) (*LedgerResult, error) {
	return s.apply(ctx, models.LedgerEntryRefund, op, func(wallet *models.Wallet) error {
		wallet.Balance = models.ClampBalance(wallet.Balance.Add(op.Amount), wallet.Capacity)
		return nil
	})
}

// Balance returns the refilled spendable balance, creating the wallet if it
// does not exist yet.
func (s *LedgerService) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	wallet, err := s.ensureWallet(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return wallet.RefilledBalance(time.Now()), nil
}

// Export returns the immutable entries for one user in a time range.
func (s *LedgerService) Export(ctx context.Context, userID string, from, to time.Time, limit int) ([]*models.LedgerEntry, error) {
	return s.store.ListEntries(ctx, userID, from, to, limit)
}

// apply runs one idempotent balance mutation. The unique idempotency key is
// checked up front and enforced again by the insert: when two processes race
// the same logical operation, the loser's transaction rolls back on the
// duplicate insert and the prior entry is returned instead.
func (s *LedgerService) apply(ctx context.Context, entryType models.LedgerEntryType, op LedgerOp, mutate func(*models.Wallet) error) (*LedgerResult, error) {
	if existing, err := s.store.FindEntryByKey(ctx, op.IdempotencyKey); err == nil {
		return s.dedupedResult(ctx, existing)
	} else if !errors.Is(err, stores.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	entry := &models.LedgerEntry{
		IdempotencyKey: op.IdempotencyKey,
		EntryType:      entryType,
		UserID:         op.UserID,
		Amount:         op.Amount,
		ReasonCode:     op.ReasonCode,
		Context:        op.Context,
	}

	var balance decimal.Decimal
	err := s.store.WithTransaction(ctx, func(txCtx context.Context) error {
		wallet, err := s.walletForUpdate(txCtx, op.UserID)
		if err != nil {
			return err
		}
		wallet.ApplyRefill(now)

		if err := mutate(wallet); err != nil {
			return err
		}
		if err := s.store.SaveWallet(txCtx, wallet); err != nil {
			return err
		}
		if err := s.store.CreateEntry(txCtx, entry); err != nil {
			return err
		}
		balance = wallet.Balance
		return nil
	})
	if errors.Is(err, stores.ErrDuplicateKey) {
		existing, findErr := s.store.FindEntryByKey(ctx, op.IdempotencyKey)
		if findErr != nil {
			return nil, findErr
		}
		return s.dedupedResult(ctx, existing)
	}
	if err != nil {
		return nil, err
	}

	monitoring.RecordLedgerEntry(string(entryType), false)
	s.logger.WithFields(logrus.Fields{
		"user_id":         op.UserID,
		"entry_type":      entryType,
		"amount":          op.Amount.String(),
		"reason_code":     op.ReasonCode,
		"idempotency_key": op.IdempotencyKey,
	}).Info("ledger entry recorded")

	return &LedgerResult{
		LedgerID:  entry.ID,
		EntryType: entryType,
		Amount:    op.Amount,
		Balance:   balance,
		Deduped:   false,
	}, nil
}

// holdAmount reads the amount the referenced hold entry actually debited so
// refunds repay what was held, not what the unlock row currently prices at.
// Falls back to the caller's value when the entry cannot be read.
func (s *LedgerService) holdAmount(ctx context.Context, ledgerID string, fallback decimal.Decimal) decimal.Decimal {
	entry, err := s.store.GetEntry(ctx, ledgerID)
	if err != nil {
		return fallback
	}
	return entry.Amount
}

func (s *LedgerService) dedupedResult(ctx context.Context, entry *models.LedgerEntry) (*LedgerResult, error) {
	monitoring.RecordLedgerEntry(string(entry.EntryType), true)

	balance := decimal.Zero
	if wallet, err := s.store.GetWallet(ctx, entry.UserID); err == nil {
		balance = wallet.RefilledBalance(time.Now())
	}
	return &LedgerResult{
		LedgerID:  entry.ID,
		EntryType: entry.EntryType,
		Amount:    entry.Amount,
		Balance:   balance,
		Deduped:   true,
	}, nil
}

func (s *LedgerService) walletForUpdate(ctx context.Context, userID string) (*models.Wallet, error) {
	wallet, err := s.store.GetWalletForUpdate(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return nil, err
	}
	if _, err := s.createDefaultWallet(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.GetWalletForUpdate(ctx, userID)
}

func (s *LedgerService) ensureWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	wallet, err := s.store.GetWallet(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, stores.ErrNotFound) {
		return nil, err
	}
	return s.createDefaultWallet(ctx, userID)
}

func (s *LedgerService) createDefaultWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	return s.store.EnsureWallet(ctx, &models.Wallet{
		UserID:           userID,
		Balance:          s.defaults.InitialBalance,
		Capacity:         s.defaults.Capacity,
		RefillRatePerSec: s.defaults.RefillRatePerSec,
		LastRefillAt:     time.Now(),
	})
}
