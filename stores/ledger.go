package stores

import (
	"context"
	"time"

	"github.com/malwarebo/unlockd/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerStore owns the wallets and ledger_entries tables. Entries are
// append-only; CreateEntry surfaces ErrDuplicateKey on an idempotency-key
// collision so callers can re-read the prior effect instead of repeating it.
type LedgerStore struct {
	BaseStore
}

func CreateLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{BaseStore: BaseStore{db: db}}
}

func (s *LedgerStore) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := s.GetDB(ctx).First(&wallet, "user_id = ?", userID).Error; err != nil {
		return nil, translateError(err)
	}
	return &wallet, nil
}

// GetWalletForUpdate takes a row lock on the wallet so concurrent holds and
// refunds serialize on the balance. Only meaningful inside WithTransaction.
func (s *LedgerStore) GetWalletForUpdate(ctx context.Context, userID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.GetDB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&wallet, "user_id = ?", userID).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &wallet, nil
}

// EnsureWallet lazily creates a wallet with the given starting state.
// Concurrent creates converge via insert-or-fetch.
func (s *LedgerStore) EnsureWallet(ctx context.Context, wallet *models.Wallet) (*models.Wallet, error) {
	err := translateError(s.GetDB(ctx).Create(wallet).Error)
	if err == nil {
		return wallet, nil
	}
	if err != ErrDuplicateKey {
		return nil, err
	}
	return s.GetWallet(ctx, wallet.UserID)
}

func (s *LedgerStore) SaveWallet(ctx context.Context, wallet *models.Wallet) error {
	return s.GetDB(ctx).Save(wallet).Error
}

func (s *LedgerStore) CreateEntry(ctx context.Context, entry *models.LedgerEntry) error {
	return translateError(s.GetDB(ctx).Create(entry).Error)
}

func (s *LedgerStore) GetEntry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	if err := s.GetDB(ctx).First(&entry, "id = ?", id).Error; err != nil {
		return nil, translateError(err)
	}
	return &entry, nil
}

func (s *LedgerStore) FindEntryByKey(ctx context.Context, idempotencyKey string) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	if err := s.GetDB(ctx).First(&entry, "idempotency_key = ?", idempotencyKey).Error; err != nil {
		return nil, translateError(err)
	}
	return &entry, nil
}

// ListEntries is the reconciliation export: entries for one user in a time
// range, oldest first.
func (s *LedgerStore) ListEntries(ctx context.Context, userID string, from, to time.Time, limit int) ([]*models.LedgerEntry, error) {
	var entries []*models.LedgerEntry
	err := s.GetDB(ctx).
		Where("user_id = ? AND created_at >= ? AND created_at < ?", userID, from, to).
		Order("created_at asc").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
