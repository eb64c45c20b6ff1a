package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/malwarebo/unlockd/models"
	unlocktest "github.com/malwarebo/unlockd/testing"
	"github.com/malwarebo/unlockd/utils"
	"github.com/shopspring/decimal"
)

func newTestLedgerService(store *unlocktest.FakeLedgerStore, initialBalance float64) *LedgerService {
	return CreateLedgerService(store, WalletDefaults{
		Capacity:         decimal.NewFromFloat(5.0),
		RefillRatePerSec: decimal.Zero,
		InitialBalance:   decimal.NewFromFloat(initialBalance),
	}, unlocktest.NewTestLogger())
}

func TestLedgerService_ReserveCredits_DebitsWallet(t *testing.T) {
	store := unlocktest.NewFakeLedgerStore()
	svc := newTestLedgerService(store, 5.0)
	ctx := context.Background()

	result, err := svc.ReserveCredits(ctx, LedgerOp{
		UserID:         "alice",
		Amount:         decimal.NewFromFloat(0.5),
		IdempotencyKey: "unlock:u1:hold:100",
		ReasonCode:     models.ReasonUnlockReservation,
	})
	if err != nil {
		t.Fatalf("ReserveCredits() error = %v", err)
	}
	if result.Deduped {
		t.Errorf("ReserveCredits() deduped = true, want false")
	}
	if result.Balance.String() != "4.5" {
		t.Errorf("ReserveCredits() balance = %s, want 4.5", result.Balance)
	}
	if result.EntryType != models.LedgerEntryHold {
		t.Errorf("ReserveCredits() entry type = %s, want %s", result.EntryType, models.LedgerEntryHold)
	}
}

func TestLedgerService_ReserveCredits_SameKeyDebitsOnce(t *testing.T) {
	store := unlocktest.NewFakeLedgerStore()
	svc := newTestLedgerService(store, 5.0)
	ctx := context.Background()

	op := LedgerOp{
		UserID:         "alice",
		Amount:         decimal.NewFromFloat(1.0),
		IdempotencyKey: "unlock:u1:hold:100",
		ReasonCode:     models.ReasonUnlockReservation,
	}

	first, err := svc.ReserveCredits(ctx, op)
	if err != nil {
		t.Fatalf("ReserveCredits() error = %v", err)
	}
	second, err := svc.ReserveCredits(ctx, op)
	if err != nil {
		t.Fatalf("ReserveCredits() retry error = %v", err)
	}

	if !second.Deduped {
		t.Errorf("ReserveCredits() retry deduped = false, want true")
	}
	if second.LedgerID != first.LedgerID {
		t.Errorf("ReserveCredits() retry ledger id = %s, want %s", second.LedgerID, first.LedgerID)
	}
	if second.Balance.String() != "4" {
		t.Errorf("ReserveCredits() retry balance = %s, want 4", second.Balance)
	}
	if got := len(store.Entries()); got != 1 {
		t.Errorf("ledger entries = %d, want 1", got)
	}
}

func TestLedgerService_ReserveCredits_InsufficientBalance(t *testing.T) {
	store := unlocktest.NewFakeLedgerStore()
	svc := newTestLedgerService(store, 0.3)
	ctx := context.Background()

	_, err := svc.ReserveCredits(ctx, LedgerOp{
		UserID:         "alice",
		Amount:         decimal.NewFromFloat(1.0),
		IdempotencyKey: "unlock:u1:hold:100",
		ReasonCode:     models.ReasonUnlockReservation,
	})
	if !errors.Is(err, utils.ErrInsufficientBalance) {
		t.Fatalf("ReserveCredits() error = %v, want ErrInsufficientBalance", err)
	}
	if got := len(store.Entries()); got != 0 {
		t.Errorf("ledger entries = %d, want 0 after rejected hold", got)
	}

	balance, err := svc.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance.String() != "0.3" {
		t.Errorf("Balance() = %s, want 0.3 untouched", balance)
	}
}

func TestLedgerService_RefundReservation_RestoresBalance(t *testing.T) {
	store := unlocktest.NewFakeLedgerStore()
	svc := newTestLedgerService(store, 5.0)
	ctx := context.Background()

	if _, err := svc.ReserveCredits(ctx, LedgerOp{
		UserID:         "alice",
		Amount:         decimal.NewFromFloat(1.0),
		IdempotencyKey: "unlock:u1:hold:100",
		ReasonCode:     models.ReasonUnlockReservation,
	}); err != nil {
		t.Fatalf("ReserveCredits() error = %v", err)
	}

	result, err := svc.RefundReservation(ctx, LedgerOp{
		UserID:         "alice",
		Amount:         decimal.NewFromFloat(1.0),
		IdempotencyKey: "unlock:u1:refund:led-1",
		ReasonCode:     models.ReasonUnlockFailureRefund,
	})
	if err != nil {
		t.Fatalf("RefundReservation() error = %v", err)
	}
	if result.Balance.String() != "5" {
		t.Errorf("RefundReservation() balance = %s, want 5", result.Balance)
	}
}

func TestLedgerService_RefundReservation_CappedAtCapacity(t *testing.T) {
	store := unlocktest.NewFakeLedgerStore()
	svc := newTestLedgerService(store, 5.0)
	ctx := context.Background()

	result, err := svc.RefundReservation(ctx, LedgerOp{
		UserID:         "alice",
		Amount:         decimal.NewFromFloat(3.0),
		IdempotencyKey: "unlock:u1:refund:led-1",
		ReasonCode:     models.ReasonUnlockFailureRefund,
	})
	if err != nil {
		t.Fatalf("RefundReservation() error = %v", err)
	}
	if result.Balance.String() != "5" {
		t.Errorf("RefundReservation() balance = %s, want capped at 5", result.Balance)
	}
}

func TestLedgerService_SettleReservation_EqualAmountMovesNothing(t *testing.T) {
	store := unlocktest.NewFakeLedgerStore()
	svc := newTestLedgerService(store, 5.0)
	ctx := context.Background()

	hold, err := svc.ReserveCredits(ctx, LedgerOp{
		UserID:         "alice",
		Amount:         decimal.NewFromFloat(1.0),
		IdempotencyKey: "unlock:u1:hold:100",
		ReasonCode:     models.ReasonUnlockReservation,
	})
	if err != nil {
		t.Fatalf("ReserveCredits() error = %v", err)
	}

	settle, err := svc.SettleReservation(ctx, LedgerOp{
		UserID:         "alice",
		Amount:         decimal.NewFromFloat(1.0),
		IdempotencyKey: "unlock:u1:settle:" + hold.LedgerID,
		ReasonCode:     models.ReasonUnlockSettlement,
		HoldLedgerID:   hold.LedgerID,
	})
	if err != nil {
		t.Fatalf("SettleReservation() error = %v", err)
	}
	if settle.Balance.String() != "4" {
		t.Errorf("SettleReservation() balance = %s, want 4 (hold already debited)", settle.Balance)
	}
}

func TestLedgerService_SettleReservation_BelowHoldCreditsDelta(t *testing.T) {
	store := unlocktest.NewFakeLedgerStore()
	svc := newTestLedgerService(store, 5.0)
	ctx := context.Background()

	hold, err := svc.ReserveCredits(ctx, LedgerOp{
		UserID:         "alice",
		Amount:         decimal.NewFromFloat(1.0),
		IdempotencyKey: "unlock:u1:hold:100",
		ReasonCode:     models.ReasonUnlockReservation,
	})
	if err != nil {
		t.Fatalf("ReserveCredits() error = %v", err)
	}

	settle, err := svc.SettleReservation(ctx, LedgerOp{
		UserID:         "alice",
		Amount:         decimal.NewFromFloat(0.4),
		IdempotencyKey: "unlock:u1:settle:" + hold.LedgerID,
		ReasonCode:     models.ReasonUnlockSettlement,
		HoldLedgerID:   hold.LedgerID,
	})
	if err != nil {
		t.Fatalf("SettleReservation() error = %v", err)
	}
	if settle.Balance.String() != "4.6" {
		t.Errorf("SettleReservation() balance = %s, want 4.6 (0.6 returned)", settle.Balance)
	}
}

func TestLedgerService_Balance_CreatesWalletLazily(t *testing.T) {
	store := unlocktest.NewFakeLedgerStore()
	svc := newTestLedgerService(store, 5.0)

	balance, err := svc.Balance(context.Background(), "brand-new-user")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance.String() != "5" {
		t.Errorf("Balance() = %s, want 5 for a fresh wallet", balance)
	}
}

func TestLedgerService_Export_FiltersByUserAndRange(t *testing.T) {
	store := unlocktest.NewFakeLedgerStore()
	svc := newTestLedgerService(store, 5.0)
	ctx := context.Background()

	for _, op := range []LedgerOp{
		{UserID: "alice", Amount: decimal.NewFromFloat(0.5), IdempotencyKey: "k1", ReasonCode: models.ReasonUnlockReservation},
		{UserID: "alice", Amount: decimal.NewFromFloat(0.2), IdempotencyKey: "k2", ReasonCode: models.ReasonUnlockReservation},
		{UserID: "bob", Amount: decimal.NewFromFloat(0.1), IdempotencyKey: "k3", ReasonCode: models.ReasonUnlockReservation},
	} {
		if _, err := svc.ReserveCredits(ctx, op); err != nil {
			t.Fatalf("ReserveCredits(%s) error = %v", op.IdempotencyKey, err)
		}
	}

	entries, err := svc.Export(ctx, "alice", time.Time{}, time.Now().Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Export() entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.UserID != "alice" {
			t.Errorf("Export() returned entry for %s, want alice only", e.UserID)
		}
	}
}
