package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/malwarebo/unlockd/models"
	unlocktest "github.com/malwarebo/unlockd/testing"
	"github.com/shopspring/decimal"
)

type unlockHarness struct {
	service *UnlockService
	unlocks *unlocktest.FakeUnlockStore
	ledger  *unlocktest.FakeLedgerStore
	jobs    *unlocktest.FakeJobStore
}

func newUnlockHarness(initialBalance float64) *unlockHarness {
	logger := unlocktest.NewTestLogger()
	unlocks := unlocktest.NewFakeUnlockStore()
	ledgerStore := unlocktest.NewFakeLedgerStore()
	jobs := unlocktest.NewFakeJobStore()

	ledger := CreateLedgerService(ledgerStore, WalletDefaults{
		Capacity:         decimal.NewFromFloat(5.0),
		RefillRatePerSec: decimal.Zero,
		InitialBalance:   decimal.NewFromFloat(initialBalance),
	}, logger)
	pricing := CreatePricingService(staticCounter{count: 1}, nil, PricingConfig{}, logger)

	service := CreateUnlockService(unlocks, jobs, ledger, pricing, UnlockServiceConfig{
		ReservationWindow: 2 * time.Minute,
		ProcessingWindow:  5 * time.Minute,
	}, logger)

	return &unlockHarness{service: service, unlocks: unlocks, ledger: ledgerStore, jobs: jobs}
}

func countEntries(store *unlocktest.FakeLedgerStore, entryType models.LedgerEntryType) int {
	n := 0
	for _, e := range store.Entries() {
		if e.EntryType == entryType {
			n++
		}
	}
	return n
}

func TestUnlockService_RequestUnlock_ReservesAndHolds(t *testing.T) {
	h := newUnlockHarness(5.0)
	ctx := context.Background()

	outcome, err := h.service.RequestUnlock(ctx, RequestUnlockInput{
		SourceItemID: "item-1",
		UserID:       "alice",
		Title:        "Intro to channels",
		Transcript:   "transcript text",
	})
	if err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}
	if outcome.State != ReserveStateReserved {
		t.Fatalf("RequestUnlock() state = %s, want %s", outcome.State, ReserveStateReserved)
	}
	if !outcome.ReservedNow {
		t.Errorf("RequestUnlock() reservedNow = false, want true")
	}
	if outcome.Balance.String() != "4" {
		t.Errorf("RequestUnlock() balance = %s, want 4 after max-cost hold", outcome.Balance)
	}

	u := outcome.Unlock
	if u.Status != models.UnlockStatusReserved {
		t.Errorf("unlock status = %s, want reserved", u.Status)
	}
	if u.ReservedLedgerID == nil {
		t.Errorf("unlock reserved ledger id = nil, want hold linked")
	}
	if got := countEntries(h.ledger, models.LedgerEntryHold); got != 1 {
		t.Errorf("hold entries = %d, want 1", got)
	}

	claimed, err := h.jobs.Claim(ctx, []string{models.JobScopeUnlockGeneration}, 10, "worker-1", 60)
	if err != nil {
		t.Fatalf("job claim error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("queued jobs = %d, want 1", len(claimed))
	}
	if claimed[0].Payload["unlock_id"] != u.ID {
		t.Errorf("job payload unlock_id = %v, want %s", claimed[0].Payload["unlock_id"], u.ID)
	}
}

func TestUnlockService_RequestUnlock_SameUserRetryDoesNotDoubleCharge(t *testing.T) {
	h := newUnlockHarness(5.0)
	ctx := context.Background()
	input := RequestUnlockInput{SourceItemID: "item-1", UserID: "alice", Transcript: "text"}

	if _, err := h.service.RequestUnlock(ctx, input); err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}
	outcome, err := h.service.RequestUnlock(ctx, input)
	if err != nil {
		t.Fatalf("RequestUnlock() retry error = %v", err)
	}

	if outcome.State != ReserveStateReserved {
		t.Errorf("retry state = %s, want %s", outcome.State, ReserveStateReserved)
	}
	if outcome.ReservedNow {
		t.Errorf("retry reservedNow = true, want false")
	}
	if got := countEntries(h.ledger, models.LedgerEntryHold); got != 1 {
		t.Errorf("hold entries after retry = %d, want 1", got)
	}
}

func TestUnlockService_RequestUnlock_OtherUserSeesInProgress(t *testing.T) {
	h := newUnlockHarness(5.0)
	ctx := context.Background()

	if _, err := h.service.RequestUnlock(ctx, RequestUnlockInput{SourceItemID: "item-1", UserID: "alice", Transcript: "text"}); err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}

	outcome, err := h.service.RequestUnlock(ctx, RequestUnlockInput{SourceItemID: "item-1", UserID: "bob", Transcript: "text"})
	if err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}
	if outcome.State != ReserveStateInProgress {
		t.Errorf("state = %s, want %s", outcome.State, ReserveStateInProgress)
	}
	if got := countEntries(h.ledger, models.LedgerEntryHold); got != 1 {
		t.Errorf("hold entries = %d, want 1 (bob must not be charged)", got)
	}
}

func TestUnlockService_RequestUnlock_InsufficientBalanceReleasesSlot(t *testing.T) {
	h := newUnlockHarness(0.25)
	ctx := context.Background()

	outcome, err := h.service.RequestUnlock(ctx, RequestUnlockInput{SourceItemID: "item-1", UserID: "alice", Transcript: "text"})
	if err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}
	if outcome.State != ReserveStateInsufficient {
		t.Fatalf("state = %s, want %s", outcome.State, ReserveStateInsufficient)
	}
	if got := len(h.ledger.Entries()); got != 0 {
		t.Errorf("ledger entries = %d, want 0", got)
	}

	u, err := h.unlocks.GetByID(ctx, outcome.Unlock.ID)
	if err != nil {
		t.Fatalf("unlock lookup error = %v", err)
	}
	if u.Status != models.UnlockStatusAvailable {
		t.Errorf("unlock status = %s, want available (slot returned)", u.Status)
	}
}

func TestUnlockService_RequestUnlock_ReadyIsIdempotentAndFree(t *testing.T) {
	h := newUnlockHarness(5.0)
	ctx := context.Background()

	blueprintID := "bp-1"
	seeded := unlocktest.MockUnlock("item-1", 1.0)
	seeded.Status = models.UnlockStatusReady
	seeded.BlueprintID = &blueprintID
	h.unlocks.Seed(seeded)

	outcome, err := h.service.RequestUnlock(ctx, RequestUnlockInput{SourceItemID: "item-1", UserID: "alice", Transcript: "text"})
	if err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}
	if outcome.State != ReserveStateReady {
		t.Errorf("state = %s, want %s", outcome.State, ReserveStateReady)
	}
	if outcome.Unlock.BlueprintID == nil || *outcome.Unlock.BlueprintID != blueprintID {
		t.Errorf("blueprint id = %v, want %s", outcome.Unlock.BlueprintID, blueprintID)
	}
	if got := len(h.ledger.Entries()); got != 0 {
		t.Errorf("ledger entries = %d, want 0 for a ready unlock", got)
	}
}

func TestUnlockService_RequestUnlock_ReclaimsExpiredReservation(t *testing.T) {
	h := newUnlockHarness(5.0)
	ctx := context.Background()

	alice := "alice"
	holdID := "hold-1"
	expired := time.Now().Add(-time.Minute)
	seeded := unlocktest.MockUnlock("item-1", 0.5)
	seeded.Status = models.UnlockStatusReserved
	seeded.ReservedByUserID = &alice
	seeded.ReservedLedgerID = &holdID
	seeded.ReservationExpiresAt = &expired
	h.unlocks.Seed(seeded)

	outcome, err := h.service.RequestUnlock(ctx, RequestUnlockInput{SourceItemID: "item-1", UserID: "bob", Transcript: "text"})
	if err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}
	if outcome.State != ReserveStateReserved {
		t.Fatalf("state = %s, want %s after reclaim", outcome.State, ReserveStateReserved)
	}
	if !outcome.ReservedNow {
		t.Errorf("reservedNow = false, want true after reclaim")
	}
	if outcome.Unlock.ReservedByUserID == nil || *outcome.Unlock.ReservedByUserID != "bob" {
		t.Errorf("reserved by = %v, want bob", outcome.Unlock.ReservedByUserID)
	}

	refundKey := "unlock:" + seeded.ID + ":sweep_reserved_expired_refund"
	refund, err := h.ledger.FindEntryByKey(context.Background(), refundKey)
	if err != nil {
		t.Fatalf("expected refund entry %s, got error %v", refundKey, err)
	}
	if refund.UserID != alice {
		t.Errorf("refund user = %s, want %s", refund.UserID, alice)
	}
}

func TestUnlockService_CompleteGeneration_SettlesAndPublishes(t *testing.T) {
	h := newUnlockHarness(5.0)
	ctx := context.Background()

	outcome, err := h.service.RequestUnlock(ctx, RequestUnlockInput{SourceItemID: "item-1", UserID: "alice", Transcript: "text"})
	if err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}

	if err := h.service.CompleteGeneration(ctx, outcome.Unlock.ID, "bp-9"); err != nil {
		t.Fatalf("CompleteGeneration() error = %v", err)
	}

	u, err := h.unlocks.GetByID(ctx, outcome.Unlock.ID)
	if err != nil {
		t.Fatalf("unlock lookup error = %v", err)
	}
	if u.Status != models.UnlockStatusReady {
		t.Errorf("status = %s, want ready", u.Status)
	}
	if u.BlueprintID == nil || *u.BlueprintID != "bp-9" {
		t.Errorf("blueprint id = %v, want bp-9", u.BlueprintID)
	}
	if got := countEntries(h.ledger, models.LedgerEntrySettle); got != 1 {
		t.Errorf("settle entries = %d, want 1", got)
	}
}

func TestUnlockService_FailGeneration_RefundsAndReleases(t *testing.T) {
	h := newUnlockHarness(5.0)
	ctx := context.Background()

	outcome, err := h.service.RequestUnlock(ctx, RequestUnlockInput{SourceItemID: "item-1", UserID: "alice", Transcript: "text"})
	if err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}

	if err := h.service.FailGeneration(ctx, outcome.Unlock.ID, models.ErrCodeGenerationFailed, "provider exploded"); err != nil {
		t.Fatalf("FailGeneration() error = %v", err)
	}

	u, err := h.unlocks.GetByID(ctx, outcome.Unlock.ID)
	if err != nil {
		t.Fatalf("unlock lookup error = %v", err)
	}
	if u.Status != models.UnlockStatusAvailable {
		t.Errorf("status = %s, want available", u.Status)
	}
	if u.LastErrorCode == nil || *u.LastErrorCode != models.ErrCodeGenerationFailed {
		t.Errorf("error code = %v, want %s", u.LastErrorCode, models.ErrCodeGenerationFailed)
	}
	if got := countEntries(h.ledger, models.LedgerEntryRefund); got != 1 {
		t.Errorf("refund entries = %d, want 1", got)
	}

	balance, err := h.service.ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance.String() != "5" {
		t.Errorf("balance = %s, want 5 restored", balance)
	}
}

func TestUnlockService_EnsureUnlock_KeepsReservedCost(t *testing.T) {
	h := newUnlockHarness(5.0)
	ctx := context.Background()

	outcome, err := h.service.RequestUnlock(ctx, RequestUnlockInput{SourceItemID: "item-1", UserID: "alice", Transcript: "text"})
	if err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}

	u, err := h.unlocks.EnsureUnlock(ctx, "item-1", nil, decimal.RequireFromString("0.05"))
	if err != nil {
		t.Fatalf("EnsureUnlock() error = %v", err)
	}
	if u.Status != models.UnlockStatusReserved {
		t.Fatalf("status = %s, want reserved untouched", u.Status)
	}
	if !u.EstimatedCost.Equal(outcome.Unlock.EstimatedCost) {
		t.Errorf("estimated cost = %s, want %s kept while reserved", u.EstimatedCost, outcome.Unlock.EstimatedCost)
	}
}

func TestUnlockService_FailGeneration_RefundsHeldAmountAfterReprice(t *testing.T) {
	h := newUnlockHarness(5.0)
	ctx := context.Background()

	outcome, err := h.service.RequestUnlock(ctx, RequestUnlockInput{SourceItemID: "item-1", UserID: "alice", Transcript: "text"})
	if err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}

	// Rewrite the row cost under the reservation; the refund must repay what
	// the hold actually debited, not the current price.
	tampered, err := h.unlocks.GetByID(ctx, outcome.Unlock.ID)
	if err != nil {
		t.Fatalf("unlock lookup error = %v", err)
	}
	tampered.EstimatedCost = decimal.RequireFromString("0.05")
	h.unlocks.Seed(tampered)

	if err := h.service.FailGeneration(ctx, outcome.Unlock.ID, models.ErrCodeGenerationFailed, "provider exploded"); err != nil {
		t.Fatalf("FailGeneration() error = %v", err)
	}

	balance, err := h.service.ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance.String() != "5" {
		t.Errorf("balance = %s, want 5 (held amount refunded)", balance)
	}
}

// contendingUnlockStore injects a rival reservation right before the caller's
// first Reserve lands, so the caller's version token goes stale mid-write.
type contendingUnlockStore struct {
	*unlocktest.FakeUnlockStore
	rival    string
	injected bool
}

func (s *contendingUnlockStore) Reserve(ctx context.Context, id string, expectedVersion time.Time, userID string, expiresAt time.Time) (*models.Unlock, error) {
	if !s.injected && userID != s.rival {
		s.injected = true
		if _, err := s.FakeUnlockStore.Reserve(ctx, id, expectedVersion, s.rival, expiresAt); err != nil {
			return nil, err
		}
	}
	return s.FakeUnlockStore.Reserve(ctx, id, expectedVersion, userID, expiresAt)
}

func TestUnlockService_Reserve_LostRaceReReadsAndYields(t *testing.T) {
	logger := unlocktest.NewTestLogger()
	base := unlocktest.NewFakeUnlockStore()
	unlocks := &contendingUnlockStore{FakeUnlockStore: base, rival: "mallory"}
	ledgerStore := unlocktest.NewFakeLedgerStore()
	jobs := unlocktest.NewFakeJobStore()
	ledger := CreateLedgerService(ledgerStore, WalletDefaults{
		Capacity:         decimal.NewFromFloat(5.0),
		RefillRatePerSec: decimal.Zero,
		InitialBalance:   decimal.NewFromFloat(5.0),
	}, logger)
	pricing := CreatePricingService(staticCounter{count: 1}, nil, PricingConfig{}, logger)
	service := CreateUnlockService(unlocks, jobs, ledger, pricing, UnlockServiceConfig{
		ReservationWindow: 2 * time.Minute,
		ProcessingWindow:  5 * time.Minute,
	}, logger)
	ctx := context.Background()

	outcome, err := service.RequestUnlock(ctx, RequestUnlockInput{SourceItemID: "item-1", UserID: "alice", Transcript: "text"})
	if err != nil {
		t.Fatalf("RequestUnlock() error = %v", err)
	}
	if !unlocks.injected {
		t.Fatalf("rival reservation never injected")
	}
	if outcome.State != ReserveStateInProgress {
		t.Errorf("state = %s, want %s after losing the race", outcome.State, ReserveStateInProgress)
	}
	if outcome.ReservedNow {
		t.Errorf("reservedNow = true, want false for the loser")
	}

	u, err := base.GetBySourceItemID(ctx, "item-1")
	if err != nil {
		t.Fatalf("unlock lookup error = %v", err)
	}
	if u.ReservedByUserID == nil || *u.ReservedByUserID != "mallory" {
		t.Errorf("reserved by = %v, want mallory keeping the slot", u.ReservedByUserID)
	}
	if got := len(ledgerStore.Entries()); got != 0 {
		t.Errorf("ledger entries = %d, want 0 for the loser", got)
	}
}

func TestUnlockService_RequestUnlock_ConcurrentRequestsReserveExactlyOnce(t *testing.T) {
	h := newUnlockHarness(5.0)
	ctx := context.Background()

	const callers = 8
	outcomes := make([]*ReserveOutcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := h.service.RequestUnlock(ctx, RequestUnlockInput{
				SourceItemID: "item-1",
				UserID:       fmt.Sprintf("user-%d", i),
				Transcript:   "text",
			})
			if err != nil {
				t.Errorf("RequestUnlock() error = %v", err)
				return
			}
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, outcome := range outcomes {
		if outcome != nil && outcome.ReservedNow {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("reservedNow winners = %d, want exactly 1", winners)
	}
	if got := countEntries(h.ledger, models.LedgerEntryHold); got != 1 {
		t.Errorf("hold entries = %d, want 1 no matter how many requests race", got)
	}
}
