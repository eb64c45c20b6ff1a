package testing

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/malwarebo/unlockd/models"
	"github.com/malwarebo/unlockd/stores"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func NewTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func MockWallet(userID string, balance float64) *models.Wallet {
	return &models.Wallet{
		UserID:           userID,
		Balance:          decimal.NewFromFloat(balance),
		Capacity:         decimal.NewFromFloat(5.0),
		RefillRatePerSec: decimal.Zero,
		LastRefillAt:     time.Now(),
	}
}

func MockUnlock(sourceItemID string, cost float64) *models.Unlock {
	return &models.Unlock{
		ID:            uuid.NewString(),
		SourceItemID:  sourceItemID,
		Status:        models.UnlockStatusAvailable,
		EstimatedCost: decimal.NewFromFloat(cost),
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
}

// FakeUnlockStore is an in-memory UnlockRepo with the same conditional-write
// semantics as the real store: every mutation compares the caller's version
// token or status predicate and reports ErrVersionConflict on a miss.
type FakeUnlockStore struct {
	mu       sync.Mutex
	byID     map[string]*models.Unlock
	bySource map[string]string
}

func NewFakeUnlockStore() *FakeUnlockStore {
	return &FakeUnlockStore{
		byID:     make(map[string]*models.Unlock),
		bySource: make(map[string]string),
	}
}

func (s *FakeUnlockStore) bump(u *models.Unlock) {
	now := time.Now()
	if !now.After(u.UpdatedAt) {
		now = u.UpdatedAt.Add(time.Nanosecond)
	}
	u.UpdatedAt = now
}

func copyUnlock(u *models.Unlock) *models.Unlock {
	c := *u
	return &c
}

// Seed inserts an unlock directly, bypassing the state machine.
func (s *FakeUnlockStore) Seed(u *models.Unlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[u.ID] = copyUnlock(u)
	s.bySource[u.SourceItemID] = u.ID
}

func (s *FakeUnlockStore) EnsureUnlock(ctx context.Context, sourceItemID string, sourcePageID *string, estimatedCost decimal.Decimal) (*models.Unlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.bySource[sourceItemID]; ok {
		u := s.byID[id]
		if u.Status == models.UnlockStatusAvailable && !u.EstimatedCost.Equal(estimatedCost) {
			u.EstimatedCost = estimatedCost
			s.bump(u)
		}
		return copyUnlock(u), nil
	}
	u := &models.Unlock{
		ID:            uuid.NewString(),
		SourceItemID:  sourceItemID,
		SourcePageID:  sourcePageID,
		Status:        models.UnlockStatusAvailable,
		EstimatedCost: estimatedCost,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	s.byID[u.ID] = u
	s.bySource[sourceItemID] = u.ID
	return copyUnlock(u), nil
}

func (s *FakeUnlockStore) GetByID(ctx context.Context, id string) (*models.Unlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, stores.ErrNotFound
	}
	return copyUnlock(u), nil
}

func (s *FakeUnlockStore) GetBySourceItemID(ctx context.Context, sourceItemID string) (*models.Unlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySource[sourceItemID]
	if !ok {
		return nil, stores.ErrNotFound
	}
	return copyUnlock(s.byID[id]), nil
}

func (s *FakeUnlockStore) Reserve(ctx context.Context, id string, expectedVersion time.Time, userID string, expiresAt time.Time) (*models.Unlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, stores.ErrNotFound
	}
	if !u.UpdatedAt.Equal(expectedVersion) || u.Status != models.UnlockStatusAvailable {
		return nil, stores.ErrVersionConflict
	}
	u.Status = models.UnlockStatusReserved
	u.ReservedByUserID = &userID
	u.ReservationExpiresAt = &expiresAt
	u.ReservedLedgerID = nil
	u.JobID = nil
	s.bump(u)
	return copyUnlock(u), nil
}

func (s *FakeUnlockStore) Release(ctx context.Context, id string, expectedVersion time.Time) (*models.Unlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, stores.ErrNotFound
	}
	if !u.UpdatedAt.Equal(expectedVersion) {
		return nil, stores.ErrVersionConflict
	}
	u.Status = models.UnlockStatusAvailable
	u.ReservedByUserID = nil
	u.ReservationExpiresAt = nil
	u.ReservedLedgerID = nil
	u.JobID = nil
	s.bump(u)
	return copyUnlock(u), nil
}

func (s *FakeUnlockStore) AttachReservationLedger(ctx context.Context, id, userID, ledgerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return stores.ErrNotFound
	}
	if u.Status != models.UnlockStatusReserved || u.ReservedByUserID == nil || *u.ReservedByUserID != userID {
		return stores.ErrVersionConflict
	}
	u.ReservedLedgerID = &ledgerID
	s.bump(u)
	return nil
}

func (s *FakeUnlockStore) MarkProcessing(ctx context.Context, id, userID, jobID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return stores.ErrNotFound
	}
	if u.Status != models.UnlockStatusReserved || u.ReservedByUserID == nil || *u.ReservedByUserID != userID {
		return stores.ErrVersionConflict
	}
	u.Status = models.UnlockStatusProcessing
	u.JobID = &jobID
	u.ReservationExpiresAt = &expiresAt
	s.bump(u)
	return nil
}

func (s *FakeUnlockStore) Complete(ctx context.Context, id, blueprintID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return stores.ErrNotFound
	}
	u.Status = models.UnlockStatusReady
	u.BlueprintID = &blueprintID
	u.ReservedByUserID = nil
	u.ReservationExpiresAt = nil
	u.ReservedLedgerID = nil
	u.JobID = nil
	u.LastErrorCode = nil
	u.LastErrorMessage = nil
	s.bump(u)
	return nil
}

func (s *FakeUnlockStore) Fail(ctx context.Context, id string, expectedVersion time.Time, errorCode, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return stores.ErrNotFound
	}
	if !u.UpdatedAt.Equal(expectedVersion) ||
		(u.Status != models.UnlockStatusReserved && u.Status != models.UnlockStatusProcessing) {
		return stores.ErrVersionConflict
	}
	u.Status = models.UnlockStatusAvailable
	u.LastErrorCode = &errorCode
	u.LastErrorMessage = &errorMessage
	u.ReservedByUserID = nil
	u.ReservationExpiresAt = nil
	u.ReservedLedgerID = nil
	u.JobID = nil
	s.bump(u)
	return nil
}

func (s *FakeUnlockStore) FindExpiredReserved(ctx context.Context, now time.Time, limit int) ([]*models.Unlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Unlock
	for _, u := range s.byID {
		if u.Status == models.UnlockStatusReserved && u.ReservationExpired(now) {
			out = append(out, copyUnlock(u))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *FakeUnlockStore) ListProcessing(ctx context.Context, limit int) ([]*models.Unlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Unlock
	for _, u := range s.byID {
		if u.Status == models.UnlockStatusProcessing {
			out = append(out, copyUnlock(u))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *FakeUnlockStore) CountActiveByJobID(ctx context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, u := range s.byID {
		if u.JobID != nil && *u.JobID == jobID &&
			(u.Status == models.UnlockStatusReserved || u.Status == models.UnlockStatusProcessing) {
			count++
		}
	}
	return count, nil
}

// FakeLedgerStore is an in-memory LedgerRepo. WithTransaction snapshots the
// wallets so a failed callback rolls balance changes back, matching what the
// database transaction does when the duplicate-key insert aborts it.
type FakeLedgerStore struct {
	mu      sync.Mutex
	wallets map[string]*models.Wallet
	entries []*models.LedgerEntry
	byKey   map[string]*models.LedgerEntry
	byID    map[string]*models.LedgerEntry
}

func NewFakeLedgerStore() *FakeLedgerStore {
	return &FakeLedgerStore{
		wallets: make(map[string]*models.Wallet),
		byKey:   make(map[string]*models.LedgerEntry),
		byID:    make(map[string]*models.LedgerEntry),
	}
}

func copyWallet(w *models.Wallet) *models.Wallet {
	c := *w
	return &c
}

func copyEntry(e *models.LedgerEntry) *models.LedgerEntry {
	c := *e
	return &c
}

func (s *FakeLedgerStore) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	s.mu.Lock()
	snapshot := make(map[string]*models.Wallet, len(s.wallets))
	for k, w := range s.wallets {
		snapshot[k] = copyWallet(w)
	}
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.wallets = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *FakeLedgerStore) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, stores.ErrNotFound
	}
	return copyWallet(w), nil
}

func (s *FakeLedgerStore) GetWalletForUpdate(ctx context.Context, userID string) (*models.Wallet, error) {
	return s.GetWallet(ctx, userID)
}

func (s *FakeLedgerStore) EnsureWallet(ctx context.Context, wallet *models.Wallet) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.wallets[wallet.UserID]; ok {
		return copyWallet(existing), nil
	}
	s.wallets[wallet.UserID] = copyWallet(wallet)
	return copyWallet(wallet), nil
}

func (s *FakeLedgerStore) SaveWallet(ctx context.Context, wallet *models.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[wallet.UserID] = copyWallet(wallet)
	return nil
}

func (s *FakeLedgerStore) CreateEntry(ctx context.Context, entry *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[entry.IdempotencyKey]; ok {
		return stores.ErrDuplicateKey
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	stored := copyEntry(entry)
	s.entries = append(s.entries, stored)
	s.byKey[stored.IdempotencyKey] = stored
	s.byID[stored.ID] = stored
	return nil
}

func (s *FakeLedgerStore) GetEntry(ctx context.Context, id string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, stores.ErrNotFound
	}
	return copyEntry(e), nil
}

func (s *FakeLedgerStore) FindEntryByKey(ctx context.Context, idempotencyKey string) (*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[idempotencyKey]
	if !ok {
		return nil, stores.ErrNotFound
	}
	return copyEntry(e), nil
}

func (s *FakeLedgerStore) ListEntries(ctx context.Context, userID string, from, to time.Time, limit int) ([]*models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range s.entries {
		if e.UserID != userID {
			continue
		}
		if e.CreatedAt.Before(from) || e.CreatedAt.After(to) {
			continue
		}
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Entries returns every entry recorded, for assertions.
func (s *FakeLedgerStore) Entries() []*models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.LedgerEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, copyEntry(e))
	}
	return out
}

// FakeJobStore is an in-memory JobRepo with lease semantics.
type FakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.IngestionJob
}

func NewFakeJobStore() *FakeJobStore {
	return &FakeJobStore{jobs: make(map[string]*models.IngestionJob)}
}

func copyJob(j *models.IngestionJob) *models.IngestionJob {
	c := *j
	return &c
}

func (s *FakeJobStore) Enqueue(ctx context.Context, job *models.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *FakeJobStore) GetByID(ctx context.Context, id string) (*models.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, stores.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *FakeJobStore) Claim(ctx context.Context, scopes []string, maxJobs int, workerID string, leaseSeconds int) ([]*models.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	inScope := func(scope string) bool {
		for _, s := range scopes {
			if s == scope {
				return true
			}
		}
		return false
	}

	var claimed []*models.IngestionJob
	for _, j := range s.jobs {
		if len(claimed) >= maxJobs {
			break
		}
		if !inScope(j.Scope) {
			continue
		}
		claimable := j.Status == models.JobStatusQueued ||
			(j.Status == models.JobStatusRunning && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now))
		if !claimable {
			continue
		}
		lease := now.Add(time.Duration(leaseSeconds) * time.Second)
		j.Status = models.JobStatusRunning
		j.WorkerID = &workerID
		j.LeaseExpiresAt = &lease
		j.Attempts++
		if j.StartedAt == nil {
			started := now
			j.StartedAt = &started
		}
		j.UpdatedAt = now
		claimed = append(claimed, copyJob(j))
	}
	return claimed, nil
}

func (s *FakeJobStore) TouchLease(ctx context.Context, jobID, workerID string, leaseSeconds int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.JobStatusRunning || j.WorkerID == nil || *j.WorkerID != workerID {
		return false, nil
	}
	lease := time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	j.LeaseExpiresAt = &lease
	j.UpdatedAt = time.Now()
	return true, nil
}

func (s *FakeJobStore) MarkSucceeded(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return stores.ErrNotFound
	}
	j.Status = models.JobStatusSucceeded
	j.UpdatedAt = time.Now()
	return nil
}

func (s *FakeJobStore) MarkFailed(ctx context.Context, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return stores.ErrNotFound
	}
	j.Status = models.JobStatusFailed
	j.LastError = &reason
	j.UpdatedAt = time.Now()
	return nil
}

func (s *FakeJobStore) ListStaleRunning(ctx context.Context, scope string, startedBefore time.Time, limit int) ([]*models.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.IngestionJob
	for _, j := range s.jobs {
		if j.Scope != scope || j.Status != models.JobStatusRunning {
			continue
		}
		if j.StartedAt == nil || !j.StartedAt.Before(startedBefore) {
			continue
		}
		out = append(out, copyJob(j))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Seed inserts a job directly, bypassing Enqueue defaults.
func (s *FakeJobStore) Seed(job *models.IngestionJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
}

// FakeCircuitStore is an in-memory CircuitRepo.
type FakeCircuitStore struct {
	mu       sync.Mutex
	circuits map[string]*models.ProviderCircuit
}

func NewFakeCircuitStore() *FakeCircuitStore {
	return &FakeCircuitStore{circuits: make(map[string]*models.ProviderCircuit)}
}

func (s *FakeCircuitStore) Get(ctx context.Context, providerKey string) (*models.ProviderCircuit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circuits[providerKey]
	if !ok {
		return nil, stores.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *FakeCircuitStore) Upsert(ctx context.Context, circuit *models.ProviderCircuit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *circuit
	copied.UpdatedAt = time.Now()
	s.circuits[circuit.ProviderKey] = &copied
	return nil
}

func (s *FakeCircuitStore) TransitionToHalfOpen(ctx context.Context, providerKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circuits[providerKey]
	if !ok || c.State != models.CircuitOpen {
		return false, nil
	}
	c.State = models.CircuitHalfOpen
	c.UpdatedAt = time.Now()
	return true, nil
}

func (s *FakeCircuitStore) ReclaimHalfOpenProbe(ctx context.Context, providerKey string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.circuits[providerKey]
	if !ok || c.State != models.CircuitHalfOpen || !c.UpdatedAt.Before(staleBefore) {
		return false, nil
	}
	c.UpdatedAt = time.Now()
	return true, nil
}
