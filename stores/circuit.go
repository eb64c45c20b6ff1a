package stores

import (
	"context"
	"time"

	"github.com/malwarebo/unlockd/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CircuitStore owns the provider_circuit_states table, one row per provider
// key, upserted continuously.
type CircuitStore struct {
	BaseStore
}

func CreateCircuitStore(db *gorm.DB) *CircuitStore {
	return &CircuitStore{BaseStore: BaseStore{db: db}}
}

func (s *CircuitStore) Get(ctx context.Context, providerKey string) (*models.ProviderCircuit, error) {
	var circuit models.ProviderCircuit
	if err := s.GetDB(ctx).First(&circuit, "provider_key = ?", providerKey).Error; err != nil {
		return nil, translateError(err)
	}
	return &circuit, nil
}

func (s *CircuitStore) Upsert(ctx context.Context, circuit *models.ProviderCircuit) error {
	return s.GetDB(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider_key"}},
			UpdateAll: true,
		}).
		Create(circuit).Error
}

// TransitionToHalfOpen flips open→half_open once the cooldown has elapsed.
// The WHERE clause makes the flip atomic: exactly one caller wins and gets
// the single probe, everyone else keeps failing fast.
func (s *CircuitStore) TransitionToHalfOpen(ctx context.Context, providerKey string) (bool, error) {
	result := s.GetDB(ctx).Model(&models.ProviderCircuit{}).
		Where("provider_key = ? AND state = ?", providerKey, models.CircuitOpen).
		Update("state", models.CircuitHalfOpen)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReclaimHalfOpenProbe re-takes the single probe slot when a half_open row
// has not been touched since staleBefore, meaning the previous prober died
// without recording an outcome. The update rewrites state to the same value
// purely to bump updated_at; the staleness predicate makes exactly one caller
// win the reclaimed probe.
func (s *CircuitStore) ReclaimHalfOpenProbe(ctx context.Context, providerKey string, staleBefore time.Time) (bool, error) {
	result := s.GetDB(ctx).Model(&models.ProviderCircuit{}).
		Where("provider_key = ? AND state = ? AND updated_at < ?", providerKey, models.CircuitHalfOpen, staleBefore).
		Update("state", models.CircuitHalfOpen)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
