package services

import (
	"context"
	"errors"
	"time"

	"github.com/malwarebo/unlockd/models"
	"github.com/malwarebo/unlockd/monitoring"
	"github.com/malwarebo/unlockd/stores"
	"github.com/malwarebo/unlockd/utils"
	"github.com/sirupsen/logrus"
)

// CircuitRepo is the persistence surface for provider circuit state.
type CircuitRepo interface {
	Get(ctx context.Context, providerKey string) (*models.ProviderCircuit, error)
	Upsert(ctx context.Context, circuit *models.ProviderCircuit) error
	TransitionToHalfOpen(ctx context.Context, providerKey string) (bool, error)
	ReclaimHalfOpenProbe(ctx context.Context, providerKey string, staleBefore time.Time) (bool, error)
}

type CircuitGateConfig struct {
	// FailFastEnabled gates the assert path; recording stays on either way so
	// state is warm when fail-fast is switched on.
	FailFastEnabled  bool
	FailureThreshold int
	Cooldown         time.Duration
}

// CircuitGate tracks provider health in durable storage shared by all
// instances, and fails fast against a provider judged degraded.
type CircuitGate struct {
	store  CircuitRepo
	config CircuitGateConfig
	logger *logrus.Logger
}

func CreateCircuitGate(store CircuitRepo, config CircuitGateConfig, logger *logrus.Logger) *CircuitGate {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = time.Minute
	}
	return &CircuitGate{
		store:  store,
		config: config,
		logger: logger,
	}
}

// AssertProviderAvailable fails fast with a retry-after hint while the
// circuit is open and inside its cooldown. Once the cooldown elapses, exactly
// one caller wins the atomic open→half_open flip and gets the single probe;
// everyone else keeps getting the degraded error until the probe resolves.
func (g *CircuitGate) AssertProviderAvailable(ctx context.Context, providerKey string) error {
	if !g.config.FailFastEnabled {
		return nil
	}

	circuit, err := g.store.Get(ctx, providerKey)
	if errors.Is(err, stores.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch circuit.State {
	case models.CircuitClosed:
		return nil
	case models.CircuitHalfOpen:
		// A probe is in flight, but a prober that died without recording an
		// outcome must not wedge the circuit here forever. Once the row has
		// sat untouched for a full cooldown, one caller reclaims the probe.
		staleBefore := time.Now().Add(-g.config.Cooldown)
		if circuit.UpdatedAt.Before(staleBefore) {
			won, err := g.store.ReclaimHalfOpenProbe(ctx, providerKey, staleBefore)
			if err != nil {
				return err
			}
			if won {
				g.logger.WithField("provider_key", providerKey).Warn("stale half-open circuit, reclaiming probe")
				return nil
			}
		}
		return utils.NewProviderDegradedError(providerKey, g.config.Cooldown)
	case models.CircuitOpen:
		now := time.Now()
		if circuit.CooldownUntil != nil && circuit.CooldownUntil.After(now) {
			return utils.NewProviderDegradedError(providerKey, circuit.CooldownUntil.Sub(now))
		}
		won, err := g.store.TransitionToHalfOpen(ctx, providerKey)
		if err != nil {
			return err
		}
		if !won {
			return utils.NewProviderDegradedError(providerKey, g.config.Cooldown)
		}
		monitoring.SetCircuitState(providerKey, 1)
		g.logger.WithField("provider_key", providerKey).Info("circuit half-open, probing provider")
		return nil
	}
	return nil
}

// RecordProviderSuccess closes the circuit and resets the failure count.
func (g *CircuitGate) RecordProviderSuccess(ctx context.Context, providerKey string) error {
	monitoring.SetCircuitState(providerKey, 0)
	return g.store.Upsert(ctx, &models.ProviderCircuit{
		ProviderKey:  providerKey,
		State:        models.CircuitClosed,
		FailureCount: 0,
	})
}

// RecordProviderFailure bumps the failure count and trips the circuit open
// once the threshold is crossed. A failed half-open probe reopens with a
// fresh cooldown.
func (g *CircuitGate) RecordProviderFailure(ctx context.Context, providerKey, message string) error {
	circuit, err := g.store.Get(ctx, providerKey)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return err
	}
	if circuit == nil {
		circuit = &models.ProviderCircuit{
			ProviderKey: providerKey,
			State:       models.CircuitClosed,
		}
	}

	circuit.FailureCount++
	circuit.LastError = &message

	if circuit.State == models.CircuitHalfOpen || circuit.FailureCount >= g.config.FailureThreshold {
		now := time.Now()
		cooldownUntil := now.Add(g.config.Cooldown)
		circuit.State = models.CircuitOpen
		circuit.OpenedAt = &now
		circuit.CooldownUntil = &cooldownUntil
		monitoring.SetCircuitState(providerKey, 2)
		g.logger.WithFields(logrus.Fields{
			"provider_key":   providerKey,
			"failure_count":  circuit.FailureCount,
			"cooldown_until": cooldownUntil,
			"error":          message,
		}).Warn("provider circuit opened")
	}

	return g.store.Upsert(ctx, circuit)
}
