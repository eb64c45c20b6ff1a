package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reserveOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unlockd_reserve_outcomes_total",
		Help: "Reservation attempts by terminal outcome (ready, reserved, in_progress, insufficient_balance)",
	}, []string{"outcome"})

	ledgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unlockd_ledger_entries_total",
		Help: "Ledger operations by entry type; deduped operations hit an existing idempotency key",
	}, []string{"entry_type", "deduped"})

	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unlockd_sweep_runs_total",
		Help: "Sweep executions by result (completed, skipped, failed)",
	}, []string{"result"})

	sweepRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unlockd_sweep_recovered_total",
		Help: "Items healed by the reliability sweep, by pass",
	}, []string{"pass"})

	circuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "unlockd_circuit_state",
		Help: "Provider circuit state (0=closed, 1=half_open, 2=open)",
	}, []string{"provider_key"})

	providerAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unlockd_provider_attempts_total",
		Help: "Upstream provider attempts by outcome (success, failure, rejected)",
	}, []string{"provider_key", "outcome"})
)

func RecordReserveOutcome(outcome string) {
	reserveOutcomes.WithLabelValues(outcome).Inc()
}

func RecordLedgerEntry(entryType string, deduped bool) {
	label := "false"
	if deduped {
		label = "true"
	}
	ledgerEntries.WithLabelValues(entryType, label).Inc()
}

func RecordSweepRun(result string) {
	sweepRuns.WithLabelValues(result).Inc()
}

func RecordSweepRecovered(pass string, n int) {
	if n > 0 {
		sweepRecovered.WithLabelValues(pass).Add(float64(n))
	}
}

func SetCircuitState(providerKey string, state float64) {
	circuitState.WithLabelValues(providerKey).Set(state)
}

func RecordProviderAttempt(providerKey, outcome string) {
	providerAttempts.WithLabelValues(providerKey, outcome).Inc()
}
