package models

import (
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ProviderCircuit tracks the health of one external provider. It is shared by
// every caller of that provider and is intentionally a conservative global
// signal.
type ProviderCircuit struct {
	ProviderKey   string       `json:"provider_key" gorm:"primaryKey"`
	State         CircuitState `json:"state" gorm:"not null;default:'closed'"`
	FailureCount  int          `json:"failure_count" gorm:"not null;default:0"`
	OpenedAt      *time.Time   `json:"opened_at"`
	CooldownUntil *time.Time   `json:"cooldown_until"`
	LastError     *string      `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"autoUpdateTime"`
}

func (ProviderCircuit) TableName() string {
	return "provider_circuit_states"
}
