package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LedgerEntryType string

const (
	LedgerEntryHold   LedgerEntryType = "hold"
	LedgerEntrySettle LedgerEntryType = "settle"
	LedgerEntryRefund LedgerEntryType = "refund"
)

// Ledger reason codes.
const (
	ReasonUnlockReservation   = "unlock_reservation"
	ReasonUnlockSettlement    = "unlock_settlement"
	ReasonUnlockFailureRefund = "unlock_failure_refund"
	ReasonSweepExpiredRefund  = "sweep_reserved_expired_refund"
	ReasonSweepStaleRefund    = "sweep_processing_stale_refund"
)

// LedgerEntry is an append-only record of one balance-affecting operation.
// Rows are never mutated; the unique IdempotencyKey is the sole mechanism
// turning at-least-once calls into exactly-once economic effects.
type LedgerEntry struct {
	ID             string          `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	IdempotencyKey string          `json:"idempotency_key" gorm:"not null;uniqueIndex"`
	EntryType      LedgerEntryType `json:"entry_type" gorm:"not null;index"`
	UserID         string          `json:"user_id" gorm:"not null;index"`
	Amount         decimal.Decimal `json:"amount" gorm:"type:numeric(12,3);not null"`
	ReasonCode     string          `json:"reason_code" gorm:"not null"`
	Context        JSON            `json:"context" gorm:"type:jsonb"`
	CreatedAt      time.Time       `json:"created_at" gorm:"autoCreateTime;index"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}
