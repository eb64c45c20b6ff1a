package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type UnlockStatus string

const (
	UnlockStatusAvailable  UnlockStatus = "available"
	UnlockStatusReserved   UnlockStatus = "reserved"
	UnlockStatusProcessing UnlockStatus = "processing"
	UnlockStatusReady      UnlockStatus = "ready"
)

// Recovery and failure codes recorded on lastErrorCode.
const (
	ErrCodeReservationExpiredRecovered = "UNLOCK_RESERVATION_EXPIRED_RECOVERED"
	ErrCodeProcessingStaleRecovered    = "UNLOCK_PROCESSING_STALE_RECOVERED"
	ErrCodeOrphanJobRecovered          = "ORPHAN_UNLOCK_JOB_RECOVERED"
	ErrCodeGenerationFailed            = "UNLOCK_GENERATION_FAILED"
)

// Unlock is the reservable resource for one source content item. At most one
// row exists per source item and at most one reservation is active at a time.
// UpdatedAt doubles as the optimistic-concurrency token: every conditional
// write compares against the value read before deciding.
type Unlock struct {
	ID                   string          `json:"id" gorm:"primaryKey;type:uuid;default:gen_random_uuid()"`
	SourceItemID         string          `json:"source_item_id" gorm:"not null;uniqueIndex"`
	SourcePageID         *string         `json:"source_page_id" gorm:"index"`
	Status               UnlockStatus    `json:"status" gorm:"not null;default:'available';index"`
	EstimatedCost        decimal.Decimal `json:"estimated_cost" gorm:"type:numeric(12,3);not null"`
	ReservedByUserID     *string         `json:"reserved_by_user_id" gorm:"index"`
	ReservationExpiresAt *time.Time      `json:"reservation_expires_at" gorm:"index"`
	ReservedLedgerID     *string         `json:"reserved_ledger_id"`
	BlueprintID          *string         `json:"blueprint_id"`
	JobID                *string         `json:"job_id" gorm:"index"`
	LastErrorCode        *string         `json:"last_error_code"`
	LastErrorMessage     *string         `json:"last_error_message"`
	CreatedAt            time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt            time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Unlock) TableName() string {
	return "unlocks"
}

// ReservationExpired reports whether the active reservation or processing
// window has lapsed. Rows without an expiry are treated as expired so a
// half-written reservation is reclaimable.
func (u *Unlock) ReservationExpired(now time.Time) bool {
	if u.Status != UnlockStatusReserved && u.Status != UnlockStatusProcessing {
		return false
	}
	if u.ReservationExpiresAt == nil {
		return true
	}
	return u.ReservationExpiresAt.Before(now)
}
