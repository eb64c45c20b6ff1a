package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the per-user credit balance. Balance refills continuously at
// RefillRatePerSec from LastRefillAt, capped at Capacity. Refill state is
// persisted opportunistically on write, not on its own clock.
type Wallet struct {
	UserID           string          `json:"user_id" gorm:"primaryKey"`
	Balance          decimal.Decimal `json:"balance" gorm:"type:numeric(12,3);not null"`
	Capacity         decimal.Decimal `json:"capacity" gorm:"type:numeric(12,3);not null"`
	RefillRatePerSec decimal.Decimal `json:"refill_rate_per_sec" gorm:"type:numeric(12,6);not null"`
	LastRefillAt     time.Time       `json:"last_refill_at" gorm:"not null"`
	CreatedAt        time.Time       `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time       `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string {
	return "wallets"
}

// RefilledBalance returns the balance after accruing refill up to now,
// clamped to [0, Capacity].
func (w *Wallet) RefilledBalance(now time.Time) decimal.Decimal {
	balance := w.Balance
	if now.After(w.LastRefillAt) && w.RefillRatePerSec.IsPositive() {
		elapsed := decimal.NewFromFloat(now.Sub(w.LastRefillAt).Seconds())
		balance = balance.Add(w.RefillRatePerSec.Mul(elapsed))
	}
	return ClampBalance(balance, w.Capacity)
}

// ApplyRefill folds accrued refill into the stored balance and advances the
// refill clock. Call before any balance mutation so the mutation sees the
// current spendable amount.
func (w *Wallet) ApplyRefill(now time.Time) {
	w.Balance = w.RefilledBalance(now)
	w.LastRefillAt = now
}

// ClampBalance bounds a balance to [0, capacity].
func ClampBalance(balance, capacity decimal.Decimal) decimal.Decimal {
	if balance.IsNegative() {
		return decimal.Zero
	}
	if balance.GreaterThan(capacity) {
		return capacity
	}
	return balance
}
