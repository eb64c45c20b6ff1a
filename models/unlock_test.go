package models

import (
	"testing"
	"time"
)

func TestUnlock_ReservationExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name      string
		status    UnlockStatus
		expiresAt *time.Time
		want      bool
	}{
		{"available never expires", UnlockStatusAvailable, &past, false},
		{"ready never expires", UnlockStatusReady, &past, false},
		{"reserved past expiry", UnlockStatusReserved, &past, true},
		{"reserved future expiry", UnlockStatusReserved, &future, false},
		{"reserved without expiry is reclaimable", UnlockStatusReserved, nil, true},
		{"processing past expiry", UnlockStatusProcessing, &past, true},
		{"processing future expiry", UnlockStatusProcessing, &future, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &Unlock{Status: tt.status, ReservationExpiresAt: tt.expiresAt}
			if got := u.ReservationExpired(now); got != tt.want {
				t.Errorf("ReservationExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}
