package services

import (
	"context"
	"fmt"
	"testing"

	unlocktest "github.com/malwarebo/unlockd/testing"
	"github.com/shopspring/decimal"
)

func TestComputeUnlockCost_SingleSubscriberPaysMax(t *testing.T) {
	cost := ComputeUnlockCost(1)
	if !cost.Equal(MaxUnlockCost) {
		t.Errorf("ComputeUnlockCost(1) = %s, want %s", cost, MaxUnlockCost)
	}
}

func TestComputeUnlockCost_ZeroAndNegativeCountsPayMax(t *testing.T) {
	for _, count := range []int64{0, -5} {
		cost := ComputeUnlockCost(count)
		if !cost.Equal(MaxUnlockCost) {
			t.Errorf("ComputeUnlockCost(%d) = %s, want %s", count, cost, MaxUnlockCost)
		}
	}
}

func TestComputeUnlockCost_LargeCountClampsToFloor(t *testing.T) {
	cost := ComputeUnlockCost(1000)
	if !cost.Equal(MinUnlockCost) {
		t.Errorf("ComputeUnlockCost(1000) = %s, want %s", cost, MinUnlockCost)
	}
}

func TestComputeUnlockCost_RoundsToThreeDecimals(t *testing.T) {
	cost := ComputeUnlockCost(3)
	if cost.String() != "0.333" {
		t.Errorf("ComputeUnlockCost(3) = %s, want 0.333", cost)
	}
}

func TestComputeUnlockCost_BoundaryAtTwenty(t *testing.T) {
	// 1/20 sits exactly on the floor.
	cost := ComputeUnlockCost(20)
	if !cost.Equal(MinUnlockCost) {
		t.Errorf("ComputeUnlockCost(20) = %s, want %s", cost, MinUnlockCost)
	}
}

type staticCounter struct {
	count int64
	err   error
}

func (c staticCounter) ActiveSubscriberCount(ctx context.Context, groupKey string) (int64, error) {
	return c.count, c.err
}

func TestPricingService_EstimateCost_NilPagePaysMax(t *testing.T) {
	svc := CreatePricingService(staticCounter{count: 10}, nil, PricingConfig{}, unlocktest.NewTestLogger())

	cost := svc.EstimateCost(context.Background(), nil)
	if !cost.Equal(MaxUnlockCost) {
		t.Errorf("EstimateCost(nil) = %s, want %s", cost, MaxUnlockCost)
	}
}

func TestPricingService_EstimateCost_CounterFailureFallsBackToMax(t *testing.T) {
	svc := CreatePricingService(staticCounter{err: fmt.Errorf("upstream down")}, nil, PricingConfig{}, unlocktest.NewTestLogger())

	pageID := "page-1"
	cost := svc.EstimateCost(context.Background(), &pageID)
	if !cost.Equal(MaxUnlockCost) {
		t.Errorf("EstimateCost() = %s, want %s on counter failure", cost, MaxUnlockCost)
	}
}

func TestPricingService_EstimateCost_UsesCounterValue(t *testing.T) {
	svc := CreatePricingService(staticCounter{count: 4}, nil, PricingConfig{}, unlocktest.NewTestLogger())

	pageID := "page-1"
	cost := svc.EstimateCost(context.Background(), &pageID)
	if cost.String() != "0.25" {
		t.Errorf("EstimateCost() = %s, want 0.25", cost)
	}
}

func TestPricingService_EstimateCost_UsesConfiguredBounds(t *testing.T) {
	svc := CreatePricingService(staticCounter{count: 100}, nil, PricingConfig{
		MinCost: decimal.RequireFromString("0.2"),
		MaxCost: decimal.NewFromInt(2),
	}, unlocktest.NewTestLogger())

	pageID := "page-1"
	cost := svc.EstimateCost(context.Background(), &pageID)
	if cost.String() != "0.2" {
		t.Errorf("EstimateCost() = %s, want configured floor 0.2", cost)
	}

	if cost := svc.EstimateCost(context.Background(), nil); !cost.Equal(decimal.NewFromInt(2)) {
		t.Errorf("EstimateCost(nil) = %s, want configured ceiling 2", cost)
	}
}
