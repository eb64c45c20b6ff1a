package services

import (
	"context"

	"github.com/malwarebo/unlockd/cache"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Default unlock cost bounds. Cost is 1/count clamped into the configured
// [min, max], so a one-subscriber channel pays the maximum and a large channel
// amortizes down to the floor.
var (
	MinUnlockCost = decimal.RequireFromString("0.05")
	MaxUnlockCost = decimal.NewFromInt(1)
)

// ComputeUnlockCost maps an active subscriber count for a grouping key to a
// cost under the default bounds, rounded to 3 decimal places.
func ComputeUnlockCost(activeCount int64) decimal.Decimal {
	return computeCostBetween(activeCount, MinUnlockCost, MaxUnlockCost)
}

func computeCostBetween(activeCount int64, min, max decimal.Decimal) decimal.Decimal {
	if activeCount <= 1 {
		return max
	}
	cost := decimal.NewFromInt(1).Div(decimal.NewFromInt(activeCount)).Round(3)
	if cost.LessThan(min) {
		return min
	}
	if cost.GreaterThan(max) {
		return max
	}
	return cost
}

// SubscriberCounter resolves the active subscriber/consumer count for a
// grouping key from the upstream system.
type SubscriberCounter interface {
	ActiveSubscriberCount(ctx context.Context, groupKey string) (int64, error)
}

// PricingConfig carries the configured cost bounds; zero values fall back to
// the package defaults.
type PricingConfig struct {
	MinCost decimal.Decimal
	MaxCost decimal.Decimal
}

// PricingService computes estimated unlock costs, caching subscriber counts
// so repeated EnsureUnlock calls don't hammer the upstream counter.
type PricingService struct {
	counter SubscriberCounter
	cache   *cache.RedisCache
	minCost decimal.Decimal
	maxCost decimal.Decimal
	logger  *logrus.Logger
}

func CreatePricingService(counter SubscriberCounter, redisCache *cache.RedisCache, config PricingConfig, logger *logrus.Logger) *PricingService {
	if !config.MinCost.IsPositive() {
		config.MinCost = MinUnlockCost
	}
	if !config.MaxCost.IsPositive() {
		config.MaxCost = MaxUnlockCost
	}
	return &PricingService{
		counter: counter,
		cache:   redisCache,
		minCost: config.MinCost,
		maxCost: config.MaxCost,
		logger:  logger,
	}
}

// EstimateCost prices an unlock for a source page. Unknown grouping keys and
// counter failures fall back to the maximum cost; overcharging a reservation
// is recoverable (holds are settled or refunded), undercharging is not.
func (s *PricingService) EstimateCost(ctx context.Context, sourcePageID *string) decimal.Decimal {
	if sourcePageID == nil || *sourcePageID == "" {
		return s.maxCost
	}

	if s.cache != nil {
		if count, ok := s.cache.GetSubscriberCount(ctx, *sourcePageID); ok {
			return computeCostBetween(count, s.minCost, s.maxCost)
		}
	}

	count, err := s.counter.ActiveSubscriberCount(ctx, *sourcePageID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"source_page_id": *sourcePageID,
			"error":          err.Error(),
		}).Warn("subscriber count lookup failed, using max cost")
		return s.maxCost
	}

	if s.cache != nil {
		s.cache.SetSubscriberCount(ctx, *sourcePageID, count)
	}
	return computeCostBetween(count, s.minCost, s.maxCost)
}
