package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-auction/internal/config"
)

// ErrInvalidCapacity is returned for lots without a positive, finite capacity.
var ErrInvalidCapacity = errors.New("lot capacity must be positive")

// Tier classifies a lot by capacity.
type Tier string

const (
	TierLarge  Tier = "LARGE"
	TierMedium Tier = "MEDIUM"
	TierSmall  Tier = "SMALL"
)

// Params are the derived pricing parameters of a new auction.
type Params struct {
	Tier         Tier    `json:"tier"`
	StartPrice   float64 `json:"start_price"`
	FloorPrice   float64 `json:"floor_price"`
	DurationDays int     `json:"duration_days"`
	HourlyDecay  float64 `json:"hourly_decay"`
}

type multipliers struct {
	start float64
	floor float64
}

// Calculator derives auction parameters from lot capacity.
type Calculator struct {
	basePrice       float64
	durationDays    int
	largeThreshold  float64
	mediumThreshold float64
	tiers           map[Tier]multipliers
}

// NewCalculator builds a calculator from the auction configuration.
func NewCalculator(cfg config.AuctionConfig) *Calculator {
	return &Calculator{
		basePrice:       cfg.BasePrice,
		durationDays:    cfg.DurationDays,
		largeThreshold:  cfg.LargeThreshold,
		mediumThreshold: cfg.MediumThreshold,
		tiers: map[Tier]multipliers{
			TierLarge:  {start: cfg.LargeStartMultiplier, floor: cfg.LargeFloorMultiplier},
			TierMedium: {start: cfg.MediumStartMultiplier, floor: cfg.MediumFloorMultiplier},
			TierSmall:  {start: cfg.SmallStartMultiplier, floor: cfg.SmallFloorMultiplier},
		},
	}
}

// TierFor returns the tier a capacity falls into.
func (c *Calculator) TierFor(capacity float64) Tier {
	switch {
	case capacity >= c.largeThreshold:
		return TierLarge
	case capacity >= c.mediumThreshold:
		return TierMedium
	default:
		return TierSmall
	}
}

// ParamsFor derives start price, floor price, duration and hourly decay for a lot.
func (c *Calculator) ParamsFor(capacity float64) (Params, error) {
	if capacity <= 0 || math.IsNaN(capacity) || math.IsInf(capacity, 0) {
		return Params{}, ErrInvalidCapacity
	}

	tier := c.TierFor(capacity)
	m := c.tiers[tier]

	base := decimal.NewFromFloat(c.basePrice)
	start := base.Mul(decimal.NewFromFloat(m.start)).Round(pricePrecision).InexactFloat64()
	floor := base.Mul(decimal.NewFromFloat(m.floor)).Round(pricePrecision).InexactFloat64()

	return Params{
		Tier:         tier,
		StartPrice:   start,
		FloorPrice:   floor,
		DurationDays: c.durationDays,
		HourlyDecay:  (start - floor) / float64(c.durationDays*24),
	}, nil
}
