package pricing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// pricePrecision is the number of decimal places prices are quoted in.
const pricePrecision int32 = 2

// Schedule is the immutable price curve of one auction.
type Schedule struct {
	StartTime   time.Time
	StartPrice  float64
	FloorPrice  float64
	HourlyDecay float64
}

// PriceAt returns the price of the schedule at now.
// The price falls linearly per whole elapsed hour and never drops below the floor.
func PriceAt(s Schedule, now time.Time) float64 {
	hoursElapsed := math.Floor(now.Sub(s.StartTime).Hours())
	if hoursElapsed < 0 {
		hoursElapsed = 0
	}

	price := math.Max(s.StartPrice-s.HourlyDecay*hoursElapsed, s.FloorPrice)
	return clamp(Round(price), s.FloorPrice, s.StartPrice)
}

// Round rounds a price to pricePrecision decimal places.
func Round(price float64) float64 {
	return decimal.NewFromFloat(price).Round(pricePrecision).InexactFloat64()
}

// Changed reports whether two prices differ by at least threshold.
func Changed(previous, next, threshold float64) bool {
	delta := decimal.NewFromFloat(next).Sub(decimal.NewFromFloat(previous)).Abs()
	return delta.GreaterThanOrEqual(decimal.NewFromFloat(threshold))
}

// PercentOf returns part as a percentage of whole, or 0 when whole is not positive.
func PercentOf(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
