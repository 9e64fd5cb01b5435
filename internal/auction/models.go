package auction

import (
	"time"

	"github.com/ksred/klear-auction/internal/pricing"
)

// Status is the lifecycle state of an auction.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further mutation is accepted in this state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Auction is one declining-price sale session for the capacity of a lot.
type Auction struct {
	ID             uint         `gorm:"primaryKey" json:"-"`
	AuctionID      string       `gorm:"uniqueIndex;not null" json:"auction_id"`
	LotID          string       `gorm:"index;not null" json:"lot_id"`
	LotAvailableAt *time.Time   `json:"lot_available_at,omitempty"`
	StartTime      time.Time    `json:"start_time"`
	EndTime        time.Time    `json:"end_time"`
	TotalCapacity  float64      `json:"total_capacity"`
	SoldCapacity   float64      `json:"sold_capacity"`
	StartPrice     float64      `json:"start_price"`
	FloorPrice     float64      `json:"floor_price"`
	HourlyDecay    float64      `json:"hourly_decay"`
	CurrentPrice   float64      `json:"current_price"`
	Status         Status       `gorm:"index;not null" json:"status"`
	Version        int64        `gorm:"not null;default:0" json:"version"`
	LastUpdated    time.Time    `json:"last_updated"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	CancelledAt    *time.Time   `json:"cancelled_at,omitempty"`
	Allocations    []Allocation `gorm:"foreignKey:AuctionID;references:AuctionID;constraint:OnDelete:CASCADE" json:"allocations,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Allocation is an accepted partial or full purchase against an auction.
type Allocation struct {
	ID                uint      `gorm:"primaryKey" json:"-"`
	AllocationID      string    `gorm:"uniqueIndex;not null" json:"allocation_id"`
	AuctionID         string    `gorm:"index;not null" json:"auction_id"`
	ClaimantID        string    `gorm:"index" json:"claimant_id,omitempty"`
	CapacityPurchased float64   `json:"capacity_purchased"`
	PriceAtSale       float64   `json:"price_at_sale"`
	SoldAt            time.Time `gorm:"index" json:"sold_at"`
	IsFinal           bool      `json:"is_final"`
	IdempotencyKey    *string   `gorm:"uniqueIndex" json:"-"`
	CreatedAt         time.Time `json:"created_at"`
}

// Schedule returns the immutable price curve of the auction.
func (a *Auction) Schedule() pricing.Schedule {
	return pricing.Schedule{
		StartTime:   a.StartTime,
		StartPrice:  a.StartPrice,
		FloorPrice:  a.FloorPrice,
		HourlyDecay: a.HourlyDecay,
	}
}

// Remaining returns the unsold capacity.
func (a *Auction) Remaining() float64 {
	remaining := a.TotalCapacity - a.SoldCapacity
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether now has reached the auction's end time. The
// session covers [StartTime, EndTime).
func (a *Auction) Expired(now time.Time) bool {
	return !now.Before(a.EndTime)
}

// SoldOut reports whether the sold fraction has reached ratio.
func (a *Auction) SoldOut(ratio float64) bool {
	return a.SoldCapacity >= a.TotalCapacity*ratio
}
