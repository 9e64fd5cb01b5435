package auction

import (
	"context"
	"math"
	"time"

	"github.com/ksred/klear-auction/internal/pricing"
)

const pastAuctionsLimit = 10

// ActiveAuctionView is one row of the active auction list.
type ActiveAuctionView struct {
	ID            string    `json:"id"`
	LotID         string    `json:"lot_id"`
	TotalCapacity float64   `json:"total_capacity"`
	SoldCapacity  float64   `json:"sold_capacity"`
	Remaining     float64   `json:"remaining_capacity"`
	StartPrice    float64   `json:"start_price"`
	CurrentPrice  float64   `json:"current_price"`
	FloorPrice    float64   `json:"floor_price"`
	DaysRemaining int       `json:"days_remaining"`
	EndTime       time.Time `json:"end_time"`
}

// HistoryEntry is one accepted allocation in the sale history.
type HistoryEntry struct {
	AllocationID      string    `json:"allocation_id"`
	AuctionID         string    `json:"auction_id"`
	LotID             string    `json:"lot_id"`
	CapacityPurchased float64   `json:"capacity_purchased"`
	PriceAtSale       float64   `json:"price_at_sale"`
	SoldAt            time.Time `json:"sold_at"`
	PercentageOfLot   float64   `json:"percentage_of_lot"`
	IsFinal           bool      `json:"is_final"`
}

// PastAuctionView summarises a finished auction.
type PastAuctionView struct {
	ID            string    `json:"id"`
	LotID         string    `json:"lot_id"`
	TotalCapacity float64   `json:"total_capacity"`
	SoldCapacity  float64   `json:"sold_capacity"`
	StartPrice    float64   `json:"start_price"`
	FinalPrice    float64   `json:"final_price"`
	EndTime       time.Time `json:"end_time"`
	ClosedAt      time.Time `json:"closed_at"`
	Status        Status    `json:"status"`
}

// Statistics is the reporting view of a single auction.
type Statistics struct {
	AuctionID       string  `json:"auction_id,omitempty"`
	LotID           string  `json:"lot_id,omitempty"`
	TotalCapacity   float64 `json:"total_capacity"`
	SoldCapacity    float64 `json:"sold_capacity"`
	Remaining       float64 `json:"remaining"`
	UtilizationPct  float64 `json:"utilization_pct"`
	StartPrice      float64 `json:"start_price"`
	CurrentPrice    float64 `json:"current_price"`
	FloorPrice      float64 `json:"floor_price"`
	PriceDropPct    float64 `json:"price_drop_pct"`
	DaysRemaining   int     `json:"days_remaining"`
	HoursRemaining  float64 `json:"hours_remaining"`
	Status          Status  `json:"status,omitempty"`
	AllocationCount int     `json:"allocation_count"`
	Revenue         float64 `json:"revenue"`
	AveragePrice    float64 `json:"average_price"`
}

// ActiveAuctions lists active auctions that still have capacity for sale.
// Prices are computed for now rather than read from the cached column.
func (s *Service) ActiveAuctions(ctx context.Context) ([]ActiveAuctionView, error) {
	auctions, err := s.db.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	views := make([]ActiveAuctionView, 0, len(auctions))
	for i := range auctions {
		a := &auctions[i]
		if a.Remaining() <= 0 || a.Expired(now) {
			continue
		}
		views = append(views, ActiveAuctionView{
			ID:            a.AuctionID,
			LotID:         a.LotID,
			TotalCapacity: a.TotalCapacity,
			SoldCapacity:  a.SoldCapacity,
			Remaining:     a.Remaining(),
			StartPrice:    a.StartPrice,
			CurrentPrice:  pricing.PriceAt(a.Schedule(), now),
			FloorPrice:    a.FloorPrice,
			DaysRemaining: daysRemaining(a, now),
			EndTime:       a.EndTime,
		})
	}
	return views, nil
}

// History lists accepted allocations, most recent first. limit is clamped to
// the configured page size.
func (s *Service) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > s.cfg.HistoryPageSize {
		limit = s.cfg.HistoryPageSize
	}

	rows, err := s.db.RecentAllocations(ctx, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, HistoryEntry{
			AllocationID:      row.AllocationID,
			AuctionID:         row.AuctionID,
			LotID:             row.LotID,
			CapacityPurchased: row.CapacityPurchased,
			PriceAtSale:       row.PriceAtSale,
			SoldAt:            row.SoldAt,
			PercentageOfLot:   roundPct(pricing.PercentOf(row.CapacityPurchased, row.TotalCapacity)),
			IsFinal:           row.IsFinal,
		})
	}
	return entries, nil
}

// PastAuctions lists the most recently finished auctions.
func (s *Service) PastAuctions(ctx context.Context) ([]PastAuctionView, error) {
	auctions, err := s.db.ListFinished(ctx, pastAuctionsLimit)
	if err != nil {
		return nil, err
	}

	views := make([]PastAuctionView, 0, len(auctions))
	for _, a := range auctions {
		views = append(views, PastAuctionView{
			ID:            a.AuctionID,
			LotID:         a.LotID,
			TotalCapacity: a.TotalCapacity,
			SoldCapacity:  a.SoldCapacity,
			StartPrice:    a.StartPrice,
			FinalPrice:    a.CurrentPrice,
			EndTime:       a.EndTime,
			ClosedAt:      a.LastUpdated,
			Status:        a.Status,
		})
	}
	return views, nil
}

// Statistics reports on one auction. Unknown auctions and read failures yield
// the zero value; this is a reporting path and never fails.
func (s *Service) Statistics(ctx context.Context, auctionID string) Statistics {
	auction, err := s.db.Get(ctx, auctionID)
	if err != nil || auction == nil {
		return Statistics{}
	}
	allocations, err := s.db.ListAllocations(ctx, auctionID)
	if err != nil {
		allocations = nil
	}

	now := s.now()
	currentPrice := auction.CurrentPrice
	if auction.Status == StatusActive {
		currentPrice = pricing.PriceAt(auction.Schedule(), now)
	}

	stats := Statistics{
		AuctionID:       auction.AuctionID,
		LotID:           auction.LotID,
		TotalCapacity:   auction.TotalCapacity,
		SoldCapacity:    auction.SoldCapacity,
		Remaining:       auction.Remaining(),
		UtilizationPct:  roundPct(pricing.PercentOf(auction.SoldCapacity, auction.TotalCapacity)),
		StartPrice:      auction.StartPrice,
		CurrentPrice:    currentPrice,
		FloorPrice:      auction.FloorPrice,
		PriceDropPct:    roundPct(pricing.PercentOf(auction.StartPrice-currentPrice, auction.StartPrice)),
		DaysRemaining:   daysRemaining(auction, now),
		Status:          auction.Status,
		AllocationCount: len(allocations),
	}
	if auction.Status == StatusActive && !auction.Expired(now) {
		stats.HoursRemaining = math.Round(auction.EndTime.Sub(now).Hours()*10) / 10
	}

	for _, allocation := range allocations {
		stats.Revenue += allocation.CapacityPurchased * allocation.PriceAtSale
	}
	if stats.SoldCapacity > 0 {
		stats.AveragePrice = pricing.Round(stats.Revenue / stats.SoldCapacity)
	}
	stats.Revenue = pricing.Round(stats.Revenue)

	return stats
}

func daysRemaining(a *Auction, now time.Time) int {
	if a.Status != StatusActive || a.Expired(now) {
		return 0
	}
	return int(a.EndTime.Sub(now).Hours() / 24)
}

func roundPct(pct float64) float64 {
	return math.Round(pct*100) / 100
}
