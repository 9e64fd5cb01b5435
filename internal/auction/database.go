package auction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"gorm.io/gorm"
)

// capacitySlack is the relative float tolerance applied to capacity comparisons.
const capacitySlack = 1e-9

// Database is the auction store. It owns consistency of the auction and
// allocation tables and holds no pricing or bidding rules.
type Database struct {
	db      *gorm.DB
	timeout time.Duration
}

// HistoryRow is an allocation joined with the auction it was bought from.
type HistoryRow struct {
	Allocation
	LotID         string
	TotalCapacity float64
}

func NewDatabase(db *gorm.DB, timeout time.Duration) *Database {
	return &Database{db: db, timeout: timeout}
}

// conn returns a session bounded by the store timeout.
func (d *Database) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	if d.timeout <= 0 {
		return d.db.WithContext(ctx), func() {}
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	return d.db.WithContext(ctx), cancel
}

// Get returns the auction with the given id, or nil when it does not exist.
func (d *Database) Get(ctx context.Context, auctionID string) (*Auction, error) {
	db, cancel := d.conn(ctx)
	defer cancel()

	var auction Auction
	if err := db.Where("auction_id = ?", auctionID).First(&auction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrap(ErrPersistence, err)
	}
	return &auction, nil
}

// GetActive returns the active auction of a lot, or nil if there is none.
func (d *Database) GetActive(ctx context.Context, lotID string) (*Auction, error) {
	db, cancel := d.conn(ctx)
	defer cancel()

	var auction Auction
	if err := db.Where("lot_id = ? AND status = ?", lotID, StatusActive).First(&auction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrap(ErrPersistence, err)
	}
	return &auction, nil
}

// LatestForLot returns the most recently created auction of a lot in any state.
func (d *Database) LatestForLot(ctx context.Context, lotID string) (*Auction, error) {
	db, cancel := d.conn(ctx)
	defer cancel()

	var auction Auction
	if err := db.Where("lot_id = ?", lotID).Order("created_at DESC, id DESC").First(&auction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrap(ErrPersistence, err)
	}
	return &auction, nil
}

// ListActive returns every active auction, oldest first.
func (d *Database) ListActive(ctx context.Context) ([]Auction, error) {
	db, cancel := d.conn(ctx)
	defer cancel()

	var auctions []Auction
	if err := db.Where("status = ?", StatusActive).Order("start_time ASC, id ASC").Find(&auctions).Error; err != nil {
		return nil, wrap(ErrPersistence, err)
	}
	return auctions, nil
}

// ListFinished returns completed and cancelled auctions, most recently closed first.
func (d *Database) ListFinished(ctx context.Context, limit int) ([]Auction, error) {
	db, cancel := d.conn(ctx)
	defer cancel()

	var auctions []Auction
	if err := db.Where("status <> ?", StatusActive).
		Order("last_updated DESC, id DESC").
		Limit(limit).
		Find(&auctions).Error; err != nil {
		return nil, wrap(ErrPersistence, err)
	}
	return auctions, nil
}

// Create inserts a new auction.
func (d *Database) Create(ctx context.Context, auction *Auction) error {
	mustHoldInvariants(auction)

	db, cancel := d.conn(ctx)
	defer cancel()

	if err := db.Create(auction).Error; err != nil {
		return wrap(ErrPersistence, err)
	}
	return nil
}

// Update persists price and status changes of an active auction. auction.Version
// must be the version that was read; the write fails with ErrConflict when the
// stored row moved on or is no longer active.
func (d *Database) Update(ctx context.Context, auction *Auction) error {
	mustHoldInvariants(auction)

	db, cancel := d.conn(ctx)
	defer cancel()

	result := db.Model(&Auction{}).
		Where("auction_id = ? AND version = ? AND status = ?", auction.AuctionID, auction.Version, StatusActive).
		Updates(mutableColumns(auction))
	if result.Error != nil {
		return mutationError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}

	auction.Version++
	return nil
}

// AppendAllocation records an allocation and the auction's new sold capacity
// as one unit. auction carries the post-sale state and the version it was read
// at; the conditional update guarantees no concurrent sale was accepted since.
func (d *Database) AppendAllocation(ctx context.Context, auction *Auction, allocation *Allocation) error {
	mustHoldInvariants(auction)
	if allocation.CapacityPurchased <= 0 || allocation.AuctionID != auction.AuctionID {
		panic(fmt.Sprintf("invalid allocation %s for auction %s: capacity %.6f",
			allocation.AllocationID, auction.AuctionID, allocation.CapacityPurchased))
	}

	db, cancel := d.conn(ctx)
	defer cancel()

	tx := db.Begin()
	if err := tx.Error; err != nil {
		return mutationError(err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	result := tx.Model(&Auction{}).
		Where("auction_id = ? AND version = ? AND status = ? AND sold_capacity <= ?",
			auction.AuctionID, auction.Version, StatusActive, auction.SoldCapacity).
		Updates(mutableColumns(auction))
	if result.Error != nil {
		tx.Rollback()
		return mutationError(result.Error)
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return ErrConflict
	}

	if err := tx.Create(allocation).Error; err != nil {
		tx.Rollback()
		// A concurrent request with the same idempotency key committed first;
		// the caller replays its receipt.
		if allocation.IdempotencyKey != nil && isUniqueViolation(err) {
			return wrap(ErrConflict, err)
		}
		return mutationError(err)
	}

	var allocated float64
	if err := tx.Model(&Allocation{}).
		Where("auction_id = ?", auction.AuctionID).
		Select("COALESCE(SUM(capacity_purchased), 0)").
		Scan(&allocated).Error; err != nil {
		tx.Rollback()
		return mutationError(err)
	}
	if math.Abs(allocated-auction.SoldCapacity) > auction.TotalCapacity*1e-6 {
		panic(fmt.Sprintf("auction %s allocations sum to %.6f but sold capacity is %.6f",
			auction.AuctionID, allocated, auction.SoldCapacity))
	}

	if err := tx.Commit().Error; err != nil {
		return mutationError(err)
	}

	auction.Version++
	return nil
}

// GetAllocationByKey returns the allocation recorded under an idempotency key, or nil.
func (d *Database) GetAllocationByKey(ctx context.Context, key string) (*Allocation, error) {
	db, cancel := d.conn(ctx)
	defer cancel()

	var allocation Allocation
	if err := db.Where("idempotency_key = ?", key).First(&allocation).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, wrap(ErrPersistence, err)
	}
	return &allocation, nil
}

// ListAllocations returns the allocations of an auction in sale order.
func (d *Database) ListAllocations(ctx context.Context, auctionID string) ([]Allocation, error) {
	db, cancel := d.conn(ctx)
	defer cancel()

	var allocations []Allocation
	if err := db.Where("auction_id = ?", auctionID).Order("sold_at ASC, id ASC").Find(&allocations).Error; err != nil {
		return nil, wrap(ErrPersistence, err)
	}
	return allocations, nil
}

// RecentAllocations returns the latest allocations across all auctions.
func (d *Database) RecentAllocations(ctx context.Context, limit int) ([]HistoryRow, error) {
	db, cancel := d.conn(ctx)
	defer cancel()

	var rows []HistoryRow
	if err := db.Table("allocations").
		Select("allocations.*, auctions.lot_id, auctions.total_capacity").
		Joins("JOIN auctions ON auctions.auction_id = allocations.auction_id").
		Order("allocations.sold_at DESC, allocations.id DESC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, wrap(ErrPersistence, err)
	}
	return rows, nil
}

// Delete removes an auction; its allocations are deleted by the foreign key cascade.
func (d *Database) Delete(ctx context.Context, auctionID string) error {
	db, cancel := d.conn(ctx)
	defer cancel()

	if err := db.Where("auction_id = ?", auctionID).Delete(&Auction{}).Error; err != nil {
		return mutationError(err)
	}
	return nil
}

func mutableColumns(auction *Auction) map[string]interface{} {
	return map[string]interface{}{
		"sold_capacity": auction.SoldCapacity,
		"current_price": auction.CurrentPrice,
		"status":        auction.Status,
		"last_updated":  auction.LastUpdated,
		"completed_at":  auction.CompletedAt,
		"cancelled_at":  auction.CancelledAt,
		"version":       auction.Version + 1,
	}
}

// mutationError maps a failed write to the error kind callers act on. A write
// that ran out of time is reported as contention so callers may retry.
func mutationError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(ErrConflict, err)
	}
	return wrap(ErrPersistence, err)
}

// isUniqueViolation reports whether err is a unique constraint failure, with or
// without gorm's error translation enabled.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// mustHoldInvariants panics when handed an auction that breaks the data model
// invariants. Reaching it means a caller computed an impossible state.
func mustHoldInvariants(a *Auction) {
	var violation string
	switch {
	case a.TotalCapacity <= 0:
		violation = "total capacity must be positive"
	case a.SoldCapacity < 0 || a.SoldCapacity > a.TotalCapacity*(1+capacitySlack):
		violation = "sold capacity out of range"
	case a.FloorPrice > a.StartPrice:
		violation = "floor price above start price"
	case a.CurrentPrice < a.FloorPrice || a.CurrentPrice > a.StartPrice:
		violation = "current price outside floor and start price"
	case a.Status != StatusActive && a.Status != StatusCompleted && a.Status != StatusCancelled:
		violation = "unknown status"
	default:
		return
	}
	panic(fmt.Sprintf("auction %s: %s (sold=%.6f total=%.6f price=%.2f floor=%.2f start=%.2f status=%s)",
		a.AuctionID, violation, a.SoldCapacity, a.TotalCapacity, a.CurrentPrice, a.FloorPrice, a.StartPrice, a.Status))
}
