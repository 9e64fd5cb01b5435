package auction

import (
	"fmt"

	"gorm.io/gorm"
)

// Migrate creates the auction and allocation tables and their indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Auction{}, &Allocation{}); err != nil {
		return fmt.Errorf("failed to migrate auction tables: %w", err)
	}

	indexes := []string{
		// At most one active auction per lot, enforced by the database
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_auctions_active_lot
		 ON auctions(lot_id) WHERE status = 'ACTIVE'`,

		// Reconciler scans active auctions every tick
		`CREATE INDEX IF NOT EXISTS idx_auctions_status_end_time
		 ON auctions(status, end_time)`,

		// History is read most recent first
		`CREATE INDEX IF NOT EXISTS idx_allocations_auction_sold_at
		 ON allocations(auction_id, sold_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return fmt.Errorf("failed to create auction index: %w", err)
		}
	}

	return nil
}
