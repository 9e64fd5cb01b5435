package migrations

import (
	"gorm.io/gorm"

	"github.com/ksred/klear-auction/internal/auction"
)

// CreateAuctionTables creates the auctions and allocations tables, the
// allocation cascade and the single-active-auction-per-lot index
func CreateAuctionTables(db *gorm.DB) error {
	return auction.Migrate(db)
}
