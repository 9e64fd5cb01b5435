package migrations

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/ksred/klear-auction/internal/lot"
)

// CreateLots creates the lot registry table and the index the reconciler scans
func CreateLots(db *gorm.DB) error {
	if err := lot.Migrate(db); err != nil {
		return err
	}

	// Only lots with an availability time are ever eligible
	idx := `CREATE INDEX IF NOT EXISTS idx_lots_eligible
		 ON lots(availability_time) WHERE availability_time IS NOT NULL`
	if err := db.Exec(idx).Error; err != nil {
		return fmt.Errorf("failed to create lot index: %w", err)
	}

	return nil
}
