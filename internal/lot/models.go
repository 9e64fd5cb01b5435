package lot

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-auction/internal/types"
)

// Lot is the part of a lot's lifecycle record the auction engine reads.
type Lot struct {
	ID               uint       `gorm:"primaryKey" json:"-"`
	LotID            string     `gorm:"uniqueIndex;not null" json:"lot_id"`
	Name             string     `json:"name,omitempty"`
	Capacity         float64    `gorm:"not null" json:"capacity"`
	AvailabilityTime *time.Time `gorm:"index" json:"availability_time,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Record converts the row to the record handed to the auction engine.
func (l *Lot) Record() types.LotRecord {
	return types.LotRecord{
		LotID:            l.LotID,
		Name:             l.Name,
		Capacity:         l.Capacity,
		AvailabilityTime: l.AvailabilityTime,
	}
}

// Migrate creates the lots table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Lot{}); err != nil {
		return fmt.Errorf("failed to migrate lots table: %w", err)
	}
	return nil
}
