package lot

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-auction/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Upsert inserts the lot or overwrites the mutable fields of an existing one.
func (d *Database) Upsert(ctx context.Context, lot *Lot) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lot_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "capacity", "availability_time", "updated_at"}),
	}).Create(lot).Error
}

func (d *Database) Get(ctx context.Context, lotID string) (*Lot, error) {
	var lot Lot
	if err := d.db.WithContext(ctx).Where("lot_id = ?", lotID).First(&lot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &lot, nil
}

// GetLot implements auction.LotSource.
func (d *Database) GetLot(ctx context.Context, lotID string) (*types.LotRecord, error) {
	lot, err := d.Get(ctx, lotID)
	if err != nil || lot == nil {
		return nil, err
	}
	record := lot.Record()
	return &record, nil
}

// ListEligible returns lots whose availability time is after now.
func (d *Database) ListEligible(ctx context.Context, now time.Time) ([]types.LotRecord, error) {
	var lots []Lot
	if err := d.db.WithContext(ctx).
		Where("availability_time IS NOT NULL AND availability_time > ?", now).
		Order("availability_time ASC").
		Find(&lots).Error; err != nil {
		return nil, err
	}

	records := make([]types.LotRecord, 0, len(lots))
	for i := range lots {
		records = append(records, lots[i].Record())
	}
	return records, nil
}
