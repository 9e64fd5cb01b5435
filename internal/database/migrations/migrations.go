package migrations

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// SchemaMigration records an applied migration.
type SchemaMigration struct {
	Version   string `gorm:"primaryKey"`
	Name      string
	AppliedAt time.Time
}

type migration struct {
	version string
	name    string
	up      func(*gorm.DB) error
}

// All migrations in the order they are applied. Append only.
var all = []migration{
	{version: "001", name: "create_auction_tables", up: CreateAuctionTables},
	{version: "002", name: "create_lots", up: CreateLots},
}

// Run applies every migration that has not been recorded yet.
func Run(db *gorm.DB) error {
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("failed to migrate schema_migrations: %w", err)
	}

	var applied []SchemaMigration
	if err := db.Find(&applied).Error; err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, m := range applied {
		done[m.Version] = true
	}

	for _, m := range all {
		if done[m.version] {
			continue
		}
		if err := m.up(db); err != nil {
			return fmt.Errorf("migration %s_%s: %w", m.version, m.name, err)
		}
		record := SchemaMigration{Version: m.version, Name: m.name, AppliedAt: time.Now().UTC()}
		if err := db.Create(&record).Error; err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.version, err)
		}
		log.Info().Str("version", m.version).Str("name", m.name).Msg("applied migration")
	}

	return nil
}
