package database

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-auction/internal/auction"
	"github.com/ksred/klear-auction/internal/config"
	"github.com/ksred/klear-auction/internal/database/migrations"
	"github.com/ksred/klear-auction/internal/lot"
)

func memoryConfig() config.Config {
	cfg := config.Default()
	cfg.DatabaseDSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return cfg
}

func TestNewDatabaseMigratesSqlite(t *testing.T) {
	db, err := NewDatabase(memoryConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	m := db.Migrator()
	assert.True(t, m.HasTable(&auction.Auction{}))
	assert.True(t, m.HasTable(&auction.Allocation{}))
	assert.True(t, m.HasTable(&lot.Lot{}))

	var fk int
	require.NoError(t, db.Raw("PRAGMA foreign_keys").Scan(&fk).Error)
	assert.Equal(t, 1, fk)

	// Running again applies nothing new.
	require.NoError(t, migrations.Run(db))
	var count int64
	require.NoError(t, db.Model(&migrations.SchemaMigration{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestNewDatabaseRejectsUnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.DatabaseDriver = "oracle"
	_, err := NewDatabase(cfg)
	assert.Error(t, err)
}

func TestSqliteDSN(t *testing.T) {
	assert.Equal(t, "file:auction.db?_foreign_keys=on", sqliteDSN("auction.db"))
	assert.Equal(t, "file:x?mode=memory&_foreign_keys=on", sqliteDSN("file:x?mode=memory"))
	assert.Equal(t, "file:x?_fk=1", sqliteDSN("file:x?_fk=1"))
}
