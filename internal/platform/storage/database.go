package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dyzen-server-go/internal/platform/storage/migrations"
)

// MemoryDSN opens a private in-memory database, used by tests and the memory driver.
const MemoryDSN = "file::memory:"

// Open opens the sqlite database at path, creating its directory, and applies
// every registered migration. An empty path or MemoryDSN yields an in-memory db.
func Open(path string) (*gorm.DB, error) {
	dsn := path
	switch {
	case path == "" || path == MemoryDSN:
		dsn = MemoryDSN
	default:
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		// concurrent writers wait for the lock instead of failing with SQLITE_BUSY
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dsn == MemoryDSN {
		// each new connection to :memory: is a fresh database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrations lists every schema migration.
func Migrations() []Migration {
	return []Migration{
		&migrations.Migration001Initial{},
		&migrations.Migration002SampleIndexes{},
	}
}

// Migrate applies the pending schema migrations.
func Migrate(db *gorm.DB) error {
	if _, err := NewMigrator(db, Migrations()...).Apply(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
