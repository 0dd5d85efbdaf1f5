package migrations

import (
	"gorm.io/gorm"
)

// Migration001Initial creates the lineage and network sample tables.
type Migration001Initial struct{}

func (m *Migration001Initial) Version() string {
	return "001_initial"
}

func (m *Migration001Initial) Description() string {
	return "Create lineage_records and network_samples"
}

func (m *Migration001Initial) Up(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS lineage_records (
			image_id VARCHAR(191) PRIMARY KEY,
			data JSON NOT NULL,
			enhancement_applied BOOLEAN NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error; err != nil {
		return err
	}

	if err := db.Exec(`
		CREATE TABLE IF NOT EXISTS network_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_ip VARCHAR(64),
			bandwidth REAL NOT NULL,
			latency REAL NOT NULL,
			observed_at DATETIME NOT NULL
		)
	`).Error; err != nil {
		return err
	}

	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_lineage_records_enhancement_applied ON lineage_records(enhancement_applied)`).Error
}

func (m *Migration001Initial) Down(db *gorm.DB) error {
	if err := db.Exec(`DROP TABLE IF EXISTS network_samples`).Error; err != nil {
		return err
	}
	return db.Exec(`DROP TABLE IF EXISTS lineage_records`).Error
}
