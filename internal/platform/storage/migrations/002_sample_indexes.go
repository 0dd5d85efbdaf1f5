package migrations

import (
	"gorm.io/gorm"
)

// Migration002SampleIndexes indexes samples for the per-client recent window query.
type Migration002SampleIndexes struct{}

func (m *Migration002SampleIndexes) Version() string {
	return "002_sample_indexes"
}

func (m *Migration002SampleIndexes) Description() string {
	return "Index network_samples by client and observation time"
}

func (m *Migration002SampleIndexes) Up(db *gorm.DB) error {
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_network_samples_client_ip ON network_samples(client_ip)`).Error; err != nil {
		return err
	}
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_network_samples_observed_at ON network_samples(observed_at)`).Error
}

func (m *Migration002SampleIndexes) Down(db *gorm.DB) error {
	if err := db.Exec(`DROP INDEX IF EXISTS idx_network_samples_observed_at`).Error; err != nil {
		return err
	}
	return db.Exec(`DROP INDEX IF EXISTS idx_network_samples_client_ip`).Error
}
