package storage

import (
	stderrors "errors"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"

	"dyzen-server-go/internal/platform/errors"
)

// Migration is one versioned change to the lineage/sample schema. Versions
// sort lexically, so they carry a zero-padded numeric prefix.
type Migration interface {
	Version() string
	Description() string
	Up(db *gorm.DB) error
	Down(db *gorm.DB) error
}

// SchemaVersion is a row of schema_versions.
type SchemaVersion struct {
	Version     string    `gorm:"primaryKey;size:64"`
	Description string    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

func (SchemaVersion) TableName() string {
	return "schema_versions"
}

// Migrator applies registered migrations in version order, one transaction
// per migration.
type Migrator struct {
	db       *gorm.DB
	versions map[string]Migration
}

func NewMigrator(db *gorm.DB, all ...Migration) *Migrator {
	m := &Migrator{db: db, versions: make(map[string]Migration, len(all))}
	for _, mig := range all {
		m.Register(mig)
	}
	return m
}

// Register adds mig; a later registration of the same version replaces it.
func (m *Migrator) Register(mig Migration) {
	m.versions[mig.Version()] = mig
}

func (m *Migrator) ordered() []Migration {
	keys := make([]string, 0, len(m.versions))
	for v := range m.versions {
		keys = append(keys, v)
	}
	slices.Sort(keys)

	out := make([]Migration, len(keys))
	for i, v := range keys {
		out[i] = m.versions[v]
	}
	return out
}

// Apply runs every registered migration that has no schema_versions row and
// returns the versions it applied.
func (m *Migrator) Apply() ([]string, error) {
	const op = "storage.migrate"

	if err := m.db.AutoMigrate(&SchemaVersion{}); err != nil {
		return nil, errors.Wrap(errors.KindStorage, op, "failed to create schema_versions", err)
	}

	var done []string
	if err := m.db.Model(&SchemaVersion{}).Pluck("version", &done).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, op, "failed to read applied versions", err)
	}

	var applied []string
	for _, mig := range m.ordered() {
		if slices.Contains(done, mig.Version()) {
			continue
		}
		err := m.db.Transaction(func(tx *gorm.DB) error {
			if err := mig.Up(tx); err != nil {
				return err
			}
			return tx.Create(&SchemaVersion{
				Version:     mig.Version(),
				Description: mig.Description(),
				AppliedAt:   time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return applied, errors.Wrap(errors.KindStorage, op, "migration "+mig.Version()+" failed", err)
		}
		applied = append(applied, mig.Version())
	}
	return applied, nil
}

// Revert undoes one applied migration.
func (m *Migrator) Revert(version string) error {
	const op = "storage.revert"

	mig, ok := m.versions[version]
	if !ok {
		return errors.Newf(errors.KindStorage, op, "migration %s is not registered", version)
	}

	var row SchemaVersion
	if err := m.db.First(&row, "version = ?", version).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Newf(errors.KindNotFound, op, "migration %s was never applied", version)
		}
		return errors.Wrap(errors.KindStorage, op, "failed to read schema_versions", err)
	}

	err := m.db.Transaction(func(tx *gorm.DB) error {
		if err := mig.Down(tx); err != nil {
			return err
		}
		return tx.Delete(&row).Error
	})
	if err != nil {
		return errors.Wrap(errors.KindStorage, op, "revert of "+version+" failed", err)
	}
	return nil
}

// Applied lists applied versions in ascending order.
func (m *Migrator) Applied() ([]SchemaVersion, error) {
	var rows []SchemaVersion
	if err := m.db.Order("version ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, "storage.applied", "failed to list schema_versions", err)
	}
	return rows, nil
}

// Describe renders the applied versions for logs.
func Describe(rows []SchemaVersion) string {
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = r.Version
	}
	return strings.Join(parts, ",")
}
