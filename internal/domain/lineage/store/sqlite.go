package store

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dyzen-server-go/internal/domain/lineage"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/platform/storage"
)

type sqliteStore struct {
	db *gorm.DB
}

// NewSQLite stores lineage in lineage_records. Writes are conditional on the
// row version, and the enhancement transition additionally on
// enhancement_applied being false.
func NewSQLite(db *gorm.DB) Store {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) load(ctx context.Context, id string) (storage.LineageRecord, lineage.Lineage, bool, error) {
	var record storage.LineageRecord
	err := s.db.WithContext(ctx).Where("image_id = ?", id).First(&record).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return storage.LineageRecord{}, lineage.Lineage{}, false, nil
	}
	if err != nil {
		return storage.LineageRecord{}, lineage.Lineage{}, false,
			errors.Wrap(errors.KindStorage, "lineage.get", "failed to load lineage", err)
	}
	l, err := lineage.Decode(record.Data)
	if err != nil {
		return storage.LineageRecord{}, lineage.Lineage{}, false,
			errors.Wrap(errors.KindStorage, "lineage.get", "corrupt lineage record", err)
	}
	return record, l, true, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (lineage.Lineage, bool, error) {
	_, l, found, err := s.load(ctx, id)
	return l, found, err
}

// insert creates the row if it does not exist and reports whether it did.
func (s *sqliteStore) insert(ctx context.Context, id string, l lineage.Lineage) (bool, error) {
	data, err := lineage.Encode(l)
	if err != nil {
		return false, errors.Wrap(errors.KindStorage, "lineage.insert", "failed to encode lineage", err)
	}
	record := storage.LineageRecord{
		ImageID:            id,
		Data:               datatypes.JSON(data),
		EnhancementApplied: l.EnhancementApplied,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if res.Error != nil {
		return false, errors.Wrap(errors.KindStorage, "lineage.insert", "failed to insert lineage", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// swap replaces the row if it is still at version and, when requireUnenhanced
// is set, not yet enhanced.
func (s *sqliteStore) swap(ctx context.Context, id string, version int64, l lineage.Lineage, requireUnenhanced bool) (bool, error) {
	data, err := lineage.Encode(l)
	if err != nil {
		return false, errors.Wrap(errors.KindStorage, "lineage.swap", "failed to encode lineage", err)
	}

	query := s.db.WithContext(ctx).Model(&storage.LineageRecord{}).
		Where("image_id = ? AND version = ?", id, version)
	if requireUnenhanced {
		query = query.Where("enhancement_applied = ?", false)
	}
	res := query.Updates(map[string]any{
		"data":                datatypes.JSON(data),
		"enhancement_applied": l.EnhancementApplied,
		"version":             gorm.Expr("version + 1"),
		"updated_at":          time.Now(),
	})
	if res.Error != nil {
		return false, errors.Wrap(errors.KindStorage, "lineage.swap", "failed to update lineage", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *sqliteStore) Update(ctx context.Context, id string, fn func(*lineage.Lineage) error) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		record, current, found, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			current = lineage.New()
		}

		next, err := applyUpdate(current, fn)
		if err != nil {
			return err
		}

		var ok bool
		if found {
			ok, err = s.swap(ctx, id, record.Version, next, false)
		} else {
			ok, err = s.insert(ctx, id, next)
		}
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return contention("lineage.update", id)
}

func (s *sqliteStore) MarkEnhanced(ctx context.Context, id string, e lineage.Enhancement) (bool, lineage.Lineage, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		record, current, found, err := s.load(ctx, id)
		if err != nil {
			return false, lineage.Lineage{}, err
		}
		if !found {
			current = lineage.New()
		}

		next := current.Clone()
		if !next.Apply(e) {
			return false, current, nil
		}

		var ok bool
		if found {
			ok, err = s.swap(ctx, id, record.Version, next, true)
		} else {
			ok, err = s.insert(ctx, id, next)
		}
		if err != nil {
			return false, lineage.Lineage{}, err
		}
		if ok {
			return true, next, nil
		}
	}
	return false, lineage.Lineage{}, contention("lineage.mark_enhanced", id)
}

func (s *sqliteStore) Close(context.Context) error {
	return nil
}
