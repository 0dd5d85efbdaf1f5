package store

import (
	"context"
	"sync/atomic"

	"gorm.io/gorm"

	"dyzen-server-go/internal/domain/network"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/platform/storage"
)

// pruneEvery controls how often Append trims the table back to capacity.
const pruneEvery = 64

type sqliteStore struct {
	db       *gorm.DB
	capacity int
	appends  atomic.Int64
}

// NewSQLite stores samples in the network_samples table.
func NewSQLite(db *gorm.DB, cfg Config) Store {
	return &sqliteStore{db: db, capacity: capacity(cfg)}
}

func (s *sqliteStore) Append(ctx context.Context, sample network.Sample) error {
	record := toRecord(sample)
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return errors.Wrap(errors.KindStorage, "samples.append", "failed to save sample", err)
	}
	if s.appends.Add(1)%pruneEvery == 0 {
		return s.prune(ctx)
	}
	return nil
}

func (s *sqliteStore) prune(ctx context.Context) error {
	err := s.db.WithContext(ctx).Exec(`
		DELETE FROM network_samples
		WHERE id <= (SELECT id FROM network_samples ORDER BY id DESC LIMIT 1 OFFSET ?)
	`, s.capacity).Error
	if err != nil {
		return errors.Wrap(errors.KindStorage, "samples.prune", "failed to prune samples", err)
	}
	return nil
}

func (s *sqliteStore) Recent(ctx context.Context, clientIP string, limit int) ([]network.Sample, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := s.db.WithContext(ctx).Model(&storage.NetworkSampleRecord{})
	if clientIP != "" {
		query = query.Where("client_ip = ?", clientIP)
	}

	var records []storage.NetworkSampleRecord
	if err := query.Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, errors.Wrap(errors.KindStorage, "samples.recent", "failed to load samples", err)
	}

	out := make([]network.Sample, len(records))
	for i, record := range records {
		out[len(records)-1-i] = fromRecord(record)
	}
	return out, nil
}

func (s *sqliteStore) Close(context.Context) error {
	return nil
}

func toRecord(sample network.Sample) storage.NetworkSampleRecord {
	return storage.NetworkSampleRecord{
		ClientIP:   sample.ClientIP,
		Bandwidth:  sample.Bandwidth,
		Latency:    sample.Latency,
		ObservedAt: sample.ObservedAt,
	}
}

func fromRecord(record storage.NetworkSampleRecord) network.Sample {
	return network.Sample{
		Bandwidth:  record.Bandwidth,
		Latency:    record.Latency,
		ObservedAt: record.ObservedAt,
		ClientIP:   record.ClientIP,
	}
}
