package storage

import (
	"time"

	"gorm.io/datatypes"
)

// LineageRecord stores one image's lineage document. EnhancementApplied is
// lifted out of the JSON so the enhancement transition can be a conditional
// UPDATE, and Version guards every other read-modify-write.
type LineageRecord struct {
	ImageID            string         `gorm:"primaryKey;size:191"`
	Data               datatypes.JSON `gorm:"not null"`
	EnhancementApplied bool           `gorm:"not null;default:false;index"`
	Version            int64          `gorm:"not null;default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (LineageRecord) TableName() string {
	return "lineage_records"
}

// NetworkSampleRecord is one client-reported bandwidth/latency measurement.
type NetworkSampleRecord struct {
	ID         uint      `gorm:"primaryKey"`
	ClientIP   string    `gorm:"size:64;index"`
	Bandwidth  float64   `gorm:"not null"`
	Latency    float64   `gorm:"not null"`
	ObservedAt time.Time `gorm:"not null;index"`
}

func (NetworkSampleRecord) TableName() string {
	return "network_samples"
}
