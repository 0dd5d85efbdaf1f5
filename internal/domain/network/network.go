// Package network estimates connection quality from client-reported
// bandwidth and latency samples.
package network

import (
	"math"
	"time"

	"dyzen-server-go/internal/platform/errors"
)

// QualityLevel is the coarse network class.
type QualityLevel string

const (
	QualityPoor   QualityLevel = "poor"
	QualityMedium QualityLevel = "medium"
	QualityGood   QualityLevel = "good"
)

const (
	// DefaultWindowSize is the number of most recent samples aggregated.
	DefaultWindowSize = 5

	defaultBandwidth = 50
	defaultLatency   = 100

	poorBandwidth   = 20
	poorLatency     = 200
	mediumBandwidth = 50
	mediumLatency   = 100
)

// Compression levels recommended per class. Smaller is a narrower bottleneck.
const (
	LevelPoor   = 8
	LevelMedium = 16
	LevelGood   = 32
)

// Sample is one measurement reported by a client. Bandwidth is in Mbps and
// latency in milliseconds.
type Sample struct {
	Bandwidth  float64   `json:"bandwidth"`
	Latency    float64   `json:"latency"`
	ObservedAt time.Time `json:"observed_at"`
	ClientIP   string    `json:"client_ip,omitempty"`
}

// Validate rejects negative or non-finite measurements.
func (s Sample) Validate() error {
	if math.IsNaN(s.Bandwidth) || math.IsInf(s.Bandwidth, 0) || s.Bandwidth < 0 {
		return errors.Newf(errors.KindDomain, "network.sample", "invalid bandwidth %v", s.Bandwidth)
	}
	if math.IsNaN(s.Latency) || math.IsInf(s.Latency, 0) || s.Latency < 0 {
		return errors.Newf(errors.KindDomain, "network.sample", "invalid latency %v", s.Latency)
	}
	return nil
}

// Quality is derived from a window of samples and never persisted.
type Quality struct {
	Level                  QualityLevel `json:"quality"`
	RecommendedCompression int          `json:"compression"`
	Bandwidth              float64      `json:"bandwidth"`
	Latency                float64      `json:"latency"`
	SampleCount            int          `json:"sample_count"`
	Default                bool         `json:"default"`
}

// DefaultQuality is reported when no samples are available.
func DefaultQuality() Quality {
	return Quality{
		Level:                  QualityMedium,
		RecommendedCompression: LevelMedium,
		Bandwidth:              defaultBandwidth,
		Latency:                defaultLatency,
		Default:                true,
	}
}

// Classify maps bandwidth and latency to a class and its compression level.
func Classify(bandwidth, latency float64) (QualityLevel, int) {
	switch {
	case bandwidth < poorBandwidth || latency > poorLatency:
		return QualityPoor, LevelPoor
	case bandwidth < mediumBandwidth || latency > mediumLatency:
		return QualityMedium, LevelMedium
	default:
		return QualityGood, LevelGood
	}
}

// Estimate aggregates the most recent windowSize samples by arithmetic mean
// and classifies the result. samples are ordered oldest first. A window size
// of zero or less uses DefaultWindowSize; an empty window yields
// DefaultQuality.
func Estimate(samples []Sample, windowSize int) Quality {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if len(samples) > windowSize {
		samples = samples[len(samples)-windowSize:]
	}
	if len(samples) == 0 {
		return DefaultQuality()
	}

	var bandwidth, latency float64
	for _, s := range samples {
		bandwidth += s.Bandwidth
		latency += s.Latency
	}
	n := float64(len(samples))
	bandwidth /= n
	latency /= n

	level, compression := Classify(bandwidth, latency)
	return Quality{
		Level:                  level,
		RecommendedCompression: compression,
		Bandwidth:              math.Round(bandwidth*10) / 10,
		Latency:                math.Round(latency),
		SampleCount:            len(samples),
	}
}
