package image

import (
	"image"
	"sync/atomic"
)

// Asset is a decoded image plus the container format it arrived in. Every
// processing stage returns a new Asset; inputs are never mutated.
type Asset struct {
	Image  image.Image
	Format string
	Width  int
	Height int
}

// ImageData is a base64 payload as submitted by browsers that enhance or
// compress on the client.
type ImageData struct {
	URL    string `json:"url,omitempty"`
	Data   string `json:"data,omitempty"`
	Format string `json:"format,omitempty"`
}

// ValidationResult captures the outcome of security validation.
type ValidationResult struct {
	IsValid      bool
	Format       string
	Width        int
	Height       int
	FileSize     int64
	Error        error
	SecurityRisk string
}

// Metrics aggregates pipeline statistics for observability.
type Metrics struct {
	TotalProcessed    int64 `json:"total_processed"`
	FailedValidations int64 `json:"failed_validations"`
	SecurityIncidents int64 `json:"security_incidents"`
	BytesIn           int64 `json:"bytes_in"`
	BytesOut          int64 `json:"bytes_out"`
}

type counters struct {
	totalProcessed    atomic.Int64
	failedValidations atomic.Int64
	securityIncidents atomic.Int64
	bytesIn           atomic.Int64
	bytesOut          atomic.Int64
}

func (c *counters) snapshot() Metrics {
	return Metrics{
		TotalProcessed:    c.totalProcessed.Load(),
		FailedValidations: c.failedValidations.Load(),
		SecurityIncidents: c.securityIncidents.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
	}
}
