package eventbus

// Pipeline topics.
const (
	EventImageProcessed     = "image:processed"
	EventImageEnhanced      = "image:enhanced"
	EventLineageIngested    = "lineage:ingested"
	EventNetworkSample      = "network:sample"
	EventCompressionCoerced = "compression:coerced"
)

// Topics lists every topic published by the pipeline.
var Topics = []string{
	EventImageProcessed,
	EventImageEnhanced,
	EventLineageIngested,
	EventNetworkSample,
	EventCompressionCoerced,
}

type ImageProcessedEvent struct {
	ImageID       string `json:"image_id"`
	Format        string `json:"format"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	OriginalSize  int64  `json:"original_size"`
	SquarePath    string `json:"square_path"`
	ThumbnailPath string `json:"thumbnail_path"`
}

type ImageEnhancedEvent struct {
	ImageID         string `json:"image_id"`
	Path            string `json:"path"`
	ModelID         string `json:"model_id"`
	Method          string `json:"method"`
	AlreadyEnhanced bool   `json:"already_enhanced"`
	Fallback        bool   `json:"fallback"`
}

type LineageIngestedEvent struct {
	ImageID          string `json:"image_id"`
	CompressionLevel int    `json:"compression_level"`
	LevelInferred    bool   `json:"level_inferred"`
	ModelUsed        string `json:"model_used"`
}

type NetworkSampleEvent struct {
	ClientIP  string  `json:"client_ip"`
	Bandwidth float64 `json:"bandwidth"`
	Latency   float64 `json:"latency"`
}

type CompressionCoercedEvent struct {
	Requested string `json:"requested"`
	Level     int    `json:"level"`
	Reason    string `json:"reason"`
}
