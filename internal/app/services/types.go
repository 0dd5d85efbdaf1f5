package services

import (
	"bytes"
	"encoding/json"
	"strconv"

	"dyzen-server-go/internal/domain/compression"
	imaging "dyzen-server-go/internal/domain/image"
	"dyzen-server-go/internal/domain/lineage"
	"dyzen-server-go/internal/domain/model"
)

// ProcessedImage is the stored result of server-side post-processing.
type ProcessedImage struct {
	Output        *imaging.Output `json:"-"`
	SquarePath    string          `json:"square_path"`
	ThumbnailPath string          `json:"thumbnail_path"`
	SquareSize    int64           `json:"square_size"`
}

// LevelValue accepts a compression level given either as a JSON number or
// as a string such as "auto".
type LevelValue string

func (v *LevelValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = LevelValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = LevelValue(n.String())
	return nil
}

// ProcessingMetadata is what the client reports about its own processing.
type ProcessingMetadata struct {
	CompressionLevel LevelValue `json:"compressionLevel"`
	ProcessingMethod string     `json:"processingMethod"`
	ModelUsed        string     `json:"modelUsed"`
	EspcnApplied     bool       `json:"espcnApplied"`
	OriginalSize     int64      `json:"originalSize"`
	ProcessedSize    int64      `json:"processedSize"`
}

// Submission is a client-processed image with its metadata.
type Submission struct {
	ImageID   string
	Processed imaging.ImageData
	Thumbnail imaging.ImageData
	Metadata  ProcessingMetadata
	ClientIP  string
}

// Upload is a raw image to be processed on the server.
type Upload struct {
	ImageID  string
	Input    imaging.Input
	Level    string
	ClientIP string
}

// IngestResult is returned by Ingest and Submit.
type IngestResult struct {
	ImageID          string               `json:"image_id"`
	Decision         compression.Decision `json:"decision"`
	ResolvedFromAuto bool                 `json:"resolvedFromAuto"`
	Lineage          lineage.Lineage      `json:"lineage"`
	Duplicate        bool                 `json:"duplicate"`
}

// ModelsStatus describes the inference side of the server.
type ModelsStatus struct {
	model.Status
	Runtime string `json:"runtime"`
	Levels  []int  `json:"levels"`
}

func levelString(level int) string {
	return strconv.Itoa(level)
}
