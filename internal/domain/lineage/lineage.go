// Package lineage records how an image was compressed and whether it has been
// enhanced.
package lineage

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// SchemaVersion is written into every record.
const SchemaVersion = 1

// UnknownModel is recorded when the client did not report its model.
const UnknownModel = "unknown"

// Method says where a step ran.
type Method string

const (
	MethodClient Method = "client"
	MethodServer Method = "server"
)

// Lineage is the processing history of one image. EnhancementApplied moves
// from false to true at most once and is only changed through MarkEnhanced
// on a store.
type Lineage struct {
	SchemaVersion int `json:"schema_version"`

	CompressionMethod Method `json:"compression_method,omitempty"`
	ModelUsed         string `json:"model_used"`
	CompressionLevel  int    `json:"compression_level,omitempty"`
	LevelInferred     bool   `json:"level_inferred"`
	OriginalSize      int64  `json:"original_size,omitempty"`
	ProcessedSize     int64  `json:"processed_size,omitempty"`
	ThumbnailPath     string `json:"thumbnail_path,omitempty"`
	CompressedPath    string `json:"compressed_path,omitempty"`
	SquarePath        string `json:"square_path,omitempty"`

	EnhancementApplied   bool       `json:"enhancement_applied"`
	EnhancementModelUsed string     `json:"enhancement_model_used,omitempty"`
	EnhancedPath         string     `json:"enhanced_path,omitempty"`
	EnhancementMethod    Method     `json:"enhancement_method,omitempty"`
	EnhancedAt           *time.Time `json:"enhanced_at,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// Enhancement is the payload of the single false-to-true transition.
type Enhancement struct {
	ModelUsed string
	Path      string
	Method    Method
	At        time.Time
}

// New returns an empty lineage with defaults applied.
func New() Lineage {
	return Lineage{
		SchemaVersion: SchemaVersion,
		ModelUsed:     UnknownModel,
		RecordedAt:    time.Now().UTC(),
	}
}

// codec matches encoding/json output so stored records stay portable.
var codec = sonic.ConfigStd

// Decode parses a stored record. Unknown fields are ignored so newer writers
// stay readable.
func Decode(data []byte) (Lineage, error) {
	var l Lineage
	if err := codec.Unmarshal(data, &l); err != nil {
		return Lineage{}, fmt.Errorf("decode lineage: %w", err)
	}
	l.normalize()
	return l, nil
}

// Encode serialises l with defaults applied.
func Encode(l Lineage) ([]byte, error) {
	l.normalize()
	return codec.Marshal(l)
}

func (l *Lineage) normalize() {
	if l.SchemaVersion == 0 {
		l.SchemaVersion = SchemaVersion
	}
	if l.ModelUsed == "" {
		l.ModelUsed = UnknownModel
	}
}

// Apply performs the enhancement transition. It returns false, leaving l
// untouched, when enhancement was already applied.
func (l *Lineage) Apply(e Enhancement) bool {
	if l.EnhancementApplied {
		return false
	}
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	method := e.Method
	if method == "" {
		method = MethodServer
	}

	l.EnhancementApplied = true
	l.EnhancementModelUsed = e.ModelUsed
	l.EnhancedPath = e.Path
	l.EnhancementMethod = method
	l.EnhancedAt = &at
	return true
}

// Clone returns a deep copy.
func (l Lineage) Clone() Lineage {
	if l.EnhancedAt != nil {
		at := *l.EnhancedAt
		l.EnhancedAt = &at
	}
	return l
}

// SameEnhancement reports whether the enhancement fields of a and b match.
func SameEnhancement(a, b Lineage) bool {
	if a.EnhancementApplied != b.EnhancementApplied ||
		a.EnhancedPath != b.EnhancedPath ||
		a.EnhancementModelUsed != b.EnhancementModelUsed ||
		a.EnhancementMethod != b.EnhancementMethod {
		return false
	}
	switch {
	case a.EnhancedAt == nil && b.EnhancedAt == nil:
		return true
	case a.EnhancedAt == nil || b.EnhancedAt == nil:
		return false
	default:
		return a.EnhancedAt.Equal(*b.EnhancedAt)
	}
}
