package model

import (
	"fmt"

	"dyzen-server-go/internal/platform/errors"
)

// Kind distinguishes the two model families served by the pipeline.
type Kind string

const (
	KindCompressor Kind = "compressor"
	KindEnhancer   Kind = "enhancer"
)

// Shape is a CHW tensor shape without the batch axis.
type Shape struct {
	Channels int `json:"channels"`
	Height   int `json:"height"`
	Width    int `json:"width"`
}

// DefaultShape is the fixed input of every shipped model: 3 x 1024 x 768.
var DefaultShape = Shape{Channels: 3, Height: 1024, Width: 768}

// Dims returns the NCHW dims with a batch of one.
func (s Shape) Dims() []int64 {
	return []int64{1, int64(s.Channels), int64(s.Height), int64(s.Width)}
}

// Elements is the number of values in one batch-of-one tensor.
func (s Shape) Elements() int {
	return s.Channels * s.Height * s.Width
}

func (s Shape) Valid() bool {
	return s.Channels > 0 && s.Height > 0 && s.Width > 0
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d,%d)", s.Channels, s.Height, s.Width)
}

// ShapeFromDims parses NCHW dims with a batch of one.
func ShapeFromDims(dims []int64) (Shape, error) {
	if len(dims) != 4 || dims[0] != 1 {
		return Shape{}, errors.Newf(errors.KindShapeMismatch, "model.shape", "expected dims (1,C,H,W), got %v", dims)
	}
	return Shape{Channels: int(dims[1]), Height: int(dims[2]), Width: int(dims[3])}, nil
}

// Artifact is one validated, loadable model file.
type Artifact struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	Parameter   int    `json:"parameter,omitempty"`
	InputShape  Shape  `json:"input_shape"`
	OutputShape Shape  `json:"output_shape"`
	Path        string `json:"path"`
	Validated   bool   `json:"validated"`
}

// Check enforces the artifact invariants: a known kind, a usable shape,
// identical input and output shapes, and a bottleneck size for compressors.
func (a Artifact) Check() error {
	const op = "model.artifact.check"
	switch a.Kind {
	case KindCompressor:
		if a.Parameter <= 0 {
			return errors.Newf(errors.KindConfig, op, "compressor %s has no bottleneck size", a.ID)
		}
	case KindEnhancer:
	default:
		return errors.Newf(errors.KindConfig, op, "artifact %s has unknown kind %q", a.ID, a.Kind)
	}
	if !a.InputShape.Valid() {
		return errors.Newf(errors.KindShapeMismatch, op, "artifact %s has invalid input shape %s", a.ID, a.InputShape)
	}
	if a.InputShape != a.OutputShape {
		return errors.Newf(errors.KindShapeMismatch, op,
			"artifact %s input shape %s differs from output shape %s", a.ID, a.InputShape, a.OutputShape)
	}
	return nil
}
