package model

import (
	"context"

	"dyzen-server-go/internal/platform/errors"
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Dims []int64
	Data []float32
}

// NewTensor allocates a zero tensor for shape with a batch of one.
func NewTensor(shape Shape) Tensor {
	return Tensor{Dims: shape.Dims(), Data: make([]float32, shape.Elements())}
}

// Runtime executes a forward pass of an artifact. Implementations keep one
// session per artifact and are safe for concurrent use.
type Runtime interface {
	Name() string
	Run(ctx context.Context, artifact Artifact, input Tensor) (Tensor, error)
	Close() error
}

// Unavailable is the runtime used when no inference backend is configured.
type Unavailable struct{}

func (Unavailable) Name() string { return "none" }

func (Unavailable) Run(context.Context, Artifact, Tensor) (Tensor, error) {
	return Tensor{}, errors.New(errors.KindModelUnavailable, "model.run", "no inference runtime configured")
}

func (Unavailable) Close() error { return nil }
