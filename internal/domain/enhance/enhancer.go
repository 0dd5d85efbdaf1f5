// Package enhance runs super-resolution models over compressed images and
// records the result exactly once per image.
package enhance

import (
	"context"
	"image"
	"slices"

	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/platform/observability"
	"dyzen-server-go/internal/utils"
)

// Enhancer runs a fixed-shape model over one image.
type Enhancer struct {
	runtime model.Runtime
	logger  *utils.Logger
}

func NewEnhancer(runtime model.Runtime, logger *utils.Logger) *Enhancer {
	if runtime == nil {
		runtime = model.Unavailable{}
	}
	return &Enhancer{runtime: runtime, logger: logger}
}

// Enhance requires img to match the artifact input shape exactly; it never
// resizes. The output has the artifact output shape.
func (e *Enhancer) Enhance(ctx context.Context, img image.Image, artifact model.Artifact) (image.Image, error) {
	const op = "enhance.enhance"

	input, err := ToTensor(img, artifact.InputShape)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.KindInference, op, "cancelled before inference", err)
	}

	var output model.Tensor
	err = observability.Timed(ctx, "enhance", "infer", func(ctx context.Context) error {
		var runErr error
		output, runErr = e.runtime.Run(ctx, artifact, input)
		return runErr
	})
	if err != nil {
		e.logger.ErrorTag("ENHANCE", "inference with %s on %s failed: %v", artifact.ID, e.runtime.Name(), err)
		return nil, errors.Wrap(errors.KindInference, op, "inference failed", err)
	}

	if !slices.Equal(output.Dims, artifact.OutputShape.Dims()) {
		return nil, errors.Newf(errors.KindShapeMismatch, op,
			"model %s returned dims %v, expected %v", artifact.ID, output.Dims, artifact.OutputShape.Dims())
	}
	out, err := FromTensor(output)
	if err != nil {
		return nil, err
	}
	e.logger.DebugTag("ENHANCE", "enhanced %dx%d image with %s", out.Rect.Dx(), out.Rect.Dy(), artifact.ID)
	return out, nil
}
