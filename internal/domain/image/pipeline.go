package image

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"

	"dyzen-server-go/internal/platform/config"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/platform/observability"
	"dyzen-server-go/internal/utils"
)

// Pipeline validates, decodes and post-processes submitted images.
type Pipeline struct {
	validator        *SecurityValidator
	logger           *utils.Logger
	security         *config.SecurityConfig
	thumbnailSize    int
	squareQuality    int
	thumbnailQuality int
	stats            counters
}

// Options configures the pipeline behaviour.
type Options struct {
	Security         *config.SecurityConfig
	Logger           *utils.Logger
	ThumbnailSize    int
	SquareQuality    int
	ThumbnailQuality int
}

// Input describes a streaming image payload.
type Input struct {
	Reader         io.Reader
	DeclaredFormat string
	Source         string
}

// Output holds the decoded original and both derived JPEG renditions.
type Output struct {
	Original      Asset
	Square        image.Image
	Thumbnail     *image.RGBA
	SquareJPEG    []byte
	ThumbnailJPEG []byte
	OriginalSize  int64
	Validation    ValidationResult
}

// NewPipeline constructs the post-processing pipeline.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Security == nil {
		return nil, fmt.Errorf("security config is required")
	}
	if opts.Logger == nil {
		opts.Logger = utils.DefaultLogger
	}
	if opts.ThumbnailSize <= 0 {
		opts.ThumbnailSize = DefaultThumbnailSize
	}
	if opts.SquareQuality <= 0 {
		opts.SquareQuality = 95
	}
	if opts.ThumbnailQuality <= 0 {
		opts.ThumbnailQuality = 85
	}

	return &Pipeline{
		validator:        NewSecurityValidator(opts.Security, opts.Logger),
		logger:           opts.Logger,
		security:         opts.Security,
		thumbnailSize:    opts.ThumbnailSize,
		squareQuality:    opts.SquareQuality,
		thumbnailQuality: opts.ThumbnailQuality,
	}, nil
}

// PostProcess streams the input through validation, decodes it, and produces
// the center square crop and the thumbnail, both JPEG encoded.
func (p *Pipeline) PostProcess(ctx context.Context, input Input) (*Output, error) {
	if input.Reader == nil {
		return nil, errors.New(errors.KindImageDecode, "image.postprocess", "image reader is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := p.readLimited(input.Reader)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	validation := p.validator.ValidateBytes(raw, input.DeclaredFormat)
	if err := p.checkValidation(validation); err != nil {
		return nil, err
	}

	asset, err := DecodeBytes(raw)
	if err != nil {
		p.stats.failedValidations.Add(1)
		return nil, err
	}

	out := &Output{
		Original:     asset,
		OriginalSize: int64(len(raw)),
		Validation:   validation,
	}

	err = observability.Timed(ctx, "image", "postprocess", func(context.Context) error {
		out.Square = SquareCrop(asset.Image)
		out.Thumbnail = Thumbnail(asset.Image, p.thumbnailSize)

		var encErr error
		if out.SquareJPEG, encErr = EncodeJPEG(out.Square, p.squareQuality); encErr != nil {
			return encErr
		}
		out.ThumbnailJPEG, encErr = EncodeJPEG(out.Thumbnail, p.thumbnailQuality)
		return encErr
	})
	if err != nil {
		return nil, err
	}

	p.stats.totalProcessed.Add(1)
	p.stats.bytesIn.Add(out.OriginalSize)
	p.stats.bytesOut.Add(int64(len(out.SquareJPEG) + len(out.ThumbnailJPEG)))

	p.logger.InfoTag("IMAGE", "processed %s image %dx%d source=%s square=%dB thumbnail=%dB",
		asset.Format, asset.Width, asset.Height, input.Source, len(out.SquareJPEG), len(out.ThumbnailJPEG))
	return out, nil
}

// DecodeBase64 validates and decodes a base64 or data URL payload.
func (p *Pipeline) DecodeBase64(data ImageData) (Asset, []byte, error) {
	validation, raw := p.validator.ValidateBase64(data)
	if err := p.checkValidation(validation); err != nil {
		return Asset{}, nil, err
	}
	asset, err := DecodeBytes(raw)
	if err != nil {
		return Asset{}, nil, err
	}
	return asset, raw, nil
}

// Metrics returns a snapshot of the pipeline counters.
func (p *Pipeline) Metrics() Metrics {
	return p.stats.snapshot()
}

func (p *Pipeline) readLimited(r io.Reader) ([]byte, error) {
	maxSize := p.security.MaxFileSize
	if maxSize <= 0 {
		maxSize = 5 * 1024 * 1024
	}

	limited := &io.LimitedReader{
		R: r,
		N: maxSize + 1,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 32*1024))
	if _, err := io.Copy(buf, limited); err != nil {
		return nil, errors.Wrap(errors.KindImageDecode, "image.read", "failed to stream image bytes", err)
	}
	if limited.N <= 0 {
		p.stats.failedValidations.Add(1)
		return nil, errors.Newf(errors.KindImageDecode, "image.read", "image exceeds maximum size of %d bytes", maxSize)
	}
	return buf.Bytes(), nil
}

func (p *Pipeline) checkValidation(validation ValidationResult) error {
	if validation.IsValid {
		return nil
	}
	p.stats.failedValidations.Add(1)
	if validation.SecurityRisk != "" {
		p.stats.securityIncidents.Add(1)
	}
	if validation.Error != nil {
		return errors.Wrap(errors.KindImageDecode, "image.validate", "image rejected", validation.Error)
	}
	return errors.New(errors.KindImageDecode, "image.validate", "image validation failed")
}
