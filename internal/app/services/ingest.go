package services

import (
	"context"
	stderrors "errors"
	"strings"

	"dyzen-server-go/internal/domain/compression"
	"dyzen-server-go/internal/domain/eventbus"
	imaging "dyzen-server-go/internal/domain/image"
	"dyzen-server-go/internal/domain/lineage"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/utils"
)

var errAlreadyIngested = stderrors.New("image already ingested")

// Ingest stores a client-processed image and records its processing metadata
// as the first lineage entry. A second submission for the same id changes
// nothing and is reported as a duplicate.
func (s *DeliveryService) Ingest(ctx context.Context, sub Submission) (*IngestResult, error) {
	const op = "delivery.ingest"

	if !utils.ValidID(sub.ImageID) {
		return nil, errors.Newf(errors.KindDomain, op, "invalid image id %q", sub.ImageID)
	}
	if dup, ok, err := s.duplicate(ctx, sub.ImageID); err != nil || ok {
		return dup, err
	}

	requested := strings.TrimSpace(string(sub.Metadata.CompressionLevel))
	if requested == "" {
		requested = levelString(compression.DefaultLevel)
	}
	decision := s.ResolveCompressionLevel(ctx, requested, s.RecentSamples(ctx, sub.ClientIP))

	processed, processedRaw, err := s.pipeline.DecodeBase64(sub.Processed)
	if err != nil {
		return nil, err
	}
	thumb, thumbRaw, err := s.pipeline.DecodeBase64(sub.Thumbnail)
	if err != nil {
		return nil, err
	}

	compressed, err := s.assets.Put(ctx, scoped("compressed", sub.ImageID), extension(processed.Format), processedRaw)
	if err != nil {
		return nil, err
	}
	thumbnail, err := s.assets.Put(ctx, scoped("thumb", sub.ImageID), extension(thumb.Format), thumbRaw)
	if err != nil {
		s.removeUnreferenced(ctx, sub.ImageID, compressed.URL)
		return nil, err
	}

	meta := sub.Metadata
	originalSize := meta.OriginalSize
	if originalSize <= 0 {
		originalSize = compressed.Size
	}

	result, err := s.record(ctx, sub.ImageID, decision, func(l *lineage.Lineage) {
		l.CompressionMethod = lineage.MethodClient
		l.ModelUsed = utils.RemoveControlCharacters(meta.ModelUsed)
		l.OriginalSize = originalSize
		l.ProcessedSize = compressed.Size
		l.ThumbnailPath = thumbnail.URL
		l.CompressedPath = compressed.URL
	})
	if err != nil {
		s.removeUnreferenced(ctx, sub.ImageID, compressed.URL, thumbnail.URL)
		return nil, err
	}
	if result.Duplicate {
		// another submission for this id was recorded first
		s.removeUnreferenced(ctx, sub.ImageID, compressed.URL, thumbnail.URL)
		return result, nil
	}

	if meta.EspcnApplied {
		applied, current, err := s.lineage.MarkEnhanced(ctx, sub.ImageID, lineage.Enhancement{
			ModelUsed: "espcn",
			Path:      compressed.URL,
			Method:    lineage.MethodClient,
			At:        s.now(),
		})
		if err != nil {
			return nil, err
		}
		if applied {
			result.Lineage = current
		}
	}

	s.logger.InfoTag("LINEAGE", "ingested %s: method=%s model=%s level=%d inferred=%v size=%d->%d",
		sub.ImageID, meta.ProcessingMethod, result.Lineage.ModelUsed, decision.Level, decision.Inferred,
		originalSize, compressed.Size)
	return result, nil
}

// Submit post-processes an uploaded image on the server and records it the
// same way Ingest records client submissions.
func (s *DeliveryService) Submit(ctx context.Context, up Upload) (*IngestResult, *ProcessedImage, error) {
	const op = "delivery.submit"

	if !utils.ValidID(up.ImageID) {
		return nil, nil, errors.Newf(errors.KindDomain, op, "invalid image id %q", up.ImageID)
	}
	if dup, ok, err := s.duplicate(ctx, up.ImageID); err != nil || ok {
		return dup, nil, err
	}

	requested := up.Level
	if strings.TrimSpace(requested) == "" {
		requested = compression.Auto
	}
	decision := s.ResolveCompressionLevel(ctx, requested, s.RecentSamples(ctx, up.ClientIP))

	processed, err := s.postProcess(ctx, up.Input, up.ImageID)
	if err != nil {
		return nil, nil, err
	}

	// the full frame is kept for enhancement; the square is a display rendition
	out := processed.Output
	full, err := imaging.EncodeJPEG(out.Original.Image, 95)
	if err != nil {
		s.removeUnreferenced(ctx, up.ImageID, processed.SquarePath, processed.ThumbnailPath)
		return nil, nil, err
	}
	compressed, err := s.assets.Put(ctx, scoped("compressed", up.ImageID), ".jpg", full)
	if err != nil {
		s.removeUnreferenced(ctx, up.ImageID, processed.SquarePath, processed.ThumbnailPath)
		return nil, nil, err
	}
	written := []string{processed.SquarePath, processed.ThumbnailPath, compressed.URL}

	result, err := s.record(ctx, up.ImageID, decision, func(l *lineage.Lineage) {
		l.CompressionMethod = lineage.MethodServer
		l.ModelUsed = s.compressorID(decision.Level)
		l.OriginalSize = out.OriginalSize
		l.ProcessedSize = compressed.Size
		l.ThumbnailPath = processed.ThumbnailPath
		l.CompressedPath = compressed.URL
		l.SquarePath = processed.SquarePath
	})
	if err != nil {
		s.removeUnreferenced(ctx, up.ImageID, written...)
		return nil, nil, err
	}
	if result.Duplicate {
		s.removeUnreferenced(ctx, up.ImageID, written...)
		return result, nil, nil
	}

	s.events.PublishAsync(eventbus.EventImageProcessed, eventbus.ImageProcessedEvent{
		ImageID:       up.ImageID,
		Format:        out.Original.Format,
		Width:         out.Original.Width,
		Height:        out.Original.Height,
		OriginalSize:  out.OriginalSize,
		SquarePath:    processed.SquarePath,
		ThumbnailPath: processed.ThumbnailPath,
	})
	s.logger.InfoTag("IMAGE", "processed %s: %dx%d %s -> %s", up.ImageID,
		out.Original.Width, out.Original.Height, out.Original.Format, processed.SquarePath)
	return result, processed, nil
}

// compressorID names the compressor artifact serving level, or the unknown
// model when none is loaded for it.
func (s *DeliveryService) compressorID(level int) string {
	if s.registry == nil {
		return lineage.UnknownModel
	}
	a, err := s.registry.Compressor(level)
	if err != nil {
		return lineage.UnknownModel
	}
	return a.ID
}

func (s *DeliveryService) duplicate(ctx context.Context, imageID string) (*IngestResult, bool, error) {
	l, found, err := s.lineage.Get(ctx, imageID)
	if err != nil {
		return nil, false, err
	}
	if !found || l.CompressedPath == "" {
		return nil, false, nil
	}
	return &IngestResult{
		ImageID:          imageID,
		Decision:         compression.Decision{Level: l.CompressionLevel, Inferred: l.LevelInferred},
		ResolvedFromAuto: l.LevelInferred,
		Lineage:          l,
		Duplicate:        true,
	}, true, nil
}

// record writes the first processing entry of imageID.
func (s *DeliveryService) record(ctx context.Context, imageID string, decision compression.Decision, fill func(*lineage.Lineage)) (*IngestResult, error) {
	err := s.lineage.Update(ctx, imageID, func(l *lineage.Lineage) error {
		if l.CompressedPath != "" {
			return errAlreadyIngested
		}
		fill(l)
		l.SchemaVersion = lineage.SchemaVersion
		l.CompressionLevel = decision.Level
		l.LevelInferred = decision.Inferred
		l.RecordedAt = s.now()
		return nil
	})
	if stderrors.Is(err, errAlreadyIngested) {
		dup, _, err := s.duplicate(ctx, imageID)
		return dup, err
	}
	if err != nil {
		return nil, err
	}

	l, _, err := s.lineage.Get(ctx, imageID)
	if err != nil {
		return nil, err
	}
	s.events.PublishAsync(eventbus.EventLineageIngested, eventbus.LineageIngestedEvent{
		ImageID:          imageID,
		CompressionLevel: l.CompressionLevel,
		LevelInferred:    l.LevelInferred,
		ModelUsed:        l.ModelUsed,
	})
	return &IngestResult{
		ImageID:          imageID,
		Decision:         decision,
		ResolvedFromAuto: decision.Inferred,
		Lineage:          l,
	}, nil
}

func extension(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return ".png"
	case "gif":
		return ".gif"
	case "webp":
		return ".webp"
	case "bmp":
		return ".bmp"
	default:
		return ".jpg"
	}
}
