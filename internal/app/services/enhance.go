package services

import (
	"context"
	"image"

	"dyzen-server-go/internal/domain/enhance"
	"dyzen-server-go/internal/domain/eventbus"
	imaging "dyzen-server-go/internal/domain/image"
	"dyzen-server-go/internal/domain/lineage"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/utils"
)

// FallbackModel names the non-neural sharpening fallback in results.
const FallbackModel = "basic_sharpen"

// EnhanceIfNeeded enhances the compressed image recorded for imageID. When no
// model can run and the fallback is enabled, a sharpened copy is returned
// without touching lineage.
func (s *DeliveryService) EnhanceIfNeeded(ctx context.Context, imageID string) (enhance.Result, error) {
	const op = "delivery.enhance"

	if !utils.ValidID(imageID) {
		return enhance.Result{}, errors.Newf(errors.KindDomain, op, "invalid image id %q", imageID)
	}
	if res, ok, err := s.enhancer.Applied(ctx, imageID); err != nil || ok {
		return res, err
	}

	l, err := s.Lineage(ctx, imageID)
	if err != nil {
		return enhance.Result{}, err
	}
	img, err := s.loadCompressed(l)
	if err != nil {
		return enhance.Result{}, err
	}

	res, err := s.enhancer.EnhanceIfNeeded(ctx, imageID, img)
	if err != nil {
		if s.fallbackSharpen && errors.IsKind(err, errors.KindModelUnavailable) {
			s.logger.WarnTag("ENHANCE", "model unavailable for %s, using %s: %v", imageID, FallbackModel, err)
			return s.sharpen(ctx, imageID, img)
		}
		s.logger.ErrorTag("ENHANCE", "enhancement of %s failed: %v", imageID, err)
		return enhance.Result{}, err
	}

	s.publishEnhanced(imageID, res)
	return res, nil
}

func (s *DeliveryService) sharpen(ctx context.Context, imageID string, img image.Image) (enhance.Result, error) {
	data, err := imaging.EncodeJPEG(enhance.BasicSharpen(img), 90)
	if err != nil {
		return enhance.Result{}, err
	}
	stored, err := s.assets.Put(ctx, "sharpened", ".jpg", data)
	if err != nil {
		return enhance.Result{}, err
	}
	res := enhance.Result{Path: stored.URL, ModelID: FallbackModel, Method: lineage.MethodServer, Fallback: true}
	s.publishEnhanced(imageID, res)
	return res, nil
}

// SaveClientEnhancement records an image the client enhanced itself.
func (s *DeliveryService) SaveClientEnhancement(ctx context.Context, imageID string, data imaging.ImageData, modelUsed string) (enhance.Result, error) {
	if _, err := s.Lineage(ctx, imageID); err != nil {
		return enhance.Result{}, err
	}
	_, raw, err := s.pipeline.DecodeBase64(data)
	if err != nil {
		return enhance.Result{}, err
	}
	res, err := s.enhancer.SaveClient(ctx, imageID, raw, utils.RemoveControlCharacters(modelUsed))
	if err != nil {
		return enhance.Result{}, err
	}
	s.publishEnhanced(imageID, res)
	return res, nil
}

func (s *DeliveryService) publishEnhanced(imageID string, res enhance.Result) {
	s.events.PublishAsync(eventbus.EventImageEnhanced, eventbus.ImageEnhancedEvent{
		ImageID:         imageID,
		Path:            res.Path,
		ModelID:         res.ModelID,
		Method:          string(res.Method),
		AlreadyEnhanced: res.AlreadyEnhanced,
		Fallback:        res.Fallback,
	})
}
