package enhance

import (
	"context"
	"image"
	"time"

	"golang.org/x/sync/singleflight"

	"dyzen-server-go/internal/domain/asset"
	imaging "dyzen-server-go/internal/domain/image"
	"dyzen-server-go/internal/domain/lineage"
	"dyzen-server-go/internal/domain/lineage/store"
	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/utils"
)

// ArtifactSource resolves the enhancer artifact to run.
type ArtifactSource interface {
	Enhancer(id string) (model.Artifact, error)
}

// AssetSink persists enhanced images.
type AssetSink interface {
	Put(ctx context.Context, label, ext string, data []byte) (asset.Stored, error)
	Delete(ctx context.Context, url string) error
}

// Result describes the enhanced image of one post.
type Result struct {
	Path            string         `json:"enhanced_path"`
	AlreadyEnhanced bool           `json:"already_enhanced"`
	ModelID         string         `json:"model_used"`
	Method          lineage.Method `json:"enhancement_method"`
	// Fallback marks a non-neural result that was not recorded in lineage.
	Fallback bool `json:"fallback,omitempty"`
}

// ServiceConfig tunes the enhancement service.
type ServiceConfig struct {
	// ModelID selects the enhancer; empty picks the only loaded one.
	ModelID string
	Quality int
}

// Service enhances each image at most once. The lineage store decides the
// winner between processes; singleflight collapses callers inside one.
type Service struct {
	enhancer  *Enhancer
	artifacts ArtifactSource
	lineage   store.Store
	assets    AssetSink
	cfg       ServiceConfig
	logger    *utils.Logger
	group     singleflight.Group
	now       func() time.Time
}

func NewService(
	enhancer *Enhancer,
	artifacts ArtifactSource,
	lineageStore store.Store,
	assets AssetSink,
	cfg ServiceConfig,
	logger *utils.Logger,
) *Service {
	if cfg.Quality <= 0 {
		cfg.Quality = 95
	}
	return &Service{
		enhancer:  enhancer,
		artifacts: artifacts,
		lineage:   lineageStore,
		assets:    assets,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Applied returns the stored result when the image was already enhanced.
func (s *Service) Applied(ctx context.Context, imageID string) (Result, bool, error) {
	l, found, err := s.lineage.Get(ctx, imageID)
	if err != nil {
		return Result{}, false, err
	}
	if !found || !l.EnhancementApplied {
		return Result{}, false, nil
	}
	return resultFrom(l), true, nil
}

// EnhanceIfNeeded returns the enhanced image of imageID, running inference
// only when no enhancement has been recorded. On failure lineage is left
// unchanged.
func (s *Service) EnhanceIfNeeded(ctx context.Context, imageID string, compressed image.Image) (Result, error) {
	v, err, _ := s.group.Do(imageID, func() (any, error) {
		return s.enhance(ctx, imageID, compressed)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (s *Service) enhance(ctx context.Context, imageID string, compressed image.Image) (Result, error) {
	const op = "enhance.service"

	if res, ok, err := s.Applied(ctx, imageID); err != nil || ok {
		return res, err
	}

	artifact, err := s.artifacts.Enhancer(s.cfg.ModelID)
	if err != nil {
		return Result{}, err
	}

	out, err := s.enhancer.Enhance(ctx, compressed, artifact)
	if err != nil {
		return Result{}, err
	}
	data, err := imaging.EncodeJPEG(out, s.cfg.Quality)
	if err != nil {
		return Result{}, errors.Wrap(errors.KindInference, op, "failed to encode enhanced image", err)
	}

	return s.commit(ctx, imageID, data, ".jpg", artifact.ID, lineage.MethodServer)
}

// SaveClient records an enhancement produced by the client. It follows the
// same single transition as server-side enhancement.
func (s *Service) SaveClient(ctx context.Context, imageID string, data []byte, modelUsed string) (Result, error) {
	if len(data) == 0 {
		return Result{}, errors.New(errors.KindImageDecode, "enhance.save_client", "empty enhanced image")
	}
	decoded, err := imaging.DecodeBytes(data)
	if err != nil {
		return Result{}, err
	}
	if modelUsed == "" {
		modelUsed = lineage.UnknownModel
	}
	ext := ".jpg"
	if decoded.Format == "png" {
		ext = ".png"
	}
	return s.commit(ctx, imageID, data, ext, modelUsed, lineage.MethodClient)
}

func (s *Service) commit(ctx context.Context, imageID string, data []byte, ext, modelID string, method lineage.Method) (Result, error) {
	// Files are scoped to one image so a discarded loser never removes
	// content another image references.
	stored, err := s.assets.Put(ctx, "enhanced_"+imageID, ext, data)
	if err != nil {
		return Result{}, err
	}

	applied, current, err := s.lineage.MarkEnhanced(ctx, imageID, lineage.Enhancement{
		ModelUsed: modelID,
		Path:      stored.URL,
		Method:    method,
		At:        s.now(),
	})
	if err != nil {
		s.discard(ctx, stored.URL)
		return Result{}, err
	}
	if !applied {
		// identical content for the same image shares the winner's file
		if current.EnhancedPath != stored.URL {
			s.discard(ctx, stored.URL)
		}
		s.logger.InfoTag("ENHANCE", "image %s was enhanced concurrently, keeping %s", imageID, current.EnhancedPath)
		return resultFrom(current), nil
	}

	s.logger.InfoTag("ENHANCE", "image %s enhanced with %s (%s) -> %s", imageID, modelID, method, stored.URL)
	return Result{Path: stored.URL, ModelID: modelID, Method: method}, nil
}

func (s *Service) discard(ctx context.Context, url string) {
	if err := s.assets.Delete(ctx, url); err != nil {
		s.logger.WarnTag("ENHANCE", "failed to remove unused asset %s: %v", url, err)
	}
}

func resultFrom(l lineage.Lineage) Result {
	return Result{
		Path:            l.EnhancedPath,
		AlreadyEnhanced: true,
		ModelID:         l.EnhancementModelUsed,
		Method:          l.EnhancementMethod,
	}
}
