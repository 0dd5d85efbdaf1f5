package services

import (
	"context"
	"image"
	"io"
	"time"

	"dyzen-server-go/internal/domain/asset"
	"dyzen-server-go/internal/domain/compression"
	"dyzen-server-go/internal/domain/enhance"
	"dyzen-server-go/internal/domain/eventbus"
	imaging "dyzen-server-go/internal/domain/image"
	"dyzen-server-go/internal/domain/lineage"
	"dyzen-server-go/internal/domain/lineage/store"
	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/domain/network"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/utils"
)

// SampleHistory reads recent network samples, oldest first.
type SampleHistory interface {
	Recent(ctx context.Context, clientIP string, limit int) ([]network.Sample, error)
}

// AssetStore stores and serves derived images.
type AssetStore interface {
	Put(ctx context.Context, label, ext string, data []byte) (asset.Stored, error)
	Open(url string) (io.ReadCloser, error)
	Delete(ctx context.Context, url string) error
}

// Publisher receives pipeline events.
type Publisher interface {
	PublishAsync(topic string, args ...interface{})
}

// DeliveryConfig wires the delivery service.
type DeliveryConfig struct {
	Pipeline *imaging.Pipeline
	Resolver *compression.Resolver
	Registry *model.Registry
	Runtime  model.Runtime
	Enhance  *enhance.Service
	Lineage  store.Store
	Assets   AssetStore
	History  SampleHistory
	Recorder *network.Recorder
	Events   Publisher
	Logger   *utils.Logger

	WindowSize      int
	FallbackSharpen bool
}

// DeliveryService is the request-shaped facade over the pipeline core.
type DeliveryService struct {
	pipeline *imaging.Pipeline
	resolver *compression.Resolver
	registry *model.Registry
	runtime  model.Runtime
	enhancer *enhance.Service
	lineage  store.Store
	assets   AssetStore
	history  SampleHistory
	recorder *network.Recorder
	events   Publisher
	logger   *utils.Logger

	windowSize      int
	fallbackSharpen bool
	now             func() time.Time
}

// NewDeliveryService creates the facade.
func NewDeliveryService(config *DeliveryConfig) *DeliveryService {
	events := config.Events
	if events == nil {
		events = noopPublisher{}
	}
	runtime := config.Runtime
	if runtime == nil {
		runtime = model.Unavailable{}
	}
	window := config.WindowSize
	if window <= 0 {
		window = network.DefaultWindowSize
	}
	return &DeliveryService{
		pipeline:        config.Pipeline,
		resolver:        config.Resolver,
		registry:        config.Registry,
		runtime:         runtime,
		enhancer:        config.Enhance,
		lineage:         config.Lineage,
		assets:          config.Assets,
		history:         config.History,
		recorder:        config.Recorder,
		events:          events,
		logger:          config.Logger,
		windowSize:      window,
		fallbackSharpen: config.FallbackSharpen,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

type noopPublisher struct{}

func (noopPublisher) PublishAsync(string, ...interface{}) {}

// RecentSamples returns the estimation window for clientIP, falling back to
// samples from every client when the client has none. History errors degrade
// to an empty window.
func (s *DeliveryService) RecentSamples(ctx context.Context, clientIP string) []network.Sample {
	if s.history == nil {
		return nil
	}
	if clientIP != "" {
		samples, err := s.history.Recent(ctx, clientIP, s.windowSize)
		if err != nil {
			s.logger.WarnTag("NETWORK", "sample history for %s unavailable: %v", clientIP, err)
		} else if len(samples) > 0 {
			return samples
		}
	}
	samples, err := s.history.Recent(ctx, "", s.windowSize)
	if err != nil {
		s.logger.WarnTag("NETWORK", "sample history unavailable: %v", err)
		return nil
	}
	return samples
}

// NetworkQuality estimates the current quality seen by clientIP.
func (s *DeliveryService) NetworkQuality(ctx context.Context, clientIP string) network.Quality {
	return network.Estimate(s.RecentSamples(ctx, clientIP), s.windowSize)
}

// RecordSample enqueues a client measurement. It reports whether the sample
// was queued; invalid samples are rejected with a domain error.
func (s *DeliveryService) RecordSample(sample network.Sample) (bool, error) {
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = s.now()
	}
	if s.recorder == nil {
		if err := sample.Validate(); err != nil {
			return false, err
		}
		return false, nil
	}
	return s.recorder.Record(sample)
}

// ResolveCompressionLevel resolves requested against the estimate of recent.
// A coerced request is logged and published, never returned as an error.
func (s *DeliveryService) ResolveCompressionLevel(_ context.Context, requested string, recent []network.Sample) compression.Decision {
	quality := network.Estimate(recent, s.windowSize)
	decision := s.resolver.Resolve(requested, quality)
	if decision.Coerced {
		s.logger.WarnTag("POLICY", "%v", decision.Warning)
		s.events.PublishAsync(eventbus.EventCompressionCoerced, eventbus.CompressionCoercedEvent{
			Requested: requested,
			Level:     decision.Level,
			Reason:    decision.Warning.Error(),
		})
	}
	if decision.Inferred {
		s.logger.DebugTag("POLICY", "auto resolved to %d from %s network (%d samples)",
			decision.Level, quality.Level, quality.SampleCount)
	}
	return decision
}

// PostProcess validates and decodes the input, then stores the square
// rendition and the thumbnail.
func (s *DeliveryService) PostProcess(ctx context.Context, input imaging.Input) (*ProcessedImage, error) {
	return s.postProcess(ctx, input, "")
}

// postProcess stores the renditions under labels suffixed with scope, so
// files written for one image are never shared with another.
func (s *DeliveryService) postProcess(ctx context.Context, input imaging.Input, scope string) (*ProcessedImage, error) {
	out, err := s.pipeline.PostProcess(ctx, input)
	if err != nil {
		return nil, err
	}

	square, err := s.assets.Put(ctx, scoped("square", scope), ".jpg", out.SquareJPEG)
	if err != nil {
		return nil, err
	}
	thumb, err := s.assets.Put(ctx, scoped("thumb", scope), ".jpg", out.ThumbnailJPEG)
	if err != nil {
		if scope != "" {
			s.removeUnreferenced(ctx, scope, square.URL)
		}
		return nil, err
	}

	return &ProcessedImage{
		Output:        out,
		SquarePath:    square.URL,
		ThumbnailPath: thumb.URL,
		SquareSize:    square.Size,
	}, nil
}

// Lineage returns the lineage of imageID or a not_found error.
func (s *DeliveryService) Lineage(ctx context.Context, imageID string) (lineage.Lineage, error) {
	if !utils.ValidID(imageID) {
		return lineage.Lineage{}, errors.Newf(errors.KindDomain, "delivery.lineage", "invalid image id %q", imageID)
	}
	l, found, err := s.lineage.Get(ctx, imageID)
	if err != nil {
		return lineage.Lineage{}, err
	}
	if !found {
		return lineage.Lineage{}, errors.Newf(errors.KindNotFound, "delivery.lineage", "no lineage for %s", imageID)
	}
	return l, nil
}

// ModelsStatus reports the loaded artifacts and the active runtime.
func (s *DeliveryService) ModelsStatus() ModelsStatus {
	status := ModelsStatus{Runtime: s.runtime.Name(), Levels: s.resolver.Supported()}
	if s.registry != nil {
		status.Status = s.registry.Status()
	}
	return status
}

func (s *DeliveryService) loadCompressed(l lineage.Lineage) (image.Image, error) {
	if l.CompressedPath == "" {
		return nil, errors.New(errors.KindNotFound, "delivery.enhance", "no compressed image recorded")
	}
	rc, err := s.assets.Open(l.CompressedPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	a, err := imaging.Decode(rc)
	if err != nil {
		return nil, err
	}
	return a.Image, nil
}

func scoped(label, scope string) string {
	if scope == "" {
		return label
	}
	return label + "_" + scope
}

// removeUnreferenced deletes assets written for a submission of imageID that
// did not become the recorded one. Paths its stored lineage points at are
// kept.
func (s *DeliveryService) removeUnreferenced(ctx context.Context, imageID string, urls ...string) {
	kept, _, err := s.lineage.Get(ctx, imageID)
	if err != nil {
		s.logger.WarnTag("IMAGE", "keeping assets of %s, lineage unreadable: %v", imageID, err)
		return
	}
	for _, url := range urls {
		switch url {
		case "", kept.CompressedPath, kept.ThumbnailPath, kept.SquarePath, kept.EnhancedPath:
			continue
		}
		if err := s.assets.Delete(ctx, url); err != nil {
			s.logger.WarnTag("IMAGE", "failed to remove unused asset %s: %v", url, err)
		}
	}
}
