package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyzen-server-go/internal/domain/asset"
	"dyzen-server-go/internal/domain/compression"
	"dyzen-server-go/internal/domain/enhance"
	"dyzen-server-go/internal/domain/eventbus"
	imaging "dyzen-server-go/internal/domain/image"
	"dyzen-server-go/internal/domain/lineage"
	lineagestore "dyzen-server-go/internal/domain/lineage/store"
	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/domain/network"
	samplestore "dyzen-server-go/internal/domain/network/store"
	"dyzen-server-go/internal/platform/config"
	"dyzen-server-go/internal/platform/errors"
)

var testShape = model.Shape{Channels: 3, Height: 8, Width: 6}

type countingRuntime struct {
	calls atomic.Int32
}

func (r *countingRuntime) Name() string { return "counting" }

func (r *countingRuntime) Run(_ context.Context, _ model.Artifact, in model.Tensor) (model.Tensor, error) {
	r.calls.Add(1)
	return model.Tensor{Dims: in.Dims, Data: append([]float32(nil), in.Data...)}, nil
}

func (r *countingRuntime) Close() error { return nil }

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) PublishAsync(topic string, _ ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

func (p *recordingPublisher) has(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		if t == topic {
			return true
		}
	}
	return false
}

type fixture struct {
	svc      *DeliveryService
	runtime  *countingRuntime
	lineage  lineagestore.Store
	samples  samplestore.Store
	recorder *network.Recorder
	events   *recordingPublisher
	uploads  string
}

func newFixture(t *testing.T, withModel, fallback bool) *fixture {
	t.Helper()
	var artifacts []model.Artifact
	if withModel {
		artifacts = append(artifacts, model.Artifact{
			ID: "espcn", Kind: model.KindEnhancer,
			InputShape: testShape, OutputShape: testShape,
			Path: "espcn.onnx", Validated: true,
		})
	}
	return newFixtureWith(t, fallback, lineagestore.NewMemory(), artifacts...)
}

func newFixtureWith(t *testing.T, fallback bool, lineageStore lineagestore.Store, artifacts ...model.Artifact) *fixture {
	t.Helper()

	security := config.DefaultConfig().Image.Security
	pipeline, err := imaging.NewPipeline(imaging.Options{Security: &security})
	require.NoError(t, err)

	registry := model.NewRegistry(artifacts...)

	uploads := t.TempDir()
	sink, err := asset.NewSink(uploads, "/static/uploads")
	require.NoError(t, err)

	rt := &countingRuntime{}
	samples := samplestore.NewMemory(samplestore.Config{Capacity: 100})
	recorder := network.NewRecorder(samples, network.RecorderConfig{QueueSize: 8}, nil)
	recorder.Start(context.Background())
	t.Cleanup(func() { _ = recorder.Stop(context.Background()) })
	events := &recordingPublisher{}

	enhancer := enhance.NewService(enhance.NewEnhancer(rt, nil), registry, lineageStore, sink, enhance.ServiceConfig{}, nil)
	svc := NewDeliveryService(&DeliveryConfig{
		Pipeline:        pipeline,
		Resolver:        compression.NewResolver(registry, 0),
		Registry:        registry,
		Runtime:         rt,
		Enhance:         enhancer,
		Lineage:         lineageStore,
		Assets:          sink,
		History:         samples,
		Recorder:        recorder,
		Events:          events,
		FallbackSharpen: fallback,
	})
	return &fixture{svc: svc, runtime: rt, lineage: lineageStore, samples: samples, recorder: recorder, events: events, uploads: uploads}
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(40 * x), G: uint8(30 * y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func dataURL(raw []byte) imaging.ImageData {
	return imaging.ImageData{Data: "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)}
}

func TestResolveCompressionLevel(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	poor := []network.Sample{{Bandwidth: 5, Latency: 300}, {Bandwidth: 8, Latency: 250}}
	d := f.svc.ResolveCompressionLevel(ctx, "auto", poor)
	assert.Equal(t, 8, d.Level)
	assert.True(t, d.Inferred)

	d = f.svc.ResolveCompressionLevel(ctx, "AUTO", nil)
	assert.Equal(t, 16, d.Level, "empty window uses the default estimate")

	d = f.svc.ResolveCompressionLevel(ctx, "32", poor)
	assert.Equal(t, 32, d.Level)
	assert.False(t, d.Inferred)

	d = f.svc.ResolveCompressionLevel(ctx, "abc", poor)
	assert.Equal(t, 16, d.Level)
	assert.True(t, d.Coerced)
	assert.True(t, errors.IsKind(d.Warning, errors.KindCoercion))
	assert.True(t, f.events.has(eventbus.EventCompressionCoerced))
}

func TestNetworkQualityPrefersClientHistory(t *testing.T) {
	f := newFixture(t, false, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.samples.Append(ctx, network.Sample{Bandwidth: 100, Latency: 10, ClientIP: "10.0.0.1"}))
		require.NoError(t, f.samples.Append(ctx, network.Sample{Bandwidth: 5, Latency: 400, ClientIP: "10.0.0.2"}))
	}

	assert.Equal(t, network.QualityGood, f.svc.NetworkQuality(ctx, "10.0.0.1").Level)
	assert.Equal(t, network.QualityPoor, f.svc.NetworkQuality(ctx, "10.0.0.2").Level)
	// unknown clients see the global window
	assert.Equal(t, 5, f.svc.NetworkQuality(ctx, "10.9.9.9").SampleCount)
}

func TestRecordSample(t *testing.T) {
	f := newFixture(t, false, false)

	_, err := f.svc.RecordSample(network.Sample{Bandwidth: -1})
	assert.True(t, errors.IsKind(err, errors.KindDomain))

	accepted, err := f.svc.RecordSample(network.Sample{Bandwidth: 42, Latency: 12, ClientIP: "10.0.0.3"})
	require.NoError(t, err)
	assert.True(t, accepted)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.recorder.Stop(ctx))

	got, err := f.samples.Recent(context.Background(), "10.0.0.3", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].ObservedAt.IsZero())
}

func TestIngestRecordsLineageOnce(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.samples.Append(ctx, network.Sample{Bandwidth: 90, Latency: 20, ClientIP: "10.0.0.7"}))
	}

	raw := pngImage(t, 6, 8)
	sub := Submission{
		ImageID:   "post-1",
		Processed: dataURL(raw),
		Thumbnail: dataURL(pngImage(t, 4, 4)),
		Metadata: ProcessingMetadata{
			CompressionLevel: "auto",
			ProcessingMethod: "onnx_client",
			ModelUsed:        "autoencoder_b32",
			OriginalSize:     9000,
		},
		ClientIP: "10.0.0.7",
	}

	res, err := f.svc.Ingest(ctx, sub)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.ResolvedFromAuto)
	assert.Equal(t, 32, res.Decision.Level)

	l := res.Lineage
	assert.Equal(t, lineage.MethodClient, l.CompressionMethod)
	assert.Equal(t, "autoencoder_b32", l.ModelUsed)
	assert.Equal(t, 32, l.CompressionLevel)
	assert.True(t, l.LevelInferred)
	assert.EqualValues(t, 9000, l.OriginalSize)
	assert.EqualValues(t, len(raw), l.ProcessedSize)
	assert.NotEmpty(t, l.CompressedPath)
	assert.NotEmpty(t, l.ThumbnailPath)
	assert.False(t, l.EnhancementApplied)
	assert.True(t, f.events.has(eventbus.EventLineageIngested))

	sub.Metadata.CompressionLevel = "8"
	again, err := f.svc.Ingest(ctx, sub)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, 32, again.Lineage.CompressionLevel)
}

func TestIngestRejectsBadInput(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, Submission{ImageID: "../x"})
	assert.True(t, errors.IsKind(err, errors.KindDomain))

	_, err = f.svc.Ingest(ctx, Submission{
		ImageID:   "post-2",
		Processed: imaging.ImageData{Data: "data:image/png;base64,bm90IGFuIGltYWdl"},
		Thumbnail: dataURL(pngImage(t, 4, 4)),
	})
	assert.True(t, errors.IsKind(err, errors.KindImageDecode))

	_, found, err := f.lineage.Get(ctx, "post-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIngestWithClientEnhancement(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, Submission{
		ImageID:   "post-3",
		Processed: dataURL(pngImage(t, 6, 8)),
		Thumbnail: dataURL(pngImage(t, 4, 4)),
		Metadata:  ProcessingMetadata{CompressionLevel: "16", EspcnApplied: true},
	})
	require.NoError(t, err)
	assert.True(t, res.Lineage.EnhancementApplied)
	assert.Equal(t, lineage.MethodClient, res.Lineage.EnhancementMethod)

	enhanced, err := f.svc.EnhanceIfNeeded(ctx, "post-3")
	require.NoError(t, err)
	assert.True(t, enhanced.AlreadyEnhanced)
	assert.Zero(t, f.runtime.calls.Load())
}

func TestEnhanceIfNeededAfterIngest(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, Submission{
		ImageID:   "post-4",
		Processed: dataURL(pngImage(t, 6, 8)),
		Thumbnail: dataURL(pngImage(t, 4, 4)),
	})
	require.NoError(t, err)

	first, err := f.svc.EnhanceIfNeeded(ctx, "post-4")
	require.NoError(t, err)
	assert.False(t, first.AlreadyEnhanced)
	assert.Equal(t, "espcn", first.ModelID)

	second, err := f.svc.EnhanceIfNeeded(ctx, "post-4")
	require.NoError(t, err)
	assert.True(t, second.AlreadyEnhanced)
	assert.Equal(t, first.Path, second.Path)
	assert.EqualValues(t, 1, f.runtime.calls.Load())
	assert.True(t, f.events.has(eventbus.EventImageEnhanced))

	_, err = f.svc.EnhanceIfNeeded(ctx, "missing")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestEnhanceIfNeededShapeMismatch(t *testing.T) {
	f := newFixture(t, true, true)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, Submission{
		ImageID:   "post-5",
		Processed: dataURL(pngImage(t, 10, 10)),
		Thumbnail: dataURL(pngImage(t, 4, 4)),
	})
	require.NoError(t, err)
	before, err := f.svc.Lineage(ctx, "post-5")
	require.NoError(t, err)

	_, err = f.svc.EnhanceIfNeeded(ctx, "post-5")
	assert.True(t, errors.IsKind(err, errors.KindShapeMismatch), "fallback only covers missing models")

	after, err := f.svc.Lineage(ctx, "post-5")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEnhanceFallbackSharpen(t *testing.T) {
	f := newFixture(t, false, true)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, Submission{
		ImageID:   "post-6",
		Processed: dataURL(pngImage(t, 10, 10)),
		Thumbnail: dataURL(pngImage(t, 4, 4)),
	})
	require.NoError(t, err)

	res, err := f.svc.EnhanceIfNeeded(ctx, "post-6")
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, FallbackModel, res.ModelID)

	l, err := f.svc.Lineage(ctx, "post-6")
	require.NoError(t, err)
	assert.False(t, l.EnhancementApplied, "fallback is not a neural enhancement")

	f = newFixture(t, false, false)
	_, err = f.svc.Ingest(ctx, Submission{
		ImageID:   "post-7",
		Processed: dataURL(pngImage(t, 10, 10)),
		Thumbnail: dataURL(pngImage(t, 4, 4)),
	})
	require.NoError(t, err)
	_, err = f.svc.EnhanceIfNeeded(ctx, "post-7")
	assert.True(t, errors.IsKind(err, errors.KindModelUnavailable))
}

func TestSubmitThenEnhance(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()

	raw := pngImage(t, 6, 8)
	res, processed, err := f.svc.Submit(ctx, Upload{
		ImageID: "post-8",
		Input:   imaging.Input{Reader: bytes.NewReader(raw), DeclaredFormat: "png"},
		Level:   "16",
	})
	require.NoError(t, err)
	require.NotNil(t, processed)
	assert.Equal(t, 16, res.Decision.Level)
	assert.Equal(t, lineage.MethodServer, res.Lineage.CompressionMethod)
	assert.Equal(t, processed.ThumbnailPath, res.Lineage.ThumbnailPath)
	assert.NotEqual(t, processed.SquarePath, res.Lineage.CompressedPath)
	assert.True(t, f.events.has(eventbus.EventImageProcessed))

	enhanced, err := f.svc.EnhanceIfNeeded(ctx, "post-8")
	require.NoError(t, err)
	assert.False(t, enhanced.AlreadyEnhanced)

	dup, processed, err := f.svc.Submit(ctx, Upload{
		ImageID: "post-8",
		Input:   imaging.Input{Reader: bytes.NewReader(raw)},
	})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Nil(t, processed)
}

// lateStore hides the first stored record from Get, as seen by a submission
// that checked for duplicates just before another one was recorded.
type lateStore struct {
	lineagestore.Store
	hidden atomic.Bool
}

func (s *lateStore) Get(ctx context.Context, id string) (lineage.Lineage, bool, error) {
	if s.hidden.CompareAndSwap(true, false) {
		return lineage.Lineage{}, false, nil
	}
	return s.Store.Get(ctx, id)
}

func uploadNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestLateDuplicateSubmitRemovesItsAssets(t *testing.T) {
	late := &lateStore{Store: lineagestore.NewMemory()}
	f := newFixtureWith(t, false, late)
	ctx := context.Background()

	first, processed, err := f.svc.Submit(ctx, Upload{
		ImageID: "post-11",
		Input:   imaging.Input{Reader: bytes.NewReader(pngImage(t, 6, 8)), DeclaredFormat: "png"},
		Level:   "16",
	})
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	before := uploadNames(t, f.uploads)
	require.Len(t, before, 3)

	late.hidden.Store(true)
	dup, again, err := f.svc.Submit(ctx, Upload{
		ImageID: "post-11",
		Input:   imaging.Input{Reader: bytes.NewReader(pngImage(t, 9, 5)), DeclaredFormat: "png"},
		Level:   "16",
	})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Nil(t, again)
	assert.Equal(t, before, uploadNames(t, f.uploads))

	// same content as the recorded submission keeps the shared files
	late.hidden.Store(true)
	dup, _, err = f.svc.Submit(ctx, Upload{
		ImageID: "post-11",
		Input:   imaging.Input{Reader: bytes.NewReader(pngImage(t, 6, 8)), DeclaredFormat: "png"},
		Level:   "16",
	})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, before, uploadNames(t, f.uploads))
	assert.Equal(t, processed.SquarePath, dup.Lineage.SquarePath)
}

func TestLateDuplicateIngestRemovesItsAssets(t *testing.T) {
	late := &lateStore{Store: lineagestore.NewMemory()}
	f := newFixtureWith(t, false, late)
	ctx := context.Background()

	sub := Submission{
		ImageID:   "post-12",
		Processed: dataURL(pngImage(t, 6, 8)),
		Thumbnail: dataURL(pngImage(t, 4, 4)),
	}
	_, err := f.svc.Ingest(ctx, sub)
	require.NoError(t, err)
	before := uploadNames(t, f.uploads)
	require.Len(t, before, 2)

	late.hidden.Store(true)
	sub.Processed = dataURL(pngImage(t, 7, 7))
	sub.Thumbnail = dataURL(pngImage(t, 3, 3))
	dup, err := f.svc.Ingest(ctx, sub)
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, before, uploadNames(t, f.uploads))
}

func TestSubmitRecordsCompressorModel(t *testing.T) {
	compressor := func(level int) model.Artifact {
		shape := model.Shape{Channels: 3, Height: 32, Width: 32}
		return model.Artifact{
			ID: "autoencoder_b" + strconv.Itoa(level), Kind: model.KindCompressor, Parameter: level,
			InputShape: shape, OutputShape: shape, Path: "ae.onnx", Validated: true,
		}
	}
	f := newFixtureWith(t, false, lineagestore.NewMemory(), compressor(8), compressor(16))
	ctx := context.Background()

	res, _, err := f.svc.Submit(ctx, Upload{
		ImageID: "post-13",
		Input:   imaging.Input{Reader: bytes.NewReader(pngImage(t, 6, 8)), DeclaredFormat: "png"},
		Level:   "8",
	})
	require.NoError(t, err)
	assert.Equal(t, "autoencoder_b8", res.Lineage.ModelUsed)

	// without a compressor for the level the model stays unknown
	f = newFixture(t, false, false)
	res, _, err = f.svc.Submit(ctx, Upload{
		ImageID: "post-14",
		Input:   imaging.Input{Reader: bytes.NewReader(pngImage(t, 6, 8)), DeclaredFormat: "png"},
		Level:   "8",
	})
	require.NoError(t, err)
	assert.Equal(t, lineage.UnknownModel, res.Lineage.ModelUsed)
}

func TestSaveClientEnhancement(t *testing.T) {
	f := newFixture(t, true, false)
	ctx := context.Background()

	_, err := f.svc.SaveClientEnhancement(ctx, "post-9", dataURL(pngImage(t, 6, 8)), "espcn-web")
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	_, err = f.svc.Ingest(ctx, Submission{
		ImageID:   "post-9",
		Processed: dataURL(pngImage(t, 6, 8)),
		Thumbnail: dataURL(pngImage(t, 4, 4)),
	})
	require.NoError(t, err)

	res, err := f.svc.SaveClientEnhancement(ctx, "post-9", dataURL(pngImage(t, 12, 16)), "espcn-web")
	require.NoError(t, err)
	assert.Equal(t, lineage.MethodClient, res.Method)
	assert.Equal(t, "espcn-web", res.ModelID)

	server, err := f.svc.EnhanceIfNeeded(ctx, "post-9")
	require.NoError(t, err)
	assert.True(t, server.AlreadyEnhanced)
	assert.Equal(t, res.Path, server.Path)
}

func TestModelsStatus(t *testing.T) {
	f := newFixture(t, true, false)
	status := f.svc.ModelsStatus()
	assert.Equal(t, "counting", status.Runtime)
	assert.Len(t, status.Enhancers, 1)
	assert.Equal(t, compression.StaticLevels, status.Levels)
}

func TestLevelValueAcceptsNumbersAndStrings(t *testing.T) {
	var meta ProcessingMetadata
	require.NoError(t, json.Unmarshal([]byte(`{"compressionLevel": 8}`), &meta))
	assert.Equal(t, LevelValue("8"), meta.CompressionLevel)

	require.NoError(t, json.Unmarshal([]byte(`{"compressionLevel": "auto"}`), &meta))
	assert.Equal(t, LevelValue("auto"), meta.CompressionLevel)

	meta = ProcessingMetadata{}
	require.NoError(t, json.Unmarshal([]byte(`{"compressionLevel": null}`), &meta))
	assert.Equal(t, LevelValue(""), meta.CompressionLevel)

	assert.Error(t, json.Unmarshal([]byte(`{"compressionLevel": true}`), &meta))
}
