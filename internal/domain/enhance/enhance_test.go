package enhance

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyzen-server-go/internal/domain/asset"
	imaging "dyzen-server-go/internal/domain/image"
	"dyzen-server-go/internal/domain/lineage"
	"dyzen-server-go/internal/domain/lineage/store"
	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/platform/storage"
)

var smallShape = model.Shape{Channels: 3, Height: 8, Width: 6}

// fakeRuntime echoes its input, optionally brightened by offset.
type fakeRuntime struct {
	calls  atomic.Int32
	offset float32
	delay  time.Duration
	err    error
	dims   []int64
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) Run(_ context.Context, _ model.Artifact, in model.Tensor) (model.Tensor, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return model.Tensor{}, f.err
	}
	out := model.Tensor{Dims: append([]int64(nil), in.Dims...), Data: make([]float32, len(in.Data))}
	if f.dims != nil {
		out.Dims = f.dims
	}
	for i, v := range in.Data {
		out.Data[i] = v + f.offset
	}
	return out, nil
}

func (f *fakeRuntime) Close() error { return nil }

func enhancerArtifact(shape model.Shape) model.Artifact {
	return model.Artifact{
		ID:          "espcn",
		Kind:        model.KindEnhancer,
		InputShape:  shape,
		OutputShape: shape,
		Path:        "espcn.onnx",
		Validated:   true,
	}
}

func patterned(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 3), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func newService(t *testing.T, rt model.Runtime, lineageStore store.Store, root string) *Service {
	t.Helper()
	sink, err := asset.NewSink(root, "/static/enhanced")
	require.NoError(t, err)
	registry := model.NewRegistry(enhancerArtifact(smallShape))
	return NewService(NewEnhancer(rt, nil), registry, lineageStore, sink, ServiceConfig{}, nil)
}

func TestTensorRoundTripDefaultShape(t *testing.T) {
	src := patterned(model.DefaultShape.Width, model.DefaultShape.Height)

	tensor, err := ToTensor(src, model.DefaultShape)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 1024, 768}, tensor.Dims)
	assert.Len(t, tensor.Data, 3*1024*768)

	out, err := FromTensor(tensor)
	require.NoError(t, err)
	assert.Equal(t, src.Bounds(), out.Bounds())
	assert.Equal(t, src.Pix, out.Pix)
}

func TestFromTensorClipsAndRounds(t *testing.T) {
	tensor := model.Tensor{Dims: []int64{1, 3, 1, 1}, Data: []float32{-0.5, 1.7, 0.5}}
	out, err := FromTensor(tensor)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 255, 128, 255}, out.Pix)
}

func TestEnhanceShapeMismatch(t *testing.T) {
	rt := &fakeRuntime{}
	e := NewEnhancer(rt, nil)

	_, err := e.Enhance(context.Background(), patterned(10, 10), enhancerArtifact(smallShape))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindShapeMismatch))
	assert.Zero(t, rt.calls.Load(), "no inference on mismatched input")
}

func TestEnhanceRejectsUnexpectedOutputDims(t *testing.T) {
	rt := &fakeRuntime{dims: []int64{1, 3, 16, 12}}
	e := NewEnhancer(rt, nil)

	_, err := e.Enhance(context.Background(), patterned(6, 8), enhancerArtifact(smallShape))
	assert.True(t, errors.IsKind(err, errors.KindShapeMismatch), "got %v", err)
}

func TestEnhanceWrapsRuntimeFailure(t *testing.T) {
	e := NewEnhancer(&fakeRuntime{err: fmt.Errorf("session exploded")}, nil)
	_, err := e.Enhance(context.Background(), patterned(6, 8), enhancerArtifact(smallShape))
	assert.True(t, errors.IsKind(err, errors.KindInference), "got %v", err)

	e = NewEnhancer(nil, nil)
	_, err = e.Enhance(context.Background(), patterned(6, 8), enhancerArtifact(smallShape))
	assert.True(t, errors.IsKind(err, errors.KindModelUnavailable), "got %v", err)
}

func TestEnhanceIfNeededRunsOnce(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{}
	lineageStore := store.NewMemory()
	svc := newService(t, rt, lineageStore, t.TempDir())

	first, err := svc.EnhanceIfNeeded(ctx, "post-1", patterned(6, 8))
	require.NoError(t, err)
	assert.False(t, first.AlreadyEnhanced)
	assert.Equal(t, "espcn", first.ModelID)
	assert.Equal(t, lineage.MethodServer, first.Method)

	second, err := svc.EnhanceIfNeeded(ctx, "post-1", patterned(6, 8))
	require.NoError(t, err)
	assert.True(t, second.AlreadyEnhanced)
	assert.Equal(t, first.Path, second.Path)
	assert.EqualValues(t, 1, rt.calls.Load())

	l, found, err := lineageStore.Get(ctx, "post-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, l.EnhancementApplied)
	assert.Equal(t, first.Path, l.EnhancedPath)
	assert.NotNil(t, l.EnhancedAt)
}

func TestEnhanceIfNeededMismatchLeavesLineage(t *testing.T) {
	ctx := context.Background()
	lineageStore := store.NewMemory()
	require.NoError(t, lineageStore.Update(ctx, "post-2", func(l *lineage.Lineage) error {
		l.CompressionLevel = 16
		return nil
	}))
	before, _, _ := lineageStore.Get(ctx, "post-2")

	root := t.TempDir()
	svc := newService(t, &fakeRuntime{}, lineageStore, root)
	_, err := svc.EnhanceIfNeeded(ctx, "post-2", patterned(20, 20))
	assert.True(t, errors.IsKind(err, errors.KindShapeMismatch))

	after, _, _ := lineageStore.Get(ctx, "post-2")
	assert.Equal(t, before, after)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEnhanceIfNeededWithoutModel(t *testing.T) {
	sink, err := asset.NewSink(t.TempDir(), "/e")
	require.NoError(t, err)
	svc := NewService(NewEnhancer(&fakeRuntime{}, nil), model.NewRegistry(), store.NewMemory(), sink, ServiceConfig{}, nil)

	_, err = svc.EnhanceIfNeeded(context.Background(), "post-3", patterned(6, 8))
	assert.True(t, errors.IsKind(err, errors.KindModelUnavailable))
}

func TestEnhanceIfNeededConcurrentCallersShareInference(t *testing.T) {
	rt := &fakeRuntime{delay: 20 * time.Millisecond}
	svc := newService(t, rt, store.NewMemory(), t.TempDir())

	var wg sync.WaitGroup
	paths := make([]string, 10)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.EnhanceIfNeeded(context.Background(), "post-4", patterned(6, 8))
			assert.NoError(t, err)
			paths[i] = res.Path
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, rt.calls.Load())
	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
}

func lineageBackends(t *testing.T) map[string]store.Store {
	t.Helper()

	db, err := storage.Open(storage.MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	mr := miniredis.RunT(t)

	out := map[string]store.Store{}
	for _, driver := range []string{store.DriverMemory, store.DriverSQLite, store.DriverRedis} {
		s, err := store.New(store.Config{
			Driver: driver,
			Redis:  &store.RedisConfig{Addr: mr.Addr()},
		}, store.Dependencies{SQLiteDB: db})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(context.Background()) })
		out[driver] = s
	}
	return out
}

func TestEnhanceIfNeededAcrossInstancesPersistsOnce(t *testing.T) {
	for driver, lineageStore := range lineageBackends(t) {
		t.Run(driver, func(t *testing.T) {
			root := t.TempDir()
			const instances = 4

			services := make([]*Service, instances)
			for i := range services {
				// distinct outputs so every instance writes its own file
				services[i] = newService(t, &fakeRuntime{offset: float32(i) / 100, delay: 5 * time.Millisecond}, lineageStore, root)
			}

			var (
				wg      sync.WaitGroup
				winners atomic.Int32
				results = make([]Result, instances)
			)
			for i, svc := range services {
				wg.Add(1)
				go func(i int, svc *Service) {
					defer wg.Done()
					res, err := svc.EnhanceIfNeeded(context.Background(), "shared-"+driver, patterned(6, 8))
					assert.NoError(t, err)
					if !res.AlreadyEnhanced {
						winners.Add(1)
					}
					results[i] = res
				}(i, svc)
			}
			wg.Wait()

			assert.EqualValues(t, 1, winners.Load())
			for _, res := range results {
				assert.Equal(t, results[0].Path, res.Path)
			}

			entries, err := os.ReadDir(root)
			require.NoError(t, err)
			assert.Len(t, entries, 1, "losers must remove their assets")
		})
	}
}

func TestSaveClientUsesSameTransition(t *testing.T) {
	ctx := context.Background()
	lineageStore := store.NewMemory()
	rt := &fakeRuntime{}
	svc := newService(t, rt, lineageStore, t.TempDir())

	data, err := imaging.EncodeJPEG(patterned(6, 8), 90)
	require.NoError(t, err)

	res, err := svc.SaveClient(ctx, "post-5", data, "")
	require.NoError(t, err)
	assert.False(t, res.AlreadyEnhanced)
	assert.Equal(t, lineage.MethodClient, res.Method)
	assert.Equal(t, lineage.UnknownModel, res.ModelID)

	again, err := svc.EnhanceIfNeeded(ctx, "post-5", patterned(6, 8))
	require.NoError(t, err)
	assert.True(t, again.AlreadyEnhanced)
	assert.Equal(t, res.Path, again.Path)
	assert.Zero(t, rt.calls.Load())

	_, err = svc.SaveClient(ctx, "post-6", []byte("not an image"), "x")
	assert.True(t, errors.IsKind(err, errors.KindImageDecode))
}

func TestSaveClientKeepsAssetsOfOtherImages(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	lineageStore := store.NewMemory()
	svc := newService(t, &fakeRuntime{}, lineageStore, root)
	sink, err := asset.NewSink(root, "/static/enhanced")
	require.NoError(t, err)

	shared, err := imaging.EncodeJPEG(patterned(6, 8), 90)
	require.NoError(t, err)
	other, err := imaging.EncodeJPEG(patterned(8, 6), 90)
	require.NoError(t, err)

	first, err := svc.SaveClient(ctx, "post-a", shared, "espcn")
	require.NoError(t, err)
	second, err := svc.SaveClient(ctx, "post-b", other, "espcn")
	require.NoError(t, err)

	// post-b is already enhanced; its retry with post-a's bytes loses
	retry, err := svc.SaveClient(ctx, "post-b", shared, "espcn")
	require.NoError(t, err)
	assert.True(t, retry.AlreadyEnhanced)
	assert.Equal(t, second.Path, retry.Path)

	for _, res := range []Result{first, second} {
		p, err := sink.Resolve(res.Path)
		require.NoError(t, err)
		_, err = os.Stat(p)
		assert.NoError(t, err, "asset %s must survive", res.Path)
	}

	l, found, err := lineageStore.Get(ctx, "post-a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.Path, l.EnhancedPath)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestBasicSharpenKeepsFlatRegions(t *testing.T) {
	flat := image.NewGray(image.Rect(0, 0, 5, 5))
	for i := range flat.Pix {
		flat.Pix[i] = 120
	}
	out := BasicSharpen(flat)
	assert.Equal(t, image.Rect(0, 0, 5, 5), out.Bounds())
	for i := 0; i < len(out.Pix); i += 4 {
		assert.Equal(t, []uint8{120, 120, 120, 255}, out.Pix[i:i+4])
	}

	edge := image.NewGray(image.Rect(0, 0, 3, 1))
	edge.Pix = []uint8{0, 100, 0}
	sharp := BasicSharpen(edge)
	assert.EqualValues(t, 255, sharp.Pix[4], "center pixel is boosted")
	assert.EqualValues(t, 0, sharp.Pix[0])
}
