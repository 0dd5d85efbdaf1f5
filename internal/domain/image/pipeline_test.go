package image

import (
	"bytes"
	"context"
	"encoding/base64"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyzen-server-go/internal/platform/config"
	"dyzen-server-go/internal/platform/errors"
)

func newTestPipeline(t *testing.T, mutate func(*config.SecurityConfig)) *Pipeline {
	t.Helper()
	security := config.DefaultConfig().Image.Security
	if mutate != nil {
		mutate(&security)
	}
	p, err := NewPipeline(Options{Security: &security})
	require.NoError(t, err)
	return p
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, gradient(w, h)))
	return buf.Bytes()
}

func TestNewPipelineRequiresSecurity(t *testing.T) {
	_, err := NewPipeline(Options{})
	assert.Error(t, err)
}

func TestPostProcessProducesSquareAndThumbnail(t *testing.T) {
	p := newTestPipeline(t, nil)
	raw := pngBytes(t, 600, 300)

	out, err := p.PostProcess(context.Background(), Input{
		Reader:         bytes.NewReader(raw),
		DeclaredFormat: "png",
		Source:         "test",
	})
	require.NoError(t, err)

	assert.Equal(t, 600, out.Original.Width)
	assert.Equal(t, int64(len(raw)), out.OriginalSize)
	assert.Equal(t, 300, out.Square.Bounds().Dx())
	assert.Equal(t, 400, out.Thumbnail.Bounds().Dx())

	square, err := DecodeBytes(out.SquareJPEG)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", square.Format)
	assert.Equal(t, 300, square.Width)
	assert.Equal(t, 300, square.Height)

	thumb, err := DecodeBytes(out.ThumbnailJPEG)
	require.NoError(t, err)
	assert.Equal(t, 400, thumb.Width)
	assert.Equal(t, 400, thumb.Height)

	metrics := p.Metrics()
	assert.EqualValues(t, 1, metrics.TotalProcessed)
	assert.EqualValues(t, len(raw), metrics.BytesIn)
}

func TestPostProcessRejectsCorruptInput(t *testing.T) {
	p := newTestPipeline(t, nil)

	_, err := p.PostProcess(context.Background(), Input{Reader: strings.NewReader("GIF89a-but-not-really")})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindImageDecode))
	assert.EqualValues(t, 1, p.Metrics().FailedValidations)
}

func TestPostProcessRejectsOversizedInput(t *testing.T) {
	p := newTestPipeline(t, func(s *config.SecurityConfig) { s.MaxFileSize = 64 })

	_, err := p.PostProcess(context.Background(), Input{Reader: bytes.NewReader(pngBytes(t, 50, 50))})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindImageDecode))
}

func TestPostProcessRejectsLargeDimensions(t *testing.T) {
	p := newTestPipeline(t, func(s *config.SecurityConfig) { s.MaxWidth = 32 })

	_, err := p.PostProcess(context.Background(), Input{Reader: bytes.NewReader(pngBytes(t, 64, 16))})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindImageDecode))
	assert.EqualValues(t, 1, p.Metrics().SecurityIncidents)
}

func TestPostProcessHonoursCancelledContext(t *testing.T) {
	p := newTestPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.PostProcess(ctx, Input{Reader: bytes.NewReader(pngBytes(t, 8, 8))})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecodeBase64DataURL(t *testing.T) {
	p := newTestPipeline(t, nil)
	encoded := base64.StdEncoding.EncodeToString(pngBytes(t, 12, 10))

	asset, raw, err := p.DecodeBase64(ImageData{Data: "data:image/png;base64," + encoded})
	require.NoError(t, err)
	assert.Equal(t, 12, asset.Width)
	assert.NotEmpty(t, raw)

	_, _, err = p.DecodeBase64(ImageData{Data: "data:image/png;base64,@@@"})
	assert.True(t, errors.IsKind(err, errors.KindImageDecode))

	_, _, err = p.DecodeBase64(ImageData{})
	assert.True(t, errors.IsKind(err, errors.KindImageDecode))
}

func TestValidatorRejectsDisallowedFormat(t *testing.T) {
	security := config.DefaultConfig().Image.Security
	security.AllowedFormats = []string{"jpeg"}
	v := NewSecurityValidator(&security, nil)

	result := v.ValidateBytes(pngBytes(t, 4, 4), "png")
	assert.False(t, result.IsValid)
	assert.Equal(t, RiskFormat, result.SecurityRisk)
}

func TestValidatorFlagsEmbeddedScript(t *testing.T) {
	security := config.DefaultConfig().Image.Security
	v := NewSecurityValidator(&security, nil)

	what, bad := v.suspicious([]byte(`<svg onload="alert(1)"></svg>`))
	assert.True(t, bad)
	assert.Equal(t, "svg onload=", what)

	what, bad = v.suspicious([]byte{0x4D, 0x5A, 0x00})
	assert.True(t, bad)
	assert.Equal(t, "pe executable", what)

	_, bad = v.suspicious(pngBytes(t, 4, 4))
	assert.False(t, bad)
}
