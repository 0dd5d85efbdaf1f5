package image

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"io"

	xdraw "golang.org/x/image/draw"

	"dyzen-server-go/internal/platform/errors"
)

// DefaultThumbnailSize is the edge length of generated thumbnails.
const DefaultThumbnailSize = 400

// SquareCrop returns the largest centered square of src. The offsets are
// floor((W-side)/2) and floor((H-side)/2), so odd remainders favour the
// top-left. A square source yields a pixel-identical copy.
func SquareCrop(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	side := w
	if h < side {
		side = h
	}

	left := b.Min.X + (w-side)/2
	top := b.Min.Y + (h-side)/2

	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	xdraw.Draw(dst, dst.Bounds(), src, image.Point{X: left, Y: top}, xdraw.Src)
	return dst
}

// Thumbnail center-fits src into a size x size opaque RGB image. Palette,
// grayscale and alpha sources are normalised first, with transparency
// composited over white.
func Thumbnail(src image.Image, size int) *image.RGBA {
	if size <= 0 {
		size = DefaultThumbnailSize
	}

	square := Flatten(SquareCrop(src))
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), square, square.Bounds(), xdraw.Src, nil)
	return dst
}

// Flatten converts src to an opaque RGBA image over a white background.
func Flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, xdraw.Src)
	xdraw.Draw(dst, dst.Bounds(), src, b.Min, xdraw.Over)
	return dst
}

// Decode reads one image. Corrupt or unsupported input is an image_decode error.
func Decode(r io.Reader) (Asset, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return Asset{}, errors.Wrap(errors.KindImageDecode, "image.decode", "failed to decode image", err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return Asset{}, errors.New(errors.KindImageDecode, "image.decode", "image has no pixels")
	}
	return Asset{Image: img, Format: format, Width: b.Dx(), Height: b.Dy()}, nil
}

// DecodeBytes is Decode over an in-memory buffer.
func DecodeBytes(raw []byte) (Asset, error) {
	return Decode(bytes.NewReader(raw))
}

// EncodeJPEG flattens img and encodes it at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Flatten(img), &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(errors.KindDomain, "image.encode", "failed to encode jpeg", err)
	}
	return buf.Bytes(), nil
}
