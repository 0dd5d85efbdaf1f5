package enhance

import (
	"image"
	"math"

	imaging "dyzen-server-go/internal/domain/image"
	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/platform/errors"
)

// ToTensor converts img to a normalised (1,3,H,W) tensor. Alpha is
// composited over white first. The image must already match shape.
func ToTensor(img image.Image, shape model.Shape) (model.Tensor, error) {
	b := img.Bounds()
	if shape.Channels != 3 || b.Dx() != shape.Width || b.Dy() != shape.Height {
		return model.Tensor{}, errors.Newf(errors.KindShapeMismatch, "enhance.to_tensor",
			"image %dx%d does not fit model input %s", b.Dx(), b.Dy(), shape)
	}

	rgba := imaging.Flatten(img)
	t := model.NewTensor(shape)
	plane := shape.Height * shape.Width
	for y := 0; y < shape.Height; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < shape.Width; x++ {
			i := y*shape.Width + x
			px := row[x*4 : x*4+3]
			t.Data[i] = float32(px[0]) / 255
			t.Data[plane+i] = float32(px[1]) / 255
			t.Data[2*plane+i] = float32(px[2]) / 255
		}
	}
	return t, nil
}

// FromTensor converts a (1,3,H,W) tensor back to an opaque image. Values are
// clipped to [0,1] and rounded to the nearest 8-bit level.
func FromTensor(t model.Tensor) (*image.RGBA, error) {
	shape, err := model.ShapeFromDims(t.Dims)
	if err != nil {
		return nil, err
	}
	if shape.Channels != 3 || len(t.Data) != shape.Elements() {
		return nil, errors.Newf(errors.KindShapeMismatch, "enhance.from_tensor",
			"tensor %v with %d values is not a 3-channel image", t.Dims, len(t.Data))
	}

	out := image.NewRGBA(image.Rect(0, 0, shape.Width, shape.Height))
	plane := shape.Height * shape.Width
	for y := 0; y < shape.Height; y++ {
		row := out.Pix[y*out.Stride:]
		for x := 0; x < shape.Width; x++ {
			i := y*shape.Width + x
			row[x*4] = toByte(t.Data[i])
			row[x*4+1] = toByte(t.Data[plane+i])
			row[x*4+2] = toByte(t.Data[2*plane+i])
			row[x*4+3] = 0xff
		}
	}
	return out, nil
}

func toByte(v float32) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Round(float64(v) * 255))
}
