package enhance

import (
	"image"

	imaging "dyzen-server-go/internal/domain/image"
)

// BasicSharpen applies a 3x3 sharpening kernel. Edge pixels reuse their
// nearest neighbour inside the image.
func BasicSharpen(img image.Image) *image.RGBA {
	src := imaging.Flatten(img)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	at := func(x, y, c int) int {
		if x < 0 {
			x = 0
		} else if x >= w {
			x = w - 1
		}
		if y < 0 {
			y = 0
		} else if y >= h {
			y = h - 1
		}
		return int(src.Pix[y*src.Stride+x*4+c])
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := y*dst.Stride + x*4
			for c := 0; c < 3; c++ {
				v := 5*at(x, y, c) - at(x-1, y, c) - at(x+1, y, c) - at(x, y-1, c) - at(x, y+1, c)
				if v < 0 {
					v = 0
				} else if v > 255 {
					v = 255
				}
				dst.Pix[o+c] = uint8(v)
			}
			dst.Pix[o+3] = 0xff
		}
	}
	return dst
}
