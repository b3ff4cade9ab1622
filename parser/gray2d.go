package parser

import (
	"bytes"
	"context"
	goimage "image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/pkg/errors"

	"tilewire/image"
)

// Gray2D decodes a single-frame image into a one-slice volume using luma weights
// 0.299 R + 0.587 G + 0.114 B.
type Gray2D struct{}

func (Gray2D) Decode(ctx context.Context, data []byte, progress func(slice, slices int), opts ...image.Option) (*image.Volume, error) {
	img, _, err := goimage.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	gray := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			gray[y*w+x] = byte((299*r + 587*g + 114*bl) / 1000 >> 8)
		}
	}
	progress(1, 1)
	return image.NewVolume(w, h, 1, gray, opts...)
}
