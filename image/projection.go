package image

import (
	"context"

	"github.com/pkg/errors"
)

// Projections are mean-intensity views of a volume along each axis:
//
//	X: depth x height  (rows averaged over x)
//	Y: depth x width   (columns averaged over y)
//	Z: height x width  (pixels averaged over z)
//
// Means are truncated to whole gray levels.
type Projections struct {
	X []byte
	Y []byte
	Z []byte
}

// Empty reports whether no projection has been generated.
func (p Projections) Empty() bool {
	return p.X == nil && p.Y == nil && p.Z == nil
}

// check verifies that generated projections match a width x height x depth volume.
func (p Projections) check(width, height, depth int) error {
	if p.Empty() {
		return nil
	}
	for _, c := range []struct {
		axis string
		got  int
		want int
	}{
		{"x", len(p.X), depth * height},
		{"y", len(p.Y), depth * width},
		{"z", len(p.Z), height * width},
	} {
		if c.got != c.want {
			return errors.Errorf("%s projection holds %d bytes, want %d", c.axis, c.got, c.want)
		}
	}
	return nil
}

// GenerateProjections computes the projections, unstashing the volume if needed.
func (v *Volume) GenerateProjections(ctx context.Context) error {
	data, err := v.Bytes(ctx)
	if err != nil {
		return err
	}
	p := project(data, v.Width, v.Height, v.Depth)

	v.mu.Lock()
	v.projections = p
	v.mu.Unlock()
	return nil
}

// Projections returns the last generated projections.
func (v *Volume) Projections() Projections {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.projections
}

func project(data []byte, width, height, depth int) Projections {
	frame := width * height
	p := Projections{
		X: make([]byte, depth*height),
		Y: make([]byte, depth*width),
		Z: make([]byte, frame),
	}
	zsum := make([]int, frame)
	ysum := make([]int, width)

	for z := 0; z < depth; z++ {
		clear(ysum)
		for y := 0; y < height; y++ {
			row := data[z*frame+y*width : z*frame+(y+1)*width]
			xsum := 0
			for x, px := range row {
				xsum += int(px)
				ysum[x] += int(px)
				zsum[y*width+x] += int(px)
			}
			p.X[z*height+y] = byte(xsum / width)
		}
		for x := 0; x < width; x++ {
			p.Y[z*width+x] = byte(ysum[x] / height)
		}
	}
	for i, sum := range zsum {
		p.Z[i] = byte(sum / depth)
	}
	return p
}
