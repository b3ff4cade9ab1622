package parser

import (
	"bytes"
	"context"
	goimage "image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilewire/image"
	"tilewire/pool"
	"tilewire/rpc"
	"tilewire/server"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := goimage.NewGray(goimage.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(i * 7)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newParser(t *testing.T) *Parser {
	t.Helper()
	srv := server.NewServer()
	Register(srv, DefaultDecoders(), image.WithCodec(image.RawCodec{}))
	p := pool.New(pool.LocalWorkers(srv), pool.WithSize(2))
	t.Cleanup(func() { p.Close() })
	return New(p)
}

func TestProcessFiles(t *testing.T) {
	parser := newParser(t)

	var mu sync.Mutex
	var seen []int
	var slices [][3]int
	sources := []Source{
		BytesSource{Filename: "tile_0.PNG", Data: encodePNG(t, 3, 2)},
		BytesSource{Filename: "notes.txt", Data: []byte("x")},
		FileSource(filepath.Join(t.TempDir(), "missing.png")),
	}
	futures := parser.ProcessFiles(sources,
		func(done, total int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, 3, total)
			seen = append(seen, done)
		},
		func(index, slice, n int) {
			mu.Lock()
			defer mu.Unlock()
			slices = append(slices, [3]int{index, slice, n})
		})
	require.Len(t, futures, 3)

	vol, err := futures[0].Get()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, []int{vol.Width, vol.Height, vol.Depth})
	assert.Equal(t, image.StatusStashed, vol.Status())
	data, err := vol.Bytes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 7, 14, 21, 28, 35}, data)

	_, err = futures[1].Get()
	var remote *rpc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, `unsupported file type "txt"`)

	_, err = futures[2].Get()
	assert.ErrorContains(t, err, "missing.png")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int{1, 2, 3}, seen)
	assert.Equal(t, [][3]int{{0, 1, 1}}, slices)
}

func TestGray2DLuma(t *testing.T) {
	img := goimage.NewRGBA(goimage.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 0, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	calls := 0
	vol, err := Gray2D{}.Decode(context.Background(), buf.Bytes(), func(slice, slices int) {
		calls++
		assert.Equal(t, 1, slice)
		assert.Equal(t, 1, slices)
	})
	require.NoError(t, err)
	data, err := vol.Bytes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{76, 255}, data)
	assert.Equal(t, 1, calls)

	_, err = Gray2D{}.Decode(context.Background(), []byte("not an image"), func(int, int) {})
	assert.Error(t, err)
}

func TestExt(t *testing.T) {
	assert.Equal(t, "tif", Ext("stack/slice.TIF"))
	assert.Equal(t, "", Ext("README"))
}

// stackDecoder decodes "stk" files as depth one-pixel slices in parallel, reporting each
// slice from its own goroutine.
type stackDecoder struct{ depth int }

func (d stackDecoder) Decode(ctx context.Context, data []byte, progress func(slice, slices int), opts ...image.Option) (*image.Volume, error) {
	buf := make([]byte, d.depth)
	var wg sync.WaitGroup
	for z := 0; z < d.depth; z++ {
		wg.Add(1)
		go func(z int) {
			defer wg.Done()
			buf[z] = data[0] + byte(z)
			progress(z+1, d.depth)
		}(z)
	}
	wg.Wait()
	return image.NewVolume(1, 1, d.depth, buf, opts...)
}

func TestConcurrentSliceProgress(t *testing.T) {
	const depth = 32
	srv := server.NewServer()
	Register(srv, Decoders{"stk": stackDecoder{depth: depth}}, image.WithCodec(image.RawCodec{}))
	p := pool.New(pool.LocalWorkers(srv), pool.WithSize(1))
	defer p.Close()

	var mu sync.Mutex
	reported := map[int]bool{}
	futures := New(p).ProcessFiles([]Source{BytesSource{Filename: "a.stk", Data: []byte{10}}}, nil,
		func(index, slice, n int) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, depth, n)
			reported[slice] = true
		})

	vol, err := futures[0].Get()
	require.NoError(t, err)
	data, err := vol.Bytes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(10), data[0])
	assert.Equal(t, byte(10+depth-1), data[depth-1])

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, reported, depth, "every report is delivered before the result")
}
