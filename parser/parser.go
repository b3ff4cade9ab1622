// Package parser decodes image files into volumes on pool workers.
//
//	orchestrator                           worker
//	ProcessFiles ─ file2Image(bytes, ext, progress) ─→ Decoder → Volume.ToTransferable
//	     ↑                                                │
//	FromTransferable ←──────── Transfer (binary) ─────────┘
package parser

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tilewire/future"
	"tilewire/image"
	"tilewire/pool"
	"tilewire/rpc"
)

// EventDecode is the event workers handle to decode one file.
const EventDecode = "file2Image"

// Source is one file to decode. Its contents are read only when a worker is ready for it.
type Source interface {
	Name() string
	ReadAll(ctx context.Context) ([]byte, error)
}

// FileSource reads a file from disk.
type FileSource string

func (f FileSource) Name() string { return string(f) }

func (f FileSource) ReadAll(ctx context.Context) ([]byte, error) {
	return os.ReadFile(string(f))
}

// BytesSource is an in-memory file.
type BytesSource struct {
	Filename string
	Data     []byte
}

func (b BytesSource) Name() string { return b.Filename }

func (b BytesSource) ReadAll(context.Context) ([]byte, error) { return b.Data, nil }

// Ext returns the lower-case extension of name without the dot.
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Progress is told how many files have settled, successfully or not.
type Progress func(done, total int)

// SliceProgress is told about slices decoded within file number index.
type SliceProgress func(index, slice, slices int)

type Parser struct {
	pool    *pool.Pool
	volumes []image.Option
	log     *logrus.Entry
}

// New creates a parser on p. volumeOpts apply to every volume it rebuilds.
func New(p *pool.Pool, volumeOpts ...image.Option) *Parser {
	return &Parser{
		pool:    p,
		volumes: volumeOpts,
		log:     logrus.WithField("component", "parser"),
	}
}

// ProcessFiles decodes every source on the pool and returns one future per source, in
// order. The volumes come back stashed. progress and slices may be nil.
func (p *Parser) ProcessFiles(sources []Source, progress Progress, slices SliceProgress) []*future.Future[*image.Volume] {
	producers := make([]pool.ArgProducer, len(sources))
	for i, src := range sources {
		src := src
		producers[i] = func(ctx context.Context, index int) ([]any, error) {
			data, err := src.ReadAll(ctx)
			if err != nil {
				return nil, errors.Wrapf(err, "read %s", src.Name())
			}
			report := rpc.Listener(func(ctx context.Context, args *rpc.Args) (any, error) {
				var slice, total int
				if err := args.Decode(0, &slice); err != nil {
					return nil, err
				}
				if err := args.Decode(1, &total); err != nil {
					return nil, err
				}
				if slices != nil {
					slices(index, slice, total)
				}
				return nil, nil
			})
			return []any{data, Ext(src.Name()), report}, nil
		}
	}

	total := len(sources)
	var done atomic.Int32
	settled := func() {
		n := int(done.Add(1))
		if progress != nil {
			progress(n, total)
		}
	}

	replies := p.pool.SubmitBulk(EventDecode, producers)
	out := make([]*future.Future[*image.Volume], len(replies))
	for i, reply := range replies {
		out[i] = future.New[*image.Volume]()
		go func(i int, reply *rpc.Future) {
			defer settled()
			vol, err := p.rebuild(reply)
			if err != nil {
				p.log.WithError(err).WithField("file", sources[i].Name()).Error("Failed to decode file")
				out[i].Reject(err)
				return
			}
			out[i].Resolve(vol)
		}(i, reply)
	}
	return out
}

func (p *Parser) rebuild(reply *rpc.Future) (*image.Volume, error) {
	r, err := reply.Get()
	if err != nil {
		return nil, err
	}
	var t image.Transfer
	if err := r.Decode(&t); err != nil {
		return nil, errors.Wrap(err, "decode transfer")
	}
	return image.FromTransferable(&t, p.volumes...)
}
