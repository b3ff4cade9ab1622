package parser

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tilewire/image"
	"tilewire/rpc"
	"tilewire/server"
)

// Decoder turns one file's bytes into a volume. progress is called as slices complete;
// it is safe to call from several goroutines but not after Decode returns.
type Decoder interface {
	Decode(ctx context.Context, data []byte, progress func(slice, slices int), opts ...image.Option) (*image.Volume, error)
}

// Decoders maps lower-case extensions (without the dot) to decoders.
type Decoders map[string]Decoder

// DefaultDecoders covers the 2D formats the standard library reads.
func DefaultDecoders() Decoders {
	d := Gray2D{}
	return Decoders{"png": d, "jpg": d, "jpeg": d, "gif": d}
}

// Register installs the file2Image listener on srv. Decoded volumes are sent back in
// their stored form, built with volumeOpts.
func Register(srv *server.Server, decoders Decoders, volumeOpts ...image.Option) {
	log := logrus.WithField("component", "parser")
	srv.Handle(EventDecode, func(ctx context.Context, args *rpc.Args) (any, error) {
		var data []byte
		if err := args.Decode(0, &data); err != nil {
			return nil, err
		}
		var ext string
		if err := args.Decode(1, &ext); err != nil {
			return nil, err
		}
		dec, ok := decoders[ext]
		if !ok {
			return nil, errors.Errorf("unsupported file type %q", ext)
		}

		// Reports are not awaited one by one, only before the result goes back
		var (
			mu      sync.Mutex
			reports []*rpc.Future
		)
		progress := func(int, int) {}
		if args.HasCallback(2) {
			cb, _ := args.Callback(2)
			progress = func(slice, slices int) {
				f := cb.Call(slice, slices)
				mu.Lock()
				reports = append(reports, f)
				mu.Unlock()
			}
		}

		vol, err := dec.Decode(ctx, data, progress, volumeOpts...)
		mu.Lock()
		sent := reports
		mu.Unlock()
		for _, r := range sent {
			if _, rerr := r.Wait(ctx); rerr != nil {
				log.WithError(rerr).Debug("Progress report failed")
			}
		}
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", ext)
		}
		log.WithFields(logrus.Fields{
			"width":  vol.Width,
			"height": vol.Height,
			"depth":  vol.Depth,
		}).Debug("Decoded file")
		return vol.ToTransferable()
	})
}
