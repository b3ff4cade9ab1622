package main

import (
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tilewire/parser"
	"tilewire/pool"
	"tilewire/registry"
	"tilewire/server"
)

// newDecodeCommand runs the orchestrator side: it decodes files on in-process workers,
// on --worker addresses, or on workers found in etcd, and prints what came back.
func newDecodeCommand(ctx *commandContext) *cobra.Command {
	var workers []string
	var projections bool
	cmd := &cobra.Command{
		Use:   "decode FILE...",
		Short: "Decode image files on a worker pool",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			poolOpts, err := cfg.PoolOptions()
			if err != nil {
				return err
			}
			volumeOpts, err := cfg.VolumeOptions()
			if err != nil {
				return err
			}

			var factory pool.WorkerFactory
			switch {
			case len(workers) > 0:
				factory = pool.DialWorkers(workers, cfg.CodecType(), cfg.Worker.Heartbeat)
			case len(cfg.Worker.Etcd) > 0:
				etcd, err := registry.NewEtcdRegistry(cfg.Worker.Etcd, 5*time.Second)
				if err != nil {
					return err
				}
				defer etcd.Close()
				factory = pool.RemoteWorkers(etcd, cfg.Worker.Service, cfg.Worker.Heartbeat)
			default:
				srv := server.NewServer()
				parser.Register(srv, parser.DefaultDecoders(), volumeOpts...)
				factory = pool.LocalWorkers(srv)
			}

			p := pool.New(factory, poolOpts...)
			defer p.Close()

			sources := make([]parser.Source, len(args))
			for i, name := range args {
				sources[i] = parser.FileSource(name)
			}
			progress := func(done, total int) {
				logrus.WithFields(logrus.Fields{"done": done, "total": total}).Info("Decoding")
			}

			failed := 0
			out := cmd.OutOrStdout()
			for i, f := range parser.New(p, volumeOpts...).ProcessFiles(sources, progress, nil) {
				vol, err := f.Wait(cmd.Context())
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s\terror: %v\n", args[i], err)
					continue
				}
				if projections {
					if err := vol.GenerateProjections(cmd.Context()); err != nil {
						return err
					}
					vol.ScheduleStash(cfg.Residency.IdleStash)
				}
				fmt.Fprintf(out, "%s\t%dx%dx%d\t%s\n", args[i], vol.Width, vol.Height, vol.Depth,
					units.HumanSize(float64(vol.Size())))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&workers, "worker", nil, "Worker address to dial (repeatable)")
	cmd.Flags().BoolVar(&projections, "projections", false, "Also compute mean projections")
	return cmd
}
