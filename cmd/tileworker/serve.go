package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tilewire/middleware"
	"tilewire/parser"
	"tilewire/registry"
	"tilewire/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var listen, advertise string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a TCP worker that decodes files for orchestrators",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Worker.Listen = listen
			}
			if cmd.Flags().Changed("advertise") {
				cfg.Worker.Advertise = advertise
			}
			volumeOpts, err := cfg.VolumeOptions()
			if err != nil {
				return err
			}

			srv := server.NewServer(cfg.ServerOptions()...)
			log := logrus.WithField("component", "worker")
			srv.UseEvent(func(event string) middleware.Middleware {
				return middleware.LoggingMiddleware(event, log)
			})
			for _, mw := range cfg.Middlewares() {
				srv.Use(mw)
			}
			parser.Register(srv, parser.DefaultDecoders(), volumeOpts...)

			var reg registry.Registry
			if len(cfg.Worker.Etcd) > 0 {
				etcd, err := registry.NewEtcdRegistry(cfg.Worker.Etcd, 5*time.Second)
				if err != nil {
					return err
				}
				defer etcd.Close()
				reg = etcd
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(sigCtx)
			g.Go(func() error {
				return srv.Serve("tcp", cfg.Worker.Listen, cfg.Worker.Advertise, reg)
			})
			g.Go(func() error {
				<-gctx.Done()
				logrus.Info("Shutting down worker")
				return srv.Shutdown(shutdownTimeout)
			})
			if err := g.Wait(); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides worker.listen)")
	cmd.Flags().StringVar(&advertise, "advertise", "", "Address announced in etcd (overrides worker.advertise)")
	return cmd
}
