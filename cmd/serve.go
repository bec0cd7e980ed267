package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/pdfbot/internal/logging"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the health/metrics server and the garbage collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			col, err := a.collector()
			if err != nil {
				return err
			}
			addr := serveAddr
			if addr == "" {
				addr = a.cfg.Server.Address
			}
			srv := a.server()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx, addr) })
			g.Go(func() error { return col.Run(gctx) })
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			logging.Component(a.logger, "SERVE").Info("stopped")
			return err
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")
	return serve
}
