package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func gcCMD(cfgPath *string) *cobra.Command {
	var once bool
	var cmd = &cobra.Command{
		Use:   "gc",
		Short: "Reclaim finished and expired sessions and stale temp files",
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
			if !once {
				if err := col.Run(ctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
			rep := col.RunOnce(ctx)
			a.logger.Info("gc cycle finished",
				"completed", rep.CompletedDeleted,
				"expired", rep.ExpiredDeleted,
				"files", rep.FilesRemoved,
				"dirs", rep.DirsRemoved,
				"errors", rep.Errors,
				"sessions_skipped", rep.SessionsSkipped,
				"took", rep.Duration)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	return cmd
}
