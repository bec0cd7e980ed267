package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/pdfbot/internal/pipeline"
	"github.com/mohammad-safakhou/pdfbot/internal/transform"
	"github.com/mohammad-safakhou/pdfbot/session"
)

// progressInterval matches the edit rate a chat transport tolerates.
const progressInterval = 2 * time.Second

type processFlags struct {
	outDir   string
	name     string
	mode     string
	user     int64
	httpAddr string
}

func (f *processFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.outDir, "out", "o", ".", "directory for the result")
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "output file name")
	cmd.Flags().StringVar(&f.mode, "mode", "fixed", "page mode: fixed or autofit")
	cmd.Flags().Int64Var(&f.user, "user", int64(os.Getuid()), "user id the action is accounted to")
	cmd.Flags().StringVar(&f.httpAddr, "http", "", "serve health and task cancellation on this address while running")
}

func (f *processFlags) pageMode() (session.PageMode, error) {
	mode, ok := session.ParsePageMode(f.mode)
	if !ok {
		return "", fmt.Errorf("unknown page mode %q", f.mode)
	}
	return mode, nil
}

func report(cmd *cobra.Command, res pipeline.Result) error {
	switch res.Outcome {
	case pipeline.Succeeded:
		line := fmt.Sprintf("%s written", res.Filename)
		if s := res.Summary(); s != "" {
			line += ": " + s
		}
		cmd.Println(line)
		return nil
	case pipeline.Cancelled:
		return fmt.Errorf("task %s cancelled", res.TaskID)
	}
	return res.Err
}

// runLocal loads the app, builds a file-backed pipeline and hands it to fn.
// With --http the server shares the pipeline's task registry, so a running
// task can be cancelled through POST /tasks/:id/cancel.
func runLocal(cmd *cobra.Command, cfgPath string, f *processFlags, fn func(context.Context, *pipeline.Pipeline) error) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	p, err := a.localPipeline(f.outDir)
	if err != nil {
		return err
	}
	if f.httpAddr == "" {
		return fn(ctx, p)
	}

	srvCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(srvCtx)
	g.Go(func() error { return a.server().Run(gctx, f.httpAddr) })
	g.Go(func() error {
		defer stop()
		return fn(gctx, p)
	})
	return g.Wait()
}

func convertCMD(cfgPath *string) *cobra.Command {
	var f processFlags
	cmd := &cobra.Command{
		Use:   "convert <image>",
		Short: "Convert an image to PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := f.pageMode()
			if err != nil {
				return err
			}
			return runLocal(cmd, *cfgPath, &f, func(ctx context.Context, p *pipeline.Pipeline) error {
				return report(cmd, p.Convert(ctx, pipeline.Request{
					UserID:   f.user,
					Ref:      args[0],
					Name:     filepath.Base(args[0]),
					Filename: f.name,
					PageMode: mode,
				}))
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func compressCMD(cfgPath *string) *cobra.Command {
	var f processFlags
	var level string
	cmd := &cobra.Command{
		Use:   "compress <pdf>",
		Short: "Compress a PDF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := transform.ParseLevel(level)
			if err != nil {
				return err
			}
			if st, err := os.Stat(args[0]); err == nil {
				cmd.Printf("%s (%s), estimated results:\n", filepath.Base(args[0]), humanize.Bytes(uint64(st.Size())))
				for _, e := range pipeline.Estimates(st.Size()) {
					cmd.Printf("  %d %-16s ~%s\n", e.Level, e.Label, e.Human)
				}
			}
			return runLocal(cmd, *cfgPath, &f, func(ctx context.Context, p *pipeline.Pipeline) error {
				return report(cmd, p.Compress(ctx, pipeline.Request{
					UserID:   f.user,
					Ref:      args[0],
					Name:     filepath.Base(args[0]),
					Filename: f.name,
					Level:    lvl,
				}))
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVarP(&level, "level", "l", "3", "compression level: 2 (printer), 3 (ebook), 4 (screen)")
	return cmd
}

// mergeCMD drives a full collection session: start, one add per image, finalize.
func mergeCMD(cfgPath *string) *cobra.Command {
	var f processFlags
	cmd := &cobra.Command{
		Use:   "merge <image>...",
		Short: "Collect several images into one PDF",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := f.pageMode()
			if err != nil {
				return err
			}
			startArgs := strings.TrimSpace(string(mode) + " " + f.name)
			return runLocal(cmd, *cfgPath, &f, func(ctx context.Context, p *pipeline.Pipeline) error {
				if _, _, err := p.StartCollection(ctx, f.user, startArgs); err != nil {
					return err
				}
				for _, img := range args {
					if _, err := p.AddItem(ctx, f.user, img); err != nil {
						_, _ = p.CancelCollection(ctx, f.user)
						return fmt.Errorf("add %s: %w", img, err)
					}
				}
				return report(cmd, p.Finalize(ctx, f.user, ""))
			})
		},
	}
	f.bind(cmd)
	return cmd
}
