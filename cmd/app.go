package main

import (
	"context"
	"os"

	"github.com/charmbracelet/log"

	"github.com/mohammad-safakhou/pdfbot/config"
	"github.com/mohammad-safakhou/pdfbot/internal/gc"
	"github.com/mohammad-safakhou/pdfbot/internal/logging"
	"github.com/mohammad-safakhou/pdfbot/internal/metrics"
	"github.com/mohammad-safakhou/pdfbot/internal/pipeline"
	"github.com/mohammad-safakhou/pdfbot/internal/progress"
	"github.com/mohammad-safakhou/pdfbot/internal/ratelimit"
	"github.com/mohammad-safakhou/pdfbot/internal/server"
	"github.com/mohammad-safakhou/pdfbot/internal/tasks"
	"github.com/mohammad-safakhou/pdfbot/internal/transform"
	"github.com/mohammad-safakhou/pdfbot/session/adapter"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	metrics  *metrics.Metrics
	tasks    *tasks.Registry
	limits   *ratelimit.Set
	sessions *adapter.Adapter
	res      *adapter.Resources
}

func loadApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	level := cfg.General.LogLevel
	if cfg.General.Debug {
		level = "debug"
	}
	logger := logging.New(os.Stderr, level)
	m := metrics.New()

	sessions, res, err := adapter.Build(ctx, cfg, logging.Component(logger, "SESSION"), m)
	if err != nil {
		return nil, err
	}
	logger.Info("session backend selected", "storage_type", sessions.StorageType())

	a := &app{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		tasks:    tasks.NewRegistry(),
		limits:   ratelimit.NewSet(cfg.Limits.ByClass()),
		sessions: sessions,
		res:      res,
	}
	m.RegisterGauge("active_tasks", "Tasks currently running.", func() float64 { return float64(a.tasks.Len()) })
	return a, nil
}

func (a *app) Close() {
	a.res.Close()
}

// server exposes health, stats, metrics and cancellation for the tasks run by
// this process's pipelines.
func (a *app) server() *server.Server {
	return server.New(server.Deps{
		Sessions:     a.sessions,
		Tasks:        a.tasks,
		Limits:       a.limits,
		Metrics:      a.metrics,
		Logger:       a.logger,
		StatsTimeout: a.cfg.Session.CallTimeout,
	})
}

// collector builds the garbage collector. The Redis lock is used only when
// Redis is the selected backend.
func (a *app) collector() (*gc.Collector, error) {
	opts := []gc.Option{
		gc.WithLogger(logging.Component(a.logger, "GC")),
		gc.WithMetrics(a.metrics),
	}
	if a.res.Redis != nil && a.sessions.Kind() == config.BackendRedis {
		opts = append(opts, gc.WithLock(gc.NewRedisLock(a.res.Redis, gc.DefaultLockKey, a.cfg.GC.LockTTL)))
	}
	return gc.New(a.sessions, a.cfg.GC, a.cfg.Session, opts...)
}

// localPipeline runs actions against local files and writes results to outDir.
func (a *app) localPipeline(outDir string) (*pipeline.Pipeline, error) {
	if err := os.MkdirAll(a.cfg.GC.TempDir, 0o755); err != nil {
		return nil, err
	}
	sink := progress.NewThrottledSink(progress.LogSink{Logger: logging.Component(a.logger, "PROGRESS")}, progressInterval)
	return pipeline.New(pipeline.Deps{
		Limits:      a.limits,
		Tasks:       a.tasks,
		Sessions:    a.sessions,
		Transformer: transform.NewCommandTransformer(a.cfg.Transform, logging.Component(a.logger, "TRANSFORM")),
		Fetcher:     pipeline.LocalFetcher{},
		Deliverer:   pipeline.DirDeliverer{Dir: outDir},
		Sink:        sink,
		TempDir:     a.cfg.GC.TempDir,
		Metrics:     a.metrics,
		Logger:      a.logger,
	})
}
