// Package gc reclaims finished and abandoned sessions and stale temp files.
package gc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/pdfbot/config"
	"github.com/mohammad-safakhou/pdfbot/internal/fsutil"
	"github.com/mohammad-safakhou/pdfbot/internal/logging"
	"github.com/mohammad-safakhou/pdfbot/internal/metrics"
	"github.com/mohammad-safakhou/pdfbot/session"
)

// Report summarises one cycle.
type Report struct {
	CompletedDeleted int           `json:"completed_deleted"`
	ExpiredDeleted   int           `json:"expired_deleted"`
	FilesRemoved     int           `json:"files_removed"`
	DirsRemoved      int           `json:"dirs_removed"`
	Errors           int           `json:"errors"`
	SessionsSkipped  bool          `json:"sessions_skipped"`
	Duration         time.Duration `json:"duration"`
}

// Collector runs cleanup cycles against a session store and the temp directory.
type Collector struct {
	store    session.Store
	cfg      config.GCConfig
	ttl      time.Duration
	maxAge   time.Duration
	schedule *cronexpr.Expression
	lock     Locker
	logger   *log.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Collector.
type Option func(*Collector)

// WithLock makes session sweeps conditional on holding l.
func WithLock(l Locker) Option { return func(c *Collector) { c.lock = l } }

func WithLogger(l *log.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(c *Collector) { c.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Collector) { c.now = now } }

// New validates the schedule and builds a Collector.
func New(store session.Store, gcCfg config.GCConfig, sessCfg config.SessionConfig, opts ...Option) (*Collector, error) {
	c := &Collector{
		store:  store,
		cfg:    gcCfg,
		ttl:    sessCfg.TTL,
		maxAge: sessCfg.MaxAge,
		logger: logging.Discard(),
		now:    time.Now,
	}
	if spec := strings.TrimSpace(gcCfg.Schedule); spec != "" {
		expr, err := cronexpr.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("gc.schedule: %w", err)
		}
		c.schedule = expr
	} else if gcCfg.Interval <= 0 {
		return nil, fmt.Errorf("gc.interval must be > 0 when gc.schedule is empty")
	}
	if c.ttl <= 0 {
		c.ttl = 30 * time.Minute
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run executes cycles until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	for {
		wait := c.nextDelay()
		c.logger.Debug("next gc cycle", "in", wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			rep := c.RunOnce(ctx)
			c.logger.Info("gc cycle finished",
				"completed", rep.CompletedDeleted,
				"expired", rep.ExpiredDeleted,
				"files", rep.FilesRemoved,
				"dirs", rep.DirsRemoved,
				"errors", rep.Errors,
				"took", rep.Duration)
		}
	}
}

func (c *Collector) nextDelay() time.Duration {
	if c.schedule == nil {
		return c.cfg.Interval
	}
	now := c.now()
	next := c.schedule.Next(now)
	if next.IsZero() {
		return c.cfg.Interval
	}
	return next.Sub(now)
}

// RunOnce performs a single cycle. Per-item failures are counted and logged;
// the cycle always runs to completion.
func (c *Collector) RunOnce(ctx context.Context) Report {
	start := c.now()
	var rep Report

	live, listed := c.sweepSessions(ctx, &rep)
	c.sweepFiles(ctx, &rep)
	if listed {
		c.sweepSessionDirs(ctx, live, &rep)
	}

	rep.Duration = c.now().Sub(start)
	c.metrics.GCCycle(map[string]int{
		"completed_sessions": rep.CompletedDeleted,
		"expired_sessions":   rep.ExpiredDeleted,
		"files":              rep.FilesRemoved,
		"dirs":               rep.DirsRemoved,
	}, rep.Errors, rep.Duration)
	return rep
}

// sweepSessions deletes completed and expired sessions and returns the ids
// still alive. listed is false when the store could not be enumerated.
func (c *Collector) sweepSessions(ctx context.Context, rep *Report) (map[string]struct{}, bool) {
	all, err := c.store.ListSessions(ctx)
	if err != nil {
		rep.Errors++
		c.logger.Warn("cannot list sessions", "err", err)
		return nil, false
	}

	mayDelete := true
	if c.lock != nil {
		release, ok, err := c.lock.Acquire(ctx)
		switch {
		case err != nil:
			// deletes are idempotent, so an unreachable lock does not stop the sweep
			rep.Errors++
			c.logger.Warn("gc lock unavailable, sweeping without it", "err", err)
		case !ok:
			mayDelete = false
			rep.SessionsSkipped = true
		default:
			defer release()
		}
	}

	now := c.now()
	live := make(map[string]struct{}, len(all))
	for _, s := range all {
		expired := s.Status.Terminal() ||
			s.Idle(now) > c.ttl ||
			(c.maxAge > 0 && now.Sub(s.CreatedAt) > c.maxAge)
		if !expired || !mayDelete {
			live[s.ID] = struct{}{}
			continue
		}
		id := s.ID
		err := fsutil.RetryN(ctx, fsutil.DefaultAttempts, func() error {
			return c.store.DeleteSession(ctx, id)
		})
		if err != nil {
			rep.Errors++
			live[id] = struct{}{}
			c.logger.Warn("failed to delete session", "session", id, "err", err)
			continue
		}
		if s.Status.Terminal() {
			rep.CompletedDeleted++
		} else {
			rep.ExpiredDeleted++
		}
		c.logger.Debug("session reclaimed", "session", id, "status", s.Status)
	}
	return live, true
}

func (c *Collector) matches(name string) bool {
	for _, p := range c.cfg.Patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (c *Collector) oldEnough(info fs.FileInfo, now time.Time) bool {
	return now.Sub(info.ModTime()) >= c.cfg.MinFileAge
}

// sweepFiles removes temp files matching the configured patterns.
func (c *Collector) sweepFiles(ctx context.Context, rep *Report) {
	root := c.cfg.TempDir
	if root == "" {
		return
	}
	now := c.now()
	sessionsDir := filepath.Join(root, session.TempSessionsDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			rep.Errors++
			c.logger.Warn("cannot read temp entry", "path", path, "err", err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path == sessionsDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !c.matches(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || !c.oldEnough(info, now) {
			return nil
		}
		if err := fsutil.RemoveWithRetry(ctx, path); err != nil {
			rep.Errors++
			c.logger.Warn("failed to remove temp file", "path", path, "err", err)
			return nil
		}
		rep.FilesRemoved++
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("temp sweep aborted", "err", err)
	}
}

// sweepSessionDirs removes temp_sessions/<id> directories whose session is gone.
func (c *Collector) sweepSessionDirs(ctx context.Context, live map[string]struct{}, rep *Report) {
	if c.cfg.TempDir == "" {
		return
	}
	dir := filepath.Join(c.cfg.TempDir, session.TempSessionsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			rep.Errors++
			c.logger.Warn("cannot read session temp dirs", "err", err)
		}
		return
	}
	now := c.now()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := live[e.Name()]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil || !c.oldEnough(info, now) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := fsutil.RemoveWithRetry(ctx, path); err != nil {
			rep.Errors++
			c.logger.Warn("failed to remove session temp dir", "path", path, "err", err)
			continue
		}
		rep.DirsRemoved++
	}
}
