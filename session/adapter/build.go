package adapter

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/pdfbot/config"
	"github.com/mohammad-safakhou/pdfbot/internal/blob"
	"github.com/mohammad-safakhou/pdfbot/internal/db"
	"github.com/mohammad-safakhou/pdfbot/internal/logging"
	"github.com/mohammad-safakhou/pdfbot/internal/metrics"
	"github.com/mohammad-safakhou/pdfbot/session/inmemory"
	"github.com/mohammad-safakhou/pdfbot/session/persistent"
	redis_session "github.com/mohammad-safakhou/pdfbot/session/redis"
)

// Resources holds the connections opened by Build so other components (the GC
// lock, the migrate command) can share them. Close releases everything.
type Resources struct {
	Redis *redis.Client
	DB    *sql.DB
	Blobs blob.Store
}

func (r *Resources) Close() {
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
	if r.DB != nil {
		_ = r.DB.Close()
	}
	if c, ok := r.Blobs.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// NewRedisClient builds a client from configuration without connecting.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
}

// Build opens the configured backends in cfg.Session.BackendPreference order
// and selects the first reachable one. Backends that are not configured or
// fail to open are skipped.
func Build(ctx context.Context, cfg *config.Config, logger *log.Logger, m *metrics.Metrics) (*Adapter, *Resources, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	res := &Resources{}
	scfg := cfg.Session.Normalize()
	var candidates []Candidate

	for _, name := range scfg.BackendPreference {
		switch name {
		case config.BackendRedis:
			if !cfg.Storage.Redis.Configured() {
				continue
			}
			if res.Redis == nil {
				res.Redis = NewRedisClient(cfg.Storage.Redis)
			}
			candidates = append(candidates, Candidate{
				Name:  name,
				Store: redis_session.NewRedisSessionStore(res.Redis, scfg.CacheTTL),
			})
		case config.BackendPersistent:
			if !cfg.Storage.Postgres.Configured() {
				continue
			}
			st, err := openPersistent(ctx, cfg, res, logger)
			if err != nil {
				logger.Warn("persistent session backend not available", "err", err)
				continue
			}
			candidates = append(candidates, Candidate{Name: name, Store: st})
		case config.BackendMemory:
			candidates = append(candidates, Candidate{Name: name, Store: inmemory.NewInMemorySessionStore()})
		}
	}

	a := Select(ctx, candidates,
		WithTimeout(scfg.CallTimeout),
		WithMetrics(m),
		WithLogger(logger),
	)
	return a, res, nil
}

func openPersistent(ctx context.Context, cfg *config.Config, res *Resources, logger *log.Logger) (*persistent.Store, error) {
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return nil, err
	}
	if res.DB == nil {
		conn, err := db.Open(ctx, dsn, cfg.Storage.Postgres.Timeout)
		if err != nil {
			return nil, err
		}
		res.DB = conn
	}
	if res.Blobs == nil {
		bs, err := blob.New(ctx, cfg.Storage.Blob)
		if err != nil {
			return nil, err
		}
		res.Blobs = bs
	}
	return persistent.New(res.DB, res.Blobs, cfg.GC.TempDir, persistent.WithLogger(logger)), nil
}
