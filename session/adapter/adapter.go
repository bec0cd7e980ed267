// Package adapter selects one session backend at startup and forwards every
// call to it under a bounded timeout.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/pdfbot/internal/logging"
	"github.com/mohammad-safakhou/pdfbot/internal/metrics"
	"github.com/mohammad-safakhou/pdfbot/session"
	"github.com/mohammad-safakhou/pdfbot/session/inmemory"
)

const tracerName = "github.com/mohammad-safakhou/pdfbot/session/adapter"

// Prober is implemented by backends that need a connectivity check before use.
type Prober interface {
	Probe(ctx context.Context) error
}

// Candidate is a backend offered to Select, in preference order.
type Candidate struct {
	Name  string
	Store session.Store
}

// Adapter is the session.Store the rest of the bot talks to.
type Adapter struct {
	store   session.Store
	timeout time.Duration
	tracer  trace.Tracer
	metrics *metrics.Metrics
	logger  *log.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout bounds every forwarded call.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

func WithLogger(l *log.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(a *Adapter) { a.tracer = t }
}

// Select probes candidates in order and wraps the first that answers. When
// none does, a process-local memory store is used.
func Select(ctx context.Context, candidates []Candidate, opts ...Option) *Adapter {
	a := &Adapter{
		timeout: 5 * time.Second,
		tracer:  otel.Tracer(tracerName),
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}

	for _, c := range candidates {
		if c.Store == nil {
			continue
		}
		if p, ok := c.Store.(Prober); ok {
			pctx, cancel := context.WithTimeout(ctx, a.timeout)
			err := p.Probe(pctx)
			cancel()
			if err != nil {
				a.logger.Warn("session backend unavailable, trying next", "backend", c.Name, "err", err)
				continue
			}
		}
		a.store = c.Store
		break
	}
	if a.store == nil {
		a.store = inmemory.NewInMemorySessionStore()
	}
	a.logger.Info("session backend selected", "backend", a.store.Kind())
	return a
}

var _ session.Store = (*Adapter)(nil)

// Kind names the selected backend.
func (a *Adapter) Kind() string { return a.store.Kind() }

// StorageType is Kind under the name the health endpoint reports.
func (a *Adapter) StorageType() string { return a.Kind() }

// Backend exposes the selected store.
func (a *Adapter) Backend() session.Store { return a.store }

func (a *Adapter) call(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := a.tracer.Start(ctx, "session."+op, trace.WithAttributes(
		append(attrs, attribute.String("session.backend", a.store.Kind()))...,
	))
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && !errors.Is(err, session.ErrUnavailable) && !session.IsRejection(err) && cctx.Err() != nil {
		err = fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	a.metrics.SessionOp(op, a.store.Kind(), err)
	if err != nil {
		span.RecordError(err)
		if !session.IsRejection(err) {
			span.SetStatus(codes.Error, err.Error())
		}
		if errors.Is(err, session.ErrUnavailable) {
			a.logger.Debug("session backend call failed", "op", op, "err", err)
		}
	}
	return err
}

func (a *Adapter) CreateSession(ctx context.Context, userID int64, meta session.Metadata) (string, error) {
	var id string
	err := a.call(ctx, "create", []attribute.KeyValue{attribute.Int64("user.id", userID)}, func(ctx context.Context) error {
		var err error
		id, err = a.store.CreateSession(ctx, userID, meta)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (a *Adapter) GetUserSession(ctx context.Context, userID int64) (string, error) {
	var id string
	err := a.call(ctx, "get_user_session", []attribute.KeyValue{attribute.Int64("user.id", userID)}, func(ctx context.Context) error {
		var err error
		id, err = a.store.GetUserSession(ctx, userID)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (a *Adapter) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var sess *session.Session
	err := a.call(ctx, "get_session", []attribute.KeyValue{attribute.String("session.id", id)}, func(ctx context.Context) error {
		var err error
		sess, err = a.store.GetSession(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (a *Adapter) AddItem(ctx context.Context, id, ref string, order int) (bool, error) {
	var ok bool
	err := a.call(ctx, "add_item", []attribute.KeyValue{
		attribute.String("session.id", id),
		attribute.Int("item.order", order),
	}, func(ctx context.Context) error {
		var err error
		ok, err = a.store.AddItem(ctx, id, ref, order)
		return err
	})
	return ok && err == nil, err
}

func (a *Adapter) GetItems(ctx context.Context, id string) ([]string, error) {
	var items []string
	err := a.call(ctx, "get_items", []attribute.KeyValue{attribute.String("session.id", id)}, func(ctx context.Context) error {
		var err error
		items, err = a.store.GetItems(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (a *Adapter) UpdateStatus(ctx context.Context, id string, status session.Status) error {
	return a.call(ctx, "update_status", []attribute.KeyValue{
		attribute.String("session.id", id),
		attribute.String("session.status", string(status)),
	}, func(ctx context.Context) error {
		return a.store.UpdateStatus(ctx, id, status)
	})
}

func (a *Adapter) UpdateMetadata(ctx context.Context, id string, meta session.Metadata) (bool, error) {
	var ok bool
	err := a.call(ctx, "update_metadata", []attribute.KeyValue{attribute.String("session.id", id)}, func(ctx context.Context) error {
		var err error
		ok, err = a.store.UpdateMetadata(ctx, id, meta)
		return err
	})
	return ok && err == nil, err
}

func (a *Adapter) DeleteSession(ctx context.Context, id string) error {
	return a.call(ctx, "delete", []attribute.KeyValue{attribute.String("session.id", id)}, func(ctx context.Context) error {
		return a.store.DeleteSession(ctx, id)
	})
}

func (a *Adapter) ListSessions(ctx context.Context) ([]session.Session, error) {
	var out []session.Session
	err := a.call(ctx, "list", nil, func(ctx context.Context) error {
		var err error
		out, err = a.store.ListSessions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) GetStats(ctx context.Context) session.Stats {
	var st session.Stats
	_ = a.call(ctx, "stats", nil, func(ctx context.Context) error {
		st = a.store.GetStats(ctx)
		return nil
	})
	return st
}
