// Package pipeline drives user actions through admission, task tracking, the
// transformer and delivery. Every call ends in exactly one Outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/mohammad-safakhou/pdfbot/internal/logging"
	"github.com/mohammad-safakhou/pdfbot/internal/metrics"
	"github.com/mohammad-safakhou/pdfbot/internal/progress"
	"github.com/mohammad-safakhou/pdfbot/internal/ratelimit"
	"github.com/mohammad-safakhou/pdfbot/internal/tasks"
	"github.com/mohammad-safakhou/pdfbot/internal/transform"
	"github.com/mohammad-safakhou/pdfbot/session"
)

var (
	// ErrNoSession is returned when the user has no open collection.
	ErrNoSession = errors.New("no active collection session")
	// ErrNoItems is returned when a collection is finalized before anything was added.
	ErrNoItems = errors.New("no items collected")
	// ErrFinalizing is returned when the user's collection is already being merged.
	ErrFinalizing = errors.New("collection is already being finalized")
	// ErrNoReduction is the failure reason when compression could not shrink the file.
	ErrNoReduction = errors.New("file could not be compressed further")
	// ErrTransformFailed is the failure reason when the codec produced no output.
	ErrTransformFailed = errors.New("transform produced no output")
)

// RateLimitedError is returned when admission control rejects an action.
type RateLimitedError struct {
	Class      string
	RetryAfter int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded, retry after %ds", e.Class, e.RetryAfter)
}

// Fetcher downloads the blob behind a transport reference to dst.
type Fetcher interface {
	Fetch(ctx context.Context, ref, dst string) error
}

// Delivery is a finished file on its way back to the user.
type Delivery struct {
	UserID   int64
	TaskID   string
	Path     string
	Filename string
	Caption  string
}

// Deliverer sends a result back over the chat transport.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Outcome is the terminal state of one action.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	Cancelled Outcome = "cancelled"
	Rejected  Outcome = "rejected"
)

// Result reports how an action ended. Err is set for Failed and Rejected.
type Result struct {
	TaskID     string
	Outcome    Outcome
	Err        error
	RetryAfter int
	Filename   string
	SizeBefore int64
	SizeAfter  int64
}

// Summary renders the size change, e.g. "1.2 MB → 300 kB (75% smaller)".
func (r Result) Summary() string {
	if r.SizeBefore <= 0 || r.SizeAfter <= 0 {
		return ""
	}
	s := fmt.Sprintf("%s → %s", humanize.Bytes(uint64(r.SizeBefore)), humanize.Bytes(uint64(r.SizeAfter)))
	if r.SizeAfter < r.SizeBefore {
		saved := 100 * float64(r.SizeBefore-r.SizeAfter) / float64(r.SizeBefore)
		s += fmt.Sprintf(" (%.0f%% smaller)", saved)
	}
	return s
}

// Estimate is the predicted output of one compression level.
type Estimate struct {
	Level transform.Level
	Label string
	Size  int64
	Human string
}

// Estimates lists the predicted sizes offered before the user picks a level.
func Estimates(size int64) []Estimate {
	levels := []transform.Level{transform.LevelPrinter, transform.LevelEbook, transform.LevelScreen}
	out := make([]Estimate, 0, len(levels))
	for _, l := range levels {
		est := transform.EstimateCompressedSize(size, l)
		out = append(out, Estimate{Level: l, Label: l.Label(), Size: est, Human: humanize.Bytes(uint64(est))})
	}
	return out
}

// Request is one single-file action.
type Request struct {
	// TaskID is optional; an empty id is generated.
	TaskID string
	UserID int64
	// Ref identifies the source file on the transport.
	Ref string
	// Name is the source file name as the user sent it.
	Name string
	// Filename is the requested output name.
	Filename string
	PageMode session.PageMode
	Level    transform.Level
}

// Deps are the collaborators of a Pipeline. Limits, Sink, Metrics, Logger and
// Clock are optional.
type Deps struct {
	Limits      *ratelimit.Set
	Tasks       *tasks.Registry
	Sessions    session.Store
	Transformer transform.Transformer
	Fetcher     Fetcher
	Deliverer   Deliverer
	Sink        progress.Sink
	TempDir     string
	Metrics     *metrics.Metrics
	Logger      *log.Logger
	Clock       func() time.Time
}

// Pipeline runs convert, compress and collection actions.
type Pipeline struct {
	limits      *ratelimit.Set
	tasks       *tasks.Registry
	sessions    session.Store
	transformer transform.Transformer
	fetcher     Fetcher
	deliverer   Deliverer
	sink        progress.Sink
	tempDir     string
	metrics     *metrics.Metrics
	logger      *log.Logger
	now         func() time.Time

	mu         sync.Mutex
	finalizing map[int64]struct{}
}

func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Tasks == nil:
		return nil, fmt.Errorf("pipeline: task registry required")
	case d.Sessions == nil:
		return nil, fmt.Errorf("pipeline: session store required")
	case d.Transformer == nil:
		return nil, fmt.Errorf("pipeline: transformer required")
	case d.Fetcher == nil || d.Deliverer == nil:
		return nil, fmt.Errorf("pipeline: fetcher and deliverer required")
	case strings.TrimSpace(d.TempDir) == "":
		return nil, fmt.Errorf("pipeline: temp dir required")
	}
	p := &Pipeline{
		limits:      d.Limits,
		tasks:       d.Tasks,
		sessions:    d.Sessions,
		transformer: d.Transformer,
		fetcher:     d.Fetcher,
		deliverer:   d.Deliverer,
		sink:        d.Sink,
		tempDir:     d.TempDir,
		metrics:     d.Metrics,
		logger:      logging.Discard(),
		now:         d.Clock,
		finalizing:  make(map[int64]struct{}),
	}
	if p.sink == nil {
		p.sink = progress.Nop
	}
	if d.Logger != nil {
		p.logger = logging.Component(d.Logger, "PIPELINE")
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

func (p *Pipeline) admit(class string, userID int64) *RateLimitedError {
	ok, retry := p.limits.Allow(class, userID)
	if ok {
		return nil
	}
	p.metrics.RateLimited(class)
	p.logger.Debug("rate limited", "class", class, "user", userID, "retry_after", retry)
	return &RateLimitedError{Class: class, RetryAfter: retry}
}

func (p *Pipeline) rejected(op, taskID string, rl *RateLimitedError) Result {
	p.metrics.TaskFinished(op, string(Rejected), 0)
	return Result{TaskID: taskID, Outcome: Rejected, Err: rl, RetryAfter: rl.RetryAfter}
}

// run tracks one registered task from its first checkpoint to its outcome.
type run struct {
	p     *Pipeline
	op    string
	h     *tasks.Handle
	start time.Time
}

func (p *Pipeline) begin(op string, userID int64, taskID string, meta map[string]string) (*run, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	meta["operation"] = op
	h, err := p.tasks.Register(taskID, userID, meta)
	if err != nil {
		p.metrics.TaskFinished(op, string(Failed), 0)
		return nil, err
	}
	return &run{p: p, op: op, h: h, start: p.now()}, nil
}

// checkpoint stops the run when cancellation was requested.
func (r *run) checkpoint(ctx context.Context) error {
	if err := r.h.Token().Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", tasks.ErrCancelled, err)
	}
	return nil
}

func (r *run) step(ctx context.Context, percent int, status string) error {
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.h.SetProgress(percent)
	r.p.sink.Notify(ctx, r.h.ID(), percent, status)
	return nil
}

// finish maps err to the outcome and emits the terminal notification.
func (r *run) finish(ctx context.Context, res Result, err error) Result {
	ctx = context.WithoutCancel(ctx)
	res.TaskID = r.h.ID()
	switch {
	case err == nil:
		res.Outcome = Succeeded
		r.h.SetProgress(100)
		r.p.sink.Notify(ctx, r.h.ID(), 100, progress.StatusCompleted)
		r.p.logger.Info("task completed", "task", r.h.ID(), "operation", r.op, "file", res.Filename)
	case errors.Is(err, tasks.ErrCancelled):
		res.Outcome = Cancelled
		r.p.sink.Notify(ctx, r.h.ID(), r.h.Progress(), progress.StatusCancelled)
		r.p.logger.Info("task cancelled", "task", r.h.ID(), "operation", r.op)
	default:
		res.Outcome = Failed
		res.Err = err
		r.p.sink.Notify(ctx, r.h.ID(), r.h.Progress(), progress.StatusFailed)
		r.p.logger.Warn("task failed", "task", r.h.ID(), "operation", r.op, "err", err)
	}
	r.p.metrics.TaskFinished(r.op, string(res.Outcome), r.p.now().Sub(r.start))
	r.h.Release()
	return res
}

func ensurePDF(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return ""
	}
	if !strings.HasSuffix(strings.ToLower(name), session.OutputExtension) {
		name += session.OutputExtension
	}
	return name
}
