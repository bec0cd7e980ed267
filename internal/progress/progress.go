// Package progress delivers task progress to whoever is watching.
//
// Notifications are fire-and-forget: a sink never blocks or fails the operation
// that reports through it.
package progress

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// Statuses reported by the pipeline.
const (
	StatusDownloading = "downloading"
	StatusConverting  = "converting"
	StatusCompressing = "compressing"
	StatusMerging     = "merging"
	StatusUploading   = "uploading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCancelled   = "cancelled"
)

// IsTerminal reports whether status ends a task.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Sink receives progress updates.
type Sink interface {
	Notify(ctx context.Context, taskID string, percent int, status string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, taskID string, percent int, status string)

func (f SinkFunc) Notify(ctx context.Context, taskID string, percent int, status string) {
	f(ctx, taskID, percent, status)
}

// Nop discards every update.
var Nop Sink = SinkFunc(func(context.Context, string, int, string) {})

const (
	barBlocks = 10
	filled    = "⬢"
	empty     = "⬡"
)

// Bar renders percent as ten hexagon blocks, e.g. "[⬢⬢⬢⬢⬡⬡⬡⬡⬡⬡] 40%".
func Bar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	n := percent / (100 / barBlocks)
	return fmt.Sprintf("[%s%s] %d%%", strings.Repeat(filled, n), strings.Repeat(empty, barBlocks-n), percent)
}

// LogSink writes each update to a logger.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Notify(_ context.Context, taskID string, percent int, status string) {
	if s.Logger == nil {
		return
	}
	s.Logger.Info("progress", "task", taskID, "bar", Bar(percent), "status", status)
}

// MultiSink fans an update out to every sink.
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, taskID string, percent int, status string) {
	for _, s := range m {
		if s != nil {
			s.Notify(ctx, taskID, percent, status)
		}
	}
}

type lastUpdate struct {
	limiter *rate.Limiter
	percent int
	status  string
}

// ThrottledSink forwards at most one intermediate update per interval for each
// task. The first update (0%), the last (100%) and terminal statuses always
// pass; repeats of the previous update are dropped.
type ThrottledSink struct {
	next     Sink
	interval time.Duration
	mu       sync.Mutex
	tasks    map[string]*lastUpdate
}

// NewThrottledSink wraps next. Chat transports limit message edits, so the
// interval usually sits around a second.
func NewThrottledSink(next Sink, interval time.Duration) *ThrottledSink {
	if interval <= 0 {
		interval = time.Second
	}
	return &ThrottledSink{next: next, interval: interval, tasks: make(map[string]*lastUpdate)}
}

func (t *ThrottledSink) Notify(ctx context.Context, taskID string, percent int, status string) {
	if t.admit(taskID, percent, status) {
		t.next.Notify(ctx, taskID, percent, status)
	}
}

func (t *ThrottledSink) admit(taskID string, percent int, status string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	terminal := IsTerminal(status)
	st, ok := t.tasks[taskID]
	if !ok {
		st = &lastUpdate{limiter: rate.NewLimiter(rate.Every(t.interval), 1), percent: -1}
		t.tasks[taskID] = st
	}
	if terminal {
		delete(t.tasks, taskID)
		return true
	}
	if st.percent == percent && st.status == status {
		return false
	}
	force := percent <= 0 || percent >= 100
	if !force && !st.limiter.Allow() {
		return false
	}
	if force {
		// consume a token so the next intermediate update still waits its turn
		st.limiter.Allow()
	}
	st.percent, st.status = percent, status
	return true
}

// Pending is the number of tasks with throttle state.
func (t *ThrottledSink) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
