// Package tasks tracks in-flight cancellable operations and their progress.
//
// Cancellation is cooperative: a running operation receives a Token and checks
// it at its own checkpoints. Nothing here interrupts in-flight I/O.
package tasks

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrCancelled is returned by Token.Err once cancellation was requested.
var ErrCancelled = errors.New("task cancelled")

// DuplicateTaskError is returned when a task id is registered twice.
type DuplicateTaskError struct {
	ID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %q already registered", e.ID)
}

// Token is the cancellation flag handed to an operation. Once cancelled it stays cancelled.
type Token struct {
	cancelled atomic.Bool
}

// Cancel sets the flag and reports whether this call was the one that flipped it.
func (t *Token) Cancel() bool {
	if t == nil {
		return false
	}
	return t.cancelled.CompareAndSwap(false, true)
}

// Cancelled reports whether cancellation was requested. A nil token is never cancelled.
func (t *Token) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Err returns ErrCancelled after cancellation, nil before.
func (t *Token) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

type entry struct {
	id        string
	userID    int64
	metadata  map[string]string
	startedAt time.Time
	token     *Token
	progress  atomic.Int32
}

// Snapshot is a read-only copy of a task's state.
type Snapshot struct {
	ID        string            `json:"id"`
	UserID    int64             `json:"user_id"`
	Cancelled bool              `json:"cancelled"`
	Progress  int               `json:"progress"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	StartedAt time.Time         `json:"started_at"`
}

func (e *entry) snapshot() Snapshot {
	meta := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		meta[k] = v
	}
	return Snapshot{
		ID:        e.id,
		UserID:    e.userID,
		Cancelled: e.token.Cancelled(),
		Progress:  int(e.progress.Load()),
		Metadata:  meta,
		StartedAt: e.startedAt,
	}
}

// Registry owns every running task. Construct one per process and pass it around.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*entry
	now   func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*entry), now: time.Now}
}

// Register creates a running task at progress 0. An empty id gets a generated one.
func (r *Registry) Register(id string, userID int64, metadata map[string]string) (*Handle, error) {
	if id == "" {
		id = uuid.NewString()
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	e := &entry{id: id, userID: userID, metadata: meta, startedAt: r.now(), token: &Token{}}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; ok {
		return nil, &DuplicateTaskError{ID: id}
	}
	r.tasks[id] = e
	return &Handle{reg: r, entry: e}, nil
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	return e, ok
}

// Cancel flags the task as cancelled. Unknown ids (finished or never started) return false.
func (r *Registry) Cancel(id string) bool {
	e, ok := r.lookup(id)
	if !ok {
		return false
	}
	e.token.Cancel()
	return true
}

// IsCancelled reports the cancellation flag; unknown ids report false.
func (r *Registry) IsCancelled(id string) bool {
	e, ok := r.lookup(id)
	return ok && e.token.Cancelled()
}

// SetProgress records progress, clamped to [0,100]. Progress never moves backwards.
func (r *Registry) SetProgress(id string, percent int) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	e.setProgress(percent)
}

func (e *entry) setProgress(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	for {
		cur := e.progress.Load()
		if int32(percent) <= cur {
			return
		}
		if e.progress.CompareAndSwap(cur, int32(percent)) {
			return
		}
	}
}

// Release removes the task unconditionally.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

// Get returns a snapshot of the task.
func (r *Registry) Get(id string) (Snapshot, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Len is the number of running tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// ByUser lists the user's running tasks, oldest first.
func (r *Registry) ByUser(userID int64) []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0)
	for _, e := range r.tasks {
		if e.userID == userID {
			out = append(out, e.snapshot())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Handle is the owning operation's grip on its task. Release it with defer.
type Handle struct {
	reg   *Registry
	entry *entry
	once  sync.Once
}

// ID returns the task id.
func (h *Handle) ID() string { return h.entry.id }

// Token returns the cancellation token to poll at checkpoints.
func (h *Handle) Token() *Token { return h.entry.token }

// SetProgress records progress for this task.
func (h *Handle) SetProgress(percent int) { h.entry.setProgress(percent) }

// Progress returns the last recorded progress.
func (h *Handle) Progress() int { return int(h.entry.progress.Load()) }

// Release removes the task from the registry. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.reg.mu.Lock()
		if cur, ok := h.reg.tasks[h.entry.id]; ok && cur == h.entry {
			delete(h.reg.tasks, h.entry.id)
		}
		h.reg.mu.Unlock()
	})
}
