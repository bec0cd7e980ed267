// Package session defines the storage contract for multi-item collection
// sessions and the record types shared by every backend.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable means the backend cannot be reached. Callers treat it as
	// "no answer", never as a user-facing failure.
	ErrUnavailable = errors.New("session backend unavailable")
	// ErrNotFound is returned by mutations on a session that does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition is returned when a status change would move backwards
	// after finalization started, or leave the completed state.
	ErrInvalidTransition = errors.New("invalid session status transition")
	// ErrInvalidStatus is returned for status values outside the known set.
	ErrInvalidStatus = errors.New("invalid session status")
	// ErrClosed is returned when items are added to a session that is being finalized.
	ErrClosed = errors.New("session no longer accepts items")
	// ErrDuplicateOrder is returned when an order index is already taken.
	ErrDuplicateOrder = errors.New("item order already used in session")
)

// Store is implemented by every session backend.
type Store interface {
	// Kind names the backend: memory, redis or persistent.
	Kind() string
	// CreateSession starts a collection for userID, superseding any previous
	// non-terminal session of that user.
	CreateSession(ctx context.Context, userID int64, meta Metadata) (string, error)
	// GetUserSession returns the user's non-terminal session id, or "".
	GetUserSession(ctx context.Context, userID int64) (string, error)
	// GetSession returns the full record, or nil when it does not exist.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	AddItem(ctx context.Context, sessionID, ref string, order int) (bool, error)
	// GetItems returns item refs sorted by ascending order.
	GetItems(ctx context.Context, sessionID string) ([]string, error)
	// UpdateStatus changes the status and restarts the TTL clock.
	UpdateStatus(ctx context.Context, sessionID string, status Status) error
	// UpdateMetadata merges meta into the stored metadata.
	UpdateMetadata(ctx context.Context, sessionID string, meta Metadata) (bool, error)
	// DeleteSession is idempotent.
	DeleteSession(ctx context.Context, sessionID string) error
	// ListSessions returns every stored session; used by the garbage collector.
	ListSessions(ctx context.Context) ([]Session, error)
	GetStats(ctx context.Context) Stats
}

// Status of a collection session.
type Status string

const (
	StatusCollecting        Status = "collecting"
	StatusAwaitingSelection Status = "awaiting_selection"
	StatusProcessing        Status = "processing"
	StatusCompleted         Status = "completed"
)

func (s Status) rank() int {
	switch s {
	case StatusCollecting:
		return 0
	case StatusAwaitingSelection:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted:
		return 3
	}
	return -1
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether s is the completed state.
func (s Status) Terminal() bool { return s == StatusCompleted }

// AcceptsItems reports whether items may still be added.
func (s Status) AcceptsItems() bool { return s.rank() < StatusProcessing.rank() }

// ValidateTransition checks a status change. Before processing starts a session
// may move freely between collecting and awaiting_selection; from processing on
// it only moves forward. Re-applying the current status is always allowed and
// simply refreshes the session.
func ValidateTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	if from == to {
		return nil
	}
	if from.rank() >= StatusProcessing.rank() && to.rank() < from.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// PageMode controls how collected images are laid out.
type PageMode string

const (
	PageModeFixed   PageMode = "fixedPage"
	PageModeAutoFit PageMode = "autoFit"
)

// ParsePageMode accepts the user-facing spellings, including the legacy "a4".
func ParsePageMode(s string) (PageMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a4", "fixed", "fixedpage":
		return PageModeFixed, true
	case "autofit", "auto":
		return PageModeAutoFit, true
	}
	return "", false
}

// OutputExtension is the extension every target filename must carry.
const OutputExtension = ".pdf"

// Metadata is the externally visible session configuration.
type Metadata struct {
	Filename string            `json:"filename,omitempty"`
	PageMode PageMode          `json:"page_mode,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Merge overlays the non-empty fields of other onto m.
func (m Metadata) Merge(other Metadata) Metadata {
	if other.Filename != "" {
		m.Filename = other.Filename
	}
	if other.PageMode != "" {
		m.PageMode = other.PageMode
	}
	if len(other.Extra) > 0 {
		extra := make(map[string]string, len(m.Extra)+len(other.Extra))
		for k, v := range m.Extra {
			extra[k] = v
		}
		for k, v := range other.Extra {
			extra[k] = v
		}
		m.Extra = extra
	}
	return m
}

// Item is one collected file reference.
type Item struct {
	Ref     string    `json:"path"`
	Order   int       `json:"order"`
	AddedAt time.Time `json:"added_at"`
}

// Session is a user's collection record.
type Session struct {
	ID        string    `json:"session_id"`
	UserID    int64     `json:"user_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Metadata  Metadata  `json:"metadata"`
	Items     []Item    `json:"images"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Items = append([]Item(nil), s.Items...)
	if s.Metadata.Extra != nil {
		c.Metadata.Extra = make(map[string]string, len(s.Metadata.Extra))
		for k, v := range s.Metadata.Extra {
			c.Metadata.Extra[k] = v
		}
	}
	return &c
}

// HasOrder reports whether an item already uses order.
func (s *Session) HasOrder(order int) bool {
	for _, it := range s.Items {
		if it.Order == order {
			return true
		}
	}
	return false
}

// Refs returns item refs sorted by order; ties keep insertion order.
func (s *Session) Refs() []string {
	return SortedRefs(s.Items)
}

// Idle is the time since the last refresh.
func (s *Session) Idle(now time.Time) time.Duration {
	last := s.UpdatedAt
	if last.IsZero() {
		last = s.CreatedAt
	}
	return now.Sub(last)
}

// SortedRefs sorts a copy of items by order and returns their refs.
func SortedRefs(items []Item) []string {
	sorted := append([]Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	out := make([]string, len(sorted))
	for i, it := range sorted {
		out[i] = it.Ref
	}
	return out
}

// NewID derives a session id from the user and creation time. The short random
// suffix keeps ids unique when one user starts two sessions within a second.
func NewID(userID int64, now time.Time) string {
	return fmt.Sprintf("%d_%d_%s", userID, now.Unix(), uuid.NewString()[:8])
}

// Stats is a backend health snapshot.
type Stats struct {
	Backend        string         `json:"backend"`
	Enabled        bool           `json:"enabled"`
	Connected      bool           `json:"connected"`
	ActiveSessions int            `json:"active_sessions"`
	Details        map[string]any `json:"details,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// IsRejection reports whether err is a contract rejection (missing session,
// bad transition, closed session) rather than a backend failure.
func IsRejection(err error) bool {
	for _, target := range []error{ErrNotFound, ErrInvalidTransition, ErrInvalidStatus, ErrClosed, ErrDuplicateOrder} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
