package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/pdfbot/session"
)

const kind = "memory"

// Store keeps sessions in process memory. Contents do not survive a restart.
type Store struct {
	sessions map[string]*session.Session
	users    map[int64]string
	mu       sync.RWMutex
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewInMemorySessionStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*session.Session),
		users:    make(map[int64]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ session.Store = (*Store)(nil)

func (store *Store) Kind() string { return kind }

func (store *Store) CreateSession(_ context.Context, userID int64, meta session.Metadata) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if prev, ok := store.users[userID]; ok {
		delete(store.sessions, prev)
	}
	now := store.now()
	id := session.NewID(userID, now)
	for _, taken := store.sessions[id]; taken; _, taken = store.sessions[id] {
		id = session.NewID(userID, now)
	}
	store.sessions[id] = &session.Session{
		ID:        id,
		UserID:    userID,
		Status:    session.StatusCollecting,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  session.Metadata{}.Merge(meta),
	}
	store.users[userID] = id
	return id, nil
}

func (store *Store) GetUserSession(_ context.Context, userID int64) (string, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	id, ok := store.users[userID]
	if !ok {
		return "", nil
	}
	sess, ok := store.sessions[id]
	if !ok || sess.Status.Terminal() {
		return "", nil
	}
	return id, nil
}

func (store *Store) GetSession(_ context.Context, id string) (*session.Session, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	sess, ok := store.sessions[id]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

func (store *Store) AddItem(_ context.Context, id, ref string, order int) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	sess, ok := store.sessions[id]
	if !ok {
		return false, session.ErrNotFound
	}
	if !sess.Status.AcceptsItems() {
		return false, session.ErrClosed
	}
	if sess.HasOrder(order) {
		return false, session.ErrDuplicateOrder
	}
	now := store.now()
	sess.Items = append(sess.Items, session.Item{Ref: ref, Order: order, AddedAt: now})
	sess.UpdatedAt = now
	return true, nil
}

func (store *Store) GetItems(_ context.Context, id string) ([]string, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	sess, ok := store.sessions[id]
	if !ok {
		return []string{}, nil
	}
	return sess.Refs(), nil
}

func (store *Store) UpdateStatus(_ context.Context, id string, status session.Status) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	sess, ok := store.sessions[id]
	if !ok {
		return session.ErrNotFound
	}
	if err := session.ValidateTransition(sess.Status, status); err != nil {
		return err
	}
	sess.Status = status
	sess.UpdatedAt = store.now()
	if status.Terminal() && store.users[sess.UserID] == id {
		delete(store.users, sess.UserID)
	}
	return nil
}

func (store *Store) UpdateMetadata(_ context.Context, id string, meta session.Metadata) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	sess, ok := store.sessions[id]
	if !ok {
		return false, session.ErrNotFound
	}
	sess.Metadata = sess.Metadata.Merge(meta)
	sess.UpdatedAt = store.now()
	return true, nil
}

func (store *Store) DeleteSession(_ context.Context, id string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	sess, ok := store.sessions[id]
	if !ok {
		return nil
	}
	delete(store.sessions, id)
	if store.users[sess.UserID] == id {
		delete(store.users, sess.UserID)
	}
	return nil
}

func (store *Store) ListSessions(_ context.Context) ([]session.Session, error) {
	store.mu.RLock()
	out := make([]session.Session, 0, len(store.sessions))
	for _, sess := range store.sessions {
		out = append(out, *sess.Clone())
	}
	store.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (store *Store) GetStats(_ context.Context) session.Stats {
	store.mu.RLock()
	defer store.mu.RUnlock()
	active := 0
	for _, sess := range store.sessions {
		if !sess.Status.Terminal() {
			active++
		}
	}
	return session.Stats{
		Backend:        kind,
		Enabled:        true,
		Connected:      true,
		ActiveSessions: active,
		Details:        map[string]any{"total_sessions": len(store.sessions)},
	}
}
