package redis_session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/pdfbot/session"
)

const (
	kind            = "redis"
	sessionPrefix   = "session:"
	userPrefix      = "user_session:"
	maxWatchRetries = 5
)

func sessionKey(id string) string { return sessionPrefix + id }
func userKey(userID int64) string { return userPrefix + strconv.FormatInt(userID, 10) }
func idFromKey(key string) string { return key[len(sessionPrefix):] }

// Store keeps each session as a JSON document under session:<id> with a TTL,
// plus a user_session:<uid> pointer to the user's active session. Both keys are
// written and refreshed together.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
	health session.Health
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &Store{client: client, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ session.Store = (*Store)(nil)

func (s *Store) Kind() string { return kind }

// Probe pings the server and records the result; Enabled reflects the last outcome.
func (s *Store) Probe(ctx context.Context) error {
	return s.health.Observe(s.client.Ping(ctx).Err())
}

// Enabled reports whether the last call reached the server.
func (s *Store) Enabled() bool { return s.health.OK() }

func (s *Store) classify(err error) error { return s.health.Observe(err) }

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, c getter, id string) (*session.Session, error) {
	raw, err := c.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, userID int64, meta session.Metadata) (string, error) {
	now := s.now()
	sess := &session.Session{
		ID:        session.NewID(userID, now),
		UserID:    userID,
		Status:    session.StatusCollecting,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  session.Metadata{}.Merge(meta),
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}

	prev, err := s.client.Get(ctx, userKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", s.classify(err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != "" {
			pipe.Del(ctx, sessionKey(prev))
		}
		pipe.Set(ctx, sessionKey(sess.ID), raw, s.ttl)
		pipe.Set(ctx, userKey(userID), sess.ID, s.ttl)
		return nil
	})
	if err != nil {
		return "", s.classify(err)
	}
	return sess.ID, s.classify(nil)
}

func (s *Store) GetUserSession(ctx context.Context, userID int64) (string, error) {
	id, err := s.client.Get(ctx, userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", s.classify(nil)
	}
	if err != nil {
		return "", s.classify(err)
	}
	sess, err := s.load(ctx, s.client, id)
	if err != nil {
		return "", s.classify(err)
	}
	if sess == nil || sess.Status.Terminal() {
		return "", nil
	}
	return id, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, s.classify(err)
	}
	return sess, s.classify(nil)
}

// mutate applies fn to the stored record under WATCH and rewrites both keys
// with a fresh TTL. A terminal status drops the user pointer.
func (s *Store) mutate(ctx context.Context, id string, fn func(*session.Session) error) error {
	key := sessionKey(id)
	txf := func(tx *redis.Tx) error {
		sess, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if sess == nil {
			return session.ErrNotFound
		}
		if err := fn(sess); err != nil {
			return err
		}
		sess.UpdatedAt = s.now()
		raw, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", id, err)
		}
		owner, err := tx.Get(ctx, userKey(sess.UserID)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, s.ttl)
			if owner == id {
				if sess.Status.Terminal() {
					pipe.Del(ctx, userKey(sess.UserID))
				} else {
					pipe.Expire(ctx, userKey(sess.UserID), s.ttl)
				}
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return s.classify(err)
	}
	return s.classify(fmt.Errorf("session %s: too much contention", id))
}

func (s *Store) AddItem(ctx context.Context, id, ref string, order int) (bool, error) {
	err := s.mutate(ctx, id, func(sess *session.Session) error {
		if !sess.Status.AcceptsItems() {
			return session.ErrClosed
		}
		if sess.HasOrder(order) {
			return session.ErrDuplicateOrder
		}
		sess.Items = append(sess.Items, session.Item{Ref: ref, Order: order, AddedAt: s.now()})
		return nil
	})
	return err == nil, err
}

func (s *Store) GetItems(ctx context.Context, id string) ([]string, error) {
	sess, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, s.classify(err)
	}
	if sess == nil {
		return []string{}, nil
	}
	return sess.Refs(), nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status session.Status) error {
	return s.mutate(ctx, id, func(sess *session.Session) error {
		if err := session.ValidateTransition(sess.Status, status); err != nil {
			return err
		}
		sess.Status = status
		return nil
	})
}

func (s *Store) UpdateMetadata(ctx context.Context, id string, meta session.Metadata) (bool, error) {
	err := s.mutate(ctx, id, func(sess *session.Session) error {
		sess.Metadata = sess.Metadata.Merge(meta)
		return nil
	})
	return err == nil, err
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.load(ctx, s.client, id)
	if err != nil {
		return s.classify(err)
	}
	if sess == nil {
		return nil
	}
	owner, err := s.client.Get(ctx, userKey(sess.UserID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return s.classify(err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		if owner == id {
			pipe.Del(ctx, userKey(sess.UserID))
		}
		return nil
	})
	return s.classify(err)
}

func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	var out []session.Session
	iter := s.client.Scan(ctx, 0, sessionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		sess, err := s.load(ctx, s.client, idFromKey(iter.Val()))
		if err != nil {
			return nil, s.classify(err)
		}
		if sess != nil {
			out = append(out, *sess)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, s.classify(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) countKeys(ctx context.Context, pattern string) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

func (s *Store) GetStats(ctx context.Context) session.Stats {
	st := session.Stats{
		Backend: kind,
		Details: map[string]any{"ttl_seconds": int(s.ttl.Seconds())},
	}
	if err := s.Probe(ctx); err != nil {
		st.Error = err.Error()
		return st
	}
	st.Enabled, st.Connected = true, true
	active, err := s.countKeys(ctx, userPrefix+"*")
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.ActiveSessions = active
	if ps := s.client.PoolStats(); ps != nil {
		st.Details["pool_total_conns"] = ps.TotalConns
		st.Details["pool_idle_conns"] = ps.IdleConns
	}
	return st
}
