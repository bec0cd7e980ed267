// Package persistent stores sessions in Postgres and their images in a blob store.
//
// Rows live in multipdf_sessions and session_images. Image bytes are uploaded to
// sessions/<id>/<order>.jpg; GetItems materialises them under the local temp
// root so the transformer can read plain files.
package persistent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lib/pq"

	"github.com/mohammad-safakhou/pdfbot/internal/blob"
	"github.com/mohammad-safakhou/pdfbot/internal/fsutil"
	"github.com/mohammad-safakhou/pdfbot/internal/logging"
	"github.com/mohammad-safakhou/pdfbot/session"
)

const kind = "persistent"

var activeStatuses = pq.StringArray{
	string(session.StatusCollecting),
	string(session.StatusAwaitingSelection),
	string(session.StatusProcessing),
}

type Store struct {
	DB      *sql.DB
	blobs   blob.Store
	tempDir string
	now     func() time.Time
	logger  *log.Logger
	health  session.Health
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for best-effort cleanup failures.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func New(db *sql.DB, blobs blob.Store, tempDir string, opts ...Option) *Store {
	s := &Store{DB: db, blobs: blobs, tempDir: tempDir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

var _ session.Store = (*Store)(nil)

func (s *Store) Kind() string { return kind }

// Probe pings the database.
func (s *Store) Probe(ctx context.Context) error {
	return s.health.Observe(s.DB.PingContext(ctx))
}

// Enabled reports whether the last call reached the database.
func (s *Store) Enabled() bool { return s.health.OK() }

func blobKey(sessionID string, order int) string {
	return fmt.Sprintf("sessions/%s/%d.jpg", sessionID, order)
}

func blobPrefix(sessionID string) string {
	return fmt.Sprintf("sessions/%s/", sessionID)
}

func (s *Store) CreateSession(ctx context.Context, userID int64, meta session.Metadata) (string, error) {
	now := s.now().UTC()
	id := session.NewID(userID, now)
	raw, err := json.Marshal(session.Metadata{}.Merge(meta))
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", s.health.Observe(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`DELETE FROM multipdf_sessions WHERE user_id = $1 AND status = ANY($2) RETURNING session_id`,
		userID, activeStatuses)
	if err != nil {
		return "", s.health.Observe(err)
	}
	var superseded []string
	for rows.Next() {
		var old string
		if err := rows.Scan(&old); err != nil {
			rows.Close()
			return "", s.health.Observe(err)
		}
		superseded = append(superseded, old)
	}
	if err := rows.Close(); err != nil {
		return "", s.health.Observe(err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO multipdf_sessions (session_id, user_id, status, metadata, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $5)`,
		id, userID, string(session.StatusCollecting), raw, now); err != nil {
		return "", s.health.Observe(err)
	}
	if err := tx.Commit(); err != nil {
		return "", s.health.Observe(err)
	}
	for _, old := range superseded {
		s.purgeArtifacts(ctx, old)
	}
	return id, s.health.Observe(nil)
}

func (s *Store) GetUserSession(ctx context.Context, userID int64) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`SELECT session_id FROM multipdf_sessions WHERE user_id = $1 AND status = ANY($2) ORDER BY created_at DESC LIMIT 1`,
		userID, activeStatuses).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", s.health.Observe(nil)
	}
	if err != nil {
		return "", s.health.Observe(err)
	}
	return id, s.health.Observe(nil)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess   session.Session
		status string
		raw    []byte
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &status, &raw, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", sess.ID, err)
		}
	}
	return &sess, nil
}

const selectSession = `SELECT session_id, user_id, status, metadata, created_at, updated_at FROM multipdf_sessions`

// GetSession returns the record with item refs pointing at blob keys.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := scanSession(s.DB.QueryRowContext(ctx, selectSession+` WHERE session_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.health.Observe(nil)
	}
	if err != nil {
		return nil, s.health.Observe(err)
	}
	items, err := s.items(ctx, id)
	if err != nil {
		return nil, s.health.Observe(err)
	}
	sess.Items = items
	return sess, s.health.Observe(nil)
}

func (s *Store) items(ctx context.Context, id string) ([]session.Item, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT image_order, storage_path, created_at FROM session_images WHERE session_id = $1 ORDER BY image_order`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []session.Item
	for rows.Next() {
		var it session.Item
		if err := rows.Scan(&it.Order, &it.Ref, &it.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) status(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string, lock bool) (session.Status, error) {
	query := `SELECT status FROM multipdf_sessions WHERE session_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var st string
	err := q.QueryRowContext(ctx, query, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", session.ErrNotFound
	}
	return session.Status(st), err
}

// AddItem uploads the local file at ref and records it. The local copy is
// removed once the row and blob both exist.
func (s *Store) AddItem(ctx context.Context, id, ref string, order int) (bool, error) {
	st, err := s.status(ctx, s.DB, id, false)
	if err != nil {
		return false, s.health.Observe(err)
	}
	if !st.AcceptsItems() {
		return false, session.ErrClosed
	}

	key := blobKey(id, order)
	now := s.now().UTC()
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO session_images (session_id, image_order, storage_path, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		id, order, key, now)
	if err != nil {
		return false, s.health.Observe(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, session.ErrDuplicateOrder
	}

	if err := blob.Upload(ctx, s.blobs, key, ref); err != nil {
		if _, derr := s.DB.ExecContext(ctx,
			`DELETE FROM session_images WHERE session_id = $1 AND image_order = $2`, id, order); derr != nil {
			s.logger.Warn("failed to roll back image row", "session", id, "order", order, "err", derr)
		}
		return false, s.health.Observe(err)
	}
	if err := s.touch(ctx, id); err != nil {
		return false, s.health.Observe(err)
	}
	fsutil.RemoveQuietly(ref)
	return true, s.health.Observe(nil)
}

func (s *Store) touch(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE multipdf_sessions SET updated_at = $2 WHERE session_id = $1`, id, s.now().UTC())
	return err
}

// GetItems downloads every image into <temp>/temp_sessions/<id>/image_<n>.jpg
// and returns the local paths in order. Images missing from the blob store are skipped.
func (s *Store) GetItems(ctx context.Context, id string) ([]string, error) {
	items, err := s.items(ctx, id)
	if err != nil {
		return nil, s.health.Observe(err)
	}
	dir := session.TempDir(s.tempDir, id)
	out := make([]string, 0, len(items))
	for _, it := range items {
		local := filepath.Join(dir, fmt.Sprintf("image_%d.jpg", len(out)))
		if err := blob.Download(ctx, s.blobs, it.Ref, local); err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				s.logger.Warn("session image missing from blob store", "session", id, "key", it.Ref)
				continue
			}
			return nil, s.health.Observe(err)
		}
		out = append(out, local)
	}
	return out, s.health.Observe(nil)
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status session.Status) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return s.health.Observe(err)
	}
	defer tx.Rollback()

	cur, err := s.status(ctx, tx, id, true)
	if err != nil {
		return s.health.Observe(err)
	}
	if err := session.ValidateTransition(cur, status); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE multipdf_sessions SET status = $2, updated_at = $3 WHERE session_id = $1`,
		id, string(status), s.now().UTC()); err != nil {
		return s.health.Observe(err)
	}
	return s.health.Observe(tx.Commit())
}

func (s *Store) UpdateMetadata(ctx context.Context, id string, meta session.Metadata) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, s.health.Observe(err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM multipdf_sessions WHERE session_id = $1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, session.ErrNotFound
	}
	if err != nil {
		return false, s.health.Observe(err)
	}
	var cur session.Metadata
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cur); err != nil {
			return false, fmt.Errorf("decode metadata for %s: %w", id, err)
		}
	}
	merged, err := json.Marshal(cur.Merge(meta))
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE multipdf_sessions SET metadata = $2, updated_at = $3 WHERE session_id = $1`,
		id, merged, s.now().UTC()); err != nil {
		return false, s.health.Observe(err)
	}
	if err := tx.Commit(); err != nil {
		return false, s.health.Observe(err)
	}
	return true, s.health.Observe(nil)
}

// DeleteSession removes rows (images cascade), blobs and the local temp dir.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM multipdf_sessions WHERE session_id = $1`, id); err != nil {
		return s.health.Observe(err)
	}
	s.purgeArtifacts(ctx, id)
	return s.health.Observe(nil)
}

func (s *Store) purgeArtifacts(ctx context.Context, id string) {
	if _, err := blob.DeletePrefix(ctx, s.blobs, blobPrefix(id)); err != nil {
		s.logger.Warn("failed to delete session blobs", "session", id, "err", err)
	}
	if err := fsutil.RemoveWithRetry(ctx, session.TempDir(s.tempDir, id)); err != nil {
		s.logger.Warn("failed to delete session temp dir", "session", id, "err", err)
	}
}

// ListSessions returns every session without items.
func (s *Store) ListSessions(ctx context.Context) ([]session.Session, error) {
	rows, err := s.DB.QueryContext(ctx, selectSession+` ORDER BY created_at`)
	if err != nil {
		return nil, s.health.Observe(err)
	}
	defer rows.Close()
	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, s.health.Observe(err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, s.health.Observe(err)
	}
	return out, s.health.Observe(nil)
}

func (s *Store) GetStats(ctx context.Context) session.Stats {
	st := session.Stats{Backend: kind, Details: map[string]any{}}
	if err := s.Probe(ctx); err != nil {
		st.Error = err.Error()
		return st
	}
	st.Enabled, st.Connected = true, true
	var active int
	if err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM multipdf_sessions WHERE status = ANY($1)`, activeStatuses).Scan(&active); err != nil {
		st.Error = err.Error()
		return st
	}
	st.ActiveSessions = active
	dbs := s.DB.Stats()
	st.Details["open_connections"] = dbs.OpenConnections
	st.Details["in_use"] = dbs.InUse
	return st
}
