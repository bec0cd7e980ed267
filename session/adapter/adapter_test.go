package adapter

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/pdfbot/config"
	"github.com/mohammad-safakhou/pdfbot/internal/blob"
	"github.com/mohammad-safakhou/pdfbot/internal/logging"
	"github.com/mohammad-safakhou/pdfbot/session"
	"github.com/mohammad-safakhou/pdfbot/session/inmemory"
	"github.com/mohammad-safakhou/pdfbot/session/persistent"
	redis_session "github.com/mohammad-safakhou/pdfbot/session/redis"
)

// downStore is a backend whose probe always fails.
type downStore struct {
	session.Store
	kind string
}

func (d downStore) Kind() string { return d.kind }
func (d downStore) Probe(context.Context) error { return session.ErrUnavailable }

// slowStore blocks every call until the context gives up.
type slowStore struct {
	*inmemory.Store
}

func (slowStore) Kind() string { return "redis" }

func (slowStore) CreateSession(ctx context.Context, _ int64, _ session.Metadata) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestFallsBackToMemoryWhenOthersUnavailable(t *testing.T) {
	ctx := context.Background()
	a := Select(ctx, []Candidate{
		{Name: "redis", Store: downStore{kind: "redis"}},
		{Name: "persistent", Store: downStore{kind: "persistent"}},
		{Name: "memory", Store: inmemory.NewInMemorySessionStore()},
	})
	require.Equal(t, "memory", a.Kind())
	require.Equal(t, "memory", a.StorageType())

	id, err := a.CreateSession(ctx, 1, session.Metadata{Filename: "a.pdf"})
	require.NoError(t, err)
	ok, err := a.AddItem(ctx, id, "p.jpg", 0)
	require.NoError(t, err)
	require.True(t, ok)
	items, err := a.GetItems(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"p.jpg"}, items)
}

func TestRoutesToPersistentWhenCacheUnavailable(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	mock.ExpectPing()
	a := Select(ctx, []Candidate{
		{Name: "redis", Store: downStore{kind: "redis"}},
		{Name: "persistent", Store: persistent.New(db, blobs, t.TempDir())},
		{Name: "memory", Store: inmemory.NewInMemorySessionStore()},
	})
	require.Equal(t, "persistent", a.StorageType())

	mock.ExpectBegin()
	mock.ExpectQuery(`DELETE FROM multipdf_sessions WHERE user_id = \$1`).
		WithArgs(int64(9), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}))
	mock.ExpectExec(`INSERT INTO multipdf_sessions`).
		WithArgs(sqlmock.AnyArg(), int64(9), "collecting", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, err := a.CreateSession(ctx, 9, session.Metadata{Filename: "scan.pdf"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmptyCandidatesStillServe(t *testing.T) {
	a := Select(context.Background(), nil)
	require.Equal(t, "memory", a.Kind())
}

func TestPrefersFirstReachableBackend(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := Select(ctx, []Candidate{
		{Name: "redis", Store: redis_session.NewRedisSessionStore(client, time.Hour)},
		{Name: "memory", Store: inmemory.NewInMemorySessionStore()},
	}, WithLogger(logging.Discard()))
	require.Equal(t, "redis", a.Kind())

	id, err := a.CreateSession(ctx, 4, session.Metadata{})
	require.NoError(t, err)
	require.True(t, mr.Exists("session:"+id))

	st := a.GetStats(ctx)
	require.True(t, st.Connected)
	require.Equal(t, 1, st.ActiveSessions)
}

func TestTimeoutCountsAsUnavailable(t *testing.T) {
	a := Select(context.Background(), []Candidate{{Name: "redis", Store: slowStore{inmemory.NewInMemorySessionStore()}}},
		WithTimeout(20*time.Millisecond))

	start := time.Now()
	id, err := a.CreateSession(context.Background(), 1, session.Metadata{})
	require.Empty(t, id)
	require.True(t, errors.Is(err, session.ErrUnavailable), "got %v", err)
	require.Less(t, time.Since(start), time.Second)
}

func TestRejectionsPassThrough(t *testing.T) {
	ctx := context.Background()
	a := Select(ctx, []Candidate{{Name: "memory", Store: inmemory.NewInMemorySessionStore()}})
	id, _ := a.CreateSession(ctx, 1, session.Metadata{})
	require.NoError(t, a.UpdateStatus(ctx, id, session.StatusProcessing))
	err := a.UpdateStatus(ctx, id, session.StatusCollecting)
	require.ErrorIs(t, err, session.ErrInvalidTransition)
	require.NotErrorIs(t, err, session.ErrUnavailable)
}

func TestBuildWithoutExternalBackends(t *testing.T) {
	cfg := &config.Config{
		Session: config.SessionConfig{
			TTL:               30 * time.Minute,
			CacheTTL:          time.Hour,
			BackendPreference: []string{"redis", "persistent", "memory"},
		},
	}
	a, res, err := Build(context.Background(), cfg, logging.Discard(), nil)
	require.NoError(t, err)
	defer res.Close()
	require.Equal(t, "memory", a.Kind())
	require.Nil(t, res.Redis)
	require.Nil(t, res.DB)
}

func TestBuildUsesConfiguredRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, _ := splitAddr(mr.Addr())
	cfg := &config.Config{
		Session: config.SessionConfig{TTL: 30 * time.Minute, CacheTTL: time.Hour, BackendPreference: []string{"redis"}},
		Storage: config.StorageConfig{Redis: config.RedisConfig{Host: host, Port: port, Timeout: time.Second}},
	}
	a, res, err := Build(context.Background(), cfg, logging.Discard(), nil)
	require.NoError(t, err)
	defer res.Close()
	require.Equal(t, "redis", a.Kind())
	require.NotNil(t, res.Redis)
}

func splitAddr(addr string) (string, string, error) {
	host, port, err := net.SplitHostPort(addr)
	return host, port, err
}
