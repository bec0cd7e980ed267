package persistent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/pdfbot/internal/blob"
	"github.com/mohammad-safakhou/pdfbot/session"
)

type fixture struct {
	store *Store
	mock  sqlmock.Sqlmock
	blobs *blob.LocalStore
	temp  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	root := t.TempDir()
	blobs, err := blob.NewLocalStore(filepath.Join(root, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	temp := filepath.Join(root, "downloads")
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	st := New(db, blobs, temp, WithClock(func() time.Time { return now }))
	return &fixture{store: st, mock: mock, blobs: blobs, temp: temp}
}

func (f *fixture) verify(t *testing.T) {
	t.Helper()
	if err := f.mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCreateSessionSupersedesActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.blobs.Put(ctx, "sessions/7_old/0.jpg", strings.NewReader("x"))
	oldTemp := session.TempDir(f.temp, "7_old")
	_ = os.MkdirAll(oldTemp, 0o755)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`DELETE FROM multipdf_sessions WHERE user_id = \$1 AND status = ANY\(\$2\) RETURNING session_id`).
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}).AddRow("7_old"))
	f.mock.ExpectExec(`INSERT INTO multipdf_sessions`).
		WithArgs(sqlmock.AnyArg(), int64(7), "collecting", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	id, err := f.store.CreateSession(ctx, 7, session.Metadata{Filename: "a.pdf"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !strings.HasPrefix(id, "7_") {
		t.Fatalf("unexpected id %s", id)
	}
	if keys, _ := f.blobs.List(ctx, "sessions/7_old/"); len(keys) != 0 {
		t.Fatalf("superseded blobs not removed: %v", keys)
	}
	if _, err := os.Stat(oldTemp); !os.IsNotExist(err) {
		t.Fatal("superseded temp dir not removed")
	}
	f.verify(t)
}

func TestAddItemUploadsAndRemovesLocalCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	local := filepath.Join(t.TempDir(), "photo.jpg")
	_ = os.WriteFile(local, []byte("jpeg"), 0o644)

	f.mock.ExpectQuery(`SELECT status FROM multipdf_sessions WHERE session_id = \$1`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("collecting"))
	f.mock.ExpectExec(`INSERT INTO session_images`).
		WithArgs("s1", 0, "sessions/s1/0.jpg", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE multipdf_sessions SET updated_at`).
		WithArgs("s1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := f.store.AddItem(ctx, "s1", local, 0)
	if err != nil || !ok {
		t.Fatalf("AddItem: ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(local); !os.IsNotExist(err) {
		t.Fatal("local copy should be removed after upload")
	}
	if keys, _ := f.blobs.List(ctx, "sessions/s1/"); len(keys) != 1 {
		t.Fatalf("expected one blob, got %v", keys)
	}
	f.verify(t)
}

func TestAddItemRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mock.ExpectQuery(`SELECT status FROM multipdf_sessions`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("collecting"))
	f.mock.ExpectExec(`INSERT INTO session_images`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if _, err := f.store.AddItem(ctx, "s1", "x.jpg", 0); !errors.Is(err, session.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}

	f.mock.ExpectQuery(`SELECT status FROM multipdf_sessions`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))
	if _, err := f.store.AddItem(ctx, "s1", "x.jpg", 1); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	f.mock.ExpectQuery(`SELECT status FROM multipdf_sessions`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	if _, err := f.store.AddItem(ctx, "missing", "x.jpg", 0); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	f.verify(t)
}

func TestGetItemsMaterialisesInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.blobs.Put(ctx, "sessions/s1/0.jpg", strings.NewReader("zero"))
	_ = f.blobs.Put(ctx, "sessions/s1/2.jpg", strings.NewReader("two"))
	now := time.Now()

	f.mock.ExpectQuery(`SELECT image_order, storage_path, created_at FROM session_images WHERE session_id = \$1 ORDER BY image_order`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"image_order", "storage_path", "created_at"}).
			AddRow(0, "sessions/s1/0.jpg", now).
			AddRow(1, "sessions/s1/1.jpg", now).
			AddRow(2, "sessions/s1/2.jpg", now))

	paths, err := f.store.GetItems(ctx, "s1")
	if err != nil {
		t.Fatalf("GetItems: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("missing blob should be skipped, got %v", paths)
	}
	want := filepath.Join(f.temp, "temp_sessions", "s1", "image_1.jpg")
	if paths[1] != want {
		t.Fatalf("paths[1] = %s, want %s", paths[1], want)
	}
	body, _ := os.ReadFile(paths[1])
	if string(body) != "two" {
		t.Fatalf("unexpected content %q", body)
	}
	f.verify(t)
}

func TestUpdateStatusRejectsBackwardMove(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT status FROM multipdf_sessions WHERE session_id = \$1 FOR UPDATE`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))
	f.mock.ExpectRollback()

	err := f.store.UpdateStatus(context.Background(), "s1", session.StatusCollecting)
	if !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	f.verify(t)
}

func TestUpdateStatusForward(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT status FROM multipdf_sessions WHERE session_id = \$1 FOR UPDATE`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("collecting"))
	f.mock.ExpectExec(`UPDATE multipdf_sessions SET status = \$2, updated_at = \$3 WHERE session_id = \$1`).
		WithArgs("s1", "processing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	if err := f.store.UpdateStatus(context.Background(), "s1", session.StatusProcessing); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	f.verify(t)
}

func TestUpdateMetadataMerges(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT metadata FROM multipdf_sessions WHERE session_id = \$1 FOR UPDATE`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"metadata"}).AddRow([]byte(`{"filename":"a.pdf","page_mode":"fixedPage"}`)))
	f.mock.ExpectExec(`UPDATE multipdf_sessions SET metadata = \$2`).
		WithArgs("s1", []byte(`{"filename":"a.pdf","page_mode":"autoFit"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	ok, err := f.store.UpdateMetadata(context.Background(), "s1", session.Metadata{PageMode: session.PageModeAutoFit})
	if err != nil || !ok {
		t.Fatalf("UpdateMetadata: ok=%v err=%v", ok, err)
	}
	f.verify(t)
}

func TestDeleteSessionRemovesArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.blobs.Put(ctx, "sessions/s1/0.jpg", strings.NewReader("x"))
	dir := session.TempDir(f.temp, "s1")
	_ = os.MkdirAll(dir, 0o755)

	f.mock.ExpectExec(`DELETE FROM multipdf_sessions WHERE session_id = \$1`).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`DELETE FROM multipdf_sessions WHERE session_id = \$1`).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := f.store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if err := f.store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("second DeleteSession: %v", err)
	}
	if keys, _ := f.blobs.List(ctx, "sessions/s1/"); len(keys) != 0 {
		t.Fatalf("blobs left behind: %v", keys)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("temp dir left behind")
	}
	f.verify(t)
}

func TestGetUserSessionNone(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`SELECT session_id FROM multipdf_sessions WHERE user_id = \$1`).
		WithArgs(int64(3), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"session_id"}))

	id, err := f.store.GetUserSession(context.Background(), 3)
	if err != nil || id != "" {
		t.Fatalf("expected no session, got %q err=%v", id, err)
	}
	f.verify(t)
}

func TestDatabaseFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`SELECT session_id FROM multipdf_sessions WHERE user_id = \$1`).
		WillReturnError(errors.New("connection refused"))

	id, err := f.store.GetUserSession(context.Background(), 3)
	if id != "" || !errors.Is(err, session.ErrUnavailable) {
		t.Fatalf("expected unavailable sentinel, got %q %v", id, err)
	}
	if f.store.Enabled() {
		t.Fatal("failure should disable the backend")
	}
	f.verify(t)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.mock.ExpectQuery(`SELECT session_id, user_id, status, metadata, created_at, updated_at FROM multipdf_sessions ORDER BY created_at`).
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "user_id", "status", "metadata", "created_at", "updated_at"}).
			AddRow("a", int64(1), "completed", []byte(`{}`), now, now).
			AddRow("b", int64(2), "collecting", []byte(`{"filename":"b.pdf"}`), now, now))

	all, err := f.store.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 2 || all[0].Status != session.StatusCompleted || all[1].Metadata.Filename != "b.pdf" {
		t.Fatalf("unexpected sessions %+v", all)
	}
	f.verify(t)
}
