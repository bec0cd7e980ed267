package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "sessions/a/0.jpg", strings.NewReader("zero")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "sessions/a/1.jpg", strings.NewReader("one")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "sessions/b/0.jpg", strings.NewReader("other")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, err := s.Open(ctx, "sessions/a/1.jpg")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "one" {
		t.Fatalf("unexpected body %q", body)
	}

	keys, err := s.List(ctx, "sessions/a/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "sessions/a/0.jpg" {
		t.Fatalf("unexpected keys %v", keys)
	}

	n, err := DeletePrefix(ctx, s, "sessions/a/")
	if err != nil || n != 2 {
		t.Fatalf("DeletePrefix: n=%d err=%v", n, err)
	}
	if _, err := s.Open(ctx, "sessions/a/0.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "sessions/a/0.jpg"); err != nil {
		t.Fatalf("deleting a missing key should succeed: %v", err)
	}
}

func TestLocalStoreKeysCannotEscapeRoot(t *testing.T) {
	root := t.TempDir()
	s, _ := NewLocalStore(filepath.Join(root, "blobs"))
	if err := s.Put(context.Background(), "../../escape.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); err == nil {
		t.Fatal("key escaped the store root")
	}
	if _, err := os.Stat(filepath.Join(root, "blobs", "escape.txt")); err != nil {
		t.Fatalf("expected object inside root: %v", err)
	}
}

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, _ := NewLocalStore(filepath.Join(dir, "store"))
	src := filepath.Join(dir, "in.jpg")
	if err := os.WriteFile(src, []byte("image"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Upload(ctx, s, "k/in.jpg", src); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	dst := filepath.Join(dir, "out", "nested", "in.jpg")
	if err := Download(ctx, s, "k/in.jpg", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "image" {
		t.Fatalf("unexpected content %q", got)
	}
	if err := Download(ctx, s, "k/missing.jpg", dst); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGCSObjectNaming(t *testing.T) {
	s := &GCSStore{prefix: "pdfbot"}
	name, err := s.object("sessions/x/0.jpg")
	if err != nil || name != "pdfbot/sessions/x/0.jpg" {
		t.Fatalf("unexpected object name %q err=%v", name, err)
	}
	if _, err := s.object(""); err == nil {
		t.Fatal("empty key should be rejected")
	}
}
