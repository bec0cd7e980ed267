package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalFetchAndDeliver(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.jpg")
	if err := os.WriteFile(src, []byte("pixels"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "temp_1.jpg")
	if err := (LocalFetcher{}).Fetch(context.Background(), src, dst); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	out := filepath.Join(dir, "out")
	d := DirDeliverer{Dir: out}
	if err := d.Deliver(context.Background(), Delivery{Path: dst, Filename: "../escape/result.pdf"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(out, "result.pdf"))
	if err != nil || string(b) != "pixels" {
		t.Fatalf("unexpected delivered file %q, %v", b, err)
	}
	if err := (LocalFetcher{}).Fetch(context.Background(), filepath.Join(dir, "nope"), dst); err == nil {
		t.Fatal("expected error for missing source")
	}
}
