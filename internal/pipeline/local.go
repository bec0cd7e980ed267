package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFetcher treats refs as paths on the local filesystem. It backs the CLI
// commands that run the pipeline without a chat transport.
type LocalFetcher struct{}

func (LocalFetcher) Fetch(_ context.Context, ref, dst string) error {
	return copyFile(ref, dst)
}

// DirDeliverer writes results into Dir under their delivery filename.
type DirDeliverer struct {
	Dir string
}

func (d DirDeliverer) Deliver(_ context.Context, del Delivery) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}
	return copyFile(del.Path, filepath.Join(d.Dir, filepath.Base(del.Filename)))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
