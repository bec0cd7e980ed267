// Package fsutil holds the file removal helpers shared by the pipeline,
// the persistent backend and the garbage collector.
package fsutil

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry bounds for RemoveWithRetry.
const (
	DefaultAttempts = 3
	initialInterval = 100 * time.Millisecond
	maxInterval     = 2 * time.Second
)

func newBackoff(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// RemoveWithRetry deletes path (file or directory tree), retrying transient
// failures with exponential backoff. A path that is already gone counts as removed.
func RemoveWithRetry(ctx context.Context, path string) error {
	return RetryN(ctx, DefaultAttempts, func() error {
		err := os.RemoveAll(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	})
}

// RetryN runs op up to attempts times with exponential backoff between tries.
func RetryN(ctx context.Context, attempts int, op func() error) error {
	return backoff.Retry(op, newBackoff(ctx, attempts))
}

// RemoveQuietly removes each path and ignores every error. Used on cleanup paths
// where the file may never have been created.
func RemoveQuietly(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		_ = os.RemoveAll(p)
	}
}

// FileSize returns the size of path, or 0 if it cannot be read.
func FileSize(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}
