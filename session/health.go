package session

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
)

// TempSessionsDir is the directory under the temp root that holds per-session downloads.
const TempSessionsDir = "temp_sessions"

// TempDir is where a session's items are materialised locally.
func TempDir(root, sessionID string) string {
	return filepath.Join(root, TempSessionsDir, sessionID)
}

// Health remembers whether a backend's last call reached its server.
type Health struct {
	ok atomic.Bool
}

// Observe records the outcome of a backend call and maps failures onto
// ErrUnavailable. Contract rejections pass through unchanged.
func (h *Health) Observe(err error) error {
	if err == nil || IsRejection(err) {
		h.ok.Store(true)
		return err
	}
	h.ok.Store(false)
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// OK reports the last observed outcome.
func (h *Health) OK() bool { return h.ok.Load() }
