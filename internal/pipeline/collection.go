package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/pdfbot/config"
	"github.com/mohammad-safakhou/pdfbot/internal/fsutil"
	"github.com/mohammad-safakhou/pdfbot/internal/progress"
	"github.com/mohammad-safakhou/pdfbot/internal/transform"
	"github.com/mohammad-safakhou/pdfbot/session"
)

// maxOrderAttempts bounds retries when two concurrent adds pick the same order.
const maxOrderAttempts = 3

// ParseCollectionArgs reads "[fixed|autofit] [filename]". The page mode
// defaults to fixed; a missing filename becomes MULTIPDF_<uid>_<unix>.pdf.
func ParseCollectionArgs(userID int64, args string, unix int64) session.Metadata {
	meta := session.Metadata{PageMode: session.PageModeFixed}
	fields := strings.Fields(args)
	if len(fields) > 0 {
		if mode, ok := session.ParsePageMode(fields[0]); ok {
			meta.PageMode = mode
			fields = fields[1:]
		}
	}
	meta.Filename = ensurePDF(strings.Join(fields, " "))
	if meta.Filename == "" {
		meta.Filename = fmt.Sprintf("MULTIPDF_%d_%d.pdf", userID, unix)
	}
	return meta
}

// StartCollection opens a new collection for userID, discarding any previous one.
func (p *Pipeline) StartCollection(ctx context.Context, userID int64, args string) (string, session.Metadata, error) {
	meta := ParseCollectionArgs(userID, args, p.now().Unix())
	if rl := p.admit(config.ClassMulti, userID); rl != nil {
		return "", meta, rl
	}
	if _, err := p.CancelCollection(ctx, userID); err != nil {
		p.logger.Warn("discard previous collection", "user", userID, "err", err)
	}
	id, err := p.sessions.CreateSession(ctx, userID, meta)
	if err != nil {
		return "", meta, fmt.Errorf("start collection: %w", err)
	}
	p.logger.Info("collection started", "user", userID, "session", id, "mode", meta.PageMode, "file", meta.Filename)
	return id, meta, nil
}

func nextOrder(items []session.Item) int {
	next := 0
	for _, it := range items {
		if it.Order >= next {
			next = it.Order + 1
		}
	}
	return next
}

// AddItem downloads ref into the user's open collection and returns the item count.
func (p *Pipeline) AddItem(ctx context.Context, userID int64, ref string) (int, error) {
	id, err := p.sessions.GetUserSession(ctx, userID)
	if err != nil {
		return 0, err
	}
	if id == "" {
		return 0, ErrNoSession
	}
	dir := session.TempDir(p.tempDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("session dir: %w", err)
	}
	local := filepath.Join(dir, "item_"+uuid.NewString()[:8]+".jpg")
	if err := p.fetcher.Fetch(ctx, ref, local); err != nil {
		fsutil.RemoveQuietly(local)
		return 0, fmt.Errorf("fetch %s: %w", ref, err)
	}

	for attempt := 0; attempt < maxOrderAttempts; attempt++ {
		sess, err := p.sessions.GetSession(ctx, id)
		if err != nil {
			fsutil.RemoveQuietly(local)
			return 0, err
		}
		if sess == nil {
			fsutil.RemoveQuietly(local)
			return 0, ErrNoSession
		}
		order := nextOrder(sess.Items)
		_, err = p.sessions.AddItem(ctx, id, local, order)
		switch {
		case err == nil:
			return len(sess.Items) + 1, nil
		case errors.Is(err, session.ErrDuplicateOrder):
			continue
		case errors.Is(err, session.ErrNotFound):
			err = ErrNoSession
		}
		fsutil.RemoveQuietly(local)
		return 0, err
	}
	fsutil.RemoveQuietly(local)
	return 0, fmt.Errorf("add item: %w", session.ErrDuplicateOrder)
}

// Finalize merges the collected items into one PDF and delivers it. Once
// processing starts the session is discarded whatever the outcome.
func (p *Pipeline) Finalize(ctx context.Context, userID int64, taskID string) Result {
	r, err := p.begin(config.ClassMulti, userID, taskID, nil)
	if err != nil {
		return Result{TaskID: taskID, Outcome: Failed, Err: err}
	}
	defer r.h.Release()
	var res Result
	err = p.finalize(ctx, r, userID, &res)
	return r.finish(ctx, res, err)
}

// claim marks userID as finalizing; false when another merge already runs here.
func (p *Pipeline) claim(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.finalizing[userID]; busy {
		return false
	}
	p.finalizing[userID] = struct{}{}
	return true
}

func (p *Pipeline) unclaim(userID int64) {
	p.mu.Lock()
	delete(p.finalizing, userID)
	p.mu.Unlock()
}

func (p *Pipeline) finalize(ctx context.Context, r *run, userID int64, res *Result) error {
	if !p.claim(userID) {
		return ErrFinalizing
	}
	defer p.unclaim(userID)
	if err := r.step(ctx, 0, progress.StatusDownloading); err != nil {
		return err
	}
	id, err := p.sessions.GetUserSession(ctx, userID)
	if err != nil {
		return err
	}
	if id == "" {
		return ErrNoSession
	}
	sess, err := p.sessions.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrNoSession
	}
	// another replica started the merge
	if !sess.Status.AcceptsItems() {
		return ErrFinalizing
	}
	if len(sess.Items) == 0 {
		return ErrNoItems
	}
	res.Filename = sess.Metadata.Filename
	if res.Filename == "" {
		res.Filename = fmt.Sprintf("MULTIPDF_%d_%d.pdf", userID, p.now().Unix())
	}

	if err := p.sessions.UpdateStatus(ctx, id, session.StatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	var refs []string
	defer func() { p.discard(ctx, id, refs) }()

	refs, err = p.sessions.GetItems(ctx, id)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	if len(refs) == 0 {
		return ErrNoItems
	}
	if err := r.step(ctx, 10, progress.StatusMerging); err != nil {
		return err
	}

	output := filepath.Join(p.tempDir, "MULTIPDF_"+r.h.ID()+".pdf")
	defer fsutil.RemoveQuietly(output)
	out, err := p.transformer.Transform(ctx, r.h.Token(), refs, transform.Options{
		Kind:     transform.KindMerge,
		PageMode: sess.Metadata.PageMode,
		Output:   output,
	})
	res.SizeBefore, res.SizeAfter = out.SizeBefore, out.SizeAfter
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	if !out.OK {
		return ErrTransformFailed
	}
	if err := r.step(ctx, 40, progress.StatusMerging); err != nil {
		return err
	}
	if err := p.deliver(ctx, r, userID, out.OutputRef, res); err != nil {
		return err
	}
	if err := p.sessions.UpdateStatus(ctx, id, session.StatusCompleted); err != nil {
		p.logger.Warn("mark completed", "session", id, "err", err)
	}
	return nil
}

// CancelCollection drops the user's open collection, its local files and any
// merge still running for it. It reports whether there was anything to cancel.
func (p *Pipeline) CancelCollection(ctx context.Context, userID int64) (bool, error) {
	id, err := p.sessions.GetUserSession(ctx, userID)
	if err != nil || id == "" {
		return false, err
	}
	for _, t := range p.tasks.ByUser(userID) {
		if t.Metadata["operation"] == config.ClassMulti {
			p.tasks.Cancel(t.ID)
		}
	}
	refs, err := p.sessions.GetItems(ctx, id)
	if err != nil {
		p.logger.Debug("load items for cancel", "session", id, "err", err)
	}
	return true, p.discard(ctx, id, refs)
}

func (p *Pipeline) discard(ctx context.Context, id string, refs []string) error {
	ctx = context.WithoutCancel(ctx)
	err := p.sessions.DeleteSession(ctx, id)
	fsutil.RemoveQuietly(refs...)
	if rmErr := fsutil.RemoveWithRetry(ctx, session.TempDir(p.tempDir, id)); rmErr != nil {
		p.logger.Warn("remove session dir", "session", id, "err", rmErr)
	}
	return err
}
