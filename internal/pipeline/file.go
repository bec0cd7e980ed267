package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mohammad-safakhou/pdfbot/config"
	"github.com/mohammad-safakhou/pdfbot/internal/fsutil"
	"github.com/mohammad-safakhou/pdfbot/internal/progress"
	"github.com/mohammad-safakhou/pdfbot/internal/transform"
)

const defaultConvertName = "Pdfio.pdf"

// fileOp describes a single-file action.
type fileOp struct {
	class        string
	kind         transform.Kind
	status       string
	inputExt     string
	outputPrefix string
	notOK        error
	filename     func(Request) string
}

var (
	convertOp = fileOp{
		class:        config.ClassConvert,
		kind:         transform.KindConvert,
		status:       progress.StatusConverting,
		inputExt:     ".jpg",
		outputPrefix: "optimized_",
		notOK:        ErrTransformFailed,
		filename:     convertName,
	}
	compressOp = fileOp{
		class:        config.ClassCompress,
		kind:         transform.KindCompress,
		status:       progress.StatusCompressing,
		inputExt:     ".pdf",
		outputPrefix: "compressed_",
		notOK:        ErrNoReduction,
		filename:     compressName,
	}
)

// convertName picks the requested name, then the source name, then the default.
func convertName(req Request) string {
	if n := ensurePDF(req.Filename); n != "" {
		return n
	}
	if base := strings.TrimSuffix(filepath.Base(req.Name), filepath.Ext(req.Name)); req.Name != "" && base != "" {
		return base + ".pdf"
	}
	return defaultConvertName
}

func compressName(req Request) string {
	name := ensurePDF(req.Filename)
	if name == "" {
		name = ensurePDF(req.Name)
	}
	if name == "" {
		name = "document.pdf"
	}
	return fmt.Sprintf("Compressed_%s_%s", req.Level.Tag(), name)
}

// Convert turns one image into a PDF.
func (p *Pipeline) Convert(ctx context.Context, req Request) Result {
	return p.processFile(ctx, convertOp, req)
}

// Compress shrinks one PDF at req.Level; the zero level means balanced.
func (p *Pipeline) Compress(ctx context.Context, req Request) Result {
	if req.Level == 0 {
		req.Level = transform.LevelEbook
	}
	return p.processFile(ctx, compressOp, req)
}

func (p *Pipeline) processFile(ctx context.Context, op fileOp, req Request) Result {
	if rl := p.admit(op.class, req.UserID); rl != nil {
		return p.rejected(op.class, req.TaskID, rl)
	}
	r, err := p.begin(op.class, req.UserID, req.TaskID, map[string]string{"ref": req.Ref})
	if err != nil {
		return Result{TaskID: req.TaskID, Outcome: Failed, Err: err}
	}
	defer r.h.Release()
	res := Result{Filename: op.filename(req)}
	err = p.executeFile(ctx, r, op, req, &res)
	return r.finish(ctx, res, err)
}

func (p *Pipeline) executeFile(ctx context.Context, r *run, op fileOp, req Request, res *Result) error {
	if err := r.step(ctx, 0, progress.StatusDownloading); err != nil {
		return err
	}
	ext := filepath.Ext(req.Name)
	if ext == "" {
		ext = op.inputExt
	}
	input := filepath.Join(p.tempDir, "temp_"+r.h.ID()+ext)
	output := filepath.Join(p.tempDir, op.outputPrefix+r.h.ID()+".pdf")
	defer fsutil.RemoveQuietly(input, output)

	if err := p.fetcher.Fetch(ctx, req.Ref, input); err != nil {
		return fmt.Errorf("fetch %s: %w", req.Ref, err)
	}
	if err := r.step(ctx, 10, op.status); err != nil {
		return err
	}

	out, err := p.transformer.Transform(ctx, r.h.Token(), []string{input}, transform.Options{
		Kind:     op.kind,
		Level:    req.Level,
		PageMode: req.PageMode,
		Output:   output,
	})
	res.SizeBefore, res.SizeAfter = out.SizeBefore, out.SizeAfter
	if err != nil {
		return fmt.Errorf("%s: %w", op.kind, err)
	}
	if !out.OK {
		return op.notOK
	}
	if err := r.step(ctx, 40, op.status); err != nil {
		return err
	}
	return p.deliver(ctx, r, req.UserID, out.OutputRef, res)
}

// deliver is shared by every action: the last checkpoint, then the upload.
func (p *Pipeline) deliver(ctx context.Context, r *run, userID int64, path string, res *Result) error {
	if err := r.step(ctx, 80, progress.StatusUploading); err != nil {
		return err
	}
	if err := p.deliverer.Deliver(ctx, Delivery{
		UserID:   userID,
		TaskID:   r.h.ID(),
		Path:     path,
		Filename: res.Filename,
		Caption:  res.Summary(),
	}); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	if r.op == config.ClassCompress {
		p.metrics.Saved(res.SizeBefore - res.SizeAfter)
	}
	return nil
}
